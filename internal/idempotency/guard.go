// Package idempotency remembers which inbound messages were already
// handled so redeliveries can be skipped cheaply.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/helpdesk/internal/clock"
)

// Guard claims keys for a bounded time.
type Guard interface {
	// Claim returns true when the caller is the first to claim key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a later delivery can claim it again.
	Release(ctx context.Context, key string) error
}

// RedisGuard stores claims with SET NX.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard returns a guard that namespaces keys with prefix.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}

// sweepEvery bounds how often Claim scans for expired entries.
const sweepEvery = time.Minute

// MemoryGuard keeps claims in process memory. Expired claims are dropped
// by Claim, at most once per sweepEvery.
type MemoryGuard struct {
	mu        sync.Mutex
	clock     clock.Clock
	claims    map[string]time.Time
	lastSweep time.Time
}

// NewMemoryGuard returns an empty in-process guard.
func NewMemoryGuard(clk clock.Clock) *MemoryGuard {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryGuard{clock: clk, claims: make(map[string]time.Time), lastSweep: clk.Now()}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if now.Sub(g.lastSweep) >= sweepEvery {
		for k, expires := range g.claims {
			if !now.Before(expires) {
				delete(g.claims, k)
			}
		}
		g.lastSweep = now
	}
	if expires, ok := g.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.claims[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}
