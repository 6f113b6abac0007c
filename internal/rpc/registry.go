// Package rpc implements request/reply on top of the broker: a
// correlation registry, the calling gateway and the responding server.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/observability"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

var (
	ErrDuplicateCorrelation = errors.New("rpc: correlation id already pending")
	ErrInvalidTimeout       = errors.New("rpc: timeout must be positive")
)

// Reply is the single outcome of a pending call.
type Reply struct {
	Value json.RawMessage
	Err   error
}

type entry struct {
	id       string
	service  string
	issuedAt time.Time
	deadline time.Time
	result   chan Reply

	mu    sync.Mutex
	timer clock.Timer
}

func (e *entry) stopTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Registry tracks in-flight calls by correlation ID. Whoever removes an
// entry from the map owns it and is the only one that writes its result,
// so a reply racing the deadline yields exactly one outcome.
type Registry struct {
	entries sync.Map
	pending atomic.Int64
	clock   clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, logger: logger, metrics: metrics}
}

// Register adds a pending entry that expires after timeout.
func (r *Registry) Register(id, service string, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	now := r.clock.Now()
	e := &entry{
		id:       id,
		service:  service,
		issuedAt: now,
		deadline: now.Add(timeout),
		result:   make(chan Reply, 1),
	}
	if _, loaded := r.entries.LoadOrStore(id, e); loaded {
		return nil, ErrDuplicateCorrelation
	}
	r.metrics.SetPendingCalls(int(r.pending.Add(1)))

	e.mu.Lock()
	e.timer = r.clock.AfterFunc(timeout, func() { r.expireEntry(e) })
	e.mu.Unlock()

	return &Future{id: id, registry: r, result: e.result}, nil
}

// Resolve completes the entry with reply. It returns false when the entry
// is unknown, already resolved or already expired.
func (r *Registry) Resolve(id string, reply Reply) bool {
	return r.complete(id, reply)
}

// Expire fails the entry with a timeout.
func (r *Registry) Expire(id string) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	return r.expireEntry(v.(*entry))
}

// expireEntry only removes e itself, never a later entry reusing its ID.
func (r *Registry) expireEntry(e *entry) bool {
	if !r.entries.CompareAndDelete(e.id, e) {
		return false
	}
	e.stopTimer()
	id := e.id
	r.finish(e, Reply{Err: apperrors.NewTimeout("call", map[string]any{
		"correlationId": id,
		"service":       e.service,
		"timeoutMs":     e.deadline.Sub(e.issuedAt).Milliseconds(),
	})})
	r.logger.Debug("pending call expired", zap.String("correlation_id", id), zap.String("service", e.service))
	return true
}

// Fail completes the entry with err.
func (r *Registry) Fail(id string, err error) bool {
	return r.complete(id, Reply{Err: err})
}

// Cancel drops the entry without delivering anything.
func (r *Registry) Cancel(id string) bool {
	v, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.stopTimer()
	r.metrics.SetPendingCalls(int(r.pending.Add(-1)))
	return true
}

// FailService fails every entry addressed to service and returns how many
// were failed.
func (r *Registry) FailService(service string, err error) int {
	n := 0
	r.entries.Range(func(key, value any) bool {
		if value.(*entry).service == service && r.complete(key.(string), Reply{Err: err}) {
			n++
		}
		return true
	})
	return n
}

// Pending returns the number of live entries.
func (r *Registry) Pending() int {
	return int(r.pending.Load())
}

func (r *Registry) complete(id string, reply Reply) bool {
	v, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.stopTimer()
	r.finish(e, reply)
	return true
}

func (r *Registry) finish(e *entry, reply Reply) {
	e.result <- reply
	r.metrics.SetPendingCalls(int(r.pending.Add(-1)))
}

// Future is the caller side of a pending entry.
type Future struct {
	id       string
	registry *Registry
	result   <-chan Reply
}

// ID returns the correlation ID.
func (f *Future) ID() string { return f.id }

// Wait blocks until the entry completes or ctx ends. When ctx ends first
// the entry is withdrawn; a result that won the race is still returned.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case reply := <-f.result:
		return reply.Value, reply.Err
	case <-ctx.Done():
		if f.registry.Cancel(f.id) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, apperrors.NewTimeout("call", map[string]any{"correlationId": f.id})
			}
			return nil, fmt.Errorf("call %s abandoned: %w", f.id, ctx.Err())
		}
		reply := <-f.result
		return reply.Value, reply.Err
	}
}
