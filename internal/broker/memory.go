package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const memoryQueueSize = 1024

// Hub is an in-process broker shared by memory transports. Each topic
// keeps consumer groups; a message goes to one member of every group.
// Messages published to a topic nobody subscribes to are dropped.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*memoryGroup
}

type memoryGroup struct {
	members []*memorySubscription
	next    int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[string]*memoryGroup)}
}

// Transport returns a new connection to the hub.
func (h *Hub) Transport() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

func (h *Hub) route(ctx context.Context, msg Message) error {
	h.mu.Lock()
	var targets []*memorySubscription
	for _, group := range h.groups[msg.Topic] {
		if len(group.members) == 0 {
			continue
		}
		member := group.members[group.next%len(group.members)]
		group.next++
		targets = append(targets, member)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if err := sub.enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) join(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byGroup, ok := h.groups[sub.spec.Topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		h.groups[sub.spec.Topic] = byGroup
	}
	group, ok := byGroup[sub.spec.Group]
	if !ok {
		group = &memoryGroup{}
		byGroup[sub.spec.Group] = group
	}
	group.members = append(group.members, sub)
}

func (h *Hub) leave(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[sub.spec.Topic][sub.spec.Group]
	if group == nil {
		return
	}
	for i, member := range group.members {
		if member == sub {
			group.members = append(group.members[:i], group.members[i+1:]...)
			break
		}
	}
}

// MemoryTransport is a Transport over a Hub.
type MemoryTransport struct {
	hub       *Hub
	closed    atomic.Bool
	failDials atomic.Int32
	dials     atomic.Int32

	mu   sync.Mutex
	subs []*memorySubscription
}

// FailDials makes the next n Dial calls fail.
func (t *MemoryTransport) FailDials(n int) {
	t.failDials.Store(int32(n))
}

// Dials reports how many times Dial was called.
func (t *MemoryTransport) Dials() int {
	return int(t.dials.Load())
}

func (t *MemoryTransport) Dial(ctx context.Context) error {
	t.dials.Add(1)
	if t.closed.Load() {
		return ErrClosed
	}
	if t.failDials.Load() > 0 {
		t.failDials.Add(-1)
		return errors.New("memory broker: dial refused")
	}
	return ctx.Err()
}

func (t *MemoryTransport) Publish(ctx context.Context, msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	msg.Partition = -1
	return t.hub.route(ctx, msg)
}

func (t *MemoryTransport) Subscribe(ctx context.Context, spec SubscribeSpec, deliver Deliver) (Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		hub:     t.hub,
		spec:    spec,
		deliver: deliver,
		queue:   make(chan Message, memoryQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go sub.loop()
	t.hub.join(sub)

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	hub     *Hub
	spec    SubscribeSpec
	deliver Deliver
	queue   chan Message
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func (s *memorySubscription) enqueue(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) loop() {
	defer close(s.stopped)
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.deliver(ctx, msg, func() {})
		}
	}
}

// Close detaches the subscription and waits for its loop to exit.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.hub.leave(s)
		close(s.done)
	})
	<-s.stopped
	return nil
}
