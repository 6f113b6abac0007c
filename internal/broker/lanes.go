package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/observability"
)

const laneQueueSize = 64

type laneItem struct {
	msg     Message
	handler Handler
	ack     func()
}

// lanes runs handlers on a fixed set of goroutines. Messages with the same
// lane key always land on the same goroutine, so they run in arrival order
// while unrelated keys proceed in parallel.
type lanes struct {
	ctx     context.Context
	queues  []chan laneItem
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  *zap.Logger
	metrics *observability.Metrics
}

func newLanes(ctx context.Context, n int, logger *zap.Logger, metrics *observability.Metrics) *lanes {
	if n <= 0 {
		n = 1
	}
	l := &lanes{ctx: ctx, queues: make([]chan laneItem, n), logger: logger, metrics: metrics}
	for i := range l.queues {
		l.queues[i] = make(chan laneItem, laneQueueSize)
		l.wg.Add(1)
		go l.work(l.queues[i])
	}
	return l
}

func (l *lanes) dispatch(item laneItem) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(item.msg.laneKey()))
	l.queues[h.Sum32()%uint32(len(l.queues))] <- item
	return true
}

func (l *lanes) work(queue <-chan laneItem) {
	defer l.wg.Done()
	for item := range queue {
		l.run(item)
	}
}

func (l *lanes) run(item laneItem) {
	runItem(l.ctx, item, l.logger, l.metrics)
}

// stop closes the queues and waits until everything queued has run.
func (l *lanes) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// requestPool runs every request on its own goroutine, at most cap(slots)
// at a time. Requests carry no ordering, and a handler may wait on a reply
// that arrives through the same client.
type requestPool struct {
	ctx     context.Context
	slots   chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  *zap.Logger
	metrics *observability.Metrics
}

func newRequestPool(ctx context.Context, limit int, logger *zap.Logger, metrics *observability.Metrics) *requestPool {
	if limit <= 0 {
		limit = 1
	}
	return &requestPool{ctx: ctx, slots: make(chan struct{}, limit), logger: logger, metrics: metrics}
}

func (p *requestPool) dispatch(item laneItem) bool {
	select {
	case p.slots <- struct{}{}:
	case <-p.ctx.Done():
		return false
	}
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		<-p.slots
		return false
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		runItem(p.ctx, item, p.logger, p.metrics)
	}()
	return true
}

// stop refuses new requests and waits for the running ones.
func (p *requestPool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}

func runItem(ctx context.Context, item laneItem, logger *zap.Logger, metrics *observability.Metrics) {
	defer item.ack()
	err := safeHandle(ctx, item.handler, item.msg, logger)
	metrics.RecordConsume(item.msg.Topic, err)
	if err != nil {
		logger.Warn("message handler failed",
			zap.String("topic", item.msg.Topic),
			zap.ByteString("key", item.msg.Key),
			zap.Error(err))
	}
}

func safeHandle(ctx context.Context, handler Handler, msg Message, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in message handler",
				zap.String("topic", msg.Topic),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
