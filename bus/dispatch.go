package bus

import (
	"context"
	"sync"
	"time"

	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// subQueue is one subscription's delivery lane: a bounded queue drained
	// by a dedicated goroutine. Handlers for one subscription run serially
	// and in publish order; a handler that blocks stalls only its own
	// subscription.
	subQueue struct {
		sub  *Subscription
		ch   chan *envelope.Envelope
		done chan struct{}
	}

	// dispatcher routes deliveries to per-subscription queues. Queues are
	// created lazily on first delivery and torn down on unsubscribe.
	dispatcher struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		budget  time.Duration

		mu     sync.Mutex
		queues map[uint64]*subQueue
		closed bool
	}
)

const (
	// defaultHandlerBudget is how long a handler may run before a
	// diagnostic is logged. The handler is not interrupted; delivery to
	// other subscriptions continues regardless.
	defaultHandlerBudget = time.Second

	subQueueDepth = 256
)

func newDispatcher(logger telemetry.Logger, metrics telemetry.Metrics) *dispatcher {
	return &dispatcher{
		logger:  logger,
		metrics: metrics,
		budget:  defaultHandlerBudget,
		queues:  make(map[uint64]*subQueue),
	}
}

// enqueue hands an envelope to the subscription's queue, creating the queue
// and its drain goroutine on first delivery. The enqueue never blocks: if
// the queue is full the envelope is dropped with a counter increment.
func (d *dispatcher) enqueue(sub *Subscription, env *envelope.Envelope) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[sub.id]
	if !ok {
		q = &subQueue{
			sub:  sub,
			ch:   make(chan *envelope.Envelope, subQueueDepth),
			done: make(chan struct{}),
		}
		d.queues[sub.id] = q
		go d.drain(q)
	}
	d.mu.Unlock()

	select {
	case q.ch <- env:
	default:
		d.metrics.IncCounter("bus.dispatch.dropped", 1, "channel", sub.channel)
		d.logger.Warn(context.Background(), "dispatch queue full, envelope dropped",
			"channel", sub.channel, "type", env.Type)
	}
}

// remove tears down a subscription's queue. Pending deliveries are
// abandoned; the in-flight handler, if any, runs to completion.
func (d *dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	q, ok := d.queues[sub.id]
	if ok {
		delete(d.queues, sub.id)
	}
	d.mu.Unlock()
	if ok {
		close(q.done)
	}
}

func (d *dispatcher) drain(q *subQueue) {
	ctx := context.Background()
	for {
		select {
		case <-q.done:
			return
		case env := <-q.ch:
			start := time.Now()
			q.sub.handler(ctx, env)
			if elapsed := time.Since(start); elapsed > d.budget {
				d.logger.Warn(ctx, "handler exceeded execution budget",
					"channel", q.sub.channel, "type", env.Type, "elapsed", elapsed.String())
				d.metrics.RecordTimer("bus.handler.slow", elapsed, "channel", q.sub.channel)
			}
		}
	}
}

// close stops every queue. Handlers already executing are not waited for.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := d.queues
	d.queues = make(map[uint64]*subQueue)
	d.mu.Unlock()
	for _, q := range queues {
		close(q.done)
	}
}
