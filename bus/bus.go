// Package bus implements Fulcrum's asynchronous message substrate: pub/sub
// on named channels, directed sends, and request/response with correlation
// and timeouts. The production transport is Redis pub/sub (redis.go); an
// in-memory implementation with the same contract (memory.go) backs
// single-node deployments and unit tests.
//
// Delivery is at-most-once per subscriber. Publish order is preserved per
// (publisher, channel) pair for any single subscriber; there is no ordering
// guarantee across channels or publishers. Fan-out to multiple subscribers
// is independent: a slow subscriber never blocks another.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/protocol"
)

type (
	// Handler receives fully decoded envelopes. Handlers for a single
	// subscription are invoked serially; handlers across subscriptions run
	// concurrently. Handlers must not block beyond the execution budget —
	// long work must be offloaded.
	Handler func(ctx context.Context, env *envelope.Envelope)

	// Bus is the message substrate every Fulcrum module communicates through.
	Bus interface {
		// Publish broadcasts an envelope on a named channel, fire-and-forget.
		Publish(ctx context.Context, channel string, env *envelope.Envelope) error

		// Send delivers an envelope to a single target on a channel. The
		// envelope's TargetID is set; subscribers filter on it.
		Send(ctx context.Context, targetID, channel string, env *envelope.Envelope) error

		// Subscribe registers a handler for a channel. The returned
		// subscription is the unsubscribe token.
		Subscribe(channel string, h Handler) (*Subscription, error)

		// Unsubscribe removes a subscription. Idempotent.
		Unsubscribe(sub *Subscription)

		// Request sends a directed envelope and suspends until a response
		// with a matching correlation id arrives or the timeout elapses, in
		// which case it fails with ErrTimeout.
		Request(ctx context.Context, targetID, channel string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)

		// Close releases transport resources. In-flight requests fail.
		Close(ctx context.Context) error
	}

	// Subscription is the handle returned by Subscribe.
	Subscription struct {
		id      uint64
		channel string
		handler Handler
	}
)

// DefaultRequestTimeout is applied when Request is called with a zero timeout.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when a request receives no response before
	// its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected is returned when the transport is unavailable and
	// the publish queue has overflowed.
	ErrDisconnected = errors.New("bus disconnected")
	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

var subIDs atomic.Uint64

func newSubscription(channel string, h Handler) *Subscription {
	return &Subscription{id: subIDs.Add(1), channel: channel, handler: h}
}

// correlator owns the reply-correlation table shared by both bus
// implementations. It is mutated only under its internal lock; the bus must
// never be entered while holding it.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan *envelope.Envelope
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan *envelope.Envelope)}
}

// register creates a pending slot for a correlation id and returns the
// channel the response will be delivered on.
func (c *correlator) register(correlationID string) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	return ch
}

// complete delivers a response to its waiting request, if any. Responses
// with no pending request are ignored (the request may have timed out).
func (c *correlator) complete(env *envelope.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// drop removes a pending request, typically after a timeout.
func (c *correlator) drop(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// requester implements Request on top of any Bus implementation. It lazily
// subscribes to the sender's response channel and completes pending futures
// through the correlator.
type requester struct {
	bus  Bus
	corr *correlator

	mu         sync.Mutex
	subscribed map[string]*Subscription // response channels, keyed by sender id
}

func newRequester(b Bus) *requester {
	return &requester{
		bus:        b,
		corr:       newCorrelator(),
		subscribed: make(map[string]*Subscription),
	}
}

func (r *requester) ensureResponseSubscription(senderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribed[senderID]; ok {
		return nil
	}
	sub, err := r.bus.Subscribe(protocol.ResponseChannel(senderID), func(_ context.Context, env *envelope.Envelope) {
		r.corr.complete(env)
	})
	if err != nil {
		return err
	}
	r.subscribed[senderID] = sub
	return nil
}

func (r *requester) request(ctx context.Context, targetID, channel string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if err := r.ensureResponseSubscription(env.SenderID); err != nil {
		return nil, err
	}

	ch := r.corr.register(env.CorrelationID)
	if err := r.bus.Send(ctx, targetID, channel, env); err != nil {
		r.corr.drop(env.CorrelationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		r.corr.drop(env.CorrelationID)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.corr.drop(env.CorrelationID)
		return nil, ctx.Err()
	}
}
