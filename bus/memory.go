package bus

import (
	"context"
	"sync"
	"time"

	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// MemoryOptions configures the in-memory bus.
	MemoryOptions struct {
		// Logger receives dispatch diagnostics. Defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics records drop and decode counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// MemoryBus is the process-local bus implementation: channels are maps
	// from channel name to subscription list. It satisfies the same
	// contract as the Redis bus and backs single-node deployments and all
	// unit tests. Requests short-circuit through the internal correlation
	// table.
	MemoryBus struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		disp    *dispatcher
		req     *requester

		mu     sync.RWMutex
		subs   map[string][]*Subscription
		closed bool
	}
)

// NewMemory constructs an in-memory bus.
func NewMemory(opts MemoryOptions) *MemoryBus {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	m := &MemoryBus{
		logger:  logger,
		metrics: metrics,
		disp:    newDispatcher(logger, metrics),
		subs:    make(map[string][]*Subscription),
	}
	m.req = newRequester(m)
	return m
}

// Publish broadcasts an envelope on a channel. The envelope is passed
// through its wire form so delivery semantics (immutability, unknown-field
// preservation) match the Redis transport exactly.
func (m *MemoryBus) Publish(_ context.Context, channel string, env *envelope.Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, len(m.subs[channel]))
	copy(targets, m.subs[channel])
	m.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	for _, sub := range targets {
		decoded, err := envelope.Decode(raw)
		if err != nil {
			m.metrics.IncCounter("bus.decode.errors", 1, "channel", channel)
			return err
		}
		m.disp.enqueue(sub, decoded)
	}
	return nil
}

// Send delivers an envelope to a single target on a channel.
func (m *MemoryBus) Send(ctx context.Context, targetID, channel string, env *envelope.Envelope) error {
	return m.Publish(ctx, channel, env.WithTarget(targetID))
}

// Subscribe registers a handler for a channel.
func (m *MemoryBus) Subscribe(channel string, h Handler) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := newSubscription(channel, h)
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

// Unsubscribe removes a subscription. Idempotent.
func (m *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	list := m.subs[sub.channel]
	for i, s := range list {
		if s.id == sub.id {
			m.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.channel]) == 0 {
		delete(m.subs, sub.channel)
	}
	m.mu.Unlock()
	m.disp.remove(sub)
}

// Request sends a directed envelope and waits for the correlated response.
func (m *MemoryBus) Request(ctx context.Context, targetID, channel string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return m.req.request(ctx, targetID, channel, env, timeout)
}

// Close shuts the bus down. Subsequent operations fail with ErrClosed.
func (m *MemoryBus) Close(context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[string][]*Subscription)
	m.mu.Unlock()

	m.disp.close()
	return nil
}
