package bus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// Options configures the production bus.
	Options struct {
		// Redis is the client backing pub/sub. When nil the constructor
		// transparently falls back to the in-memory implementation and
		// logs a warning.
		Redis *redis.Client
		// Logger receives transport diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics records drop, decode and reconnect counters. Defaults to noop.
		Metrics telemetry.Metrics
		// QueueCap bounds the publish queue used while disconnected.
		// Defaults to 1000 envelopes; overflow drops the oldest.
		QueueCap int
	}

	queuedPublish struct {
		channel string
		payload []byte
	}

	// RedisBus is the production transport: Redis pub/sub with automatic
	// reconnection. The transport assumes no persistence — a subscriber
	// that misses messages while disconnected does not receive them on
	// reconnect.
	RedisBus struct {
		rdb     *redis.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics
		disp    *dispatcher
		req     *requester

		// decodeLog throttles decode-error diagnostics under bursts of
		// malformed traffic.
		decodeLog *rate.Limiter

		ctx    context.Context
		cancel context.CancelFunc

		mu           sync.Mutex
		subs         map[string][]*Subscription
		pubsub       *redis.PubSub
		queued       []queuedPublish
		queueCap     int
		connected    bool
		reconnecting bool
		closed       bool
	}
)

const (
	// DefaultQueueCap is the publish queue bound while disconnected.
	DefaultQueueCap = 1000

	reconnectInitialBackoff = 250 * time.Millisecond
	reconnectMaxBackoff     = 30 * time.Second
	reconnectJitter         = 0.2
)

// New constructs the production bus. A nil Redis client yields the
// in-memory fallback with identical semantics.
func New(opts Options) Bus {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if opts.Redis == nil {
		logger.Warn(context.Background(), "no redis client configured, falling back to in-memory bus")
		return NewMemory(MemoryOptions{Logger: logger, Metrics: metrics})
	}

	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		rdb:       opts.Redis,
		logger:    logger,
		metrics:   metrics,
		disp:      newDispatcher(logger, metrics),
		decodeLog: rate.NewLimiter(rate.Every(time.Second), 5),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string][]*Subscription),
		queueCap:  queueCap,
		connected: true,
	}
	b.req = newRequester(b)
	b.pubsub = b.rdb.Subscribe(ctx)
	go b.receiveLoop()
	return b
}

// Publish broadcasts an envelope on a channel. While disconnected the
// envelope is queued; overflow drops the oldest queued envelope and reports
// ErrDisconnected.
func (b *RedisBus) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.connected {
		err := b.enqueueLocked(channel, raw)
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	tracer := otel.Tracer("github.com/fulcrum-mc/fulcrum/bus")
	ctx, span := tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", channel),
			attribute.String("fulcrum.message.type", env.Type),
		),
	)
	defer span.End()

	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		span.RecordError(err)
		b.mu.Lock()
		qErr := b.enqueueLocked(channel, raw)
		b.mu.Unlock()
		go b.reconnect(err)
		return qErr
	}
	return nil
}

// enqueueLocked appends to the disconnected publish queue, dropping the
// oldest entry on overflow. Callers hold b.mu.
func (b *RedisBus) enqueueLocked(channel string, raw []byte) error {
	var overflow bool
	if len(b.queued) >= b.queueCap {
		b.queued = b.queued[1:]
		overflow = true
		b.metrics.IncCounter("bus.publish.dropped", 1)
	}
	b.queued = append(b.queued, queuedPublish{channel: channel, payload: raw})
	if overflow {
		return ErrDisconnected
	}
	return nil
}

// Send delivers an envelope to a single target on a channel.
func (b *RedisBus) Send(ctx context.Context, targetID, channel string, env *envelope.Envelope) error {
	return b.Publish(ctx, channel, env.WithTarget(targetID))
}

// Subscribe registers a handler for a channel and joins the underlying
// Redis subscription.
func (b *RedisBus) Subscribe(channel string, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := newSubscription(channel, h)
	first := len(b.subs[channel]) == 0
	b.subs[channel] = append(b.subs[channel], sub)
	if first && b.connected {
		if err := b.pubsub.Subscribe(b.ctx, channel); err != nil {
			// The channel list is re-established on reconnect; keep the
			// local registration.
			b.logger.Warn(b.ctx, "redis subscribe failed, will retry on reconnect",
				"channel", channel, "error", err.Error())
		}
	}
	return sub, nil
}

// Unsubscribe removes a subscription. The Redis subscription is released
// when no local handlers remain on the channel. Idempotent.
func (b *RedisBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[sub.channel]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
		if b.connected && !b.closed {
			_ = b.pubsub.Unsubscribe(b.ctx, sub.channel)
		}
	}
	b.mu.Unlock()
	b.disp.remove(sub)
}

// Request sends a directed envelope and waits for the correlated response.
func (b *RedisBus) Request(ctx context.Context, targetID, channel string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return b.req.request(ctx, targetID, channel, env, timeout)
}

// Close tears down the transport. Queued publishes are discarded.
func (b *RedisBus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.pubsub
	b.subs = make(map[string][]*Subscription)
	b.queued = nil
	b.mu.Unlock()

	b.cancel()
	b.disp.close()
	if ps != nil {
		return ps.Close()
	}
	return nil
}

// receiveLoop pumps messages from the pub/sub connection into the
// dispatcher. A receive error hands control to the reconnect path.
func (b *RedisBus) receiveLoop() {
	for {
		b.mu.Lock()
		ps, closed := b.pubsub, b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		msg, err := ps.ReceiveMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if !b.reconnect(err) {
				// Another goroutine owns the reconnect; back off before
				// polling the swapped connection.
				time.Sleep(reconnectInitialBackoff)
			}
			continue
		}
		b.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch decodes a raw message and fans it out to the channel's
// subscriptions. Undecodable messages are dropped with a counter increment
// and a throttled diagnostic.
func (b *RedisBus) dispatch(channel string, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		b.metrics.IncCounter("bus.decode.errors", 1, "channel", channel)
		if b.decodeLog.Allow() {
			b.logger.Warn(b.ctx, "dropping undecodable envelope", "channel", channel, "error", err.Error())
		}
		return
	}

	b.mu.Lock()
	targets := make([]*Subscription, len(b.subs[channel]))
	copy(targets, b.subs[channel])
	b.mu.Unlock()

	for _, sub := range targets {
		b.disp.enqueue(sub, env)
	}
}

// reconnect re-establishes the pub/sub connection with bounded exponential
// backoff. All live subscriptions are re-established before the publish
// queue is drained. Returns false when another reconnect is already in
// flight.
func (b *RedisBus) reconnect(cause error) bool {
	b.mu.Lock()
	if b.closed || b.reconnecting {
		b.mu.Unlock()
		return false
	}
	b.reconnecting = true
	b.connected = false
	b.mu.Unlock()

	b.metrics.IncCounter("bus.reconnects", 1)
	if cause != nil {
		b.logger.Warn(b.ctx, "bus disconnected, reconnecting", "error", cause.Error())
	}

	for attempt := 0; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return true
		case <-time.After(backoffDelay(attempt)):
		}

		if err := b.rdb.Ping(b.ctx).Err(); err != nil {
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return true
		}
		channels := make([]string, 0, len(b.subs))
		for ch := range b.subs {
			channels = append(channels, ch)
		}
		old := b.pubsub
		b.pubsub = b.rdb.Subscribe(b.ctx, channels...)
		queued := b.queued
		b.queued = nil
		b.connected = true
		b.reconnecting = false
		b.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}
		for _, q := range queued {
			if err := b.rdb.Publish(b.ctx, q.channel, q.payload).Err(); err != nil {
				b.metrics.IncCounter("bus.publish.dropped", 1)
			}
		}
		b.logger.Info(b.ctx, "bus reconnected",
			"channels", len(channels), "drained", len(queued), "attempts", attempt+1)
		return true
	}
}

// backoffDelay returns the reconnect delay for an attempt: 250ms doubling
// to a 30s ceiling with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := reconnectInitialBackoff
	for i := 0; i < attempt && d < reconnectMaxBackoff; i++ {
		d *= 2
	}
	if d > reconnectMaxBackoff {
		d = reconnectMaxBackoff
	}
	jitter := 1 + (rand.Float64()*2-1)*reconnectJitter
	return time.Duration(float64(d) * jitter)
}
