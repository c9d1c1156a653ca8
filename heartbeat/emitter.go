package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// LoadSource reports a service's current load metrics for inclusion in
	// heartbeats.
	LoadSource func() protocol.LoadMetrics

	// EmitterOptions configures a heartbeat emitter.
	EmitterOptions struct {
		// Bus carries the heartbeats. Required.
		Bus bus.Bus
		// Identity supplies the sender id and role. Required.
		Identity *identity.Identity
		// Load reports current load metrics. Required.
		Load LoadSource
		// Interval between heartbeats. Defaults to 5s.
		Interval time.Duration
		// Logger receives publish failure diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts publish failures. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Emitter periodically publishes liveness and load metrics on the
	// role's shared heartbeat channel. Publish failures are logged and
	// counted, never surfaced.
	Emitter struct {
		bus      bus.Bus
		ident    *identity.Identity
		load     LoadSource
		interval time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// DefaultInterval is the default heartbeat period.
const DefaultInterval = 5 * time.Second

// NewEmitter constructs a heartbeat emitter.
func NewEmitter(opts EmitterOptions) (*Emitter, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Load == nil {
		return nil, fmt.Errorf("load source is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Emitter{
		bus:      opts.Bus,
		ident:    opts.Identity,
		load:     opts.Load,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Attach registers the emitter's tick on the scheduler.
func (e *Emitter) Attach(s *Scheduler) {
	s.Register("heartbeat", e.interval, e.Emit)
}

// Detach removes the emitter's tick from the scheduler.
func (e *Emitter) Detach(s *Scheduler) {
	s.Unregister("heartbeat")
}

// Emit publishes a single heartbeat. Skipped until the service holds a
// permanent id.
func (e *Emitter) Emit(ctx context.Context) {
	if !e.ident.Registered() {
		return
	}

	hb := protocol.Heartbeat{
		Version:     protocol.PayloadVersion,
		ID:          e.ident.PermanentID(),
		Status:      protocol.StatusAvailable,
		LoadMetrics: e.load(),
		Timestamp:   time.Now().UnixMilli(),
	}
	env, err := envelope.New(protocol.TypeHeartbeat, e.ident.Current(), hb)
	if err != nil {
		e.metrics.IncCounter("heartbeat.publish.failures", 1)
		e.logger.Warn(ctx, "heartbeat encode failed", "error", err.Error())
		return
	}
	if err := e.bus.Publish(ctx, protocol.HeartbeatChannel(e.ident.Role), env); err != nil {
		e.metrics.IncCounter("heartbeat.publish.failures", 1)
		e.logger.Warn(ctx, "heartbeat publish failed", "error", err.Error())
	}
}
