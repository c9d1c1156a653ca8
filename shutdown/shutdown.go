// Package shutdown implements the target-side drain state machine. A
// service receiving a shutdown intent walks evacuate → evict → shutdown,
// warning occupants during the countdown, transferring players to an
// alternate peer where one exists, and reporting each phase back to the
// registry.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/route"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// Hooks is the service-specific drain behavior the orchestrator drives.
	Hooks interface {
		// Players returns the ids of players currently on this service.
		Players() []string
		// Warn notifies occupants of the time remaining before eviction.
		Warn(ctx context.Context, remainingSeconds int)
		// Evacuate asks occupants to leave voluntarily. Called once when
		// the countdown starts.
		Evacuate(ctx context.Context, players []string)
		// Evict transfers remaining players. alternate is the id of the
		// least-loaded peer, or empty when none exists and players are
		// simply disconnected.
		Evict(ctx context.Context, players []string, alternate string)
		// Exit stops the service. Called after the shutdown phase is
		// reported.
		Exit(ctx context.Context)
	}

	// Peer is a drain-transfer candidate.
	Peer struct {
		ID   string
		Load protocol.LoadMetrics
	}

	// PeerSource lists the alternate peers players can be moved to. Nil for
	// backends, whose occupants are disconnected rather than transferred.
	PeerSource func() []Peer

	// Options configures a shutdown orchestrator.
	Options struct {
		// Bus carries intents and phase updates. Required.
		Bus bus.Bus
		// Identity is the hosting service's identity. Required.
		Identity *identity.Identity
		// Codec decodes intent payloads. Required.
		Codec *envelope.Codec
		// Hooks executes the drain phases. Required.
		Hooks Hooks
		// Peers lists transfer candidates. Optional.
		Peers PeerSource
		// ExitBuffer is the pause between the evict and shutdown phases.
		// Defaults to 3s.
		ExitBuffer time.Duration
		// Logger receives diagnostics. Defaults to noop.
		Logger telemetry.Logger
	}

	// Orchestrator listens for shutdown intents aimed at its service and
	// runs at most one drain at a time.
	Orchestrator struct {
		bus        bus.Bus
		ident      *identity.Identity
		codec      *envelope.Codec
		hooks      Hooks
		peers      PeerSource
		exitBuffer time.Duration
		logger     telemetry.Logger

		mu         sync.Mutex
		active     string // intent id of the running drain
		cancelRun  context.CancelFunc
		seenCancel map[string]time.Time
		retention  time.Duration

		sub *bus.Subscription
		wg  sync.WaitGroup
	}
)

// Drain timing constants.
const (
	// CountdownGrace is added to every intent's countdown so stragglers
	// get a final window after the last warning.
	CountdownGrace = 8 * time.Second
	// DefaultExitBuffer separates the evict report from process exit.
	DefaultExitBuffer = 3 * time.Second
	// finalWarningAt is the countdown milestone for the last warning.
	finalWarningAt = 15
	// cancelRetention bounds how long a cancelled intent id is remembered.
	// Long enough to absorb redeliveries of the original intent, short
	// enough that the set cannot grow without bound.
	cancelRetention = 5 * time.Minute
)

// New constructs a shutdown orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Hooks == nil {
		return nil, fmt.Errorf("hooks are required")
	}
	if opts.ExitBuffer <= 0 {
		opts.ExitBuffer = DefaultExitBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Orchestrator{
		bus:        opts.Bus,
		ident:      opts.Identity,
		codec:      opts.Codec,
		hooks:      opts.Hooks,
		peers:      opts.Peers,
		exitBuffer: opts.ExitBuffer,
		logger:     opts.Logger,
		seenCancel: make(map[string]time.Time),
		retention:  cancelRetention,
	}, nil
}

// Start subscribes the shutdown intent channel.
func (o *Orchestrator) Start(ctx context.Context) error {
	sub, err := o.bus.Subscribe(protocol.ChannelShutdownIntent, o.handleIntent)
	if err != nil {
		return fmt.Errorf("subscribe shutdown intent channel: %w", err)
	}
	o.sub = sub
	return nil
}

// Close cancels any running drain and removes the subscription.
func (o *Orchestrator) Close() {
	if o.sub != nil {
		o.bus.Unsubscribe(o.sub)
		o.sub = nil
	}
	o.mu.Lock()
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// handleIntent starts or cancels a drain. Intents that do not target this
// service are ignored; a cancel for a finished or unknown intent is a no-op.
func (o *Orchestrator) handleIntent(ctx context.Context, env *envelope.Envelope) {
	v, err := o.codec.DecodePayload(env)
	if err != nil {
		o.logger.Warn(ctx, "dropping undecodable shutdown payload", "error", err.Error())
		return
	}
	intent, ok := v.(*protocol.ShutdownIntent)
	if !ok {
		return
	}

	if env.Type == protocol.TypeShutdownCancel || intent.Cancelled {
		o.cancel(ctx, intent.IntentID)
		return
	}
	if !o.targeted(intent.Targets) {
		return
	}

	o.mu.Lock()
	o.pruneCancelsLocked(time.Now())
	if _, seen := o.seenCancel[intent.IntentID]; seen {
		// A cancel for this id already arrived; the intent is terminal.
		o.mu.Unlock()
		return
	}
	if o.active != "" {
		o.mu.Unlock()
		o.logger.Warn(ctx, "ignoring shutdown intent while another is active",
			"intentId", intent.IntentID, "activeIntentId", o.active)
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.active = intent.IntentID
	o.cancelRun = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, *intent)
}

func (o *Orchestrator) cancel(ctx context.Context, intentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneCancelsLocked(time.Now())
	o.seenCancel[intentID] = time.Now()
	if o.active != intentID || o.cancelRun == nil {
		return
	}
	o.cancelRun()
	o.logger.Info(ctx, "shutdown intent cancelled", "intentId", intentID)
}

// pruneCancelsLocked forgets cancelled intent ids past the retention
// window. Caller holds o.mu.
func (o *Orchestrator) pruneCancelsLocked(now time.Time) {
	for id, at := range o.seenCancel {
		if now.Sub(at) > o.retention {
			delete(o.seenCancel, id)
		}
	}
}

func (o *Orchestrator) targeted(targets []string) bool {
	id := o.ident.PermanentID()
	for _, t := range targets {
		if t == "all" || t == id {
			return true
		}
	}
	return false
}

// run executes one drain. Cancellation at any point stops the drain and
// suppresses further updates for the intent.
func (o *Orchestrator) run(ctx context.Context, intent protocol.ShutdownIntent) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.active = ""
		o.cancelRun = nil
		o.mu.Unlock()
	}()

	players := o.hooks.Players()
	o.report(ctx, intent.IntentID, protocol.PhaseEvacuate, players)
	o.hooks.Evacuate(ctx, players)

	if !intent.Force {
		if !o.countdown(ctx, intent.CountdownSeconds) {
			return // cancelled
		}
	}

	players = o.hooks.Players()
	o.report(ctx, intent.IntentID, protocol.PhaseEvict, players)
	o.hooks.Evict(ctx, players, o.alternate())

	select {
	case <-ctx.Done():
		return
	case <-time.After(o.exitBuffer):
	}

	o.report(ctx, intent.IntentID, protocol.PhaseShutdown, nil)
	o.logger.Info(ctx, "shutdown phase reached", "intentId", intent.IntentID)
	o.hooks.Exit(ctx)
}

// countdown ticks down countdownSeconds plus the grace period, warning at
// the start milestone and again at 15 seconds remaining. Returns false when
// cancelled.
func (o *Orchestrator) countdown(ctx context.Context, countdownSeconds int) bool {
	remaining := countdownSeconds + int(CountdownGrace/time.Second)
	o.hooks.Warn(ctx, countdownSeconds)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			remaining--
			if remaining == finalWarningAt {
				o.hooks.Warn(ctx, remaining)
			}
		}
	}
	return true
}

// alternate picks the least-loaded transfer peer, excluding this service.
func (o *Orchestrator) alternate() string {
	if o.peers == nil {
		return ""
	}
	self := o.ident.PermanentID()
	best := ""
	bestScore := 0.0
	for _, p := range o.peers() {
		if p.ID == self {
			continue
		}
		score := route.LoadScore(p.Load)
		if best == "" || score < bestScore {
			best, bestScore = p.ID, score
		}
	}
	return best
}

// report publishes a phase update. Cancellation suppresses the update.
func (o *Orchestrator) report(ctx context.Context, intentID string, phase protocol.Phase, players []string) {
	if ctx.Err() != nil {
		return
	}
	upd := protocol.ShutdownUpdate{
		Version:         protocol.PayloadVersion,
		IntentID:        intentID,
		ServiceID:       o.ident.PermanentID(),
		Phase:           phase,
		AffectedPlayers: players,
	}
	env, err := envelope.New(protocol.TypeShutdownUpdate, o.ident.Current(), upd)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, protocol.ChannelShutdownUpdate, env); err != nil {
		o.logger.Warn(ctx, "shutdown update publish failed",
			"intentId", intentID, "phase", string(phase), "error", err.Error())
	}
}
