package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// IntentManager issues shutdown intents, tracks per-service phase
	// progress from update reports, and handles cancellation. The registry
	// only declares intent; targets execute the phases themselves.
	IntentManager struct {
		bus    bus.Bus
		logger telemetry.Logger

		mu        sync.Mutex
		intents   map[string]*trackedIntent
		retention time.Duration
	}

	trackedIntent struct {
		intent    protocol.ShutdownIntent
		cancelled bool
		// phases records the furthest phase each target reported.
		phases map[string]protocol.Phase
		// updatedAt is when the intent last changed. Terminal intents are
		// dropped once it falls past the retention window.
		updatedAt time.Time
	}

	// IntentProgress is a snapshot of one intent's per-target phases.
	IntentProgress struct {
		Intent    protocol.ShutdownIntent
		Cancelled bool
		Phases    map[string]protocol.Phase
	}
)

// NewIntentManager constructs an intent manager.
func NewIntentManager(b bus.Bus, logger telemetry.Logger) *IntentManager {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &IntentManager{
		bus:       b,
		logger:    logger,
		intents:   make(map[string]*trackedIntent),
		retention: intentRetention,
	}
}

// intentRetention keeps cancelled or completed intents queryable long
// enough for late update reports and operator inspection.
const intentRetention = 5 * time.Minute

// Issue broadcasts a new shutdown intent to the fleet and begins tracking
// it. Targets may be permanent ids or the wildcard "all".
func (m *IntentManager) Issue(ctx context.Context, targets []string, countdownSeconds int, force bool) (protocol.ShutdownIntent, error) {
	intent := protocol.ShutdownIntent{
		Version:          protocol.PayloadVersion,
		IntentID:         uuid.NewString(),
		Targets:          append([]string(nil), targets...),
		CountdownSeconds: countdownSeconds,
		Force:            force,
	}
	env, err := envelope.New(protocol.TypeShutdownIntent, RegistryID, intent)
	if err != nil {
		return protocol.ShutdownIntent{}, err
	}
	if err := m.bus.Publish(ctx, protocol.ChannelShutdownIntent, env); err != nil {
		return protocol.ShutdownIntent{}, fmt.Errorf("broadcast shutdown intent: %w", err)
	}

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.intents[intent.IntentID] = &trackedIntent{
		intent:    intent,
		phases:    make(map[string]protocol.Phase),
		updatedAt: time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info(ctx, "shutdown intent issued",
		"intentId", intent.IntentID, "targets", fmt.Sprint(targets),
		"countdownSeconds", countdownSeconds, "force", force)
	return intent, nil
}

// Cancel revokes an intent. Cancelling an unknown or already-cancelled
// intent is a no-op; targets that already completed a phase do not undo it.
func (m *IntentManager) Cancel(ctx context.Context, intentID string) {
	m.mu.Lock()
	tracked, ok := m.intents[intentID]
	if !ok || tracked.cancelled {
		m.mu.Unlock()
		return
	}
	tracked.cancelled = true
	tracked.updatedAt = time.Now()
	intent := tracked.intent
	intent.Cancelled = true
	m.pruneLocked(time.Now())
	m.mu.Unlock()

	env, err := envelope.New(protocol.TypeShutdownCancel, RegistryID, intent)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, protocol.ChannelShutdownIntent, env); err != nil {
		m.logger.Warn(ctx, "shutdown cancel broadcast failed",
			"intentId", intentID, "error", err.Error())
		return
	}
	m.logger.Info(ctx, "shutdown intent cancelled", "intentId", intentID)
}

// RecordUpdate folds a target's phase report into the intent's progress.
// Phases only move forward; a stale or duplicate report changes nothing.
func (m *IntentManager) RecordUpdate(ctx context.Context, upd *protocol.ShutdownUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.intents[upd.IntentID]
	if !ok {
		m.logger.Debug(ctx, "update for unknown shutdown intent", "intentId", upd.IntentID)
		return
	}
	current, has := tracked.phases[upd.ServiceID]
	if has && phaseRank(upd.Phase) <= phaseRank(current) {
		return
	}
	tracked.phases[upd.ServiceID] = upd.Phase
	tracked.updatedAt = time.Now()
	m.pruneLocked(time.Now())
}

// pruneLocked drops terminal intents whose last change fell outside the
// retention window. Caller holds m.mu.
func (m *IntentManager) pruneLocked(now time.Time) {
	for id, tracked := range m.intents {
		if tracked.terminal() && now.Sub(tracked.updatedAt) > m.retention {
			delete(m.intents, id)
		}
	}
}

// terminal reports whether the intent can no longer progress: it was
// cancelled, or every target reported the shutdown phase. A wildcard intent
// is terminal once every reporter reached shutdown.
func (t *trackedIntent) terminal() bool {
	if t.cancelled {
		return true
	}
	if len(t.phases) == 0 {
		return false
	}
	for _, target := range t.intent.Targets {
		if target == "all" {
			continue
		}
		if t.phases[target] != protocol.PhaseShutdown {
			return false
		}
	}
	for _, p := range t.phases {
		if p != protocol.PhaseShutdown {
			return false
		}
	}
	return true
}

// Progress returns a copy of one intent's tracked state.
func (m *IntentManager) Progress(intentID string) (IntentProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.intents[intentID]
	if !ok {
		return IntentProgress{}, false
	}
	phases := make(map[string]protocol.Phase, len(tracked.phases))
	for id, p := range tracked.phases {
		phases[id] = p
	}
	return IntentProgress{
		Intent:    tracked.intent,
		Cancelled: tracked.cancelled,
		Phases:    phases,
	}, true
}

func phaseRank(p protocol.Phase) int {
	switch p {
	case protocol.PhaseEvacuate:
		return 1
	case protocol.PhaseEvict:
		return 2
	case protocol.PhaseShutdown:
		return 3
	}
	return 0
}
