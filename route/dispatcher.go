package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// DispatcherOptions configures a player dispatcher.
	DispatcherOptions struct {
		// Bus carries provision requests. Required.
		Bus bus.Bus
		// Identity is the hosting proxy's identity. Required.
		Identity *identity.Identity
		// Codec decodes broadcast and response payloads. Required.
		Codec *envelope.Codec
		// ProvisionTimeout bounds one provision request. Defaults to 5s.
		ProvisionTimeout time.Duration
		// MaxAttempts bounds provision attempts across distinct backends
		// before the dispatch fails with ErrNoCapacity. Defaults to 3.
		MaxAttempts int
		// Logger receives diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics records routing counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Dispatcher places players into backend slots: join an existing ready
	// slot on the least-loaded backend when one exists, otherwise provision
	// a fresh slot, walking the candidate list on failure.
	Dispatcher struct {
		bus     bus.Bus
		ident   *identity.Identity
		codec   *envelope.Codec
		view    *View
		timeout time.Duration
		maxTry  int
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// Dispatch defaults.
const (
	DefaultProvisionTimeout = 5 * time.Second
	DefaultMaxAttempts      = 3
)

// ErrNoCapacity is returned when no backend could host the player.
var ErrNoCapacity = errors.New("no backend capacity for family")

// NewDispatcher constructs a dispatcher and its fleet view. The view starts
// consuming broadcasts immediately.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = DefaultProvisionTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}

	view := NewView(opts.Codec, opts.Logger, opts.Metrics)
	if err := view.Start(opts.Bus); err != nil {
		return nil, err
	}
	return &Dispatcher{
		bus:     opts.Bus,
		ident:   opts.Identity,
		codec:   opts.Codec,
		view:    view,
		timeout: opts.ProvisionTimeout,
		maxTry:  opts.MaxAttempts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// View exposes the dispatcher's fleet view.
func (d *Dispatcher) View() *View { return d.view }

// Close detaches the fleet view from the bus.
func (d *Dispatcher) Close() {
	d.view.Close(d.bus)
}

// Dispatch places a player into a slot of the given family and returns the
// route command for the proxy's player transport to execute. Candidates are
// ranked by load score, ties broken by most recently seen. An empty
// variantID requests the family's default variant; a specific variant
// always provisions a fresh slot, since the view does not track which
// variant an open slot runs.
func (d *Dispatcher) Dispatch(ctx context.Context, playerID, familyID, variantID string) (*protocol.PlayerRouteCommand, error) {
	cands := d.view.candidates(familyID)
	if len(cands) == 0 {
		d.metrics.IncCounter("route.no_capacity", 1)
		return nil, fmt.Errorf("%w %q: no candidate backends", ErrNoCapacity, familyID)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].lastSeen.After(cands[j].lastSeen)
	})

	// A ready slot on the best-scored backend wins over provisioning.
	if best := cands[0]; variantID == "" && best.readySlot != "" {
		d.route(ctx, best.id, playerID, best.readySlot, familyID)
		d.metrics.IncCounter("route.joined_existing", 1)
		return d.command(playerID, best.readySlot, best.address), nil
	}

	var lastErr error
	attempts := d.maxTry
	if attempts > len(cands) {
		attempts = len(cands)
	}
	for i := 0; i < attempts; i++ {
		cand := cands[i]
		slotID, err := d.provision(ctx, cand.id, familyID, variantID, playerID)
		if err != nil {
			lastErr = err
			d.logger.Warn(ctx, "provision attempt failed",
				"serverId", cand.id, "family", familyID, "error", err.Error())
			continue
		}
		d.metrics.IncCounter("route.provisioned", 1)
		return d.command(playerID, slotID, cand.address), nil
	}
	d.metrics.IncCounter("route.no_capacity", 1)
	return nil, fmt.Errorf("%w %q after %d attempts: %v", ErrNoCapacity, familyID, attempts, lastErr)
}

// route tells the chosen backend to accept the player into an existing
// slot. Provisioned slots need no instruction: the backend created them for
// this request.
func (d *Dispatcher) route(ctx context.Context, serverID, playerID, slotID, familyID string) {
	instr := protocol.PlayerRoute{
		Version:  protocol.PayloadVersion,
		PlayerID: playerID,
		SlotID:   slotID,
		FamilyID: familyID,
	}
	env, err := envelope.New(protocol.TypePlayerRoute, d.ident.Current(), instr)
	if err != nil {
		return
	}
	if err := d.bus.Send(ctx, serverID, protocol.DirectServerChannel(serverID), env); err != nil {
		d.metrics.IncCounter("route.instruction.failures", 1)
		d.logger.Warn(ctx, "player route instruction failed",
			"serverId", serverID, "slotId", slotID, "error", err.Error())
	}
}

// provision asks one backend for a fresh slot.
func (d *Dispatcher) provision(ctx context.Context, serverID, familyID, variantID, playerID string) (string, error) {
	req := protocol.ProvisionRequest{
		Version:     protocol.PayloadVersion,
		FamilyID:    familyID,
		VariantID:   variantID,
		RequestedBy: d.ident.Current(),
		Metadata:    map[string]string{"playerId": playerID},
	}
	env, err := envelope.New(protocol.TypeProvisionRequest, d.ident.Current(), req)
	if err != nil {
		return "", err
	}
	respEnv, err := d.bus.Request(ctx, serverID, protocol.SlotProvisionChannel(serverID), env, d.timeout)
	if err != nil {
		return "", err
	}
	v, err := d.codec.DecodePayload(respEnv)
	if err != nil {
		return "", fmt.Errorf("decode provision response: %w", err)
	}
	resp, ok := v.(*protocol.ProvisionResponse)
	if !ok {
		return "", fmt.Errorf("unexpected provision response type %q", respEnv.Type)
	}
	if !resp.Success {
		return "", fmt.Errorf("provision refused by %s: %s", serverID, resp.Reason)
	}
	return resp.SlotID, nil
}

func (d *Dispatcher) command(playerID, slotID, address string) *protocol.PlayerRouteCommand {
	return &protocol.PlayerRouteCommand{
		Version:       protocol.PayloadVersion,
		PlayerID:      playerID,
		SlotID:        slotID,
		TargetAddress: address,
	}
}
