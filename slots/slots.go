// Package slots implements the backend-side slot orchestrator: it
// advertises the server's capacity families, services provision requests
// from proxies through bounded per-family queues, walks slots through their
// lifecycle, and reclaims idle ones.
package slots

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/heartbeat"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// Backend is the game-engine hook the orchestrator drives. Provision
	// prepares the world state for a new slot; Teardown releases it.
	Backend interface {
		Provision(ctx context.Context, slotID, familyID, variantID string, metadata map[string]string) error
		Teardown(ctx context.Context, slotID string) error
	}

	// FamilyConfig declares one capacity family the server hosts.
	FamilyConfig struct {
		// FamilyID names the family (e.g. "mini", "duels").
		FamilyID string `yaml:"familyId"`
		// MaxSlots caps concurrently open slots in this family.
		MaxSlots int `yaml:"maxSlots"`
		// Variants lists the game variants the family can provision.
		Variants []string `yaml:"variants"`
	}

	// Options configures a slot orchestrator.
	Options struct {
		// Bus carries provision traffic and status reports. Required.
		Bus bus.Bus
		// Identity is the hosting server's identity. Required.
		Identity *identity.Identity
		// Codec decodes provision payloads. Required.
		Codec *envelope.Codec
		// Backend executes slot setup and teardown. Required.
		Backend Backend
		// Families the server hosts. At least one is required.
		Families []FamilyConfig
		// ProvisionTimeout bounds one Backend.Provision call. Defaults to 5s.
		ProvisionTimeout time.Duration
		// IdleTimeout closes ready slots with no occupants. Defaults to 300s.
		IdleTimeout time.Duration
		// QueueDepth bounds each family's pending provision queue.
		// Defaults to 16.
		QueueDepth int
		// Logger receives diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics records counters and timers. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Orchestrator runs the server's slot machinery.
	Orchestrator struct {
		bus     bus.Bus
		ident   *identity.Identity
		codec   *envelope.Codec
		backend Backend

		provisionTimeout time.Duration
		idleTimeout      time.Duration
		logger           telemetry.Logger
		metrics          telemetry.Metrics

		mu       sync.Mutex
		families map[string]*family
		slots    map[string]*slot
		slotSeq  int

		provSub   *bus.Subscription
		routeSub  *bus.Subscription
		wg        sync.WaitGroup
		closed    atomic.Bool
		closeOnce sync.Once
	}

	family struct {
		cfg   FamilyConfig
		queue chan *pendingProvision
	}

	slot struct {
		id        string
		familyID  string
		variantID string
		state     protocol.SlotState
		occupants int
		idleSince time.Time
	}

	pendingProvision struct {
		req *protocol.ProvisionRequest
		env *envelope.Envelope
	}
)

// supports reports whether the family hosts the named variant.
func (f *family) supports(variantID string) bool {
	for _, v := range f.cfg.Variants {
		if v == variantID {
			return true
		}
	}
	return false
}

// Defaults for the orchestrator's timing and queue model.
const (
	DefaultProvisionTimeout = 5 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultQueueDepth       = 16

	idleSweepInterval = 15 * time.Second
)

// New constructs a slot orchestrator.
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
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if len(opts.Families) == 0 {
		return nil, fmt.Errorf("at least one family is required")
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = DefaultProvisionTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}

	o := &Orchestrator{
		bus:              opts.Bus,
		ident:            opts.Identity,
		codec:            opts.Codec,
		backend:          opts.Backend,
		provisionTimeout: opts.ProvisionTimeout,
		idleTimeout:      opts.IdleTimeout,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		families:         make(map[string]*family),
		slots:            make(map[string]*slot),
	}
	for _, cfg := range opts.Families {
		if cfg.FamilyID == "" || cfg.MaxSlots <= 0 {
			return nil, fmt.Errorf("family %q: familyId and a positive maxSlots are required", cfg.FamilyID)
		}
		if _, dup := o.families[cfg.FamilyID]; dup {
			return nil, fmt.Errorf("duplicate family %q", cfg.FamilyID)
		}
		o.families[cfg.FamilyID] = &family{
			cfg:   cfg,
			queue: make(chan *pendingProvision, opts.QueueDepth),
		}
	}
	return o, nil
}

// Start subscribes the server's provision channel, advertises every family,
// and launches one provisioning worker per family. Provision requests in
// the same family are serviced in arrival order; families proceed
// independently.
func (o *Orchestrator) Start(ctx context.Context) error {
	serverID := o.ident.PermanentID()
	if serverID == "" {
		return fmt.Errorf("identity is not registered")
	}
	provSub, err := o.bus.Subscribe(protocol.SlotProvisionChannel(serverID), o.handleProvision)
	if err != nil {
		return fmt.Errorf("subscribe provision channel: %w", err)
	}
	o.provSub = provSub
	routeSub, err := o.bus.Subscribe(protocol.DirectServerChannel(serverID), o.handleRoute)
	if err != nil {
		o.bus.Unsubscribe(provSub)
		return fmt.Errorf("subscribe direct channel: %w", err)
	}
	o.routeSub = routeSub

	for _, f := range o.families {
		o.advertise(ctx, f)
		o.wg.Add(1)
		go o.provisionLoop(f)
	}
	o.logger.Info(ctx, "slot orchestrator started",
		"serverId", serverID, "families", strconv.Itoa(len(o.families)))
	return nil
}

// Attach registers the idle sweep on the scheduler.
func (o *Orchestrator) Attach(s *heartbeat.Scheduler) {
	s.Register("slots.idle", idleSweepInterval, o.sweepIdle)
}

// Detach removes the idle sweep from the scheduler.
func (o *Orchestrator) Detach(s *heartbeat.Scheduler) {
	s.Unregister("slots.idle")
}

// Close stops accepting provision requests and tears down the workers.
// Open slots are left to the shutdown orchestrator.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		if o.provSub != nil {
			o.bus.Unsubscribe(o.provSub)
		}
		if o.routeSub != nil {
			o.bus.Unsubscribe(o.routeSub)
		}
		o.mu.Lock()
		for _, f := range o.families {
			close(f.queue)
		}
		o.mu.Unlock()
		o.wg.Wait()
	})
}

// handleProvision enqueues a provision request on its family's queue. An
// unknown family, an unsupported variant, or a full queue rejects
// immediately.
func (o *Orchestrator) handleProvision(ctx context.Context, env *envelope.Envelope) {
	if o.closed.Load() {
		return
	}
	v, err := o.codec.DecodePayload(env)
	if err != nil {
		o.metrics.IncCounter("slots.decode.errors", 1)
		o.logger.Warn(ctx, "dropping undecodable provision payload", "error", err.Error())
		return
	}
	req, ok := v.(*protocol.ProvisionRequest)
	if !ok {
		return
	}
	f, ok := o.families[req.FamilyID]
	if !ok {
		o.reject(ctx, env, fmt.Sprintf("unknown family %q", req.FamilyID))
		return
	}
	if req.VariantID != "" && !f.supports(req.VariantID) {
		o.metrics.IncCounter("slots.variant.rejections", 1)
		o.reject(ctx, env, fmt.Sprintf("unsupported variant %q for family %q", req.VariantID, req.FamilyID))
		return
	}
	// The enqueue shares o.mu with Close so a delivery racing shutdown
	// cannot send on a closed queue.
	o.mu.Lock()
	if o.closed.Load() {
		o.mu.Unlock()
		return
	}
	select {
	case f.queue <- &pendingProvision{req: req, env: env}:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.metrics.IncCounter("slots.queue.rejections", 1)
		o.reject(ctx, env, "capacity: provision queue full")
	}
}

// handleRoute admits a player that a dispatcher routed into an existing
// slot, bumping its occupant count so the idle sweep leaves it alone.
func (o *Orchestrator) handleRoute(ctx context.Context, env *envelope.Envelope) {
	v, err := o.codec.DecodePayload(env)
	if err != nil {
		o.metrics.IncCounter("slots.decode.errors", 1)
		o.logger.Warn(ctx, "dropping undecodable route payload", "error", err.Error())
		return
	}
	rt, ok := v.(*protocol.PlayerRoute)
	if !ok {
		return
	}
	o.mu.Lock()
	sl, ok := o.slots[rt.SlotID]
	if !ok || sl.state != protocol.SlotReady {
		o.mu.Unlock()
		o.logger.Warn(ctx, "player routed to unavailable slot",
			"slotId", rt.SlotID, "playerId", rt.PlayerID)
		return
	}
	sl.occupants++
	familyID, occupants := sl.familyID, sl.occupants
	o.mu.Unlock()

	o.metrics.IncCounter("slots.players.routed", 1)
	o.publishSlotStatus(ctx, rt.SlotID, familyID, protocol.SlotReady, occupants)
}

// provisionLoop drains one family's queue serially.
func (o *Orchestrator) provisionLoop(f *family) {
	defer o.wg.Done()
	for p := range f.queue {
		o.provision(context.Background(), f, p)
	}
}

func (o *Orchestrator) provision(ctx context.Context, f *family, p *pendingProvision) {
	o.mu.Lock()
	if o.activeLocked(f.cfg.FamilyID) >= f.cfg.MaxSlots {
		o.mu.Unlock()
		o.metrics.IncCounter("slots.capacity.rejections", 1)
		o.reject(ctx, p.env, "capacity: no free slots")
		return
	}
	o.slotSeq++
	sl := &slot{
		id:        o.ident.PermanentID() + "-s" + strconv.Itoa(o.slotSeq),
		familyID:  f.cfg.FamilyID,
		variantID: p.req.VariantID,
		state:     protocol.SlotProvisioning,
		idleSince: time.Now(),
	}
	o.slots[sl.id] = sl
	o.mu.Unlock()

	o.publishSlotStatus(ctx, sl.id, sl.familyID, protocol.SlotProvisioning, 0)

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, o.provisionTimeout)
	err := o.backend.Provision(pctx, sl.id, f.cfg.FamilyID, p.req.VariantID, p.req.Metadata)
	cancel()
	o.metrics.RecordTimer("slots.provision.duration", time.Since(start), "family", f.cfg.FamilyID)

	if err != nil {
		o.mu.Lock()
		delete(o.slots, sl.id)
		o.mu.Unlock()
		o.publishSlotStatus(ctx, sl.id, sl.familyID, protocol.SlotClosed, 0)
		o.metrics.IncCounter("slots.provision.failures", 1)
		o.logger.Error(ctx, "slot provision failed",
			"slotId", sl.id, "family", f.cfg.FamilyID, "error", err.Error())
		o.reject(ctx, p.env, fmt.Sprintf("provision failed: %v", err))
		return
	}

	o.mu.Lock()
	sl.state = protocol.SlotReady
	sl.idleSince = time.Now()
	o.mu.Unlock()

	o.publishSlotStatus(ctx, sl.id, sl.familyID, protocol.SlotReady, 0)
	o.advertise(ctx, f)
	o.respond(ctx, p.env, protocol.ProvisionResponse{
		Version: protocol.PayloadVersion,
		Success: true,
		SlotID:  sl.id,
		State:   protocol.SlotReady,
	})
	o.logger.Info(ctx, "slot provisioned",
		"slotId", sl.id, "family", f.cfg.FamilyID, "variant", p.req.VariantID,
		"requestedBy", p.req.RequestedBy)
}

// SetOccupants records a slot's current occupant count. A slot that drops
// to zero starts its idle clock.
func (o *Orchestrator) SetOccupants(ctx context.Context, slotID string, occupants int) {
	o.mu.Lock()
	sl, ok := o.slots[slotID]
	if !ok {
		o.mu.Unlock()
		return
	}
	sl.occupants = occupants
	if occupants == 0 {
		sl.idleSince = time.Now()
	}
	familyID, state := sl.familyID, sl.state
	o.mu.Unlock()
	o.publishSlotStatus(ctx, slotID, familyID, state, occupants)
}

// DrainSlot moves a slot to draining so no new players are routed to it.
func (o *Orchestrator) DrainSlot(ctx context.Context, slotID string) {
	o.transition(ctx, slotID, protocol.SlotDraining)
}

// CloseSlot tears a slot down and reports it closed.
func (o *Orchestrator) CloseSlot(ctx context.Context, slotID string) error {
	o.mu.Lock()
	sl, ok := o.slots[slotID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	familyID := sl.familyID
	delete(o.slots, slotID)
	o.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, o.provisionTimeout)
	err := o.backend.Teardown(tctx, slotID)
	cancel()
	o.publishSlotStatus(ctx, slotID, familyID, protocol.SlotClosed, 0)
	if f, ok := o.families[familyID]; ok {
		o.advertise(ctx, f)
	}
	if err != nil {
		return fmt.Errorf("teardown slot %s: %w", slotID, err)
	}
	return nil
}

// Load summarizes slot occupancy as load metrics for heartbeats.
// MaxPlayers is the configured slot capacity across families.
func (o *Orchestrator) Load() protocol.LoadMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	occupants := 0
	for _, sl := range o.slots {
		occupants += sl.occupants
	}
	capacity := 0
	for _, f := range o.families {
		capacity += f.cfg.MaxSlots
	}
	return protocol.LoadMetrics{
		PlayerCount: occupants,
		MaxPlayers:  capacity,
		TPS:         20,
	}
}

// Slots returns the ids of all open slots.
func (o *Orchestrator) Slots() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.slots))
	for id := range o.slots {
		out = append(out, id)
	}
	return out
}

// sweepIdle closes ready slots that have sat empty past the idle timeout.
func (o *Orchestrator) sweepIdle(ctx context.Context) {
	now := time.Now()
	o.mu.Lock()
	var expired []string
	for id, sl := range o.slots {
		if sl.state == protocol.SlotReady && sl.occupants == 0 && now.Sub(sl.idleSince) > o.idleTimeout {
			expired = append(expired, id)
		}
	}
	o.mu.Unlock()

	for _, id := range expired {
		o.DrainSlot(ctx, id)
		if err := o.CloseSlot(ctx, id); err != nil {
			o.logger.Warn(ctx, "idle slot close failed", "slotId", id, "error", err.Error())
			continue
		}
		o.metrics.IncCounter("slots.idle.reclaimed", 1)
		o.logger.Info(ctx, "idle slot reclaimed", "slotId", id)
	}
}

func (o *Orchestrator) transition(ctx context.Context, slotID string, to protocol.SlotState) {
	o.mu.Lock()
	sl, ok := o.slots[slotID]
	if !ok || sl.state == to {
		o.mu.Unlock()
		return
	}
	sl.state = to
	familyID, occupants := sl.familyID, sl.occupants
	o.mu.Unlock()
	o.publishSlotStatus(ctx, slotID, familyID, to, occupants)
}

// activeLocked counts non-closed slots in a family. Caller holds o.mu.
func (o *Orchestrator) activeLocked(familyID string) int {
	n := 0
	for _, sl := range o.slots {
		if sl.familyID == familyID {
			n++
		}
	}
	return n
}

// advertise publishes the family's current capacity.
func (o *Orchestrator) advertise(ctx context.Context, f *family) {
	o.mu.Lock()
	active := o.activeLocked(f.cfg.FamilyID)
	o.mu.Unlock()

	adv := protocol.FamilyAdvertisement{
		Version:     protocol.PayloadVersion,
		ServerID:    o.ident.PermanentID(),
		FamilyID:    f.cfg.FamilyID,
		MaxSlots:    f.cfg.MaxSlots,
		ActiveSlots: active,
		Variants:    f.cfg.Variants,
	}
	env, err := envelope.New(protocol.TypeFamilyAdvertisement, o.ident.Current(), adv)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, protocol.ChannelSlotFamilyAdvertisement, env); err != nil {
		o.logger.Warn(ctx, "family advertisement failed",
			"family", f.cfg.FamilyID, "error", err.Error())
	}
}

func (o *Orchestrator) publishSlotStatus(ctx context.Context, slotID, familyID string, state protocol.SlotState, occupants int) {
	st := protocol.SlotStatus{
		Version:   protocol.PayloadVersion,
		ServerID:  o.ident.PermanentID(),
		SlotID:    slotID,
		FamilyID:  familyID,
		State:     state,
		Occupants: occupants,
	}
	env, err := envelope.New(protocol.TypeSlotStatus, o.ident.Current(), st)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, protocol.ChannelSlotStatus, env); err != nil {
		o.logger.Warn(ctx, "slot status publish failed", "slotId", slotID, "error", err.Error())
	}
}

func (o *Orchestrator) reject(ctx context.Context, env *envelope.Envelope, reason string) {
	o.respond(ctx, env, protocol.ProvisionResponse{
		Version: protocol.PayloadVersion,
		Success: false,
		Reason:  reason,
	})
}

// respond answers the requester on its response channel, preserving the
// request's correlation id.
func (o *Orchestrator) respond(ctx context.Context, req *envelope.Envelope, resp protocol.ProvisionResponse) {
	out, err := req.Reply(protocol.TypeProvisionResponse, o.ident.Current(), resp)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, protocol.ResponseChannel(req.SenderID), out); err != nil {
		o.logger.Warn(ctx, "provision response publish failed", "error", err.Error())
	}
}
