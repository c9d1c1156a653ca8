// Package route implements the proxy-side player dispatcher: a cached view
// of the backend fleet fed by registry broadcasts, a load scorer, and the
// provision-then-route flow that places players into slots.
package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// serverView is the dispatcher's cached picture of one backend.
	serverView struct {
		id       string
		address  string
		status   protocol.Status
		load     protocol.LoadMetrics
		lastSeen time.Time
		families map[string]protocol.FamilyAdvertisement
		slots    map[string]protocol.SlotStatus
	}

	// View maintains the fleet picture from registry broadcasts and
	// heartbeats. It never queries the registry on the routing path.
	View struct {
		codec   *envelope.Codec
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.RWMutex
		servers map[string]*serverView
		proxies map[string]*proxyView

		subs []*bus.Subscription
	}

	// proxyView is the cached picture of one peer proxy, kept for drain
	// transfers.
	proxyView struct {
		id     string
		status protocol.Status
		load   protocol.LoadMetrics
	}
)

// NewView constructs an empty fleet view.
func NewView(codec *envelope.Codec, logger telemetry.Logger, metrics telemetry.Metrics) *View {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &View{
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		servers: make(map[string]*serverView),
		proxies: make(map[string]*proxyView),
	}
}

// Start subscribes the broadcast channels that feed the view.
func (v *View) Start(b bus.Bus) error {
	type binding struct {
		channel string
		handler bus.Handler
	}
	bindings := []binding{
		{protocol.ChannelServerAdded, v.handleServerAdded},
		{protocol.ChannelServerRemoved, v.handleServerRemoved},
		{protocol.ChannelProxyAdded, v.handleProxyAdded},
		{protocol.ChannelProxyRemoved, v.handleProxyRemoved},
		{protocol.ChannelStatusChange, v.handleStatusChange},
		{protocol.ChannelServerHeartbeat, v.handleHeartbeat},
		{protocol.ChannelProxyHeartbeat, v.handleProxyHeartbeat},
		{protocol.ChannelSlotFamilyAdvertisement, v.handleFamilyAdvertisement},
		{protocol.ChannelSlotStatus, v.handleSlotStatus},
	}
	for _, bd := range bindings {
		sub, err := b.Subscribe(bd.channel, bd.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bd.channel, err)
		}
		v.subs = append(v.subs, sub)
	}
	return nil
}

// Close removes the view's subscriptions.
func (v *View) Close(b bus.Bus) {
	for _, sub := range v.subs {
		b.Unsubscribe(sub)
	}
	v.subs = nil
}

func (v *View) handleServerAdded(ctx context.Context, env *envelope.Envelope) {
	change, ok := v.decode(ctx, env).(*protocol.FleetChange)
	if !ok || change.Role != protocol.RoleServer {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.servers[change.ID]; exists {
		return
	}
	v.servers[change.ID] = &serverView{
		id:       change.ID,
		address:  change.Address,
		status:   protocol.StatusAvailable,
		lastSeen: time.Now(),
		families: make(map[string]protocol.FamilyAdvertisement),
		slots:    make(map[string]protocol.SlotStatus),
	}
}

func (v *View) handleServerRemoved(ctx context.Context, env *envelope.Envelope) {
	change, ok := v.decode(ctx, env).(*protocol.FleetChange)
	if !ok {
		return
	}
	v.mu.Lock()
	delete(v.servers, change.ID)
	v.mu.Unlock()
}

func (v *View) handleProxyAdded(ctx context.Context, env *envelope.Envelope) {
	change, ok := v.decode(ctx, env).(*protocol.FleetChange)
	if !ok || change.Role != protocol.RoleProxy {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.proxies[change.ID]; !exists {
		v.proxies[change.ID] = &proxyView{id: change.ID, status: protocol.StatusAvailable}
	}
}

func (v *View) handleProxyRemoved(ctx context.Context, env *envelope.Envelope) {
	change, ok := v.decode(ctx, env).(*protocol.FleetChange)
	if !ok {
		return
	}
	v.mu.Lock()
	delete(v.proxies, change.ID)
	v.mu.Unlock()
}

func (v *View) handleStatusChange(ctx context.Context, env *envelope.Envelope) {
	change, ok := v.decode(ctx, env).(*protocol.StatusChange)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch change.Role {
	case protocol.RoleServer:
		sv, exists := v.servers[change.ID]
		if !exists {
			return
		}
		sv.status = change.NewStatus
		sv.load = change.LoadMetrics
		sv.lastSeen = time.Now()
	case protocol.RoleProxy:
		pv, exists := v.proxies[change.ID]
		if !exists {
			return
		}
		pv.status = change.NewStatus
		pv.load = change.LoadMetrics
	}
}

func (v *View) handleProxyHeartbeat(ctx context.Context, env *envelope.Envelope) {
	hb, ok := v.decode(ctx, env).(*protocol.Heartbeat)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	pv, exists := v.proxies[hb.ID]
	if !exists {
		return
	}
	pv.load = hb.LoadMetrics
}

func (v *View) handleHeartbeat(ctx context.Context, env *envelope.Envelope) {
	hb, ok := v.decode(ctx, env).(*protocol.Heartbeat)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	sv, exists := v.servers[hb.ID]
	if !exists {
		return
	}
	sv.load = hb.LoadMetrics
	sv.lastSeen = time.Now()
}

func (v *View) handleFamilyAdvertisement(ctx context.Context, env *envelope.Envelope) {
	adv, ok := v.decode(ctx, env).(*protocol.FamilyAdvertisement)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	sv, exists := v.servers[adv.ServerID]
	if !exists {
		return
	}
	sv.families[adv.FamilyID] = *adv
}

func (v *View) handleSlotStatus(ctx context.Context, env *envelope.Envelope) {
	st, ok := v.decode(ctx, env).(*protocol.SlotStatus)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	sv, exists := v.servers[st.ServerID]
	if !exists {
		return
	}
	if st.State == protocol.SlotClosed {
		delete(sv.slots, st.SlotID)
	} else {
		sv.slots[st.SlotID] = *st
	}
}

func (v *View) decode(ctx context.Context, env *envelope.Envelope) any {
	val, err := v.codec.DecodePayload(env)
	if err != nil {
		v.metrics.IncCounter("route.decode.errors", 1)
		v.logger.Debug(ctx, "dropping undecodable broadcast", "type", env.Type, "error", err.Error())
		return nil
	}
	return val
}

// candidate is a routable backend with its current score.
type candidate struct {
	id       string
	address  string
	score    float64
	lastSeen time.Time
	// readySlot is a joinable slot in the target family, if one exists.
	readySlot string
}

// candidates returns the available servers that can host the family, each
// with its load score. A server qualifies when it has spare family capacity
// or a ready, non-draining slot in the family.
func (v *View) candidates(familyID string) []candidate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []candidate
	for _, sv := range v.servers {
		if sv.status != protocol.StatusAvailable {
			continue
		}
		adv, hosts := sv.families[familyID]
		if !hosts {
			continue
		}
		c := candidate{
			id:       sv.id,
			address:  sv.address,
			score:    LoadScore(sv.load),
			lastSeen: sv.lastSeen,
		}
		for _, st := range sv.slots {
			if st.FamilyID == familyID && st.State == protocol.SlotReady {
				c.readySlot = st.SlotID
				break
			}
		}
		if c.readySlot == "" && adv.ActiveSlots >= adv.MaxSlots {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ProxyLoads returns the load of every available peer proxy, for drain
// transfers.
func (v *View) ProxyLoads() map[string]protocol.LoadMetrics {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]protocol.LoadMetrics, len(v.proxies))
	for id, pv := range v.proxies {
		if pv.status != protocol.StatusAvailable {
			continue
		}
		out[id] = pv.load
	}
	return out
}

// LoadScore ranks a backend for routing; lower is better. The score blends
// player fill with a TPS penalty that only kicks in below 20 ticks/s.
func LoadScore(load protocol.LoadMetrics) float64 {
	fill := 0.0
	if load.MaxPlayers > 0 {
		fill = float64(load.PlayerCount) / float64(load.MaxPlayers)
	}
	tpsPenalty := (20 - load.TPS) / 20
	if tpsPenalty < 0 {
		tpsPenalty = 0
	}
	return 0.7*fill + 0.3*tpsPenalty
}
