// Package registry implements the Fulcrum registry service: the singleton
// process that owns permanent id assignment, the authoritative service
// directory, liveness reaping, status broadcasting, the environment
// directory, and shutdown intent issuance.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/heartbeat"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

// RegistryID is the registry's well-known sender id.
const RegistryID = "registry"

type (
	// Config configures the registry service.
	Config struct {
		// Bus is the message substrate. Required.
		Bus bus.Bus
		// Codec decodes typed payloads. Required.
		Codec *envelope.Codec
		// EnvStore backs the environment directory. Defaults to an
		// in-memory store.
		EnvStore EnvStore
		// HeartbeatInterval is the fleet's heartbeat period T_hb used to
		// derive liveness thresholds. Defaults to 5s.
		HeartbeatInterval time.Duration
		// ReapInterval is the liveness reaper tick. Defaults to 1s.
		ReapInterval time.Duration
		// GraceWindow is how long a dead entry is retained so the service
		// can re-register and recover its id. Defaults to 60s.
		GraceWindow time.Duration
		// CollectionWindow bounds directory rebuild after a restart.
		// Defaults to 2s.
		CollectionWindow time.Duration
		// Logger receives service diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Service is the running registry.
	Service struct {
		cfg     Config
		bus     bus.Bus
		codec   *envelope.Codec
		logger  telemetry.Logger
		metrics telemetry.Metrics

		dir     *Directory
		alloc   *Allocator
		intents *IntentManager
		envdir  *EnvDirectory
		sched   *heartbeat.Scheduler

		// tempIndex is the registry-owned tempId → permanentId mapping.
		tempMu    sync.Mutex
		tempIndex map[string]string

		subs      []*bus.Subscription
		closeOnce sync.Once
	}
)

// Defaults for the liveness model.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReapInterval      = time.Second
	DefaultGraceWindow       = 60 * time.Second
	DefaultCollectionWindow  = 2 * time.Second
)

// New constructs the registry service.
func New(cfg Config) (*Service, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.CollectionWindow <= 0 {
		cfg.CollectionWindow = DefaultCollectionWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}

	s := &Service{
		cfg:       cfg,
		bus:       cfg.Bus,
		codec:     cfg.Codec,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		dir:       NewDirectory(),
		alloc:     NewAllocator(),
		sched:     heartbeat.NewScheduler(cfg.ReapInterval),
		tempIndex: make(map[string]string),
	}
	s.intents = NewIntentManager(cfg.Bus, cfg.Logger)

	envStore := cfg.EnvStore
	if envStore == nil {
		envStore = NewMemoryEnvStore()
	}
	envdir, err := NewEnvDirectory(EnvDirectoryOptions{
		Store:  envStore,
		Bus:    cfg.Bus,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create environment directory: %w", err)
	}
	s.envdir = envdir
	return s, nil
}

// Directory exposes the authoritative directory (snapshots only).
func (s *Service) Directory() *Directory { return s.dir }

// Intents exposes the shutdown intent manager.
func (s *Service) Intents() *IntentManager { return s.intents }

// EnvDir exposes the environment directory.
func (s *Service) EnvDir() *EnvDirectory { return s.envdir }

// Start subscribes the registry's channels, asks the fleet to re-register
// so the directory can be rebuilt after a restart, and launches the
// liveness reaper.
func (s *Service) Start(ctx context.Context) error {
	type binding struct {
		channel string
		handler bus.Handler
	}
	bindings := []binding{
		{protocol.ChannelRegistrationRequest, s.handleRegistration},
		{protocol.ChannelServerHeartbeat, s.handleHeartbeat},
		{protocol.ChannelProxyHeartbeat, s.handleHeartbeat},
		{protocol.ChannelSlotFamilyAdvertisement, s.handleFamilyAdvertisement},
		{protocol.ChannelSlotStatus, s.handleSlotStatus},
		{protocol.ChannelShutdownUpdate, s.handleShutdownUpdate},
		{protocol.RequestChannel(RegistryID), s.handleRequest},
	}
	for _, b := range bindings {
		sub, err := s.bus.Subscribe(b.channel, b.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", b.channel, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.broadcastReregister(ctx); err != nil {
		return err
	}

	s.sched.Register("reaper", s.cfg.ReapInterval, s.reap)
	s.sched.Start()
	s.logger.Info(ctx, "registry started",
		"heartbeatInterval", s.cfg.HeartbeatInterval.String(),
		"graceWindow", s.cfg.GraceWindow.String())
	return nil
}

// Close stops the reaper and removes all subscriptions.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.sched.Stop()
		for _, sub := range s.subs {
			s.bus.Unsubscribe(sub)
		}
		s.subs = nil
	})
}

// broadcastReregister asks every live service to re-announce itself. The
// collection window bounds the rebuild; entries arriving later are treated
// as fresh registrations.
func (s *Service) broadcastReregister(ctx context.Context) error {
	req := protocol.ReregisterRequest{
		Version:            protocol.PayloadVersion,
		CollectionWindowMs: s.cfg.CollectionWindow.Milliseconds(),
	}
	env, err := envelope.New(protocol.TypeReregisterRequest, RegistryID, req)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, protocol.ChannelReregister, env); err != nil {
		return fmt.Errorf("broadcast reregister: %w", err)
	}
	return nil
}

// handleRegistration services initial joins and re-announcements. A sender
// carrying a known permanent id keeps it when possible; the registry only
// issues a new id when it cannot match the sender to any known entry.
func (s *Service) handleRegistration(ctx context.Context, env *envelope.Envelope) {
	req, ok := s.decode(ctx, env).(*protocol.RegistrationRequest)
	if !ok {
		return
	}
	tempID := env.SenderID

	assigned, isNew := s.resolveID(tempID, req)
	entry, existed := s.dir.Get(assigned)
	if !existed {
		entry = &Entry{
			ID:           assigned,
			Role:         req.Role,
			Family:       familyFor(req),
			Address:      req.Address,
			Capabilities: req.Capabilities,
			status:       protocol.StatusAvailable,
		}
		s.dir.Add(entry)
	} else {
		// Re-announce: recover a dead-within-grace or unavailable entry.
		if from, changed := s.dir.Transition(assigned, protocol.StatusAvailable); changed {
			s.broadcastStatusChange(ctx, entry, from, protocol.StatusAvailable)
		}
	}
	entry.RecordHeartbeat(time.Now(), protocol.LoadMetrics{})

	resp := protocol.RegistrationResponse{
		Version:    protocol.PayloadVersion,
		Success:    true,
		AssignedID: assigned,
	}
	out, err := env.Reply(protocol.TypeRegistrationResponse, RegistryID, resp)
	if err != nil {
		s.logger.Error(ctx, "encode registration response", "error", err.Error())
		return
	}
	if err := s.bus.Publish(ctx, protocol.RegistrationResponseChannel(tempID), out); err != nil {
		s.logger.Error(ctx, "publish registration response", "tempId", tempID, "error", err.Error())
		return
	}

	if isNew {
		s.broadcastFleetChange(ctx, entry, true)
	}
	s.logger.Info(ctx, "service registered",
		"tempId", tempID, "assignedId", assigned, "role", string(req.Role), "address", req.Address)
}

// resolveID decides the permanent id for a registration request. Returns
// the id and whether it is a brand new assignment.
func (s *Service) resolveID(tempID string, req *protocol.RegistrationRequest) (string, bool) {
	s.tempMu.Lock()
	defer s.tempMu.Unlock()

	// Duplicate request from the same boot: answer with the same id.
	if id, ok := s.tempIndex[tempID]; ok {
		return id, false
	}

	if req.KnownID != "" {
		if status, ok := s.dir.Status(req.KnownID); ok {
			if status != protocol.StatusAvailable {
				// The entry went unavailable or dead within grace; the
				// sender reclaims its id.
				s.tempIndex[tempID] = req.KnownID
				return req.KnownID, false
			}
			// Conflict: a live service holds the id. Fall through and
			// assign a fresh one; the sender adopts it transparently.
			s.metrics.IncCounter("registry.id.conflicts", 1)
		} else if err := s.alloc.Reserve(req.KnownID); err == nil {
			s.tempIndex[tempID] = req.KnownID
			return req.KnownID, true
		} else {
			s.metrics.IncCounter("registry.id.conflicts", 1)
		}
	}

	id := s.alloc.Allocate(familyFor(req))
	s.tempIndex[tempID] = id
	return id, true
}

// familyFor derives the id family from the request, defaulting by role.
func familyFor(req *protocol.RegistrationRequest) string {
	if req.Family != "" {
		return req.Family
	}
	switch req.Role {
	case protocol.RoleProxy:
		return "proxy"
	case protocol.RoleLimbo:
		return "limbo"
	default:
		return "server"
	}
}

// handleHeartbeat records liveness and load, recovering entries that were
// unavailable or dead within grace. Repeated heartbeats at an unchanged
// status broadcast nothing.
func (s *Service) handleHeartbeat(ctx context.Context, env *envelope.Envelope) {
	hb, ok := s.decode(ctx, env).(*protocol.Heartbeat)
	if !ok {
		return
	}
	entry, ok := s.dir.Get(hb.ID)
	if !ok {
		s.logger.Debug(ctx, "heartbeat from unknown service", "id", hb.ID)
		return
	}
	entry.RecordHeartbeat(time.Now(), hb.LoadMetrics)
	if from, changed := s.dir.Transition(hb.ID, protocol.StatusAvailable); changed {
		s.broadcastStatusChange(ctx, entry, from, protocol.StatusAvailable)
	}
}

func (s *Service) handleFamilyAdvertisement(ctx context.Context, env *envelope.Envelope) {
	adv, ok := s.decode(ctx, env).(*protocol.FamilyAdvertisement)
	if !ok {
		return
	}
	if !s.dir.SetFamily(adv.ServerID, *adv) {
		s.logger.Debug(ctx, "family advertisement from unknown server", "id", adv.ServerID)
	}
}

func (s *Service) handleSlotStatus(ctx context.Context, env *envelope.Envelope) {
	st, ok := s.decode(ctx, env).(*protocol.SlotStatus)
	if !ok {
		return
	}
	if !s.dir.SetSlot(st.ServerID, *st) {
		s.logger.Debug(ctx, "slot status from unknown server", "id", st.ServerID)
	}
}

func (s *Service) handleShutdownUpdate(ctx context.Context, env *envelope.Envelope) {
	upd, ok := s.decode(ctx, env).(*protocol.ShutdownUpdate)
	if !ok {
		return
	}
	s.intents.RecordUpdate(ctx, upd)
}

// handleRequest services directed request/response queries: environment
// directory reads, runtime info dumps for the operator CLI, and shutdown
// intent issuance.
func (s *Service) handleRequest(ctx context.Context, env *envelope.Envelope) {
	switch env.Type {
	case protocol.TypeEnvDirRequest:
		revision, envs := s.envdir.Snapshot(ctx)
		s.reply(ctx, env, protocol.TypeEnvDirResponse, protocol.EnvDirResponse{
			Version:      protocol.PayloadVersion,
			Revision:     revision,
			Environments: envs,
		})
	case protocol.TypeRuntimeInfoRequest:
		s.reply(ctx, env, protocol.TypeRuntimeInfoResponse, s.runtimeInfo())
	case protocol.TypeShutdownIntent:
		req, ok := s.decode(ctx, env).(*protocol.ShutdownIntent)
		if !ok {
			return
		}
		if req.Cancelled {
			s.intents.Cancel(ctx, req.IntentID)
			s.reply(ctx, env, protocol.TypeShutdownIntent, *req)
			return
		}
		issued, err := s.intents.Issue(ctx, req.Targets, req.CountdownSeconds, req.Force)
		if err != nil {
			s.logger.Error(ctx, "issue shutdown intent", "error", err.Error())
			return
		}
		s.reply(ctx, env, protocol.TypeShutdownIntent, issued)
	default:
		s.logger.Debug(ctx, "unhandled request type", "type", env.Type)
	}
}

func (s *Service) runtimeInfo() protocol.RuntimeInfoResponse {
	snaps := s.dir.Snapshot()
	resp := protocol.RuntimeInfoResponse{Version: protocol.PayloadVersion}
	for _, snap := range snaps {
		resp.Entries = append(resp.Entries, protocol.RuntimeInfoEntry{
			ID:          snap.ID,
			Role:        snap.Role,
			Address:     snap.Address,
			Status:      snap.Status,
			LoadMetrics: snap.Load,
			Families:    snap.Families,
			Slots:       snap.Slots,
		})
	}
	return resp
}

// reap is the liveness tick: it ages entries through
// available → unavailable → dead and removes dead entries once the grace
// window expires, returning their ids to the allocator.
func (s *Service) reap(ctx context.Context) {
	now := time.Now()
	staleAfter := 3 * s.cfg.HeartbeatInterval
	deadAfter := 6 * s.cfg.HeartbeatInterval

	for _, c := range s.dir.reapCandidates() {
		age := now.Sub(c.lastHeartbeat)
		switch {
		case c.status == protocol.StatusDead:
			if now.Sub(c.deadAt) > s.cfg.GraceWindow {
				if s.dir.Remove(c.id) {
					s.alloc.Release(c.id)
					s.forgetTemp(c.id)
					s.logger.Info(ctx, "directory entry expired", "id", c.id)
				}
			}
		case age > deadAfter:
			entry, ok := s.dir.Get(c.id)
			if !ok {
				continue
			}
			if from, changed := s.dir.Transition(c.id, protocol.StatusDead); changed {
				s.broadcastStatusChange(ctx, entry, from, protocol.StatusDead)
				s.broadcastFleetChange(ctx, entry, false)
			}
		case c.status == protocol.StatusAvailable && age > staleAfter:
			entry, ok := s.dir.Get(c.id)
			if !ok {
				continue
			}
			if from, changed := s.dir.Transition(c.id, protocol.StatusUnavailable); changed {
				s.broadcastStatusChange(ctx, entry, from, protocol.StatusUnavailable)
			}
		}
	}
}

// forgetTemp drops tempId mappings that point at a removed permanent id.
func (s *Service) forgetTemp(permanentID string) {
	s.tempMu.Lock()
	defer s.tempMu.Unlock()
	for tempID, id := range s.tempIndex {
		if id == permanentID {
			delete(s.tempIndex, tempID)
		}
	}
}

func (s *Service) broadcastStatusChange(ctx context.Context, entry *Entry, from, to protocol.Status) {
	change := protocol.StatusChange{
		Version:     protocol.PayloadVersion,
		ID:          entry.ID,
		Role:        entry.Role,
		OldStatus:   from,
		NewStatus:   to,
		LoadMetrics: entry.Load(),
	}
	env, err := envelope.New(protocol.TypeStatusChange, RegistryID, change)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, protocol.ChannelStatusChange, env); err != nil {
		s.logger.Warn(ctx, "status change broadcast failed", "id", entry.ID, "error", err.Error())
		return
	}
	s.logger.Info(ctx, "status change", "id", entry.ID, "from", string(from), "to", string(to))
}

// broadcastFleetChange announces a service joining (added) or leaving the
// fleet on the role's composition channel.
func (s *Service) broadcastFleetChange(ctx context.Context, entry *Entry, added bool) {
	var channel, msgType string
	switch {
	case entry.Role == protocol.RoleProxy && added:
		channel, msgType = protocol.ChannelProxyAdded, protocol.TypeProxyAdded
	case entry.Role == protocol.RoleProxy:
		channel, msgType = protocol.ChannelProxyRemoved, protocol.TypeProxyRemoved
	case added:
		channel, msgType = protocol.ChannelServerAdded, protocol.TypeServerAdded
	default:
		channel, msgType = protocol.ChannelServerRemoved, protocol.TypeServerRemoved
	}
	change := protocol.FleetChange{
		Version: protocol.PayloadVersion,
		ID:      entry.ID,
		Role:    entry.Role,
		Address: entry.Address,
	}
	env, err := envelope.New(msgType, RegistryID, change)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, env); err != nil {
		s.logger.Warn(ctx, "fleet change broadcast failed", "id", entry.ID, "error", err.Error())
	}
}

// reply answers a request envelope on the sender's response channel.
func (s *Service) reply(ctx context.Context, req *envelope.Envelope, msgType string, payload any) {
	out, err := req.Reply(msgType, RegistryID, payload)
	if err != nil {
		s.logger.Error(ctx, "encode reply", "type", msgType, "error", err.Error())
		return
	}
	if err := s.bus.Publish(ctx, protocol.ResponseChannel(req.SenderID), out); err != nil {
		s.logger.Warn(ctx, "reply publish failed", "type", msgType, "error", err.Error())
	}
}

// decode unwraps a typed payload, logging and counting undecodable ones.
func (s *Service) decode(ctx context.Context, env *envelope.Envelope) any {
	v, err := s.codec.DecodePayload(env)
	if err != nil {
		s.metrics.IncCounter("registry.decode.errors", 1)
		s.logger.Warn(ctx, "dropping undecodable payload", "type", env.Type, "error", err.Error())
		return nil
	}
	return v
}
