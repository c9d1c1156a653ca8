package registry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulcrum-mc/fulcrum/protocol"
)

type (
	// Entry is the registry's authoritative record for one service. Status
	// transitions are serialized under the directory write lock; heartbeat
	// and load fields use finer-grained atomics so heartbeat bursts never
	// contend with directory writes.
	Entry struct {
		ID           string
		Role         protocol.Role
		Family       string
		Address      string
		Capabilities []string

		// status is guarded by the owning Directory's lock.
		status protocol.Status
		// deadAt records when the entry went dead, for grace accounting.
		deadAt time.Time

		lastHeartbeat atomic.Int64 // unix ms
		playerCount   atomic.Int64
		maxPlayers    atomic.Int64
		tpsBits       atomic.Uint64
		responseTime  atomic.Int64

		// families and slots mirror the backend's advertisements; guarded
		// by the owning Directory's lock.
		families map[string]protocol.FamilyAdvertisement
		slots    map[string]protocol.SlotStatus
	}

	// Directory is the registry's in-memory snapshot of all known
	// services. Reads are frequent and concurrent; writes (registrations,
	// status transitions, reaper actions) are exclusive.
	Directory struct {
		mu      sync.RWMutex
		entries map[string]*Entry
	}

	// EntrySnapshot is an immutable copy of an entry for readers outside
	// the directory lock.
	EntrySnapshot struct {
		ID            string
		Role          protocol.Role
		Family        string
		Address       string
		Capabilities  []string
		Status        protocol.Status
		LastHeartbeat time.Time
		Load          protocol.LoadMetrics
		Families      []protocol.FamilyAdvertisement
		Slots         []protocol.SlotStatus
	}
)

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]*Entry)}
}

// RecordHeartbeat stores heartbeat time and load metrics on an entry. Only
// atomics are touched, so concurrent heartbeats do not serialize on the
// directory write lock.
func (e *Entry) RecordHeartbeat(at time.Time, load protocol.LoadMetrics) {
	e.lastHeartbeat.Store(at.UnixMilli())
	e.playerCount.Store(int64(load.PlayerCount))
	e.maxPlayers.Store(int64(load.MaxPlayers))
	e.tpsBits.Store(math.Float64bits(load.TPS))
	e.responseTime.Store(load.ResponseTime)
}

// LastHeartbeat returns the time of the entry's most recent heartbeat.
func (e *Entry) LastHeartbeat() time.Time {
	return time.UnixMilli(e.lastHeartbeat.Load())
}

// Load returns the entry's most recently reported load metrics.
func (e *Entry) Load() protocol.LoadMetrics {
	return protocol.LoadMetrics{
		PlayerCount:  int(e.playerCount.Load()),
		MaxPlayers:   int(e.maxPlayers.Load()),
		TPS:          math.Float64frombits(e.tpsBits.Load()),
		ResponseTime: e.responseTime.Load(),
	}
}

// Add inserts an entry. The caller owns id uniqueness.
func (d *Directory) Add(e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.families == nil {
		e.families = make(map[string]protocol.FamilyAdvertisement)
	}
	if e.slots == nil {
		e.slots = make(map[string]protocol.SlotStatus)
	}
	d.entries[e.ID] = e
}

// Remove deletes an entry and reports whether it existed.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[id]
	delete(d.entries, id)
	return ok
}

// Get returns the live entry for an id. The returned entry's atomic fields
// may be read or updated without further locking; status may not.
func (d *Directory) Get(id string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// Status returns an entry's current status under the read lock.
func (d *Directory) Status(id string) (protocol.Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Transition moves an entry to a new status and reports whether a change
// occurred. Transitions are exclusive so each is observed exactly once.
func (d *Directory) Transition(id string, to protocol.Status) (from protocol.Status, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || e.status == to {
		return "", false
	}
	from = e.status
	e.status = to
	if to == protocol.StatusDead {
		e.deadAt = time.Now()
	}
	return from, true
}

// SetFamily records a backend's family advertisement.
func (d *Directory) SetFamily(id string, adv protocol.FamilyAdvertisement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return false
	}
	e.families[adv.FamilyID] = adv
	return true
}

// SetSlot records a slot lifecycle report; closed slots are removed.
func (d *Directory) SetSlot(id string, st protocol.SlotStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return false
	}
	if st.State == protocol.SlotClosed {
		delete(e.slots, st.SlotID)
	} else {
		e.slots[st.SlotID] = st
	}
	return true
}

// Snapshot returns immutable copies of all entries.
func (d *Directory) Snapshot() []EntrySnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EntrySnapshot, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, snapshotLocked(e))
	}
	return out
}

// SnapshotOne returns an immutable copy of a single entry.
func (d *Directory) SnapshotOne(id string) (EntrySnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return EntrySnapshot{}, false
	}
	return snapshotLocked(e), true
}

func snapshotLocked(e *Entry) EntrySnapshot {
	snap := EntrySnapshot{
		ID:            e.ID,
		Role:          e.Role,
		Family:        e.Family,
		Address:       e.Address,
		Capabilities:  append([]string(nil), e.Capabilities...),
		Status:        e.status,
		LastHeartbeat: e.LastHeartbeat(),
		Load:          e.Load(),
	}
	for _, adv := range e.families {
		snap.Families = append(snap.Families, adv)
	}
	for _, st := range e.slots {
		snap.Slots = append(snap.Slots, st)
	}
	return snap
}

// reapCandidates returns id/status/deadAt triples for the reaper without
// holding the write lock.
func (d *Directory) reapCandidates() []reapCandidate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]reapCandidate, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, reapCandidate{
			id:            e.ID,
			role:          e.Role,
			family:        e.Family,
			status:        e.status,
			deadAt:        e.deadAt,
			lastHeartbeat: e.LastHeartbeat(),
		})
	}
	return out
}

type reapCandidate struct {
	id            string
	role          protocol.Role
	family        string
	status        protocol.Status
	deadAt        time.Time
	lastHeartbeat time.Time
}
