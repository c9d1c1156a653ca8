package slots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
)

// fakeBackend records provision calls and can be told to fail or stall.
type fakeBackend struct {
	mu          sync.Mutex
	provisioned []string
	tornDown    []string
	failWith    error
	delay       time.Duration
}

func (b *fakeBackend) Provision(ctx context.Context, slotID, familyID, variantID string, metadata map[string]string) error {
	b.mu.Lock()
	fail, delay := b.failWith, b.delay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	b.mu.Lock()
	b.provisioned = append(b.provisioned, slotID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Teardown(ctx context.Context, slotID string) error {
	b.mu.Lock()
	b.tornDown = append(b.tornDown, slotID)
	b.mu.Unlock()
	return nil
}

type slotsFixture struct {
	t       *testing.T
	bus     bus.Bus
	codec   *envelope.Codec
	orch    *Orchestrator
	backend *fakeBackend
}

func newSlotsFixture(t *testing.T, opts Options) *slotsFixture {
	t.Helper()
	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })

	ident := identity.New(protocol.RoleServer, "mini", "10.0.0.1:25565", "1.0.0", nil)
	ident.Promote("mini1")

	backend := &fakeBackend{}
	opts.Bus = b
	opts.Identity = ident
	opts.Codec = protocol.NewCodec()
	if opts.Backend == nil {
		opts.Backend = backend
	}
	if len(opts.Families) == 0 {
		opts.Families = []FamilyConfig{{FamilyID: "mini", MaxSlots: 2, Variants: []string{"classic"}}}
	}
	orch, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Close)

	return &slotsFixture{t: t, bus: b, codec: opts.Codec, orch: orch, backend: backend}
}

// provision drives one provision request over the bus and returns the reply.
func (f *slotsFixture) provision(familyID, variantID string) *protocol.ProvisionResponse {
	f.t.Helper()
	req := protocol.ProvisionRequest{
		Version:     protocol.PayloadVersion,
		FamilyID:    familyID,
		VariantID:   variantID,
		RequestedBy: "proxy1",
	}
	env, err := envelope.New(protocol.TypeProvisionRequest, "proxy1", req)
	require.NoError(f.t, err)

	reply, err := f.bus.Request(context.Background(), "mini1", protocol.SlotProvisionChannel("mini1"), env, 3*time.Second)
	require.NoError(f.t, err)
	v, err := f.codec.DecodePayload(reply)
	require.NoError(f.t, err)
	resp, ok := v.(*protocol.ProvisionResponse)
	require.True(f.t, ok)
	return resp
}

func TestProvisionAssignsSequentialSlotIDs(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	first := f.provision("mini", "classic")
	require.True(t, first.Success)
	assert.Equal(t, "mini1-s1", first.SlotID)
	assert.Equal(t, protocol.SlotReady, first.State)

	second := f.provision("mini", "classic")
	require.True(t, second.Success)
	assert.Equal(t, "mini1-s2", second.SlotID)

	assert.ElementsMatch(t, []string{"mini1-s1", "mini1-s2"}, f.orch.Slots())
}

func TestProvisionRejectsUnknownFamily(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	resp := f.provision("ghost", "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Reason, "unknown family")
}

func TestProvisionRejectsUnsupportedVariants(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	resp := f.provision("mini", "no-such-variant")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Reason, "unsupported variant")
	assert.Empty(t, f.orch.Slots(), "a rejected variant must not consume capacity")

	// The default variant and listed variants still provision.
	assert.True(t, f.provision("mini", "").Success)
	assert.True(t, f.provision("mini", "classic").Success)
}

func TestProvisionRejectsWhenFamilyIsFull(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	require.True(t, f.provision("mini", "classic").Success)
	require.True(t, f.provision("mini", "classic").Success)

	resp := f.provision("mini", "classic")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Reason, "capacity")
}

func TestProvisionFailureReleasesTheSlot(t *testing.T) {
	f := newSlotsFixture(t, Options{})
	f.backend.failWith = errors.New("world generation failed")

	resp := f.provision("mini", "classic")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Reason, "provision failed")
	assert.Empty(t, f.orch.Slots(), "failed slot must not stay open")

	// Capacity freed by the failure is usable again.
	f.backend.failWith = nil
	assert.True(t, f.provision("mini", "classic").Success)
}

func TestProvisionTimesOutSlowBackends(t *testing.T) {
	f := newSlotsFixture(t, Options{ProvisionTimeout: 50 * time.Millisecond})
	f.backend.delay = 500 * time.Millisecond

	resp := f.provision("mini", "classic")
	assert.False(t, resp.Success)
	assert.Empty(t, f.orch.Slots())
}

func TestSlotLifecycleBroadcasts(t *testing.T) {
	f := newSlotsFixture(t, Options{})
	statuses := collectSlotStatus(t, f)

	resp := f.provision("mini", "classic")
	require.True(t, resp.Success)

	require.Eventually(t, func() bool { return len(statuses()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	got := statuses()
	assert.Equal(t, protocol.SlotProvisioning, got[0].State)
	assert.Equal(t, protocol.SlotReady, got[1].State)
	assert.Equal(t, "mini1", got[0].ServerID)

	f.orch.DrainSlot(context.Background(), resp.SlotID)
	require.NoError(t, f.orch.CloseSlot(context.Background(), resp.SlotID))

	require.Eventually(t, func() bool { return len(statuses()) >= 4 }, 2*time.Second, 10*time.Millisecond)
	got = statuses()
	assert.Equal(t, protocol.SlotDraining, got[2].State)
	assert.Equal(t, protocol.SlotClosed, got[3].State)
	assert.Contains(t, f.backend.tornDown, resp.SlotID)
}

func TestSetOccupantsFeedsLoad(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	resp := f.provision("mini", "classic")
	require.True(t, resp.Success)

	f.orch.SetOccupants(context.Background(), resp.SlotID, 7)
	load := f.orch.Load()
	assert.Equal(t, 7, load.PlayerCount)
	assert.Equal(t, 2, load.MaxPlayers)
}

func TestRouteInstructionRaisesOccupancy(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	resp := f.provision("mini", "classic")
	require.True(t, resp.Success)

	rt := protocol.PlayerRoute{
		Version:  protocol.PayloadVersion,
		PlayerID: "steve",
		SlotID:   resp.SlotID,
		FamilyID: "mini",
	}
	env, err := envelope.New(protocol.TypePlayerRoute, "proxy1", rt)
	require.NoError(t, err)
	require.NoError(t, f.bus.Send(context.Background(), "mini1", protocol.DirectServerChannel("mini1"), env))

	require.Eventually(t, func() bool {
		return f.orch.Load().PlayerCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouteToUnknownSlotIsIgnored(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	rt := protocol.PlayerRoute{
		Version:  protocol.PayloadVersion,
		PlayerID: "steve",
		SlotID:   "mini1-s99",
		FamilyID: "mini",
	}
	env, err := envelope.New(protocol.TypePlayerRoute, "proxy1", rt)
	require.NoError(t, err)
	require.NoError(t, f.bus.Send(context.Background(), "mini1", protocol.DirectServerChannel("mini1"), env))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.orch.Load().PlayerCount)
}

func TestCloseDuringProvisionTrafficDoesNotPanic(t *testing.T) {
	f := newSlotsFixture(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := protocol.ProvisionRequest{
				Version:     protocol.PayloadVersion,
				FamilyID:    "mini",
				RequestedBy: "proxy1",
			}
			env, err := envelope.New(protocol.TypeProvisionRequest, "proxy1", req)
			if err != nil {
				return
			}
			for j := 0; j < 20; j++ {
				_ = f.bus.Publish(context.Background(), protocol.SlotProvisionChannel("mini1"), env)
			}
		}()
	}
	f.orch.Close()
	wg.Wait()
}

func TestIdleSlotsAreReclaimed(t *testing.T) {
	f := newSlotsFixture(t, Options{IdleTimeout: 30 * time.Millisecond})

	resp := f.provision("mini", "classic")
	require.True(t, resp.Success)

	time.Sleep(50 * time.Millisecond)
	f.orch.sweepIdle(context.Background())
	assert.Empty(t, f.orch.Slots())
	assert.Contains(t, f.backend.tornDown, resp.SlotID)
}

func TestOccupiedSlotsSurviveTheIdleSweep(t *testing.T) {
	f := newSlotsFixture(t, Options{IdleTimeout: 30 * time.Millisecond})

	resp := f.provision("mini", "classic")
	require.True(t, resp.Success)
	f.orch.SetOccupants(context.Background(), resp.SlotID, 3)

	time.Sleep(50 * time.Millisecond)
	f.orch.sweepIdle(context.Background())
	assert.Equal(t, []string{resp.SlotID}, f.orch.Slots())
}

func TestStartAdvertisesFamilies(t *testing.T) {
	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })
	codec := protocol.NewCodec()

	var mu sync.Mutex
	var advs []protocol.FamilyAdvertisement
	_, err := b.Subscribe(protocol.ChannelSlotFamilyAdvertisement, func(_ context.Context, env *envelope.Envelope) {
		if v, err := codec.DecodePayload(env); err == nil {
			if adv, ok := v.(*protocol.FamilyAdvertisement); ok {
				mu.Lock()
				advs = append(advs, *adv)
				mu.Unlock()
			}
		}
	})
	require.NoError(t, err)

	ident := identity.New(protocol.RoleServer, "mini", "10.0.0.1:25565", "1.0.0", nil)
	ident.Promote("mini1")
	orch, err := New(Options{
		Bus: b, Identity: ident, Codec: codec, Backend: &fakeBackend{},
		Families: []FamilyConfig{
			{FamilyID: "mini", MaxSlots: 4, Variants: []string{"classic", "rush"}},
			{FamilyID: "duels", MaxSlots: 2},
		},
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Close)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(advs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	families := map[string]protocol.FamilyAdvertisement{}
	for _, adv := range advs {
		families[adv.FamilyID] = adv
	}
	assert.Equal(t, 4, families["mini"].MaxSlots)
	assert.Equal(t, []string{"classic", "rush"}, families["mini"].Variants)
	assert.Equal(t, "mini1", families["duels"].ServerID)
}

func collectSlotStatus(t *testing.T, f *slotsFixture) func() []protocol.SlotStatus {
	t.Helper()
	var mu sync.Mutex
	var got []protocol.SlotStatus
	_, err := f.bus.Subscribe(protocol.ChannelSlotStatus, func(_ context.Context, env *envelope.Envelope) {
		if v, err := f.codec.DecodePayload(env); err == nil {
			if st, ok := v.(*protocol.SlotStatus); ok {
				mu.Lock()
				got = append(got, *st)
				mu.Unlock()
			}
		}
	})
	require.NoError(t, err)
	return func() []protocol.SlotStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]protocol.SlotStatus(nil), got...)
	}
}
