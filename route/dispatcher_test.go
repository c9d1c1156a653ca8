package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
)

type dispatcherFixture struct {
	*viewFixture
	dispatcher *Dispatcher
	codec      *envelope.Codec
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })

	ident := identity.New(protocol.RoleProxy, "proxy", "10.0.1.1:25577", "1.0.0", nil)
	ident.Promote("proxy1")

	codec := protocol.NewCodec()
	d, err := NewDispatcher(DispatcherOptions{
		Bus:              b,
		Identity:         ident,
		Codec:            codec,
		ProvisionTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &dispatcherFixture{
		viewFixture: &viewFixture{t: t, bus: b, view: d.View()},
		dispatcher:  d,
		codec:       codec,
	}
}

// serveProvisions answers provision requests for one server id. Each call
// consumes the next reply from the list; extras are refused.
func (f *dispatcherFixture) serveProvisions(serverID string, replies ...protocol.ProvisionResponse) {
	f.t.Helper()
	ch := make(chan protocol.ProvisionResponse, len(replies))
	for _, r := range replies {
		ch <- r
	}
	_, err := f.bus.Subscribe(protocol.SlotProvisionChannel(serverID), func(ctx context.Context, env *envelope.Envelope) {
		var resp protocol.ProvisionResponse
		select {
		case resp = <-ch:
		default:
			resp = protocol.ProvisionResponse{Version: protocol.PayloadVersion, Reason: "capacity: no free slots"}
		}
		out, err := env.Reply(protocol.TypeProvisionResponse, serverID, resp)
		if err != nil {
			return
		}
		_ = f.bus.Publish(ctx, protocol.ResponseChannel(env.SenderID), out)
	})
	require.NoError(f.t, err)
}

func TestDispatchJoinsExistingReadySlot(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.publish(protocol.TypeSlotStatus, protocol.ChannelSlotStatus, protocol.SlotStatus{
		Version: protocol.PayloadVersion, ServerID: "mini1", SlotID: "mini1-s1",
		FamilyID: "mini", State: protocol.SlotReady,
	})
	require.Eventually(t, func() bool {
		cands := f.view.candidates("mini")
		return len(cands) == 1 && cands[0].readySlot != ""
	}, 2*time.Second, 5*time.Millisecond)

	cmd, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.NoError(t, err)
	assert.Equal(t, "steve", cmd.PlayerID)
	assert.Equal(t, "mini1-s1", cmd.SlotID)
	assert.Equal(t, "10.0.0.1:25565", cmd.TargetAddress)
}

func TestDispatchJoinPublishesRouteInstruction(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.publish(protocol.TypeSlotStatus, protocol.ChannelSlotStatus, protocol.SlotStatus{
		Version: protocol.PayloadVersion, ServerID: "mini1", SlotID: "mini1-s1",
		FamilyID: "mini", State: protocol.SlotReady,
	})
	require.Eventually(t, func() bool {
		cands := f.view.candidates("mini")
		return len(cands) == 1 && cands[0].readySlot != ""
	}, 2*time.Second, 5*time.Millisecond)

	routed := make(chan protocol.PlayerRoute, 1)
	_, err := f.bus.Subscribe(protocol.DirectServerChannel("mini1"), func(_ context.Context, env *envelope.Envelope) {
		v, err := f.codec.DecodePayload(env)
		if err != nil {
			return
		}
		if rt, ok := v.(*protocol.PlayerRoute); ok {
			routed <- *rt
		}
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.NoError(t, err)

	select {
	case rt := <-routed:
		assert.Equal(t, "steve", rt.PlayerID)
		assert.Equal(t, "mini1-s1", rt.SlotID)
		assert.Equal(t, "mini", rt.FamilyID)
	case <-time.After(2 * time.Second):
		t.Fatal("no route instruction reached the backend")
	}
}

func TestDispatchCarriesTheRequestedVariant(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{
		FamilyID: "mini", MaxSlots: 4, Variants: []string{"classic", "rush"},
	})
	// A ready slot exists, but a specific variant must provision fresh.
	f.publish(protocol.TypeSlotStatus, protocol.ChannelSlotStatus, protocol.SlotStatus{
		Version: protocol.PayloadVersion, ServerID: "mini1", SlotID: "mini1-s1",
		FamilyID: "mini", State: protocol.SlotReady,
	})
	require.Eventually(t, func() bool {
		cands := f.view.candidates("mini")
		return len(cands) == 1 && cands[0].readySlot != ""
	}, 2*time.Second, 5*time.Millisecond)

	requested := make(chan protocol.ProvisionRequest, 1)
	_, err := f.bus.Subscribe(protocol.SlotProvisionChannel("mini1"), func(ctx context.Context, env *envelope.Envelope) {
		v, err := f.codec.DecodePayload(env)
		if err != nil {
			return
		}
		req, ok := v.(*protocol.ProvisionRequest)
		if !ok {
			return
		}
		requested <- *req
		out, err := env.Reply(protocol.TypeProvisionResponse, "mini1", protocol.ProvisionResponse{
			Version: protocol.PayloadVersion, Success: true, SlotID: "mini1-s2", State: protocol.SlotReady,
		})
		if err != nil {
			return
		}
		_ = f.bus.Publish(ctx, protocol.ResponseChannel(env.SenderID), out)
	})
	require.NoError(t, err)

	cmd, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "rush")
	require.NoError(t, err)
	assert.Equal(t, "mini1-s2", cmd.SlotID)

	select {
	case req := <-requested:
		assert.Equal(t, "rush", req.VariantID)
		assert.Equal(t, "mini", req.FamilyID)
	case <-time.After(2 * time.Second):
		t.Fatal("no provision request reached the backend")
	}
}

func TestDispatchProvisionsWhenNoSlotIsReady(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.serveProvisions("mini1", protocol.ProvisionResponse{
		Version: protocol.PayloadVersion, Success: true, SlotID: "mini1-s1", State: protocol.SlotReady,
	})

	cmd, err := f.dispatcher.Dispatch(context.Background(), "alex", "mini", "")
	require.NoError(t, err)
	assert.Equal(t, "mini1-s1", cmd.SlotID)
	assert.Equal(t, "10.0.0.1:25565", cmd.TargetAddress)
}

func TestDispatchPrefersTheLeastLoadedBackend(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.addServer("mini2", "10.0.0.2:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.heartbeat("mini1", protocol.LoadMetrics{PlayerCount: 30, MaxPlayers: 40, TPS: 20})
	f.heartbeat("mini2", protocol.LoadMetrics{PlayerCount: 2, MaxPlayers: 40, TPS: 20})
	require.Eventually(t, func() bool {
		for _, c := range f.view.candidates("mini") {
			if c.id == "mini2" && c.score < 0.1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	f.serveProvisions("mini2", protocol.ProvisionResponse{
		Version: protocol.PayloadVersion, Success: true, SlotID: "mini2-s1", State: protocol.SlotReady,
	})

	cmd, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.NoError(t, err)
	assert.Equal(t, "mini2-s1", cmd.SlotID)
	assert.Equal(t, "10.0.0.2:25565", cmd.TargetAddress)
}

func TestDispatchFallsBackToTheNextCandidate(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.addServer("mini2", "10.0.0.2:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.heartbeat("mini1", protocol.LoadMetrics{PlayerCount: 0, MaxPlayers: 40, TPS: 20})
	f.heartbeat("mini2", protocol.LoadMetrics{PlayerCount: 20, MaxPlayers: 40, TPS: 20})
	require.Eventually(t, func() bool {
		return len(f.view.candidates("mini")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The preferred backend refuses; the heavier one still has room.
	f.serveProvisions("mini1")
	f.serveProvisions("mini2", protocol.ProvisionResponse{
		Version: protocol.PayloadVersion, Success: true, SlotID: "mini2-s1", State: protocol.SlotReady,
	})

	cmd, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.NoError(t, err)
	assert.Equal(t, "mini2-s1", cmd.SlotID)
}

func TestDispatchFailsWithoutCandidates(t *testing.T) {
	f := newDispatcherFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.ErrorIs(t, err, ErrNoCapacity)
}

func TestDispatchFailsWhenAllAttemptsAreRefused(t *testing.T) {
	f := newDispatcherFixture(t)
	f.addServer("mini1", "10.0.0.1:25565", protocol.FamilyAdvertisement{FamilyID: "mini", MaxSlots: 4})
	f.serveProvisions("mini1")

	_, err := f.dispatcher.Dispatch(context.Background(), "steve", "mini", "")
	require.ErrorIs(t, err, ErrNoCapacity)
}
