package regclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
)

type clientFixture struct {
	t      *testing.T
	bus    bus.Bus
	codec  *envelope.Codec
	ident  *identity.Identity
	client *Client
}

func newClientFixture(t *testing.T, opts Options) *clientFixture {
	t.Helper()
	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })

	ident := identity.New(protocol.RoleServer, "mini", "10.0.0.1:25565", "1.0.0", nil)
	opts.Bus = b
	opts.Identity = ident
	opts.Codec = protocol.NewCodec()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &clientFixture{t: t, bus: b, codec: opts.Codec, ident: ident, client: c}
}

// serveRegistry answers registration requests with canned responses, one
// per request in order. The last response repeats for any extra requests.
func (f *clientFixture) serveRegistry(responses ...protocol.RegistrationResponse) *atomic.Int32 {
	f.t.Helper()
	var calls atomic.Int32
	_, err := f.bus.Subscribe(protocol.ChannelRegistrationRequest, func(ctx context.Context, env *envelope.Envelope) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		resp := responses[n]
		resp.Version = protocol.PayloadVersion
		out, err := envelope.New(protocol.TypeRegistrationResponse, "registry", resp)
		if err != nil {
			return
		}
		_ = f.bus.Publish(ctx, protocol.RegistrationResponseChannel(env.SenderID), out)
	})
	require.NoError(f.t, err)
	return &calls
}

func TestRegisterPromotesIdentity(t *testing.T) {
	f := newClientFixture(t, Options{})
	f.serveRegistry(protocol.RegistrationResponse{Success: true, AssignedID: "mini1"})

	id, err := f.client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mini1", id)
	assert.True(t, f.ident.Registered())
	assert.Equal(t, "mini1", f.ident.PermanentID())
	assert.Equal(t, "mini1", f.ident.Current())
}

func TestRegisterRetriesAfterRejection(t *testing.T) {
	f := newClientFixture(t, Options{Timeout: time.Second})
	calls := f.serveRegistry(
		protocol.RegistrationResponse{Success: false, Message: "try again"},
		protocol.RegistrationResponse{Success: true, AssignedID: "mini2"},
	)

	id, err := f.client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mini2", id)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRegisterExhaustsAfterMaxAttempts(t *testing.T) {
	f := newClientFixture(t, Options{Timeout: 50 * time.Millisecond, MaxAttempts: 2})

	// No registry is listening; every attempt times out.
	_, err := f.client.Register(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	assert.False(t, f.ident.Registered())
}

func TestRegisterHonorsContextCancellation(t *testing.T) {
	f := newClientFixture(t, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.client.Register(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Register did not return after cancellation")
	}
}

func TestReregisterListenerReannouncesKnownID(t *testing.T) {
	f := newClientFixture(t, Options{})
	f.serveRegistry(protocol.RegistrationResponse{Success: true, AssignedID: "mini1"})

	_, err := f.client.Register(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.client.StartReregisterListener(context.Background()))

	// Collect re-registration requests and check the known id rides along.
	reqCh := make(chan protocol.RegistrationRequest, 4)
	_, err = f.bus.Subscribe(protocol.ChannelRegistrationRequest, func(_ context.Context, env *envelope.Envelope) {
		if v, err := f.codec.DecodePayload(env); err == nil {
			if req, ok := v.(*protocol.RegistrationRequest); ok {
				reqCh <- *req
			}
		}
	})
	require.NoError(t, err)

	rereg := protocol.ReregisterRequest{Version: protocol.PayloadVersion, CollectionWindowMs: 2000}
	env, err := envelope.New(protocol.TypeReregisterRequest, "registry", rereg)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), protocol.ChannelReregister, env))

	select {
	case req := <-reqCh:
		assert.Equal(t, "mini1", req.KnownID)
		assert.Equal(t, protocol.RoleServer, req.Role)
	case <-time.After(2 * time.Second):
		t.Fatal("no re-registration request observed")
	}
}

func TestReregisterListenerStaysQuietBeforeRegistration(t *testing.T) {
	f := newClientFixture(t, Options{})
	require.NoError(t, f.client.StartReregisterListener(context.Background()))

	seen := make(chan struct{}, 1)
	_, err := f.bus.Subscribe(protocol.ChannelRegistrationRequest, func(_ context.Context, _ *envelope.Envelope) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	rereg := protocol.ReregisterRequest{Version: protocol.PayloadVersion, CollectionWindowMs: 2000}
	env, err := envelope.New(protocol.TypeReregisterRequest, "registry", rereg)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), protocol.ChannelReregister, env))

	select {
	case <-seen:
		t.Fatal("unregistered service must not answer rebuild broadcasts")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetryBackoffDoublesWithCeiling(t *testing.T) {
	for attempt, base := range map[int]time.Duration{
		1: 500 * time.Millisecond,
		2: time.Second,
		3: 2 * time.Second,
		5: 8 * time.Second,
		9: 8 * time.Second,
	} {
		d := retryBackoff(attempt)
		low := time.Duration(float64(base) * 0.79)
		high := time.Duration(float64(base) * 1.21)
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt)
		assert.LessOrEqual(t, d, high, "attempt %d", attempt)
	}
}
