package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/protocol"
)

func newTestEnvDir(t *testing.T) (*EnvDirectory, bus.Bus, func() []protocol.EnvDirChanged) {
	t.Helper()
	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })
	codec := protocol.NewCodec()
	changed := collect[protocol.EnvDirChanged](t, b, codec, protocol.ChannelEnvDirChanged)

	d, err := NewEnvDirectory(EnvDirectoryOptions{Store: NewMemoryEnvStore(), Bus: b})
	require.NoError(t, err)
	return d, b, changed
}

func TestEnvDirPutBumpsRevisionAndBroadcasts(t *testing.T) {
	d, _, changed := newTestEnvDir(t)
	ctx := context.Background()

	before := d.Revision()
	require.NoError(t, d.Put(ctx, protocol.EnvDescriptor{Name: "lobby", MaxPlayers: 100}))
	after := d.Revision()
	assert.NotEqual(t, before, after)

	require.Eventually(t, func() bool { return len(changed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, after, changed()[0].Revision)

	revision, envs := d.Snapshot(ctx)
	assert.Equal(t, after, revision)
	require.Len(t, envs, 1)
	assert.Equal(t, "lobby", envs[0].Name)
}

func TestEnvDirRejectsInvalidDescriptor(t *testing.T) {
	d, _, changed := newTestEnvDir(t)
	ctx := context.Background()

	assert.Error(t, d.Put(ctx, protocol.EnvDescriptor{Name: ""}))
	assert.Error(t, d.Put(ctx, protocol.EnvDescriptor{Name: "Bad Name!"}))
	assert.Error(t, d.Put(ctx, protocol.EnvDescriptor{Name: "lobby", MaxPlayers: -1}))
	assert.Empty(t, changed())
}

func TestEnvDirDeleteUnknownIsNoop(t *testing.T) {
	d, _, changed := newTestEnvDir(t)
	ctx := context.Background()

	require.NoError(t, d.Delete(ctx, "ghost"))
	assert.Empty(t, changed())

	require.NoError(t, d.Put(ctx, protocol.EnvDescriptor{Name: "lobby"}))
	require.NoError(t, d.Delete(ctx, "lobby"))
	_, envs := d.Snapshot(ctx)
	assert.Empty(t, envs)
}

func TestEnvDirReadsThroughStore(t *testing.T) {
	store := NewMemoryEnvStore()
	require.NoError(t, store.Put(context.Background(), protocol.EnvDescriptor{Name: "duels", MaxPlayers: 16}))

	b := bus.NewMemory(bus.MemoryOptions{})
	t.Cleanup(func() { b.Close(context.Background()) })
	d, err := NewEnvDirectory(EnvDirectoryOptions{Store: store, Bus: b})
	require.NoError(t, err)

	_, envs := d.Snapshot(context.Background())
	require.Len(t, envs, 1)
	assert.Equal(t, "duels", envs[0].Name)
}
