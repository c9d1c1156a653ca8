// Package replicated provides an EnvStore backed by a Pulse replicated map,
// so multiple registry processes (or a restarted registry) observe the same
// environment catalog through Redis.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/registry"
)

// mapName is the replicated map holding the environment catalog.
const mapName = "fulcrum-environments"

// EnvStore stores environment descriptors as JSON values in a replicated
// map. It implements registry.EnvStore.
type EnvStore struct {
	m *rmap.Map
}

var _ registry.EnvStore = (*EnvStore)(nil)

// JoinEnvStore joins the shared environment map on the given Redis client.
func JoinEnvStore(ctx context.Context, rdb *redis.Client) (*EnvStore, error) {
	m, err := rmap.Join(ctx, mapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join environment map: %w", err)
	}
	return &EnvStore{m: m}, nil
}

// List returns all stored descriptors. Entries that fail to decode are
// skipped rather than failing the whole read.
func (s *EnvStore) List(ctx context.Context) (map[string]protocol.EnvDescriptor, error) {
	out := make(map[string]protocol.EnvDescriptor)
	for name, raw := range s.m.Map() {
		var desc protocol.EnvDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			continue
		}
		out[name] = desc
	}
	return out, nil
}

// Put stores a descriptor under its name.
func (s *EnvStore) Put(ctx context.Context, desc protocol.EnvDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode environment %q: %w", desc.Name, err)
	}
	if _, err := s.m.Set(ctx, desc.Name, string(raw)); err != nil {
		return fmt.Errorf("set environment %q: %w", desc.Name, err)
	}
	return nil
}

// Delete removes a descriptor by name.
func (s *EnvStore) Delete(ctx context.Context, name string) error {
	if _, err := s.m.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete environment %q: %w", name, err)
	}
	return nil
}

// Close detaches from the replicated map.
func (s *EnvStore) Close() {
	s.m.Close()
}
