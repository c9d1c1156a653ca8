package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// EnvStore persists environment descriptors keyed by name. The registry
	// reads through a cache in front of the store; implementations may be
	// in-memory or replicated.
	EnvStore interface {
		// List returns all descriptors.
		List(ctx context.Context) (map[string]protocol.EnvDescriptor, error)
		// Put stores a descriptor under its name.
		Put(ctx context.Context, desc protocol.EnvDescriptor) error
		// Delete removes a descriptor by name.
		Delete(ctx context.Context, name string) error
	}

	// EnvDirectoryOptions configures the environment directory.
	EnvDirectoryOptions struct {
		// Store backs the directory. Required.
		Store EnvStore
		// Bus carries change broadcasts. Required.
		Bus bus.Bus
		// Logger receives diagnostics. Defaults to noop.
		Logger telemetry.Logger
	}

	// EnvDirectory is the registry's named environment catalog: a validated,
	// revisioned read-through cache over an EnvStore. Every mutation bumps
	// the revision token and broadcasts the new revision so consumers can
	// refresh on demand instead of polling.
	EnvDirectory struct {
		store  EnvStore
		bus    bus.Bus
		logger telemetry.Logger
		schema *jsonschema.Schema

		mu       sync.RWMutex
		loaded   bool
		revision string
		cache    map[string]protocol.EnvDescriptor
	}
)

// envDescriptorSchema constrains descriptors accepted into the directory.
const envDescriptorSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"modules": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"maxPlayers": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

// NewEnvDirectory constructs an environment directory over the given store.
func NewEnvDirectory(opts EnvDirectoryOptions) (*EnvDirectory, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(envDescriptorSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("environment.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add descriptor schema: %w", err)
	}
	schema, err := c.Compile("environment.json")
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}

	return &EnvDirectory{
		store:    opts.Store,
		bus:      opts.Bus,
		logger:   logger,
		schema:   schema,
		revision: uuid.NewString(),
		cache:    make(map[string]protocol.EnvDescriptor),
	}, nil
}

// Snapshot returns the current revision token and all descriptors sorted by
// name. The store is consulted once; later reads come from the cache until
// a mutation invalidates it.
func (d *EnvDirectory) Snapshot(ctx context.Context) (string, []protocol.EnvDescriptor) {
	d.mu.Lock()
	if !d.loaded {
		if err := d.loadLocked(ctx); err != nil {
			d.logger.Warn(ctx, "environment directory load failed", "error", err.Error())
		}
	}
	revision := d.revision
	out := make([]protocol.EnvDescriptor, 0, len(d.cache))
	for _, desc := range d.cache {
		out = append(out, desc)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return revision, out
}

// Revision returns the current revision token.
func (d *EnvDirectory) Revision() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// Put validates a descriptor, persists it, and broadcasts the new revision.
func (d *EnvDirectory) Put(ctx context.Context, desc protocol.EnvDescriptor) error {
	if err := d.validate(desc); err != nil {
		return fmt.Errorf("invalid environment %q: %w", desc.Name, err)
	}
	if err := d.store.Put(ctx, desc); err != nil {
		return fmt.Errorf("store environment %q: %w", desc.Name, err)
	}
	d.mu.Lock()
	d.cache[desc.Name] = desc
	d.revision = uuid.NewString()
	revision := d.revision
	d.mu.Unlock()
	d.broadcast(ctx, revision)
	return nil
}

// Delete removes a descriptor and broadcasts the new revision. Deleting an
// unknown name is a no-op.
func (d *EnvDirectory) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	_, existed := d.cache[name]
	d.mu.Unlock()
	if !existed {
		return nil
	}
	if err := d.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete environment %q: %w", name, err)
	}
	d.mu.Lock()
	delete(d.cache, name)
	d.revision = uuid.NewString()
	revision := d.revision
	d.mu.Unlock()
	d.broadcast(ctx, revision)
	return nil
}

func (d *EnvDirectory) loadLocked(ctx context.Context) error {
	descs, err := d.store.List(ctx)
	if err != nil {
		return err
	}
	d.cache = make(map[string]protocol.EnvDescriptor, len(descs))
	for name, desc := range descs {
		if err := d.validate(desc); err != nil {
			d.logger.Warn(ctx, "skipping invalid stored environment",
				"name", name, "error", err.Error())
			continue
		}
		d.cache[name] = desc
	}
	d.loaded = true
	return nil
}

// validate checks a descriptor against the directory schema.
func (d *EnvDirectory) validate(desc protocol.EnvDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return d.schema.Validate(doc)
}

func (d *EnvDirectory) broadcast(ctx context.Context, revision string) {
	changed := protocol.EnvDirChanged{
		Version:  protocol.PayloadVersion,
		Revision: revision,
	}
	env, err := envelope.New(protocol.TypeEnvDirChanged, RegistryID, changed)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, protocol.ChannelEnvDirChanged, env); err != nil {
		d.logger.Warn(ctx, "environment directory change broadcast failed",
			"revision", revision, "error", err.Error())
	}
}

// MemoryEnvStore is an in-process EnvStore for single-registry deployments
// and tests.
type MemoryEnvStore struct {
	mu    sync.RWMutex
	descs map[string]protocol.EnvDescriptor
}

// NewMemoryEnvStore constructs an empty in-memory store.
func NewMemoryEnvStore() *MemoryEnvStore {
	return &MemoryEnvStore{descs: make(map[string]protocol.EnvDescriptor)}
}

// List returns a copy of all descriptors.
func (s *MemoryEnvStore) List(ctx context.Context) (map[string]protocol.EnvDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]protocol.EnvDescriptor, len(s.descs))
	for name, desc := range s.descs {
		out[name] = desc
	}
	return out, nil
}

// Put stores a descriptor.
func (s *MemoryEnvStore) Put(ctx context.Context, desc protocol.EnvDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[desc.Name] = desc
	return nil
}

// Delete removes a descriptor.
func (s *MemoryEnvStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.descs, name)
	return nil
}
