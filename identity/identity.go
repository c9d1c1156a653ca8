// Package identity manages a service's identity lifecycle: the temporary id
// derived at process start and the permanent id assigned by the registry.
package identity

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fulcrum-mc/fulcrum/protocol"
)

type (
	// Identity is a service's self-owned identity record. The temporary id
	// is used only until the first successful registration response; all
	// later messages carry the permanent id.
	Identity struct {
		// Role is what kind of process this service is.
		Role protocol.Role
		// Family is the id family used for permanent id assignment
		// (e.g. "mini" yields mini1, mini2, ...). Proxies use "proxy".
		Family string
		// Address is the service's reachable host:port.
		Address string
		// Version is the service build version.
		Version string
		// Capabilities advertises optional features to the registry.
		Capabilities []string

		mu      sync.RWMutex
		tempID  string
		permID  string
	}
)

// New derives a fresh identity with a random temporary id.
func New(role protocol.Role, family, address, version string, capabilities []string) *Identity {
	return &Identity{
		Role:         role,
		Family:       family,
		Address:      address,
		Version:      version,
		Capabilities: capabilities,
		tempID:       "fulcrum-" + string(role) + "-" + uuid.New().String(),
	}
}

// TempID returns the temporary id generated at process start.
func (i *Identity) TempID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tempID
}

// PermanentID returns the registry-assigned id, or "" before registration.
func (i *Identity) PermanentID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.permID
}

// Current returns the id to use as the outbound sender id: the permanent id
// once assigned, the temporary id before that.
func (i *Identity) Current() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.permID != "" {
		return i.permID
	}
	return i.tempID
}

// Promote records the permanent id assigned by the registry.
func (i *Identity) Promote(permanentID string) {
	i.mu.Lock()
	i.permID = permanentID
	i.mu.Unlock()
}

// Registered reports whether a permanent id has been assigned.
func (i *Identity) Registered() bool {
	return i.PermanentID() != ""
}
