// Package protocol defines the Fulcrum wire protocol: the channel catalogue,
// the typed payload for every message that crosses the bus, and the decoder
// registrations that let consumers dispatch on the envelope type string.
//
// Channel names follow the convention `fulcrum.<component>.<category>.<action>`;
// directed channels append the target service id as a suffix.
package protocol

// Shared channels.
const (
	// ChannelRegistrationRequest carries initial join requests to the registry.
	ChannelRegistrationRequest = "fulcrum.registry.registration.request"
	// ChannelReregister is broadcast by a restarting registry to rebuild its directory.
	ChannelReregister = "fulcrum.registry.registration.reregister"
	// ChannelStatusChange announces per-entry status transitions to the fleet.
	ChannelStatusChange = "fulcrum.registry.status.change"
	// ChannelServerAdded and friends announce fleet composition changes.
	ChannelServerAdded   = "fulcrum.registry.server.added"
	ChannelServerRemoved = "fulcrum.registry.server.removed"
	ChannelProxyAdded    = "fulcrum.registry.proxy.added"
	ChannelProxyRemoved  = "fulcrum.registry.proxy.removed"
	// ChannelServerHeartbeat and ChannelProxyHeartbeat carry liveness reports.
	ChannelServerHeartbeat = "fulcrum.server.heartbeat.status"
	ChannelProxyHeartbeat  = "fulcrum.proxy.heartbeat.status"
	// ChannelSlotFamilyAdvertisement carries backend capacity advertisements.
	ChannelSlotFamilyAdvertisement = "fulcrum.registry.slot.family.advertisement"
	// ChannelSlotStatus carries per-slot lifecycle transitions.
	ChannelSlotStatus = "fulcrum.registry.slot.status"
	// ChannelShutdownIntent and ChannelShutdownUpdate carry drain orchestration.
	ChannelShutdownIntent = "fulcrum.registry.shutdown.intent"
	ChannelShutdownUpdate = "fulcrum.registry.shutdown.update"
	// ChannelEnvDirChanged broadcasts environment directory revision tokens.
	ChannelEnvDirChanged = "fulcrum.registry.envdir.changed"
)

// RegistrationResponseChannel is the directed channel a joining service
// listens on for its id assignment, keyed by temporary id.
func RegistrationResponseChannel(tempID string) string {
	return "fulcrum.registry.registration.response." + tempID
}

// SlotProvisionChannel is the directed channel a backend receives provision
// commands on.
func SlotProvisionChannel(serverID string) string {
	return "fulcrum.server.slot.provision." + serverID
}

// DirectServerChannel is the point-to-point channel for a backend.
func DirectServerChannel(id string) string { return "fulcrum.direct.server." + id }

// DirectProxyChannel is the point-to-point channel for a proxy.
func DirectProxyChannel(id string) string { return "fulcrum.direct.proxy." + id }

// RequestChannel is the directed channel a service receives requests on.
func RequestChannel(id string) string { return "fulcrum.request." + id }

// ResponseChannel is the directed channel a service receives replies on.
func ResponseChannel(id string) string { return "fulcrum.response." + id }
