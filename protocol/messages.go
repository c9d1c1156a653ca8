package protocol

import "encoding/json"

// Message type strings. The envelope's Type field carries one of these tags;
// the codec dispatches to the matching payload decoder.
const (
	TypeRegistrationRequest  = "registration.request"
	TypeRegistrationResponse = "registration.response"
	TypeReregisterRequest    = "registration.reregister"
	TypeHeartbeat            = "heartbeat.status"
	TypeStatusChange         = "status.change"
	TypeServerAdded          = "server.added"
	TypeServerRemoved        = "server.removed"
	TypeProxyAdded           = "proxy.added"
	TypeProxyRemoved         = "proxy.removed"
	TypeFamilyAdvertisement  = "slot.family.advertisement"
	TypeProvisionRequest     = "server.slot.provision"
	TypeProvisionResponse    = "slot.provision.response"
	TypeSlotStatus           = "slot.status"
	TypePlayerRoute          = "player.route"
	TypePlayerRouteCommand   = "player.route.command"
	TypeShutdownIntent       = "shutdown.intent"
	TypeShutdownUpdate       = "shutdown.intent.update"
	TypeShutdownCancel       = "shutdown.intent.cancel"
	TypeEnvDirRequest        = "envdir.request"
	TypeEnvDirResponse       = "envdir.response"
	TypeEnvDirChanged        = "envdir.changed"
	TypeRuntimeInfoRequest   = "runtimeinfo.request"
	TypeRuntimeInfoResponse  = "runtimeinfo.response"
)

// Role identifies what kind of process a service is.
type Role string

const (
	RoleProxy    Role = "proxy"
	RoleServer   Role = "server"
	RoleLimbo    Role = "limbo"
	RoleRegistry Role = "registry"
)

// Status is the registry's authoritative view of a service's liveness.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusDead        Status = "dead"
)

// SlotState is a slot's lifecycle state.
type SlotState string

const (
	SlotProvisioning SlotState = "provisioning"
	SlotReady        SlotState = "ready"
	SlotDraining     SlotState = "draining"
	SlotClosed       SlotState = "closed"
)

// Phase is a shutdown intent's drain phase.
type Phase string

const (
	PhaseEvacuate Phase = "evacuate"
	PhaseEvict    Phase = "evict"
	PhaseShutdown Phase = "shutdown"
)

type (
	// LoadMetrics carries the load figures reported with every heartbeat
	// and echoed in status broadcasts.
	LoadMetrics struct {
		PlayerCount  int     `json:"playerCount"`
		MaxPlayers   int     `json:"maxPlayers"`
		TPS          float64 `json:"tps"`
		ResponseTime int64   `json:"responseTime"`
	}

	// RegistrationRequest is a service's initial join message. SenderID on
	// the envelope is the temporary id.
	RegistrationRequest struct {
		Version      int      `json:"version"`
		Role         Role     `json:"role"`
		Family       string   `json:"family,omitempty"`
		Address      string   `json:"address"`
		BuildVersion string   `json:"buildVersion,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
		// KnownID is set on re-registration when the service already holds
		// a permanent id from a previous registration.
		KnownID string `json:"knownId,omitempty"`
	}

	// RegistrationResponse assigns a permanent id, or explains a refusal.
	RegistrationResponse struct {
		Version    int    `json:"version"`
		Success    bool   `json:"success"`
		AssignedID string `json:"assignedServerId,omitempty"`
		Message    string `json:"message,omitempty"`
	}

	// ReregisterRequest asks every live service to re-announce itself so a
	// restarted registry can rebuild its directory.
	ReregisterRequest struct {
		Version            int   `json:"version"`
		CollectionWindowMs int64 `json:"collectionWindowMs"`
	}

	// Heartbeat is the periodic liveness report.
	Heartbeat struct {
		Version int    `json:"version"`
		ID      string `json:"id"`
		Status  Status `json:"status"`
		LoadMetrics
		Timestamp int64 `json:"timestamp"`
	}

	// StatusChange announces a directory entry transition.
	StatusChange struct {
		Version   int    `json:"version"`
		ID        string `json:"id"`
		Role      Role   `json:"role"`
		OldStatus Status `json:"oldStatus"`
		NewStatus Status `json:"newStatus"`
		LoadMetrics
	}

	// FleetChange announces a service joining or leaving the fleet. It is
	// published on the server/proxy added/removed channels.
	FleetChange struct {
		Version int    `json:"version"`
		ID      string `json:"id"`
		Role    Role   `json:"role"`
		Address string `json:"address,omitempty"`
	}

	// FamilyAdvertisement publishes a backend's capacity in one slot family.
	FamilyAdvertisement struct {
		Version     int      `json:"version"`
		ServerID    string   `json:"serverId"`
		FamilyID    string   `json:"familyId"`
		MaxSlots    int      `json:"maxSlots"`
		ActiveSlots int      `json:"activeSlots"`
		Variants    []string `json:"variants,omitempty"`
	}

	// ProvisionRequest asks a backend to create a new slot.
	ProvisionRequest struct {
		Version     int               `json:"version"`
		FamilyID    string            `json:"familyId"`
		VariantID   string            `json:"variantId"`
		RequestedBy string            `json:"requestedBy"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}

	// ProvisionResponse reports the outcome of a provision command.
	ProvisionResponse struct {
		Version int       `json:"version"`
		Success bool      `json:"success"`
		SlotID  string    `json:"slotId,omitempty"`
		State   SlotState `json:"state,omitempty"`
		Reason  string    `json:"reason,omitempty"`
	}

	// SlotStatus reports a slot lifecycle transition to the registry.
	SlotStatus struct {
		Version   int       `json:"version"`
		ServerID  string    `json:"serverId"`
		SlotID    string    `json:"slotId"`
		FamilyID  string    `json:"familyId"`
		State     SlotState `json:"state"`
		Occupants int       `json:"occupants"`
	}

	// PlayerRoute instructs a backend to accept a player into an existing
	// shared-world slot.
	PlayerRoute struct {
		Version  int    `json:"version"`
		PlayerID string `json:"playerId"`
		SlotID   string `json:"slotId,omitempty"`
		FamilyID string `json:"familyId"`
	}

	// PlayerRouteCommand directs the player transport to move a player to
	// a backend slot.
	PlayerRouteCommand struct {
		Version       int               `json:"version"`
		PlayerID      string            `json:"playerId"`
		SlotID        string            `json:"slotId"`
		TargetAddress string            `json:"targetAddress"`
		SpawnX        float64           `json:"spawnX,omitempty"`
		SpawnY        float64           `json:"spawnY,omitempty"`
		SpawnZ        float64           `json:"spawnZ,omitempty"`
		Metadata      map[string]string `json:"metadata,omitempty"`
	}

	// ShutdownIntent is an operator instruction to drain one or more services.
	ShutdownIntent struct {
		Version          int      `json:"version"`
		IntentID         string   `json:"intentId"`
		Targets          []string `json:"targets"`
		CountdownSeconds int      `json:"countdownSeconds"`
		Force            bool     `json:"force"`
		Cancelled        bool     `json:"cancelled,omitempty"`
	}

	// ShutdownUpdate reports a target's drain phase back to the registry.
	ShutdownUpdate struct {
		Version         int      `json:"version"`
		IntentID        string   `json:"intentId"`
		ServiceID       string   `json:"serviceId"`
		Phase           Phase    `json:"phase"`
		AffectedPlayers []string `json:"affectedPlayers,omitempty"`
	}

	// EnvDirRequest queries the registry's environment directory.
	EnvDirRequest struct {
		Version int `json:"version"`
	}

	// EnvDescriptor describes one named environment.
	EnvDescriptor struct {
		Name       string   `json:"name"`
		Modules    []string `json:"modules,omitempty"`
		MaxPlayers int      `json:"maxPlayers,omitempty"`
	}

	// EnvDirResponse carries the environment directory and its revision token.
	EnvDirResponse struct {
		Version      int             `json:"version"`
		Revision     string          `json:"revision"`
		Environments []EnvDescriptor `json:"environments"`
	}

	// EnvDirChanged broadcasts a new directory revision token.
	EnvDirChanged struct {
		Version  int    `json:"version"`
		Revision string `json:"revision"`
	}

	// RuntimeInfoRequest asks the registry for its current directory and
	// slot map. Issued by the operator CLI.
	RuntimeInfoRequest struct {
		Version int `json:"version"`
	}

	// RuntimeInfoEntry is one directory entry in a runtime info dump.
	RuntimeInfoEntry struct {
		ID      string `json:"id"`
		Role    Role   `json:"role"`
		Address string `json:"address"`
		Status  Status `json:"status"`
		LoadMetrics
		Families []FamilyAdvertisement `json:"families,omitempty"`
		Slots    []SlotStatus          `json:"slots,omitempty"`
	}

	// RuntimeInfoResponse is the registry's directory and slot map snapshot.
	RuntimeInfoResponse struct {
		Version int                `json:"version"`
		Entries []RuntimeInfoEntry `json:"entries"`
	}
)

// Current payload schema version for every typed message.
const PayloadVersion = 1

// HeartbeatChannel returns the heartbeat channel for a role.
func HeartbeatChannel(role Role) string {
	if role == RoleProxy {
		return ChannelProxyHeartbeat
	}
	return ChannelServerHeartbeat
}

// DirectChannel returns the point-to-point channel for a role and id.
func DirectChannel(role Role, id string) string {
	if role == RoleProxy {
		return DirectProxyChannel(id)
	}
	return DirectServerChannel(id)
}

// Raw marshals a payload value to raw JSON, ignoring errors. Intended for
// tests and fixtures where the value is known to be marshalable.
func Raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
