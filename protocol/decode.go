package protocol

import "github.com/fulcrum-mc/fulcrum/envelope"

// RegisterAll installs a decoder for every core message type on the codec.
// Services call this once at startup; unknown types remain decode errors.
func RegisterAll(c *envelope.Codec) {
	c.Register(TypeRegistrationRequest, envelope.DecoderFor[RegistrationRequest]())
	c.Register(TypeRegistrationResponse, envelope.DecoderFor[RegistrationResponse]())
	c.Register(TypeReregisterRequest, envelope.DecoderFor[ReregisterRequest]())
	c.Register(TypeHeartbeat, envelope.DecoderFor[Heartbeat]())
	c.Register(TypeStatusChange, envelope.DecoderFor[StatusChange]())
	c.Register(TypeServerAdded, envelope.DecoderFor[FleetChange]())
	c.Register(TypeServerRemoved, envelope.DecoderFor[FleetChange]())
	c.Register(TypeProxyAdded, envelope.DecoderFor[FleetChange]())
	c.Register(TypeProxyRemoved, envelope.DecoderFor[FleetChange]())
	c.Register(TypeFamilyAdvertisement, envelope.DecoderFor[FamilyAdvertisement]())
	c.Register(TypeProvisionRequest, envelope.DecoderFor[ProvisionRequest]())
	c.Register(TypeProvisionResponse, envelope.DecoderFor[ProvisionResponse]())
	c.Register(TypeSlotStatus, envelope.DecoderFor[SlotStatus]())
	c.Register(TypePlayerRoute, envelope.DecoderFor[PlayerRoute]())
	c.Register(TypePlayerRouteCommand, envelope.DecoderFor[PlayerRouteCommand]())
	c.Register(TypeShutdownIntent, envelope.DecoderFor[ShutdownIntent]())
	c.Register(TypeShutdownUpdate, envelope.DecoderFor[ShutdownUpdate]())
	c.Register(TypeShutdownCancel, envelope.DecoderFor[ShutdownIntent]())
	c.Register(TypeEnvDirRequest, envelope.DecoderFor[EnvDirRequest]())
	c.Register(TypeEnvDirResponse, envelope.DecoderFor[EnvDirResponse]())
	c.Register(TypeEnvDirChanged, envelope.DecoderFor[EnvDirChanged]())
	c.Register(TypeRuntimeInfoRequest, envelope.DecoderFor[RuntimeInfoRequest]())
	c.Register(TypeRuntimeInfoResponse, envelope.DecoderFor[RuntimeInfoResponse]())
}

// NewCodec returns a codec with every core message type registered.
func NewCodec() *envelope.Codec {
	c := envelope.NewCodec()
	RegisterAll(c)
	return c
}
