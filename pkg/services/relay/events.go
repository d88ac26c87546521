package relay

import (
	"github.com/fleetrelay/fleetrelay/pkg/link"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
)

// event is one entry in the relay's single ordered queue.
type event interface {
	name() string
}

type identifyEvent struct {
	link *link.AgentLink
	id   string
}

type telemetryEvent struct {
	link *link.AgentLink
	pkt  wire.TelemetryPacket
}

type healthEvent struct {
	link *link.AgentLink
	pkt  wire.HealthPacket
}

type disconnectEvent struct {
	link *link.AgentLink
}

type commandEvent struct {
	cmd wire.CommandPacket
}

type configChangedEvent struct{}

type hubConnectedEvent struct{}

type hubDisconnectedEvent struct{}

func (identifyEvent) name() string        { return "identify" }
func (telemetryEvent) name() string       { return "telemetry" }
func (healthEvent) name() string          { return "health" }
func (disconnectEvent) name() string      { return "disconnect" }
func (commandEvent) name() string         { return "command" }
func (configChangedEvent) name() string   { return "config-changed" }
func (hubConnectedEvent) name() string    { return "hub-connected" }
func (hubDisconnectedEvent) name() string { return "hub-disconnected" }
