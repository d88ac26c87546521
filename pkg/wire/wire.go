// Package wire defines the event framing shared by agents, the relay master
// and the hub: one websocket text frame carries one named event plus a JSON
// payload.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names, agent -> master.
const (
	EventIdentify     = "identify"
	EventSensorData   = "sensor-data"
	EventHealthStatus = "health-status"
)

// Event names, master -> agent.
const (
	EventConfig  = "config"
	EventControl = "control"
)

// Event names on the master <-> hub connection.
const (
	EventForwardData  = "forward-data"
	EventControlSlave = "control-slave"
)

// Event names, hub -> dashboard observers.
const (
	EventMasterStatus = "master-status"
	EventDataUI       = "data-ui"
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload into an envelope and marshals the whole frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Decode parses a frame into its envelope. The payload stays raw so the
// caller can dispatch on the event name before committing to a type.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing event name")
	}
	return env, nil
}

// Identification is the first event an agent sends after connecting. The id
// is self-declared and is not validated against the network origin.
type Identification struct {
	ID string `json:"id"`
}

// TelemetryPacket is a single sensor reading. Value carries two decimal
// places semantically; the range is unconstrained.
type TelemetryPacket struct {
	SlaveIP   string  `json:"slaveIp"`
	Handler   string  `json:"handler"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

type HealthStatus string

const (
	HealthOnline  HealthStatus = "online"
	HealthOffline HealthStatus = "offline"
)

type HealthPacket struct {
	SlaveIP   string       `json:"slaveIp"`
	Status    HealthStatus `json:"status"`
	Timestamp string       `json:"timestamp"`
}

type ControlAction string

const (
	ActionStart   ControlAction = "start"
	ActionStop    ControlAction = "stop"
	ActionRestart ControlAction = "restart"
)

func (a ControlAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}

// CommandPacket targets one agent by its self-declared id.
type CommandPacket struct {
	SlaveID string        `json:"slaveId"`
	Action  ControlAction `json:"action"`
}

// ControlPacket is what the targeted agent actually receives.
type ControlPacket struct {
	Action ControlAction `json:"action"`
}

// ConfigEntry assigns an ordered capability set to one agent. Order and
// duplicates are preserved; both are meaningful to the agent.
type ConfigEntry struct {
	SlaveIP  string   `json:"slaveIp"`
	Handlers []string `json:"handlers"`
}

// Forward is the tagged union the master sends upstream. Exactly one of
// Telemetry or Health is set, distinguishable by Kind.
type Forward struct {
	Kind      ForwardKind      `json:"kind"`
	Telemetry *TelemetryPacket `json:"telemetry,omitempty"`
	Health    *HealthPacket    `json:"health,omitempty"`
}

type ForwardKind string

const (
	ForwardTelemetry ForwardKind = "telemetry"
	ForwardHealth    ForwardKind = "health"
)

// Timestamp renders t in the ISO-8601 form used on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
