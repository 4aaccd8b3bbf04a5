package events

import (
	"time"
)

// StateUpdateEvent carries the relay state for SSE, MQTT, HomeKit and metrics subscribers.
type StateUpdateEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Name        string    `json:"name"`
	Backend     string    `json:"backend"`
	On          bool      `json:"state"`
	LastUpdated time.Time `json:"last_updated"`
}

// CommandType represents supported relay commands.
type CommandType string

const (
	// CommandTypeSetPower drives the relay to the requested state.
	CommandTypeSetPower CommandType = "set_power"
	// CommandTypeIgnored records a request whose token was neither "on" nor "off".
	CommandTypeIgnored CommandType = "ignored"
)

// CommandEvent captures a requested control action.
type CommandEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	Source      string      `json:"source"`
	CommandType CommandType `json:"command_type"`
	On          *bool       `json:"on,omitempty"`
}

// ErrorEvent is emitted when the relay backend rejects a command.
type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
}

// Equals determines whether two events carry the same logical state (ignoring timestamp/source).
func (e StateUpdateEvent) Equals(other StateUpdateEvent) bool {
	return e.Name == other.Name &&
		e.Backend == other.Backend &&
		e.On == other.On &&
		e.LastUpdated.Equal(other.LastUpdated)
}

// ConnectionStatusEvent conveys component lifecycle information (web, HAP, MQTT, etc.).
type ConnectionStatusEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Component string           `json:"component"`
	Status    ConnectionStatus `json:"status"`
	Error     string           `json:"error"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// AllConnectionStatuses lists every status in display order.
var AllConnectionStatuses = []ConnectionStatus{
	ConnectionStatusDisconnected,
	ConnectionStatusConnecting,
	ConnectionStatusConnected,
	ConnectionStatusFailed,
}
