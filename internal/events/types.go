// Package events defines the lifecycle notifications published by the
// session layer and the bus that carries them.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventStateChanged       EventType = "state_changed"
	EventConnected          EventType = "connected"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventHeartbeatTimeout   EventType = "heartbeat_timeout"

	// Terminal outcomes
	EventReconnectExhausted EventType = "reconnect_exhausted"
	EventSessionExpired     EventType = "session_expired"
	EventAuthRejected       EventType = "auth_rejected"

	// Server-reported problems
	EventServerError   EventType = "server_error"
	EventFrameMalformed EventType = "frame_malformed"

	// Periodic reports
	EventStatus        EventType = "status"
	EventHealthWarning EventType = "health_warning"

	// System events
	EventShutdown EventType = "shutdown"
)

// IsTerminal reports whether the event ends a reconnection streak for good.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventReconnectExhausted, EventSessionExpired, EventAuthRejected:
		return true
	}
	return false
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// StateChangedPayload accompanies EventStateChanged.
type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConnectedPayload accompanies EventConnected.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Resumed   bool   `json:"resumed"`
	TableID   string `json:"table_id,omitempty"`
}

// ReconnectPayload accompanies EventReconnectScheduled and the terminal
// reconnection outcomes.
type ReconnectPayload struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	Downtime    time.Duration `json:"downtime"`
}

// ServerErrorPayload accompanies EventAuthRejected and EventServerError.
type ServerErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// FrameMalformedPayload accompanies EventFrameMalformed.
type FrameMalformedPayload struct {
	Size  int    `json:"size"`
	Error string `json:"error"`
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	State            string  `json:"state"`
	SessionID        string  `json:"session_id"`
	TableID          string  `json:"table_id,omitempty"`
	Attempts         int     `json:"attempts"`
	Reconnecting     bool    `json:"reconnecting"`
	RetryPending     bool    `json:"retry_pending"`
	HeartbeatRunning bool    `json:"heartbeat_running"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
}

// HealthWarningPayload accompanies EventHealthWarning.
type HealthWarningPayload struct {
	Check   string `json:"check"`
	Level   string `json:"level"`
	Message string `json:"message"`
}
