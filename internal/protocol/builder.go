package protocol

import (
	"encoding/json"
	"fmt"
)

// AuthPayload is carried by the auth envelope.
type AuthPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token,omitempty"`
}

// RejoinPayload is carried by the rejoin_table envelope.
type RejoinPayload struct {
	SessionID string `json:"sessionId"`
	TableID   string `json:"tableId"`
	Position  *int   `json:"position,omitempty"`
}

// TablePayload is carried by join_table and leave_table.
type TablePayload struct {
	TableID  string `json:"tableId"`
	Position *int   `json:"position,omitempty"`
}

// ChipsUpdatePayload is the balance update pushed by the server.
type ChipsUpdatePayload struct {
	UserID  string `json:"userId,omitempty"`
	Balance int64  `json:"balance"`
	Delta   int64  `json:"delta,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorPayload is the body of a server error envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Build creates an envelope of the given type with a JSON-encoded payload.
// A nil payload produces an envelope without a payload field.
func Build(tag Tag, payload interface{}) (Envelope, error) {
	env := Envelope{Type: tag}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("failed to build %s envelope: %w", tag, err)
	}
	env.Payload = data
	return env, nil
}

// BuildAuth creates the authentication envelope sent first on every socket.
func BuildAuth(userID, sessionID, token string) (Envelope, error) {
	if userID == "" {
		return Envelope{}, fmt.Errorf("auth envelope requires a user id")
	}
	return Build(TagAuth, AuthPayload{UserID: userID, SessionID: sessionID, Token: token})
}

// BuildRejoin creates the resume envelope for a previously active table.
func BuildRejoin(sessionID, tableID string, position *int) (Envelope, error) {
	if tableID == "" {
		return Envelope{}, fmt.Errorf("rejoin envelope requires a table id")
	}
	return Build(TagRejoinTable, RejoinPayload{SessionID: sessionID, TableID: tableID, Position: position})
}

// BuildJoinTable creates a join_table envelope.
func BuildJoinTable(tableID string, position *int) (Envelope, error) {
	if tableID == "" {
		return Envelope{}, fmt.Errorf("join_table envelope requires a table id")
	}
	return Build(TagJoinTable, TablePayload{TableID: tableID, Position: position})
}

// BuildLeaveTable creates a leave_table envelope.
func BuildLeaveTable(tableID string) (Envelope, error) {
	return Build(TagLeaveTable, TablePayload{TableID: tableID})
}

// BuildGameAction wraps an opaque game-engine command. The payload is
// forwarded untouched.
func BuildGameAction(payload json.RawMessage) (Envelope, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return Envelope{}, fmt.Errorf("game_action payload is not valid JSON")
	}
	return Build(TagGameAction, payload)
}

// BuildPing creates the liveness probe.
func BuildPing() Envelope {
	return Envelope{Type: TagClientPing}
}

// BuildPong creates the reply to a server-initiated ping.
func BuildPong() Envelope {
	return Envelope{Type: TagPong}
}
