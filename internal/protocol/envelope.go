// Package protocol implements the JSON envelope format exchanged between
// tablelink and the live game server. Every frame on the wire is a single
// WebSocket text message holding one Envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Tag identifies the kind of an envelope.
type Tag string

// Outgoing envelope tags (client -> game server).
const (
	TagAuth        Tag = "auth"         // First envelope on every fresh socket
	TagRejoinTable Tag = "rejoin_table" // Resume after a successful reconnection
	TagJoinTable   Tag = "join_table"
	TagLeaveTable  Tag = "leave_table"
	TagGameAction  Tag = "game_action" // Opaque game-engine command
	TagClientPing  Tag = "client_ping" // Liveness probe
)

// Incoming envelope tags (game server -> client).
const (
	TagGameState   Tag = "game_state"
	TagChipsUpdate Tag = "chips_update" // Balance-affecting update, order sensitive
	TagError       Tag = "error"
	TagServerPong  Tag = "server_pong"
)

// Liveness tags accepted in both directions.
const (
	TagPing Tag = "ping"
	TagPong Tag = "pong"
)

// MaxFrameSize is the largest inbound frame accepted from the server.
const MaxFrameSize = 1 << 20

// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

var knownTags = map[Tag]bool{
	TagAuth:        true,
	TagRejoinTable: true,
	TagJoinTable:   true,
	TagLeaveTable:  true,
	TagGameAction:  true,
	TagClientPing:  true,
	TagGameState:   true,
	TagChipsUpdate: true,
	TagError:       true,
	TagServerPong:  true,
	TagPing:        true,
	TagPong:        true,
}

// IsKnown reports whether the tag is part of the protocol this client speaks.
// Unknown tags are still delivered; servers may introduce new ones at any time.
func (t Tag) IsKnown() bool {
	return knownTags[t]
}

// IsLiveness reports whether the tag belongs to the heartbeat probe pair.
func (t Tag) IsLiveness() bool {
	switch t {
	case TagPing, TagPong, TagClientPing, TagServerPong:
		return true
	}
	return false
}

// IsReserved reports whether the tag is owned by the connection layer itself
// and must not be sent by callers.
func (t Tag) IsReserved() bool {
	return t == TagAuth || t == TagRejoinTable || t.IsLiveness()
}

// Envelope is a typed, timestamped unit of message exchange.
type Envelope struct {
	Type      Tag             `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
	SessionID string          `json:"sessionId,omitempty"`
}

// UnmarshalJSON decodes an envelope, accepting the timestamp as Unix
// milliseconds (integer or fractional) or an RFC 3339 string. A timestamp in
// any other shape is ignored rather than failing the frame.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Envelope(aux.plain)
	e.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		raw = []byte(s)
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return ms
	}
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return int64(f)
	}
	return 0
}

// Time returns the envelope timestamp, or the zero time if unset.
func (e Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// Stamp sets the timestamp and session id on the envelope.
func (e *Envelope) Stamp(now time.Time, sessionID string) {
	e.Timestamp = now.UnixMilli()
	if sessionID != "" {
		e.SessionID = sessionID
	}
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope into a wire frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope. Any failure wraps
// ErrMalformedFrame so callers can drop the frame without closing the socket.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if len(frame) > MaxFrameSize {
		return env, fmt.Errorf("%w: frame too large (%d bytes)", ErrMalformedFrame, len(frame))
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}
