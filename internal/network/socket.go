// Package network owns the single full-duplex connection to the game server
// and the local listener helpers used by the control API.
package network

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// Close codes used by the session layer.
const (
	CloseNormal    = websocket.CloseNormalClosure   // Caller-initiated disconnect
	CloseGoingAway = websocket.CloseGoingAway       // Process shutdown
	CloseAbnormal  = websocket.CloseAbnormalClosure // No close frame, connection lost
)

var (
	// ErrSocketClosed is returned when writing to a socket after Close or Abort.
	ErrSocketClosed = errors.New("socket is closed")

	// ErrSendBufferFull is returned when the outbound queue cannot take another frame.
	ErrSendBufferFull = errors.New("socket send buffer is full")
)

// EventKind classifies socket events.
type EventKind int

const (
	EventMessage EventKind = iota // A complete inbound frame
	EventError                    // Transport error, a close normally follows
	EventClosed                   // Terminal; always the last event
)

var eventKindStrings = map[EventKind]string{
	EventMessage: "message",
	EventError:   "error",
	EventClosed:  "closed",
}

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	if s, ok := eventKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a message passed from a socket to its owner. Events from one
// socket are delivered in the order they happened on the wire.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Code   int
	Reason string
	Local  bool // Close was initiated by this side (Close or Abort)
}

// Socket is one message-framed connection to the server. The events channel
// is closed after the EventClosed event has been delivered.
type Socket interface {
	// Send queues a frame for writing. It never blocks on the network.
	Send(data []byte) error

	// Close performs a clean close handshake with the given code.
	Close(code int, reason string) error

	// Abort drops the connection without a handshake.
	Abort() error

	// Events returns the inbound event stream.
	Events() <-chan Event
}

// Dialer opens sockets. It is the only way the session layer reaches the wire.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}
