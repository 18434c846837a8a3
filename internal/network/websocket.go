package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/util"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 256
	defaultReadLimit        = 1 << 20
	eventBuffer             = 64
)

// WSDialer opens WebSocket sockets to the game server.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	ReadLimit        int64
}

// NewWSDialer creates a dialer with default timeouts.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		SendBuffer:       defaultSendBuffer,
		ReadLimit:        defaultReadLimit,
	}
}

// Dial connects to url and starts the read and write pumps.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	s := newWSSocket(conn, d)
	go s.readPump()
	go s.writePump()

	s.logger.Debug().Str("url", url).Msg("socket opened")
	return s, nil
}

// wsSocket adapts a gorilla connection to the Socket interface. Writes go
// through a single pump goroutine so frames leave in the order they were queued.
type wsSocket struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeTimeout time.Duration
	readLimit    int64

	send   chan []byte
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	localCode int
	stopOnce  sync.Once
}

func newWSSocket(conn *websocket.Conn, d *WSDialer) *wsSocket {
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	sendBuffer := d.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	return &wsSocket{
		conn:         conn,
		logger:       util.ComponentLogger("socket").With().Str("remote", conn.RemoteAddr().String()).Logger(),
		writeTimeout: writeTimeout,
		readLimit:    readLimit,
		send:         make(chan []byte, sendBuffer),
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
	}
}

func (s *wsSocket) Events() <-chan Event {
	return s.events
}

func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSocketClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *wsSocket) Close(code int, reason string) error {
	if !s.markClosed(code) {
		return nil
	}

	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	s.stop()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

func (s *wsSocket) Abort() error {
	if !s.markClosed(CloseAbnormal) {
		return nil
	}
	s.stop()
	return nil
}

// markClosed flips the socket into the closed state. It returns false if the
// socket was already closed.
func (s *wsSocket) markClosed(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.localCode = code
	return true
}

func (s *wsSocket) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSocket) readPump() {
	defer func() {
		s.stop()
		close(s.events)
	}()

	s.conn.SetReadLimit(s.readLimit)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emitTerminal(err)
			return
		}
		s.events <- Event{Kind: EventMessage, Data: data}
	}
}

// emitTerminal translates a read error into the final events of the socket.
func (s *wsSocket) emitTerminal(err error) {
	s.mu.Lock()
	s.closed = true
	localCode := s.localCode
	s.mu.Unlock()

	if localCode != 0 {
		s.events <- Event{Kind: EventClosed, Code: localCode, Local: true}
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		s.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("server closed socket")
		s.events <- Event{Kind: EventClosed, Code: closeErr.Code, Reason: closeErr.Text}
		return
	}

	s.logger.Warn().Err(err).Msg("socket read failed")
	s.events <- Event{Kind: EventError, Err: err}
	s.events <- Event{Kind: EventClosed, Code: CloseAbnormal, Reason: err.Error()}
}

func (s *wsSocket) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Msg("socket write failed")
				s.conn.Close()
				return
			}
		}
	}
}

// Ensure wsSocket satisfies Socket.
var _ Socket = (*wsSocket)(nil)

// Ensure WSDialer satisfies Dialer.
var _ Dialer = (*WSDialer)(nil)
