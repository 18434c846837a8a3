package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/dispatch"
	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/heartbeat"
	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/network"
	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/reconnect"
	"github.com/tablelink-project/tablelink/internal/store"
	"github.com/tablelink-project/tablelink/internal/util"
)

const eventSource = "session"

var (
	// ErrNotOpen is returned by Send and friends when the connection is not open.
	ErrNotOpen = errors.New("connection is not open")
	// ErrNoUser is returned by Connect without a user id.
	ErrNoUser = store.ErrNoUser
	// ErrNoTable is returned by LeaveTable when no table is active.
	ErrNoTable = errors.New("no active table")
	// ErrReservedTag is returned by Send for tags the manager sends itself.
	ErrReservedTag = errors.New("envelope type is reserved")
)

// Options configures a Manager.
type Options struct {
	Endpoint    string
	Token       string
	UserAgent   string
	DialTimeout time.Duration
	// ErrorGrace is how long a socket error may go without a close event
	// before the manager treats the connection as lost.
	ErrorGrace time.Duration
	Heartbeat  heartbeat.Config
	Policy     reconnect.Policy
}

// DefaultOptions returns options with the standard timings.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:    endpoint,
		UserAgent:   "tablelink",
		DialTimeout: 10 * time.Second,
		ErrorGrace:  2 * time.Second,
		Heartbeat:   heartbeat.DefaultConfig(),
		Policy:      reconnect.DefaultPolicy(),
	}
}

// Snapshot is a point-in-time view of the manager for status surfaces.
type Snapshot struct {
	State            State            `json:"state"`
	Session          store.Session    `json:"session"`
	HeartbeatRunning bool             `json:"heartbeat_running"`
	LastAck          time.Time        `json:"last_ack"`
	RetryPending     bool             `json:"retry_pending"`
	Policy           reconnect.Policy `json:"policy"`
	// Chips is the last chips_update received for this session, if any.
	Chips *protocol.ChipsUpdatePayload `json:"chips,omitempty"`
}

// Manager owns one logical connection to the game server.
//
// All state transitions happen under mu. Each socket has a single pump
// goroutine that feeds its events to the manager in order. Socket events
// and timer callbacks carry the generation or token they were armed with
// and are dropped once it is stale. Bus notifications and socket closes
// are queued under mu and flushed after it is released.
type Manager struct {
	opts       Options
	dialer     network.Dialer
	store      *store.Store
	registry   *dispatch.Registry
	heartbeat  *heartbeat.Monitor
	controller *reconnect.Controller
	bus        *events.EventBus
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu         sync.Mutex
	state      State
	sock       network.Socket
	gen        uint64
	retryToken uint64
	dialCancel context.CancelFunc
	graceTimer *time.Timer
	resuming   bool

	// awaitingReply is set after auth until the first non-liveness frame.
	awaitingReply bool
	chips         *protocol.ChipsUpdatePayload

	outbox  []events.Event
	toClose []closeRequest
	flushMu sync.Mutex
}

// NewManager creates a disconnected manager. bus and m may be nil.
func NewManager(opts Options, dialer network.Dialer, st *store.Store, bus *events.EventBus, m *metrics.Metrics) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ErrorGrace <= 0 {
		opts.ErrorGrace = 2 * time.Second
	}

	mgr := &Manager{
		opts:       opts,
		dialer:     dialer,
		store:      st,
		registry:   dispatch.NewRegistry(m),
		heartbeat:  heartbeat.New(opts.Heartbeat, m),
		controller: reconnect.New(opts.Policy, st, m),
		bus:        bus,
		metrics:    m,
		logger:     util.ComponentLogger("session"),
	}
	mgr.heartbeat.Intercept(mgr.registry)
	m.SetState(StateDisconnected.String(), AllStates())
	return mgr
}

// Registry returns the dispatch registry inbound envelopes are delivered to.
func (m *Manager) Registry() *dispatch.Registry {
	return m.registry
}

// Store returns the session store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Controller returns the reconnection controller.
func (m *Manager) Controller() *reconnect.Controller {
	return m.controller
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state together with the session record.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	state := m.state
	var chips *protocol.ChipsUpdatePayload
	if m.chips != nil {
		c := *m.chips
		chips = &c
	}
	m.mu.Unlock()

	return Snapshot{
		State:            state,
		Session:          m.store.Get(),
		HeartbeatRunning: m.heartbeat.Running(),
		LastAck:          m.heartbeat.LastAck(),
		RetryPending:     m.controller.Pending(),
		Policy:           m.controller.Policy(),
		Chips:            chips,
	}
}

// Subscribe registers a process-wide handler for tag.
func (m *Manager) Subscribe(tag protocol.Tag, name string, h dispatch.Handler) dispatch.Unsubscribe {
	return m.registry.Register(tag, name, h)
}

// Unit returns a local subscription scope. Local handlers shadow global
// handlers for the same tag until the unit is closed.
func (m *Manager) Unit(name string) *dispatch.Unit {
	return m.registry.Unit(name)
}

// Connect starts connecting as userID. It returns immediately; progress is
// reported through state changes on the event bus. Connect is a no-op while
// a connection is open or being established, including while a retry is
// pending. Otherwise it starts a fresh attempt counter.
func (m *Manager) Connect(userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	m.mu.Lock()
	if m.state.Active() {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug().Str("state", state.String()).Msg("connect ignored, connection already active")
		return nil
	}

	m.controller.Reset()
	prev := m.store.Get().SessionID
	if _, err := m.store.Bind(userID); err != nil {
		m.logger.Warn().Err(err).Msg("session binding not persisted")
	}
	if m.store.Get().SessionID != prev {
		m.chips = nil
	}

	m.resuming = false
	m.setState(StateConnecting)
	m.dialLocked()
	m.mu.Unlock()

	m.flush()
	m.logger.Info().Str("user_id", userID).Str("endpoint", m.opts.Endpoint).Msg("connecting")
	return nil
}

// Disconnect closes the connection cleanly and cancels any pending retry
// and heartbeat. It never triggers reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && !m.controller.Pending() {
		m.mu.Unlock()
		return
	}
	m.closeLocked(network.CloseNormal, "client disconnect")
	m.mu.Unlock()

	m.flush()
	m.logger.Info().Msg("disconnected by caller")
}

// Logout disconnects and discards the session, replacing it with a fresh
// session id.
func (m *Manager) Logout() (store.Session, error) {
	m.Disconnect()
	m.controller.Reset()
	m.mu.Lock()
	m.chips = nil
	m.mu.Unlock()
	sess, err := m.store.Reset()
	if err != nil {
		return sess, fmt.Errorf("failed to reset session: %w", err)
	}
	return sess, nil
}

// Shutdown disconnects with a going-away close and announces shutdown on the bus.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state != StateDisconnected || m.controller.Pending() {
		m.closeLocked(network.CloseGoingAway, "client shutdown")
	}
	m.notify(events.EventShutdown, nil)
	m.mu.Unlock()

	m.flush()
}

// Send writes env to the server. It fails with ErrNotOpen unless the
// connection is open; nothing is queued for later. Tags the manager owns
// (auth, rejoin_table and the liveness probes) are refused with ErrReservedTag.
func (m *Manager) Send(env protocol.Envelope) error {
	if env.Type.IsReserved() {
		m.metrics.SendFailure(string(env.Type))
		return fmt.Errorf("%w: %s", ErrReservedTag, env.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen {
		m.metrics.SendFailure(string(env.Type))
		return ErrNotOpen
	}
	if err := m.writeLocked(env); err != nil {
		m.metrics.SendFailure(string(env.Type))
		return err
	}
	return nil
}

// JoinTable sends join_table and records the table as active.
func (m *Manager) JoinTable(tableID string, position *int) error {
	env, err := protocol.BuildJoinTable(tableID, position)
	if err != nil {
		return err
	}
	if err := m.Send(env); err != nil {
		return err
	}

	_, err = m.store.Update(store.Patch{
		LastActiveTableID: store.Ptr(tableID),
		LastPosition:      position,
		ClearPosition:     position == nil,
	})
	return err
}

// LeaveTable sends leave_table for the active table and forgets it.
func (m *Manager) LeaveTable() error {
	sess := m.store.Get()
	if !sess.HasTable() {
		return ErrNoTable
	}

	env, err := protocol.BuildLeaveTable(sess.LastActiveTableID)
	if err != nil {
		return err
	}
	if err := m.Send(env); err != nil {
		return err
	}

	_, err = m.store.Update(store.Patch{LastActiveTableID: store.Ptr(""), ClearPosition: true})
	return err
}

// GameAction forwards an opaque game-engine command.
func (m *Manager) GameAction(payload json.RawMessage) error {
	env, err := protocol.BuildGameAction(payload)
	if err != nil {
		return err
	}
	return m.Send(env)
}

// TrackNavigation records where the user is so a resume can restore it.
// It works in any state.
func (m *Manager) TrackNavigation(page string, position *int) (store.Session, error) {
	return m.store.Update(store.Patch{LastActivePage: store.Ptr(page), LastPosition: position})
}

// dialLocked starts an asynchronous dial for a new socket generation.
func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.dialCancel = cancel

	header := http.Header{}
	if m.opts.UserAgent != "" {
		header.Set("User-Agent", m.opts.UserAgent)
	}

	go m.dial(ctx, cancel, gen, header)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, header http.Header) {
	sock, err := m.dialer.Dial(ctx, m.opts.Endpoint, header)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if sock != nil {
			sock.Abort()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Info().Err(err).Msg("dial failed")
		m.lostLocked()
	} else {
		m.sock = sock
		go m.pump(sock, gen)
		m.openedLocked(gen)
	}
	m.mu.Unlock()

	m.flush()
}

// openedLocked runs the open sequence: auth, then rejoin when resuming,
// then Open with the heartbeat running.
func (m *Manager) openedLocked(gen uint64) {
	m.setState(StateAuthenticating)

	sess := m.store.Get()
	auth, err := protocol.BuildAuth(sess.UserID, sess.SessionID, m.opts.Token)
	if err == nil {
		err = m.writeLocked(auth)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to send auth")
		m.lostLocked()
		return
	}

	resumed := false
	if m.resuming && sess.HasTable() {
		rejoin, err := protocol.BuildRejoin(sess.SessionID, sess.LastActiveTableID, sess.LastPosition)
		if err == nil {
			err = m.writeLocked(rejoin)
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to send rejoin")
			m.lostLocked()
			return
		}
		resumed = true
	}
	m.resuming = false

	m.controller.MarkConnected()
	m.awaitingReply = true
	m.setState(StateOpen)

	sock := m.sock
	m.heartbeat.Start(m.probeSender(sock), func() { m.onHeartbeatTimeout(gen) })

	m.notify(events.EventConnected, events.ConnectedPayload{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Resumed:   resumed,
		TableID:   sess.LastActiveTableID,
	})
	m.logger.Info().
		Str("session_id", sess.SessionID).
		Bool("resumed", resumed).
		Str("table_id", sess.LastActiveTableID).
		Msg("connection open")
}

// probeSender writes heartbeat traffic straight to sock, bypassing the
// manager lock.
func (m *Manager) probeSender(sock network.Socket) heartbeat.Sender {
	return func(env protocol.Envelope) error {
		env.Stamp(time.Now(), m.store.Get().SessionID)
		data, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		return sock.Send(data)
	}
}

func (m *Manager) writeLocked(env protocol.Envelope) error {
	if m.sock == nil {
		return ErrNotOpen
	}
	env.Stamp(time.Now(), m.store.Get().SessionID)
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := m.sock.Send(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

func (m *Manager) pump(sock network.Socket, gen uint64) {
	for ev := range sock.Events() {
		switch ev.Kind {
		case network.EventMessage:
			m.handleFrame(gen, ev.Data)
		case network.EventError:
			m.handleSocketError(gen, ev.Err)
		case network.EventClosed:
			m.handleSocketClosed(gen, ev)
		}
	}
}

func (m *Manager) handleFrame(gen uint64, frame []byte) {
	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}

	env, err := m.registry.Parse(frame)
	if err != nil {
		m.mu.Lock()
		m.notify(events.EventFrameMalformed, events.FrameMalformedPayload{Size: len(frame), Error: err.Error()})
		m.mu.Unlock()
		m.flush()
		return
	}

	if !env.Type.IsLiveness() {
		m.mu.Lock()
		if gen == m.gen {
			m.firstReplyLocked(env)
			if env.Type == protocol.TagChipsUpdate {
				m.recordChipsLocked(env)
			}
		}
		m.mu.Unlock()
		m.flush()
	}

	m.registry.Dispatch(env)
}

// firstReplyLocked classifies server error envelopes. An error in reply to
// auth is a rejection and ends the connection without retry.
func (m *Manager) firstReplyLocked(env protocol.Envelope) {
	first := m.awaitingReply
	m.awaitingReply = false
	if env.Type != protocol.TagError {
		return
	}

	var p protocol.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		p.Message = string(env.Payload)
	}
	payload := events.ServerErrorPayload{Code: p.Code, Message: p.Message}

	if first {
		m.logger.Error().Str("code", p.Code).Str("message", p.Message).Msg("authentication rejected")
		m.closeLocked(network.CloseNormal, "authentication rejected")
		m.notify(events.EventAuthRejected, payload)
		return
	}

	m.logger.Error().Str("code", p.Code).Str("message", p.Message).Msg("server reported error")
	m.notify(events.EventServerError, payload)
}

func (m *Manager) recordChipsLocked(env protocol.Envelope) {
	var p protocol.ChipsUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		m.logger.Debug().Err(err).Msg("chips_update without a readable balance")
		return
	}
	m.chips = &p
}

func (m *Manager) handleSocketError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.graceTimer != nil {
		return
	}
	m.logger.Debug().Err(err).Dur("grace", m.opts.ErrorGrace).Msg("socket error, waiting for close")
	m.graceTimer = time.AfterFunc(m.opts.ErrorGrace, func() { m.onGraceExpired(gen) })
}

func (m *Manager) onGraceExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.graceTimer = nil
	m.logger.Info().Msg("no close after socket error, treating connection as lost")
	m.lostLocked()
	m.mu.Unlock()

	m.flush()
}

func (m *Manager) handleSocketClosed(gen uint64, ev network.Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Msg("connection lost")
	m.lostLocked()
	m.mu.Unlock()

	m.flush()
}

func (m *Manager) onHeartbeatTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.notify(events.EventHeartbeatTimeout, nil)
	m.lostLocked()
	m.mu.Unlock()

	m.flush()
}

// lostLocked tears down the current socket after a failure the caller did
// not ask for and hands over to the reconnection controller.
func (m *Manager) lostLocked() {
	m.heartbeat.Stop()
	m.stopGraceLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.sock != nil {
		m.sock.Abort()
		m.sock = nil
	}
	m.gen++
	m.awaitingReply = false

	m.setState(StateError)
	m.controller.MarkDisconnected()
	m.scheduleLocked()
}

func (m *Manager) scheduleLocked() {
	m.retryToken++
	token := m.retryToken

	d := m.controller.Schedule(
		func(attempt int) { m.onRetry(token, attempt) },
		func() { m.onRetryExpired(token) },
	)

	payload := events.ReconnectPayload{
		Attempt:     d.Attempt,
		MaxAttempts: m.opts.Policy.MaxAttempts,
		Delay:       d.Delay,
		Downtime:    d.Downtime,
	}

	switch d.Outcome {
	case reconnect.OutcomeScheduled:
		m.setState(StateReconnecting)
		m.notify(events.EventReconnectScheduled, payload)
	case reconnect.OutcomePending:
		m.setState(StateReconnecting)
	case reconnect.OutcomeExhausted:
		m.setState(StateDisconnected)
		m.notify(events.EventReconnectExhausted, payload)
	case reconnect.OutcomeExpired:
		m.setState(StateDisconnected)
		m.notify(events.EventSessionExpired, payload)
	}
}

func (m *Manager) onRetry(token uint64, attempt int) {
	m.mu.Lock()
	if token != m.retryToken || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.logger.Info().Int("attempt", attempt).Msg("reconnecting")
	m.resuming = true
	m.setState(StateConnecting)
	m.dialLocked()
	m.mu.Unlock()

	m.flush()
}

func (m *Manager) onRetryExpired(token uint64) {
	m.mu.Lock()
	if token != m.retryToken || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	sess := m.store.Get()
	m.setState(StateDisconnected)
	m.notify(events.EventSessionExpired, events.ReconnectPayload{
		Attempt:     sess.ReconnectAttempts,
		MaxAttempts: m.opts.Policy.MaxAttempts,
		Downtime:    time.Since(sess.LastDisconnectTime),
	})
	m.mu.Unlock()

	m.flush()
}

// closeLocked performs a caller-initiated close: everything pending is
// cancelled and the socket is closed with code once mu is released.
func (m *Manager) closeLocked(code int, reason string) {
	m.setState(StateClosing)

	m.retryToken++
	m.controller.Cancel()
	m.heartbeat.Stop()
	m.stopGraceLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.sock != nil {
		sock := m.sock
		m.sock = nil
		m.toClose = append(m.toClose, closeRequest{sock: sock, code: code, reason: reason})
	}
	m.gen++
	m.resuming = false
	m.awaitingReply = false

	m.setState(StateDisconnected)
}

func (m *Manager) stopGraceLocked() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	from := m.state
	m.state = s
	m.metrics.SetState(s.String(), AllStates())
	m.logger.Debug().Str("from", from.String()).Str("to", s.String()).Msg("state changed")
	m.notify(events.EventStateChanged, events.StateChangedPayload{From: from.String(), To: s.String()})
}

// notify queues a bus event. Must be called with mu held.
func (m *Manager) notify(t events.EventType, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.outbox = append(m.outbox, events.Event{Type: t, Source: eventSource, Payload: payload})
}

// flush publishes queued events and performs queued socket closes. It must
// be called without mu held. flushMu keeps queued events in order across
// goroutines.
func (m *Manager) flush() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	out := m.outbox
	closes := m.toClose
	m.outbox = nil
	m.toClose = nil
	m.mu.Unlock()

	for _, c := range closes {
		if err := c.sock.Close(c.code, c.reason); err != nil {
			m.logger.Debug().Err(err).Msg("close handshake failed")
		}
	}
	for _, ev := range out {
		m.bus.Emit(context.Background(), ev)
	}
}

type closeRequest struct {
	sock   network.Socket
	code   int
	reason string
}
