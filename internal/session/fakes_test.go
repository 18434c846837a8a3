package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/network"
	"github.com/tablelink-project/tablelink/internal/protocol"
)

// fakeSocket records outbound frames and lets tests inject inbound events.
type fakeSocket struct {
	mu        sync.Mutex
	sent      []protocol.Envelope
	closed    bool
	closeCode int
	aborted   bool

	events chan network.Event
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan network.Event, 64)}
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return network.ErrSocketClosed
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.mu.Unlock()
	s.finish(network.Event{Kind: network.EventClosed, Code: code, Local: true})
	return nil
}

func (s *fakeSocket) Abort() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.aborted = true
	s.mu.Unlock()
	s.finish(network.Event{Kind: network.EventClosed, Code: network.CloseAbnormal, Local: true})
	return nil
}

func (s *fakeSocket) Events() <-chan network.Event {
	return s.events
}

func (s *fakeSocket) finish(ev network.Event) {
	s.once.Do(func() {
		s.events <- ev
		close(s.events)
	})
}

// deliver injects an inbound frame.
func (s *fakeSocket) deliver(frame string) {
	s.events <- network.Event{Kind: network.EventMessage, Data: []byte(frame)}
}

func (s *fakeSocket) deliverEnvelope(tag protocol.Tag, payload interface{}) {
	env, err := protocol.Build(tag, payload)
	if err != nil {
		panic(err)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		panic(err)
	}
	s.deliver(string(data))
}

// serverClose simulates the server dropping the connection with code.
func (s *fakeSocket) serverClose(code int) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.finish(network.Event{Kind: network.EventClosed, Code: code, Reason: "server gone"})
}

func (s *fakeSocket) transportError() {
	s.events <- network.Event{Kind: network.EventError, Err: errors.New("connection reset by peer")}
}

func (s *fakeSocket) sentTypes() []protocol.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]protocol.Tag, 0, len(s.sent))
	for _, env := range s.sent {
		tags = append(tags, env.Type)
	}
	return tags
}

func (s *fakeSocket) sentEnvelope(i int) protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[i]
}

func (s *fakeSocket) state() (closed bool, code int, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode, s.aborted
}

// fakeDialer hands out fake sockets, failing the first fail dials or every
// dial when failAll is set.
type fakeDialer struct {
	mu      sync.Mutex
	fail    int
	failAll bool
	dials   int
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (network.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.fail > 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) setFail(n int, all bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
	d.failAll = all
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockets:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no socket dialed")
	}
	return nil
}

// busRecorder captures every event published on a bus.
type busRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordBus(bus *events.EventBus) *busRecorder {
	r := &busRecorder{}
	for _, t := range []events.EventType{
		events.EventStateChanged,
		events.EventConnected,
		events.EventReconnectScheduled,
		events.EventReconnectExhausted,
		events.EventSessionExpired,
		events.EventAuthRejected,
		events.EventServerError,
		events.EventHeartbeatTimeout,
		events.EventFrameMalformed,
		events.EventShutdown,
	} {
		bus.Subscribe(t, "recorder", func(ctx context.Context, ev events.Event) error {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

func (r *busRecorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *busRecorder) last(t events.EventType) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

func decodePayload(t *testing.T, env protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, v))
}
