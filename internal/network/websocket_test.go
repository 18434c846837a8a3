package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestServer runs handler for every upgraded connection.
func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, s Socket) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket event")
	}
	return Event{}
}

func TestWSSocket_EchoPreservesOrder(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	s, err := NewWSDialer().Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer s.Abort()

	frames := []string{`{"type":"auth"}`, `{"type":"rejoin_table"}`, `{"type":"client_ping"}`}
	for _, f := range frames {
		require.NoError(t, s.Send([]byte(f)))
	}

	for _, want := range frames {
		ev := nextEvent(t, s)
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, want, string(ev.Data))
	}
}

func TestWSSocket_ServerCloseReportsCode(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4001, "table closed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.ReadMessage()
	})

	s, err := NewWSDialer().Dial(context.Background(), url, nil)
	require.NoError(t, err)

	ev := nextEvent(t, s)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, 4001, ev.Code)
	assert.Equal(t, "table closed", ev.Reason)
	assert.False(t, ev.Local)

	_, ok := <-s.Events()
	assert.False(t, ok, "events channel must be closed after EventClosed")
}

func TestWSSocket_LocalCloseIsReportedAsLocal(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := NewWSDialer().Dial(context.Background(), url, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close(CloseNormal, "bye"))

	ev := nextEvent(t, s)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, CloseNormal, ev.Code)
	assert.True(t, ev.Local)

	assert.ErrorIs(t, s.Send([]byte(`{"type":"ping"}`)), ErrSocketClosed)
	assert.NoError(t, s.Close(CloseNormal, "again"), "second close is a no-op")
}

func TestWSDialer_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewWSDialer().Dial(ctx, "ws://127.0.0.1:1/nowhere", nil)
	assert.Error(t, err)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "message", EventMessage.String())
	assert.Equal(t, "closed", EventClosed.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}
