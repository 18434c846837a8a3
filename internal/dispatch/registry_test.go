package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/protocol"
)

func frame(tag protocol.Tag, payload string) []byte {
	env := protocol.Envelope{Type: tag}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	data, _ := protocol.Encode(env)
	return data
}

func TestRegistry_DuplicateRegistrationDeliversOnce(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	h := func(env protocol.Envelope) { calls++ }
	r.Register(protocol.TagGameState, "table-view", h)
	r.Register(protocol.TagGameState, "table-view", h)

	_, err := r.DispatchFrame(frame(protocol.TagGameState, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.HandlerCount(protocol.TagGameState))
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	unsub := r.Register(protocol.TagGameState, "a", func(protocol.Envelope) {})
	unsub()
	unsub()
	r.Unregister(protocol.TagGameState, "never-registered")

	assert.Equal(t, 0, r.HandlerCount(protocol.TagGameState))
}

func TestRegistry_LocalHandlersShadowGlobal(t *testing.T) {
	r := NewRegistry(nil)

	var got []string
	r.Register(protocol.TagChipsUpdate, "balance", func(protocol.Envelope) { got = append(got, "global") })

	unit := r.Unit("slots-page")
	_, err := unit.Register(protocol.TagChipsUpdate, "balance", func(protocol.Envelope) { got = append(got, "local") })
	require.NoError(t, err)

	r.Dispatch(protocol.Envelope{Type: protocol.TagChipsUpdate})
	assert.Equal(t, []string{"local"}, got)

	unit.Close()
	r.Dispatch(protocol.Envelope{Type: protocol.TagChipsUpdate})
	assert.Equal(t, []string{"local", "global"}, got)

	_, err = unit.Register(protocol.TagChipsUpdate, "late", func(protocol.Envelope) {})
	assert.ErrorIs(t, err, ErrUnitClosed)
}

func TestRegistry_UnitNameReturnsLiveUnit(t *testing.T) {
	r := NewRegistry(nil)

	var got []string
	first := r.Unit("lobby")
	second := r.Unit("lobby")
	require.Same(t, first, second)

	unsub, err := first.Register(protocol.TagGameState, "table-list", func(protocol.Envelope) { got = append(got, "first") })
	require.NoError(t, err)

	second.Close()
	_, err = first.Register(protocol.TagGameState, "late", func(protocol.Envelope) {})
	assert.ErrorIs(t, err, ErrUnitClosed, "closing through one handle closes the shared unit")
	assert.Equal(t, 0, r.HandlerCount(protocol.TagGameState))

	fresh := r.Unit("lobby")
	require.NotSame(t, first, fresh)
	_, err = fresh.Register(protocol.TagGameState, "table-list", func(protocol.Envelope) { got = append(got, "fresh") })
	require.NoError(t, err)

	unsub()
	r.Dispatch(protocol.Envelope{Type: protocol.TagGameState})
	assert.Equal(t, []string{"fresh"}, got, "stale unsubscribe leaves the new unit alone")
}

func TestRegistry_MalformedFrameDoesNotStopDispatch(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(m)

	var balances []int64
	r.Register(protocol.TagChipsUpdate, "balance", func(env protocol.Envelope) {
		var p protocol.ChipsUpdatePayload
		require.NoError(t, env.DecodePayload(&p))
		balances = append(balances, p.Balance)
	})

	_, err := r.DispatchFrame(frame(protocol.TagChipsUpdate, `{"balance":100}`))
	require.NoError(t, err)

	_, err = r.DispatchFrame([]byte(`{"type":"chips_update","payload":`))
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)

	_, err = r.DispatchFrame(frame(protocol.TagChipsUpdate, `{"balance":90}`))
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 90}, balances)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedFramesCounter()))
}

func TestRegistry_PreservesArrivalOrder(t *testing.T) {
	r := NewRegistry(nil)

	var seen []int64
	r.Register(protocol.TagChipsUpdate, "ledger", func(env protocol.Envelope) {
		var p protocol.ChipsUpdatePayload
		_ = env.DecodePayload(&p)
		seen = append(seen, p.Balance)
	})

	for i := 0; i < 50; i++ {
		_, err := r.DispatchFrame(frame(protocol.TagChipsUpdate, fmt.Sprintf(`{"balance":%d}`, i)))
		require.NoError(t, err)
	}

	require.Len(t, seen, 50)
	for i, v := range seen {
		assert.Equal(t, int64(i), v)
	}
}

func TestRegistry_InterceptorConsumesInfrastructureTags(t *testing.T) {
	r := NewRegistry(nil)

	intercepted := 0
	forwarded := 0
	r.Intercept(protocol.TagPong, func(protocol.Envelope) { intercepted++ })
	r.Register(protocol.TagPong, "app", func(protocol.Envelope) { forwarded++ })

	r.Dispatch(protocol.Envelope{Type: protocol.TagPong})
	assert.Equal(t, 1, intercepted)
	assert.Equal(t, 0, forwarded)

	r.Intercept(protocol.TagPong, nil)
	r.Dispatch(protocol.Envelope{Type: protocol.TagPong})
	assert.Equal(t, 1, forwarded)
}

func TestRegistry_UnknownTagGoesToSink(t *testing.T) {
	r := NewRegistry(nil)

	var sunk []protocol.Tag
	r.SetSink(func(env protocol.Envelope) { sunk = append(sunk, env.Type) })

	_, err := r.DispatchFrame(frame("tournament_bracket", `{"round":2}`))
	require.NoError(t, err)
	assert.Equal(t, []protocol.Tag{"tournament_bracket"}, sunk)

	r.SetSink(nil)
	assert.NotPanics(t, func() { r.Dispatch(protocol.Envelope{Type: "another_new_tag"}) })
}

func TestRegistry_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)

	reached := false
	r.Register(protocol.TagGameState, "broken", func(protocol.Envelope) { panic("render failed") })
	r.Register(protocol.TagGameState, "healthy", func(protocol.Envelope) { reached = true })

	assert.NotPanics(t, func() { r.Dispatch(protocol.Envelope{Type: protocol.TagGameState}) })
	assert.True(t, reached)
}

func TestRegistry_RegisterDuringDispatchAppliesToNextMessage(t *testing.T) {
	r := NewRegistry(nil)

	lateCalls := 0
	r.Register(protocol.TagGameState, "first", func(protocol.Envelope) {
		r.Register(protocol.TagGameState, "late", func(protocol.Envelope) { lateCalls++ })
	})

	r.Dispatch(protocol.Envelope{Type: protocol.TagGameState})
	assert.Equal(t, 0, lateCalls)

	r.Dispatch(protocol.Envelope{Type: protocol.TagGameState})
	assert.Equal(t, 1, lateCalls)
}

func TestRegistry_ConcurrentRegisterAndDispatch(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(protocol.TagGameState, "base", func(protocol.Envelope) {})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				name := fmt.Sprintf("h-%d-%d", i, j)
				unsub := r.Register(protocol.TagGameState, name, func(protocol.Envelope) {})
				unsub()
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Dispatch(protocol.Envelope{Type: protocol.TagGameState})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.HandlerCount(protocol.TagGameState))
}
