// Package dispatch routes inbound envelopes to subscribers by message type.
//
// Handlers live in one of two scopes. Global handlers are registered on the
// Registry and outlive any consumer. Local handlers belong to a named Unit and
// are dropped when the unit closes. For a given type, if any local handler is
// registered the global ones are skipped, so each message has exactly one
// effective handler path.
package dispatch

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/util"
)

// Handler receives a decoded envelope.
type Handler func(env protocol.Envelope)

// Unsubscribe removes the registration it was returned for. Calling it more
// than once is harmless.
type Unsubscribe func()

const globalScope = ""

type entry struct {
	unit    string
	name    string
	handler Handler
}

// Registry maps message types to handlers.
type Registry struct {
	mu           sync.RWMutex
	global       map[protocol.Tag][]entry
	local        map[protocol.Tag][]entry
	interceptors map[protocol.Tag]Handler
	units        map[string]*Unit
	sink         Handler

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	r := &Registry{
		global:       make(map[protocol.Tag][]entry),
		local:        make(map[protocol.Tag][]entry),
		interceptors: make(map[protocol.Tag]Handler),
		units:        make(map[string]*Unit),
		metrics:      m,
		logger:       util.ComponentLogger("dispatch"),
	}
	r.sink = r.logUnhandled
	return r
}

// Register adds a global handler for tag under name. Registering a name that
// is already present for tag keeps a single registration.
func (r *Registry) Register(tag protocol.Tag, name string, h Handler) Unsubscribe {
	r.add(r.global, tag, globalScope, name, h)
	return func() { r.Unregister(tag, name) }
}

// Unregister removes the global handler registered for tag under name.
func (r *Registry) Unregister(tag protocol.Tag, name string) {
	r.remove(r.global, tag, globalScope, name)
}

// Intercept consumes tag before it reaches any subscriber. Used for
// infrastructure traffic such as liveness probes. A nil fn removes the
// interceptor.
func (r *Registry) Intercept(tag protocol.Tag, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.interceptors, tag)
		return
	}
	r.interceptors[tag] = fn
}

// SetSink replaces the catch-all handler for envelopes nobody subscribed to.
func (r *Registry) SetSink(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		h = r.logUnhandled
	}
	r.sink = h
}

// Unit returns the live local scope named name, creating it if needed. Every
// caller asking for the same name gets the same Unit until it is closed;
// after that the name yields a fresh Unit.
func (r *Registry) Unit(name string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.units[name]; ok {
		return u
	}
	u := &Unit{registry: r, name: name}
	r.units[name] = u
	return u
}

// HandlerCount returns the number of handlers that would receive tag.
func (r *Registry) HandlerCount(tag protocol.Tag) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := len(r.local[tag]); n > 0 {
		return n
	}
	return len(r.global[tag])
}

// Parse decodes a wire frame. Malformed frames are counted and logged and
// the returned error wraps protocol.ErrMalformedFrame.
func (r *Registry) Parse(frame []byte) (protocol.Envelope, error) {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.metrics.FrameMalformed()
		r.logger.Warn().Err(err).Int("size", len(frame)).Msg("dropping malformed frame")
		return env, err
	}
	return env, nil
}

// DispatchFrame parses frame and dispatches the result.
func (r *Registry) DispatchFrame(frame []byte) (protocol.Envelope, error) {
	env, err := r.Parse(frame)
	if err != nil {
		return env, err
	}
	r.Dispatch(env)
	return env, nil
}

// Dispatch delivers env synchronously on the caller's goroutine, in
// registration order. Registrations made during delivery apply to the next
// message.
func (r *Registry) Dispatch(env protocol.Envelope) {
	r.mu.RLock()
	if fn, ok := r.interceptors[env.Type]; ok {
		r.mu.RUnlock()
		r.call(env, "interceptor", fn)
		return
	}
	entries := r.local[env.Type]
	if len(entries) == 0 {
		entries = r.global[env.Type]
	}
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	sink := r.sink
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.metrics.FrameUnhandled(string(env.Type))
		r.call(env, "sink", sink)
		return
	}

	r.metrics.FrameDispatched(string(env.Type))
	for _, e := range snapshot {
		r.call(env, e.name, e.handler)
	}
}

func (r *Registry) call(env protocol.Envelope, name string, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.HandlerPanic(string(env.Type))
			r.logger.Error().
				Str("type", string(env.Type)).
				Str("handler", name).
				Interface("panic", rec).
				Msg("handler panicked")
		}
	}()
	h(env)
}

func (r *Registry) logUnhandled(env protocol.Envelope) {
	ev := r.logger.Debug()
	if !env.Type.IsKnown() {
		ev = r.logger.Info()
	}
	ev.Str("type", string(env.Type)).
		Bool("known", env.Type.IsKnown()).
		Int("payload_bytes", len(env.Payload)).
		Msg("no subscriber for message")
}

func (r *Registry) add(scope map[protocol.Tag][]entry, tag protocol.Tag, unit, name string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := scope[tag]
	for i, e := range entries {
		if e.unit == unit && e.name == name {
			// Copy so a snapshot taken by an in-flight dispatch is untouched.
			updated := make([]entry, len(entries))
			copy(updated, entries)
			updated[i].handler = h
			scope[tag] = updated
			return
		}
	}
	updated := make([]entry, len(entries), len(entries)+1)
	copy(updated, entries)
	scope[tag] = append(updated, entry{unit: unit, name: name, handler: h})
}

func (r *Registry) remove(scope map[protocol.Tag][]entry, tag protocol.Tag, unit, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := scope[tag]
	filtered := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.unit == unit && e.name == name {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		delete(scope, tag)
		return
	}
	scope[tag] = filtered
}

func (r *Registry) removeUnit(u *Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.units[u.name] == u {
		delete(r.units, u.name)
	}
	for tag, entries := range r.local {
		filtered := make([]entry, 0, len(entries))
		for _, e := range entries {
			if e.unit != u.name {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(r.local, tag)
		} else {
			r.local[tag] = filtered
		}
	}
}

// ErrUnitClosed is returned by Unit.Register after Close.
var ErrUnitClosed = errors.New("dispatch unit closed")

// Unit is a local registration scope owned by one consumer.
type Unit struct {
	registry *Registry
	name     string

	mu     sync.Mutex
	closed bool
}

// Name returns the unit name.
func (u *Unit) Name() string {
	return u.name
}

// Register adds a local handler for tag. While any local handler for tag is
// registered, global handlers for tag are not invoked.
func (u *Unit) Register(tag protocol.Tag, name string, h Handler) (Unsubscribe, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return func() {}, ErrUnitClosed
	}
	u.registry.add(u.registry.local, tag, u.name, name, h)
	return func() { u.Unregister(tag, name) }, nil
}

// Unregister removes a local handler. Unknown names are ignored, as are calls
// on a closed unit, so a stale Unsubscribe cannot touch a successor unit.
func (u *Unit) Unregister(tag protocol.Tag, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.registry.remove(u.registry.local, tag, u.name, name)
}

// Close drops every handler registered by the unit.
func (u *Unit) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	u.registry.removeUnit(u)
}
