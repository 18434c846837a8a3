package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

const defaultQueueSize = 256

// EventBus is a publish-subscribe bus for session lifecycle notifications.
// Emit queues events for a single delivery goroutine, so every subscriber
// observes events in the order they were emitted.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	queue    chan queued
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a bus and starts its delivery goroutine.
func NewEventBus() *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		queue:    make(chan queued, defaultQueueSize),
		stopCh:   make(chan struct{}),
	}
	eb.wg.Add(1)
	go eb.run()
	return eb
}

// Subscribe registers a handler for an event type. Subscribing the same name
// twice for one type replaces the earlier handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	entries := eb.handlers[eventType]
	for i, h := range entries {
		if h.name == name {
			entries[i].handler = handler
			return
		}
	}
	eb.handlers[eventType] = append(entries, handlerEntry{name: name, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered
}

// Emit queues an event for asynchronous delivery. It blocks only when the
// queue is full. Events emitted after Stop are dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	stopped := eb.stopped
	eb.mu.RUnlock()
	if stopped {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Msg("emitting event")

	select {
	case eb.queue <- queued{ctx: ctx, event: event}:
	case <-eb.stopCh:
	}
}

// EmitSync delivers an event on the caller's goroutine and returns the first
// handler error. It does not wait for queued events.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	stopped := eb.stopped
	eb.mu.RUnlock()
	if stopped {
		return nil
	}
	return eb.deliver(ctx, event)
}

func (eb *EventBus) run() {
	defer eb.wg.Done()
	for {
		select {
		case q := <-eb.queue:
			eb.deliver(q.ctx, q.event)
		case <-eb.stopCh:
			eb.drain()
			return
		}
	}
}

func (eb *EventBus) drain() {
	for {
		select {
		case q := <-eb.queue:
			eb.deliver(q.ctx, q.event)
		default:
			return
		}
	}
}

func (eb *EventBus) deliver(ctx context.Context, event Event) error {
	eb.mu.RLock()
	handlers := make([]handlerEntry, len(eb.handlers[event.Type]))
	copy(handlers, eb.handlers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := eb.call(ctx, h, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) call(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting events, drains the queue and waits for delivery to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
