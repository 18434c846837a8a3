// Package heartbeat detects half-open connections by probing the peer on a
// fixed interval and declaring it dead when acknowledgements stop arriving.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/dispatch"
	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/protocol"
	"github.com/tablelink-project/tablelink/internal/util"
)

const (
	DefaultInterval        = 15 * time.Second
	DefaultTimeoutMultiple = 2
)

// Config controls probe timing.
type Config struct {
	Interval        time.Duration
	TimeoutMultiple int
}

// DefaultConfig returns the default probe timing.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, TimeoutMultiple: DefaultTimeoutMultiple}
}

// Timeout is how long the monitor waits for an acknowledgement.
func (c Config) Timeout() time.Duration {
	multiple := c.TimeoutMultiple
	if multiple < 1 {
		multiple = 1
	}
	return c.Interval * time.Duration(multiple)
}

// Sender writes an envelope to the monitored connection.
type Sender func(env protocol.Envelope) error

// Monitor probes one connection at a time. Start replaces any previous run.
type Monitor struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	run     uint64
	cancel  context.CancelFunc
	ack     chan struct{}
	send    Sender
	lastAck time.Time
}

// New creates a stopped monitor. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TimeoutMultiple < 1 {
		cfg.TimeoutMultiple = DefaultTimeoutMultiple
	}
	return &Monitor{
		cfg:     cfg,
		metrics: m,
		logger:  util.ComponentLogger("heartbeat"),
	}
}

// Config returns the probe timing in use.
func (h *Monitor) Config() Config {
	return h.cfg
}

// Start begins probing through send. onTimeout is called at most once per
// run, from the monitor goroutine, when no acknowledgement arrives within
// the timeout. The run ends after a timeout.
func (h *Monitor) Start(send Sender, onTimeout func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	h.run++
	h.cancel = cancel
	h.ack = make(chan struct{}, 1)
	h.send = send
	h.lastAck = time.Now()

	go h.loop(ctx, h.run, h.ack, send, onTimeout)

	h.logger.Debug().
		Dur("interval", h.cfg.Interval).
		Dur("timeout", h.cfg.Timeout()).
		Msg("heartbeat started")
}

// Stop ends the current run. It does not wait for the goroutine to exit,
// so it is safe to call from inside onTimeout or while holding other locks.
func (h *Monitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Monitor) stopLocked() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	h.ack = nil
	h.send = nil
	h.run++
}

// Ack records a liveness acknowledgement from the peer.
func (h *Monitor) Ack() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ack == nil {
		return
	}
	h.lastAck = time.Now()
	select {
	case h.ack <- struct{}{}:
	default:
	}
}

// Running reports whether a run is active.
func (h *Monitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// LastAck returns when the peer last acknowledged a probe.
func (h *Monitor) LastAck() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAck
}

// Intercept routes liveness traffic in r to the monitor so it never reaches
// application subscribers. Inbound pings are answered with a pong.
func (h *Monitor) Intercept(r *dispatch.Registry) {
	ack := func(protocol.Envelope) { h.Ack() }
	r.Intercept(protocol.TagPong, ack)
	r.Intercept(protocol.TagServerPong, ack)
	r.Intercept(protocol.TagPing, func(protocol.Envelope) {
		h.Ack()
		h.mu.Lock()
		send := h.send
		h.mu.Unlock()
		if send == nil {
			return
		}
		if err := send(protocol.BuildPong()); err != nil {
			h.logger.Debug().Err(err).Msg("failed to answer ping")
		}
	})
}

func (h *Monitor) loop(ctx context.Context, run uint64, ack <-chan struct{}, send Sender, onTimeout func()) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	deadline := time.NewTimer(h.cfg.Timeout())
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ack:
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(h.cfg.Timeout())

		case <-ticker.C:
			if err := send(protocol.BuildPing()); err != nil {
				// The socket reports its own failure; the deadline still runs.
				h.logger.Debug().Err(err).Msg("failed to send probe")
				continue
			}
			h.logger.Trace().Msg("probe sent")

		case <-deadline.C:
			h.mu.Lock()
			current := h.run == run
			if current {
				h.cancel()
				h.cancel = nil
				h.ack = nil
				h.send = nil
				h.run++
			}
			h.mu.Unlock()
			if !current {
				return
			}

			h.metrics.HeartbeatTimeout()
			h.logger.Warn().
				Dur("timeout", h.cfg.Timeout()).
				Msg("peer stopped acknowledging probes")
			onTimeout()
			return
		}
	}
}
