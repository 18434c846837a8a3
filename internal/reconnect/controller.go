package reconnect

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/store"
	"github.com/tablelink-project/tablelink/internal/util"
)

// Outcome is the result of asking the controller to schedule a retry.
type Outcome int

const (
	// OutcomeScheduled means a retry timer is armed.
	OutcomeScheduled Outcome = iota
	// OutcomePending means a retry was already armed; nothing changed.
	OutcomePending
	// OutcomeExhausted means the attempt limit was reached. Terminal.
	OutcomeExhausted
	// OutcomeExpired means the session timeout window has passed. Terminal.
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeScheduled:
		return "scheduled"
	case OutcomePending:
		return "pending"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome ends the reconnection streak.
func (o Outcome) Terminal() bool {
	return o == OutcomeExhausted || o == OutcomeExpired
}

// Decision describes what Schedule did.
type Decision struct {
	Outcome  Outcome
	Attempt  int
	Delay    time.Duration
	Downtime time.Duration
}

// Controller schedules retries for one connection, keeping its bookkeeping
// in the session store. At most one retry timer is outstanding.
type Controller struct {
	policy  Policy
	store   *store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	now   func() time.Time
	timer *time.Timer
	token uint64
}

// New creates a controller. m may be nil.
func New(policy Policy, st *store.Store, m *metrics.Metrics) *Controller {
	return &Controller{
		policy:  policy,
		store:   st,
		metrics: m,
		logger:  util.ComponentLogger("reconnect"),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Policy returns the policy in use.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Pending reports whether a retry timer is armed.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// MarkDisconnected records a connection loss. The disconnect time is
// stamped only at the start of a streak, so the session timeout window is
// measured from the first loss rather than the latest failed attempt.
func (c *Controller) MarkDisconnected() {
	c.mu.Lock()
	now := c.now()
	c.mu.Unlock()

	_, _ = c.store.Modify(func(s *store.Session) {
		if !s.IsReconnecting {
			s.LastDisconnectTime = now
		}
	})
}

// MarkConnected records a successful open: the attempt counter returns to
// zero and the streak ends.
func (c *Controller) MarkConnected() {
	c.mu.Lock()
	c.stopLocked()
	now := c.now()
	c.mu.Unlock()

	_, _ = c.store.Update(store.Patch{
		ReconnectAttempts:  store.Ptr(0),
		IsReconnecting:     store.Ptr(false),
		LastConnectionTime: &now,
	})
}

// Schedule decides whether to retry. On OutcomeScheduled, onFire runs once
// after the backoff delay with the attempt number, unless the session
// expired in the meantime, in which case onExpire runs instead. Both run on
// a timer goroutine.
func (c *Controller) Schedule(onFire func(attempt int), onExpire func()) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		return Decision{Outcome: OutcomePending}
	}

	sess := c.store.Get()
	downtime := c.downtime(sess)

	if sess.ReconnectAttempts >= c.policy.MaxAttempts {
		c.finish("exhausted")
		c.logger.Error().
			Int("attempts", sess.ReconnectAttempts).
			Dur("downtime", downtime).
			Msg("reconnection attempts exhausted")
		return Decision{Outcome: OutcomeExhausted, Attempt: sess.ReconnectAttempts, Downtime: downtime}
	}

	if c.expired(sess) {
		c.finish("expired")
		c.logger.Error().
			Dur("downtime", downtime).
			Dur("timeout", c.policy.SessionTimeout).
			Msg("session expired before reconnection")
		return Decision{Outcome: OutcomeExpired, Attempt: sess.ReconnectAttempts, Downtime: downtime}
	}

	updated, _ := c.store.Modify(func(s *store.Session) {
		s.ReconnectAttempts++
		s.IsReconnecting = true
	})
	attempt := updated.ReconnectAttempts
	delay := c.policy.Delay(attempt)

	c.token++
	token := c.token
	c.timer = time.AfterFunc(delay, func() { c.fire(token, attempt, onFire, onExpire) })

	c.metrics.ReconnectAttempt()
	c.logger.Info().
		Int("attempt", attempt).
		Int("max_attempts", c.policy.MaxAttempts).
		Dur("delay", delay).
		Msg("reconnection scheduled")

	return Decision{Outcome: OutcomeScheduled, Attempt: attempt, Delay: delay, Downtime: downtime}
}

func (c *Controller) fire(token uint64, attempt int, onFire func(int), onExpire func()) {
	c.mu.Lock()
	if token != c.token || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	sess := c.store.Get()
	if c.expired(sess) {
		c.finish("expired")
		c.logger.Error().Dur("downtime", c.downtime(sess)).Msg("session expired while waiting to reconnect")
		c.mu.Unlock()
		onExpire()
		return
	}
	c.mu.Unlock()

	c.logger.Debug().Int("attempt", attempt).Msg("reconnection timer fired")
	onFire(attempt)
}

// Cancel stops a pending retry and ends the streak. It reports whether a
// retry was pending.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	pending := c.stopLocked()
	c.mu.Unlock()

	_, _ = c.store.Update(store.Patch{IsReconnecting: store.Ptr(false)})
	if pending {
		c.logger.Debug().Msg("pending reconnection cancelled")
	}
	return pending
}

// Reset cancels any pending retry and starts a fresh attempt counter.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()

	_, _ = c.store.Update(store.Patch{
		ReconnectAttempts: store.Ptr(0),
		IsReconnecting:    store.Ptr(false),
	})
}

func (c *Controller) stopLocked() bool {
	c.token++
	if c.timer == nil {
		return false
	}
	c.timer.Stop()
	c.timer = nil
	return true
}

// finish must be called with mu held.
func (c *Controller) finish(reason string) {
	c.metrics.ReconnectTerminal(reason)
	_, _ = c.store.Update(store.Patch{IsReconnecting: store.Ptr(false)})
}

func (c *Controller) downtime(s store.Session) time.Duration {
	if s.LastDisconnectTime.IsZero() {
		return 0
	}
	return c.now().Sub(s.LastDisconnectTime)
}

func (c *Controller) expired(s store.Session) bool {
	if s.LastDisconnectTime.IsZero() {
		return false
	}
	return c.downtime(s) >= c.policy.SessionTimeout
}
