package reconnect

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func fastPolicy() Policy {
	return Policy{
		BaseDelay:      time.Millisecond,
		Factor:         1.5,
		MaxDelay:       5 * time.Millisecond,
		MaxAttempts:    15,
		SessionTimeout: 30 * time.Second,
	}
}

func TestPolicy_DelayIsMonotonicAndCapped(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(2))
	assert.Equal(t, 2250*time.Millisecond, p.Delay(3))

	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, p.MaxDelay, p.Delay(10_000))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.Factor = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.MaxDelay = time.Millisecond
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())
}

func TestPolicy_ReachableAttempts(t *testing.T) {
	p := DefaultPolicy()
	// 1s, 1.5s, 2.25s, 3.375s, 5.06s, 7.59s: the 7th retry would fire at ~30.8s.
	assert.Equal(t, 6, p.ReachableAttempts())
	assert.Less(t, p.Downtime(6), p.SessionTimeout)
	assert.GreaterOrEqual(t, p.Downtime(7), p.SessionTimeout)

	p.SessionTimeout = 10 * time.Minute
	assert.Equal(t, p.MaxAttempts, p.ReachableAttempts())

	p = Policy{BaseDelay: time.Second, Factor: 1, MaxDelay: time.Second, MaxAttempts: 3, SessionTimeout: 3 * time.Second}
	assert.Equal(t, 2, p.ReachableAttempts())
}

func TestController_ScheduleIncrementsAndFires(t *testing.T) {
	st := store.New()
	c := New(fastPolicy(), st, nil)

	fired := make(chan int, 1)
	d := c.Schedule(func(n int) { fired <- n }, func() { t.Error("unexpected expiry") })

	assert.Equal(t, OutcomeScheduled, d.Outcome)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, time.Millisecond, d.Delay)
	assert.True(t, st.Get().IsReconnecting)

	select {
	case n := <-fired:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}
	assert.False(t, c.Pending())
}

func TestController_SecondScheduleWhilePendingIsIgnored(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	st := store.New()
	c := New(p, st, nil)
	defer c.Cancel()

	first := c.Schedule(func(int) {}, func() {})
	second := c.Schedule(func(int) {}, func() {})

	assert.Equal(t, OutcomeScheduled, first.Outcome)
	assert.Equal(t, OutcomePending, second.Outcome)
	assert.Equal(t, 1, st.Get().ReconnectAttempts)
}

func TestController_ExhaustedAfterFifteenFailures(t *testing.T) {
	m := metrics.New()
	st := store.New()
	c := New(fastPolicy(), st, m)

	var attempts []int
	for {
		fired := make(chan int, 1)
		d := c.Schedule(func(n int) { fired <- n }, func() { t.Error("unexpected expiry") })
		if d.Outcome != OutcomeScheduled {
			assert.Equal(t, OutcomeExhausted, d.Outcome)
			break
		}
		attempts = append(attempts, <-fired)
		require.LessOrEqual(t, len(attempts), 15, "a 16th attempt was scheduled")
	}

	require.Len(t, attempts, 15)
	for i, n := range attempts {
		assert.Equal(t, i+1, n, "attempt counter is monotonic")
	}
	assert.False(t, c.Pending())
	assert.False(t, st.Get().IsReconnecting)
	assert.Equal(t, 15.0, testutil.ToFloat64(m.ReconnectAttemptsCounter()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TerminalCounter("exhausted")))
}

func TestController_ExpiredBeforeScheduling(t *testing.T) {
	clock := newFakeClock()
	st := store.New()
	c := New(fastPolicy(), st, nil)
	c.SetClock(clock.Now)

	c.MarkDisconnected()
	clock.Advance(31 * time.Second)

	d := c.Schedule(func(int) { t.Error("retry fired after expiry") }, func() {})
	assert.Equal(t, OutcomeExpired, d.Outcome)
	assert.Equal(t, 31*time.Second, d.Downtime)
	assert.Zero(t, st.Get().ReconnectAttempts)
}

func TestController_ExpiryRecheckedWhenTimerFires(t *testing.T) {
	clock := newFakeClock()
	p := fastPolicy()
	p.BaseDelay = 20 * time.Millisecond
	p.MaxDelay = 20 * time.Millisecond
	st := store.New()
	c := New(p, st, nil)
	c.SetClock(clock.Now)

	c.MarkDisconnected()

	var fired, expired int32
	done := make(chan struct{})
	d := c.Schedule(
		func(int) { atomic.AddInt32(&fired, 1); close(done) },
		func() { atomic.AddInt32(&expired, 1); close(done) },
	)
	require.Equal(t, OutcomeScheduled, d.Outcome)

	clock.Advance(30 * time.Second)
	<-done

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&expired))
	assert.False(t, st.Get().IsReconnecting)
}

func TestController_DisconnectStampedAtStreakStart(t *testing.T) {
	clock := newFakeClock()
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	st := store.New()
	c := New(p, st, nil)
	c.SetClock(clock.Now)
	defer c.Cancel()

	c.MarkDisconnected()
	first := st.Get().LastDisconnectTime
	c.Schedule(func(int) {}, func() {})

	clock.Advance(5 * time.Second)
	c.MarkDisconnected()
	assert.True(t, st.Get().LastDisconnectTime.Equal(first))
}

func TestController_CancelStopsPendingRetry(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = 20 * time.Millisecond
	st := store.New()
	c := New(p, st, nil)

	var fired int32
	c.Schedule(func(int) { atomic.AddInt32(&fired, 1) }, func() {})
	assert.True(t, c.Cancel())
	assert.False(t, c.Cancel())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.False(t, st.Get().IsReconnecting)
}

func TestController_MarkConnectedResetsCounter(t *testing.T) {
	clock := newFakeClock()
	st := store.New()
	c := New(fastPolicy(), st, nil)
	c.SetClock(clock.Now)

	_, err := st.Update(store.Patch{ReconnectAttempts: store.Ptr(4), IsReconnecting: store.Ptr(true)})
	require.NoError(t, err)

	c.MarkConnected()
	got := st.Get()
	assert.Zero(t, got.ReconnectAttempts)
	assert.False(t, got.IsReconnecting)
	assert.True(t, got.LastConnectionTime.Equal(clock.Now()))
}

func TestController_ResetAllowsFreshStreakAfterExhaustion(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	st := store.New()
	c := New(p, st, nil)

	fired := make(chan int, 1)
	c.Schedule(func(n int) { fired <- n }, func() {})
	<-fired
	assert.Equal(t, OutcomeExhausted, c.Schedule(func(int) {}, func() {}).Outcome)

	c.Reset()
	d := c.Schedule(func(n int) { fired <- n }, func() {})
	assert.Equal(t, OutcomeScheduled, d.Outcome)
	assert.Equal(t, 1, d.Attempt)
	<-fired
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "expired", OutcomeExpired.String())
	assert.True(t, OutcomeExhausted.Terminal())
	assert.False(t, OutcomePending.Terminal())
}
