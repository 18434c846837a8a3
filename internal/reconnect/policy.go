// Package reconnect decides whether and when a lost connection is retried.
// It never opens sockets itself; the caller supplies the retry action.
package reconnect

import (
	"fmt"
	"math"
	"time"
)

// Policy holds the retry limits. One policy applies to every connection.
type Policy struct {
	BaseDelay      time.Duration `json:"base_delay"`
	Factor         float64       `json:"factor"`
	MaxDelay       time.Duration `json:"max_delay"`
	MaxAttempts    int           `json:"max_attempts"`
	SessionTimeout time.Duration `json:"session_timeout"`
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      1 * time.Second,
		Factor:         1.5,
		MaxDelay:       10 * time.Second,
		MaxAttempts:    15,
		SessionTimeout: 30 * time.Second,
	}
}

// Delay returns the wait before attempt n (1-based):
// min(BaseDelay * Factor^(n-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Downtime returns the minimum time since disconnect at which attempt n
// fires: the sum of Delay(1..n).
func (p Policy) Downtime(attempt int) time.Duration {
	var total time.Duration
	for i := 1; i <= attempt; i++ {
		total += p.Delay(i)
	}
	return total
}

// ReachableAttempts returns how many attempts can fire before the session
// timeout ends the streak. When it is below MaxAttempts the streak always
// ends in expiry, never exhaustion.
func (p Policy) ReachableAttempts() int {
	n := 0
	for n < p.MaxAttempts && p.Downtime(n+1) < p.SessionTimeout {
		n++
	}
	return n
}

// Validate checks that the policy can schedule at least one attempt.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	case p.Factor < 1:
		return fmt.Errorf("backoff factor must be at least 1, got %g", p.Factor)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.SessionTimeout <= 0:
		return fmt.Errorf("session timeout must be positive, got %s", p.SessionTimeout)
	}
	return nil
}
