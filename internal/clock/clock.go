// Package clock abstracts time so the reconciler, heartbeat, and claim
// coordinator can be driven by a fake clock in tests instead of real sleeps
// and timer churn.
package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                        { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Age is a readability alias for Since, used at call sites computing an
// instance's age against STUCK_TIMEOUT.
func Age(c Clock, t time.Time) time.Duration { return c.Since(t) }
