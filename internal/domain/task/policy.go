// Package task holds scheduler policies that do not depend on storage: lease sizing,
// retry backoff and the wake-up fan-out used by idle workers.
package task

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy normalises lease durations for task reservations and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Seconds resolves a requested lease to whole seconds. Zero selects the default and
// anything shorter than a second is raised to one.
func (p *LeasePolicy) Seconds(request time.Duration) int {
	if request == 0 && p != nil {
		request = p.defaultLease
	}
	secs := int64(request / time.Second)
	if secs < 1 {
		return 1
	}
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(secs)
}

// HeartbeatInterval is how often a holder should extend a lease of the given length.
func HeartbeatInterval(lease time.Duration) time.Duration {
	interval := lease / 3
	if interval < time.Second {
		return time.Second
	}
	return interval
}

// RetryPolicy computes exponential backoff between attempts of a failed task.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the attempt that follows retryCount failures:
// BaseDelay * 2^retryCount, capped at MaxDelay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	d := base << uint(retryCount)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a task that has already failed retryCount times has no attempts left
// after failing once more.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return retryCount+1 >= maxAttempts
}
