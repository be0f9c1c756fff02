package state

import "time"

// TimeProvider abstracts time operations so worker deadlines (reorder
// buffer slot deadlines, RTCP scheduling, metrics ticks) can be driven
// deterministically in tests. Grounded on the teacher's
// crypto.TimeProvider / DefaultTimeProvider pattern, reused throughout
// this module wherever the teacher injects time.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
