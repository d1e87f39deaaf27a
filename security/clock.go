package security

import "time"

// DefaultClockSkewGracePeriod is the leeway applied when validating JWT time
// claims issued by other hosts. It is never applied to single-use artifacts.
const DefaultClockSkewGracePeriod = 5 * time.Second

// Clock is the time source used for every expiry comparison.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock returns the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// ClockOrDefault returns c, or SystemClock when c is nil.
func ClockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}

// IsExpired reports whether an artifact expiring at expiresAt is expired at now.
// An artifact is expired once expiresAt <= now. A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !expiresAt.After(now)
}
