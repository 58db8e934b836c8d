package session

import "time"

// ReconnectPolicy controls automatic re-dialing after an unexpected
// transport drop. Reconnection is opt-in: the zero value leaves it
// disabled, and a user-initiated Disconnect always wins over a pending
// reconnect attempt.
type ReconnectPolicy struct {
	// Enabled turns automatic reconnection on.
	Enabled bool

	// InitialDelay is the wait before the first attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponentially growing delay.
	MaxDelay time.Duration

	// MaxAttempts bounds the total number of attempts before giving up
	// with a reconnect_exhausted error event.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the enabled policy used by callers that
// opt in without tuning: 500ms initial delay, doubling per attempt,
// capped at 30s, for at most 5 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before the given 1-based attempt, doubling from
// InitialDelay and saturating at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
