package syncer

import (
	"time"
)

// BackoffConfig controls how rate-limited tasks are rescheduled
type BackoffConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultBackoffConfig returns the default backoff configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:  time.Second,
		MaxDelay:      15 * time.Minute,
		BackoffFactor: 2.0,
	}
}

// Delay returns the backoff before retry number attempt (starting at 1),
// never less than suggested
func (c BackoffConfig) Delay(attempt int, suggested time.Duration) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt && delay < c.MaxDelay; i++ {
		delay = time.Duration(float64(delay) * c.BackoffFactor)
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if suggested > delay {
		return suggested
	}
	return delay
}
