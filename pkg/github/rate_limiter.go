package github

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/go-github/v66/github"
)

// RateLimiter paces the calls made with one installation token. It learns
// the remaining budget from the X-RateLimit headers of each response.
type RateLimiter interface {
	Wait(ctx context.Context) error
	UpdateLimits(remaining int, resetTime time.Time)
	GetDelay() time.Duration
	GetStats() RateLimiterStats
}

// RateLimiterStats is a snapshot of a limiter, used in sync logs
type RateLimiterStats struct {
	RemainingRequests int           `json:"remaining_requests"`
	ResetTime         time.Time     `json:"reset_time"`
	CurrentDelay      time.Duration `json:"current_delay"`
	TotalWaits        int64         `json:"total_waits"`
	TotalDelayTime    time.Duration `json:"total_delay_time"`
}

type RateLimiterConfig struct {
	// BaseDelay spaces consecutive calls
	BaseDelay time.Duration
	// MaxDelay caps any single wait
	MaxDelay time.Duration
	// BackoffFactor grows the throttle each time the remaining budget halves
	// below MinRemainingRequests
	BackoffFactor float64
	// Jitter is the fraction of a delay added at random
	Jitter float64
	// MinRemainingRequests is the budget below which throttling starts
	MinRemainingRequests int
	// AggressiveThrottleDelay is the throttle at the threshold
	AggressiveThrottleDelay time.Duration
	// Clock defaults to the wall clock
	Clock clock.Clock
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		BaseDelay:               50 * time.Millisecond,
		MaxDelay:                30 * time.Second,
		BackoffFactor:           2.0,
		Jitter:                  0.1,
		MinRemainingRequests:    100,
		AggressiveThrottleDelay: 2 * time.Second,
	}
}

// installation tokens start with 5000 requests per hour
const installationHourlyBudget = 5000

type installationLimiter struct {
	cfg   RateLimiterConfig
	clock clock.Clock

	mu        sync.Mutex
	remaining int
	reset     time.Time
	lastCall  time.Time
	waits     int64
	waited    time.Duration
}

func NewRateLimiter(config *RateLimiterConfig) RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	l := &installationLimiter{cfg: *config, clock: config.Clock, remaining: installationHourlyBudget}
	if l.clock == nil {
		l.clock = clock.NewClock()
	}
	l.reset = l.clock.Now().Add(time.Hour)
	return l
}

func (l *installationLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	delay := l.delayAt(l.clock.Now())
	if delay > 0 {
		l.waits++
		l.waited += delay
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}

	l.mu.Lock()
	l.lastCall = l.clock.Now()
	l.mu.Unlock()
	return nil
}

func (l *installationLimiter) UpdateLimits(remaining int, resetTime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining, l.reset = remaining, resetTime
}

func (l *installationLimiter) GetDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayAt(l.clock.Now())
}

func (l *installationLimiter) GetStats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RateLimiterStats{
		RemainingRequests: l.remaining,
		ResetTime:         l.reset,
		CurrentDelay:      l.delayAt(l.clock.Now()),
		TotalWaits:        l.waits,
		TotalDelayTime:    l.waited,
	}
}

// delayAt is the largest of the call spacing, the low budget throttle and,
// once the budget is gone, the time left until GitHub resets it. The window
// reset clears all of them. Callers hold mu.
func (l *installationLimiter) delayAt(now time.Time) time.Duration {
	untilReset := l.reset.Sub(now)
	if untilReset < 0 {
		return 0
	}

	var delay time.Duration
	if !l.lastCall.IsZero() {
		delay = l.cfg.BaseDelay - now.Sub(l.lastCall)
	}

	switch {
	case l.remaining <= 0:
		delay = max(delay, untilReset)
	case l.remaining < l.cfg.MinRemainingRequests:
		delay = max(delay, l.throttle(), untilReset/time.Duration(l.remaining))
	}

	if delay <= 0 {
		return 0
	}
	if l.cfg.Jitter > 0 {
		delay += time.Duration(rand.Float64() * l.cfg.Jitter * float64(delay))
	}
	if l.cfg.MaxDelay > 0 && delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	return delay
}

// throttle scales AggressiveThrottleDelay by how far the budget sits below
// the threshold, multiplied by BackoffFactor per halving
func (l *installationLimiter) throttle() time.Duration {
	threshold := float64(l.cfg.MinRemainingRequests)
	left := float64(l.remaining)

	pressure := 1 - left/threshold
	halvings := math.Log2(threshold / left)
	return time.Duration(float64(l.cfg.AggressiveThrottleDelay) * pressure * math.Pow(l.cfg.BackoffFactor, halvings))
}

// executeWithRateLimit runs one GitHub call under limiter and records the
// budget reported by the response
func executeWithRateLimit(ctx context.Context, limiter RateLimiter, call func() (*github.Response, error)) error {
	if limiter == nil {
		_, err := call()
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for GitHub rate limit: %w", err)
	}

	resp, err := call()
	if resp != nil && resp.Rate.Limit > 0 {
		limiter.UpdateLimits(resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
	return err
}
