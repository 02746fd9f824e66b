package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Strava application limits: 100 requests per 15 minutes and 1000 per day,
// reported back through X-RateLimit-Limit and X-RateLimit-Usage.
const (
	defaultShortLimit  = 100
	defaultDailyLimit  = 1000
	shortWindow        = 15 * time.Minute
	defaultMinInterval = 150 * time.Millisecond
)

// ErrRateLimited reports an exhausted Strava window. Callers retry after ResetsAt.
var ErrRateLimited = errors.New("strava.rate_limited")

// RateLimitError carries the window that refused the request.
type RateLimitError struct {
	Window   string
	ResetsAt time.Time
}

func (rateErr *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s window exhausted until %s", ErrRateLimited, rateErr.Window, rateErr.ResetsAt.Format(time.RFC3339))
}

func (rateErr *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// RateLimiter spaces requests and refuses them once a Strava window is exhausted.
// One limiter should be shared by every client of the same application.
type RateLimiter struct {
	mu sync.Mutex

	shortLimit    int
	shortUsage    int
	shortResetsAt time.Time

	dailyLimit    int
	dailyUsage    int
	dailyResetsAt time.Time

	minInterval time.Duration
	lastRequest time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter seeded with Strava's default limits.
func NewRateLimiter() *RateLimiter {
	return newRateLimiter(time.Now, defaultMinInterval)
}

func newRateLimiter(now func() time.Time, minInterval time.Duration) *RateLimiter {
	current := now()
	return &RateLimiter{
		shortLimit:    defaultShortLimit,
		shortResetsAt: current.Add(shortWindow),
		dailyLimit:    defaultDailyLimit,
		dailyResetsAt: nextDay(current),
		minInterval:   minInterval,
		now:           now,
	}
}

// Wait spaces the request by the minimum interval and returns a *RateLimitError
// without waiting when the 15-minute or daily window is exhausted.
func (limiter *RateLimiter) Wait(ctx context.Context) error {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	for {
		current := limiter.now()
		if current.After(limiter.shortResetsAt) {
			limiter.shortUsage = 0
			limiter.shortResetsAt = current.Add(shortWindow)
		}
		if current.After(limiter.dailyResetsAt) {
			limiter.dailyUsage = 0
			limiter.dailyResetsAt = nextDay(current)
		}

		switch {
		case limiter.dailyUsage >= limiter.dailyLimit:
			return &RateLimitError{Window: "daily", ResetsAt: limiter.dailyResetsAt}
		case limiter.shortUsage >= limiter.shortLimit:
			return &RateLimitError{Window: "15-minute", ResetsAt: limiter.shortResetsAt}
		}

		if limiter.lastRequest.IsZero() {
			break
		}
		delay := limiter.minInterval - current.Sub(limiter.lastRequest)
		if delay <= 0 {
			break
		}
		if err := limiter.sleep(ctx, delay); err != nil {
			return err
		}
	}

	limiter.shortUsage++
	limiter.dailyUsage++
	limiter.lastRequest = limiter.now()
	return nil
}

// sleep releases the lock while waiting; callers hold mu.
func (limiter *RateLimiter) sleep(ctx context.Context, delay time.Duration) error {
	limiter.mu.Unlock()
	defer limiter.mu.Lock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateFromHeaders syncs usage and limits with what Strava reports.
func (limiter *RateLimiter) UpdateFromHeaders(header http.Header) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if short, daily, ok := parseWindowPair(header.Get("X-RateLimit-Usage")); ok {
		limiter.shortUsage = short
		limiter.dailyUsage = daily
	}
	if short, daily, ok := parseWindowPair(header.Get("X-RateLimit-Limit")); ok {
		limiter.shortLimit = short
		limiter.dailyLimit = daily
	}
}

// Status returns the remaining requests in the 15-minute and daily windows.
func (limiter *RateLimiter) Status() (shortRemaining, dailyRemaining int) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return limiter.shortLimit - limiter.shortUsage, limiter.dailyLimit - limiter.dailyUsage
}

func parseWindowPair(value string) (int, int, bool) {
	if value == "" {
		return 0, 0, false
	}
	parts := strings.Split(value, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	short, shortErr := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, dailyErr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if shortErr != nil || dailyErr != nil {
		return 0, 0, false
	}
	return short, daily, true
}

func nextDay(current time.Time) time.Time {
	return current.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
