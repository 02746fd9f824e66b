package activitysync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tyemirov/stravasync/internal/strava"
)

var (
	// ErrRateLimitExceeded indicates Strava throttled the request; retry later.
	ErrRateLimitExceeded = errors.New("activity_sync.rate_limit_exceeded")
	// ErrExternalAPI wraps any other Strava failure that prevents a sync.
	ErrExternalAPI = errors.New("activity_sync.external_api_error")
	// ErrItemPanic marks a per-item failure recovered from a panic.
	ErrItemPanic = errors.New("activity_sync.item_panic")
)

// classifyExternalError is the single place deciding whether a Strava failure is a
// rate limit. The local limiter and structured 429 responses are checked first; the message sniffing keeps
// clients that only surface text working.
func classifyExternalError(err error) error {
	if errors.Is(err, strava.ErrRateLimited) {
		return fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
	}
	var apiErr *strava.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "429") || strings.Contains(message, "rate limit") {
		return fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrExternalAPI, err)
}
