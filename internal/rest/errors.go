package rest

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches every *RateLimitedError.
var ErrRateLimited = errors.New("upstream rate limited")

// RateLimitedError is returned once a throttled request used up its retries.
type RateLimitedError struct {
	Exchange   string
	URL        string
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s returned %d after %d attempts", e.Exchange, e.URL, e.StatusCode, e.Attempts)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// StatusError is a non-retryable HTTP status from an exchange.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Body)
}
