package engram

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrInvalidArgument marks caller mistakes: empty userId, importance out of
// range, an invalid regex on rule creation. Wrap with context via %w and
// test with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNotFound marks a lookup for a record that does not exist.
var ErrNotFound = errors.New("not found")

// ErrConfig reports a configuration problem that fails component
// construction (missing API key, unknown provider).
type ErrConfig struct {
	Component string
	Message   string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// ErrLLM reports a provider-level failure that is not an HTTP status error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a transport-level failure from an adapter. Status 429 and
// 503 are treated as transient by the retry middleware; RetryAfter, when
// set, is the server-requested minimum delay before the next attempt.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrExtraction wraps a failure confined to a single extraction unit
// (one message, one rule). Pipelines log it and continue; it never aborts
// a batch on its own.
type ErrExtraction struct {
	Extractor string
	Err       error
}

func (e *ErrExtraction) Error() string {
	return fmt.Sprintf("%s extraction: %v", e.Extractor, e.Err)
}

func (e *ErrExtraction) Unwrap() error { return e.Err }

// ParseRetryAfter parses a Retry-After header value into a duration.
// Accepts delay-seconds ("30") and HTTP-date forms. Returns 0 for empty,
// invalid, or non-positive values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
