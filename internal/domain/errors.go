package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrCorruptState marks a persisted document that could not be decoded.
var ErrCorruptState = errors.New("corrupt persisted state")

// ErrTruncated marks an upstream listing that stopped before the query
// bounds or the start of history were reached.
var ErrTruncated = errors.New("upstream listing truncated")

// RateLimitedError is returned by upstreams that demand a pause.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// TransientFetchError is an upstream failure that yielded nothing. The
// caller retries on its next cycle.
type TransientFetchError struct {
	Source string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}
