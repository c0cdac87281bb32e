// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"errors"
	"fmt"
)

// ErrIdleTimeout is returned when no bytes arrive for IdleTimeout.
var ErrIdleTimeout = errors.New("fetcher: idle timeout waiting for next chunk")

// ErrHashMismatch is returned when the downloaded blob's content hash does
// not match the manifest's recorded file hash.
var ErrHashMismatch = errors.New("fetcher: content hash mismatch")

// ErrRetriesExhausted wraps the last attempt's error once MaxAttempts have
// all failed.
type ErrRetriesExhausted struct {
	CID      string
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("fetcher: %s: exhausted %d attempt(s): %v", e.CID, e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// StatusError records a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: unexpected status %d from %s", e.StatusCode, e.URL)
}
