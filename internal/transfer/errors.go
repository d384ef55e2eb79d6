package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass partitions transfer failures by the action the scheduler takes.
type ErrorClass int

const (
	// ClassRecoverable failures restart the item from scratch: the partial
	// file is deleted, the item returns to pending and is re-enqueued.
	ClassRecoverable ErrorClass = iota

	// ClassFatal failures mark the item failed with no automatic retry.
	ClassFatal

	// ClassPaused means the transfer was suspended on request and carries a
	// fresh resume token.
	ClassPaused

	// ClassCanceled means the transfer was torn down on request; the item
	// record is already gone.
	ClassCanceled
)

// NetworkError represents connection drops, timeouts, and HTTP error
// responses from the byte source.
type NetworkError struct {
	Operation  string // e.g. "fetch", "resume"
	StatusCode int    // HTTP status code, 0 for transport-level failures
	Resuming   bool   // true when the failure happened on a range request
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Permanent reports whether the response indicates the source will never
// serve this URL: a 4xx on a fresh download. The same status mid-resume is
// treated as a stale URL and handled by restarting from scratch.
func (e *NetworkError) Permanent() bool {
	if e.Resuming {
		return false
	}
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// TokenError represents a corrupt, expired, or otherwise unusable resume
// token. Always recoverable: the engine restarts from zero.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("invalid resume token: %s", e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

// StorageError represents local filesystem failures: disk full, permission
// denied, unwritable destination. These are fatal; retrying cannot help.
type StorageError struct {
	Path string
	Op   string // e.g. "create", "append", "stat"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s %s): %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PausedError is returned by the engine when a transfer is suspended on
// request. Token carries the state needed to resume.
type PausedError struct {
	Token *ResumeToken
}

func (e *PausedError) Error() string { return "transfer paused" }

// ErrCanceled is the cancellation cause used when a download is removed
// while its transfer is in flight.
var ErrCanceled = errors.New("transfer canceled")

// ErrPauseRequested is the cancellation cause used to suspend an in-flight
// transfer. The engine converts it into a PausedError with a resume token.
var ErrPauseRequested = errors.New("transfer pause requested")

// Classify maps a transfer failure onto the action the scheduler takes.
// Unknown errors are fatal: auto-retrying an unclassified failure risks a
// hot retry loop against a broken source.
func Classify(err error) ErrorClass {
	var paused *PausedError
	if errors.As(err, &paused) {
		return ClassPaused
	}

	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return ClassRecoverable
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.Permanent() {
			return ClassFatal
		}
		return ClassRecoverable
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return ClassFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRecoverable
	}

	return ClassFatal
}
