package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Fault taxonomy: a transient fault is retried with backoff and never
// surfaced beyond metrics; a permanent fault is dead-lettered on first
// sight. Handlers classify explicitly where they can; Classify covers
// errors that bubble up unwrapped.

type permanentError struct {
	reason string
	err    error
}

func (e *permanentError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as unrecoverable. The reason becomes the
// dead-letter reason operators filter on.
func Permanent(reason string, err error) error {
	return &permanentError{reason: reason, err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable regardless of its shape.
func Transient(err error) error {
	return &transientError{err: err}
}

// PermanentReason extracts the dead-letter reason from an error chain.
func PermanentReason(err error) (string, bool) {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.reason, true
	}
	return "", false
}

// Classify reports whether an unannotated error should be retried, plus a
// short kind for logs and dead-letter reasons.
func Classify(err error) (retryable bool, kind string) {
	if err == nil {
		return false, ""
	}

	var trans *transientError
	if errors.As(err, &trans) {
		return true, "transient"
	}
	if reason, ok := PermanentReason(err); ok {
		return false, reason
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "malformed-payload"
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "row-not-found"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, "network"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true, "network"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "duplicate key") {
		// Repositories upsert with ON CONFLICT, so a uniqueness collision
		// reaching this point is a logic bug, not a retry candidate.
		return false, "duplicate-key"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "connection"
	}

	// Unknown errors are retried; the attempt cap dead-letters them if
	// they never clear.
	return true, "unclassified"
}
