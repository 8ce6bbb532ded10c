package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientStorage marks storage failures worth retrying (connection loss, timeouts).
	ErrTransientStorage = errors.New("transient storage error")

	// ErrPermanentItem marks an article or book that failed irrecoverably.
	ErrPermanentItem = errors.New("permanent item error")

	// ErrEnrichmentUnavailable means no metadata could be obtained for an identifier.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrInvalidFilter rejects ranking filters before any storage access.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}

// Transient wraps err so that IsTransient reports true.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
}

// InvalidFilter builds an ErrInvalidFilter with a reason.
func InvalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// FailureKind classifies a per-article ingestion failure.
type FailureKind string

const (
	FailureTransientExhausted FailureKind = "transient_exhausted"
	FailurePermanent          FailureKind = "permanent"
)

// ItemFailure records one article that could not be ingested.
type ItemFailure struct {
	SourceID string      `json:"source_id"`
	Kind     FailureKind `json:"kind"`
	Attempts int         `json:"attempts"`
	Message  string      `json:"message"`
	Err      error       `json:"-"`
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("article %s: %s after %d attempt(s): %s", f.SourceID, f.Kind, f.Attempts, f.Message)
}

func (f ItemFailure) Unwrap() []error {
	return []error{ErrPermanentItem, f.Err}
}
