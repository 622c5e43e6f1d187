package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrArtifactMissing indicates no model artifact has been published yet.
	ErrArtifactMissing = errors.New("model artifact missing")
	// ErrArtifactMismatch indicates the artifact's feature columns disagree with the feature engine.
	ErrArtifactMismatch = errors.New("model artifact mismatch")
	// ErrNotFound indicates a requested event or record does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a malformed or out-of-range event field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// HistoryStoreError wraps a failed history query.
type HistoryStoreError struct {
	Op  string
	Err error
}

func (e *HistoryStoreError) Error() string {
	return fmt.Sprintf("history store %s: %v", e.Op, e.Err)
}

func (e *HistoryStoreError) Unwrap() error {
	return e.Err
}

// WrapHistory tags err as a HistoryStoreError for op. Nil stays nil.
func WrapHistory(op string, err error) error {
	if err == nil {
		return nil
	}
	var hse *HistoryStoreError
	if errors.As(err, &hse) {
		return err
	}
	return &HistoryStoreError{Op: op, Err: err}
}

// ErrorClass buckets an error into the taxonomy used for metrics and status codes.
func ErrorClass(err error) string {
	var verr *ValidationError
	var herr *HistoryStoreError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, ErrArtifactMissing):
		return "artifact_missing"
	case errors.Is(err, ErrArtifactMismatch):
		return "artifact_mismatch"
	case errors.As(err, &herr):
		return "history_store"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
