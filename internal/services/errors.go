package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAutomationNotFound  = errors.New("automation not found")
	ErrAutomationForbidden = errors.New("unauthorized access to automation")
	ErrBulkInProgress      = errors.New("bulk action already in progress")
	ErrWebhookCircuitOpen  = errors.New("webhook circuit open")
	ErrWebhookRejected     = errors.New("webhook rejected request")
	ErrInvalidFilter       = errors.New("invalid filter")
)

// ValidationKind classifies request-level validation failures.
type ValidationKind string

const (
	InvalidActionKind ValidationKind = "invalid_action"
	InvalidIDsKind    ValidationKind = "invalid_ids"
	BatchTooLargeKind ValidationKind = "batch_too_large"
)

// ValidationError rejects a whole request before any side effect.
type ValidationError struct {
	Kind    ValidationKind
	Message string
	Details map[string]interface{}
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches on Kind so callers can use the sentinels below with errors.Is.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidAction = &ValidationError{Kind: InvalidActionKind, Message: "Invalid action. Must be 'run' or 'stop'"}
	ErrInvalidIDs    = &ValidationError{Kind: InvalidIDsKind, Message: "automationIds must be a non-empty array"}
	ErrBatchTooLarge = &ValidationError{Kind: BatchTooLargeKind, Message: "Batch size too large"}
)

func batchTooLarge(requested, maximum int) *ValidationError {
	return &ValidationError{
		Kind:    BatchTooLargeKind,
		Message: fmt.Sprintf("Batch size too large. Maximum %d automations per request", maximum),
		Details: map[string]interface{}{
			"requested": requested,
			"maximum":   maximum,
		},
	}
}

// BulkActionError is an orchestration-level failure after validation passed.
type BulkActionError struct {
	Processed int
	Elapsed   time.Duration
	Err       error
}

func (e *BulkActionError) Error() string {
	return fmt.Sprintf("bulk action aborted after %d items: %v", e.Processed, e.Err)
}

func (e *BulkActionError) Unwrap() error {
	return e.Err
}
