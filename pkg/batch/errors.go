package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals an unknown batch id.
	ErrNotFound = errors.New("batch not found")

	errBatchTooLarge = errors.New("batch exceeds maximum size")
	errEmptyBatch    = errors.New("batch contains no items")
)

// Item error kinds recorded in BatchJob error lists.
const (
	ErrKindValidation = "validation_error"
	ErrKindTransient  = "transient_error"
	ErrKindProcessing = "item_processing_error"
)

// ValidationError rejects a submission before any processing starts.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func newValidationError(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// TransientError marks a failure worth retrying with backoff before it is
// demoted to a permanent item error.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BatchFault is a job-level infrastructure failure that aborts the whole
// batch, as opposed to per-item errors which never do.
type BatchFault struct {
	Reason string
	Err    error
}

func (e *BatchFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch fault: %s: %v", e.Reason, e.Err)
	}
	return "batch fault: " + e.Reason
}

func (e *BatchFault) Unwrap() error {
	return e.Err
}

func IsBatchFault(err error) bool {
	var bf *BatchFault
	return errors.As(err, &bf)
}
