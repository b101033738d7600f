package tasks

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind partitions pipeline failures for the retry decision. The worker
// pool is the only component that acts on it.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindTransientInfra  ErrorKind = "transient_infra"
	KindDataUnavailable ErrorKind = "data_unavailable"
	KindAlgorithm       ErrorKind = "algorithm"
)

// ValidationError marks a payload or schema problem. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Msg
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientInfraError marks a temporarily unreachable store or broker.
// Retried with bounded backoff up to the retry limit.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient infra error in %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an infrastructure failure.
func NewTransientError(op string, err error) *TransientInfraError {
	return &TransientInfraError{Op: op, Err: err}
}

// DataUnavailableError marks a missing upstream dependency. Whether it is
// retried is a per-stage policy, carried in Retryable.
type DataUnavailableError struct {
	Subject   string
	Msg       string
	Retryable bool
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable for %s: %s", e.Subject, e.Msg)
}

// NewDataUnavailable builds a DataUnavailableError with the stage's retry
// policy baked in.
func NewDataUnavailable(subject, msg string, retryable bool) *DataUnavailableError {
	return &DataUnavailableError{Subject: subject, Msg: msg, Retryable: retryable}
}

// AlgorithmError marks a failure inside the opaque algorithm capability.
// Always permanent, surfaced in the result record with details.
type AlgorithmError struct {
	AlgoID string
	Err    error
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("algorithm %s failed: %v", e.AlgoID, e.Err)
}

func (e *AlgorithmError) Unwrap() error {
	return e.Err
}

// NewAlgorithmError wraps an algorithm failure.
func NewAlgorithmError(algoID string, err error) *AlgorithmError {
	return &AlgorithmError{AlgoID: algoID, Err: err}
}

// Classify maps an error to its kind and whether a retry can help.
// Unclassified errors and stage timeouts count as transient, matching the
// at-least-once delivery posture: redelivery is safe, silent loss is not.
func Classify(err error) (ErrorKind, bool) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return KindValidation, false
	}

	var algorithm *AlgorithmError
	if errors.As(err, &algorithm) {
		return KindAlgorithm, false
	}

	var unavailable *DataUnavailableError
	if errors.As(err, &unavailable) {
		return KindDataUnavailable, unavailable.Retryable
	}

	var transient *TransientInfraError
	if errors.As(err, &transient) {
		return KindTransientInfra, true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientInfra, true
	}

	return KindTransientInfra, true
}

// AsTaskError converts any pipeline error into its serializable record form.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	kind, _ := Classify(err)
	return &TaskError{Kind: kind, Message: err.Error()}
}
