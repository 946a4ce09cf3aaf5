// Package engine provides the core types and interfaces for the supervisor orchestration engine.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for callers deciding
// whether to retry, report or surface it.
type ErrorClass string

const (
	// ErrorClassCondition indicates a job precondition was not satisfied.
	// Nothing was attempted and no side effects happened.
	ErrorClassCondition ErrorClass = "condition"

	// ErrorClassConflict indicates another operation of the same class holds
	// the lock. The caller may retry later.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassComponent indicates a managed component (container, plugin,
	// add-on) failed to perform the requested action.
	ErrorClassComponent ErrorClass = "component"

	// ErrorClassWorkflow indicates a multi-step workflow such as a snapshot or
	// restore aborted part way.
	ErrorClassWorkflow ErrorClass = "workflow"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid password, wrong snapshot type, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the component slug or snapshot slug involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrorClassName returns the class as a plain string for telemetry.
func (e *EngineError) ErrorClassName() string {
	return string(e.Class)
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConditionError creates an error for an unmet job condition.
func NewConditionError(job, condition string) *EngineError {
	return &EngineError{
		Class:     ErrorClassCondition,
		Message:   fmt.Sprintf("condition %q not met", condition),
		Code:      ErrCodeConditionFailed,
		Operation: job,
		Details:   map[string]interface{}{"condition": condition},
	}
}

// NewInProgressError creates an error for an operation rejected because the
// lock of its class is held.
func NewInProgressError(job, lock string) *EngineError {
	return &EngineError{
		Class:     ErrorClassConflict,
		Message:   fmt.Sprintf("%s already in progress", lock),
		Code:      ErrCodeInProgress,
		Operation: job,
	}
}

// NewComponentError creates a component failure error.
func NewComponentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassComponent,
		Message: message,
		Err:     err,
	}
}

// NewWorkflowError creates a workflow failure error.
func NewWorkflowError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassWorkflow,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConditionFailed returns true if the error reports an unmet job condition.
func IsConditionFailed(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassCondition
}

// FailedCondition returns the name of the unmet condition carried by err.
func FailedCondition(err error) (string, bool) {
	var e *EngineError
	if !errors.As(err, &e) || e.Class != ErrorClassCondition {
		return "", false
	}
	name, ok := e.Details["condition"].(string)
	return name, ok
}

// IsInProgress returns true if the error reports lock contention.
func IsInProgress(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassConflict
}

// IsComponentError returns true if the error is classified as a component failure.
func IsComponentError(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassComponent
}

// IsWorkflowError returns true if the error is classified as a workflow failure.
func IsWorkflowError(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassWorkflow
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Condition and conflict errors leave no side effects behind.
func IsRetryable(err error) bool {
	return IsConditionFailed(err) || IsInProgress(err)
}

// Common error codes.
const (
	ErrCodeConditionFailed = "CONDITION_FAILED"
	ErrCodeInProgress      = "IN_PROGRESS"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidPassword = "INVALID_PASSWORD"
	ErrCodeTypeMismatch    = "TYPE_MISMATCH"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeComponentFailed = "COMPONENT_FAILED"
	ErrCodeUpdateFailed    = "UPDATE_FAILED"
	ErrCodeValidation      = "VALIDATION_ERROR"
)
