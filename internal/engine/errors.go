package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an error that aborted an instantiation flow.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// FlowToken identifies the affected flow.
	FlowToken string

	// Instance is the index of the instance being built, if any.
	Instance string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeQuotaExceeded indicates the flow constructed too many instances.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeUnknownComponent indicates a component reference could not be resolved.
	ErrCodeUnknownComponent RuntimeErrorCode = "UNKNOWN_COMPONENT"

	// ErrCodeInvalidDescriptor indicates a malformed dependency descriptor.
	ErrCodeInvalidDescriptor RuntimeErrorCode = "INVALID_DESCRIPTOR"

	// ErrCodeHookFailed indicates an init, ready or render hook returned an error.
	ErrCodeHookFailed RuntimeErrorCode = "HOOK_FAILED"

	// ErrCodeResolutionFailed indicates a load, store or dataset dependency failed.
	ErrCodeResolutionFailed RuntimeErrorCode = "RESOLUTION_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	switch {
	case e.FlowToken != "" && e.Instance != "":
		return fmt.Sprintf("%s (flow=%s, instance=%s)", msg, e.FlowToken, e.Instance)
	case e.FlowToken != "":
		return fmt.Sprintf("%s (flow=%s)", msg, e.FlowToken)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsQuotaError reports whether err is a quota exceeded error.
func IsQuotaError(err error) bool { return hasCode(err, ErrCodeQuotaExceeded) }

// IsUnknownComponent reports whether err is an unknown component error.
func IsUnknownComponent(err error) bool { return hasCode(err, ErrCodeUnknownComponent) }

// IsInvalidDescriptor reports whether err is an invalid descriptor error.
func IsInvalidDescriptor(err error) bool { return hasCode(err, ErrCodeInvalidDescriptor) }

// IsHookError reports whether err is a failed lifecycle hook.
func IsHookError(err error) bool { return hasCode(err, ErrCodeHookFailed) }

// IsResolutionError reports whether err is a failed dependency.
func IsResolutionError(err error) bool { return hasCode(err, ErrCodeResolutionFailed) }

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(flowToken string, instances, maxInstances int) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeQuotaExceeded,
		Message:   fmt.Sprintf("flow exceeded max instances (%d > %d)", instances, maxInstances),
		FlowToken: flowToken,
		Details: map[string]string{
			"instances":     fmt.Sprintf("%d", instances),
			"max_instances": fmt.Sprintf("%d", maxInstances),
		},
	}
}

func newHookError(flowToken, instance, hook string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeHookFailed,
		Message:   hook + " hook failed",
		FlowToken: flowToken,
		Instance:  instance,
		Details:   map[string]string{"hook": hook},
		Err:       err,
	}
}

func newResolutionError(flowToken, instance, path string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeResolutionFailed,
		Message:   "resolve " + path,
		FlowToken: flowToken,
		Instance:  instance,
		Details:   map[string]string{"path": path},
		Err:       err,
	}
}
