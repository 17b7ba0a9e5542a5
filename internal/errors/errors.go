package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Selection errors
	ErrCodeNoAvailableInstance ErrorCode = "NO_AVAILABLE_INSTANCE"
	ErrCodeUnknownStrategy     ErrorCode = "UNKNOWN_STRATEGY"

	// Admission and isolation
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeCallPanic         ErrorCode = "CALL_PANIC"

	// Configuration and input errors
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidInstance ErrorCode = "INVALID_INSTANCE"
	ErrCodeConfigLoad      ErrorCode = "CONFIG_LOAD_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching. Matching is by code only.
var (
	ErrNoAvailableInstance = &TrafficError{Code: ErrCodeNoAvailableInstance}
	ErrCircuitOpen         = &TrafficError{Code: ErrCodeCircuitOpen}
	ErrRateLimitExceeded   = &TrafficError{Code: ErrCodeRateLimitExceeded}
	ErrInvalidConfig       = &TrafficError{Code: ErrCodeInvalidConfig}
	ErrInvalidInstance     = &TrafficError{Code: ErrCodeInvalidInstance}
)

// TrafficError represents a structured error with context
type TrafficError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"` // Original error
}

// Error implements the error interface
func (e *TrafficError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *TrafficError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *TrafficError) Is(target error) bool {
	if t, ok := target.(*TrafficError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *TrafficError) WithMetadata(key string, value interface{}) *TrafficError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *TrafficError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidConfig, ErrCodeInvalidInstance, ErrCodeUnknownStrategy:
		return 400
	case ErrCodeRateLimitExceeded:
		return 429
	case ErrCodeNoAvailableInstance, ErrCodeCircuitOpen:
		return 503
	default:
		return 500
	}
}

// NewError creates a new TrafficError
func NewError(code ErrorCode, component, message string) *TrafficError {
	return &TrafficError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new TrafficError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *TrafficError {
	e := NewError(code, component, message)
	e.Cause = cause
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps an existing error with TrafficError structure
func WrapError(err error, code ErrorCode, component, message string) *TrafficError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// NewNoAvailableInstanceError creates an error for an empty candidate set
func NewNoAvailableInstanceError(serviceName string) *TrafficError {
	return NewError(
		ErrCodeNoAvailableInstance,
		"load_balancer",
		fmt.Sprintf("no available instance for service %s", serviceName),
	).WithMetadata("service", serviceName)
}

// NewCircuitOpenError creates the error handed to fallbacks of a short-circuited call
func NewCircuitOpenError(key, phase string) *TrafficError {
	return NewError(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("circuit %s is %s", key, phase),
	).WithMetadata("key", key).WithMetadata("phase", phase)
}

// NewRateLimitError creates an error for a denied admission
func NewRateLimitError(callerKey string, limit int) *TrafficError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for caller %s (limit: %d)", callerKey, limit),
	).WithMetadata("caller", callerKey).WithMetadata("limit", limit)
}

// NewInvalidConfigError creates an error for a rejected configuration value
func NewInvalidConfigError(component, message string) *TrafficError {
	return NewError(ErrCodeInvalidConfig, component, message)
}

// NewInvalidInstanceError creates an error for a rejected registration
func NewInvalidInstanceError(cause error) *TrafficError {
	return NewErrorWithCause(ErrCodeInvalidInstance, "service_registry", "invalid service instance", cause)
}

// NewUnknownStrategyError creates an error for an unsupported strategy name
func NewUnknownStrategyError(strategy string) *TrafficError {
	return NewError(
		ErrCodeUnknownStrategy,
		"load_balancer",
		fmt.Sprintf("unsupported load balancing strategy '%s'", strategy),
	).WithMetadata("strategy", strategy)
}

// NewCallPanicError converts a recovered panic value into an error
func NewCallPanicError(key string, recovered interface{}) *TrafficError {
	return NewError(
		ErrCodeCallPanic,
		"circuit_breaker",
		fmt.Sprintf("wrapped call panicked: %v", recovered),
	).WithMetadata("key", key)
}

// IsTrafficError checks if an error is a TrafficError
func IsTrafficError(err error) bool {
	var tErr *TrafficError
	return errors.As(err, &tErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var tErr *TrafficError
	if errors.As(err, &tErr) {
		return tErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var tErr *TrafficError
	if errors.As(err, &tErr) {
		return tErr.HTTPStatusCode()
	}
	return 500
}
