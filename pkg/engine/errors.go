package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error for recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may
	// succeed on retry, such as a scorer timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassUnavailable indicates an unreachable collaborator.
	// Policy store unavailability is the only error allowed to fail a
	// whole evaluation request.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassPermanent indicates a non-recoverable error, such as
	// invalid configuration or an unknown policy id.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error with evaluation context.
type EngineError struct {
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
	Code     string     `json:"code,omitempty"`
	PolicyID string     `json:"policy_id,omitempty"`
	Err      error      `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("[%s] %s (policy=%s): %s", e.Class, e.Message, e.PolicyID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for chain inspection.
func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewUnavailableError creates an unavailable-collaborator error.
func NewUnavailableError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassUnavailable, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithPolicy adds the policy the error belongs to.
func (e *EngineError) WithPolicy(policyID string) *EngineError {
	e.PolicyID = policyID
	return e
}

// IsUnavailable reports whether err is classified unavailable.
func IsUnavailable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnavailable
	}
	return false
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownPolicy    = "UNKNOWN_POLICY"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeScorerDown       = "SCORER_UNAVAILABLE"
	ErrCodeStoreDown        = "STORE_UNAVAILABLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Canonical per-policy failure messages recorded on failed results.
const (
	msgTimeout       = "timeout exceeded"
	msgScorerDown    = "scorer unavailable"
	msgInvalidConfig = "invalid configuration"
	msgUnknownPolicy = "unknown policy"
)
