// Package apperr holds the error taxonomy shared by the automation, approval
// and notification services.
package apperr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports malformed input. It is fatal to the single call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PolicyNotFoundError means no approval policy governs the action. The action
// must be deferred, never treated as approved.
type PolicyNotFoundError struct {
	Repository string
	Type       string
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("no approval policy matches repository %q and type %q", e.Repository, e.Type)
}

// UnauthorizedActionError means the user lacks role, team or delegation for
// the current approval step.
type UnauthorizedActionError struct {
	UserID    string
	RequestID string
	Reason    string
}

func (e *UnauthorizedActionError) Error() string {
	msg := fmt.Sprintf("user %q may not act on approval request %q", e.UserID, e.RequestID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DeliveryError describes a notification that exhausted its retries.
type DeliveryError struct {
	Channel  string
	Address  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s:%s failed after %d attempts: %v", e.Channel, e.Address, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RuleEvaluationError is recorded when a single automation rule fails.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q failed: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPolicyNotFound reports whether err is (or wraps) a PolicyNotFoundError.
func IsPolicyNotFound(err error) bool {
	var p *PolicyNotFoundError
	return errors.As(err, &p)
}
