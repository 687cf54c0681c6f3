package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("version conflict")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// Entitlement decision and grace transition errors.
var (
	ErrNoValidEntitlement        = errors.New("no valid entitlement")
	ErrOfflineGracePeriodExpired = errors.New("offline grace period expired")
	ErrFraudBlocked              = errors.New("entitlement blocked by fraud screening")
	ErrDuplicateTransaction      = errors.New("transaction already claimed by another account")
	ErrGracePeriodAlreadyActive  = errors.New("grace period already active")
	ErrNoActiveGracePeriod       = errors.New("no active grace period")
	ErrNotEligibleForGrace       = errors.New("entitlement not eligible for billing grace period")
	ErrGracePeriodNotElapsed     = errors.New("grace period has not elapsed")
	ErrInvalidEntitlement        = errors.New("invalid entitlement")
	ErrEntitlementAlreadyRevoked = errors.New("entitlement already revoked")
)

// Class represents the handling category of an error.
type Class string

const (
	// ClassTransient errors are retryable by the caller at the next cycle.
	ClassTransient Class = "transient"
	// ClassTerminal errors end the current decision with a denial reason.
	ClassTerminal Class = "terminal"
	// ClassMisuse errors indicate a caller ordering bug.
	ClassMisuse Class = "misuse"
	// ClassInternal covers everything else.
	ClassInternal Class = "internal"
)

// EntitlementError is a structured error for store and decision operations.
type EntitlementError struct {
	Class      Class
	Op         string // Operation that failed (e.g., "fetch", "validate")
	AccountID  string
	Err        error
	StatusCode int // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *EntitlementError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("%s failed for account %s: %v", e.Op, e.AccountID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EntitlementError) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == ErrConnectionFailed && e.Class == ClassTransient {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates an EntitlementError of the given class.
func New(class Class, op, accountID string, err error) *EntitlementError {
	return &EntitlementError{
		Class:     class,
		Op:        op,
		AccountID: accountID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: class == ClassTransient,
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *EntitlementError) WithStatusCode(code int) *EntitlementError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Class = ClassTransient
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WrapTransient wraps a network or timeout failure.
func WrapTransient(op, accountID string, err error) error {
	return New(ClassTransient, op, accountID, err)
}

// WrapTerminal wraps a terminal decision error.
func WrapTerminal(op, accountID string, err error) error {
	return New(ClassTerminal, op, accountID, err)
}

// WrapMisuse wraps an invalid state transition.
func WrapMisuse(op, accountID string, err error) error {
	return New(ClassMisuse, op, accountID, err)
}

// ClassOf reports the handling class of err.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}

	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Class
	}

	switch {
	case errors.Is(err, ErrNoValidEntitlement),
		errors.Is(err, ErrOfflineGracePeriodExpired),
		errors.Is(err, ErrFraudBlocked),
		errors.Is(err, ErrDuplicateTransaction):
		return ClassTerminal
	case errors.Is(err, ErrGracePeriodAlreadyActive),
		errors.Is(err, ErrNoActiveGracePeriod),
		errors.Is(err, ErrNotEligibleForGrace),
		errors.Is(err, ErrGracePeriodNotElapsed):
		return ClassMisuse
	}

	if isNetworkError(err) {
		return ClassTransient
	}
	return ClassInternal
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Retryable
	}

	return isNetworkError(err)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isNetworkError(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
