package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a bounded operation exceeded its deadline.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
	// ErrCodeUnavailable indicates the backing service could not be reached.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeInvalidCredentials indicates the identity provider rejected a login.
	ErrCodeInvalidCredentials ErrorCode = "invalid_credentials"
	// ErrCodeProfileNotFound indicates no profile record exists for a user.
	ErrCodeProfileNotFound ErrorCode = "profile_not_found"
	// ErrCodePersonInactive is the access-control veto for a deactivated person.
	ErrCodePersonInactive ErrorCode = "person_inactive"
	// ErrCodeChannelConnectFailure indicates a channel exhausted its reconnect attempts.
	ErrCodeChannelConnectFailure ErrorCode = "channel_connect_failure"
	// ErrCodeProvider is a pass-through failure from an external provider.
	ErrCodeProvider ErrorCode = "provider"
	// ErrCodeBusy indicates a reconciliation pass is already running.
	ErrCodeBusy ErrorCode = "busy"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Step names the operation that failed (optional, for provider errors)
	Step string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Timeout creates a Timeout error for the named operation.
func Timeout(operation string) *AppError {
	return &AppError{Code: ErrCodeTimeout, Message: operation + " timed out"}
}

// InvalidCredentials wraps a provider rejection of an email/password pair.
func InvalidCredentials(cause error) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidCredentials,
		Message: "invalid email or password",
		Cause:   cause,
	}
}

// ProfileNotFound reports a missing profile record for userID.
func ProfileNotFound(userID string) *AppError {
	return &AppError{
		Code:    ErrCodeProfileNotFound,
		Message: fmt.Sprintf("profile not found for user %q", userID),
	}
}

// PersonInactive reports the access-control veto for a deactivated person.
func PersonInactive(personID string) *AppError {
	return &AppError{
		Code:    ErrCodePersonInactive,
		Message: fmt.Sprintf("person %q is inactive; contact an administrator", personID),
	}
}

// ChannelConnectFailure reports a channel that exhausted its reconnect attempts.
func ChannelConnectFailure(topic string, attempts int, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeChannelConnectFailure,
		Message: fmt.Sprintf("channel %q failed after %d attempts", topic, attempts),
		Cause:   cause,
	}
}

// Provider annotates a pass-through provider error with the failing step.
func Provider(step string, cause error) *AppError {
	if cause == nil {
		return nil
	}
	return &AppError{
		Code:    ErrCodeProvider,
		Message: "provider error",
		Step:    step,
		Cause:   cause,
	}
}

// Busy reports that another reconciliation pass holds the lock.
func Busy(operation string) *AppError {
	return &AppError{
		Code:    ErrCodeBusy,
		Message: operation + " rejected: another session operation is in progress",
	}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks if an error has a specific error code anywhere in its chain.
func isCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool {
	return isCode(err, ErrCodeCanceled)
}

// IsInvalidCredentials checks if an error is an InvalidCredentials error.
func IsInvalidCredentials(err error) bool {
	return isCode(err, ErrCodeInvalidCredentials)
}

// IsProfileNotFound checks if an error is a ProfileNotFound error.
func IsProfileNotFound(err error) bool {
	return isCode(err, ErrCodeProfileNotFound)
}

// IsPersonInactive checks if an error is the PersonInactive veto.
func IsPersonInactive(err error) bool {
	return isCode(err, ErrCodePersonInactive)
}

// IsChannelConnectFailure checks if an error is a ChannelConnectFailure error.
func IsChannelConnectFailure(err error) bool {
	return isCode(err, ErrCodeChannelConnectFailure)
}

// IsProvider checks if an error is a Provider error.
func IsProvider(err error) bool {
	return isCode(err, ErrCodeProvider)
}

// IsBusy checks if an error is a Busy error.
func IsBusy(err error) bool {
	return isCode(err, ErrCodeBusy)
}

// GetCode returns the outermost ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
