package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authorization gate
	ErrCodeNoAccess               ErrorCode = "NO_ACCESS"
	ErrCodeIncorrectDecryptionKey ErrorCode = "INCORRECT_DECRYPTION_KEY"
	ErrCodeMissingSystemKey       ErrorCode = "MISSING_SYSTEM_KEY"
	ErrCodeAutomationUnavailable  ErrorCode = "AUTOMATION_UNAVAILABLE"

	// Multi-factor authentication
	ErrCodeMFAIncorrectCode ErrorCode = "MFA_INCORRECT_CODE"
	ErrCodeMFAConflict      ErrorCode = "MFA_CONFLICT"
	ErrCodeMFANotEnabled    ErrorCode = "MFA_NOT_ENABLED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be rendered back to a caller
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func NoAccess() *AppError {
	return New(ErrCodeNoAccess, "Skyflock no longer has access to that account")
}

func IncorrectDecryptionKey() *AppError {
	return New(ErrCodeIncorrectDecryptionKey, "That decryption key is incorrect")
}

func MissingSystemKey(slot int) *AppError {
	return New(ErrCodeMissingSystemKey, "A system key is missing; please report this to the maintainers").WithDetails(map[string]int{"slot": slot})
}

func AutomationUnavailable() *AppError {
	return New(ErrCodeAutomationUnavailable, "Unattended actions are disabled while sessions are encrypted with a group key")
}

func MFAIncorrectCode() *AppError {
	return New(ErrCodeMFAIncorrectCode, "That authenticator code is incorrect")
}

func MFAConflict() *AppError {
	return New(ErrCodeMFAConflict, "Multi-factor authentication is already enabled; disable it before enrolling again")
}

func MFANotEnabled() *AppError {
	return New(ErrCodeMFANotEnabled, "Multi-factor authentication is not enabled for this account")
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// GetMessage returns the user-facing message for an AppError and a generic
// message for anything else.
func GetMessage(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Message
	}
	return "Something went wrong"
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
