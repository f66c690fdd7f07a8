package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier. Codes follow the Matrix
// M_ convention so clients can branch on them without parsing prose.
type ErrorCode string

const (
	// Validation sessions
	ErrCodeInvalidSessionID       ErrorCode = "M_INVALID_SESSION_ID"
	ErrCodeSessionExpired         ErrorCode = "M_SESSION_EXPIRED"
	ErrCodeIncorrectClientSecret  ErrorCode = "M_INCORRECT_CLIENT_SECRET"
	ErrCodeIncorrectSessionToken  ErrorCode = "M_INCORRECT_SESSION_TOKEN"
	ErrCodeSessionNotValidated    ErrorCode = "M_SESSION_NOT_VALIDATED"
	ErrCodeDestinationRejected    ErrorCode = "M_DESTINATION_REJECTED"

	// Replication / trust
	ErrCodeNoSignatures        ErrorCode = "M_NO_SIGNATURES"
	ErrCodeNoMatchingSignature ErrorCode = "M_NO_MATCHING_SIGNATURE"
	ErrCodeVerificationFailed  ErrorCode = "M_VERIFICATION_FAILED"
	ErrCodeUnknownPeer         ErrorCode = "M_UNKNOWN_PEER"

	// Input
	ErrCodeMalformedAssociation ErrorCode = "M_MALFORMED_ASSOCIATION"
	ErrCodeInvalidParam         ErrorCode = "M_INVALID_PARAM"
	ErrCodeMissingParam         ErrorCode = "M_MISSING_PARAM"
	ErrCodeInvalidPepper        ErrorCode = "M_INVALID_PEPPER"
	ErrCodeNotJSON              ErrorCode = "M_NOT_JSON"

	// Resource
	ErrCodeNotFound      ErrorCode = "M_NOT_FOUND"
	ErrCodeThreepidInUse ErrorCode = "M_THREEPID_IN_USE"

	// Internal
	ErrCodeUnknown  ErrorCode = "M_UNKNOWN"
	ErrCodeDatabase ErrorCode = "M_DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "M_EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"errcode"`
	Message string    `json:"error"`
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

// Common error constructors.
//
// Session errors carry fixed prose: the code alone distinguishes the
// failure, and free-text hints would tell a guessing client which field
// was closest to correct.

func InvalidSessionID() *AppError {
	return New(ErrCodeInvalidSessionID, "No session could be found with this id")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "This validation session has expired")
}

func IncorrectClientSecret() *AppError {
	return New(ErrCodeIncorrectClientSecret, "This client_secret does not match the provided session_id")
}

func IncorrectSessionToken() *AppError {
	return New(ErrCodeIncorrectSessionToken, "Validation failed")
}

func SessionNotValidated() *AppError {
	return New(ErrCodeSessionNotValidated, "This validation session has not yet been completed")
}

func DestinationRejected(message string) *AppError {
	return New(ErrCodeDestinationRejected, message)
}

func NoSignatures() *AppError {
	return New(ErrCodeNoSignatures, "Signed association has no signatures")
}

func NoMatchingSignature(serverName string) *AppError {
	return New(ErrCodeNoMatchingSignature,
		fmt.Sprintf("No ed25519 signature from %s found", serverName))
}

func VerificationFailed() *AppError {
	return New(ErrCodeVerificationFailed, "Signature verification failed")
}

func UnknownPeer(serverName string) *AppError {
	return New(ErrCodeUnknownPeer, fmt.Sprintf("%s is not a known peer", serverName))
}

func MalformedAssociation(cause error) *AppError {
	return Wrap(ErrCodeMalformedAssociation, "Signed association is malformed", cause)
}

func InvalidParam(field string, reason string) *AppError {
	return New(ErrCodeInvalidParam, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingParam(field string) *AppError {
	return New(ErrCodeMissingParam, fmt.Sprintf("%s is required", field))
}

func InvalidPepper() *AppError {
	return New(ErrCodeInvalidPepper, "Unknown or stale lookup pepper")
}

func NotJSON() *AppError {
	return New(ErrCodeNotJSON, "Request body is not valid JSON")
}

func ThreepidInUse() *AppError {
	return New(ErrCodeThreepidInUse, "This threepid is already bound; invite the user directly")
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Internal(message string) *AppError {
	return New(ErrCodeUnknown, message)
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

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeUnknown
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeUnknown
}
