package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/openmx/identityd/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard Matrix error body.
type ErrorResponse struct {
	ErrCode apperrors.ErrorCode `json:"errcode"`
	Error   string              `json:"error"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, statusFromCode(appErr.Code), ErrorResponse{
		ErrCode: appErr.Code,
		Error:   appErr.Message,
	})
}

// statusFromCode maps ErrorCode to HTTP status code
func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeInvalidSessionID,
		apperrors.ErrCodeSessionExpired,
		apperrors.ErrCodeIncorrectClientSecret,
		apperrors.ErrCodeIncorrectSessionToken,
		apperrors.ErrCodeSessionNotValidated,
		apperrors.ErrCodeMalformedAssociation,
		apperrors.ErrCodeInvalidParam,
		apperrors.ErrCodeMissingParam,
		apperrors.ErrCodeInvalidPepper,
		apperrors.ErrCodeNotJSON,
		apperrors.ErrCodeThreepidInUse:
		return http.StatusBadRequest

	// 403 Forbidden
	case apperrors.ErrCodeNoSignatures,
		apperrors.ErrCodeNoMatchingSignature,
		apperrors.ErrCodeVerificationFailed,
		apperrors.ErrCodeUnknownPeer,
		apperrors.ErrCodeDestinationRejected:
		return http.StatusForbidden

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 502 Bad Gateway
	case apperrors.ErrCodeExternal:
		return http.StatusBadGateway

	// 500 Internal Server Error
	case apperrors.ErrCodeUnknown,
		apperrors.ErrCodeDatabase:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
