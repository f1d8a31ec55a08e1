package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	original := errors.New("original error")
	err := WrapError(original, ErrCodeInternal, "wrapped error", 500)

	assert.Same(t, original, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, original)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"invalid state", NewInvalidStateError(cause), ErrCodeInvalidState, http.StatusConflict},
		{"not found", NewNotFoundError("call"), ErrCodeNotFound, http.StatusNotFound},
		{"unauthorized", NewUnauthorizedError("no token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"not authorized", NewNotAuthorizedError(cause), ErrCodeNotAuthorized, http.StatusForbidden},
		{"conflict", NewConflictError("busy"), ErrCodeConflict, http.StatusConflict},
		{"device", NewDeviceError(cause), ErrCodeDevice, http.StatusFailedDependency},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{"timeout", NewTimeoutError(cause), ErrCodeTimeout, http.StatusGatewayTimeout},
		{"unavailable", NewServiceUnavailableError("down"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestNewNotFoundErrorMessage(t *testing.T) {
	assert.Equal(t, "call not found", NewNotFoundError("call").Message)
}

func TestGetAppError(t *testing.T) {
	appErr := NewConflictError("busy")

	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))

	wrapped := fmt.Errorf("handler: %w", appErr)
	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
}
