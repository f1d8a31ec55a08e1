package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"callengine/internal/core/domain"
	"callengine/pkg/errors"
)

// toAppError maps engine errors onto API errors.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrCallNotFound),
		stderrors.Is(err, domain.ErrParticipantNotFound),
		stderrors.Is(err, domain.ErrRaiseHandNotFound),
		stderrors.Is(err, domain.ErrNoActiveShare),
		stderrors.Is(err, domain.ErrAnnotationNotFound),
		stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNotAuthorized):
		return errors.NewNotAuthorizedError(err)
	case stderrors.Is(err, domain.ErrCallInProgress),
		stderrors.Is(err, domain.ErrRoomLocked),
		stderrors.Is(err, domain.ErrShareInProgress):
		appErr := errors.NewConflictError(err.Error())
		appErr.Cause = err
		return appErr
	case stderrors.Is(err, domain.ErrInvalidState):
		return errors.NewInvalidStateError(err)
	case stderrors.Is(err, domain.ErrSessionEnded),
		stderrors.Is(err, domain.ErrReplaceTrackUnsupported):
		return errors.WrapError(err, errors.ErrCodeInvalidState, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrPermissionDenied),
		stderrors.Is(err, domain.ErrDeviceNotFound),
		stderrors.Is(err, domain.ErrDeviceUnavailable):
		return errors.NewDeviceError(err).WithContext("reason", err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError(err)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}
