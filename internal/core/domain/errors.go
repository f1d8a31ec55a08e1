package domain

import "errors"

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrCallInProgress      = errors.New("another call is in progress")
	ErrSessionEnded        = errors.New("call session has ended")
	ErrInvalidState        = errors.New("operation not valid in current call state")
	ErrNotAuthorized       = errors.New("not_authorized")
	ErrRoomLocked          = errors.New("room is locked")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRaiseHandNotFound   = errors.New("raise hand request not found")
	ErrShareInProgress     = errors.New("another screen share is active")
	ErrNoActiveShare       = errors.New("no active screen share")
	ErrAnnotationNotFound  = errors.New("annotation session not found")

	ErrPermissionDenied  = errors.New("permission_denied")
	ErrDeviceNotFound    = errors.New("device_not_found")
	ErrDeviceUnavailable = errors.New("device_unavailable")

	ErrPeerNotFound             = errors.New("peer not found")
	ErrPeerClosed               = errors.New("peer session is closed")
	ErrRemoteDescriptionMissing = errors.New("remote description not set")
	ErrNoLocalOffer             = errors.New("answer received without a local offer")
	ErrReplaceTrackUnsupported  = errors.New("transport cannot replace tracks in place")
)
