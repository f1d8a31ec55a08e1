package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// MediaConstraints describes what to capture.
type MediaConstraints struct {
	Audio     bool
	Video     bool
	FrameRate int
	Label     string
}

// MediaTrack is one captured track. Stop is idempotent.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Label() string
	Stop()
	Stopped() bool
}

// MediaStream groups tracks acquired together.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	Stop()
}

// MediaCapability acquires local camera/microphone and display capture.
// Errors wrap domain.ErrPermissionDenied, domain.ErrDeviceNotFound or
// domain.ErrDeviceUnavailable.
type MediaCapability interface {
	AcquireLocalMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
	AcquireDisplayMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
}
