package domain

import "time"

type ShareID string

type ShareState string

const (
	ShareStateNone   ShareState = "none"
	ShareStateActive ShareState = "active"
	ShareStatePaused ShareState = "paused"
	ShareStateEnded  ShareState = "ended"
)

// ShareQuality is a capture preset for screen sharing.
type ShareQuality string

const (
	ShareQualityLow    ShareQuality = "low"
	ShareQualityMedium ShareQuality = "medium"
	ShareQualityHigh   ShareQuality = "high"
)

// FrameRate returns the default capture frame rate of the preset.
func (q ShareQuality) FrameRate() int {
	switch q {
	case ShareQualityLow:
		return 5
	case ShareQualityHigh:
		return 30
	default:
		return 15
	}
}

// MaxBitrate returns the target bitrate of the preset in kbps.
func (q ShareQuality) MaxBitrate() int {
	switch q {
	case ShareQualityLow:
		return 500
	case ShareQualityHigh:
		return 2500
	default:
		return 1000
	}
}

// PauseMode records how a share is paused on the underlying transports.
type PauseMode string

const (
	PauseModeReplaceTrack PauseMode = "replace_track"
	PauseModeRenegotiate  PauseMode = "renegotiate"
)

// ShareOptions configure a local screen share.
type ShareOptions struct {
	Quality   ShareQuality `json:"quality,omitempty"`
	WithAudio bool         `json:"with_audio,omitempty"`
}

// VideoSource names what feeds the outgoing video track.
type VideoSource string

const (
	VideoSourceCamera VideoSource = "camera"
	VideoSourceScreen VideoSource = "screen"
)

type ScreenShareSession struct {
	ID          ShareID      `json:"id"`
	OwnerUserID UserID       `json:"owner_user_id"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	State       ShareState   `json:"state"`
	IsPaused    bool         `json:"is_paused"`
	Quality     ShareQuality `json:"quality"`
	FrameRate   int          `json:"frame_rate"`
	HasAudio    bool         `json:"has_audio"`
	Local       bool         `json:"local"`
	PauseMode   PauseMode    `json:"pause_mode,omitempty"`
}

type AnnotationID string

// AnnotationSession is a drawing overlay bound to one active screen share.
type AnnotationSession struct {
	ID        AnnotationID `json:"id"`
	ShareID   ShareID      `json:"share_id"`
	StartedBy UserID       `json:"started_by"`
	StartedAt time.Time    `json:"started_at"`
}
