package signal

import (
	"callengine/internal/core/domain"
)

// FrameType tags frames exchanged between the relay and its clients.
type FrameType string

const (
	FrameSignal  FrameType = "signal"
	FrameError   FrameType = "error"
	FrameWelcome FrameType = "welcome"
)

// Frame is the relay wire envelope. Signal frames carry one SignalMessage;
// error frames reference the rejected message by Ref.
type Frame struct {
	Type   FrameType             `json:"type"`
	Signal *domain.SignalMessage `json:"signal,omitempty"`
	Error  string                `json:"error,omitempty"`
	Ref    domain.MessageID      `json:"ref,omitempty"`
	UserID domain.UserID         `json:"user_id,omitempty"`
}
