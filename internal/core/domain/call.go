package domain

import "time"

type CallID string
type UserID string
type MessageID string

type CallKind string

const (
	CallKindOneToOne CallKind = "one_to_one"
	CallKindGroup    CallKind = "group"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a CallSession.
type CallStatus string

const (
	StatusIdle         CallStatus = "idle"
	StatusRinging      CallStatus = "ringing"
	StatusConnecting   CallStatus = "connecting"
	StatusConnected    CallStatus = "connected"
	StatusReconnecting CallStatus = "reconnecting"
	StatusEnded        CallStatus = "ended"
	StatusFailed       CallStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s CallStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// IsLive reports whether media is (or is being re-) established.
func (s CallStatus) IsLive() bool {
	return s == StatusConnected || s == StatusReconnecting
}

type EndReason string

const (
	EndReasonNone             EndReason = ""
	EndReasonHangup           EndReason = "hangup"
	EndReasonRemoteHangup     EndReason = "remote_hangup"
	EndReasonDeclined         EndReason = "declined"
	EndReasonRemoteDeclined   EndReason = "remote_declined"
	EndReasonMissed           EndReason = "missed"
	EndReasonBusy             EndReason = "busy"
	EndReasonEndedForEveryone EndReason = "ended_for_everyone"
	EndReasonAllLeft          EndReason = "all_left"
	EndReasonReconnectFailed  EndReason = "reconnect_failed"
	EndReasonRemoved          EndReason = "removed"
	EndReasonTransportError   EndReason = "transport_error"
	EndReasonMediaUnavailable EndReason = "media_unavailable"
	EndReasonShutdown         EndReason = "shutdown"
)

// IsDeclined groups the three sub-reasons of the ringing → ended transition.
func (r EndReason) IsDeclined() bool {
	return r == EndReasonDeclined || r == EndReasonRemoteDeclined || r == EndReasonMissed
}

// CallSnapshot is an immutable view of a CallSession handed to the presentation layer.
type CallSnapshot struct {
	CallID       CallID                  `json:"call_id"`
	Kind         CallKind                `json:"kind"`
	Type         CallType                `json:"type"`
	Status       CallStatus              `json:"status"`
	EndReason    EndReason               `json:"end_reason,omitempty"`
	LocalUser    UserID                  `json:"local_user"`
	Initiator    UserID                  `json:"initiator"`
	StartedAt    time.Time               `json:"started_at"`
	ConnectedAt  *time.Time              `json:"connected_at,omitempty"`
	EndedAt      *time.Time              `json:"ended_at,omitempty"`
	Peers        []PeerSnapshot          `json:"peers"`
	Participants []Participant           `json:"participants"`
	RaisedHands  []RaiseHandRequest      `json:"raised_hands"`
	Shares       []ScreenShareSession    `json:"shares"`
	Annotations  []AnnotationSession     `json:"annotations,omitempty"`
	Locked       bool                    `json:"locked"`
	AllMuted     bool                    `json:"all_muted"`
	Recording    bool                    `json:"recording"`
	Pending      []PendingToggle         `json:"pending,omitempty"`
	Quality      map[UserID]QualityLevel `json:"quality,omitempty"`
}

// PeerSnapshot is the externally visible part of a PeerSession.
type PeerSnapshot struct {
	RemoteUser           UserID              `json:"remote_user"`
	State                PeerConnectionState `json:"state"`
	LocalDescriptionSet  bool                `json:"local_description_set"`
	RemoteDescriptionSet bool                `json:"remote_description_set"`
	QueuedCandidates     int                 `json:"queued_candidates"`
	ReconnectAttempts    int                 `json:"reconnect_attempts"`
	Quality              QualityLevel        `json:"quality,omitempty"`
}

// CallRecord is handed to persistence exactly once when a session terminates.
type CallRecord struct {
	CallID       CallID        `json:"call_id"`
	Kind         CallKind      `json:"kind"`
	Type         CallType      `json:"type"`
	Initiator    UserID        `json:"initiator"`
	Participants []UserID      `json:"participants"`
	StartedAt    time.Time     `json:"started_at"`
	ConnectedAt  *time.Time    `json:"connected_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration"`
	FinalStatus  CallStatus    `json:"final_status"`
	EndReason    EndReason     `json:"end_reason"`
}

// Invitation describes an inbound call that has not been accepted yet.
type Invitation struct {
	CallID       CallID    `json:"call_id"`
	From         UserID    `json:"from"`
	Kind         CallKind  `json:"kind"`
	Type         CallType  `json:"type"`
	Participants []UserID  `json:"participants,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}
