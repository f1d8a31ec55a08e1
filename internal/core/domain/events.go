package domain

import "time"

type EventType string

const (
	EventCallStateChanged    EventType = "call.state_changed"
	EventCallEnded           EventType = "call.ended"
	EventCallDegraded        EventType = "call.degraded"
	EventInvitation          EventType = "call.invitation"
	EventInvitationQueued    EventType = "call.invitation_queued"
	EventInvitationExpired   EventType = "call.invitation_expired"
	EventPeerStateChanged    EventType = "peer.state_changed"
	EventPeerRemoved         EventType = "peer.removed"
	EventRosterChanged       EventType = "roster.changed"
	EventHandRaised          EventType = "roster.hand_raised"
	EventTogglePending       EventType = "roster.toggle_pending"
	EventToggleConfirmed     EventType = "roster.toggle_confirmed"
	EventToggleReverted      EventType = "roster.toggle_reverted"
	EventModerationLogged    EventType = "moderation.logged"
	EventQualityChanged      EventType = "quality.changed"
	EventScreenShareStarted  EventType = "screenshare.started"
	EventScreenSharePaused   EventType = "screenshare.paused"
	EventScreenShareResumed  EventType = "screenshare.resumed"
	EventScreenShareEnded    EventType = "screenshare.ended"
	EventScreenShareReplaced EventType = "screenshare.replaced"
	EventAnnotationStarted   EventType = "annotation.started"
	EventAnnotationEnded     EventType = "annotation.ended"
)

// Event is delivered to presentation-layer subscribers and event sinks.
type Event struct {
	Type           EventType  `json:"type"`
	CallID         CallID     `json:"call_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Status         CallStatus `json:"status,omitempty"`
	PreviousStatus CallStatus `json:"previous_status,omitempty"`
	Reason         EndReason  `json:"reason,omitempty"`
	UserID         UserID     `json:"user_id,omitempty"`

	PeerState  PeerConnectionState `json:"peer_state,omitempty"`
	Quality    *QualityChange      `json:"quality,omitempty"`
	Share      *ScreenShareSession `json:"share,omitempty"`
	Annotation *AnnotationSession  `json:"annotation,omitempty"`
	Toggle     *PendingToggle      `json:"toggle,omitempty"`
	Moderation *ModerationEntry    `json:"moderation,omitempty"`
	RaiseHand  *RaiseHandRequest   `json:"raise_hand,omitempty"`
	Invitation *Invitation         `json:"invitation,omitempty"`
	Record     *CallRecord         `json:"record,omitempty"`
	Detail     string              `json:"detail,omitempty"`
}
