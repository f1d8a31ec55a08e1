package domain

import "time"

// MessageType identifies a signaling message on the wire.
type MessageType string

const (
	MsgInvite             MessageType = "invite"
	MsgAccept             MessageType = "accept"
	MsgDecline            MessageType = "decline"
	MsgOffer              MessageType = "offer"
	MsgAnswer             MessageType = "answer"
	MsgICECandidate       MessageType = "ice-candidate"
	MsgHangup             MessageType = "hangup"
	MsgEndForEveryone     MessageType = "end-for-everyone"
	MsgParticipantJoined  MessageType = "participant-joined"
	MsgParticipantLeft    MessageType = "participant-left"
	MsgRoleChange         MessageType = "role-change"
	MsgMuteState          MessageType = "mute-state"
	MsgVideoState         MessageType = "video-state"
	MsgRaiseHand          MessageType = "raise-hand"
	MsgLowerHand          MessageType = "lower-hand"
	MsgHandResolved       MessageType = "hand-resolved"
	MsgModeration         MessageType = "moderation"
	MsgScreenShareStarted MessageType = "screen-share-started"
	MsgScreenShareStopped MessageType = "screen-share-stopped"
	MsgScreenSharePaused  MessageType = "screen-share-paused"
	MsgScreenShareResumed MessageType = "screen-share-resumed"
)

// KnownMessageTypes is used by transports to reject garbage early.
var KnownMessageTypes = map[MessageType]bool{
	MsgInvite: true, MsgAccept: true, MsgDecline: true, MsgOffer: true, MsgAnswer: true,
	MsgICECandidate: true, MsgHangup: true, MsgEndForEveryone: true, MsgParticipantJoined: true,
	MsgParticipantLeft: true, MsgRoleChange: true, MsgMuteState: true, MsgVideoState: true,
	MsgRaiseHand: true, MsgLowerHand: true, MsgHandResolved: true, MsgModeration: true,
	MsgScreenShareStarted: true, MsgScreenShareStopped: true, MsgScreenSharePaused: true,
	MsgScreenShareResumed: true,
}

// SignalMessage is the envelope exchanged over the signaling transport.
// Delivery is at-least-once; ID is used to drop duplicates.
type SignalMessage struct {
	ID     MessageID   `json:"id"`
	Type   MessageType `json:"type"`
	CallID CallID      `json:"call_id"`
	From   UserID      `json:"from"`
	To     UserID      `json:"to"`
	SentAt time.Time   `json:"sent_at"`

	Kind         CallKind            `json:"kind,omitempty"`
	CallType     CallType            `json:"call_type,omitempty"`
	Participants []UserID            `json:"participants,omitempty"`
	Description  *SessionDescription `json:"description,omitempty"`
	ICERestart   bool                `json:"ice_restart,omitempty"`
	// OfferGen numbers the offers of one peer link; answers echo it.
	OfferGen     int                 `json:"offer_gen,omitempty"`
	Candidate    *ICECandidate       `json:"candidate,omitempty"`
	Reason       EndReason           `json:"reason,omitempty"`

	Target     UserID           `json:"target,omitempty"`
	Role       Role             `json:"role,omitempty"`
	Roles      map[UserID]Role  `json:"roles,omitempty"`
	Muted      *bool            `json:"muted,omitempty"`
	Video      *bool            `json:"video,omitempty"`
	Moderation ModerationAction `json:"moderation,omitempty"`

	RaiseHandID RaiseHandID     `json:"raise_hand_id,omitempty"`
	HandStatus  RaiseHandStatus `json:"hand_status,omitempty"`
	Text        string          `json:"text,omitempty"`

	ShareID      ShareID      `json:"share_id,omitempty"`
	ShareQuality ShareQuality `json:"share_quality,omitempty"`
	ShareAudio   bool         `json:"share_audio,omitempty"`
}
