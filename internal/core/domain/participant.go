package domain

import "time"

type Role string

const (
	RoleHost        Role = "host"
	RoleCoHost      Role = "co_host"
	RoleSpeaker     Role = "speaker"
	RoleParticipant Role = "participant"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleCoHost, RoleSpeaker, RoleParticipant, RoleViewer:
		return true
	}
	return false
}

type Participant struct {
	UserID          UserID    `json:"user_id"`
	Role            Role      `json:"role"`
	IsMuted         bool      `json:"is_muted"`
	IsVideoEnabled  bool      `json:"is_video_enabled"`
	IsScreenSharing bool      `json:"is_screen_sharing"`
	HasRaisedHand   bool      `json:"has_raised_hand"`
	JoinedAt        time.Time `json:"joined_at"`
}

type RaiseHandID string

type RaiseHandStatus string

const (
	RaiseHandPending  RaiseHandStatus = "pending"
	RaiseHandAccepted RaiseHandStatus = "accepted"
	RaiseHandDeclined RaiseHandStatus = "declined"
)

type RaiseHandRequest struct {
	ID          RaiseHandID     `json:"id"`
	UserID      UserID          `json:"user_id"`
	RequestedAt time.Time       `json:"requested_at"`
	Status      RaiseHandStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

type ModerationAction string

const (
	ModerationMute           ModerationAction = "mute"
	ModerationMuteAll        ModerationAction = "mute_all"
	ModerationPromote        ModerationAction = "promote"
	ModerationDemote         ModerationAction = "demote"
	ModerationRemove         ModerationAction = "remove"
	ModerationLock           ModerationAction = "lock"
	ModerationUnlock         ModerationAction = "unlock"
	ModerationRecordingStart ModerationAction = "recording_start"
	ModerationRecordingStop  ModerationAction = "recording_stop"
	ModerationHandAccepted   ModerationAction = "hand_accepted"
	ModerationHandDeclined   ModerationAction = "hand_declined"
	ModerationHandsCleared   ModerationAction = "hands_cleared"
	ModerationEndForEveryone ModerationAction = "end_for_everyone"
)

type ModerationEntry struct {
	Seq          int              `json:"seq"`
	ModeratorID  UserID           `json:"moderator_id"`
	Action       ModerationAction `json:"action"`
	TargetUserID *UserID          `json:"target_user_id,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// ToggleKind names a self-owned state that is changed optimistically.
type ToggleKind string

const (
	ToggleMute  ToggleKind = "mute"
	ToggleVideo ToggleKind = "video"
)

type ToggleStatus string

const (
	TogglePending   ToggleStatus = "pending"
	ToggleConfirmed ToggleStatus = "confirmed"
	ToggleReverted  ToggleStatus = "reverted"
)

// PendingToggle is the first phase of an optimistic change; the authoritative
// Participant record only changes on confirmation.
type PendingToggle struct {
	ID          string       `json:"id"`
	UserID      UserID       `json:"user_id"`
	Kind        ToggleKind   `json:"kind"`
	Value       bool         `json:"value"`
	Status      ToggleStatus `json:"status"`
	RequestedAt time.Time    `json:"requested_at"`
}
