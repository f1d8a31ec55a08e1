package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// InitiateRequest starts an outgoing call.
type InitiateRequest struct {
	Kind         domain.CallKind
	Type         domain.CallType
	Participants []domain.UserID
	// Roles assigns invitee roles in group calls; missing entries join as participant.
	Roles map[domain.UserID]domain.Role
}

// CallControl is the command surface of one call.
type CallControl interface {
	ID() domain.CallID
	Snapshot() domain.CallSnapshot

	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	Hangup(ctx context.Context) error
	EndForEveryone(ctx context.Context) error
	InviteParticipant(ctx context.Context, user domain.UserID, role domain.Role) error

	SetMuted(ctx context.Context, muted bool) error
	SetVideoEnabled(ctx context.Context, enabled bool) error

	RaiseHand(ctx context.Context, message string) (domain.RaiseHandRequest, error)
	LowerHand(ctx context.Context) error
	AcceptRaisedHand(ctx context.Context, id domain.RaiseHandID) error
	DeclineRaisedHand(ctx context.Context, id domain.RaiseHandID) error
	DeclineAllRaisedHands(ctx context.Context) error

	MuteParticipant(ctx context.Context, target domain.UserID) error
	MuteAll(ctx context.Context) error
	ChangeRole(ctx context.Context, target domain.UserID, role domain.Role) error
	RemoveParticipant(ctx context.Context, target domain.UserID) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	ModerationLog(ctx context.Context) ([]domain.ModerationEntry, error)

	StartScreenShare(ctx context.Context, opts domain.ShareOptions) (domain.ScreenShareSession, error)
	StopScreenShare(ctx context.Context) error
	PauseScreenShare(ctx context.Context) error
	ResumeScreenShare(ctx context.Context) error
	StartAnnotation(ctx context.Context, shareID domain.ShareID) (domain.AnnotationSession, error)
	StopAnnotation(ctx context.Context, id domain.AnnotationID) error
	ReplaceVideoSource(ctx context.Context, source domain.VideoSource) error
}

// CallService is what the presentation layer drives.
type CallService interface {
	Initiate(ctx context.Context, req InitiateRequest) (domain.CallSnapshot, error)
	Accept(ctx context.Context, id domain.CallID) error
	Decline(ctx context.Context, id domain.CallID) error
	Call(id domain.CallID) (CallControl, error)
	Active() (domain.CallSnapshot, bool)
	List() []domain.CallSnapshot
	Invitations() []domain.Invitation
	Subscribe() (<-chan domain.Event, func())
	RecentCalls(ctx context.Context, limit int) ([]domain.CallRecord, error)
}
