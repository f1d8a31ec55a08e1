package services

import (
	"context"
	"fmt"

	"callengine/internal/core/domain"
)

// RaiseHand asks the moderators for the floor.
func (s *CallSession) RaiseHand(ctx context.Context, message string) (domain.RaiseHandRequest, error) {
	return callResult(s, ctx, func() (domain.RaiseHandRequest, error) {
		r, err := s.roster.RaiseHand(s.local, "", message)
		if err != nil {
			return r, err
		}

		msg := s.message(domain.MsgRaiseHand)
		msg.RaiseHandID = r.ID
		msg.Text = r.Message
		s.broadcast(msg)
		s.emit(domain.Event{Type: domain.EventHandRaised, UserID: s.local, RaiseHand: &r})
		return r, nil
	})
}

func (s *CallSession) LowerHand(ctx context.Context) error {
	return s.call(ctx, func() error {
		r, err := s.roster.LowerHand(s.local)
		if err != nil {
			return err
		}
		msg := s.message(domain.MsgLowerHand)
		msg.RaiseHandID = r.ID
		s.broadcast(msg)
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: s.local, Detail: "hand_lowered"})
		return nil
	})
}

// AcceptRaisedHand grants the floor; viewers and participants become speakers.
func (s *CallSession) AcceptRaisedHand(ctx context.Context, id domain.RaiseHandID) error {
	return s.resolveHand(ctx, id, true)
}

func (s *CallSession) DeclineRaisedHand(ctx context.Context, id domain.RaiseHandID) error {
	return s.resolveHand(ctx, id, false)
}

func (s *CallSession) resolveHand(ctx context.Context, id domain.RaiseHandID, accept bool) error {
	return s.call(ctx, func() error {
		req, entries, err := s.roster.ResolveHand(s.local, id, accept)
		if err != nil {
			return err
		}

		msg := s.message(domain.MsgHandResolved)
		msg.RaiseHandID = req.ID
		msg.HandStatus = req.Status
		msg.Target = req.UserID
		s.broadcast(msg)

		for _, e := range entries {
			s.emitModeration(e)
		}
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: req.UserID, RaiseHand: &req, Detail: "hand_resolved"})
		if req.UserID == s.local {
			s.enforceLocalPermissions()
		}
		return nil
	})
}

// DeclineAllRaisedHands clears the queue in one moderation step.
func (s *CallSession) DeclineAllRaisedHands(ctx context.Context) error {
	return s.call(ctx, func() error {
		declined, entry, err := s.roster.DeclineAll(s.local)
		if err != nil || entry == nil {
			return err
		}
		s.broadcastModeration(domain.ModerationHandsCleared, "")
		s.emitModeration(*entry)
		for i := range declined {
			r := declined[i]
			s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: r.UserID, RaiseHand: &r, Detail: "hand_resolved"})
		}
		return nil
	})
}

func (s *CallSession) MuteParticipant(ctx context.Context, target domain.UserID) error {
	return s.call(ctx, func() error {
		entry, err := s.roster.MuteParticipant(s.local, target)
		if err != nil {
			return err
		}
		s.broadcastModeration(domain.ModerationMute, target)
		s.emitModeration(entry)
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: target, Detail: string(domain.ModerationMute)})
		if target == s.local {
			s.enforceLocalPermissions()
		}
		return nil
	})
}

func (s *CallSession) MuteAll(ctx context.Context) error {
	return s.call(ctx, func() error {
		entry, muted, err := s.roster.MuteAll(s.local)
		if err != nil {
			return err
		}
		s.broadcastModeration(domain.ModerationMuteAll, "")
		s.emitModeration(entry)
		for _, u := range muted {
			if u == s.local {
				s.enforceLocalPermissions()
			}
		}
		s.emit(domain.Event{Type: domain.EventRosterChanged, Detail: string(domain.ModerationMuteAll)})
		return nil
	})
}

// ChangeRole promotes or demotes a participant.
func (s *CallSession) ChangeRole(ctx context.Context, target domain.UserID, role domain.Role) error {
	return s.call(ctx, func() error {
		entry, err := s.roster.ChangeRole(s.local, target, role)
		if err != nil || entry == nil {
			return err
		}

		msg := s.message(domain.MsgRoleChange)
		msg.Target = target
		msg.Role = role
		s.broadcast(msg)

		s.emitModeration(*entry)
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: target, Detail: "role"})
		if target == s.local {
			s.enforceLocalPermissions()
		}
		return nil
	})
}

// RemoveParticipant drops target from the call for everyone.
func (s *CallSession) RemoveParticipant(ctx context.Context, target domain.UserID) error {
	return s.call(ctx, func() error {
		if target == s.local {
			return fmt.Errorf("%w: use Hangup to leave", domain.ErrNotAuthorized)
		}
		entry, err := s.roster.RemoveParticipant(s.local, target)
		if err != nil {
			return err
		}
		s.broadcastModeration(domain.ModerationRemove, target)
		s.emitModeration(entry)
		s.removePeer(target, domain.EndReasonRemoved)

		if s.remoteMembers() == 0 && len(s.pendingInvitees) == 0 {
			s.fire(triggerAllLeft, domain.EndReasonAllLeft)
			return nil
		}
		s.reevaluate()
		return nil
	})
}

func (s *CallSession) Lock(ctx context.Context) error   { return s.setLocked(ctx, true) }
func (s *CallSession) Unlock(ctx context.Context) error { return s.setLocked(ctx, false) }

func (s *CallSession) setLocked(ctx context.Context, locked bool) error {
	return s.call(ctx, func() error {
		entry, err := s.roster.SetLocked(s.local, locked)
		if err != nil || entry == nil {
			return err
		}
		s.broadcastModeration(entry.Action, "")
		s.emitModeration(*entry)
		return nil
	})
}

func (s *CallSession) StartRecording(ctx context.Context) error { return s.setRecording(ctx, true) }
func (s *CallSession) StopRecording(ctx context.Context) error  { return s.setRecording(ctx, false) }

func (s *CallSession) setRecording(ctx context.Context, on bool) error {
	return s.call(ctx, func() error {
		entry, err := s.roster.SetRecording(s.local, on)
		if err != nil || entry == nil {
			return err
		}
		s.broadcastModeration(entry.Action, "")
		s.emitModeration(*entry)
		return nil
	})
}

// ModerationLog returns the moderation actions applied on this replica.
func (s *CallSession) ModerationLog(ctx context.Context) ([]domain.ModerationEntry, error) {
	return callResult(s, ctx, func() ([]domain.ModerationEntry, error) {
		return s.roster.ModerationLog(), nil
	})
}

func (s *CallSession) broadcastModeration(action domain.ModerationAction, target domain.UserID) {
	msg := s.message(domain.MsgModeration)
	msg.Moderation = action
	msg.Target = target
	s.broadcast(msg)
}
