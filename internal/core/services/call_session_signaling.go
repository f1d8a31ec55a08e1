package services

import (
	"errors"
	"time"

	"callengine/internal/core/domain"
)

// handleSignal applies one inbound message on the loop. Messages that fail
// validation are logged and dropped; they never change session state.
func (s *CallSession) handleSignal(msg domain.SignalMessage) {
	if s.finished || msg.From == s.local {
		return
	}

	switch msg.Type {
	case domain.MsgInvite:
		s.logger.Debugw("repeated invite ignored", "from", msg.From)
	case domain.MsgAccept:
		s.onRemoteAccept(msg)
	case domain.MsgDecline:
		s.onRemoteDecline(msg)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
		s.onNegotiation(msg)
	case domain.MsgHangup, domain.MsgParticipantLeft:
		s.onRemoteLeft(msg)
	case domain.MsgEndForEveryone:
		s.onEndForEveryone(msg)
	case domain.MsgParticipantJoined:
		s.onParticipantJoined(msg)
	case domain.MsgRoleChange:
		s.onRoleChange(msg)
	case domain.MsgMuteState, domain.MsgVideoState:
		s.onToggleState(msg)
	case domain.MsgRaiseHand, domain.MsgLowerHand, domain.MsgHandResolved:
		s.onHandSignal(msg)
	case domain.MsgModeration:
		s.onModeration(msg)
	case domain.MsgScreenShareStarted, domain.MsgScreenShareStopped,
		domain.MsgScreenSharePaused, domain.MsgScreenShareResumed:
		s.onShareSignal(msg)
	default:
		s.logger.Warnw("unknown signal type dropped", "type", msg.Type, "from", msg.From)
	}
}

func (s *CallSession) rejectSignal(msg domain.SignalMessage, err error) {
	s.logger.Warnw("signal rejected", "type", msg.Type, "from", msg.From, "error", err)
}

func (s *CallSession) onRemoteAccept(msg domain.SignalMessage) {
	role, ok := s.pendingInvitees[msg.From]
	if !ok {
		s.logger.Debugw("accept from user without pending invitation", "from", msg.From)
		return
	}
	delete(s.pendingInvitees, msg.From)

	if _, err := s.roster.Add(msg.From, role); err != nil {
		s.rejectSignal(msg, err)
		s.removePeer(msg.From, domain.EndReasonRemoved)
		return
	}
	s.joinedEver[msg.From] = true
	s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.From, Detail: "joined"})

	if s.kind == domain.CallKindGroup {
		s.announceJoin(msg.From)
	}
	if len(s.pendingInvitees) == 0 && s.status != domain.StatusRinging {
		s.stopInviteTimer()
	}
	s.fire(triggerRemoteAccept, domain.EndReasonNone)
}

// announceJoin introduces a new member and the existing members to each other
// so they can build the rest of the mesh.
func (s *CallSession) announceJoin(user domain.UserID) {
	userRole := s.roster.Role(user)
	var msgs []domain.SignalMessage
	for _, m := range s.roster.Participants() {
		if m.UserID == s.local || m.UserID == user {
			continue
		}
		toMember := s.message(domain.MsgParticipantJoined)
		toMember.To = m.UserID
		toMember.Target = user
		toMember.Role = userRole

		toNewcomer := s.message(domain.MsgParticipantJoined)
		toNewcomer.To = user
		toNewcomer.Target = m.UserID
		toNewcomer.Role = m.Role

		msgs = append(msgs, toMember, toNewcomer)
	}
	if len(msgs) > 0 {
		s.send(msgs...)
	}
}

func (s *CallSession) onRemoteDecline(msg domain.SignalMessage) {
	if _, ok := s.pendingInvitees[msg.From]; !ok {
		s.logger.Debugw("decline from user without pending invitation", "from", msg.From)
		return
	}

	reason := domain.EndReasonRemoteDeclined
	switch msg.Reason {
	case domain.EndReasonBusy, domain.EndReasonMissed:
		reason = msg.Reason
	}
	s.removePeer(msg.From, reason)

	if s.kind == domain.CallKindOneToOne || (s.remoteMembers() == 0 && len(s.pendingInvitees) == 0) {
		s.fire(triggerRemoteDecline, reason)
	}
}

func (s *CallSession) onRemoteLeft(msg domain.SignalMessage) {
	if _, ok := s.peers[msg.From]; !ok && !s.roster.Has(msg.From) {
		return
	}

	ringing := s.incoming && s.status == domain.StatusRinging
	if s.kind == domain.CallKindOneToOne || (ringing && msg.From == s.initiator) {
		reason := domain.EndReasonRemoteHangup
		if ringing {
			reason = domain.EndReasonMissed
		}
		s.fire(triggerRemoteHangup, reason)
		return
	}

	s.removePeer(msg.From, domain.EndReasonRemoteHangup)
	if s.remoteMembers() == 0 && len(s.pendingInvitees) == 0 {
		s.fire(triggerAllLeft, domain.EndReasonAllLeft)
		return
	}
	s.reevaluate()
}

func (s *CallSession) onEndForEveryone(msg domain.SignalMessage) {
	entry, err := s.roster.EndForEveryone(msg.From)
	if err != nil {
		s.rejectSignal(msg, err)
		return
	}
	s.emitModeration(entry)
	s.fire(triggerEndForEveryone, domain.EndReasonEndedForEveryone)
}

func (s *CallSession) onParticipantJoined(msg domain.SignalMessage) {
	if s.kind != domain.CallKindGroup || msg.Target == "" || msg.Target == s.local {
		return
	}
	if msg.From != s.initiator {
		if err := s.roster.Authorize(msg.From, domain.ActionInvite); err != nil {
			s.rejectSignal(msg, err)
			return
		}
	}

	role := msg.Role
	if !role.Valid() {
		role = domain.RoleParticipant
	}
	s.roster.Invite(msg.Target)
	if _, err := s.roster.Add(msg.Target, role); err != nil {
		s.rejectSignal(msg, err)
		return
	}
	s.joinedEver[msg.Target] = true
	s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.Target, Detail: "joined"})

	p := s.peer(msg.Target, true)
	offer := s.local < msg.Target
	s.withLocalMedia(func() { s.connectPeer(p, offer) })

	early := s.early[msg.Target]
	delete(s.early, msg.Target)
	for _, m := range early {
		s.handleSignal(m)
	}
}

func (s *CallSession) onNegotiation(msg domain.SignalMessage) {
	p := s.peer(msg.From, false)
	if p == nil {
		if s.kind != domain.CallKindGroup {
			s.logger.Debugw("negotiation from unknown user dropped", "from", msg.From, "type", msg.Type)
			return
		}
		if !s.roster.Has(msg.From) {
			// the introduction may still be in flight
			if len(s.early[msg.From]) < maxEarlyMessages {
				s.early[msg.From] = append(s.early[msg.From], msg)
			}
			return
		}
		p = s.peer(msg.From, true)
		s.withLocalMedia(func() { s.connectPeer(p, false) })
	}

	switch msg.Type {
	case domain.MsgOffer:
		if msg.Description == nil || msg.Description.Type != domain.SDPTypeOffer {
			s.rejectSignal(msg, domain.ErrInvalidState)
			return
		}
		desc := *msg.Description
		if s.incoming && s.status == domain.StatusRinging && msg.From == s.initiator {
			p.pendingOffer = &desc
			p.pendingOfferGen = msg.OfferGen
			return
		}
		s.withLocalMedia(func() {
			s.connectPeer(p, false)
			p.handleRemoteOffer(desc, msg.OfferGen)
		})

	case domain.MsgAnswer:
		if msg.Description == nil || msg.Description.Type != domain.SDPTypeAnswer {
			s.rejectSignal(msg, domain.ErrInvalidState)
			return
		}
		p.handleRemoteAnswer(*msg.Description, msg.OfferGen)

	case domain.MsgICECandidate:
		if msg.Candidate == nil {
			s.rejectSignal(msg, domain.ErrInvalidState)
			return
		}
		p.addRemoteCandidate(*msg.Candidate)
	}
}

func (s *CallSession) onRoleChange(msg domain.SignalMessage) {
	entry, err := s.roster.ChangeRole(msg.From, msg.Target, msg.Role)
	if err != nil {
		s.rejectSignal(msg, err)
		return
	}
	if entry == nil {
		return
	}
	s.emitModeration(*entry)
	s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.Target, Detail: "role"})
	if msg.Target == s.local {
		s.enforceLocalPermissions()
	}
}

func (s *CallSession) onToggleState(msg domain.SignalMessage) {
	kind, value := domain.ToggleMute, msg.Muted
	if msg.Type == domain.MsgVideoState {
		kind, value = domain.ToggleVideo, msg.Video
	}
	if value == nil {
		s.rejectSignal(msg, domain.ErrInvalidState)
		return
	}
	if err := s.roster.ApplyRemoteToggle(msg.From, kind, *value); err != nil {
		s.rejectSignal(msg, err)
		return
	}
	s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.From, Detail: string(kind)})
}

func (s *CallSession) onHandSignal(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MsgRaiseHand:
		req, err := s.roster.RaiseHand(msg.From, msg.RaiseHandID, msg.Text)
		if err != nil {
			s.rejectSignal(msg, err)
			return
		}
		s.emit(domain.Event{Type: domain.EventHandRaised, UserID: msg.From, RaiseHand: &req})

	case domain.MsgLowerHand:
		if _, err := s.roster.LowerHand(msg.From); err != nil {
			s.rejectSignal(msg, err)
			return
		}
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.From, Detail: "hand_lowered"})

	case domain.MsgHandResolved:
		accept := msg.HandStatus == domain.RaiseHandAccepted
		req, entries, err := s.roster.ResolveHand(msg.From, msg.RaiseHandID, accept)
		if errors.Is(err, domain.ErrRaiseHandNotFound) && accept && msg.Target != "" {
			// request raised before this replica joined
			var entry *domain.ModerationEntry
			entry, err = s.roster.ChangeRole(msg.From, msg.Target, domain.RoleSpeaker)
			if entry != nil {
				entries = append(entries, *entry)
			}
			req = domain.RaiseHandRequest{ID: msg.RaiseHandID, UserID: msg.Target, Status: domain.RaiseHandAccepted}
		}
		if err != nil {
			s.rejectSignal(msg, err)
			return
		}
		for _, e := range entries {
			s.emitModeration(e)
		}
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: req.UserID, RaiseHand: &req, Detail: "hand_resolved"})
		if req.UserID == s.local {
			s.enforceLocalPermissions()
		}
	}
}

func (s *CallSession) onModeration(msg domain.SignalMessage) {
	var entries []domain.ModerationEntry
	var err error

	switch msg.Moderation {
	case domain.ModerationMute:
		var entry domain.ModerationEntry
		if entry, err = s.roster.MuteParticipant(msg.From, msg.Target); err == nil {
			entries = append(entries, entry)
			if msg.Target == s.local {
				s.enforceLocalPermissions()
			}
		}

	case domain.ModerationMuteAll:
		var entry domain.ModerationEntry
		var muted []domain.UserID
		if entry, muted, err = s.roster.MuteAll(msg.From); err == nil {
			entries = append(entries, entry)
			for _, u := range muted {
				if u == s.local {
					s.enforceLocalPermissions()
				}
			}
		}

	case domain.ModerationRemove:
		if msg.Target == s.local {
			if err = s.roster.Authorize(msg.From, domain.ActionRemoveParticipant); err == nil && s.roster.Role(s.local) != domain.RoleHost {
				s.logger.Infow("removed from call", "by", msg.From)
				s.fire(triggerRemoved, domain.EndReasonRemoved)
				return
			}
			if err == nil {
				err = domain.ErrNotAuthorized
			}
			break
		}
		var entry domain.ModerationEntry
		if entry, err = s.roster.RemoveParticipant(msg.From, msg.Target); err == nil {
			entries = append(entries, entry)
			s.removePeer(msg.Target, domain.EndReasonRemoved)
			s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.Target, Detail: "removed"})
		}

	case domain.ModerationLock, domain.ModerationUnlock:
		var entry *domain.ModerationEntry
		if entry, err = s.roster.SetLocked(msg.From, msg.Moderation == domain.ModerationLock); entry != nil {
			entries = append(entries, *entry)
		}

	case domain.ModerationRecordingStart, domain.ModerationRecordingStop:
		var entry *domain.ModerationEntry
		if entry, err = s.roster.SetRecording(msg.From, msg.Moderation == domain.ModerationRecordingStart); entry != nil {
			entries = append(entries, *entry)
		}

	case domain.ModerationHandsCleared:
		var entry *domain.ModerationEntry
		if _, entry, err = s.roster.DeclineAll(msg.From); entry != nil {
			entries = append(entries, *entry)
		}

	default:
		err = domain.ErrInvalidState
	}

	if err != nil {
		s.rejectSignal(msg, err)
		return
	}
	for _, e := range entries {
		s.emitModeration(e)
	}
	if len(entries) > 0 {
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: msg.Target, Detail: string(msg.Moderation)})
	}
}

func (s *CallSession) onShareSignal(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MsgScreenShareStarted:
		s.onRemoteShareStarted(msg)

	case domain.MsgScreenShareStopped:
		share, annotations, ok := s.shares.EndOwnedBy(msg.From)
		if !ok {
			return
		}
		s.roster.SetScreenSharing(msg.From, false)
		s.emitShareEnded(share, annotations)

	case domain.MsgScreenSharePaused, domain.MsgScreenShareResumed:
		share, ok := s.shares.ByOwner(msg.From)
		if !ok {
			s.rejectSignal(msg, domain.ErrNoActiveShare)
			return
		}
		evType := domain.EventScreenSharePaused
		var err error
		if msg.Type == domain.MsgScreenSharePaused {
			share, err = s.shares.Pause(share.ID, "")
		} else {
			evType = domain.EventScreenShareResumed
			share, err = s.shares.Resume(share.ID)
		}
		if err != nil {
			s.rejectSignal(msg, err)
			return
		}
		s.emit(domain.Event{Type: evType, UserID: msg.From, Share: &share})
	}
}

func (s *CallSession) onRemoteShareStarted(msg domain.SignalMessage) {
	if err := s.roster.Authorize(msg.From, domain.ActionScreenShare); err != nil {
		s.rejectSignal(msg, err)
		return
	}
	if _, ok := s.shares.Get(msg.ShareID); ok {
		return
	}

	req := ShareRequest{
		ID:        msg.ShareID,
		Owner:     msg.From,
		Quality:   msg.ShareQuality,
		HasAudio:  msg.ShareAudio,
		StartedAt: s.remoteStartTime(msg.SentAt),
	}
	if err := s.shares.CheckStart(msg.From); err != nil {
		if !s.settleShareConflict(req) {
			s.rejectSignal(msg, err)
			return
		}
	}

	share, displaced, annotations, err := s.shares.Begin(req)
	if err != nil {
		s.rejectSignal(msg, err)
		return
	}
	s.endDisplacedShares(displaced, annotations)
	s.roster.SetScreenSharing(msg.From, true)
	s.emit(domain.Event{Type: domain.EventScreenShareStarted, UserID: msg.From, Share: &share})
}

// remoteStartTime bounds a start time claimed by a remote peer by its local
// arrival. Claims from the future or older than the skew tolerance count as
// starting now.
func (s *CallSession) remoteStartTime(sentAt time.Time) time.Time {
	arrived := s.now()
	if sentAt.IsZero() || sentAt.After(arrived) || arrived.Sub(sentAt) > s.cfg.SharePolicy.ClockSkew {
		return arrived
	}
	return sentAt
}

// settleShareConflict resolves two shares started concurrently under the
// reject policy. The earlier start wins, then the smaller owner id, so every
// replica reaches the same outcome. It reports whether req won.
func (s *CallSession) settleShareConflict(req ShareRequest) bool {
	policy := s.cfg.SharePolicy
	if policy.AllowConcurrent || policy.Takeover {
		return false
	}
	if _, own := s.shares.ByOwner(req.Owner); own {
		return false
	}

	live := s.shares.Live()
	for _, cur := range live {
		wins := req.StartedAt.Before(cur.StartedAt) ||
			(req.StartedAt.Equal(cur.StartedAt) && req.Owner < cur.OwnerUserID)
		if !wins {
			return false
		}
	}

	for _, cur := range live {
		if cur.OwnerUserID == s.local {
			s.stopLocalShare(domain.EventScreenShareReplaced, true)
			continue
		}
		if ended, annotations, err := s.shares.End(cur.ID); err == nil {
			s.roster.SetScreenSharing(cur.OwnerUserID, false)
			s.emitShareEnded(ended, annotations)
		}
	}
	return true
}

func (s *CallSession) emitModeration(entry domain.ModerationEntry) {
	e := entry
	var target domain.UserID
	if e.TargetUserID != nil {
		target = *e.TargetUserID
	}
	s.emit(domain.Event{Type: domain.EventModerationLogged, UserID: target, Moderation: &e})
}
