package services

import (
	"context"
	"fmt"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
)

// initiate runs on the loop for an outgoing call.
func (s *CallSession) initiate(invitees []domain.UserID, roles map[domain.UserID]domain.Role) {
	s.roster.Add(s.local, domain.RoleHost)
	s.joinedEver[s.local] = true

	for _, u := range invitees {
		if u == s.local {
			continue
		}
		role := roles[u]
		if !role.Valid() {
			role = domain.RoleParticipant
		}
		s.roster.Invite(u)
		s.pendingInvitees[u] = role
		p := s.peer(u, true)
		p.inviteRole = role
	}

	s.fire(triggerLocalInitiate, domain.EndReasonNone)
	s.armInviteTimer()

	s.withLocalMedia(func() {
		for _, u := range s.recipients() {
			s.connectPeer(s.peers[u], true)
		}
	})
}

// receiveInvite runs on the loop for an incoming call.
func (s *CallSession) receiveInvite(msg domain.SignalMessage) {
	for u, role := range msg.Roles {
		if u != s.local && role.Valid() {
			s.roster.Invite(u)
			s.roster.Add(u, role)
		}
	}
	if !s.roster.Has(msg.From) {
		s.roster.Add(msg.From, domain.RoleHost)
	}
	role := msg.Role
	if !role.Valid() {
		role = domain.RoleParticipant
	}
	s.roster.Invite(s.local)
	s.roster.Add(s.local, role)

	p := s.peer(msg.From, true)
	if msg.Description != nil {
		desc := *msg.Description
		p.pendingOffer = &desc
		p.pendingOfferGen = msg.OfferGen
	}

	s.fire(triggerInviteReceived, domain.EndReasonNone)
	s.armInviteTimer()
}

// Accept answers an incoming call.
func (s *CallSession) Accept(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.incoming {
			return fmt.Errorf("%w: cannot accept an outgoing call", domain.ErrInvalidState)
		}
		switch s.status {
		case domain.StatusRinging:
		case domain.StatusConnecting, domain.StatusConnected, domain.StatusReconnecting:
			return nil
		default:
			return fmt.Errorf("%w: call is %s", domain.ErrInvalidState, s.status)
		}

		s.fire(triggerLocalAccept, domain.EndReasonNone)
		s.joinedEver[s.local] = true
		for _, p := range s.roster.Participants() {
			s.joinedEver[p.UserID] = true
		}

		accept := s.message(domain.MsgAccept)
		accept.To = s.initiator
		s.send(accept)

		s.withLocalMedia(func() {
			p := s.peer(s.initiator, false)
			if p == nil {
				return
			}
			s.connectPeer(p, false)
			if p.pendingOffer != nil {
				offer := *p.pendingOffer
				p.pendingOffer = nil
				p.handleRemoteOffer(offer, p.pendingOfferGen)
			}
		})
		return nil
	})
}

// Decline rejects an incoming call that is still ringing.
func (s *CallSession) Decline(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.incoming || s.status != domain.StatusRinging {
			return fmt.Errorf("%w: nothing to decline", domain.ErrInvalidState)
		}
		s.decline(domain.EndReasonDeclined)
		return nil
	})
}

func (s *CallSession) decline(reason domain.EndReason) {
	msg := s.message(domain.MsgDecline)
	msg.To = s.initiator
	msg.Reason = reason
	s.send(msg)
	s.fire(triggerLocalDecline, reason)
}

// Hangup leaves the call. An incoming call that is still ringing is declined.
func (s *CallSession) Hangup(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.incoming && s.status == domain.StatusRinging {
			s.decline(domain.EndReasonDeclined)
			return nil
		}
		msg := s.message(domain.MsgHangup)
		if s.kind == domain.CallKindGroup {
			msg.Type = domain.MsgParticipantLeft
		}
		s.broadcast(msg)
		s.fire(triggerLocalHangup, domain.EndReasonHangup)
		return nil
	})
}

// EndForEveryone ends the call for all participants; moderators only.
func (s *CallSession) EndForEveryone(ctx context.Context) error {
	return s.call(ctx, func() error {
		entry, err := s.roster.EndForEveryone(s.local)
		if err != nil {
			return err
		}
		s.emitModeration(entry)
		s.broadcast(s.message(domain.MsgEndForEveryone))
		s.fire(triggerEndForEveryone, domain.EndReasonEndedForEveryone)
		return nil
	})
}

// InviteParticipant rings another user into a running group call.
func (s *CallSession) InviteParticipant(ctx context.Context, user domain.UserID, role domain.Role) error {
	return s.call(ctx, func() error {
		if s.kind != domain.CallKindGroup {
			return fmt.Errorf("%w: only group calls take more participants", domain.ErrInvalidState)
		}
		if s.status.IsTerminal() {
			return domain.ErrSessionEnded
		}
		if err := s.roster.Authorize(s.local, domain.ActionInvite); err != nil {
			return err
		}
		if _, pending := s.pendingInvitees[user]; pending || user == s.local || s.roster.Has(user) {
			return nil
		}
		if !role.Valid() {
			role = domain.RoleParticipant
		}
		if role == domain.RoleHost || role == domain.RoleCoHost {
			if err := s.roster.Authorize(s.local, domain.ActionAssignCoHost); err != nil || role == domain.RoleHost {
				return fmt.Errorf("%w: cannot invite as %s", domain.ErrNotAuthorized, role)
			}
		}

		s.roster.Invite(user)
		s.pendingInvitees[user] = role
		p := s.peer(user, true)
		p.inviteRole = role
		if s.inviteTimer == nil {
			s.armInviteTimer()
		}
		s.withLocalMedia(func() { s.connectPeer(p, true) })
		return nil
	})
}

// withLocalMedia runs fn once the microphone (and camera for video calls)
// has been acquired. A capture failure ends the call.
func (s *CallSession) withLocalMedia(fn func()) {
	if s.mediaReady {
		fn()
		return
	}
	s.mediaWaiters = append(s.mediaWaiters, fn)
	if s.acquiring {
		return
	}
	s.acquiring = true

	constraints := ports.MediaConstraints{
		Audio: true,
		Video: s.callType == domain.CallTypeVideo,
		Label: string(s.local),
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
		stream, err := s.media.AcquireLocalMedia(ctx, constraints)
		cancel()
		if !s.post(func() { s.onLocalMedia(stream, err) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (s *CallSession) onLocalMedia(stream ports.MediaStream, err error) {
	s.acquiring = false
	if s.finished {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		s.logger.Errorw("failed to acquire local media", "error", err)
		s.mediaWaiters = nil
		msg := s.message(domain.MsgHangup)
		msg.Reason = domain.EndReasonMediaUnavailable
		s.broadcast(msg)
		s.fire(triggerFatalError, domain.EndReasonMediaUnavailable)
		return
	}

	s.localStream = stream
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case domain.TrackKindAudio:
			if s.audioTrack == nil {
				s.audioTrack = t
			}
		case domain.TrackKindVideo:
			if s.videoTrack == nil {
				s.videoTrack = t
			}
		}
	}
	s.mediaReady = true

	waiters := s.mediaWaiters
	s.mediaWaiters = nil
	for _, fn := range waiters {
		fn()
	}
}

// attachLocalTracks adds camera, microphone and an active screen share to p.
func (s *CallSession) attachLocalTracks(p *PeerSession) {
	me, _ := s.roster.Get(s.local)
	if t := s.audioTrack; t != nil && !p.attached[t.ID()] {
		p.attached[t.ID()] = true
		p.addTrack(t, me.IsMuted, func(sender ports.TrackSender) {
			p.senders[domain.TrackKindAudio] = sender
		})
	}
	if t := s.videoTrack; t != nil && !p.attached[t.ID()] {
		p.attached[t.ID()] = true
		p.addTrack(t, !me.IsVideoEnabled, func(sender ports.TrackSender) {
			p.senders[domain.TrackKindVideo] = sender
		})
	}
	if t := s.shareTrack; t != nil && !p.attached[t.ID()] {
		share, _ := s.shares.ByOwner(s.local)
		p.attached[t.ID()] = true
		p.addTrack(t, share.IsPaused, func(sender ports.TrackSender) {
			p.shareSender = sender
		})
	}
}

func (s *CallSession) stopLocalMedia() {
	if s.localStream != nil {
		s.localStream.Stop()
		s.localStream = nil
	}
	if s.videoStream != nil {
		s.videoStream.Stop()
		s.videoStream = nil
	}
	s.audioTrack = nil
	s.videoTrack = nil
}
