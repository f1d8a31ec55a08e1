package services

import (
	"context"
	"fmt"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/utils"
)

// SetMuted changes the local microphone state. The change is pending until
// the other participants have been told; a failed send reverts it.
func (s *CallSession) SetMuted(ctx context.Context, muted bool) error {
	return s.setToggle(ctx, domain.ToggleMute, muted)
}

// SetVideoEnabled changes the local camera state the same way SetMuted does.
func (s *CallSession) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return s.setToggle(ctx, domain.ToggleVideo, enabled)
}

func (s *CallSession) setToggle(ctx context.Context, kind domain.ToggleKind, value bool) error {
	return s.callAsync(ctx, func(done func(error)) {
		if kind == domain.ToggleVideo && s.callType != domain.CallTypeVideo {
			done(fmt.Errorf("%w: voice call has no video", domain.ErrInvalidState))
			return
		}
		t, err := s.roster.BeginToggle(s.local, kind, value)
		if err != nil {
			done(err)
			return
		}
		s.emit(domain.Event{Type: domain.EventTogglePending, UserID: s.local, Toggle: &t})

		msg := s.message(domain.MsgMuteState)
		msg.Muted = &value
		if kind == domain.ToggleVideo {
			msg.Type = domain.MsgVideoState
			msg.Muted = nil
			msg.Video = &value
		}
		s.broadcastThen(msg, func(err error) {
			done(s.resolveToggle(t.ID, err))
		})
	})
}

func (s *CallSession) resolveToggle(id string, sendErr error) error {
	if s.finished {
		return domain.ErrSessionEnded
	}
	if sendErr != nil {
		t, err := s.roster.RevertToggle(id)
		if err == nil {
			s.emit(domain.Event{Type: domain.EventToggleReverted, UserID: s.local, Toggle: &t})
		}
		return fmt.Errorf("announce %s: %w", t.Kind, sendErr)
	}

	t, err := s.roster.ConfirmToggle(id)
	if err != nil {
		// the participant left the roster in the meantime
		return err
	}
	s.applyLocalSendState()
	s.emit(domain.Event{Type: domain.EventToggleConfirmed, UserID: s.local, Toggle: &t})
	return nil
}

// applyLocalSendState makes every peer's senders match the local
// participant's mute and video flags.
func (s *CallSession) applyLocalSendState() {
	me, ok := s.roster.Get(s.local)
	if !ok {
		return
	}
	audio, video := s.audioTrack, s.videoTrack
	if me.IsMuted {
		audio = nil
	}
	if !me.IsVideoEnabled {
		video = nil
	}
	for _, u := range s.recipients() {
		p := s.peers[u]
		if sender := p.senders[domain.TrackKindAudio]; sender != nil && sender.Track() != audio {
			p.setSending(sender, audio)
		}
		if sender := p.senders[domain.TrackKindVideo]; sender != nil && sender.Track() != video {
			p.setSending(sender, video)
		}
	}
}

// enforceLocalPermissions reconciles local media with the local role after a
// moderator changed it.
func (s *CallSession) enforceLocalPermissions() {
	role := s.roster.Role(s.local)
	s.applyLocalSendState()

	if !domain.CanPerform(role, domain.ActionScreenShare) {
		if _, sharing := s.shares.ByOwner(s.local); sharing {
			s.logger.Infow("screen share stopped after role change", "role", role)
			s.stopLocalShare(domain.EventScreenShareEnded, true)
		}
	}
	if !domain.CanPerform(role, domain.ActionAnnotate) {
		for _, a := range s.shares.Annotations() {
			if a.StartedBy != s.local {
				continue
			}
			if ended, err := s.shares.EndAnnotation(a.ID); err == nil {
				s.emit(domain.Event{Type: domain.EventAnnotationEnded, UserID: s.local, Annotation: &ended})
			}
		}
	}
}

// StartScreenShare captures the display and publishes it to every peer.
func (s *CallSession) StartScreenShare(ctx context.Context, opts domain.ShareOptions) (domain.ScreenShareSession, error) {
	result := make(chan domain.ScreenShareSession, 1)
	err := s.callAsync(ctx, func(done func(error)) {
		if s.status != domain.StatusConnecting && !s.status.IsLive() {
			done(fmt.Errorf("%w: call is %s", domain.ErrInvalidState, s.status))
			return
		}
		if err := s.roster.Authorize(s.local, domain.ActionScreenShare); err != nil {
			done(err)
			return
		}
		if s.shareStarting || s.shareTrack != nil {
			done(domain.ErrShareInProgress)
			return
		}
		if err := s.shares.CheckStart(s.local); err != nil {
			done(err)
			return
		}
		if opts.Quality == "" {
			opts.Quality = domain.ShareQualityMedium
		}

		s.shareStarting = true
		constraints := ports.MediaConstraints{
			Video:     true,
			Audio:     opts.WithAudio,
			FrameRate: opts.Quality.FrameRate(),
			Label:     string(domain.VideoSourceScreen),
		}
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
			stream, err := s.media.AcquireDisplayMedia(ctx, constraints)
			cancel()
			if !s.post(func() {
				share, err := s.onDisplayMedia(stream, err, opts)
				if err == nil {
					result <- share
				}
				done(err)
			}) && stream != nil {
				stream.Stop()
			}
		}()
	})
	if err != nil {
		return domain.ScreenShareSession{}, err
	}
	return <-result, nil
}

func (s *CallSession) onDisplayMedia(stream ports.MediaStream, err error, opts domain.ShareOptions) (domain.ScreenShareSession, error) {
	s.shareStarting = false
	if err != nil {
		s.logger.Warnw("failed to capture display", "error", err)
		return domain.ScreenShareSession{}, err
	}
	if s.finished {
		stream.Stop()
		return domain.ScreenShareSession{}, domain.ErrSessionEnded
	}

	var track ports.MediaTrack
	for _, t := range stream.Tracks() {
		if t.Kind() == domain.TrackKindVideo {
			track = t
			break
		}
	}
	if track == nil {
		stream.Stop()
		return domain.ScreenShareSession{}, fmt.Errorf("%w: display capture has no video", domain.ErrDeviceNotFound)
	}

	share, displaced, annotations, err := s.shares.Begin(ShareRequest{
		ID:        domain.ShareID(utils.GenerateShareID()),
		Owner:     s.local,
		Quality:   opts.Quality,
		HasAudio:  opts.WithAudio,
		Local:     true,
		StartedAt: s.now(),
	})
	if err != nil {
		// a remote share won while the capture prompt was open
		stream.Stop()
		return domain.ScreenShareSession{}, err
	}
	s.endDisplacedShares(displaced, annotations)

	s.shareStream = stream
	s.shareTrack = track
	s.roster.SetScreenSharing(s.local, true)
	for _, u := range s.recipients() {
		p := s.peers[u]
		s.attachLocalTracks(p)
		p.negotiate(false)
	}

	msg := s.message(domain.MsgScreenShareStarted)
	msg.SentAt = share.StartedAt
	msg.ShareID = share.ID
	msg.ShareQuality = share.Quality
	msg.ShareAudio = share.HasAudio
	s.broadcast(msg)

	s.logger.Infow("screen share started", "share_id", share.ID, "quality", share.Quality)
	s.emit(domain.Event{Type: domain.EventScreenShareStarted, UserID: s.local, Share: &share})
	return share, nil
}

// StopScreenShare ends the local share.
func (s *CallSession) StopScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		if _, ok := s.shares.ByOwner(s.local); !ok {
			return domain.ErrNoActiveShare
		}
		s.stopLocalShare(domain.EventScreenShareEnded, true)
		return nil
	})
}

// PauseScreenShare stops sending the share while keeping it alive. Peers
// that can swap tracks in place keep their sender; otherwise the track is
// removed and the link renegotiated.
func (s *CallSession) PauseScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		share, ok := s.shares.ByOwner(s.local)
		if !ok {
			return domain.ErrNoActiveShare
		}

		mode := domain.PauseModeReplaceTrack
		for _, u := range s.recipients() {
			if t := s.peers[u].transport; t != nil && !t.SupportsReplaceTrack() {
				mode = domain.PauseModeRenegotiate
				break
			}
		}
		share, err := s.shares.Pause(share.ID, mode)
		if err != nil {
			return err
		}

		for _, u := range s.recipients() {
			p := s.peers[u]
			if mode == domain.PauseModeReplaceTrack {
				p.setSending(p.shareSender, nil)
			} else {
				s.detachShare(p)
			}
		}

		msg := s.message(domain.MsgScreenSharePaused)
		msg.ShareID = share.ID
		s.broadcast(msg)
		s.emit(domain.Event{Type: domain.EventScreenSharePaused, UserID: s.local, Share: &share})
		return nil
	})
}

// ResumeScreenShare undoes PauseScreenShare the same way it was paused.
func (s *CallSession) ResumeScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		share, ok := s.shares.ByOwner(s.local)
		if !ok {
			return domain.ErrNoActiveShare
		}
		mode := share.PauseMode
		share, err := s.shares.Resume(share.ID)
		if err != nil {
			return err
		}

		for _, u := range s.recipients() {
			p := s.peers[u]
			if mode == domain.PauseModeReplaceTrack && p.shareSender != nil {
				p.setSending(p.shareSender, s.shareTrack)
				continue
			}
			s.attachLocalTracks(p)
			p.negotiate(false)
		}

		msg := s.message(domain.MsgScreenShareResumed)
		msg.ShareID = share.ID
		s.broadcast(msg)
		s.emit(domain.Event{Type: domain.EventScreenShareResumed, UserID: s.local, Share: &share})
		return nil
	})
}

// detachShare removes the share track from p and renegotiates.
func (s *CallSession) detachShare(p *PeerSession) {
	if s.shareTrack != nil {
		delete(p.attached, s.shareTrack.ID())
	}
	sender := p.shareSender
	p.shareSender = nil
	if sender == nil {
		return
	}
	runVoid(p, "remove_track", func(ctx context.Context, t ports.PeerTransport) error {
		return t.RemoveTrack(sender)
	}, nil)
	p.negotiate(false)
}

func (s *CallSession) releaseShareMedia() {
	for _, u := range s.recipients() {
		s.detachShare(s.peers[u])
	}
	if s.shareStream != nil {
		s.shareStream.Stop()
	}
	s.shareStream = nil
	s.shareTrack = nil
}

// stopLocalShare ends the local share, emitting evType for it.
func (s *CallSession) stopLocalShare(evType domain.EventType, announce bool) {
	share, annotations, ok := s.shares.EndOwnedBy(s.local)
	s.releaseShareMedia()
	s.roster.SetScreenSharing(s.local, false)
	if !ok {
		return
	}
	if announce {
		msg := s.message(domain.MsgScreenShareStopped)
		msg.ShareID = share.ID
		s.broadcast(msg)
	}
	s.logger.Infow("screen share stopped", "share_id", share.ID, "event", evType)
	s.emitShareEvent(evType, share, annotations)
}

// endDisplacedShares finishes the shares a takeover pushed out.
func (s *CallSession) endDisplacedShares(displaced []domain.ScreenShareSession, annotations []domain.AnnotationSession) {
	for _, d := range displaced {
		if d.OwnerUserID == s.local {
			s.releaseShareMedia()
			msg := s.message(domain.MsgScreenShareStopped)
			msg.ShareID = d.ID
			s.broadcast(msg)
		}
		s.roster.SetScreenSharing(d.OwnerUserID, false)

		var own []domain.AnnotationSession
		for _, a := range annotations {
			if a.ShareID == d.ID {
				own = append(own, a)
			}
		}
		s.emitShareEvent(domain.EventScreenShareReplaced, d, own)
	}
}

func (s *CallSession) emitShareEnded(share domain.ScreenShareSession, annotations []domain.AnnotationSession) {
	s.emitShareEvent(domain.EventScreenShareEnded, share, annotations)
}

func (s *CallSession) emitShareEvent(evType domain.EventType, share domain.ScreenShareSession, annotations []domain.AnnotationSession) {
	for i := range annotations {
		a := annotations[i]
		s.emit(domain.Event{Type: domain.EventAnnotationEnded, UserID: a.StartedBy, Annotation: &a})
	}
	s.emit(domain.Event{Type: evType, UserID: share.OwnerUserID, Share: &share})
}

// StartAnnotation opens a drawing session over shareID, or over the most
// recent share when shareID is empty.
func (s *CallSession) StartAnnotation(ctx context.Context, shareID domain.ShareID) (domain.AnnotationSession, error) {
	return callResult(s, ctx, func() (domain.AnnotationSession, error) {
		if err := s.roster.Authorize(s.local, domain.ActionAnnotate); err != nil {
			return domain.AnnotationSession{}, err
		}
		a, err := s.shares.StartAnnotation(s.local, shareID, "")
		if err != nil {
			return a, err
		}
		s.emit(domain.Event{Type: domain.EventAnnotationStarted, UserID: s.local, Annotation: &a})
		return a, nil
	})
}

func (s *CallSession) StopAnnotation(ctx context.Context, id domain.AnnotationID) error {
	return s.call(ctx, func() error {
		a, err := s.shares.EndAnnotation(id)
		if err != nil {
			return err
		}
		s.emit(domain.Event{Type: domain.EventAnnotationEnded, UserID: s.local, Annotation: &a})
		return nil
	})
}

// ReplaceVideoSource swaps the outgoing video between camera and screen on
// every peer at once. If any peer cannot take the new track the peers that
// already switched are put back and the new capture is released.
func (s *CallSession) ReplaceVideoSource(ctx context.Context, source domain.VideoSource) error {
	return s.callAsync(ctx, func(done func(error)) {
		if s.callType != domain.CallTypeVideo || !s.mediaReady || s.videoTrack == nil {
			done(fmt.Errorf("%w: no outgoing video", domain.ErrInvalidState))
			return
		}
		if err := s.roster.Authorize(s.local, domain.ActionEnableVideo); err != nil {
			done(err)
			return
		}
		if source != domain.VideoSourceCamera && source != domain.VideoSourceScreen {
			done(fmt.Errorf("%w: unknown video source %q", domain.ErrInvalidState, source))
			return
		}

		constraints := ports.MediaConstraints{Video: true, Label: string(source)}
		acquire := s.media.AcquireLocalMedia
		if source == domain.VideoSourceScreen {
			acquire = s.media.AcquireDisplayMedia
		}
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
			stream, err := acquire(ctx, constraints)
			cancel()
			if !s.post(func() { s.onVideoSource(stream, err, done) }) && stream != nil {
				stream.Stop()
			}
		}()
	})
}

func (s *CallSession) onVideoSource(stream ports.MediaStream, err error, done func(error)) {
	if err != nil {
		done(err)
		return
	}
	if s.finished || s.videoTrack == nil {
		stream.Stop()
		done(domain.ErrSessionEnded)
		return
	}

	var track ports.MediaTrack
	for _, t := range stream.Tracks() {
		if t.Kind() == domain.TrackKindVideo {
			track = t
			break
		}
	}
	if track == nil {
		stream.Stop()
		done(fmt.Errorf("%w: capture has no video", domain.ErrDeviceNotFound))
		return
	}

	old := s.videoTrack
	me, _ := s.roster.Get(s.local)
	var peers []*PeerSession
	if me.IsVideoEnabled {
		for _, u := range s.recipients() {
			if p := s.peers[u]; p.senders[domain.TrackKindVideo] != nil {
				peers = append(peers, p)
			}
		}
	}

	commit := func() {
		for _, u := range s.recipients() {
			p := s.peers[u]
			delete(p.attached, old.ID())
			p.attached[track.ID()] = true
		}
		old.Stop()
		if s.videoStream != nil {
			s.videoStream.Stop()
		}
		s.videoStream = stream
		s.videoTrack = track
		s.logger.Infow("video source replaced", "track_id", track.ID())
		done(nil)
	}
	if len(peers) == 0 {
		commit()
		return
	}

	remaining := len(peers)
	var firstErr error
	var switched []*PeerSession
	for _, p := range peers {
		p := p
		sender := p.senders[domain.TrackKindVideo]
		runVoid(p, "replace_video", func(ctx context.Context, t ports.PeerTransport) error {
			if !t.SupportsReplaceTrack() {
				return domain.ErrReplaceTrackUnsupported
			}
			return sender.ReplaceTrack(track)
		}, func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if err == nil {
				switched = append(switched, p)
			}
			remaining--
			if remaining > 0 {
				return
			}
			if firstErr != nil {
				for _, sp := range switched {
					sp.setSending(sp.senders[domain.TrackKindVideo], old)
				}
				stream.Stop()
				s.logger.Warnw("video source replacement rolled back", "error", firstErr)
				done(firstErr)
				return
			}
			commit()
		})
	}
}
