package services

import (
	"context"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/tracing"

	"go.uber.org/zap"
)

// PeerSession is the negotiation state of the link to one remote participant.
// Its fields belong to the owning CallSession's loop. Transport operations run
// in order on exec and report back through the loop; only exec touches
// opTransport.
type PeerSession struct {
	session    *CallSession
	remoteUser domain.UserID
	logger     *zap.SugaredLogger

	transport          ports.PeerTransport
	transportRequested bool
	state              domain.PeerConnectionState
	closed             bool

	localDesc            *domain.SessionDescription
	remoteDesc           *domain.SessionDescription
	localDescriptionSet  bool
	remoteDescriptionSet bool
	offerPending         bool
	offerGen             int
	answerGen            int
	needsRenegotiation   bool
	pendingCandidates    []domain.ICECandidate
	appliedCandidates    int

	// pendingOffer is an invitation offer held until the local user accepts.
	pendingOffer    *domain.SessionDescription
	pendingOfferGen int
	// inviteRole is set while the first offer still has to go out as an invite.
	inviteRole domain.Role

	senders     map[domain.TrackKind]ports.TrackSender
	shareSender ports.TrackSender
	attached    map[string]bool

	reconnect reconnectState
	quality   *QualityTracker
	sampling  bool

	exec        *serialExecutor
	events      *serialExecutor
	opTransport ports.PeerTransport
}

func newPeerSession(s *CallSession, remote domain.UserID) *PeerSession {
	return &PeerSession{
		session:    s,
		remoteUser: remote,
		logger:     s.logger.With("remote_user", remote),
		state:      domain.PeerStateNew,
		senders:    make(map[domain.TrackKind]ports.TrackSender),
		attached:   make(map[string]bool),
		quality:    NewQualityTracker(s.quality, remote, s.cfg.QualityWindow, s.cfg.CriticalSamples),
		exec:       &serialExecutor{},
		events:     &serialExecutor{},
	}
}

// runOp runs op on the peer's executor with the transport and hands the
// result to then on the session loop. Nothing is delivered once the session
// has ended; then must check p.closed itself when that matters.
func runOp[T any](p *PeerSession, name string, op func(ctx context.Context, t ports.PeerTransport) (T, error), then func(T, error)) {
	s := p.session
	p.exec.Enqueue(func() {
		var (
			res T
			err error
		)
		switch {
		case p.opTransport == nil:
			err = domain.ErrPeerClosed
		case s.ctx.Err() != nil:
			err = s.ctx.Err()
		default:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
			ctx, span := tracing.TracePeerOperation(ctx, name, string(s.id), string(p.remoteUser))
			res, err = op(ctx, p.opTransport)
			if err != nil {
				tracing.RecordError(ctx, err)
			}
			span.End()
			cancel()
		}
		if then == nil {
			if err != nil {
				p.logger.Debugw("peer operation failed", "operation", name, "error", err)
			}
			return
		}
		s.post(func() { then(res, err) })
	})
}

// runVoid is runOp for operations without a result.
func runVoid(p *PeerSession, name string, op func(ctx context.Context, t ports.PeerTransport) error, then func(error)) {
	var cb func(struct{}, error)
	if then != nil {
		cb = func(_ struct{}, err error) { then(err) }
	}
	runOp(p, name, func(ctx context.Context, t ports.PeerTransport) (struct{}, error) {
		return struct{}{}, op(ctx, t)
	}, cb)
}

// ensureTransport queues creation of the platform transport. Transport
// notifications are forwarded in order through the events executor so the
// platform callback never blocks on the session mailbox.
func (p *PeerSession) ensureTransport() {
	if p.transportRequested || p.closed {
		return
	}
	p.transportRequested = true
	s := p.session

	params := ports.TransportParams{CallID: s.id, LocalUser: s.local, RemoteUser: p.remoteUser}
	sink := func(ev domain.TransportEvent) {
		p.events.Enqueue(func() {
			s.post(func() { s.onTransportEvent(p, ev) })
		})
	}

	p.exec.Enqueue(func() {
		if s.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
		t, err := s.transports.NewPeerTransport(ctx, params, sink)
		cancel()
		if err != nil {
			s.post(func() { s.onTransportError(p, err) })
			return
		}
		p.opTransport = t
		if !s.post(func() {
			if !p.closed {
				p.transport = t
			}
		}) {
			t.Close()
			p.opTransport = nil
		}
	})
}

// negotiate creates and sends a local offer. A call while an offer is
// already outstanding is folded into a follow-up offer unless it is an ICE
// restart.
func (p *PeerSession) negotiate(iceRestart bool) {
	if p.closed {
		return
	}
	if p.offerPending && !iceRestart {
		p.needsRenegotiation = true
		return
	}
	p.offerPending = true
	p.needsRenegotiation = false
	p.offerGen++
	gen := p.offerGen

	runOp(p, "create_offer", func(ctx context.Context, t ports.PeerTransport) (domain.SessionDescription, error) {
		desc, err := t.CreateOffer(ctx, iceRestart)
		if err != nil {
			return desc, err
		}
		return desc, t.SetLocalDescription(ctx, desc)
	}, func(desc domain.SessionDescription, err error) {
		if p.closed || gen != p.offerGen {
			p.logger.Debugw("discarding superseded offer")
			return
		}
		if err != nil {
			p.offerPending = false
			p.logger.Warnw("failed to create offer", "ice_restart", iceRestart, "error", err)
			return
		}
		p.localDesc = &desc
		p.localDescriptionSet = true
		p.session.sendOffer(p, desc, gen, iceRestart)
	})
}

// handleRemoteOffer applies a remote offer and answers it, echoing gen.
// Re-applying the description already applied is a no-op. When both sides
// offered at once the side with the smaller user id keeps its offer.
func (p *PeerSession) handleRemoteOffer(desc domain.SessionDescription, gen int) {
	if p.closed {
		p.logger.Debugw("offer for closed peer dropped")
		return
	}
	if p.remoteDesc != nil && p.remoteDesc.Equal(desc) {
		p.logger.Debugw("duplicate remote offer ignored")
		return
	}
	if p.offerPending {
		if p.session.local < p.remoteUser {
			p.logger.Infow("offer collision, keeping local offer")
			return
		}
		p.logger.Infow("offer collision, rolling back local offer")
		p.offerPending = false
		p.offerGen++
		p.needsRenegotiation = true
		runVoid(p, "rollback", func(ctx context.Context, t ports.PeerTransport) error {
			return t.Rollback(ctx)
		}, nil)
	}

	p.remoteDesc = &desc
	p.remoteDescriptionSet = false
	p.answerGen = gen
	runVoid(p, "set_remote_offer", func(ctx context.Context, t ports.PeerTransport) error {
		return t.SetRemoteDescription(ctx, desc)
	}, func(err error) {
		if p.closed {
			return
		}
		if err != nil {
			p.logger.Warnw("failed to apply remote offer", "error", err)
			p.remoteDesc = nil
			return
		}
		p.remoteDescriptionSet = true
		p.flushCandidates()
		p.answer()
	})
}

func (p *PeerSession) answer() {
	gen := p.answerGen
	runOp(p, "create_answer", func(ctx context.Context, t ports.PeerTransport) (domain.SessionDescription, error) {
		desc, err := t.CreateAnswer(ctx)
		if err != nil {
			return desc, err
		}
		return desc, t.SetLocalDescription(ctx, desc)
	}, func(desc domain.SessionDescription, err error) {
		if p.closed {
			return
		}
		if err != nil {
			p.logger.Warnw("failed to create answer", "error", err)
			return
		}
		p.localDesc = &desc
		p.localDescriptionSet = true
		p.session.sendAnswer(p, desc, gen)
		if p.needsRenegotiation {
			p.negotiate(false)
		}
	})
}

// handleRemoteAnswer completes an offer this side made. gen is the offer
// generation the answer echoes; an answer to a superseded offer is dropped.
// Zero means the sender did not tag its answer.
func (p *PeerSession) handleRemoteAnswer(desc domain.SessionDescription, gen int) {
	if p.closed {
		p.logger.Debugw("answer for closed peer dropped")
		return
	}
	if p.remoteDesc != nil && p.remoteDesc.Equal(desc) {
		p.logger.Debugw("duplicate remote answer ignored")
		return
	}
	if gen != 0 && gen != p.offerGen {
		p.logger.Debugw("stale answer dropped", "answer_gen", gen, "offer_gen", p.offerGen)
		return
	}
	if !p.offerPending {
		p.logger.Warnw("unexpected answer dropped", "error", domain.ErrNoLocalOffer)
		return
	}
	p.offerPending = false
	p.remoteDesc = &desc
	p.remoteDescriptionSet = false

	runVoid(p, "set_remote_answer", func(ctx context.Context, t ports.PeerTransport) error {
		return t.SetRemoteDescription(ctx, desc)
	}, func(err error) {
		if p.closed {
			return
		}
		if err != nil {
			p.logger.Warnw("failed to apply remote answer", "error", err)
			p.remoteDesc = nil
			return
		}
		p.remoteDescriptionSet = true
		p.flushCandidates()
		if p.needsRenegotiation {
			p.negotiate(false)
		}
	})
}

// addRemoteCandidate applies a candidate, or queues it until the remote
// description is in place. Queued candidates keep their arrival order.
func (p *PeerSession) addRemoteCandidate(c domain.ICECandidate) {
	if p.closed {
		p.logger.Debugw("candidate for closed peer dropped", "error", domain.ErrPeerClosed)
		return
	}
	if !p.remoteDescriptionSet {
		p.pendingCandidates = append(p.pendingCandidates, c)
		return
	}
	p.applyCandidate(c)
}

func (p *PeerSession) applyCandidate(c domain.ICECandidate) {
	runVoid(p, "add_candidate", func(ctx context.Context, t ports.PeerTransport) error {
		return t.AddICECandidate(ctx, c)
	}, func(err error) {
		if err != nil {
			p.logger.Debugw("candidate apply failed", "error", err)
			return
		}
		p.appliedCandidates++
	})
}

func (p *PeerSession) flushCandidates() {
	queued := p.pendingCandidates
	p.pendingCandidates = nil
	for _, c := range queued {
		p.applyCandidate(c)
	}
}

// addTrack attaches a local track; muted tracks keep their slot but send nothing.
func (p *PeerSession) addTrack(track ports.MediaTrack, silent bool, then func(ports.TrackSender)) {
	runOp(p, "add_track", func(ctx context.Context, t ports.PeerTransport) (ports.TrackSender, error) {
		sender, err := t.AddTrack(track)
		if err != nil {
			return nil, err
		}
		if silent && t.SupportsReplaceTrack() {
			if err := sender.ReplaceTrack(nil); err != nil {
				p.logger.Debugw("failed to silence track", "error", err)
			}
		}
		return sender, nil
	}, func(sender ports.TrackSender, err error) {
		if p.closed {
			return
		}
		if err != nil {
			p.logger.Warnw("failed to add track", "kind", track.Kind(), "error", err)
			return
		}
		then(sender)
	})
}

// setSending swaps the outgoing track of a sender; nil stops sending.
func (p *PeerSession) setSending(sender ports.TrackSender, track ports.MediaTrack) {
	if sender == nil {
		return
	}
	runVoid(p, "replace_track", func(ctx context.Context, t ports.PeerTransport) error {
		if !t.SupportsReplaceTrack() {
			return nil
		}
		return sender.ReplaceTrack(track)
	}, nil)
}

func (p *PeerSession) close() {
	if p.closed {
		return
	}
	p.closed = true
	p.state = domain.PeerStateClosed
	p.pendingCandidates = nil
	p.session.stopReconnect(p)

	p.exec.Enqueue(func() {
		if p.opTransport == nil {
			return
		}
		if err := p.opTransport.Close(); err != nil {
			p.logger.Debugw("transport close failed", "error", err)
		}
		p.opTransport = nil
	})
}

func (p *PeerSession) snapshot() domain.PeerSnapshot {
	return domain.PeerSnapshot{
		RemoteUser:           p.remoteUser,
		State:                p.state,
		LocalDescriptionSet:  p.localDescriptionSet,
		RemoteDescriptionSet: p.remoteDescriptionSet,
		QueuedCandidates:     len(p.pendingCandidates),
		ReconnectAttempts:    p.reconnect.attempts,
		Quality:              p.quality.Level(),
	}
}
