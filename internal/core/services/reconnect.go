package services

import (
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/retry"
)

type reconnectCause string

const (
	causeTransport reconnectCause = "transport"
	causeQuality   reconnectCause = "quality"
)

// reconnectState is the per-peer recovery budget. gen invalidates timers
// that fire after the attempt sequence was stopped or restarted.
type reconnectState struct {
	active   bool
	cause    reconnectCause
	attempts int
	gen      int
	timer    *time.Timer
}

// startReconnect begins recovery for p. Transport failures wait out the grace
// period first; sustained critical quality restarts ICE right away.
func (s *CallSession) startReconnect(p *PeerSession, cause reconnectCause) {
	if p.closed || p.reconnect.active {
		return
	}
	p.reconnect.active = true
	p.reconnect.cause = cause
	p.reconnect.attempts = 0
	p.reconnect.gen++

	delay := s.cfg.ReconnectGrace
	if cause == causeQuality {
		delay = 0
	}
	p.logger.Infow("starting reconnection", "cause", cause, "grace", delay)
	s.scheduleReconnectStep(p, delay)
}

func (s *CallSession) scheduleReconnectStep(p *PeerSession, delay time.Duration) {
	gen := p.reconnect.gen
	if p.reconnect.timer != nil {
		p.reconnect.timer.Stop()
	}
	p.reconnect.timer = time.AfterFunc(delay, func() {
		s.post(func() { s.reconnectStep(p, gen) })
	})
}

// reconnectStep issues the next ICE restart or gives up once the budget is spent.
func (s *CallSession) reconnectStep(p *PeerSession, gen int) {
	if p.closed || !p.reconnect.active || gen != p.reconnect.gen {
		return
	}
	if p.reconnect.attempts >= s.cfg.Reconnect.MaxAttempts {
		s.stopReconnect(p)
		s.peerFailed(p)
		return
	}

	delay := retry.Backoff(s.cfg.Reconnect, p.reconnect.attempts)
	p.reconnect.attempts++
	p.logger.Infow("ICE restart", "attempt", p.reconnect.attempts, "next_check", delay)

	if p.transport != nil {
		p.negotiate(true)
	}
	s.scheduleReconnectStep(p, delay)
}

func (s *CallSession) stopReconnect(p *PeerSession) {
	if p.reconnect.timer != nil {
		p.reconnect.timer.Stop()
		p.reconnect.timer = nil
	}
	if p.reconnect.active {
		p.logger.Debugw("reconnection stopped", "attempts", p.reconnect.attempts)
	}
	p.reconnect.active = false
	p.reconnect.attempts = 0
	p.reconnect.gen++
}

// peerFailed handles an exhausted reconnection budget. A one-to-one call
// fails; a group call drops that participant and fails only when nobody is left.
func (s *CallSession) peerFailed(p *PeerSession) {
	p.logger.Warnw("reconnection budget exhausted")

	if s.kind == domain.CallKindOneToOne {
		s.fire(triggerRetryExhausted, domain.EndReasonReconnectFailed)
		return
	}

	s.removePeer(p.remoteUser, domain.EndReasonReconnectFailed)
	if s.remoteMembers() == 0 {
		s.fire(triggerRetryExhausted, domain.EndReasonReconnectFailed)
		return
	}
	s.reevaluate()
}
