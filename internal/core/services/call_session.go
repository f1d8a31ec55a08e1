package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/utils"

	"go.uber.org/zap"
)

// sessionDeps are shared by every session of a CallManager.
type sessionDeps struct {
	cfg        EngineConfig
	local      domain.UserID
	signaling  ports.SignalingTransport
	transports ports.PeerTransportFactory
	media      ports.MediaCapability
	quality    *QualityService
	publish    func(domain.Event)
	onEnd      func(*CallSession, domain.CallRecord)
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// sessionParams describe the call a session is created for.
type sessionParams struct {
	id        domain.CallID
	kind      domain.CallKind
	callType  domain.CallType
	initiator domain.UserID
	incoming  bool
}

// CallSession is the state machine of one call. A single goroutine consumes
// the mailbox and is the only code that touches session state, its peers,
// roster and share manager. Platform I/O runs elsewhere and posts results
// back; anything posted after the session ended is dropped.
type CallSession struct {
	sessionDeps

	id        domain.CallID
	kind      domain.CallKind
	callType  domain.CallType
	initiator domain.UserID
	incoming  bool

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	done    chan struct{}

	finished    bool
	status      domain.CallStatus
	endReason   domain.EndReason
	startedAt   time.Time
	connectedAt *time.Time
	endedAt     *time.Time

	peers           map[domain.UserID]*PeerSession
	pendingInvitees map[domain.UserID]domain.Role
	joinedEver      map[domain.UserID]bool
	early           map[domain.UserID][]domain.SignalMessage
	roster          *Roster
	shares          *ScreenShareManager
	outbox          *serialExecutor

	localStream  ports.MediaStream
	videoStream  ports.MediaStream
	audioTrack   ports.MediaTrack
	videoTrack   ports.MediaTrack
	mediaReady   bool
	acquiring    bool
	mediaWaiters []func()

	shareStream   ports.MediaStream
	shareTrack    ports.MediaTrack
	shareStarting bool

	inviteTimer *time.Timer
	monitor     *QualityMonitor

	snap atomic.Pointer[domain.CallSnapshot]
}

const maxEarlyMessages = 64

func newCallSession(parent context.Context, deps sessionDeps, params sessionParams) *CallSession {
	if deps.now == nil {
		deps.now = time.Now
	}
	mailbox := deps.cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 256
	}
	ctx, cancel := context.WithCancel(parent)

	s := &CallSession{
		sessionDeps:     deps,
		id:              params.id,
		kind:            params.kind,
		callType:        params.callType,
		initiator:       params.initiator,
		incoming:        params.incoming,
		ctx:             ctx,
		cancel:          cancel,
		mailbox:         make(chan func(), mailbox),
		done:            make(chan struct{}),
		status:          domain.StatusIdle,
		startedAt:       deps.now(),
		peers:           make(map[domain.UserID]*PeerSession),
		pendingInvitees: make(map[domain.UserID]domain.Role),
		joinedEver:      make(map[domain.UserID]bool),
		early:           make(map[domain.UserID][]domain.SignalMessage),
		roster:          NewRoster(params.callType, deps.now),
		shares:          NewScreenShareManager(deps.cfg.SharePolicy, deps.now),
		outbox:          &serialExecutor{},
	}
	s.logger = deps.logger.With("call_id", params.id)
	s.storeSnapshot()
	return s
}

func (s *CallSession) ID() domain.CallID { return s.id }

// Done is closed once the session has reached a terminal state.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Snapshot returns the state as of the last processed mailbox item.
func (s *CallSession) Snapshot() domain.CallSnapshot {
	return *s.snap.Load()
}

// start launches the loop; first, when set, is the first mailbox item.
func (s *CallSession) start(first func()) {
	go s.run()
	if first != nil {
		s.post(first)
	}
}

func (s *CallSession) run() {
	defer close(s.done)
	for {
		fn := <-s.mailbox
		fn()
		s.storeSnapshot()
		if s.finished {
			return
		}
	}
}

// post queues fn on the session loop. It must not be called from the loop.
func (s *CallSession) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *CallSession) call(ctx context.Context, fn func() error) error {
	return s.callAsync(ctx, func(done func(error)) { done(fn()) })
}

// callResult is call for closures that produce a value.
func callResult[T any](s *CallSession, ctx context.Context, fn func() (T, error)) (T, error) {
	out := make(chan T, 1)
	err := s.call(ctx, func() error {
		v, err := fn()
		if err == nil {
			out <- v
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-out, nil
}

// callAsync runs fn on the loop; fn reports completion through done, possibly
// from a later loop iteration.
func (s *CallSession) callAsync(ctx context.Context, fn func(done func(error))) error {
	reply := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() { reply <- err })
	}

	if !s.post(func() {
		if s.finished {
			done(domain.ErrSessionEnded)
			return
		}
		fn(done)
	}) {
		return domain.ErrSessionEnded
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return domain.ErrSessionEnded
		}
	}
}

// Deliver queues an inbound signaling message for this call.
func (s *CallSession) Deliver(msg domain.SignalMessage) {
	s.post(func() { s.handleSignal(msg) })
}

// Shutdown ends the session locally, telling remote peers it hung up.
func (s *CallSession) Shutdown() {
	s.post(func() {
		s.broadcast(s.message(domain.MsgHangup))
		s.fire(triggerShutdown, domain.EndReasonShutdown)
	})
}

// fire applies a state machine trigger. It returns false for no-ops.
func (s *CallSession) fire(t trigger, reason domain.EndReason) bool {
	next, ok := nextStatus(s.status, t)
	if !ok {
		s.logger.Debugw("trigger ignored", "status", s.status, "trigger", t)
		return false
	}
	if next.IsTerminal() {
		s.finish(next, reason)
		return true
	}

	prev := s.status
	s.status = next
	s.logger.Infow("call state changed", "from", prev, "to", next, "trigger", t)

	switch next {
	case domain.StatusConnecting:
		if s.kind == domain.CallKindOneToOne || len(s.pendingInvitees) == 0 {
			s.stopInviteTimer()
		}
	case domain.StatusConnected:
		if s.connectedAt == nil {
			now := s.now()
			s.connectedAt = &now
		}
		s.startQualityMonitor()
	case domain.StatusReconnecting:
		s.emit(domain.Event{Type: domain.EventCallDegraded, Detail: string(t)})
	}

	s.emit(domain.Event{Type: domain.EventCallStateChanged, Status: next, PreviousStatus: prev})
	return true
}

// finish moves the session to a terminal state exactly once and releases
// everything it holds.
func (s *CallSession) finish(status domain.CallStatus, reason domain.EndReason) {
	if s.finished {
		return
	}
	prev := s.status
	now := s.now()

	s.finished = true
	s.status = status
	s.endReason = reason
	s.endedAt = &now

	s.stopInviteTimer()
	if s.monitor != nil {
		s.monitor.Stop()
	}
	for _, p := range s.peers {
		p.close()
	}
	s.stopLocalMedia()
	if s.shareStream != nil {
		s.shareStream.Stop()
		s.shareStream = nil
	}
	s.cancel()

	record := s.record()
	s.logger.Infow("call ended",
		"status", status,
		"reason", reason,
		"duration", utils.FormatDuration(record.Duration),
	)

	s.emit(domain.Event{Type: domain.EventCallStateChanged, Status: status, PreviousStatus: prev, Reason: reason})
	s.emit(domain.Event{Type: domain.EventCallEnded, Status: status, Reason: reason, Record: &record})
	if s.onEnd != nil {
		s.onEnd(s, record)
	}
}

func (s *CallSession) record() domain.CallRecord {
	participants := make([]domain.UserID, 0, len(s.joinedEver))
	for u := range s.joinedEver {
		participants = append(participants, u)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })

	rec := domain.CallRecord{
		CallID:       s.id,
		Kind:         s.kind,
		Type:         s.callType,
		Initiator:    s.initiator,
		Participants: participants,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		FinalStatus:  s.status,
		EndReason:    s.endReason,
	}
	if s.endedAt != nil {
		rec.EndedAt = *s.endedAt
	}
	if s.connectedAt != nil {
		rec.Duration = rec.EndedAt.Sub(*s.connectedAt)
	}
	return rec
}

// reevaluate derives the call status from the peer states.
func (s *CallSession) reevaluate() {
	var connected, recovering int
	for _, p := range s.peers {
		if p.closed {
			continue
		}
		if p.reconnect.active {
			recovering++
		} else if p.state == domain.PeerStateConnected {
			connected++
		}
	}

	switch s.status {
	case domain.StatusConnecting:
		if connected > 0 {
			s.fire(triggerPeerConnected, domain.EndReasonNone)
		}
	case domain.StatusConnected:
		if recovering > 0 {
			s.fire(triggerPeerUnhealthy, domain.EndReasonNone)
		}
	case domain.StatusReconnecting:
		if recovering == 0 && connected > 0 {
			s.fire(triggerPeersRecovered, domain.EndReasonNone)
		}
	}
}

func (s *CallSession) onTransportEvent(p *PeerSession, ev domain.TransportEvent) {
	if p.closed || s.finished {
		return
	}

	switch ev.Kind {
	case domain.TransportStateChanged:
		if ev.State == p.state {
			return
		}
		prev := p.state
		p.state = ev.State
		p.logger.Infow("peer state changed", "from", prev, "to", ev.State)
		s.emit(domain.Event{Type: domain.EventPeerStateChanged, UserID: p.remoteUser, PeerState: ev.State})

		switch {
		case ev.State == domain.PeerStateConnected:
			if p.reconnect.active && p.reconnect.cause == causeTransport {
				s.stopReconnect(p)
			}
		case ev.State.IsUnhealthy():
			if s.status == domain.StatusConnecting || s.status.IsLive() {
				s.startReconnect(p, causeTransport)
			}
		}
		s.reevaluate()

	case domain.TransportLocalICE:
		if ev.Candidate == nil {
			return
		}
		msg := s.message(domain.MsgICECandidate)
		msg.To = p.remoteUser
		msg.Candidate = ev.Candidate
		s.send(msg)

	case domain.TransportRemoteTrack:
		p.logger.Debugw("remote track received", "track_id", ev.TrackID, "kind", ev.TrackKind)
	}
}

func (s *CallSession) onTransportError(p *PeerSession, err error) {
	if p.closed {
		return
	}
	p.logger.Errorw("failed to create peer transport", "error", err)
	if s.kind == domain.CallKindOneToOne {
		s.broadcast(s.message(domain.MsgHangup))
		s.fire(triggerFatalError, domain.EndReasonTransportError)
		return
	}
	s.removePeer(p.remoteUser, domain.EndReasonTransportError)
	if s.remoteMembers() == 0 && len(s.pendingInvitees) == 0 {
		s.fire(triggerFatalError, domain.EndReasonTransportError)
	}
}

// remoteMembers counts remote users that joined and are still in the call.
func (s *CallSession) remoteMembers() int {
	n := 0
	for _, p := range s.roster.Participants() {
		if p.UserID != s.local {
			n++
		}
	}
	return n
}

// peer returns the open PeerSession for user, creating it when create is set.
func (s *CallSession) peer(user domain.UserID, create bool) *PeerSession {
	if p, ok := s.peers[user]; ok && !p.closed {
		return p
	}
	if !create || user == s.local {
		return nil
	}
	p := newPeerSession(s, user)
	s.peers[user] = p
	return p
}

// removePeer drops a remote participant and everything it owned.
func (s *CallSession) removePeer(user domain.UserID, reason domain.EndReason) {
	if p, ok := s.peers[user]; ok {
		p.close()
		delete(s.peers, user)
	}
	delete(s.pendingInvitees, user)
	delete(s.early, user)
	removed := s.roster.Remove(user)

	if share, annotations, ok := s.shares.EndOwnedBy(user); ok {
		s.emitShareEnded(share, annotations)
	}

	s.emit(domain.Event{Type: domain.EventPeerRemoved, UserID: user, Reason: reason})
	if removed {
		s.emit(domain.Event{Type: domain.EventRosterChanged, UserID: user, Detail: "left"})
	}
}

// connectPeer creates the transport, attaches local tracks and optionally
// starts the offer.
func (s *CallSession) connectPeer(p *PeerSession, offer bool) {
	p.ensureTransport()
	s.attachLocalTracks(p)
	if offer {
		p.negotiate(false)
	}
}

func (s *CallSession) stopInviteTimer() {
	if s.inviteTimer != nil {
		s.inviteTimer.Stop()
		s.inviteTimer = nil
	}
}

func (s *CallSession) armInviteTimer() {
	s.stopInviteTimer()
	s.inviteTimer = time.AfterFunc(s.cfg.InviteTimeout, func() {
		s.post(s.onInviteExpired)
	})
}

func (s *CallSession) onInviteExpired() {
	s.inviteTimer = nil

	if s.incoming {
		if s.status != domain.StatusRinging {
			return
		}
		msg := s.message(domain.MsgDecline)
		msg.To = s.initiator
		msg.Reason = domain.EndReasonMissed
		s.send(msg)
		s.fire(triggerInviteExpired, domain.EndReasonMissed)
		return
	}

	for user := range s.pendingInvitees {
		msg := s.message(domain.MsgHangup)
		msg.To = user
		msg.Reason = domain.EndReasonMissed
		s.send(msg)
		s.removePeer(user, domain.EndReasonMissed)
	}
	if s.remoteMembers() == 0 {
		s.fire(triggerInviteExpired, domain.EndReasonMissed)
	}
}

func (s *CallSession) startQualityMonitor() {
	if s.monitor != nil {
		return
	}
	s.monitor = NewQualityMonitor(s.cfg.QualityInterval, func() {
		s.post(s.sampleQuality)
	})
	s.monitor.Start(s.ctx)
}

// sampleQuality reads stats from every live peer off the loop.
func (s *CallSession) sampleQuality() {
	for _, p := range s.peers {
		if p.closed || p.transport == nil || p.sampling {
			continue
		}
		if p.state != domain.PeerStateConnected && !p.reconnect.active {
			continue
		}
		p.sampling = true
		t, peer := p.transport, p
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
			stats, err := t.Stats(ctx)
			cancel()
			at := s.now()
			s.post(func() { s.onStats(peer, stats, err, at) })
		}()
	}
}

func (s *CallSession) onStats(p *PeerSession, stats domain.TransportStats, err error, at time.Time) {
	p.sampling = false
	if p.closed {
		return
	}
	if err != nil {
		p.quality.Gap()
		p.logger.Debugw("quality sample skipped", "error", err)
		return
	}
	s.observeQuality(p, stats, at)
}

func (s *CallSession) observeQuality(p *PeerSession, stats domain.TransportStats, at time.Time) {
	obs := p.quality.Observe(stats, at)
	if obs.Change != nil {
		p.logger.Infow("quality changed", "from", obs.Change.From, "to", obs.Change.To)
		s.emit(domain.Event{Type: domain.EventQualityChanged, UserID: p.remoteUser, Quality: obs.Change})
	}

	switch {
	case obs.SustainedCritical && s.status.IsLive():
		p.logger.Warnw("sustained critical quality", "samples", p.quality.CriticalStreak())
		s.startReconnect(p, causeQuality)
		s.reevaluate()
	case obs.Level != domain.QualityCritical && p.reconnect.active && p.reconnect.cause == causeQuality:
		s.stopReconnect(p)
		s.reevaluate()
	}
}

func (s *CallSession) emit(ev domain.Event) {
	if s.publish == nil {
		return
	}
	ev.CallID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.publish(ev)
}

// message returns an envelope for this call with a fresh id.
func (s *CallSession) message(t domain.MessageType) domain.SignalMessage {
	return domain.SignalMessage{
		ID:     domain.MessageID(utils.GenerateMessageID()),
		Type:   t,
		CallID: s.id,
		From:   s.local,
	}
}

func (s *CallSession) send(msgs ...domain.SignalMessage) {
	s.sendThen(msgs, nil)
}

// sendThen sends msgs in order on the session outbox. Sends are not tied to
// the session context so a final hangup still leaves after the session ended.
func (s *CallSession) sendThen(msgs []domain.SignalMessage, then func(error)) {
	for i := range msgs {
		if msgs[i].SentAt.IsZero() {
			msgs[i].SentAt = s.now()
		}
	}
	s.outbox.Enqueue(func() {
		var firstErr error
		for _, msg := range msgs {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
			err := s.signaling.Send(ctx, msg)
			cancel()
			if err != nil {
				s.logger.Warnw("failed to send signal", "type", msg.Type, "to", msg.To, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if then != nil {
			s.post(func() { then(firstErr) })
		}
	})
}

// recipients lists remote users that should see call-wide messages.
func (s *CallSession) recipients() []domain.UserID {
	users := make([]domain.UserID, 0, len(s.peers))
	for u, p := range s.peers {
		if !p.closed {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (s *CallSession) fanOut(msg domain.SignalMessage) []domain.SignalMessage {
	users := s.recipients()
	msgs := make([]domain.SignalMessage, 0, len(users))
	for _, u := range users {
		m := msg
		m.ID = domain.MessageID(utils.GenerateMessageID())
		m.To = u
		msgs = append(msgs, m)
	}
	return msgs
}

func (s *CallSession) broadcast(msg domain.SignalMessage) {
	s.sendThen(s.fanOut(msg), nil)
}

func (s *CallSession) broadcastThen(msg domain.SignalMessage, then func(error)) {
	s.sendThen(s.fanOut(msg), then)
}

func (s *CallSession) sendOffer(p *PeerSession, desc domain.SessionDescription, gen int, iceRestart bool) {
	if p.inviteRole != "" {
		msg := s.message(domain.MsgInvite)
		msg.To = p.remoteUser
		msg.Kind = s.kind
		msg.CallType = s.callType
		msg.Role = p.inviteRole
		msg.Roles = s.roles()
		msg.Participants = s.invitationList()
		msg.Description = &desc
		msg.OfferGen = gen
		p.inviteRole = ""
		s.send(msg)
		return
	}
	msg := s.message(domain.MsgOffer)
	msg.To = p.remoteUser
	msg.Description = &desc
	msg.ICERestart = iceRestart
	msg.OfferGen = gen
	s.send(msg)
}

func (s *CallSession) sendAnswer(p *PeerSession, desc domain.SessionDescription, gen int) {
	msg := s.message(domain.MsgAnswer)
	msg.To = p.remoteUser
	msg.Description = &desc
	msg.OfferGen = gen
	s.send(msg)
}

func (s *CallSession) roles() map[domain.UserID]domain.Role {
	roles := make(map[domain.UserID]domain.Role)
	for _, p := range s.roster.Participants() {
		roles[p.UserID] = p.Role
	}
	return roles
}

// invitationList names everyone in or invited to the call.
func (s *CallSession) invitationList() []domain.UserID {
	set := map[domain.UserID]bool{s.local: true}
	for _, p := range s.roster.Participants() {
		set[p.UserID] = true
	}
	for u := range s.pendingInvitees {
		set[u] = true
	}
	users := make([]domain.UserID, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (s *CallSession) storeSnapshot() {
	snap := s.buildSnapshot()
	s.snap.Store(&snap)
}

func (s *CallSession) buildSnapshot() domain.CallSnapshot {
	snap := domain.CallSnapshot{
		CallID:       s.id,
		Kind:         s.kind,
		Type:         s.callType,
		Status:       s.status,
		EndReason:    s.endReason,
		LocalUser:    s.local,
		Initiator:    s.initiator,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      s.endedAt,
		Participants: s.roster.Participants(),
		RaisedHands:  s.roster.PendingHands(),
		Shares:       s.shares.Live(),
		Annotations:  s.shares.Annotations(),
		Locked:       s.roster.Locked(),
		AllMuted:     s.roster.AllMuted(),
		Recording:    s.roster.Recording(),
		Pending:      s.roster.PendingToggles(),
		Quality:      make(map[domain.UserID]domain.QualityLevel),
	}
	for _, u := range s.recipients() {
		p := s.peers[u]
		snap.Peers = append(snap.Peers, p.snapshot())
		if lvl := p.quality.Level(); lvl != domain.QualityUnknown {
			snap.Quality[u] = lvl
		}
	}
	return snap
}
