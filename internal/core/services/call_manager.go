package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/cache"
	"callengine/pkg/utils"

	"go.uber.org/zap"
)

// ManagerDeps wires a CallManager to its adapters.
type ManagerDeps struct {
	Config     EngineConfig
	LocalUser  domain.UserID
	Signaling  ports.SignalingTransport
	Transports ports.PeerTransportFactory
	Media      ports.MediaCapability
	Records    ports.CallRecordStore
	Hub        *EventHub
	Logger     *zap.SugaredLogger
	Clock      func() time.Time
}

// queuedInvite is an invitation held while another call is active.
type queuedInvite struct {
	invite     domain.SignalMessage
	followUps  []domain.SignalMessage
	receivedAt time.Time
	timer      *time.Timer
}

// CallManager owns the sessions of one local user. At most one call is active
// at a time; inbound signaling is routed to sessions in arrival order.
type CallManager struct {
	deps    sessionDeps
	records ports.CallRecordStore
	hub     *EventHub
	logger  *zap.SugaredLogger

	dedup    *cache.Cache[domain.MessageID, struct{}]
	ended    *cache.Cache[domain.CallID, struct{}]
	endedTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.CallID]*CallSession
	active   *CallSession
	queued   []*queuedInvite
	closed   bool
}

var _ ports.CallService = (*CallManager)(nil)

func NewCallManager(d ManagerDeps) *CallManager {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Hub == nil {
		d.Hub = NewEventHub(d.Logger, d.Config.OperationTimeout)
	}
	ttl := d.Config.DedupTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &CallManager{
		records:  d.Records,
		hub:      d.Hub,
		logger:   d.Logger.With("local_user", d.LocalUser),
		dedup:    cache.NewWithClock[domain.MessageID, struct{}](ttl, d.Clock),
		ended:    cache.NewWithClock[domain.CallID, struct{}](ttl, d.Clock),
		endedTTL: ttl + d.Config.InviteTimeout,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.CallID]*CallSession),
	}
	m.deps = sessionDeps{
		cfg:        d.Config,
		local:      d.LocalUser,
		signaling:  d.Signaling,
		transports: d.Transports,
		media:      d.Media,
		quality:    NewQualityService(),
		publish:    d.Hub.Publish,
		onEnd:      m.onSessionEnd,
		logger:     d.Logger,
		now:        d.Clock,
	}
	return m
}

// Start runs the inbound dispatcher until ctx is done or the transport closes
// its inbound channel.
func (m *CallManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		in := m.deps.signaling.Inbound()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					m.logger.Infow("signaling inbound closed")
					return
				}
				m.dispatch(msg)
			}
		}
	}()
}

// dispatch routes one inbound message. Messages for unknown calls are
// dropped unless they open a call.
func (m *CallManager) dispatch(msg domain.SignalMessage) {
	local := m.deps.local
	switch {
	case !domain.KnownMessageTypes[msg.Type]:
		m.logger.Warnw("unknown message type dropped", "type", msg.Type, "from", msg.From)
		return
	case msg.From == "" || msg.From == local || msg.CallID == "":
		m.logger.Debugw("malformed message dropped", "type", msg.Type, "from", msg.From)
		return
	case msg.To != "" && msg.To != local:
		return
	}
	if msg.ID != "" && !m.dedup.AddIfAbsent(msg.ID, struct{}{}) {
		m.logger.Debugw("duplicate message dropped", "message_id", msg.ID, "type", msg.Type)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if s, ok := m.sessions[msg.CallID]; ok {
		m.mu.Unlock()
		s.Deliver(msg)
		return
	}
	if q := m.findQueued(msg.CallID); q != nil {
		after := m.onQueuedSignal(q, msg)
		m.mu.Unlock()
		if after != nil {
			after()
		}
		return
	}
	if msg.Type != domain.MsgInvite {
		m.mu.Unlock()
		m.logger.Debugw("message for unknown call dropped", "call_id", msg.CallID, "type", msg.Type)
		return
	}
	after := m.onInvite(msg)
	m.mu.Unlock()
	if after != nil {
		after()
	}
}

// onInvite runs under m.mu. The returned function must run after unlocking.
func (m *CallManager) onInvite(msg domain.SignalMessage) func() {
	if _, seen := m.ended.Get(msg.CallID); seen {
		m.logger.Debugw("invite for finished call dropped", "call_id", msg.CallID)
		return nil
	}
	if msg.Kind != domain.CallKindOneToOne && msg.Kind != domain.CallKindGroup {
		m.logger.Warnw("invite with unknown call kind dropped", "kind", msg.Kind, "from", msg.From)
		return nil
	}
	if msg.CallType != domain.CallTypeVoice && msg.CallType != domain.CallTypeVideo {
		m.logger.Warnw("invite with unknown call type dropped", "call_type", msg.CallType, "from", msg.From)
		return nil
	}

	if m.active == nil {
		return m.openIncoming(msg, nil)
	}

	if m.deps.cfg.BusyPolicy == BusyReject {
		m.logger.Infow("busy, rejecting invitation", "call_id", msg.CallID, "from", msg.From)
		m.markEnded(msg.CallID)
		return func() { m.sendDecline(msg, domain.EndReasonBusy) }
	}

	q := &queuedInvite{invite: msg, receivedAt: m.deps.now()}
	callID := msg.CallID
	q.timer = time.AfterFunc(m.deps.cfg.InviteTimeout, func() { m.expireQueued(callID) })
	m.queued = append(m.queued, q)

	inv := invitationFrom(msg, q.receivedAt)
	m.logger.Infow("invitation queued", "call_id", msg.CallID, "from", msg.From, "queued", len(m.queued))
	return func() {
		m.publish(domain.Event{Type: domain.EventInvitationQueued, CallID: callID, UserID: msg.From, Invitation: &inv})
	}
}

// openIncoming registers a ringing session under m.mu.
func (m *CallManager) openIncoming(invite domain.SignalMessage, followUps []domain.SignalMessage) func() {
	s := newCallSession(m.ctx, m.deps, sessionParams{
		id:        invite.CallID,
		kind:      invite.Kind,
		callType:  invite.CallType,
		initiator: invite.From,
		incoming:  true,
	})
	m.sessions[s.id] = s
	m.active = s

	inv := invitationFrom(invite, m.deps.now())
	m.logger.Infow("incoming call", "call_id", s.id, "from", invite.From, "kind", invite.Kind, "type", invite.CallType)
	return func() {
		s.start(func() { s.receiveInvite(invite) })
		for _, f := range followUps {
			s.Deliver(f)
		}
		m.publish(domain.Event{Type: domain.EventInvitation, CallID: s.id, UserID: invite.From, Invitation: &inv})
	}
}

func (m *CallManager) findQueued(id domain.CallID) *queuedInvite {
	for _, q := range m.queued {
		if q.invite.CallID == id {
			return q
		}
	}
	return nil
}

func (m *CallManager) removeQueued(id domain.CallID) *queuedInvite {
	for i, q := range m.queued {
		if q.invite.CallID == id {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			q.timer.Stop()
			return q
		}
	}
	return nil
}

// onQueuedSignal keeps negotiation for a queued call until it is promoted;
// the caller giving up withdraws it.
func (m *CallManager) onQueuedSignal(q *queuedInvite, msg domain.SignalMessage) func() {
	if msg.From != q.invite.From {
		if len(q.followUps) < maxEarlyMessages {
			q.followUps = append(q.followUps, msg)
		}
		return nil
	}
	switch msg.Type {
	case domain.MsgHangup, domain.MsgParticipantLeft, domain.MsgEndForEveryone:
		m.removeQueued(q.invite.CallID)
		m.markEnded(q.invite.CallID)
		inv := invitationFrom(q.invite, q.receivedAt)
		return func() {
			m.publish(domain.Event{
				Type:       domain.EventInvitationExpired,
				CallID:     inv.CallID,
				UserID:     inv.From,
				Reason:     domain.EndReasonMissed,
				Invitation: &inv,
			})
		}
	case domain.MsgInvite:
		return nil
	default:
		if len(q.followUps) < maxEarlyMessages {
			q.followUps = append(q.followUps, msg)
		}
		return nil
	}
}

func (m *CallManager) expireQueued(id domain.CallID) {
	m.mu.Lock()
	q := m.removeQueued(id)
	if q != nil {
		m.markEnded(id)
	}
	m.mu.Unlock()
	if q == nil {
		return
	}

	m.logger.Infow("queued invitation expired", "call_id", id, "from", q.invite.From)
	m.sendDecline(q.invite, domain.EndReasonMissed)
	inv := invitationFrom(q.invite, q.receivedAt)
	m.publish(domain.Event{Type: domain.EventInvitationExpired, CallID: id, UserID: inv.From, Reason: domain.EndReasonMissed, Invitation: &inv})
}

func (m *CallManager) sendDecline(invite domain.SignalMessage, reason domain.EndReason) {
	msg := domain.SignalMessage{
		ID:     domain.MessageID(utils.GenerateMessageID()),
		Type:   domain.MsgDecline,
		CallID: invite.CallID,
		From:   m.deps.local,
		To:     invite.From,
		SentAt: m.deps.now(),
		Reason: reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.deps.cfg.OperationTimeout)
	defer cancel()
	if err := m.deps.signaling.Send(ctx, msg); err != nil {
		m.logger.Warnw("failed to send decline", "call_id", invite.CallID, "reason", reason, "error", err)
	}
}

// markEnded remembers a finished call so late invites for it do not ring.
// A caller keeps retransmitting its invite until InviteTimeout, so the entry
// outlives the dedup window by that much.
func (m *CallManager) markEnded(id domain.CallID) {
	m.ended.SetWithTTL(id, struct{}{}, m.endedTTL)
}

// onSessionEnd runs on the ending session's loop.
func (m *CallManager) onSessionEnd(s *CallSession, record domain.CallRecord) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.markEnded(s.id)
	var after func()
	if m.active == s {
		m.active = nil
		if !m.closed && len(m.queued) > 0 {
			next := m.queued[0]
			m.queued = m.queued[1:]
			next.timer.Stop()
			after = m.openIncoming(next.invite, next.followUps)
		}
	}
	m.mu.Unlock()

	if m.records != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.deps.cfg.OperationTimeout)
			defer cancel()
			if err := m.records.Save(ctx, record); err != nil {
				m.logger.Errorw("failed to save call record", "call_id", record.CallID, "error", err)
			}
		}()
	}
	if after != nil {
		// the promoted session must not be started from inside this loop's turn
		go after()
	}
}

// Initiate starts an outgoing call. It fails with ErrCallInProgress while
// another call is active.
func (m *CallManager) Initiate(ctx context.Context, req ports.InitiateRequest) (domain.CallSnapshot, error) {
	if err := validateInitiate(req, m.deps.local); err != nil {
		return domain.CallSnapshot{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.CallSnapshot{}, domain.ErrSessionEnded
	}
	if m.active != nil {
		m.mu.Unlock()
		return domain.CallSnapshot{}, domain.ErrCallInProgress
	}
	s := newCallSession(m.ctx, m.deps, sessionParams{
		id:        domain.CallID(utils.GenerateCallID()),
		kind:      req.Kind,
		callType:  req.Type,
		initiator: m.deps.local,
	})
	m.sessions[s.id] = s
	m.active = s
	m.mu.Unlock()

	m.logger.Infow("outgoing call", "call_id", s.id, "kind", req.Kind, "type", req.Type, "participants", len(req.Participants))
	s.start(nil)
	return callResult(s, ctx, func() (domain.CallSnapshot, error) {
		s.initiate(req.Participants, req.Roles)
		return s.buildSnapshot(), nil
	})
}

func validateInitiate(req ports.InitiateRequest, local domain.UserID) error {
	if req.Type != domain.CallTypeVoice && req.Type != domain.CallTypeVideo {
		return fmt.Errorf("%w: unknown call type %q", domain.ErrInvalidState, req.Type)
	}
	var remote int
	for _, u := range req.Participants {
		if u == "" {
			return fmt.Errorf("%w: empty participant id", domain.ErrInvalidState)
		}
		if u != local {
			remote++
		}
	}
	switch req.Kind {
	case domain.CallKindOneToOne:
		if remote != 1 {
			return fmt.Errorf("%w: one-to-one call needs exactly one callee", domain.ErrInvalidState)
		}
	case domain.CallKindGroup:
		if remote == 0 {
			return fmt.Errorf("%w: group call needs at least one invitee", domain.ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown call kind %q", domain.ErrInvalidState, req.Kind)
	}
	return nil
}

// Accept answers a ringing call. Queued invitations cannot be accepted while
// another call is active.
func (m *CallManager) Accept(ctx context.Context, id domain.CallID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	queued := m.findQueued(id) != nil
	m.mu.Unlock()

	if ok {
		return s.Accept(ctx)
	}
	if queued {
		return domain.ErrCallInProgress
	}
	return domain.ErrCallNotFound
}

// Decline rejects a ringing or queued invitation.
func (m *CallManager) Decline(ctx context.Context, id domain.CallID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	var q *queuedInvite
	if !ok {
		if q = m.removeQueued(id); q != nil {
			m.markEnded(id)
		}
	}
	m.mu.Unlock()

	switch {
	case ok:
		return s.Decline(ctx)
	case q != nil:
		m.sendDecline(q.invite, domain.EndReasonDeclined)
		return nil
	default:
		return domain.ErrCallNotFound
	}
}

// Session returns the live session with id.
func (m *CallManager) Session(id domain.CallID) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *CallManager) Call(id domain.CallID) (ports.CallControl, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return s, nil
}

func (m *CallManager) Active() (domain.CallSnapshot, bool) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return domain.CallSnapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of every live session, oldest first.
func (m *CallManager) List() []domain.CallSnapshot {
	m.mu.Lock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]domain.CallSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Invitations lists the ringing incoming call and the queued ones.
func (m *CallManager) Invitations() []domain.Invitation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Invitation
	if s := m.active; s != nil && s.incoming {
		if snap := s.Snapshot(); snap.Status == domain.StatusRinging {
			out = append(out, domain.Invitation{
				CallID:     snap.CallID,
				From:       snap.Initiator,
				Kind:       snap.Kind,
				Type:       snap.Type,
				ReceivedAt: snap.StartedAt,
			})
		}
	}
	for _, q := range m.queued {
		out = append(out, invitationFrom(q.invite, q.receivedAt))
	}
	return out
}

func (m *CallManager) Subscribe() (<-chan domain.Event, func()) {
	return m.hub.Subscribe()
}

func (m *CallManager) RecentCalls(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	if m.records == nil {
		return nil, nil
	}
	return m.records.ListRecent(ctx, limit)
}

// Close hangs up every session and waits for them to finish or ctx to end.
func (m *CallManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for _, q := range m.queued {
		q.timer.Stop()
	}
	m.queued = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	var err error
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	m.cancel()
	m.wg.Wait()
	m.dedup.Stop()
	m.ended.Stop()
	return err
}

func (m *CallManager) publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.deps.now()
	}
	m.hub.Publish(ev)
}

func invitationFrom(msg domain.SignalMessage, at time.Time) domain.Invitation {
	return domain.Invitation{
		CallID:       msg.CallID,
		From:         msg.From,
		Kind:         msg.Kind,
		Type:         msg.CallType,
		Participants: msg.Participants,
		ReceivedAt:   at,
	}
}
