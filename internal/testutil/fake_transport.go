package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
)

var ErrInjected = errors.New("injected failure")

// TransportFactory hands out FakeTransports and remembers the latest one per
// remote user.
type TransportFactory struct {
	mu         sync.Mutex
	transports map[domain.UserID]*FakeTransport
	created    int

	// Err fails NewPeerTransport when set.
	Err error
	// NoReplace makes new transports report no in-place track replacement.
	NoReplace bool
	// Stats is returned by Stats of every transport created afterwards.
	Stats func() (domain.TransportStats, error)
}

var _ ports.PeerTransportFactory = (*TransportFactory)(nil)

func NewTransportFactory() *TransportFactory {
	return &TransportFactory{transports: make(map[domain.UserID]*FakeTransport)}
}

func (f *TransportFactory) NewPeerTransport(_ context.Context, params ports.TransportParams, sink func(domain.TransportEvent)) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.created++
	t := &FakeTransport{
		params:         params,
		sink:           sink,
		replaceSupport: !f.NoReplace,
		stats:          f.Stats,
		state:          domain.PeerStateNew,
	}
	f.transports[params.RemoteUser] = t
	return t, nil
}

// Transport returns the most recent transport created for remote.
func (f *TransportFactory) Transport(remote domain.UserID) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[remote]
}

func (f *TransportFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// FakeTransport connects as soon as both descriptions are in place and
// reports one host candidate per local description.
type FakeTransport struct {
	mu             sync.Mutex
	params         ports.TransportParams
	sink           func(domain.TransportEvent)
	replaceSupport bool
	stats          func() (domain.TransportStats, error)

	local     *domain.SessionDescription
	remote    *domain.SessionDescription
	state     domain.PeerConnectionState
	offers    int
	answers   int
	restarts  int
	rollbacks int
	senders   []*FakeSender
	removed   int
	remoteICE []domain.ICECandidate
	closed    bool
	// stuck keeps the transport from reconnecting after Fail.
	stuck bool
}

var _ ports.PeerTransport = (*FakeTransport)(nil)

func (t *FakeTransport) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.SessionDescription{}, domain.ErrPeerClosed
	}
	t.offers++
	if iceRestart {
		t.restarts++
	}
	return domain.SessionDescription{
		Type: domain.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\no=%s %d 1 IN IP4 127.0.0.1\r\ns=-\r\n", t.params.LocalUser, t.offers),
	}, nil
}

func (t *FakeTransport) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return domain.SessionDescription{}, domain.ErrRemoteDescriptionMissing
	}
	t.answers++
	return domain.SessionDescription{
		Type: domain.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\no=%s %d 2 IN IP4 127.0.0.1\r\ns=-\r\n", t.params.LocalUser, t.answers),
	}, nil
}

func (t *FakeTransport) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	d := desc
	t.local = &d
	t.mu.Unlock()

	t.emit(domain.TransportEvent{
		Kind:      domain.TransportLocalICE,
		Candidate: &domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"},
	})
	t.maybeConnect()
	return nil
}

func (t *FakeTransport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	d := desc
	t.remote = &d
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *FakeTransport) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = nil
	t.rollbacks++
	return nil
}

func (t *FakeTransport) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return domain.ErrRemoteDescriptionMissing
	}
	t.remoteICE = append(t.remoteICE, c)
	return nil
}

func (t *FakeTransport) AddTrack(track ports.MediaTrack) (ports.TrackSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &FakeSender{track: track, fail: !t.replaceSupport}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *FakeTransport) RemoveTrack(sender ports.TrackSender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.senders {
		if s == sender {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			t.removed++
			return nil
		}
	}
	return fmt.Errorf("sender not attached")
}

func (t *FakeTransport) SupportsReplaceTrack() bool {
	return t.replaceSupport
}

func (t *FakeTransport) Stats(_ context.Context) (domain.TransportStats, error) {
	if t.stats == nil {
		return domain.TransportStats{RoundTripTimeMs: 20}, nil
	}
	return t.stats()
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SetState reports a connection state change as the platform would.
func (t *FakeTransport) SetState(state domain.PeerConnectionState) {
	t.mu.Lock()
	t.state = state
	t.stuck = false
	t.mu.Unlock()
	t.emit(domain.TransportEvent{Kind: domain.TransportStateChanged, State: state})
}

// Fail reports a failed connection that ICE restarts cannot bring back.
func (t *FakeTransport) Fail() {
	t.mu.Lock()
	t.state = domain.PeerStateFailed
	t.stuck = true
	t.mu.Unlock()
	t.emit(domain.TransportEvent{Kind: domain.TransportStateChanged, State: domain.PeerStateFailed})
}

func (t *FakeTransport) maybeConnect() {
	t.mu.Lock()
	ready := t.local != nil && t.remote != nil && !t.stuck && t.state != domain.PeerStateConnected
	if ready {
		t.state = domain.PeerStateConnected
	}
	t.mu.Unlock()
	if ready {
		t.emit(domain.TransportEvent{Kind: domain.TransportStateChanged, State: domain.PeerStateConnected})
	}
}

func (t *FakeTransport) emit(ev domain.TransportEvent) {
	if t.sink != nil {
		t.sink(ev)
	}
}

func (t *FakeTransport) Offers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *FakeTransport) Answers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answers
}

// RemoteDescription returns the applied remote description, or nil.
func (t *FakeTransport) RemoteDescription() *domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return nil
	}
	d := *t.remote
	return &d
}

func (t *FakeTransport) ICERestarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *FakeTransport) Rollbacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *FakeTransport) RemoteCandidates() []domain.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ICECandidate, len(t.remoteICE))
	copy(out, t.remoteICE)
	return out
}

func (t *FakeTransport) Senders() []*FakeSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeSender, len(t.senders))
	copy(out, t.senders)
	return out
}

func (t *FakeTransport) RemovedTracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FakeSender records what it is sending.
type FakeSender struct {
	mu    sync.Mutex
	track ports.MediaTrack
	fail  bool
}

func (s *FakeSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) ReplaceTrack(track ports.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return domain.ErrReplaceTrackUnsupported
	}
	s.track = track
	return nil
}
