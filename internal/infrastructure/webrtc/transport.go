package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrForeignTrack is returned for tracks not produced by a pion-backed capability.
var ErrForeignTrack = errors.New("track cannot be sent over a pion transport")

// Factory creates pion peer connections, one per remote participant.
type Factory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerTransportFactory = (*Factory)(nil)

func NewFactory(config Config, logger *zap.SugaredLogger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	api, err := config.newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to build webrtc api: %w", err)
	}
	return &Factory{config: config, api: api, logger: logger}, nil
}

func (f *Factory) NewPeerTransport(ctx context.Context, params ports.TransportParams, sink func(domain.TransportEvent)) (ports.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &peerTransport{
		pc:      pc,
		params:  params,
		sink:    sink,
		config:  f.config,
		senders: make(map[*webrtc.RTPSender]*trackSender),
		inbound: make(map[string]*inboundCounters),
		logger: f.logger.With(
			"call_id", params.CallID,
			"remote_user", params.RemoteUser,
		),
	}
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnTrack(t.handleRemoteTrack)
	return t, nil
}

// peerTransport adapts a pion PeerConnection to ports.PeerTransport.
type peerTransport struct {
	pc     *webrtc.PeerConnection
	params ports.TransportParams
	sink   func(domain.TransportEvent)
	config Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders map[*webrtc.RTPSender]*trackSender
	inbound map[string]*inboundCounters
	closed  bool
}

func (t *peerTransport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (t *peerTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

// SetLocalDescription applies desc; gathered candidates are trickled through the sink.
func (t *peerTransport) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetLocalDescription(toPionDescription(desc))
}

func (t *peerTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPionDescription(desc))
}

func (t *peerTransport) Rollback(ctx context.Context) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *peerTransport) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *peerTransport) AddTrack(track ports.MediaTrack) (ports.TrackSender, error) {
	local, ok := track.(LocalTrack)
	if !ok {
		return nil, ErrForeignTrack
	}
	rtpSender, err := t.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	clockRate := uint32(videoClockRate)
	if track.Kind() == domain.TrackKindAudio {
		clockRate = opusClockRate
	}
	sender := &trackSender{
		transport: t,
		sender:    rtpSender,
		track:     track,
		kind:      track.Kind(),
		reports:   newReportStats(clockRate),
	}

	t.mu.Lock()
	t.senders[rtpSender] = sender
	t.mu.Unlock()

	go sender.readRTCP()
	return sender, nil
}

func (t *peerTransport) RemoveTrack(s ports.TrackSender) error {
	sender, ok := s.(*trackSender)
	if !ok {
		return ErrForeignTrack
	}
	t.mu.Lock()
	delete(t.senders, sender.sender)
	t.mu.Unlock()
	return t.pc.RemoveTrack(sender.sender)
}

func (t *peerTransport) SupportsReplaceTrack() bool {
	return true
}

// Stats combines the pion stats report with the RTCP receiver reports seen
// on each sender.
func (t *peerTransport) Stats(ctx context.Context) (domain.TransportStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportStats{}, err
	}
	report := t.pc.GetStats()

	var stats domain.TransportStats
	var video domain.StreamCounters
	hasVideo := false

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			counters := &stats.Audio
			if st.Kind == string(domain.TrackKindVideo) {
				counters = &video
				hasVideo = true
			}
			counters.PacketsSent += uint64(st.PacketsSent)
			counters.BytesSent += st.BytesSent
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				stats.RoundTripTimeMs = st.CurrentRoundTripTime * 1000
			}
		}
	}

	t.mu.Lock()
	for _, sender := range t.senders {
		lost, jitter, rtt := sender.reports.snapshot()
		counters := &stats.Audio
		if sender.kind == domain.TrackKindVideo {
			counters = &video
			hasVideo = true
		}
		counters.PacketsLost += lost
		if jitter > counters.JitterMs {
			counters.JitterMs = jitter
		}
		if stats.RoundTripTimeMs == 0 && rtt > 0 {
			stats.RoundTripTimeMs = rtt
		}
	}
	for _, in := range t.inbound {
		if in.kind == domain.TrackKindVideo {
			video.FrameRate = in.frameRate()
		}
	}
	t.mu.Unlock()

	if hasVideo {
		stats.Video = &video
	}
	return stats, nil
}

func (t *peerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

func (t *peerTransport) emit(ev domain.TransportEvent) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed || t.sink == nil {
		return
	}
	t.sink(ev)
}

func (t *peerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("peer connection state changed", "connection_state", state.String())
	t.emit(domain.TransportEvent{
		Kind:  domain.TransportStateChanged,
		State: fromPionState(state),
	})
}

func (t *peerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil {
		return
	}
	init := c.ToJSON()
	t.emit(domain.TransportEvent{
		Kind: domain.TransportLocalICE,
		Candidate: &domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

func (t *peerTransport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackKindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackKindAudio
	}
	t.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	counters := &inboundCounters{kind: kind, since: time.Now()}
	t.mu.Lock()
	t.inbound[track.ID()] = counters
	t.mu.Unlock()

	if kind == domain.TrackKindVideo {
		// Ask for a keyframe so the first frame decodes.
		if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			t.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
		}
	}

	t.emit(domain.TransportEvent{
		Kind:      domain.TransportRemoteTrack,
		TrackID:   track.ID(),
		TrackKind: kind,
	})

	go t.drainRemoteTrack(track, counters)
}

// drainRemoteTrack reads inbound RTP so interceptors keep producing reports.
func (t *peerTransport) drainRemoteTrack(track *webrtc.TrackRemote, counters *inboundCounters) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			t.mu.Lock()
			delete(t.inbound, track.ID())
			t.mu.Unlock()
			return
		}
		counters.observe(packet.Marker, len(packet.Payload))
	}
}

type trackSender struct {
	transport *peerTransport
	sender    *webrtc.RTPSender
	kind      domain.TrackKind
	reports   *reportStats

	mu    sync.Mutex
	track ports.MediaTrack
}

func (s *trackSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *trackSender) ReplaceTrack(track ports.MediaTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		lt, ok := track.(LocalTrack)
		if !ok {
			return ErrForeignTrack
		}
		local = lt.TrackLocal()
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

func (s *trackSender) readRTCP() {
	for {
		packets, _, err := s.sender.ReadRTCP()
		if err != nil {
			return
		}
		s.reports.process(packets, time.Now())
	}
}

// inboundCounters estimates the frame rate of a remote video track from
// RTP marker bits, which close each video frame.
type inboundCounters struct {
	mu      sync.Mutex
	kind    domain.TrackKind
	since   time.Time
	frames  uint64
	packets uint64
	bytes   uint64
}

func (c *inboundCounters) observe(marker bool, payload int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	c.bytes += uint64(payload)
	if marker {
		c.frames++
	}
}

// frameRate returns frames per second since the previous call.
func (c *inboundCounters) frameRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(c.since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(c.frames) / elapsed
	c.frames = 0
	c.since = now
	return rate
}

func toPionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if d.Type == domain.SDPTypeAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	typ := domain.SDPTypeOffer
	if d.Type == webrtc.SDPTypeAnswer {
		typ = domain.SDPTypeAnswer
	}
	return domain.SessionDescription{Type: typ, SDP: d.SDP}
}

func fromPionState(state webrtc.PeerConnectionState) domain.PeerConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerStateClosed
	default:
		return domain.PeerStateNew
	}
}
