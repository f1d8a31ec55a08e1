package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/utils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
	videoClockRate    = 90000
)

// Opus comfort-noise frame: TOC for a 20ms CELT frame with no payload.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Devices describes which capture sources a SyntheticMedia pretends to have.
type Devices struct {
	Microphone bool
	Camera     bool
	Display    bool
	// Denied makes every acquisition fail as if the user refused permission.
	Denied bool
}

// AllDevices has every source available.
var AllDevices = Devices{Microphone: true, Camera: true, Display: true}

// SyntheticMedia is a headless MediaCapability. Audio tracks emit Opus
// silence so remote receivers see a live stream; video tracks carry whatever
// RTP is written to them through WriteRTP.
type SyntheticMedia struct {
	devices Devices
}

var _ ports.MediaCapability = (*SyntheticMedia)(nil)

func NewSyntheticMedia(devices Devices) *SyntheticMedia {
	return &SyntheticMedia{devices: devices}
}

func (m *SyntheticMedia) AcquireLocalMedia(ctx context.Context, c ports.MediaConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.devices.Denied {
		return nil, fmt.Errorf("local media: %w", domain.ErrPermissionDenied)
	}
	if c.Audio && !m.devices.Microphone {
		return nil, fmt.Errorf("microphone: %w", domain.ErrDeviceNotFound)
	}
	if c.Video && !m.devices.Camera {
		return nil, fmt.Errorf("camera: %w", domain.ErrDeviceNotFound)
	}

	stream := newLocalStream()
	if c.Audio {
		track, err := newLocalTrack(stream.id, domain.TrackKindAudio, "microphone")
		if err != nil {
			return nil, fmt.Errorf("microphone: %w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.add(track)
	}
	if c.Video {
		label := c.Label
		if label == "" {
			label = "camera"
		}
		track, err := newLocalTrack(stream.id, domain.TrackKindVideo, label)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("camera: %w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.add(track)
	}
	return stream, nil
}

func (m *SyntheticMedia) AcquireDisplayMedia(ctx context.Context, c ports.MediaConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.devices.Denied {
		return nil, fmt.Errorf("display capture: %w", domain.ErrPermissionDenied)
	}
	if !m.devices.Display {
		return nil, fmt.Errorf("display capture: %w", domain.ErrDeviceNotFound)
	}

	stream := newLocalStream()
	video, err := newLocalTrack(stream.id, domain.TrackKindVideo, "screen")
	if err != nil {
		return nil, fmt.Errorf("display capture: %w: %v", domain.ErrDeviceUnavailable, err)
	}
	stream.add(video)
	if c.Audio {
		audio, err := newLocalTrack(stream.id, domain.TrackKindAudio, "system-audio")
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("system audio: %w: %v", domain.ErrDeviceUnavailable, err)
		}
		stream.add(audio)
	}
	return stream, nil
}

type localStream struct {
	id     string
	mu     sync.Mutex
	tracks []ports.MediaTrack
}

func newLocalStream() *localStream {
	return &localStream{id: utils.GenerateID("stream")}
}

func (s *localStream) add(t ports.MediaTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *localStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// LocalTrack is a MediaTrack that pion can send.
type LocalTrack interface {
	ports.MediaTrack
	TrackLocal() webrtc.TrackLocal
}

type localTrack struct {
	id    string
	kind  domain.TrackKind
	label string
	rtp   *webrtc.TrackLocalStaticRTP

	stopOnce sync.Once
	done     chan struct{}
	stopped  atomic.Bool
}

func newLocalTrack(streamID string, kind domain.TrackKind, label string) (*localTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	if kind == domain.TrackKindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
	}

	id := utils.GenerateID(string(kind))
	staticRTP, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &localTrack{
		id:    id,
		kind:  kind,
		label: label,
		rtp:   staticRTP,
		done:  make(chan struct{}),
	}
	if kind == domain.TrackKindAudio {
		go t.emitSilence()
	}
	return t, nil
}

func (t *localTrack) ID() string                    { return t.id }
func (t *localTrack) Kind() domain.TrackKind        { return t.kind }
func (t *localTrack) Label() string                 { return t.label }
func (t *localTrack) Stopped() bool                 { return t.stopped.Load() }
func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.rtp }

func (t *localTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// WriteRTP forwards an externally produced packet, e.g. from an encoder.
func (t *localTrack) WriteRTP(p *rtp.Packet) error {
	if t.Stopped() {
		return domain.ErrPeerClosed
	}
	return t.rtp.WriteRTP(p)
}

func (t *localTrack) emitSilence() {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	samplesPerFrame := uint32(opusClockRate * opusFrameDuration / time.Second)
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: 111,
		},
		Payload: opusSilence,
	}

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// Writes to a track not bound to any connection are no-ops.
			_ = t.rtp.WriteRTP(packet)
			packet.SequenceNumber++
			packet.Timestamp += samplesPerFrame
		}
	}
}
