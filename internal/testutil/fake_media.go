package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/utils"
)

// Media is a MediaCapability whose failures can be injected per source.
type Media struct {
	mu         sync.Mutex
	LocalErr   error
	DisplayErr error

	acquired atomic.Int32
}

var _ ports.MediaCapability = (*Media)(nil)

func NewMedia() *Media {
	return &Media{}
}

func (m *Media) SetLocalErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LocalErr = err
}

func (m *Media) SetDisplayErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisplayErr = err
}

func (m *Media) AcquireLocalMedia(ctx context.Context, c ports.MediaConstraints) (ports.MediaStream, error) {
	m.mu.Lock()
	err := m.LocalErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.acquired.Add(1)

	s := &Stream{id: utils.GenerateID("stream")}
	if c.Audio {
		s.tracks = append(s.tracks, NewTrack(domain.TrackKindAudio, "microphone"))
	}
	if c.Video {
		label := c.Label
		if label == "" {
			label = "camera"
		}
		s.tracks = append(s.tracks, NewTrack(domain.TrackKindVideo, label))
	}
	return s, nil
}

func (m *Media) AcquireDisplayMedia(ctx context.Context, c ports.MediaConstraints) (ports.MediaStream, error) {
	m.mu.Lock()
	err := m.DisplayErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.acquired.Add(1)

	s := &Stream{id: utils.GenerateID("display")}
	s.tracks = append(s.tracks, NewTrack(domain.TrackKindVideo, "screen"))
	if c.Audio {
		s.tracks = append(s.tracks, NewTrack(domain.TrackKindAudio, "system-audio"))
	}
	return s, nil
}

// Acquired counts successful captures.
func (m *Media) Acquired() int {
	return int(m.acquired.Load())
}

type Stream struct {
	id     string
	tracks []ports.MediaTrack
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []ports.MediaTrack { return s.tracks }

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

type Track struct {
	id      string
	kind    domain.TrackKind
	label   string
	stopped atomic.Bool
}

func NewTrack(kind domain.TrackKind, label string) *Track {
	return &Track{id: utils.GenerateID(string(kind)), kind: kind, label: label}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Label() string          { return t.label }
func (t *Track) Stop()                  { t.stopped.Store(true) }
func (t *Track) Stopped() bool          { return t.stopped.Load() }
