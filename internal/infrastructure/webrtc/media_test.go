package webrtc

import (
	"context"
	"testing"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticMedia_AcquireLocalMedia(t *testing.T) {
	media := NewSyntheticMedia(AllDevices)

	stream, err := media.AcquireLocalMedia(context.Background(), ports.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackKindAudio, tracks[0].Kind())
	assert.Equal(t, domain.TrackKindVideo, tracks[1].Kind())
	assert.Equal(t, "camera", tracks[1].Label())

	for _, tr := range tracks {
		_, ok := tr.(LocalTrack)
		assert.True(t, ok, "track %s must be sendable", tr.ID())
	}
}

func TestSyntheticMedia_DeviceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewSyntheticMedia(Devices{Microphone: true}).AcquireLocalMedia(ctx, ports.MediaConstraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	_, err = NewSyntheticMedia(Devices{Microphone: true, Denied: true}).AcquireLocalMedia(ctx, ports.MediaConstraints{Audio: true})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = NewSyntheticMedia(Devices{Microphone: true}).AcquireDisplayMedia(ctx, ports.MediaConstraints{Video: true})
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestSyntheticMedia_DisplayWithAudio(t *testing.T) {
	stream, err := NewSyntheticMedia(AllDevices).AcquireDisplayMedia(context.Background(), ports.MediaConstraints{Video: true, Audio: true})
	require.NoError(t, err)

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "screen", tracks[0].Label())
	assert.Equal(t, "system-audio", tracks[1].Label())

	stream.Stop()
	stream.Stop()
	for _, tr := range tracks {
		assert.True(t, tr.Stopped())
	}
}
