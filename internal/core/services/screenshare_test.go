package services

import (
	"testing"

	"callengine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenShare_RejectPolicy(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{}, fixedClock())

	first, displaced, _, err := m.Begin(ShareRequest{Owner: "alice"})
	require.NoError(t, err)
	assert.Empty(t, displaced)
	assert.Equal(t, domain.ShareStateActive, first.State)
	assert.Equal(t, domain.ShareQualityMedium, first.Quality)
	assert.Equal(t, 15, first.FrameRate)

	_, _, _, err = m.Begin(ShareRequest{Owner: "bob"})
	assert.ErrorIs(t, err, domain.ErrShareInProgress)

	_, _, _, err = m.Begin(ShareRequest{Owner: "alice"})
	assert.ErrorIs(t, err, domain.ErrShareInProgress)
	assert.Len(t, m.Live(), 1)
}

func TestScreenShare_TakeoverEndsCurrentShare(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{Takeover: true}, fixedClock())

	first, _, _, err := m.Begin(ShareRequest{Owner: "alice"})
	require.NoError(t, err)
	annotation, err := m.StartAnnotation("carol", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, annotation.ShareID)

	second, displaced, annotations, err := m.Begin(ShareRequest{Owner: "bob", Quality: domain.ShareQualityHigh})
	require.NoError(t, err)
	require.Len(t, displaced, 1)
	assert.Equal(t, first.ID, displaced[0].ID)
	assert.Equal(t, domain.ShareStateEnded, displaced[0].State)
	require.NotNil(t, displaced[0].EndedAt)
	require.Len(t, annotations, 1)
	assert.Equal(t, annotation.ID, annotations[0].ID)

	live := m.Live()
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)
	assert.Equal(t, 30, live[0].FrameRate)
	assert.Empty(t, m.Annotations())
}

func TestScreenShare_ConcurrentPolicy(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{AllowConcurrent: true}, fixedClock())

	_, _, _, err := m.Begin(ShareRequest{Owner: "alice"})
	require.NoError(t, err)
	_, displaced, _, err := m.Begin(ShareRequest{Owner: "bob"})
	require.NoError(t, err)
	assert.Empty(t, displaced)

	live := m.Live()
	require.Len(t, live, 2)
	assert.Equal(t, domain.UserID("alice"), live[0].OwnerUserID)
}

func TestScreenShare_PauseResume(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{}, fixedClock())
	share, _, _, err := m.Begin(ShareRequest{Owner: "alice"})
	require.NoError(t, err)

	_, err = m.Resume(share.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	paused, err := m.Pause(share.ID, domain.PauseModeRenegotiate)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	assert.Equal(t, domain.ShareStatePaused, paused.State)
	assert.Equal(t, domain.PauseModeRenegotiate, paused.PauseMode)

	_, err = m.Pause(share.ID, domain.PauseModeReplaceTrack)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	resumed, err := m.Resume(share.ID)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)

	_, err = m.Pause("missing", domain.PauseModeReplaceTrack)
	assert.ErrorIs(t, err, domain.ErrNoActiveShare)
}

func TestScreenShare_EndReleasesAnnotations(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{AllowConcurrent: true}, fixedClock())
	a, _, _, _ := m.Begin(ShareRequest{Owner: "alice"})
	b, _, _, _ := m.Begin(ShareRequest{Owner: "bob"})

	onA, err := m.StartAnnotation("carol", a.ID, "")
	require.NoError(t, err)
	onB, err := m.StartAnnotation("carol", "", "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, onB.ShareID, "empty share id picks the newest share")

	same, err := m.StartAnnotation("carol", a.ID, onA.ID)
	require.NoError(t, err)
	assert.Equal(t, onA, same)

	ended, annotations, ok := m.EndOwnedBy("alice")
	require.True(t, ok)
	assert.Equal(t, a.ID, ended.ID)
	require.Len(t, annotations, 1)
	assert.Equal(t, onA.ID, annotations[0].ID)

	remaining := m.Annotations()
	require.Len(t, remaining, 1)
	assert.Equal(t, onB.ID, remaining[0].ID)

	_, _, ok = m.EndOwnedBy("alice")
	assert.False(t, ok)

	_, err = m.EndAnnotation(onA.ID)
	assert.ErrorIs(t, err, domain.ErrAnnotationNotFound)
}

func TestScreenShare_AnnotationNeedsShare(t *testing.T) {
	m := NewScreenShareManager(SharePolicy{}, fixedClock())
	_, err := m.StartAnnotation("alice", "", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveShare)
	_, err = m.StartAnnotation("alice", "nope", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveShare)
}
