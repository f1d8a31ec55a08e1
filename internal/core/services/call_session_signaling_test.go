package services

import (
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shareStarted(from domain.UserID, id domain.ShareID, at time.Time) domain.SignalMessage {
	return domain.SignalMessage{
		ID:      domain.MessageID("msg-" + string(id)),
		Type:    domain.MsgScreenShareStarted,
		CallID:  "call-peer",
		From:    from,
		SentAt:  at,
		ShareID: id,
	}
}

func TestCallSession_ShareConflictIgnoresBackdatedStart(t *testing.T) {
	h := newPeerHarness(t, "alice", "bob")
	h.do(t, func() {
		for user, role := range map[domain.UserID]domain.Role{
			"alice": domain.RoleHost,
			"bob":   domain.RoleParticipant,
			"carol": domain.RoleParticipant,
		} {
			_, err := h.session.roster.Add(user, role)
			assert.NoError(t, err)
		}
	})

	live := func() []domain.ScreenShareSession {
		var out []domain.ScreenShareSession
		h.do(t, func() { out = h.session.shares.Live() })
		return out
	}

	now := time.Now()
	h.do(t, func() { h.session.handleSignal(shareStarted("bob", "share-bob", now)) })
	require.Len(t, live(), 1)

	// a start claimed an hour ago counts as arriving now and loses
	h.do(t, func() { h.session.handleSignal(shareStarted("carol", "share-old", now.Add(-time.Hour))) })
	shares := live()
	require.Len(t, shares, 1)
	assert.Equal(t, domain.ShareID("share-bob"), shares[0].ID)

	// so does one claimed in the future
	h.do(t, func() { h.session.handleSignal(shareStarted("carol", "share-future", now.Add(time.Hour))) })
	shares = live()
	require.Len(t, shares, 1)
	assert.Equal(t, domain.ShareID("share-bob"), shares[0].ID)

	// a concurrent start within the tolerance still settles by start time
	h.do(t, func() { h.session.handleSignal(shareStarted("carol", "share-carol", now.Add(-500*time.Millisecond))) })
	shares = live()
	require.Len(t, shares, 1)
	assert.Equal(t, domain.ShareID("share-carol"), shares[0].ID)
	assert.Equal(t, domain.UserID("carol"), shares[0].OwnerUserID)

	h.do(t, func() {
		bob, _ := h.session.roster.Get("bob")
		assert.False(t, bob.IsScreenSharing)
	})
}

func TestCallSession_RemoteStartTime(t *testing.T) {
	h := newPeerHarness(t, "alice", "bob")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.do(t, func() { h.session.now = func() time.Time { return at } })

	tests := []struct {
		name   string
		sentAt time.Time
		want   time.Time
	}{
		{name: "within tolerance", sentAt: at.Add(-time.Second), want: at.Add(-time.Second)},
		{name: "at the tolerance", sentAt: at.Add(-2 * time.Second), want: at.Add(-2 * time.Second)},
		{name: "back-dated", sentAt: at.Add(-3 * time.Second), want: at},
		{name: "future", sentAt: at.Add(time.Millisecond), want: at},
		{name: "missing", want: at},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got time.Time
			h.do(t, func() { got = h.session.remoteStartTime(tt.sentAt) })
			assert.Equal(t, tt.want, got)
		})
	}
}
