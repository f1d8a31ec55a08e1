package services

import (
	"strings"
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestRoster(t *testing.T) *Roster {
	t.Helper()
	r := NewRoster(domain.CallTypeVideo, fixedClock())
	for user, role := range map[domain.UserID]domain.Role{
		"host":    domain.RoleHost,
		"cohost":  domain.RoleCoHost,
		"speaker": domain.RoleSpeaker,
		"member":  domain.RoleParticipant,
		"viewer":  domain.RoleViewer,
	} {
		_, err := r.Add(user, role)
		require.NoError(t, err)
	}
	return r
}

func TestRoster_AddAppliesRoleDefaults(t *testing.T) {
	r := newTestRoster(t)

	viewer, ok := r.Get("viewer")
	require.True(t, ok)
	assert.True(t, viewer.IsMuted)
	assert.False(t, viewer.IsVideoEnabled)

	member, _ := r.Get("member")
	assert.False(t, member.IsMuted)
	assert.True(t, member.IsVideoEnabled)

	again, err := r.Add("member", domain.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, again.Role)
}

func TestRoster_LockedRoomAdmitsOnlyInvited(t *testing.T) {
	r := newTestRoster(t)
	_, err := r.SetLocked("cohost", true)
	require.NoError(t, err)

	_, err = r.Add("stranger", domain.RoleParticipant)
	assert.ErrorIs(t, err, domain.ErrRoomLocked)

	r.Invite("guest")
	_, err = r.Add("guest", domain.RoleParticipant)
	assert.NoError(t, err)
}

func TestRoster_AuthorizationFollowsCapabilities(t *testing.T) {
	r := newTestRoster(t)

	for _, role := range domain.AllRoles {
		user := map[domain.Role]domain.UserID{
			domain.RoleHost: "host", domain.RoleCoHost: "cohost", domain.RoleSpeaker: "speaker",
			domain.RoleParticipant: "member", domain.RoleViewer: "viewer",
		}[role]
		for _, action := range domain.AllActions {
			err := r.Authorize(user, action)
			if domain.CanPerform(role, action) {
				assert.NoError(t, err, "%s %s", role, action)
			} else {
				assert.ErrorIs(t, err, domain.ErrNotAuthorized, "%s %s", role, action)
			}
		}
	}

	assert.ErrorIs(t, r.Authorize("nobody", domain.ActionMuteSelf), domain.ErrNotAuthorized)
}

// rosterState captures everything a denied command must leave untouched.
type rosterState struct {
	participants []domain.Participant
	log          []domain.ModerationEntry
	hands        []domain.RaiseHandRequest
	toggles      []domain.PendingToggle
	locked       bool
	recording    bool
	allMuted     bool
}

func captureRoster(r *Roster) rosterState {
	return rosterState{
		participants: r.Participants(),
		log:          r.ModerationLog(),
		hands:        r.PendingHands(),
		toggles:      r.PendingToggles(),
		locked:       r.Locked(),
		recording:    r.Recording(),
		allMuted:     r.AllMuted(),
	}
}

func TestRoster_DeniedCommandsChangeNothing(t *testing.T) {
	tests := []struct {
		name string
		run  func(r *Roster) error
	}{
		{"viewer unmutes self", func(r *Roster) error {
			_, err := r.BeginToggle("viewer", domain.ToggleMute, false)
			return err
		}},
		{"viewer enables video", func(r *Roster) error {
			_, err := r.BeginToggle("viewer", domain.ToggleVideo, true)
			return err
		}},
		{"viewer announces unmute", func(r *Roster) error {
			return r.ApplyRemoteToggle("viewer", domain.ToggleMute, false)
		}},
		{"speaker mutes participant", func(r *Roster) error {
			_, err := r.MuteParticipant("speaker", "member")
			return err
		}},
		{"speaker mutes everyone", func(r *Roster) error {
			_, _, err := r.MuteAll("speaker")
			return err
		}},
		{"participant locks room", func(r *Roster) error {
			_, err := r.SetLocked("member", true)
			return err
		}},
		{"speaker ends for everyone", func(r *Roster) error {
			_, err := r.EndForEveryone("speaker")
			return err
		}},
		{"co-host assigns co-host", func(r *Roster) error {
			_, err := r.ChangeRole("cohost", "member", domain.RoleCoHost)
			return err
		}},
		{"co-host starts recording", func(r *Roster) error {
			_, err := r.SetRecording("cohost", true)
			return err
		}},
		{"participant starts recording", func(r *Roster) error {
			_, err := r.SetRecording("member", true)
			return err
		}},
		{"participant promotes viewer", func(r *Roster) error {
			_, err := r.ChangeRole("member", "viewer", domain.RoleSpeaker)
			return err
		}},
		{"viewer removes participant", func(r *Roster) error {
			_, err := r.RemoveParticipant("viewer", "member")
			return err
		}},
		{"speaker raises hand", func(r *Roster) error {
			_, err := r.RaiseHand("speaker", "", "")
			return err
		}},
		{"speaker declines all hands", func(r *Roster) error {
			_, _, err := r.DeclineAll("speaker")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRoster(t)
			_, err := r.RaiseHand("member", "", "question")
			require.NoError(t, err)
			before := captureRoster(r)

			err = tt.run(r)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)
			assert.Equal(t, before, captureRoster(r))
		})
	}
}

func TestRoster_RaiseHand(t *testing.T) {
	r := newTestRoster(t)

	_, err := r.RaiseHand("speaker", "", "")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	first, err := r.RaiseHand("viewer", "", "  may I\x00 speak?  ")
	require.NoError(t, err)
	assert.Equal(t, domain.RaiseHandPending, first.Status)
	assert.Equal(t, "may I speak?", first.Message)

	again, err := r.RaiseHand("viewer", "", "other text")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "a pending request is returned unchanged")

	long, err := r.RaiseHand("member", "", strings.Repeat("x", 500))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(long.Message), maxRaiseHandMessage)

	hands := r.PendingHands()
	require.Len(t, hands, 2)
	assert.Equal(t, domain.UserID("viewer"), hands[0].UserID)

	p, _ := r.Get("viewer")
	assert.True(t, p.HasRaisedHand)
}

func TestRoster_AcceptHandPromotesToSpeaker(t *testing.T) {
	r := newTestRoster(t)
	req, err := r.RaiseHand("viewer", "", "")
	require.NoError(t, err)

	_, _, err = r.ResolveHand("member", req.ID, true)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	resolved, entries, err := r.ResolveHand("cohost", req.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RaiseHandAccepted, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ModerationHandAccepted, entries[0].Action)
	assert.Equal(t, domain.ModerationPromote, entries[1].Action)

	p, _ := r.Get("viewer")
	assert.Equal(t, domain.RoleSpeaker, p.Role)
	assert.False(t, p.HasRaisedHand)
	assert.Empty(t, r.PendingHands())

	_, _, err = r.ResolveHand("cohost", req.ID, true)
	assert.ErrorIs(t, err, domain.ErrRaiseHandNotFound)
}

func TestRoster_DeclineAll(t *testing.T) {
	r := newTestRoster(t)
	_, _ = r.RaiseHand("viewer", "", "")
	_, _ = r.RaiseHand("member", "", "")

	declined, entry, err := r.DeclineAll("host")
	require.NoError(t, err)
	require.Len(t, declined, 2)
	require.NotNil(t, entry)
	assert.Equal(t, domain.ModerationHandsCleared, entry.Action)
	for _, h := range declined {
		assert.Equal(t, domain.RaiseHandDeclined, h.Status)
	}

	declined, entry, err = r.DeclineAll("host")
	require.NoError(t, err)
	assert.Nil(t, declined)
	assert.Nil(t, entry)
}

func TestRoster_ChangeRole(t *testing.T) {
	r := newTestRoster(t)

	_, err := r.ChangeRole("cohost", "host", domain.RoleParticipant)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "host is never reassigned")

	_, err = r.ChangeRole("host", "member", domain.RoleHost)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = r.ChangeRole("cohost", "member", domain.RoleCoHost)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "co-host assignment is host only")

	entry, err := r.ChangeRole("host", "member", domain.RoleCoHost)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.ModerationPromote, entry.Action)

	entry, err = r.ChangeRole("cohost", "speaker", domain.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, domain.ModerationDemote, entry.Action)
	p, _ := r.Get("speaker")
	assert.True(t, p.IsMuted)
	assert.False(t, p.IsVideoEnabled)

	entry, err = r.ChangeRole("cohost", "speaker", domain.RoleViewer)
	require.NoError(t, err)
	assert.Nil(t, entry, "unchanged role is not logged")

	_, err = r.ChangeRole("host", "ghost", domain.RoleSpeaker)
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRoster_MuteAllSkipsModerators(t *testing.T) {
	r := newTestRoster(t)

	entry, muted, err := r.MuteAll("cohost")
	require.NoError(t, err)
	assert.Equal(t, domain.ModerationMuteAll, entry.Action)
	assert.Equal(t, []domain.UserID{"member", "speaker"}, muted)
	assert.True(t, r.AllMuted())

	host, _ := r.Get("host")
	assert.False(t, host.IsMuted)

	// unmuting oneself clears the all-muted flag
	toggle, err := r.BeginToggle("member", domain.ToggleMute, false)
	require.NoError(t, err)
	_, err = r.ConfirmToggle(toggle.ID)
	require.NoError(t, err)
	assert.False(t, r.AllMuted())
}

func TestRoster_RemoveParticipant(t *testing.T) {
	r := newTestRoster(t)
	_, _ = r.RaiseHand("member", "", "")

	_, err := r.RemoveParticipant("cohost", "host")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	_, err = r.RemoveParticipant("member", "viewer")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	entry, err := r.RemoveParticipant("cohost", "member")
	require.NoError(t, err)
	assert.Equal(t, domain.ModerationRemove, entry.Action)
	assert.False(t, r.Has("member"))
	assert.Empty(t, r.PendingHands(), "removed user's hand goes with it")
}

func TestRoster_TogglesArePendingUntilConfirmed(t *testing.T) {
	r := newTestRoster(t)

	toggle, err := r.BeginToggle("member", domain.ToggleMute, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TogglePending, toggle.Status)

	p, _ := r.Get("member")
	assert.False(t, p.IsMuted, "record is untouched while pending")
	assert.Len(t, r.PendingToggles(), 1)

	reverted, err := r.RevertToggle(toggle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToggleReverted, reverted.Status)
	p, _ = r.Get("member")
	assert.False(t, p.IsMuted)

	toggle, err = r.BeginToggle("member", domain.ToggleVideo, false)
	require.NoError(t, err)
	confirmed, err := r.ConfirmToggle(toggle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToggleConfirmed, confirmed.Status)
	p, _ = r.Get("member")
	assert.False(t, p.IsVideoEnabled)
	assert.Empty(t, r.PendingToggles())

	_, err = r.ConfirmToggle(toggle.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = r.BeginToggle("viewer", domain.ToggleMute, false)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestRoster_ModerationLogIsOrdered(t *testing.T) {
	r := newTestRoster(t)

	_, err := r.MuteParticipant("host", "member")
	require.NoError(t, err)
	_, err = r.SetLocked("host", true)
	require.NoError(t, err)
	_, err = r.SetRecording("host", true)
	require.NoError(t, err)
	_, err = r.SetRecording("cohost", false)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	entry, err := r.SetLocked("host", true)
	require.NoError(t, err)
	assert.Nil(t, entry)

	log := r.ModerationLog()
	require.Len(t, log, 3)
	for i, e := range log {
		assert.Equal(t, i+1, e.Seq)
		if i > 0 {
			assert.True(t, e.Timestamp.After(log[i-1].Timestamp))
		}
	}
	assert.Equal(t, domain.ModerationMute, log[0].Action)
	assert.Equal(t, domain.ModerationLock, log[1].Action)
	assert.Equal(t, domain.ModerationRecordingStart, log[2].Action)
	assert.True(t, r.Recording())
}
