package services

import (
	"fmt"
	"sort"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/utils"
)

const maxRaiseHandMessage = 200

// roleRank orders roles by privilege for promote/demote decisions.
var roleRank = map[domain.Role]int{
	domain.RoleHost:        4,
	domain.RoleCoHost:      3,
	domain.RoleSpeaker:     2,
	domain.RoleParticipant: 1,
	domain.RoleViewer:      0,
}

// Roster is one replica of a call's participant list. Every mutation names the
// acting user and is checked against that user's role, so local commands and
// inbound signals go through the same validation. Not safe for concurrent use.
type Roster struct {
	callType     domain.CallType
	participants map[domain.UserID]*domain.Participant
	invited      map[domain.UserID]bool
	hands        []*domain.RaiseHandRequest
	toggles      map[string]*domain.PendingToggle
	log          []domain.ModerationEntry

	locked    bool
	allMuted  bool
	recording bool

	now func() time.Time
}

func NewRoster(callType domain.CallType, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	return &Roster{
		callType:     callType,
		participants: make(map[domain.UserID]*domain.Participant),
		invited:      make(map[domain.UserID]bool),
		toggles:      make(map[string]*domain.PendingToggle),
		now:          now,
	}
}

// Invite marks a user as expected; invited users may join a locked room.
func (r *Roster) Invite(user domain.UserID) {
	r.invited[user] = true
}

// Add admits a participant. Adding an existing participant returns it unchanged.
func (r *Roster) Add(user domain.UserID, role domain.Role) (domain.Participant, error) {
	if p, ok := r.participants[user]; ok {
		return *p, nil
	}
	if !role.Valid() {
		return domain.Participant{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidState, role)
	}
	if r.locked && !r.invited[user] {
		return domain.Participant{}, domain.ErrRoomLocked
	}

	p := &domain.Participant{
		UserID:         user,
		Role:           role,
		IsMuted:        !domain.CanPerform(role, domain.ActionMuteSelf),
		IsVideoEnabled: r.callType == domain.CallTypeVideo && domain.CanPerform(role, domain.ActionEnableVideo),
		JoinedAt:       r.now(),
	}
	r.participants[user] = p
	return *p, nil
}

// Remove drops a participant together with its raised hand and pending toggles.
func (r *Roster) Remove(user domain.UserID) bool {
	if _, ok := r.participants[user]; !ok {
		return false
	}
	delete(r.participants, user)

	kept := r.hands[:0]
	for _, h := range r.hands {
		if h.UserID != user {
			kept = append(kept, h)
		}
	}
	r.hands = kept

	for id, t := range r.toggles {
		if t.UserID == user {
			delete(r.toggles, id)
		}
	}
	return true
}

func (r *Roster) Get(user domain.UserID) (domain.Participant, bool) {
	p, ok := r.participants[user]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *Roster) Has(user domain.UserID) bool {
	_, ok := r.participants[user]
	return ok
}

// Role returns the user's role or "" when the user is not in the call.
func (r *Roster) Role(user domain.UserID) domain.Role {
	if p, ok := r.participants[user]; ok {
		return p.Role
	}
	return ""
}

// Participants returns the roster ordered by join time.
func (r *Roster) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Roster) Len() int {
	return len(r.participants)
}

func (r *Roster) Locked() bool    { return r.locked }
func (r *Roster) AllMuted() bool  { return r.allMuted }
func (r *Roster) Recording() bool { return r.recording }

// Authorize checks the capability matrix for the acting user.
func (r *Roster) Authorize(actor domain.UserID, action domain.Action) error {
	p, ok := r.participants[actor]
	if !ok {
		return fmt.Errorf("%w: %s is not in the call", domain.ErrNotAuthorized, actor)
	}
	if !domain.CanPerform(p.Role, action) {
		return fmt.Errorf("%w: role %s cannot %s", domain.ErrNotAuthorized, p.Role, action)
	}
	return nil
}

func toggleAction(kind domain.ToggleKind) domain.Action {
	if kind == domain.ToggleVideo {
		return domain.ActionEnableVideo
	}
	return domain.ActionMuteSelf
}

// BeginToggle records an optimistic self mute/video change. The participant
// record is untouched until ConfirmToggle.
func (r *Roster) BeginToggle(user domain.UserID, kind domain.ToggleKind, value bool) (domain.PendingToggle, error) {
	if err := r.Authorize(user, toggleAction(kind)); err != nil {
		return domain.PendingToggle{}, err
	}
	t := &domain.PendingToggle{
		ID:          utils.GenerateToggleID(),
		UserID:      user,
		Kind:        kind,
		Value:       value,
		Status:      domain.TogglePending,
		RequestedAt: r.now(),
	}
	r.toggles[t.ID] = t
	return *t, nil
}

// ConfirmToggle applies a pending toggle to the participant record.
func (r *Roster) ConfirmToggle(id string) (domain.PendingToggle, error) {
	t, ok := r.toggles[id]
	if !ok {
		return domain.PendingToggle{}, fmt.Errorf("toggle %s: %w", id, domain.ErrInvalidState)
	}
	delete(r.toggles, id)
	t.Status = domain.ToggleConfirmed

	if p, ok := r.participants[t.UserID]; ok {
		r.applyToggle(p, t.Kind, t.Value)
	}
	return *t, nil
}

// RevertToggle discards a pending toggle; the participant record keeps its previous value.
func (r *Roster) RevertToggle(id string) (domain.PendingToggle, error) {
	t, ok := r.toggles[id]
	if !ok {
		return domain.PendingToggle{}, fmt.Errorf("toggle %s: %w", id, domain.ErrInvalidState)
	}
	delete(r.toggles, id)
	t.Status = domain.ToggleReverted
	return *t, nil
}

// PendingToggles returns unresolved toggles oldest first.
func (r *Roster) PendingToggles() []domain.PendingToggle {
	out := make([]domain.PendingToggle, 0, len(r.toggles))
	for _, t := range r.toggles {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// ApplyRemoteToggle records a state change announced by the participant itself.
func (r *Roster) ApplyRemoteToggle(user domain.UserID, kind domain.ToggleKind, value bool) error {
	if err := r.Authorize(user, toggleAction(kind)); err != nil {
		return err
	}
	r.applyToggle(r.participants[user], kind, value)
	return nil
}

func (r *Roster) applyToggle(p *domain.Participant, kind domain.ToggleKind, value bool) {
	switch kind {
	case domain.ToggleMute:
		p.IsMuted = value
		if !value {
			r.allMuted = false
		}
	case domain.ToggleVideo:
		p.IsVideoEnabled = value
	}
}

// SetScreenSharing mirrors share ownership into the participant record.
func (r *Roster) SetScreenSharing(user domain.UserID, sharing bool) {
	if p, ok := r.participants[user]; ok {
		p.IsScreenSharing = sharing
	}
}

func (r *Roster) MuteParticipant(moderator, target domain.UserID) (domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionMuteOthers); err != nil {
		return domain.ModerationEntry{}, err
	}
	p, ok := r.participants[target]
	if !ok {
		return domain.ModerationEntry{}, domain.ErrParticipantNotFound
	}
	p.IsMuted = true
	return r.appendLog(moderator, domain.ModerationMute, &target, ""), nil
}

// MuteAll mutes every participant without moderation rights and returns who changed.
func (r *Roster) MuteAll(moderator domain.UserID) (domain.ModerationEntry, []domain.UserID, error) {
	if err := r.Authorize(moderator, domain.ActionMuteOthers); err != nil {
		return domain.ModerationEntry{}, nil, err
	}
	var muted []domain.UserID
	for _, p := range r.participants {
		if domain.CanPerform(p.Role, domain.ActionMuteOthers) || p.IsMuted {
			continue
		}
		p.IsMuted = true
		muted = append(muted, p.UserID)
	}
	sort.Slice(muted, func(i, j int) bool { return muted[i] < muted[j] })
	r.allMuted = true
	entry := r.appendLog(moderator, domain.ModerationMuteAll, nil, fmt.Sprintf("%d muted", len(muted)))
	return entry, muted, nil
}

// ChangeRole promotes or demotes target. The host role is never reassigned and
// co-host changes require the host. A nil entry means the role was unchanged.
func (r *Roster) ChangeRole(moderator, target domain.UserID, role domain.Role) (*domain.ModerationEntry, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidState, role)
	}
	p, ok := r.participants[target]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	switch {
	case role == domain.RoleHost || p.Role == domain.RoleHost:
		return nil, fmt.Errorf("%w: host role cannot be reassigned", domain.ErrNotAuthorized)
	case role == domain.RoleCoHost || p.Role == domain.RoleCoHost:
		if err := r.Authorize(moderator, domain.ActionAssignCoHost); err != nil {
			return nil, err
		}
	case roleRank[role] > roleRank[p.Role]:
		if err := r.Authorize(moderator, domain.ActionPromote); err != nil {
			return nil, err
		}
	default:
		if err := r.Authorize(moderator, domain.ActionDemote); err != nil {
			return nil, err
		}
	}

	if p.Role == role {
		return nil, nil
	}

	action := domain.ModerationDemote
	if roleRank[role] > roleRank[p.Role] {
		action = domain.ModerationPromote
	}
	detail := fmt.Sprintf("%s -> %s", p.Role, role)
	r.setRole(p, role)

	entry := r.appendLog(moderator, action, &target, detail)
	return &entry, nil
}

func (r *Roster) setRole(p *domain.Participant, role domain.Role) {
	p.Role = role
	if !domain.CanPerform(role, domain.ActionMuteSelf) {
		p.IsMuted = true
	}
	if !domain.CanPerform(role, domain.ActionEnableVideo) {
		p.IsVideoEnabled = false
	}
}

func (r *Roster) RemoveParticipant(moderator, target domain.UserID) (domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionRemoveParticipant); err != nil {
		return domain.ModerationEntry{}, err
	}
	p, ok := r.participants[target]
	if !ok {
		return domain.ModerationEntry{}, domain.ErrParticipantNotFound
	}
	if p.Role == domain.RoleHost || target == moderator {
		return domain.ModerationEntry{}, fmt.Errorf("%w: cannot remove %s", domain.ErrNotAuthorized, target)
	}
	r.Remove(target)
	return r.appendLog(moderator, domain.ModerationRemove, &target, ""), nil
}

// SetLocked returns a nil entry when the lock state is unchanged.
func (r *Roster) SetLocked(moderator domain.UserID, locked bool) (*domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionLockRoom); err != nil {
		return nil, err
	}
	if r.locked == locked {
		return nil, nil
	}
	r.locked = locked
	action := domain.ModerationUnlock
	if locked {
		action = domain.ModerationLock
	}
	entry := r.appendLog(moderator, action, nil, "")
	return &entry, nil
}

// SetRecording returns a nil entry when the recording flag is unchanged.
func (r *Roster) SetRecording(actor domain.UserID, on bool) (*domain.ModerationEntry, error) {
	action, logAction := domain.ActionStopRecording, domain.ModerationRecordingStop
	if on {
		action, logAction = domain.ActionStartRecording, domain.ModerationRecordingStart
	}
	if err := r.Authorize(actor, action); err != nil {
		return nil, err
	}
	if r.recording == on {
		return nil, nil
	}
	r.recording = on
	entry := r.appendLog(actor, logAction, nil, "")
	return &entry, nil
}

// EndForEveryone authorizes and logs the end of the call by a moderator.
func (r *Roster) EndForEveryone(moderator domain.UserID) (domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionEndForEveryone); err != nil {
		return domain.ModerationEntry{}, err
	}
	return r.appendLog(moderator, domain.ModerationEndForEveryone, nil, ""), nil
}

// RaiseHand queues a request. A user with a pending request gets it back
// unchanged; id may be empty for local requests.
func (r *Roster) RaiseHand(user domain.UserID, id domain.RaiseHandID, message string) (domain.RaiseHandRequest, error) {
	if err := r.Authorize(user, domain.ActionRaiseHand); err != nil {
		return domain.RaiseHandRequest{}, err
	}
	for _, h := range r.hands {
		if h.UserID == user || (id != "" && h.ID == id) {
			return *h, nil
		}
	}
	if id == "" {
		id = domain.RaiseHandID(utils.GenerateRaiseHandID())
	}

	h := &domain.RaiseHandRequest{
		ID:          id,
		UserID:      user,
		RequestedAt: r.now(),
		Status:      domain.RaiseHandPending,
		Message:     utils.TruncateString(utils.SanitizeString(message), maxRaiseHandMessage),
	}
	r.hands = append(r.hands, h)
	r.participants[user].HasRaisedHand = true
	return *h, nil
}

// LowerHand withdraws the user's pending request.
func (r *Roster) LowerHand(user domain.UserID) (domain.RaiseHandRequest, error) {
	for i, h := range r.hands {
		if h.UserID != user {
			continue
		}
		r.hands = append(r.hands[:i], r.hands[i+1:]...)
		if p, ok := r.participants[user]; ok {
			p.HasRaisedHand = false
		}
		return *h, nil
	}
	return domain.RaiseHandRequest{}, domain.ErrRaiseHandNotFound
}

// ResolveHand accepts or declines one pending request. Accepting promotes a
// viewer or participant to speaker.
func (r *Roster) ResolveHand(moderator domain.UserID, id domain.RaiseHandID, accept bool) (domain.RaiseHandRequest, []domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionManageHands); err != nil {
		return domain.RaiseHandRequest{}, nil, err
	}

	idx := -1
	for i, h := range r.hands {
		if h.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.RaiseHandRequest{}, nil, domain.ErrRaiseHandNotFound
	}

	h := r.hands[idx]
	r.hands = append(r.hands[:idx], r.hands[idx+1:]...)
	r.resolve(h, accept)

	target := h.UserID
	var entries []domain.ModerationEntry
	if !accept {
		entries = append(entries, r.appendLog(moderator, domain.ModerationHandDeclined, &target, ""))
		return *h, entries, nil
	}

	entries = append(entries, r.appendLog(moderator, domain.ModerationHandAccepted, &target, ""))
	if p, ok := r.participants[target]; ok && roleRank[p.Role] < roleRank[domain.RoleSpeaker] {
		detail := fmt.Sprintf("%s -> %s", p.Role, domain.RoleSpeaker)
		r.setRole(p, domain.RoleSpeaker)
		entries = append(entries, r.appendLog(moderator, domain.ModerationPromote, &target, detail))
	}
	return *h, entries, nil
}

// DeclineAll resolves every pending request in one step.
func (r *Roster) DeclineAll(moderator domain.UserID) ([]domain.RaiseHandRequest, *domain.ModerationEntry, error) {
	if err := r.Authorize(moderator, domain.ActionManageHands); err != nil {
		return nil, nil, err
	}
	if len(r.hands) == 0 {
		return nil, nil, nil
	}

	declined := make([]domain.RaiseHandRequest, 0, len(r.hands))
	for _, h := range r.hands {
		r.resolve(h, false)
		declined = append(declined, *h)
	}
	r.hands = nil

	entry := r.appendLog(moderator, domain.ModerationHandsCleared, nil, fmt.Sprintf("%d declined", len(declined)))
	return declined, &entry, nil
}

func (r *Roster) resolve(h *domain.RaiseHandRequest, accept bool) {
	now := r.now()
	h.ResolvedAt = &now
	h.Status = domain.RaiseHandDeclined
	if accept {
		h.Status = domain.RaiseHandAccepted
	}
	if p, ok := r.participants[h.UserID]; ok {
		p.HasRaisedHand = false
	}
}

// PendingHands returns the raise-hand queue in arrival order.
func (r *Roster) PendingHands() []domain.RaiseHandRequest {
	out := make([]domain.RaiseHandRequest, len(r.hands))
	for i, h := range r.hands {
		out[i] = *h
	}
	return out
}

// ModerationLog returns a copy of the log in the order actions were applied.
func (r *Roster) ModerationLog() []domain.ModerationEntry {
	out := make([]domain.ModerationEntry, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Roster) appendLog(moderator domain.UserID, action domain.ModerationAction, target *domain.UserID, detail string) domain.ModerationEntry {
	entry := domain.ModerationEntry{
		Seq:          len(r.log) + 1,
		ModeratorID:  moderator,
		Action:       action,
		TargetUserID: target,
		Detail:       detail,
		Timestamp:    r.now(),
	}
	r.log = append(r.log, entry)
	return entry
}
