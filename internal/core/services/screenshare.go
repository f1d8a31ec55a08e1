package services

import (
	"fmt"
	"sort"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/utils"
)

// SharePolicy decides what happens when a second share starts.
type SharePolicy struct {
	AllowConcurrent bool
	// Takeover ends the current share in favor of the new one when
	// concurrent shares are not allowed; otherwise the new one is rejected.
	Takeover bool
	// ClockSkew is how far a remote start time may precede its local
	// arrival and still be trusted.
	ClockSkew time.Duration
}

// ShareRequest describes a share about to begin.
type ShareRequest struct {
	ID       domain.ShareID
	Owner    domain.UserID
	Quality  domain.ShareQuality
	HasAudio bool
	Local    bool
	// StartedAt is the owner's start time; zero means now.
	StartedAt time.Time
}

// ScreenShareManager tracks the shares and annotation sessions of one call.
// Not safe for concurrent use.
type ScreenShareManager struct {
	policy      SharePolicy
	shares      map[domain.ShareID]*domain.ScreenShareSession
	annotations map[domain.AnnotationID]*domain.AnnotationSession
	now         func() time.Time
}

func NewScreenShareManager(policy SharePolicy, now func() time.Time) *ScreenShareManager {
	if now == nil {
		now = time.Now
	}
	return &ScreenShareManager{
		policy:      policy,
		shares:      make(map[domain.ShareID]*domain.ScreenShareSession),
		annotations: make(map[domain.AnnotationID]*domain.AnnotationSession),
		now:         now,
	}
}

// CheckStart reports whether owner may start a share under the policy without
// changing any state.
func (m *ScreenShareManager) CheckStart(owner domain.UserID) error {
	if _, ok := m.ByOwner(owner); ok {
		return fmt.Errorf("%w: %s is already sharing", domain.ErrShareInProgress, owner)
	}
	if len(m.shares) > 0 && !m.policy.AllowConcurrent && !m.policy.Takeover {
		return domain.ErrShareInProgress
	}
	return nil
}

// Begin starts a share. Under takeover the shares it displaced are returned
// already ended, together with their annotation sessions.
func (m *ScreenShareManager) Begin(req ShareRequest) (domain.ScreenShareSession, []domain.ScreenShareSession, []domain.AnnotationSession, error) {
	if err := m.CheckStart(req.Owner); err != nil {
		return domain.ScreenShareSession{}, nil, nil, err
	}

	var displaced []domain.ScreenShareSession
	var annotations []domain.AnnotationSession
	if !m.policy.AllowConcurrent {
		for _, s := range m.Live() {
			ended, ann, _ := m.End(s.ID)
			displaced = append(displaced, ended)
			annotations = append(annotations, ann...)
		}
	}

	if req.ID == "" {
		req.ID = domain.ShareID(utils.GenerateShareID())
	}
	if req.Quality == "" {
		req.Quality = domain.ShareQualityMedium
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = m.now()
	}
	s := &domain.ScreenShareSession{
		ID:          req.ID,
		OwnerUserID: req.Owner,
		StartedAt:   req.StartedAt,
		State:       domain.ShareStateActive,
		Quality:     req.Quality,
		FrameRate:   req.Quality.FrameRate(),
		HasAudio:    req.HasAudio,
		Local:       req.Local,
	}
	m.shares[s.ID] = s
	return *s, displaced, annotations, nil
}

func (m *ScreenShareManager) Get(id domain.ShareID) (domain.ScreenShareSession, bool) {
	s, ok := m.shares[id]
	if !ok {
		return domain.ScreenShareSession{}, false
	}
	return *s, true
}

func (m *ScreenShareManager) ByOwner(owner domain.UserID) (domain.ScreenShareSession, bool) {
	for _, s := range m.shares {
		if s.OwnerUserID == owner {
			return *s, true
		}
	}
	return domain.ScreenShareSession{}, false
}

// Live returns active and paused shares, oldest first.
func (m *ScreenShareManager) Live() []domain.ScreenShareSession {
	out := make([]domain.ScreenShareSession, 0, len(m.shares))
	for _, s := range m.shares {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Pause marks a share paused and records how the transports were paused.
func (m *ScreenShareManager) Pause(id domain.ShareID, mode domain.PauseMode) (domain.ScreenShareSession, error) {
	s, ok := m.shares[id]
	if !ok {
		return domain.ScreenShareSession{}, domain.ErrNoActiveShare
	}
	if s.State != domain.ShareStateActive {
		return *s, fmt.Errorf("%w: share is %s", domain.ErrInvalidState, s.State)
	}
	s.State = domain.ShareStatePaused
	s.IsPaused = true
	s.PauseMode = mode
	return *s, nil
}

func (m *ScreenShareManager) Resume(id domain.ShareID) (domain.ScreenShareSession, error) {
	s, ok := m.shares[id]
	if !ok {
		return domain.ScreenShareSession{}, domain.ErrNoActiveShare
	}
	if s.State != domain.ShareStatePaused {
		return *s, fmt.Errorf("%w: share is %s", domain.ErrInvalidState, s.State)
	}
	s.State = domain.ShareStateActive
	s.IsPaused = false
	return *s, nil
}

// End finishes a share and every annotation session attached to it.
func (m *ScreenShareManager) End(id domain.ShareID) (domain.ScreenShareSession, []domain.AnnotationSession, error) {
	s, ok := m.shares[id]
	if !ok {
		return domain.ScreenShareSession{}, nil, domain.ErrNoActiveShare
	}
	delete(m.shares, id)

	now := m.now()
	s.State = domain.ShareStateEnded
	s.IsPaused = false
	s.EndedAt = &now

	var ended []domain.AnnotationSession
	for aid, a := range m.annotations {
		if a.ShareID == id {
			ended = append(ended, *a)
			delete(m.annotations, aid)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].StartedAt.Before(ended[j].StartedAt) })
	return *s, ended, nil
}

// EndOwnedBy ends the share owned by user, if any.
func (m *ScreenShareManager) EndOwnedBy(user domain.UserID) (domain.ScreenShareSession, []domain.AnnotationSession, bool) {
	s, ok := m.ByOwner(user)
	if !ok {
		return domain.ScreenShareSession{}, nil, false
	}
	ended, ann, _ := m.End(s.ID)
	return ended, ann, true
}

// StartAnnotation attaches a drawing session to shareID, or to the most
// recent live share when shareID is empty.
func (m *ScreenShareManager) StartAnnotation(user domain.UserID, shareID domain.ShareID, id domain.AnnotationID) (domain.AnnotationSession, error) {
	if shareID == "" {
		live := m.Live()
		if len(live) == 0 {
			return domain.AnnotationSession{}, domain.ErrNoActiveShare
		}
		shareID = live[len(live)-1].ID
	}
	if _, ok := m.shares[shareID]; !ok {
		return domain.AnnotationSession{}, domain.ErrNoActiveShare
	}
	if id == "" {
		id = domain.AnnotationID(utils.GenerateAnnotationID())
	}
	if a, ok := m.annotations[id]; ok {
		return *a, nil
	}

	a := &domain.AnnotationSession{
		ID:        id,
		ShareID:   shareID,
		StartedBy: user,
		StartedAt: m.now(),
	}
	m.annotations[id] = a
	return *a, nil
}

func (m *ScreenShareManager) EndAnnotation(id domain.AnnotationID) (domain.AnnotationSession, error) {
	a, ok := m.annotations[id]
	if !ok {
		return domain.AnnotationSession{}, domain.ErrAnnotationNotFound
	}
	delete(m.annotations, id)
	return *a, nil
}

func (m *ScreenShareManager) Annotations() []domain.AnnotationSession {
	out := make([]domain.AnnotationSession, 0, len(m.annotations))
	for _, a := range m.annotations {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
