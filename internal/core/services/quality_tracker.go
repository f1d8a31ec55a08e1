package services

import (
	"time"

	"callengine/internal/core/domain"
)

// QualityObservation is the outcome of feeding one sample to a QualityTracker.
type QualityObservation struct {
	Sample domain.QualitySample
	Level  domain.QualityLevel
	// Change is nil unless the classification differs from the previous one.
	Change *domain.QualityChange
	// SustainedCritical is set once, on the sample that completes the critical streak.
	SustainedCritical bool
}

// QualityTracker keeps the rolling sample window and classification of one peer.
// It is not safe for concurrent use; the owning session serializes access.
type QualityTracker struct {
	service           *QualityService
	remoteUser        domain.UserID
	window            int
	criticalThreshold int

	samples        []domain.QualitySample
	level          domain.QualityLevel
	criticalStreak int
	gaps           int

	prevStats *domain.TransportStats
	prevAt    time.Time
}

func NewQualityTracker(service *QualityService, remoteUser domain.UserID, window, criticalThreshold int) *QualityTracker {
	if window <= 0 {
		window = 10
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 3
	}
	return &QualityTracker{
		service:           service,
		remoteUser:        remoteUser,
		window:            window,
		criticalThreshold: criticalThreshold,
		level:             domain.QualityUnknown,
	}
}

// Observe derives a sample from cumulative transport stats and records it.
func (t *QualityTracker) Observe(stats domain.TransportStats, at time.Time) QualityObservation {
	var elapsed time.Duration
	if t.prevStats != nil {
		elapsed = at.Sub(t.prevAt)
	}
	sample := DeriveSample(t.prevStats, stats, elapsed, at)

	s := stats
	t.prevStats = &s
	t.prevAt = at

	return t.Record(sample)
}

// Record classifies a derived sample and appends it to the window.
func (t *QualityTracker) Record(sample domain.QualitySample) QualityObservation {
	t.samples = append(t.samples, sample)
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}

	level := t.service.Classify(sample)
	obs := QualityObservation{Sample: sample, Level: level}

	if level != t.level {
		obs.Change = &domain.QualityChange{
			RemoteUser: t.remoteUser,
			From:       t.level,
			To:         level,
			Sample:     sample,
		}
		t.level = level
	}

	if level == domain.QualityCritical {
		t.criticalStreak++
		obs.SustainedCritical = t.criticalStreak == t.criticalThreshold
	} else {
		t.criticalStreak = 0
	}
	return obs
}

// Gap notes a missed sample; the window, streak and counters are left untouched.
func (t *QualityTracker) Gap() {
	t.gaps++
}

func (t *QualityTracker) Gaps() int {
	return t.gaps
}

func (t *QualityTracker) Level() domain.QualityLevel {
	return t.level
}

func (t *QualityTracker) CriticalStreak() int {
	return t.criticalStreak
}

// Window returns a copy of the retained samples, oldest first.
func (t *QualityTracker) Window() []domain.QualitySample {
	out := make([]domain.QualitySample, len(t.samples))
	copy(out, t.samples)
	return out
}

// AverageLoss returns the mean audio packet loss over the window.
func (t *QualityTracker) AverageLoss() float64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.samples {
		sum += s.Audio.PacketLossPct
	}
	return sum / float64(len(t.samples))
}
