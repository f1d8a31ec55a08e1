package services

import (
	"math/rand"
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioSample(loss, jitter, rtt float64) domain.QualitySample {
	return domain.QualitySample{Audio: domain.StreamQuality{PacketLossPct: loss, JitterMs: jitter, RTTMs: rtt}}
}

func TestQualityService_Classify(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name   string
		sample domain.QualitySample
		want   domain.QualityLevel
	}{
		{"pristine", audioSample(0, 10, 40), domain.QualityExcellent},
		{"good", audioSample(1.5, 20, 80), domain.QualityGood},
		{"fair loss", audioSample(3, 10, 40), domain.QualityFair},
		{"poor jitter", audioSample(0, 120, 40), domain.QualityPoor},
		{"critical loss", audioSample(12, 10, 40), domain.QualityCritical},
		{"critical rtt", audioSample(0, 10, 650), domain.QualityCritical},
		{"worst metric wins", audioSample(0.5, 60, 40), domain.QualityFair},
		{
			"low video bitrate downgrades",
			domain.QualitySample{
				Audio: domain.StreamQuality{RTTMs: 40},
				Video: &domain.StreamQuality{RTTMs: 40, BitrateKbps: 100, FrameRate: 30},
			},
			domain.QualityPoor,
		},
		{
			"low frame rate downgrades",
			domain.QualitySample{
				Audio: domain.StreamQuality{RTTMs: 40},
				Video: &domain.StreamQuality{RTTMs: 40, BitrateKbps: 1200, FrameRate: 15},
			},
			domain.QualityFair,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qs.Classify(tt.sample))
		})
	}
}

func TestDeriveSample_UsesDeltas(t *testing.T) {
	prev := domain.TransportStats{
		RoundTripTimeMs: 30,
		Audio:           domain.StreamCounters{PacketsSent: 1000, PacketsLost: 10, BytesSent: 100_000},
	}
	cur := domain.TransportStats{
		RoundTripTimeMs: 45,
		Audio:           domain.StreamCounters{PacketsSent: 1100, PacketsLost: 15, BytesSent: 137_500, JitterMs: 12},
	}

	s := DeriveSample(&prev, cur, 3*time.Second, time.Unix(0, 0))
	assert.InDelta(t, 5.0, s.Audio.PacketLossPct, 0.001)
	assert.InDelta(t, 100.0, s.Audio.BitrateKbps, 0.001)
	assert.Equal(t, 45.0, s.Audio.RTTMs)
	assert.Equal(t, 12.0, s.Audio.JitterMs)
	assert.Nil(t, s.Video)
}

func TestDeriveSample_CounterReset(t *testing.T) {
	prev := domain.TransportStats{Audio: domain.StreamCounters{PacketsSent: 5000, PacketsLost: 50}}
	cur := domain.TransportStats{
		Audio: domain.StreamCounters{PacketsSent: 200, PacketsLost: 2},
		Video: &domain.StreamCounters{PacketsSent: 100, PacketsLost: 20},
	}

	s := DeriveSample(&prev, cur, time.Second, time.Unix(0, 0))
	assert.InDelta(t, 1.0, s.Audio.PacketLossPct, 0.001)
	require.NotNil(t, s.Video)
	assert.InDelta(t, 20.0, s.Video.PacketLossPct, 0.001)
}

func TestPacketLossPct_NothingSent(t *testing.T) {
	assert.Zero(t, PacketLossPct(3, 0))
}

func TestQualityTracker_EmitsOnlyOnChange(t *testing.T) {
	tr := NewQualityTracker(NewQualityService(), "bob", 3, 3)

	obs := tr.Record(audioSample(0, 10, 40))
	require.NotNil(t, obs.Change)
	assert.Equal(t, domain.QualityUnknown, obs.Change.From)
	assert.Equal(t, domain.QualityExcellent, obs.Change.To)
	assert.Equal(t, domain.UserID("bob"), obs.Change.RemoteUser)

	obs = tr.Record(audioSample(0, 10, 40))
	assert.Nil(t, obs.Change)

	obs = tr.Record(audioSample(3, 10, 40))
	require.NotNil(t, obs.Change)
	assert.Equal(t, domain.QualityFair, obs.Change.To)

	tr.Record(audioSample(3, 10, 40))
	assert.Len(t, tr.Window(), 3, "window is bounded")
	assert.InDelta(t, 2.0, tr.AverageLoss(), 0.001)
}

func TestQualityTracker_SustainedCriticalOnce(t *testing.T) {
	tr := NewQualityTracker(NewQualityService(), "bob", 10, 3)
	critical := audioSample(20, 10, 40)

	assert.False(t, tr.Record(critical).SustainedCritical)
	assert.False(t, tr.Record(critical).SustainedCritical)
	tr.Gap()
	assert.True(t, tr.Record(critical).SustainedCritical, "a gap does not break the streak")
	assert.False(t, tr.Record(critical).SustainedCritical)
	assert.Equal(t, 4, tr.CriticalStreak())
	assert.Equal(t, 1, tr.Gaps())

	tr.Record(audioSample(0, 10, 40))
	assert.Zero(t, tr.CriticalStreak())
	assert.Equal(t, domain.QualityExcellent, tr.Level())
}

func TestQualityTracker_Observe(t *testing.T) {
	tr := NewQualityTracker(NewQualityService(), "bob", 10, 3)
	start := time.Unix(100, 0)

	tr.Observe(domain.TransportStats{Audio: domain.StreamCounters{PacketsSent: 100}}, start)
	obs := tr.Observe(domain.TransportStats{
		RoundTripTimeMs: 20,
		Audio:           domain.StreamCounters{PacketsSent: 200, PacketsLost: 15},
	}, start.Add(3*time.Second))

	assert.InDelta(t, 15.0, obs.Sample.Audio.PacketLossPct, 0.001)
	assert.Equal(t, domain.QualityCritical, obs.Level)
}

func TestQualityService_WorseLossNeverImproves(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name   string
		jitter float64
		rtt    float64
		video  bool
	}{
		{name: "quiet link", jitter: 0, rtt: 0},
		{name: "typical link", jitter: 10, rtt: 40},
		{name: "good tier latency", jitter: 40, rtt: 150},
		{name: "fair tier latency", jitter: 60, rtt: 250},
		{name: "poor tier latency", jitter: 120, rtt: 350},
		{name: "critical rtt", jitter: 10, rtt: 600},
		{name: "with video", jitter: 10, rtt: 40, video: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := domain.QualityExcellent
			for step := 0; step <= 80; step++ {
				loss := float64(step) * 0.25
				sample := audioSample(loss, tt.jitter, tt.rtt)
				if tt.video {
					sample.Video = &domain.StreamQuality{
						PacketLossPct: loss, JitterMs: tt.jitter, RTTMs: tt.rtt,
						BitrateKbps: 800, FrameRate: 30,
					}
				}
				level := qs.Classify(sample)
				assert.LessOrEqual(t, level.Rank(), prev.Rank(), "loss %.2f%% rated %s after %s", loss, level, prev)
				prev = level
			}
			assert.Equal(t, domain.QualityCritical, prev, "the sweep ends critical")
		})
	}
}

func TestQualityTracker_FluctuatingLossEmitsOnlyCrossings(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	tests := []struct {
		name string
		loss func(i int) float64
	}{
		{name: "alternating", loss: func(i int) float64 {
			if i%2 == 0 {
				return 1
			}
			return 3
		}},
		{name: "runs of five", loss: func(i int) float64 {
			if (i/5)%2 == 0 {
				return 1
			}
			return 3
		}},
		{name: "random between 1 and 3", loss: func(int) float64 {
			if rng.Intn(3) == 0 {
				return 2.2 + rng.Float64()*0.8
			}
			return 0.5 + rng.Float64()*0.5
		}},
		{name: "noise within one tier", loss: func(int) float64 {
			return 2.1 + rng.Float64()*2.8
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewQualityTracker(NewQualityService(), "bob", 10, 3)

			var changes []domain.QualityChange
			crossings := 0
			prevAbove := false
			for i := 0; i < 150; i++ {
				loss := tt.loss(i)
				above := loss > 2
				if i == 0 || above != prevAbove {
					crossings++
				}
				prevAbove = above

				if obs := tr.Record(audioSample(loss, 10, 40)); obs.Change != nil {
					changes = append(changes, *obs.Change)
				}
			}

			assert.Len(t, changes, crossings)
			for i := 1; i < len(changes); i++ {
				assert.Equal(t, changes[i-1].To, changes[i].From, "change %d", i)
				assert.NotEqual(t, changes[i].From, changes[i].To, "change %d", i)
			}
		})
	}
}
