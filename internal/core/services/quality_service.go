package services

import (
	"time"

	"callengine/internal/core/domain"
)

// QualityThresholds are upper bounds for one quality tier. A zero bound is not checked.
type QualityThresholds struct {
	PacketLossPct float64
	JitterMs      float64
	RTTMs         float64
}

// VideoThresholds are lower bounds below which video is downgraded.
type VideoThresholds struct {
	PoorBitrateKbps float64
	FairBitrateKbps float64
	PoorFrameRate   float64
	FairFrameRate   float64
}

type QualityService struct {
	thresholds map[domain.QualityLevel]QualityThresholds
	video      VideoThresholds
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.QualityLevel]QualityThresholds{
			domain.QualityCritical: {
				PacketLossPct: 10,
				RTTMs:         500,
			},
			domain.QualityPoor: {
				PacketLossPct: 5,
				JitterMs:      100,
				RTTMs:         300,
			},
			domain.QualityFair: {
				PacketLossPct: 2,
				JitterMs:      50,
				RTTMs:         200,
			},
			// pristine tier: everything at or under these bounds is excellent
			domain.QualityExcellent: {
				PacketLossPct: 1,
				JitterMs:      30,
				RTTMs:         100,
			},
		},
		video: VideoThresholds{
			PoorBitrateKbps: 150,
			FairBitrateKbps: 300,
			PoorFrameRate:   10,
			FairFrameRate:   20,
		},
	}
}

// GetThresholds returns the per-tier thresholds.
func (qs *QualityService) GetThresholds() map[domain.QualityLevel]QualityThresholds {
	return qs.thresholds
}

// Classify evaluates a sample worst-metric-wins. Video metrics can only
// downgrade the level derived from the network metrics.
func (qs *QualityService) Classify(sample domain.QualitySample) domain.QualityLevel {
	level := qs.classifyStream(sample.Audio)
	if sample.Video != nil {
		level = level.Worse(qs.classifyStream(*sample.Video))
		level = level.Worse(qs.classifyVideo(*sample.Video))
	}
	return level
}

func (qs *QualityService) classifyStream(m domain.StreamQuality) domain.QualityLevel {
	for _, level := range []domain.QualityLevel{domain.QualityCritical, domain.QualityPoor, domain.QualityFair} {
		if exceedsThresholds(m, qs.thresholds[level]) {
			return level
		}
	}
	if meetsQualityRequirements(m, qs.thresholds[domain.QualityExcellent]) {
		return domain.QualityExcellent
	}
	return domain.QualityGood
}

func (qs *QualityService) classifyVideo(m domain.StreamQuality) domain.QualityLevel {
	level := domain.QualityExcellent
	switch {
	case m.BitrateKbps < qs.video.PoorBitrateKbps:
		level = domain.QualityPoor
	case m.BitrateKbps < qs.video.FairBitrateKbps:
		level = domain.QualityFair
	}
	if m.FrameRate > 0 {
		switch {
		case m.FrameRate < qs.video.PoorFrameRate:
			level = level.Worse(domain.QualityPoor)
		case m.FrameRate < qs.video.FairFrameRate:
			level = level.Worse(domain.QualityFair)
		}
	}
	return level
}

func exceedsThresholds(m domain.StreamQuality, t QualityThresholds) bool {
	return (t.PacketLossPct > 0 && m.PacketLossPct > t.PacketLossPct) ||
		(t.JitterMs > 0 && m.JitterMs > t.JitterMs) ||
		(t.RTTMs > 0 && m.RTTMs > t.RTTMs)
}

func meetsQualityRequirements(m domain.StreamQuality, t QualityThresholds) bool {
	return m.PacketLossPct <= t.PacketLossPct &&
		m.JitterMs <= t.JitterMs &&
		m.RTTMs <= t.RTTMs
}

// PacketLossPct returns lost/sent as a percentage, 0 when nothing was sent.
func PacketLossPct(lost, sent uint64) float64 {
	if sent == 0 {
		return 0
	}
	return float64(lost) / float64(sent) * 100
}

// DeriveSample turns two cumulative stats snapshots into per-interval metrics.
// With no previous snapshot the counters are used as-is.
func DeriveSample(prev *domain.TransportStats, cur domain.TransportStats, elapsed time.Duration, at time.Time) domain.QualitySample {
	sample := domain.QualitySample{At: at}

	var prevAudio domain.StreamCounters
	var prevVideo *domain.StreamCounters
	if prev != nil {
		prevAudio = prev.Audio
		prevVideo = prev.Video
	}
	sample.Audio = deriveStream(prevAudio, cur.Audio, cur.RoundTripTimeMs, elapsed)

	if cur.Video != nil {
		var pv domain.StreamCounters
		if prevVideo != nil {
			pv = *prevVideo
		}
		video := deriveStream(pv, *cur.Video, cur.RoundTripTimeMs, elapsed)
		sample.Video = &video
	}
	return sample
}

func deriveStream(prev, cur domain.StreamCounters, rttMs float64, elapsed time.Duration) domain.StreamQuality {
	sent := counterDelta(prev.PacketsSent, cur.PacketsSent)
	lost := counterDelta(prev.PacketsLost, cur.PacketsLost)
	bytes := counterDelta(prev.BytesSent, cur.BytesSent)

	var bitrate float64
	if secs := elapsed.Seconds(); secs > 0 {
		bitrate = float64(bytes) * 8 / 1000 / secs
	}

	return domain.StreamQuality{
		PacketLossPct: PacketLossPct(lost, sent),
		JitterMs:      cur.JitterMs,
		RTTMs:         rttMs,
		BitrateKbps:   bitrate,
		FrameRate:     cur.FrameRate,
	}
}

// counterDelta treats a counter that went backwards as reset by the transport.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
