package domain

import "time"

// QualityLevel is the derived classification of a peer's transport metrics.
type QualityLevel string

const (
	QualityUnknown   QualityLevel = ""
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityCritical  QualityLevel = "critical"
)

// Rank orders levels from best (4) to worst (0); unknown ranks below critical.
func (l QualityLevel) Rank() int {
	switch l {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityPoor:
		return 1
	case QualityCritical:
		return 0
	default:
		return -1
	}
}

// Worse returns the lower of two levels.
func (l QualityLevel) Worse(other QualityLevel) QualityLevel {
	if other.Rank() < l.Rank() {
		return other
	}
	return l
}

// StreamQuality holds the per-interval metrics for one media kind.
type StreamQuality struct {
	PacketLossPct float64 `json:"packet_loss_pct"`
	JitterMs      float64 `json:"jitter_ms"`
	RTTMs         float64 `json:"rtt_ms"`
	BitrateKbps   float64 `json:"bitrate_kbps"`
	FrameRate     float64 `json:"frame_rate,omitempty"`
}

// QualitySample is a point-in-time measurement for one PeerSession.
type QualitySample struct {
	At    time.Time      `json:"at"`
	Audio StreamQuality  `json:"audio"`
	Video *StreamQuality `json:"video,omitempty"`
}

// QualityChange is emitted only when the classification of a peer changes.
type QualityChange struct {
	RemoteUser UserID        `json:"remote_user"`
	From       QualityLevel  `json:"from"`
	To         QualityLevel  `json:"to"`
	Sample     QualitySample `json:"sample"`
}
