package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// reportStats accumulates what the remote side tells us about one outgoing
// stream through RTCP receiver reports.
type reportStats struct {
	mu          sync.Mutex
	clockRate   uint32
	packetsLost uint64
	jitterMs    float64
	rttMs       float64
	nacks       uint64
	plis        uint64
}

func newReportStats(clockRate uint32) *reportStats {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &reportStats{clockRate: clockRate}
}

// process folds one RTCP compound packet into the accumulator. arrival is the
// local receive time, used for the round trip estimate.
func (r *reportStats) process(packets []rtcp.Packet, arrival time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				r.applyReport(report, arrival)
			}
		case *rtcp.SenderReport:
			for _, report := range p.Reports {
				r.applyReport(report, arrival)
			}
		case *rtcp.TransportLayerNack:
			r.nacks += uint64(len(p.Nacks))
		case *rtcp.PictureLossIndication:
			r.plis++
		}
	}
}

func (r *reportStats) applyReport(report rtcp.ReceptionReport, arrival time.Time) {
	r.packetsLost = uint64(report.TotalLost)
	r.jitterMs = float64(report.Jitter) / float64(r.clockRate) * 1000

	if report.LastSenderReport != 0 {
		// RTT = A - LSR - DLSR in 1/65536 s units of the middle NTP word.
		a := ntpMiddle32(arrival)
		rtt := a - report.LastSenderReport - report.Delay
		if rtt < 1<<31 {
			r.rttMs = float64(rtt) / 65536 * 1000
		}
	}
}

func (r *reportStats) snapshot() (packetsLost uint64, jitterMs, rttMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packetsLost, r.jitterMs, r.rttMs
}

// ntpMiddle32 returns the middle 32 bits of the 64-bit NTP timestamp for t.
func ntpMiddle32(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return uint32((secs<<32 | frac) >> 16)
}
