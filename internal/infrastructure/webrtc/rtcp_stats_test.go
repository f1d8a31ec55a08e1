package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
)

func TestReportStats_ReceiverReport(t *testing.T) {
	stats := newReportStats(48000)
	now := time.Unix(1_700_000_000, 0)

	// Sender report sent 50ms before the receiver answered after holding it 100ms.
	lsr := ntpMiddle32(now.Add(-150 * time.Millisecond))
	dlsr := uint32(65536 / 10)

	stats.process([]rtcp.Packet{
		&rtcp.ReceiverReport{
			SSRC: 1,
			Reports: []rtcp.ReceptionReport{{
				SSRC:             2,
				TotalLost:        12,
				Jitter:           480,
				LastSenderReport: lsr,
				Delay:            dlsr,
			}},
		},
	}, now)

	lost, jitter, rtt := stats.snapshot()
	assert.Equal(t, uint64(12), lost)
	assert.InDelta(t, 10.0, jitter, 0.001)
	assert.InDelta(t, 50.0, rtt, 1.0)
}

func TestReportStats_IgnoresRTTWithoutSenderReport(t *testing.T) {
	stats := newReportStats(90000)
	stats.process([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{TotalLost: 3, Jitter: 900}}},
	}, time.Now())

	lost, jitter, rtt := stats.snapshot()
	assert.Equal(t, uint64(3), lost)
	assert.InDelta(t, 10.0, jitter, 0.001)
	assert.Zero(t, rtt)
}

func TestReportStats_CountsFeedback(t *testing.T) {
	stats := newReportStats(0)
	stats.process([]rtcp.Packet{
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 1}, {PacketID: 5}}},
		&rtcp.PictureLossIndication{MediaSSRC: 7},
	}, time.Now())

	assert.Equal(t, uint64(2), stats.nacks)
	assert.Equal(t, uint64(1), stats.plis)
}
