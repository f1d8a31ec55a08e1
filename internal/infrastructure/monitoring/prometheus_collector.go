package monitoring

import (
	"context"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/internal/infrastructure/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns call events and relay activity into metrics.
type PrometheusCollector struct {
	mu          sync.Mutex
	activeCalls map[domain.CallID]struct{}

	callsActive      prometheus.Gauge
	callsEnded       *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	callDuration     prometheus.Histogram
	setupDuration    prometheus.Histogram
	peerStates       *prometheus.CounterVec
	qualityChanges   *prometheus.CounterVec
	networkRTT       prometheus.Histogram
	packetLoss       prometheus.Histogram
	screenShares     *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec

	relayConnections      prometheus.Gauge
	relayConnectionsTotal prometheus.Counter
	relayRouted           *prometheus.CounterVec
	relayDropped          *prometheus.CounterVec
}

var (
	_ ports.EventSink     = (*PrometheusCollector)(nil)
	_ signal.RelayMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeCalls: make(map[domain.CallID]struct{}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callengine_calls_active",
			Help: "Number of call sessions that have not ended",
		}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_calls_ended_total",
			Help: "Total number of ended calls by final status and reason",
		}, []string{"status", "reason"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_call_state_transitions_total",
			Help: "Total number of call state transitions",
		}, []string{"from", "to"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callengine_call_duration_seconds",
			Help:    "Duration of calls that reached connected",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}),

		setupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callengine_call_setup_duration_seconds",
			Help:    "Time from call start until connected",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		peerStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_peer_state_changes_total",
			Help: "Total number of peer connection state changes",
		}, []string{"state"}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_quality_changes_total",
			Help: "Total number of peer quality classification changes",
		}, []string{"level"}),

		networkRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callengine_network_rtt_seconds",
			Help:    "Round trip time reported with quality changes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callengine_packet_loss_percent",
			Help:    "Audio packet loss reported with quality changes",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50},
		}),

		screenShares: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_screen_share_events_total",
			Help: "Total number of screen share lifecycle events",
		}, []string{"event"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_events_total",
			Help: "Total number of published call events",
		}, []string{"type"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callengine_relay_connections",
			Help: "Number of open relay websocket connections",
		}),

		relayConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callengine_relay_connections_total",
			Help: "Total number of relay websocket connections accepted",
		}),

		relayRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_relay_messages_routed_total",
			Help: "Total number of signaling messages delivered by the relay",
		}, []string{"type"}),

		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_relay_messages_dropped_total",
			Help: "Total number of signaling messages the relay rejected",
		}, []string{"reason"}),
	}
}

// Publish implements ports.EventSink.
func (p *PrometheusCollector) Publish(_ context.Context, event domain.Event) error {
	p.eventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case domain.EventCallStateChanged:
		p.stateTransitions.WithLabelValues(string(event.PreviousStatus), string(event.Status)).Inc()
		if event.Status.IsTerminal() {
			p.callFinished(event.CallID)
		} else {
			p.callSeen(event.CallID)
		}
	case domain.EventCallEnded:
		p.callFinished(event.CallID)
		p.callsEnded.WithLabelValues(string(event.Status), string(event.Reason)).Inc()
		if r := event.Record; r != nil && r.ConnectedAt != nil {
			p.callDuration.Observe(r.Duration.Seconds())
			p.setupDuration.Observe(r.ConnectedAt.Sub(r.StartedAt).Seconds())
		}
	case domain.EventPeerStateChanged:
		p.peerStates.WithLabelValues(string(event.PeerState)).Inc()
	case domain.EventQualityChanged:
		if q := event.Quality; q != nil {
			p.qualityChanges.WithLabelValues(string(q.To)).Inc()
			p.networkRTT.Observe(q.Sample.Audio.RTTMs / 1000)
			p.packetLoss.Observe(q.Sample.Audio.PacketLossPct)
		}
	case domain.EventScreenShareStarted, domain.EventScreenSharePaused,
		domain.EventScreenShareResumed, domain.EventScreenShareEnded,
		domain.EventScreenShareReplaced:
		p.screenShares.WithLabelValues(string(event.Type)).Inc()
	}
	return nil
}

func (p *PrometheusCollector) callSeen(id domain.CallID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeCalls[id] = struct{}{}
	p.callsActive.Set(float64(len(p.activeCalls)))
}

func (p *PrometheusCollector) callFinished(id domain.CallID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeCalls, id)
	p.callsActive.Set(float64(len(p.activeCalls)))
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) MessageRouted(t domain.MessageType) {
	p.relayRouted.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.relayDropped.WithLabelValues(reason).Inc()
}
