package domain

// PeerConnectionState mirrors the transport-level connection state of one PeerSession.
type PeerConnectionState string

const (
	PeerStateNew          PeerConnectionState = "new"
	PeerStateConnecting   PeerConnectionState = "connecting"
	PeerStateConnected    PeerConnectionState = "connected"
	PeerStateDisconnected PeerConnectionState = "disconnected"
	PeerStateFailed       PeerConnectionState = "failed"
	PeerStateClosed       PeerConnectionState = "closed"
)

// IsUnhealthy reports states that start the reconnection path.
func (s PeerConnectionState) IsUnhealthy() bool {
	return s == PeerStateDisconnected || s == PeerStateFailed
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Equal compares descriptions by content, used for idempotent re-application.
func (d SessionDescription) Equal(other SessionDescription) bool {
	return d.Type == other.Type && d.SDP == other.SDP
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TransportEventKind enumerates notifications raised by a peer transport.
type TransportEventKind string

const (
	TransportStateChanged TransportEventKind = "state_changed"
	TransportLocalICE     TransportEventKind = "local_candidate"
	TransportRemoteTrack  TransportEventKind = "remote_track"
)

// TransportEvent is a transport notification queued onto the owning session.
type TransportEvent struct {
	Kind      TransportEventKind
	State     PeerConnectionState
	Candidate *ICECandidate
	TrackID   string
	TrackKind TrackKind
}

// StreamCounters are cumulative counters for one media direction as reported by the transport.
type StreamCounters struct {
	PacketsSent uint64
	PacketsLost uint64
	BytesSent   uint64
	JitterMs    float64
	FrameRate   float64
}

// TransportStats is a statistics snapshot of one peer transport.
type TransportStats struct {
	RoundTripTimeMs float64
	Audio           StreamCounters
	Video           *StreamCounters
}
