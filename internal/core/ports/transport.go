package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// TrackSender is the sending slot of a track on a peer transport.
type TrackSender interface {
	Track() MediaTrack
	// ReplaceTrack swaps the outgoing track without renegotiation; nil stops sending
	// while keeping the slot.
	ReplaceTrack(track MediaTrack) error
}

// PeerTransport is the platform peer connection capability.
type PeerTransport interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	// Rollback discards a local offer that lost a glare tie-break.
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	AddTrack(track MediaTrack) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	SupportsReplaceTrack() bool
	Stats(ctx context.Context) (domain.TransportStats, error)
	Close() error
}

// TransportParams identifies the peer a transport is created for.
type TransportParams struct {
	CallID     domain.CallID
	LocalUser  domain.UserID
	RemoteUser domain.UserID
}

// PeerTransportFactory creates transports. Notifications are delivered to sink
// as values; sink must not block.
type PeerTransportFactory interface {
	NewPeerTransport(ctx context.Context, params TransportParams, sink func(domain.TransportEvent)) (PeerTransport, error)
}
