package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// SignalingTransport carries SignalMessages to and from remote users.
// Inbound preserves the order in which messages were received.
type SignalingTransport interface {
	Send(ctx context.Context, msg domain.SignalMessage) error
	Inbound() <-chan domain.SignalMessage
	Close() error
}
