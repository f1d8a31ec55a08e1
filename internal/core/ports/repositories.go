package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// CallRecordStore receives immutable call records at call end.
type CallRecordStore interface {
	Save(ctx context.Context, record domain.CallRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.CallRecord, error)
}

// EventSink receives every presentation event, e.g. for metrics or fan-out.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}
