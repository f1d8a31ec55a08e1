package testutil

import (
	"context"
	"testing"
	"time"

	"callengine/internal/core/domain"
)

// WaitForEvent reads events until match returns true or timeout expires.
func WaitForEvent(t *testing.T, events <-chan domain.Event, timeout time.Duration, match func(domain.Event) bool) domain.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out after %s waiting for event", timeout)
			return domain.Event{}
		}
	}
}

// OfType matches events of type typ.
func OfType(typ domain.EventType) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Type == typ }
}

// CollectSink is an EventSink that keeps everything it receives.
type CollectSink struct {
	ch chan domain.Event
}

func NewCollectSink(size int) *CollectSink {
	return &CollectSink{ch: make(chan domain.Event, size)}
}

func (c *CollectSink) Events() <-chan domain.Event { return c.ch }

func (c *CollectSink) Publish(_ context.Context, ev domain.Event) error {
	select {
	case c.ch <- ev:
	default:
	}
	return nil
}
