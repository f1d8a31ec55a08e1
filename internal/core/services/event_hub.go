package services

import (
	"context"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"go.uber.org/zap"
)

const subscriberBuffer = 128

// EventHub fans session events out to in-process subscribers and sinks.
// Publish never blocks: a subscriber that falls behind loses events, and each
// sink is fed in order from its own queue.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[int]chan domain.Event
	nextID      int
	sinks       []hubSink
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

type hubSink struct {
	sink  ports.EventSink
	queue *serialExecutor
}

func NewEventHub(logger *zap.SugaredLogger, timeout time.Duration, sinks ...ports.EventSink) *EventHub {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &EventHub{
		subscribers: make(map[int]chan domain.Event),
		timeout:     timeout,
		logger:      logger,
	}
	for _, s := range sinks {
		h.AddSink(s)
	}
	return h
}

// AddSink registers a sink for every event published from now on.
func (h *EventHub) AddSink(sink ports.EventSink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, hubSink{sink: sink, queue: &serialExecutor{}})
}

// Subscribe returns a buffered event channel and a function that closes it.
func (h *EventHub) Subscribe() (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	h.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (h *EventHub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Warnw("subscriber lagging, event dropped", "subscriber", id, "type", ev.Type)
		}
	}

	for _, s := range h.sinks {
		sink := s.sink
		s.queue.Enqueue(func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			if err := sink.Publish(ctx, ev); err != nil {
				h.logger.Warnw("event sink failed", "type", ev.Type, "error", err)
			}
		})
	}
}

// Close ends every subscription.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
