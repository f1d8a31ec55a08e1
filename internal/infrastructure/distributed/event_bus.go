package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/internal/infrastructure/signal"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultEventsChannel = "callengine:events"

// Envelope is the payload published on the bus. Exactly one of Event and
// Signal is set.
type Envelope struct {
	InstanceID string                `json:"instance_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Event      *domain.Event         `json:"event,omitempty"`
	Signal     *domain.SignalMessage `json:"signal,omitempty"`
}

// Handlers receive envelopes published by other instances.
type Handlers struct {
	OnEvent  func(domain.Event)
	OnSignal func(domain.SignalMessage)
}

// EventBus fans call events out to every instance and forwards signaling
// messages to the relay instance their recipient is connected to.
type EventBus struct {
	client        *redis.Client
	presence      *PresenceRegistry
	instanceID    string
	eventsChannel string
	logger        *zap.SugaredLogger
	pubsub        *redis.PubSub
}

var (
	_ ports.EventSink  = (*EventBus)(nil)
	_ signal.Forwarder = (*EventBus)(nil)
)

func NewEventBus(
	client *redis.Client,
	presence *PresenceRegistry,
	instanceID string,
	eventsChannel string,
	logger *zap.SugaredLogger,
) *EventBus {
	if eventsChannel == "" {
		eventsChannel = DefaultEventsChannel
	}
	return &EventBus{
		client:        client,
		presence:      presence,
		instanceID:    instanceID,
		eventsChannel: eventsChannel,
		logger:        logger,
	}
}

// Publish broadcasts a call event to all instances.
func (eb *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := eb.encode(Envelope{Event: &event})
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, eb.eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"call_id", event.CallID,
	)
	return nil
}

// Forward delivers msg through the relay instance holding its recipient.
func (eb *EventBus) Forward(ctx context.Context, msg domain.SignalMessage) error {
	if eb.presence == nil {
		return signal.ErrRecipientOffline
	}
	instanceID, err := eb.presence.Lookup(ctx, msg.To)
	if err != nil {
		return err
	}
	if instanceID == eb.instanceID {
		// Stale registration for a user that left this instance.
		return signal.ErrRecipientOffline
	}

	data, err := eb.encode(Envelope{Signal: &msg})
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, RelayChannel(eb.eventsChannel, instanceID), data).Err(); err != nil {
		return fmt.Errorf("failed to forward message: %w", err)
	}

	eb.logger.Debugw("forwarded message",
		"type", msg.Type,
		"to", msg.To,
		"instance_id", instanceID,
	)
	return nil
}

// Subscribe blocks, dispatching envelopes from other instances until ctx
// is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handlers Handlers) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.eventsChannel, RelayChannel(eb.eventsChannel, eb.instanceID))
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch([]byte(msg.Payload), handlers)
		}
	}
}

func (eb *EventBus) dispatch(payload []byte, handlers Handlers) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		eb.logger.Warnw("failed to unmarshal envelope",
			"error", err,
			"payload", string(payload),
		)
		return
	}

	// Skip envelopes from this instance
	if env.InstanceID == eb.instanceID {
		return
	}

	switch {
	case env.Signal != nil:
		if handlers.OnSignal != nil {
			handlers.OnSignal(*env.Signal)
		}
	case env.Event != nil:
		if handlers.OnEvent != nil {
			handlers.OnEvent(*env.Event)
		}
	}
}

func (eb *EventBus) encode(env Envelope) ([]byte, error) {
	env.InstanceID = eb.instanceID
	env.Timestamp = time.Now()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// RelayChannel is the channel an instance receives forwarded messages on.
func RelayChannel(eventsChannel, instanceID string) string {
	return eventsChannel + ":relay:" + instanceID
}

