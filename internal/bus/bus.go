// Package bus provides the real-time notification fabric between the
// coordination subsystems and session subscribers. Topics are scoped
// per session (session:{id}) plus a small set of component topics.
// Delivery order matches publish order within a topic; no ordering is
// guaranteed across topics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of event carried on the bus.
type EventType string

const (
	// EventSessionStateChanged is published on every lifecycle transition.
	EventSessionStateChanged EventType = "session:state-changed"
	// EventSessionActivity is published when a turn is recorded.
	EventSessionActivity EventType = "session:activity"
	// EventResourceWarning is published when usage crosses a warning threshold.
	EventResourceWarning EventType = "resource:warning"
	// EventScalingDecision is published when a pool scaling trigger fires.
	EventScalingDecision EventType = "scaling:decision"
	// EventQualityAlert is published when a metric alert triggers.
	EventQualityAlert EventType = "quality:alert"
	// EventHandoffCompleted is published when a handoff finalizes.
	EventHandoffCompleted EventType = "handoff:completed"
	// EventEscalationCreated is consumed by the external human-routing system.
	EventEscalationCreated EventType = "escalation:created"
)

// Event is the typed payload published to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionTopic returns the per-session topic name.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

const (
	// TopicResources carries pool-level warnings and scaling decisions.
	TopicResources = "resources"
	// TopicEscalations carries escalation requests for human routing.
	TopicEscalations = "escalations"
)

// Bus publishes typed events to topic subscribers.
type Bus interface {
	// Publish delivers an event to all subscribers of topic.
	Publish(topic string, ev Event) error

	// Subscribe returns a channel of events for topic. The channel is
	// closed when ctx is cancelled or the bus shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}

// memoryBus is an in-process Bus built on watermill's gochannel pub/sub.
type memoryBus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

// New creates an in-process bus. Buffer controls per-subscriber
// channel depth; zero means unbuffered delivery.
func New(buffer int64, logger zerolog.Logger) Bus {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, &watermillLogger{logger: logger})

	return &memoryBus{pubsub: ps, logger: logger}
}

func (b *memoryBus) Publish(topic string, ev Event) error {
	if ev.ID == "" {
		ev.ID = watermill.NewUUID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))

	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, topic, err)
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return out, nil
}

func (b *memoryBus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill's LoggerAdapter.
type watermillLogger struct {
	logger zerolog.Logger
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), msg, fields)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), msg, fields)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &watermillLogger{logger: ctx.Logger()}
}

func (l *watermillLogger) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
