package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

const (
	eventStreamName    = "FLOW_EVENTS"
	eventSubjectPrefix = "flow.event."
	eventStreamMaxAge  = 24 * time.Hour
)

// Subject returns the JetStream subject an event type is published on.
func Subject(typ model.EventType) string {
	return eventSubjectPrefix + string(typ)
}

// JetStreamSink publishes events to the FLOW_EVENTS stream. It blocks on the
// publish acknowledgement, so it should be wrapped in an AsyncSink.
type JetStreamSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamSink creates the event stream if needed
func NewJetStreamSink(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamSink, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   eventStreamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	return &JetStreamSink{
		js:     js,
		logger: logger.Named("jetstream-sink"),
	}, nil
}

// Publish implements Sink
func (s *JetStreamSink) Publish(event model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	if _, err := s.js.Publish(Subject(event.Type), data, nats.MsgId(event.ID)); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// Subscribe delivers events of the given type (or every event when typ is
// empty) until ctx is done.
func (s *JetStreamSink) Subscribe(ctx context.Context, typ model.EventType, handler func(model.Event)) error {
	subject := eventSubjectPrefix + ">"
	if typ != "" {
		subject = Subject(typ)
	}

	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(event)
		msg.Ack()
	}, nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
