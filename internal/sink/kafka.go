package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/switchboard/internal/bus"
)

// KafkaSinkID is the bus subscriber id of the Kafka sink.
const KafkaSinkID = "kafka_sink"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer for topic. Messages with the
// same key land on the same partition. transport may be nil.
func NewKafkaWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	if transport != nil {
		w.Transport = transport
	}
	return w
}

// KafkaSink exports every bus event as a JSON message.
type KafkaSink struct {
	*pump
	w MessageWriter
}

// NewKafkaSink creates a sink writing to w.
func NewKafkaSink(w MessageWriter, queueSize int) *KafkaSink {
	s := &KafkaSink{w: w}
	s.pump = newPump("kafka", queueSize, s.write)
	return s
}

// Attach subscribes the sink to every event type.
func (s *KafkaSink) Attach(sub Subscriber) bool {
	return sub.Subscribe(KafkaSinkID, []string{bus.Wildcard}, s.Handle)
}

func (s *KafkaSink) write(ctx context.Context, evt bus.Event) error {
	msg, err := eventMessage(evt)
	if err != nil {
		return err
	}
	return withRetry(ctx, 3, 200*time.Millisecond, func() (bool, error) {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.w.WriteMessages(wctx, msg); err != nil {
			return ctx.Err() == nil, fmt.Errorf("write %s: %w", evt.Type, err)
		}
		return false, nil
	})
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// eventMessage keys by conversation so one conversation's events stay ordered.
func eventMessage(evt bus.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	key := evt.Type
	if conv, ok := evt.Data["conversation_id"].(string); ok && conv != "" {
		key = conv
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "source", Value: []byte(evt.Source)},
		},
		Time: evt.Timestamp,
	}, nil
}
