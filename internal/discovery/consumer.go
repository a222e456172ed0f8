package discovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Consumer reads raw announcement messages.
type Consumer interface {
	// Start begins consuming.
	Start(ctx context.Context) error
	// Messages returns a channel of raw messages. It is closed by Close.
	Messages() <-chan Message
	// Close stops the consumer.
	Close() error
}

// Message is a raw message from the announcement topic.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	brokers []string
	groupID string
	topic   string
	dialer  *kafka.Dialer

	mu       sync.Mutex
	reader   *kafka.Reader
	messages chan Message
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

// NewKafkaConsumer creates a consumer for a single announcement topic. A nil
// dialer uses the kafka-go default.
func NewKafkaConsumer(brokers []string, groupID, topic string, dialer *kafka.Dialer) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:  brokers,
		groupID:  groupID,
		topic:    topic,
		dialer:   dialer,
		messages: make(chan Message, 100),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins consuming from the topic.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topic,
		GroupID:  c.groupID,
		Dialer:   c.dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				select {
				case <-c.stop:
					return
				default:
				}
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Discovery: read error", "topic", c.topic, "error", err)
				continue
			}
			select {
			case c.messages <- Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
	return nil
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan Message {
	return c.messages
}

// Close stops the reader and closes the message channel.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	reader := c.reader
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
		<-c.done
	}
	close(c.messages)
	return err
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch   chan Message
	once sync.Once
}

// NewChannelConsumer creates an in-process consumer for testing.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Message, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan Message { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// Send pushes a message into the channel consumer.
func (c *ChannelConsumer) Send(msg Message) {
	c.ch <- msg
}
