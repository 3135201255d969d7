// Package kafka implements the bridge transport on a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

// Config holds the Kafka connection settings.
type Config struct {
	Brokers []string `validate:"required,min=1,dive,hostname_port"`
	// GroupID names the consumer group. It should be unique per bridge
	// instance, since members of one group split the partitions. When empty
	// a group named wsbridge-<uuid> is generated.
	GroupID string
}

// messageReader is the subset of *kafkago.Reader used by Source.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Source reads messages from a single Kafka topic.
type Source struct {
	reader messageReader
	topic  string
	logger *zap.Logger
	closed atomic.Bool
}

// NewSource creates a consumer-group reader for topic. The group is
// assigned every partition and a new group starts at the newest offset, so
// history already on the topic is not replayed. Connection errors surface on
// the first Poll, as kafka-go dials lazily.
func NewSource(cfg Config, topic string, logger *zap.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	readerConfig := newReaderConfig(cfg, topic, logger)
	reader := kafkago.NewReader(readerConfig)

	logger.Debug("Kafka reader initialized",
		zap.String("topic", topic),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("groupID", readerConfig.GroupID),
	)

	return newSource(reader, topic, logger), nil
}

func newReaderConfig(cfg Config, topic string, logger *zap.Logger) kafkago.ReaderConfig {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "wsbridge-" + uuid.NewString()
	}

	return kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   topic,
		GroupID: groupID,
		// only applies to a group with no committed offsets
		StartOffset: kafkago.LastOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     100 * time.Millisecond,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
			logger.Warn("kafka reader: "+fmt.Sprintf(msg, args...), zap.String("topic", topic))
		}),
	}
}

func newSource(reader messageReader, topic string, logger *zap.Logger) *Source {
	return &Source{reader: reader, topic: topic, logger: logger}
}

// Poll reads the next message, giving up after timeout.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	if s.closed.Load() {
		return transport.Message{}, transport.ErrClosed
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.reader.ReadMessage(readCtx)
	if err != nil {
		switch {
		case s.closed.Load(), errors.Is(err, io.EOF):
			return transport.Message{}, transport.ErrClosed
		case ctx.Err() != nil:
			return transport.Message{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return transport.Message{}, transport.ErrNoMessage
		default:
			return transport.Message{}, fmt.Errorf("reading kafka topic %q: %w", s.topic, err)
		}
	}

	return transport.Message{Topic: msg.Topic, Payload: msg.Value}, nil
}

func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.reader.Close()
}

// messageWriter is the subset of *kafkago.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes payloads to Kafka topics.
type Publisher struct {
	writer messageWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	return &Publisher{writer: &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, kafkago.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("writing to kafka topic %q: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var (
	_ transport.Source    = (*Source)(nil)
	_ transport.Publisher = (*Publisher)(nil)
)
