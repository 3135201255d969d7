// Package local implements a transport Source and Publisher on top of the
// in-process event bus.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/bus"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

// Source is a bus subscriber that keeps only the most recent message.
type Source struct {
	bus.BaseSubscriber

	eventBus bus.EventBus
	topic    string
	logger   *zap.Logger

	mailbox   chan transport.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSource subscribes to topic on eventBus. The bus must already be started.
func NewSource(ctx context.Context, eventBus bus.EventBus, topic string, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Source{
		eventBus: eventBus,
		topic:    topic,
		logger:   logger,
		mailbox:  make(chan transport.Message, 1),
		closed:   make(chan struct{}),
	}

	if err := eventBus.Subscribe(ctx, s, topic); err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", topic, err)
	}

	return s, nil
}

// OnEvent is called from the bus goroutine. A message that has not been
// polled yet is replaced by the newer one.
func (s *Source) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	var payload []byte
	switch m := message.(type) {
	case []byte:
		payload = m
	case string:
		payload = []byte(m)
	default:
		return fmt.Errorf("unsupported message type %T on topic %q", message, topic)
	}

	msg := transport.Message{Topic: topic, Payload: payload}

	select {
	case s.mailbox <- msg:
		return nil
	default:
	}

	select {
	case <-s.mailbox:
		s.logger.Debug("Replacing unpolled message", zap.String("topic", topic))
	default:
	}

	select {
	case s.mailbox <- msg:
	default:
	}

	return nil
}

// Poll waits up to timeout for the next message.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	select {
	case <-s.closed:
		return transport.Message{}, transport.ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.mailbox:
		return msg, nil
	case <-timer.C:
		return transport.Message{}, transport.ErrNoMessage
	case <-s.closed:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

// Close unsubscribes from the bus. Pending and future polls return
// transport.ErrClosed.
func (s *Source) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.closed)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if uerr := s.eventBus.UnsubscribeAll(ctx, s); uerr != nil && !errors.Is(uerr, bus.ErrStopped) && !errors.Is(uerr, bus.ErrNotStarted) {
			err = fmt.Errorf("unsubscribing from %q: %w", s.topic, uerr)
		}
	})

	return err
}

// Publisher publishes payloads onto the event bus.
type Publisher struct {
	eventBus bus.EventBus
}

func NewPublisher(eventBus bus.EventBus) *Publisher {
	return &Publisher{eventBus: eventBus}
}

// Publish delivers payload synchronously, so the message is in every
// matching subscriber's mailbox by the time it returns.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.eventBus.PublishSync(ctx, topic, payload)
}

// Close is a no-op; the bus is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}

var (
	_ transport.Source    = (*Source)(nil)
	_ transport.Publisher = (*Publisher)(nil)
)
