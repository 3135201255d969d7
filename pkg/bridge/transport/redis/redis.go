// Package redis implements the bridge transport on Redis Pub/Sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

// Config holds the connection settings for a Redis server.
type Config struct {
	Addr        string `validate:"required,hostname_port"`
	Username    string
	Password    string
	DB          int           `validate:"gte=0"`
	DialTimeout time.Duration `validate:"gte=0"`
}

// NewClient creates a client for cfg and verifies the server is reachable.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// Source receives messages published on a single Redis channel.
type Source struct {
	pubsub  *goredis.PubSub
	channel string
	logger  *zap.Logger
	closed  atomic.Bool
}

// NewSource subscribes to channel and waits for the server to confirm the
// subscription.
func NewSource(ctx context.Context, client *goredis.Client, channel string, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to redis channel %q: %w", channel, err)
	}

	logger.Debug("Subscribed to redis channel", zap.String("channel", channel))

	return &Source{
		pubsub:  pubsub,
		channel: channel,
		logger:  logger,
	}, nil
}

// Poll waits up to timeout for the next message on the channel.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	if s.closed.Load() {
		return transport.Message{}, transport.ErrClosed
	}

	received, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		return transport.Message{}, s.classify(ctx, err)
	}

	switch msg := received.(type) {
	case *goredis.Message:
		return transport.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}, nil
	default:
		// subscription confirmations and pongs
		s.logger.Debug("Ignoring redis control message", zap.String("type", fmt.Sprintf("%T", received)))
		return transport.Message{}, transport.ErrNoMessage
	}
}

func (s *Source) classify(ctx context.Context, err error) error {
	var netErr net.Error

	switch {
	case s.closed.Load(), errors.Is(err, goredis.ErrClosed):
		return transport.ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &netErr) && netErr.Timeout():
		return transport.ErrNoMessage
	default:
		return fmt.Errorf("receiving from redis channel %q: %w", s.channel, err)
	}
}

// Close unsubscribes and releases the Pub/Sub connection.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pubsub.Close()
}

// Publisher publishes payloads with PUBLISH.
type Publisher struct {
	client *goredis.Client
	owned  bool
}

// NewPublisher publishes through client. If owned is true, Close also closes
// the client.
func NewPublisher(client *goredis.Client, owned bool) *Publisher {
	return &Publisher{client: client, owned: owned}
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis channel %q: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}

var (
	_ transport.Source    = (*Source)(nil)
	_ transport.Publisher = (*Publisher)(nil)
)
