package service

import (
	"context"
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/tsarna/wsbridge/pkg/bridge/bus"
	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/kafka"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/local"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/redis"
)

// openSource subscribes to the configured topic on the configured transport.
func (s *Service) openSource(ctx context.Context) (transport.Source, error) {
	cfg := s.config
	logger := s.logger.Named("transport")

	switch cfg.Transport {
	case config.TransportLocal:
		if err := s.bus.Start(); err != nil {
			return nil, fmt.Errorf("starting event bus: %w", err)
		}
		if s.logger.Core().Enabled(zapcore.DebugLevel) {
			tap := bus.NewLoggingSubscriber(nil, s.logger.Named("bus"), zapcore.DebugLevel)
			if err := s.bus.Subscribe(ctx, tap, "#"); err != nil {
				return nil, fmt.Errorf("subscribing bus logger: %w", err)
			}
		}
		return local.NewSource(ctx, s.bus, cfg.Topic, logger)

	case config.TransportRedis:
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		source, err := redis.NewSource(ctx, client, cfg.Topic, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		return source, nil

	case config.TransportKafka:
		return kafka.NewSource(cfg.Kafka, cfg.Topic, logger)

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewPublisher connects a publisher for the configured networked transport.
// The local transport lives inside a running server and is reached through
// its /publish endpoint instead.
func NewPublisher(ctx context.Context, cfg *config.Config) (transport.Publisher, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redis.NewPublisher(client, true), nil

	case config.TransportKafka:
		return kafka.NewPublisher(cfg.Kafka)

	case config.TransportLocal:
		return nil, fmt.Errorf("the local transport has no standalone publisher; use the server's /publish endpoint")

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
