package service

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/bus"
	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
	"github.com/tsarna/wsbridge/pkg/bridge/websockets/server"
)

// Builder provides a fluent interface for creating a Service.
type Builder struct {
	config          *config.Config
	logger          *zap.Logger
	clock           clockwork.Clock
	source          transport.Source
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewService creates a Builder. Without WithConfig the defaults from
// config.Default are used.
func NewService() *Builder {
	return &Builder{}
}

func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock sets the clock used for push cadence, pump yields and stats.
func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

// WithSource overrides the transport selected by the configuration.
func (b *Builder) WithSource(source transport.Source) *Builder {
	b.source = source
	return b
}

func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metricsProvider = provider
	return b
}

func (b *Builder) WithTracing(provider o11y.TracingProvider) *Builder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *Builder) IsValid() error {
	if b.config == nil {
		return nil
	}
	return b.config.Validate()
}

// Build assembles the service. Nothing is connected or started until
// Startup is called.
func (b *Builder) Build() (*Service, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	cfg := b.config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	mode, err := payload.ParseMode(cfg.Pump.Payload)
	if err != nil {
		return nil, err
	}
	decoder, err := payload.NewDecoder(mode, cfg.Pump.Query)
	if err != nil {
		return nil, fmt.Errorf("payload decoder: %w", err)
	}

	cell := bridge.NewCell()

	listener, err := server.NewListenerConfig().
		WithCell(cell).
		WithLogger(logger.Named("websocket")).
		WithClock(clock).
		WithPushInterval(cfg.HTTP.PushInterval).
		WithWriteTimeout(cfg.HTTP.WriteTimeout).
		WithMetrics(b.metricsProvider).
		Build()
	if err != nil {
		return nil, fmt.Errorf("websocket listener: %w", err)
	}

	s := &Service{
		config:          cfg,
		logger:          logger,
		clock:           clock,
		cell:            cell,
		decoder:         decoder,
		listener:        listener,
		source:          b.source,
		metricsProvider: b.metricsProvider,
		tracingProvider: b.tracingProvider,
		pumpDone:        make(chan struct{}),
	}

	if cfg.Transport == config.TransportLocal && b.source == nil {
		s.bus, err = bus.NewEventBus().
			WithLogger(logger.Named("bus")).
			WithMetrics(b.metricsProvider).
			WithTracing(b.tracingProvider).
			Build()
		if err != nil {
			return nil, fmt.Errorf("event bus: %w", err)
		}
	}

	return s, nil
}
