package pump

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

const (
	// DefaultPollTimeout bounds how long a single poll may wait for a message.
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultYieldInterval is the pause between polls.
	DefaultYieldInterval = 10 * time.Millisecond
)

// Builder provides a fluent interface for creating a Pump.
type Builder struct {
	source          transport.Source
	cell            *bridge.Cell
	decoder         payload.Decoder
	logger          *zap.Logger
	clock           clockwork.Clock
	pollTimeout     time.Duration
	yieldInterval   time.Duration
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewPump creates a Builder with the default poll timeout, yield interval
// and JSON payload decoding.
func NewPump() *Builder {
	return &Builder{
		pollTimeout:   DefaultPollTimeout,
		yieldInterval: DefaultYieldInterval,
	}
}

// WithSource sets the transport the pump polls. Required.
func (b *Builder) WithSource(source transport.Source) *Builder {
	b.source = source
	return b
}

// WithCell sets the cell the pump writes to. Required.
func (b *Builder) WithCell(cell *bridge.Cell) *Builder {
	b.cell = cell
	return b
}

func (b *Builder) WithDecoder(decoder payload.Decoder) *Builder {
	b.decoder = decoder
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithPollTimeout(timeout time.Duration) *Builder {
	b.pollTimeout = timeout
	return b
}

func (b *Builder) WithYieldInterval(interval time.Duration) *Builder {
	b.yieldInterval = interval
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
	if b.source == nil {
		return fmt.Errorf("source is required")
	}
	if b.cell == nil {
		return fmt.Errorf("cell is required")
	}
	if b.pollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %v", b.pollTimeout)
	}
	if b.yieldInterval < 0 {
		return fmt.Errorf("yield interval must not be negative, got %v", b.yieldInterval)
	}
	return nil
}

// Build creates the Pump, returning an error if the configuration is invalid.
func (b *Builder) Build() (*Pump, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	decoder := b.decoder
	if decoder == nil {
		var err error
		if decoder, err = payload.NewDecoder(payload.ModeJSON, ""); err != nil {
			return nil, err
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	p := &Pump{
		source:          b.source,
		cell:            b.cell,
		decoder:         decoder,
		logger:          logger,
		clock:           clock,
		pollTimeout:     b.pollTimeout,
		yieldInterval:   b.yieldInterval,
		tracingProvider: b.tracingProvider,
	}

	if b.metricsProvider != nil {
		p.pollCounter = b.metricsProvider.Counter("bridge_pump_polls_total")
		p.receivedCounter = b.metricsProvider.Counter("bridge_messages_received_total")
		p.malformedCounter = b.metricsProvider.Counter("bridge_messages_malformed_total")
		p.errorCounter = b.metricsProvider.Counter("bridge_poll_errors_total")
	}

	return p, nil
}
