package server

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

const (
	// DefaultPushInterval is how often each connection pushes the cell value.
	DefaultPushInterval = 100 * time.Millisecond

	// DefaultWriteTimeout bounds a single frame write. A client that cannot
	// accept a frame within this time is disconnected.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit caps inbound client frames, which are discarded anyway.
	DefaultReadLimit = 32768
)

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	cell            *bridge.Cell
	logger          *zap.Logger
	clock           clockwork.Clock
	pushInterval    time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	metricsProvider o11y.MetricsProvider
	encodeFrame     func(bridge.Snapshot) ([]byte, error)
}

// NewListenerConfig creates a new ListenerConfig for building a WebSocket Listener.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithCell(cell).
//	    WithLogger(logger).
//	    WithPushInterval(250 * time.Millisecond).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		pushInterval: DefaultPushInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		encodeFrame:  encodeSnapshot,
	}
}

// WithCell sets the cell whose value is streamed to clients. Required.
func (c *ListenerConfig) WithCell(cell *bridge.Cell) *ListenerConfig {
	c.cell = cell
	return c
}

// WithLogger sets the Logger for the WebSocket Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithClock sets the clock driving the push ticker.
//
// Default: the real clock
func (c *ListenerConfig) WithClock(clock clockwork.Clock) *ListenerConfig {
	c.clock = clock
	return c
}

// WithPushInterval sets the interval between pushes. Non-positive values
// are ignored.
//
// Default: 100 milliseconds
func (c *ListenerConfig) WithPushInterval(interval time.Duration) *ListenerConfig {
	if interval > 0 {
		c.pushInterval = interval
	}
	return c
}

// WithWriteTimeout sets the timeout for writing a frame to a client.
// Non-positive values are ignored.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum size of a client frame.
//
// Default: 32KB
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithMetrics sets the metrics provider. A nil provider disables metrics.
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's missing.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.cell == nil {
		missing = append(missing, "Cell")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new WebSocket Listener from the configuration.
// Returns an error if the configuration is invalid (missing Cell or Logger).
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}

	return newListener(c), nil
}
