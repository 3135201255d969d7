// Package service wires the bridge together: it owns the cell, runs the
// pump against the configured transport and serves WebSocket clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/bus"
	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/pump"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
	"github.com/tsarna/wsbridge/pkg/bridge/websockets/server"
)

// ErrAlreadyStarted is returned by Startup on every call after the first.
var ErrAlreadyStarted = errors.New("service already started")

// Service is a running bridge.
type Service struct {
	config   *config.Config
	logger   *zap.Logger
	clock    clockwork.Clock
	cell     *bridge.Cell
	decoder  payload.Decoder
	listener *server.Listener
	bus      bus.EventBus
	source   transport.Source
	stats    *cron.Cron
	closers  []func() error

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	started     atomic.Bool
	pumpRunning atomic.Bool
	pumpDone    chan struct{}
	cancelPump  context.CancelFunc
	stopOnce    sync.Once
}

// Cell returns the cell the pump writes to.
func (s *Service) Cell() *bridge.Cell {
	return s.cell
}

// Listener returns the WebSocket listener.
func (s *Service) Listener() *server.Listener {
	return s.listener
}

// Startup opens the transport subscription and spawns the pump. It must be
// called exactly once; later calls return ErrAlreadyStarted. An error here
// means the bridge cannot run.
func (s *Service) Startup(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if s.source == nil {
		source, err := s.openSource(ctx)
		if err != nil {
			return fmt.Errorf("subscribing to %s topic %q: %w", s.config.Transport, s.config.Topic, err)
		}
		s.source = source
	}

	p, err := pump.NewPump().
		WithSource(s.source).
		WithCell(s.cell).
		WithDecoder(s.decoder).
		WithLogger(s.logger.Named("pump")).
		WithClock(s.clock).
		WithPollTimeout(s.config.Pump.PollTimeout).
		WithYieldInterval(s.config.Pump.YieldInterval).
		WithMetrics(s.metricsProvider).
		WithTracing(s.tracingProvider).
		Build()
	if err != nil {
		return fmt.Errorf("building pump: %w", err)
	}

	if s.config.Stats.Schedule != "" {
		if s.stats, err = s.newStatsReporter(s.config.Stats.Schedule); err != nil {
			return err
		}
		s.stats.Start()
	}

	// the pump outlives the startup context
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelPump = cancel

	s.pumpRunning.Store(true)
	go func() {
		defer close(s.pumpDone)
		defer s.pumpRunning.Store(false)

		if err := p.Run(pumpCtx); err != nil {
			s.logger.Error("Pump exited with error", zap.Error(err))
		}
	}()

	s.logger.Info("Bridge started",
		zap.String("transport", s.config.Transport),
		zap.String("topic", s.config.Topic),
	)

	return nil
}

// PumpRunning reports whether the pump goroutine is active.
func (s *Service) PumpRunning() bool {
	return s.pumpRunning.Load()
}

// Shutdown closes every WebSocket connection, closes the transport so the
// pump exits, and stops the stats reporter. It waits for the pump until ctx
// is done.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	s.stopOnce.Do(func() {
		s.logger.Info("Bridge shutting down")

		if err := s.listener.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing websocket connections: %w", err))
		}

		if s.stats != nil {
			<-s.stats.Stop().Done()
		}

		if s.source != nil {
			if err := s.source.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing transport: %w", err))
			}
		}

		if s.started.Load() && s.cancelPump != nil {
			select {
			case <-s.pumpDone:
			case <-ctx.Done():
				s.cancelPump()
				errs = append(errs, fmt.Errorf("waiting for pump: %w", ctx.Err()))
			}
			s.cancelPump()
		}

		if s.bus != nil {
			if err := s.bus.Stop(); err != nil && !errors.Is(err, bus.ErrNotStarted) {
				errs = append(errs, fmt.Errorf("stopping event bus: %w", err))
			}
		}

		for _, closeFn := range s.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}
