// Package pump moves messages from a transport Source into a bridge Cell.
package pump

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

// ErrAlreadyRunning is returned by Run when the pump has already been started.
var ErrAlreadyRunning = errors.New("pump already running")

// Pump is the single writer of a Cell. It polls its Source in a loop, decodes
// each message and stores the result, pausing briefly between polls.
type Pump struct {
	source        transport.Source
	cell          *bridge.Cell
	decoder       payload.Decoder
	logger        *zap.Logger
	clock         clockwork.Clock
	pollTimeout   time.Duration
	yieldInterval time.Duration
	running       atomic.Bool

	pollCounter      o11y.Counter
	receivedCounter  o11y.Counter
	malformedCounter o11y.Counter
	errorCounter     o11y.Counter
	tracingProvider  o11y.TracingProvider
}

// Run polls until the source is closed or ctx is cancelled, then returns nil.
// Malformed messages and transient poll errors are logged and skipped.
// A Pump can only be run once.
func (p *Pump) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	p.logger.Info("Pump started",
		zap.Duration("pollTimeout", p.pollTimeout),
		zap.Duration("yieldInterval", p.yieldInterval),
	)

	for {
		if ctx.Err() != nil {
			p.logger.Info("Pump stopping", zap.String("reason", "context done"))
			return nil
		}

		if !p.pollOnce(ctx) {
			p.logger.Info("Pump stopping", zap.String("reason", "source closed"))
			return nil
		}

		if p.yieldInterval > 0 {
			select {
			case <-ctx.Done():
			case <-p.clock.After(p.yieldInterval):
			}
		}
	}
}

// pollOnce performs one poll and reports whether the loop should continue.
func (p *Pump) pollOnce(ctx context.Context) bool {
	if p.pollCounter != nil {
		p.pollCounter.Add(ctx, 1)
	}

	msg, err := p.source.Poll(ctx, p.pollTimeout)
	switch {
	case err == nil:
		p.handle(ctx, msg)
		return true
	case errors.Is(err, transport.ErrNoMessage):
		return true
	case errors.Is(err, transport.ErrClosed):
		return false
	case ctx.Err() != nil:
		return false
	default:
		p.logger.Warn("Poll failed", zap.Error(err))
		if p.errorCounter != nil {
			p.errorCounter.Add(ctx, 1)
		}
		return true
	}
}

func (p *Pump) handle(ctx context.Context, msg transport.Message) {
	var span o11y.Span
	if p.tracingProvider != nil {
		ctx, span = p.tracingProvider.StartSpan(ctx, "pump.message")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: msg.Topic})
	}

	value, err := p.decoder.Decode(ctx, msg)
	if err != nil {
		if span != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		}

		var malformed *payload.MalformedError
		if errors.As(err, &malformed) {
			p.logger.Warn("Skipping malformed message",
				zap.String("topic", msg.Topic),
				zap.Int("size", len(msg.Payload)),
				zap.Error(err),
			)
			if p.malformedCounter != nil {
				p.malformedCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: msg.Topic})
			}
		} else {
			// custom decoders may fail without a MalformedError
			p.logger.Error("Decoding message failed", zap.String("topic", msg.Topic), zap.Error(err))
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1)
			}
		}
		return
	}

	p.cell.Set(value)

	if span != nil {
		span.SetStatus(o11y.SpanStatusOK, "")
	}
	if p.receivedCounter != nil {
		p.receivedCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: msg.Topic})
	}
	if ce := p.logger.Check(zap.DebugLevel, "Message received"); ce != nil {
		ce.Write(zap.String("topic", msg.Topic), zap.Int("size", len(value)))
	}
}
