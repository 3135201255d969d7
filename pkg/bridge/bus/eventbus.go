// Package bus is a small in-process publish/subscribe bus with MQTT-style
// topic patterns. The bridge uses it as its local transport and as the test
// double for networked transports.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

var (
	ErrNotStarted  = errors.New("event bus not started")
	ErrStopped     = errors.New("event bus stopped")
	ErrChannelFull = errors.New("event bus channel full")
)

type EventBus interface {
	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, topic string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	Publish(ctx context.Context, topic string, payload any) error
	PublishSync(ctx context.Context, topic string, payload any) error
}

type messageType int

const (
	messageTypeEvent messageType = iota
	messageTypeEventSync
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypeUnsubscribeAll
)

// busMessage is the unit of work handed to the bus goroutine.
type busMessage struct {
	ctx        context.Context
	msgType    messageType
	topic      string
	payload    any
	subscriber Subscriber
	responseCh chan error
}

// basicEventBus serializes every subscription change and delivery through a
// single goroutine, so the subscription table needs no lock.
type basicEventBus struct {
	ch            chan busMessage
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       atomic.Bool
	stopped       atomic.Bool
	subscriptions map[Subscriber]map[string]matcher
	logger        *zap.Logger

	publishCounter  o11y.Counter
	errorCounter    o11y.Counter
	subscriberGauge o11y.Gauge
	tracingProvider o11y.TracingProvider
}

// Start begins the bus's message processing goroutine.
func (b *basicEventBus) Start() error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("event bus already started")
	}

	b.wg.Add(1)
	go b.run()

	return nil
}

func (b *basicEventBus) run() {
	defer b.wg.Done()
	b.logger.Debug("EventBus started")

	for {
		select {
		case msg := <-b.ch:
			b.dispatch(msg)
		case <-b.ctx.Done():
			b.logger.Debug("EventBus stopping")
			return
		}
	}
}

func (b *basicEventBus) dispatch(msg busMessage) {
	var err error

	switch msg.msgType {
	case messageTypeEvent:
		err = b.deliver(msg)
	case messageTypeEventSync:
		err = b.deliver(msg)
		msg.responseCh <- err
	case messageTypeSubscribe:
		err = b.doSubscribe(msg)
	case messageTypeUnsubscribe:
		err = b.doUnsubscribe(msg)
	case messageTypeUnsubscribeAll:
		err = b.doUnsubscribeAll(msg)
	default:
		b.logger.Debug("EventBus received unknown message type", zap.Int("msgType", int(msg.msgType)))
		return
	}

	if err != nil {
		b.logger.Error("EventBus operation failed",
			zap.Int("msgType", int(msg.msgType)),
			zap.String("topic", msg.topic),
			zap.Error(err),
		)
		if b.errorCounter != nil {
			b.errorCounter.Add(msg.ctx, 1, o11y.Label{Key: "topic", Value: msg.topic})
		}
	}
}

// deliver calls OnEvent once per subscriber whose patterns match the topic and
// returns the first error.
func (b *basicEventBus) deliver(msg busMessage) error {
	var firstErr error

	for subscriber, matchers := range b.subscriptions {
		for _, match := range matchers {
			ok, fields := match(msg.topic)
			if !ok {
				continue
			}
			if err := subscriber.OnEvent(msg.ctx, msg.topic, msg.payload, fields); err != nil {
				if firstErr == nil {
					firstErr = err
				} else {
					b.logger.Error("Error in OnEvent", zap.String("topic", msg.topic), zap.Error(err))
				}
			}
			break
		}
	}

	return firstErr
}

func (b *basicEventBus) doSubscribe(msg busMessage) error {
	current, ok := b.subscriptions[msg.subscriber]
	if !ok {
		current = make(map[string]matcher)
		b.subscriptions[msg.subscriber] = current
	}
	current[msg.topic] = makeMatcher(msg.topic)
	b.updateSubscriberGauge(msg.ctx)

	err := msg.subscriber.OnSubscribe(msg.ctx, msg.topic)
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribe(msg busMessage) error {
	current, ok := b.subscriptions[msg.subscriber]
	if !ok {
		msg.responseCh <- nil // not subscribed - not an error
		return nil
	}

	delete(current, msg.topic)
	if len(current) == 0 {
		delete(b.subscriptions, msg.subscriber)
	}
	b.updateSubscriberGauge(msg.ctx)

	err := msg.subscriber.OnUnsubscribe(msg.ctx, msg.topic)
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribeAll(msg busMessage) error {
	delete(b.subscriptions, msg.subscriber)
	b.updateSubscriberGauge(msg.ctx)

	err := msg.subscriber.OnUnsubscribe(msg.ctx, "")
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) updateSubscriberGauge(ctx context.Context) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(len(b.subscriptions)))
	}
}

// Publish queues an event for asynchronous delivery. Events published before
// Start or after Stop are dropped with a warning.
func (b *basicEventBus) Publish(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.accept(busMessage{
		ctx:     ctx,
		msgType: messageTypeEvent,
		topic:   topic,
		payload: payload,
	})
}

// PublishSync delivers an event and waits until every matching subscriber has
// handled it, returning the first subscriber error.
func (b *basicEventBus) PublishSync(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic}, o11y.Label{Key: "mode", Value: "sync"})
	}

	return b.request(busMessage{
		ctx:     ctx,
		msgType: messageTypeEventSync,
		topic:   topic,
		payload: payload,
	})
}

func (b *basicEventBus) Subscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeSubscribe, topic: topic, subscriber: subscriber})
}

func (b *basicEventBus) Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeUnsubscribe, topic: topic, subscriber: subscriber})
}

func (b *basicEventBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeUnsubscribeAll, subscriber: subscriber})
}

// request sends a message that expects a response and waits for it.
func (b *basicEventBus) request(msg busMessage) error {
	if msg.ctx == nil {
		msg.ctx = context.Background()
	}
	msg.responseCh = make(chan error, 1)

	if err := b.accept(msg); err != nil {
		return err
	}

	select {
	case err := <-msg.responseCh:
		return err
	case <-b.ctx.Done():
		return ErrStopped
	case <-msg.ctx.Done():
		return msg.ctx.Err()
	}
}

// accept hands a message to the bus goroutine without blocking.
func (b *basicEventBus) accept(msg busMessage) error {
	if !b.started.Load() {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.topic))
		return ErrNotStarted
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		b.logger.Debug("EventBus stopped, message ignored", zap.String("topic", msg.topic))
		return ErrStopped
	default:
		b.logger.Warn("Event bus channel full, message dropped", zap.String("topic", msg.topic))
		return ErrChannelFull
	}
}

// Stop shuts down the bus goroutine. Queued messages are discarded.
func (b *basicEventBus) Stop() error {
	if !b.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}
	b.stopped.Store(true)

	b.cancel()
	b.wg.Wait()

	b.logger.Debug("EventBus stopped")
	return nil
}
