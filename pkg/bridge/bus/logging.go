package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingSubscriber logs every call it receives and then passes it on to
// the wrapped subscriber, if there is one.
type LoggingSubscriber struct {
	wrapped  Subscriber
	logger   *zap.Logger
	logLevel zapcore.Level
}

// NewLoggingSubscriber creates a LoggingSubscriber. With a nil wrapped
// subscriber it only logs.
func NewLoggingSubscriber(wrapped Subscriber, logger *zap.Logger, logLevel zapcore.Level) *LoggingSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSubscriber{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
	}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "Subscribed", zap.String("topic", topic))

	if l.wrapped != nil {
		return l.wrapped.OnSubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "Unsubscribed", zap.String("topic", topic))

	if l.wrapped != nil {
		return l.wrapped.OnUnsubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	if ce := l.logger.Check(l.logLevel, "Bus event"); ce != nil {
		var messageStr string
		switch v := message.(type) {
		case string:
			messageStr = v
		case []byte:
			messageStr = string(v)
		case nil:
			messageStr = "<nil>"
		default:
			messageStr = fmt.Sprintf("%v", v)
		}

		logFields := []zap.Field{
			zap.String("topic", topic),
			zap.String("message", messageStr),
		}
		if len(fields) > 0 {
			logFields = append(logFields, zap.Any("fields", fields))
		}
		ce.Write(logFields...)
	}

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, topic, message, fields)
	}
	return nil
}
