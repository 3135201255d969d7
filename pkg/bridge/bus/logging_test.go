package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingSubscriber_Standalone(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sub := NewLoggingSubscriber(nil, zap.New(core), zapcore.InfoLevel)
	ctx := context.Background()

	require.NoError(t, sub.OnSubscribe(ctx, "a/b"))
	require.NoError(t, sub.OnEvent(ctx, "a/b", []byte("payload"), map[string]string{"id": "1"}))
	require.NoError(t, sub.OnEvent(ctx, "a/b", 42, nil))
	require.NoError(t, sub.OnUnsubscribe(ctx, "a/b"))

	all := logs.All()
	require.Len(t, all, 4)
	assert.Equal(t, "Subscribed", all[0].Message)
	assert.Equal(t, zapcore.InfoLevel, all[0].Level)

	assert.Equal(t, "Bus event", all[1].Message)
	assert.Equal(t, "payload", all[1].ContextMap()["message"])
	assert.Contains(t, all[1].ContextMap(), "fields")

	assert.Equal(t, "42", all[2].ContextMap()["message"])
	assert.NotContains(t, all[2].ContextMap(), "fields")

	assert.Equal(t, "Unsubscribed", all[3].Message)
}

func TestLoggingSubscriber_DisabledLevelSkipsFormatting(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sub := NewLoggingSubscriber(nil, zap.New(core), zapcore.DebugLevel)

	require.NoError(t, sub.OnEvent(context.Background(), "t", "x", nil))
	assert.Equal(t, 0, logs.Len())
}

func TestLoggingSubscriber_Wrapped(t *testing.T) {
	wrapped := &MockSubscriber{err: errors.New("wrapped failed")}
	sub := NewLoggingSubscriber(wrapped, nil, zapcore.DebugLevel)

	err := sub.OnEvent(context.Background(), "t", "x", nil)
	assert.EqualError(t, err, "wrapped failed")
	assert.Len(t, wrapped.Events(), 1)
}

func TestLoggingSubscriber_OnBus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	eventBus := newStartedBus(t)
	ctx := context.Background()

	sub := NewLoggingSubscriber(nil, zap.New(core), zapcore.DebugLevel)
	require.NoError(t, eventBus.Subscribe(ctx, sub, "#"))
	require.NoError(t, eventBus.PublishSync(ctx, "sensors/temp", "21.5"))

	entries := logs.FilterMessage("Bus event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "sensors/temp", entries[0].ContextMap()["topic"])
}
