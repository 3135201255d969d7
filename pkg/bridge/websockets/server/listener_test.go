package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsarna/wsbridge/pkg/bridge"
)

type testEnv struct {
	cell     *bridge.Cell
	clock    *clockwork.FakeClock
	listener *Listener
	server   *httptest.Server
	metrics  *testMetricsProvider
	logs     *observer.ObservedLogs
}

func newTestEnv(t *testing.T, configure ...func(*ListenerConfig)) *testEnv {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	env := &testEnv{
		cell:    bridge.NewCell(),
		clock:   clockwork.NewFakeClock(),
		metrics: newTestMetricsProvider(),
		logs:    logs,
	}

	config := NewListenerConfig().
		WithCell(env.cell).
		WithLogger(zap.New(core)).
		WithClock(env.clock).
		WithMetrics(env.metrics)
	for _, fn := range configure {
		fn(config)
	}

	listener, err := config.Build()
	require.NoError(t, err)
	env.listener = listener
	env.server = httptest.NewServer(http.HandlerFunc(listener.ServeWebsocket))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, listener.Shutdown(ctx))
		env.server.Close()
	})

	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.server.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	return conn
}

type frame struct {
	Data *string `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msgType)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func requireNull(t *testing.T, f frame) {
	t.Helper()
	require.Nil(t, f.Data, "expected {\"data\": null}")
}

func requireValue(t *testing.T, f frame, want string) {
	t.Helper()
	require.NotNil(t, f.Data, "expected a value, got null")
	require.Equal(t, want, *f.Data)
}

func TestListenerConfig_IsValid(t *testing.T) {
	_, err := NewListenerConfig().Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cell")
	assert.Contains(t, err.Error(), "Logger")

	listener, err := NewListenerConfig().WithCell(bridge.NewCell()).WithLogger(zap.NewNop()).Build()
	require.NoError(t, err)
	assert.Equal(t, DefaultPushInterval, listener.config.pushInterval)
	assert.Equal(t, DefaultWriteTimeout, listener.config.writeTimeout)
	assert.NotNil(t, listener.config.clock)
}

func TestListenerConfig_IgnoresNonPositiveDurations(t *testing.T) {
	config := NewListenerConfig().
		WithPushInterval(0).
		WithWriteTimeout(-time.Second).
		WithReadLimit(0)

	assert.Equal(t, DefaultPushInterval, config.pushInterval)
	assert.Equal(t, DefaultWriteTimeout, config.writeTimeout)
	assert.Equal(t, int64(DefaultReadLimit), config.readLimit)
}

func TestStream_PushesNullBeforeAnyValue(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	requireNull(t, readFrame(t, conn))
	for range 3 {
		env.clock.Advance(DefaultPushInterval)
		requireNull(t, readFrame(t, conn))
	}
}

func TestStream_PushesLatestValueRepeatedly(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	requireNull(t, readFrame(t, conn))

	env.cell.Set("hello")
	env.clock.Advance(DefaultPushInterval)
	requireValue(t, readFrame(t, conn), "hello")

	for range 3 {
		env.clock.Advance(DefaultPushInterval)
		requireValue(t, readFrame(t, conn), "hello")
	}
}

func TestStream_OnlyLatestValueBetweenPushesIsSent(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	requireNull(t, readFrame(t, conn))

	env.cell.Set("a")
	env.cell.Set("b")
	env.clock.Advance(DefaultPushInterval)
	requireValue(t, readFrame(t, conn), "b")
}

func TestStream_FirstPushIsImmediate(t *testing.T) {
	env := newTestEnv(t)
	env.cell.Set("already here")

	conn := env.dial(t)
	requireValue(t, readFrame(t, conn), "already here")
}

func TestStream_TwoClientsConverge(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t)
	second := env.dial(t)

	requireNull(t, readFrame(t, first))
	requireNull(t, readFrame(t, second))

	env.cell.Set("x")
	env.clock.Advance(DefaultPushInterval)

	requireValue(t, readFrame(t, first), "x")
	requireValue(t, readFrame(t, second), "x")
}

func TestStream_DisconnectOnlyEndsThatConnection(t *testing.T) {
	env := newTestEnv(t)
	leaving := env.dial(t)
	staying := env.dial(t)

	readFrame(t, leaving)
	readFrame(t, staying)
	require.Eventually(t, func() bool { return env.listener.ConnectionCount() == 2 }, 5*time.Second, time.Millisecond)

	require.NoError(t, leaving.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return env.listener.ConnectionCount() == 1 }, 5*time.Second, time.Millisecond)

	env.cell.Set("still streaming")
	env.clock.Advance(DefaultPushInterval)
	requireValue(t, readFrame(t, staying), "still streaming")

	assert.Zero(t, env.logs.FilterLevelExact(zapcore.ErrorLevel).Len(), "a client disconnect is not an error")
}

func TestStream_ClientMessagesAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	requireNull(t, readFrame(t, conn))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"kind": "sub", "topic": "#"}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))

	require.Eventually(t, func() bool {
		return env.logs.FilterMessage("Discarding client message").Len() == 2
	}, 5*time.Second, time.Millisecond)

	env.clock.Advance(DefaultPushInterval)
	requireNull(t, readFrame(t, conn))
	assert.Equal(t, 1, env.listener.ConnectionCount())
}

func TestStream_EncodeFailureIsReportedToListener(t *testing.T) {
	env := newTestEnv(t, func(c *ListenerConfig) {
		c.encodeFrame = func(bridge.Snapshot) ([]byte, error) {
			return nil, errors.New("encoder broken")
		}
	})
	conn := env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return env.logs.FilterMessage("WebSocket stream failed").Len() == 1
	}, 5*time.Second, time.Millisecond)

	entry := env.logs.FilterMessage("WebSocket stream failed").All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, int64(1), env.metrics.counter("websocket_connection_errors_total").getValue())
}

func TestStream_RecordsMetrics(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	readFrame(t, conn)
	env.clock.Advance(DefaultPushInterval)
	readFrame(t, conn)

	assert.GreaterOrEqual(t, env.metrics.counter("websocket_pushes_total").getValue(), int64(2))
	assert.Equal(t, int64(1), env.metrics.counter("websocket_connections_total").getValue())
	assert.Equal(t, 1.0, env.metrics.gauge("websocket_active_connections").getValue())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return env.metrics.gauge("websocket_active_connections").getValue() == 0
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, env.metrics.histogram("websocket_connection_duration_seconds").getValues(), 1)
}

func TestListener_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the client has to keep reading for the close handshake to complete
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	require.NoError(t, env.listener.Shutdown(ctx))
	assert.Equal(t, 0, env.listener.ConnectionCount())
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))

	late := env.dial(t)
	_, _, err := late.Read(ctx)
	assert.Equal(t, websocket.StatusServiceRestart, websocket.CloseStatus(err))
}

func TestListener_ShutdownWithoutConnections(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.listener.Shutdown(ctx))
	assert.NoError(t, env.listener.Shutdown(ctx), "second shutdown is a no-op")
}

func TestListener_RejectsPlainHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, int64(1), env.metrics.counter("websocket_connection_errors_total").getValue())
}
