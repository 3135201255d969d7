// Package server accepts WebSocket clients and streams the bridge cell to
// each of them.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Listener accepts WebSocket connections and runs one Connection per client.
type Listener struct {
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *WebSocketMetrics

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// newListener creates a new WebSocket listener from the provided configuration.
// Use NewListenerConfig().Build() instead.
func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:      config.logger,
		config:      config,
		metrics:     NewWebSocketMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeWebsocket upgrades the request and streams to the client until it
// disconnects. It can be registered directly on an http.ServeMux.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		l.metrics.RecordConnectionError(r.Context(), "accept")
		return
	}

	connection := newConnection(r.Context(), conn, l.config, l.metrics)

	// checked under the lock so Shutdown's snapshot cannot miss this connection
	l.connMutex.Lock()
	select {
	case <-l.shutdown:
		l.connMutex.Unlock()
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		connection.cancel()
		return
	default:
	}
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(r.Context())
	l.metrics.RecordConnectionActive(r.Context(), connCount)

	l.logger.Debug("WebSocket connection established",
		zap.String("connection_id", connection.ID().String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Int("active_connections", connCount),
	)

	if err := connection.Stream(); err != nil {
		l.logger.Error("WebSocket stream failed",
			zap.String("connection_id", connection.ID().String()),
			zap.Error(err),
		)
		l.metrics.RecordConnectionError(r.Context(), "stream")
	}

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionActive(context.Background(), connCount)

	l.logger.Debug("WebSocket connection removed from tracking",
		zap.String("connection_id", connection.ID().String()),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting connections, closes the active ones with
// StatusGoingAway and waits until they have all finished or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")

		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active WebSocket connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All WebSocket connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
