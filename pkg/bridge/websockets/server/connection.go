package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	ConnAccepted ConnState = iota
	ConnStreaming
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAccepted:
		return "accepted"
	case ConnStreaming:
		return "streaming"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

func encodeSnapshot(s bridge.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Connection streams the cell value to one WebSocket client.
//
// Each Connection runs its own push loop and a reader that discards client
// frames. A failure on this connection never reaches the pump or any other
// connection.
type Connection struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *websocket.Conn
	cell    *bridge.Cell
	logger  *zap.Logger
	clock   clockwork.Clock
	config  *ListenerConfig
	metrics *WebSocketMetrics

	state     atomic.Int32
	startTime time.Time
	closeOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig, metrics *WebSocketMetrics) *Connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(ctx)

	return &Connection{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		cell:      config.cell,
		logger:    config.logger.With(zap.String("connection_id", id.String())),
		clock:     config.clock,
		config:    config,
		metrics:   metrics,
		startTime: config.clock.Now(),
	}
}

// ID returns the random identifier used to correlate this connection's logs.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Stream pushes the cell value immediately and then once per push interval
// until the client goes away, the request context ends or the listener
// shuts down. Send failures end the stream and are not returned; any other
// error is.
func (c *Connection) Stream() error {
	c.state.Store(int32(ConnStreaming))
	defer c.close()

	c.logger.Debug("Starting WebSocket stream", zap.Duration("push_interval", c.config.pushInterval))

	go c.discardReader()

	ticker := c.clock.NewTicker(c.config.pushInterval)
	defer ticker.Stop()

	for {
		if err := c.push(); err != nil {
			var sendErr *SendError
			if errors.As(err, &sendErr) {
				c.logSendError(sendErr)
				c.metrics.RecordSendError(c.ctx, sendErr.Reason)
				return nil
			}
			return err
		}

		select {
		case <-c.ctx.Done():
			c.logger.Debug("WebSocket stream stopping", zap.NamedError("cause", context.Cause(c.ctx)))
			return nil
		case <-ticker.Chan():
		}
	}
}

func (c *Connection) push() error {
	snapshot := c.cell.Snapshot()

	data, err := c.config.encodeFrame(snapshot)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return newSendError(writeCtx, err)
	}

	c.metrics.RecordPush(c.ctx, len(data), snapshot.Present)
	return nil
}

func (c *Connection) logSendError(err *SendError) {
	switch err.Reason {
	case SendErrorClosed, SendErrorCanceled:
		c.logger.Debug("WebSocket client gone, ending stream", zap.String("reason", string(err.Reason)), zap.Error(err.Err))
	default:
		c.logger.Info("WebSocket send failed, ending stream", zap.String("reason", string(err.Reason)), zap.Error(err.Err))
	}
}

// discardReader drains client frames so control frames are processed and a
// client close is noticed. It cancels the connection context when the read
// side ends.
func (c *Connection) discardReader() {
	defer c.cancel()

	c.conn.SetReadLimit(c.config.readLimit)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("WebSocket connection closed by client", zap.Int("close_status", int(status)))
			} else if c.ctx.Err() == nil {
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Discarding client message", zap.Int("size", len(data)))
	}
}

// close moves the connection to Closed and releases the socket.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnClosed))

		err := c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			// expected when the client already closed or shutdownClose ran
			c.logger.Debug("WebSocket close error", zap.Error(err))
		}
		c.cancel()

		duration := c.clock.Since(c.startTime)
		c.metrics.RecordConnectionEnd(context.Background(), duration)
		c.logger.Debug("WebSocket connection closed", zap.Duration("duration", duration))
	})
}

// shutdownClose closes the socket with code and reason. The stream notices
// on its next write or when the reader returns.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	c.logger.Debug("Closing connection for shutdown",
		zap.Int("close_code", int(code)),
		zap.String("reason", reason),
	)

	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
	c.cancel()
}
