package server

import (
	"context"
	"time"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

// WebSocketMetrics holds the instruments recorded by the listener and its
// connections. All methods are safe to call on a nil receiver.
type WebSocketMetrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter

	pushes     o11y.Counter
	frameSize  o11y.Histogram
	sendErrors o11y.Counter
}

// NewWebSocketMetrics creates a new WebSocketMetrics instance using the provided MetricsProvider.
// If the provider is nil, returns nil (no metrics will be collected).
func NewWebSocketMetrics(provider o11y.MetricsProvider) *WebSocketMetrics {
	if provider == nil {
		return nil
	}

	return &WebSocketMetrics{
		activeConnections:  provider.Gauge("websocket_active_connections"),
		totalConnections:   provider.Counter("websocket_connections_total"),
		connectionDuration: provider.Histogram("websocket_connection_duration_seconds"),
		connectionErrors:   provider.Counter("websocket_connection_errors_total"),

		pushes:     provider.Counter("websocket_pushes_total"),
		frameSize:  provider.Histogram("websocket_frame_size_bytes"),
		sendErrors: provider.Counter("websocket_send_errors_total"),
	}
}

// RecordConnectionStart records when a new WebSocket connection is established.
func (m *WebSocketMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

// RecordConnectionActive updates the active connection count.
func (m *WebSocketMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

// RecordConnectionEnd records when a WebSocket connection ends and its duration.
func (m *WebSocketMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records accept failures and unexpected stream errors.
func (m *WebSocketMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

func (m *WebSocketMetrics) RecordPush(ctx context.Context, sizeBytes int, present bool) {
	if m == nil {
		return
	}
	label := o11y.Label{Key: "present", Value: "false"}
	if present {
		label.Value = "true"
	}
	m.pushes.Add(ctx, 1, label)
	m.frameSize.Record(ctx, float64(sizeBytes))
}

// RecordSendError records a failed push, labelled with the SendError reason.
func (m *WebSocketMetrics) RecordSendError(ctx context.Context, reason SendErrorReason) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, o11y.Label{Key: "reason", Value: string(reason)})
}
