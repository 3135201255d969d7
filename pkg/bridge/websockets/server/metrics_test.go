package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

// testMetricsProvider implements MetricsProvider for testing
type testMetricsProvider struct {
	counters   map[string]*testCounter
	histograms map[string]*testHistogram
	gauges     map[string]*testGauge
	mu         sync.RWMutex
}

func newTestMetricsProvider() *testMetricsProvider {
	return &testMetricsProvider{
		counters:   make(map[string]*testCounter),
		histograms: make(map[string]*testHistogram),
		gauges:     make(map[string]*testGauge),
	}
}

func (p *testMetricsProvider) Counter(name string) o11y.Counter {
	return p.counter(name)
}

func (p *testMetricsProvider) Histogram(name string) o11y.Histogram {
	return p.histogram(name)
}

func (p *testMetricsProvider) Gauge(name string) o11y.Gauge {
	return p.gauge(name)
}

func (p *testMetricsProvider) counter(name string) *testCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter, exists := p.counters[name]; exists {
		return counter
	}
	counter := &testCounter{}
	p.counters[name] = counter
	return counter
}

func (p *testMetricsProvider) histogram(name string) *testHistogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if histogram, exists := p.histograms[name]; exists {
		return histogram
	}
	histogram := &testHistogram{}
	p.histograms[name] = histogram
	return histogram
}

func (p *testMetricsProvider) gauge(name string) *testGauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gauge, exists := p.gauges[name]; exists {
		return gauge
	}
	gauge := &testGauge{}
	p.gauges[name] = gauge
	return gauge
}

// Test metric implementations
type testCounter struct {
	value  int64
	labels []o11y.Label
	mu     sync.RWMutex
}

func (c *testCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += value
	c.labels = labels
}

func (c *testCounter) getValue() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *testCounter) getLabels() []o11y.Label {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labels
}

type testHistogram struct {
	values []float64
	mu     sync.RWMutex
}

func (h *testHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, value)
}

func (h *testHistogram) getValues() []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]float64(nil), h.values...)
}

type testGauge struct {
	value float64
	mu    sync.RWMutex
}

func (g *testGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
}

func (g *testGauge) getValue() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

func TestNewWebSocketMetrics(t *testing.T) {
	t.Run("with provider", func(t *testing.T) {
		metrics := NewWebSocketMetrics(newTestMetricsProvider())

		if metrics == nil {
			t.Fatal("Expected metrics to be non-nil")
		}
		if metrics.activeConnections == nil {
			t.Error("activeConnections should be initialized")
		}
		if metrics.pushes == nil {
			t.Error("pushes should be initialized")
		}
		if metrics.sendErrors == nil {
			t.Error("sendErrors should be initialized")
		}
	})

	t.Run("with nil provider", func(t *testing.T) {
		if metrics := NewWebSocketMetrics(nil); metrics != nil {
			t.Error("Expected metrics to be nil when provider is nil")
		}
	})
}

func TestWebSocketMetrics_ConnectionLifecycle(t *testing.T) {
	provider := newTestMetricsProvider()
	metrics := NewWebSocketMetrics(provider)
	ctx := context.Background()

	metrics.RecordConnectionStart(ctx)
	if got := provider.counter("websocket_connections_total").getValue(); got != 1 {
		t.Errorf("Expected total connections to be 1, got %d", got)
	}

	metrics.RecordConnectionActive(ctx, 5)
	if got := provider.gauge("websocket_active_connections").getValue(); got != 5.0 {
		t.Errorf("Expected active connections to be 5.0, got %f", got)
	}

	metrics.RecordConnectionEnd(ctx, 30*time.Second)
	values := provider.histogram("websocket_connection_duration_seconds").getValues()
	if len(values) != 1 || values[0] != 30.0 {
		t.Errorf("Expected a single 30.0 second duration, got %v", values)
	}

	metrics.RecordConnectionError(ctx, "accept")
	connErrors := provider.counter("websocket_connection_errors_total")
	if connErrors.getValue() != 1 {
		t.Errorf("Expected connection errors to be 1, got %d", connErrors.getValue())
	}
	labels := connErrors.getLabels()
	if len(labels) != 1 || labels[0].Key != "error_type" || labels[0].Value != "accept" {
		t.Errorf("Expected error_type label with value 'accept', got %v", labels)
	}
}

func TestWebSocketMetrics_Pushes(t *testing.T) {
	provider := newTestMetricsProvider()
	metrics := NewWebSocketMetrics(provider)
	ctx := context.Background()

	metrics.RecordPush(ctx, 14, false)
	metrics.RecordPush(ctx, 17, true)

	pushes := provider.counter("websocket_pushes_total")
	if pushes.getValue() != 2 {
		t.Errorf("Expected pushes to be 2, got %d", pushes.getValue())
	}
	labels := pushes.getLabels()
	if len(labels) != 1 || labels[0].Key != "present" || labels[0].Value != "true" {
		t.Errorf("Expected present=true label on last push, got %v", labels)
	}

	sizes := provider.histogram("websocket_frame_size_bytes").getValues()
	if len(sizes) != 2 || sizes[0] != 14 || sizes[1] != 17 {
		t.Errorf("Expected frame sizes [14 17], got %v", sizes)
	}

	metrics.RecordSendError(ctx, SendErrorTimeout)
	sendErrors := provider.counter("websocket_send_errors_total")
	if sendErrors.getValue() != 1 {
		t.Errorf("Expected send errors to be 1, got %d", sendErrors.getValue())
	}
	if labels := sendErrors.getLabels(); len(labels) != 1 || labels[0].Value != "timeout" {
		t.Errorf("Expected reason=timeout label, got %v", labels)
	}
}

func TestWebSocketMetrics_NilSafety(t *testing.T) {
	var metrics *WebSocketMetrics
	ctx := context.Background()

	// These should not panic
	metrics.RecordConnectionStart(ctx)
	metrics.RecordConnectionActive(ctx, 1)
	metrics.RecordConnectionEnd(ctx, time.Second)
	metrics.RecordConnectionError(ctx, "test")
	metrics.RecordPush(ctx, 10, true)
	metrics.RecordSendError(ctx, SendErrorIO)
}

func TestWebSocketMetrics_ConcurrentAccess(t *testing.T) {
	provider := newTestMetricsProvider()
	metrics := NewWebSocketMetrics(provider)
	ctx := context.Background()

	const numGoroutines = 10
	const numOperations = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				metrics.RecordConnectionStart(ctx)
				metrics.RecordPush(ctx, 16, true)
			}
		}()
	}

	wg.Wait()

	expectedTotal := int64(numGoroutines * numOperations)
	if got := provider.counter("websocket_connections_total").getValue(); got != expectedTotal {
		t.Errorf("Expected total connections to be %d, got %d", expectedTotal, got)
	}
	if got := provider.counter("websocket_pushes_total").getValue(); got != expectedTotal {
		t.Errorf("Expected pushes to be %d, got %d", expectedTotal, got)
	}
}
