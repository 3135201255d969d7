// Package metrics provides an in-process metrics provider for running
// without an OpenTelemetry collector. Values are kept in memory and exposed
// as a point-in-time Snapshot.
package metrics

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

// HistogramSummary aggregates every value recorded by a histogram.
type HistogramSummary struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Snapshot is the state of a Registry at a moment in time. Series are keyed
// by name with labels appended as name{key="value",...}.
type Snapshot struct {
	Timestamp   time.Time                   `json:"timestamp"`
	ServiceName string                      `json:"service_name"`
	Counters    map[string]int64            `json:"counters"`
	Histograms  map[string]HistogramSummary `json:"histograms"`
	Gauges      map[string]float64          `json:"gauges"`
}

// Registry is an o11y.MetricsProvider that keeps every series in memory.
type Registry struct {
	serviceName string
	now         func() time.Time

	counters   sync.Map // series key -> *atomic.Int64
	histograms sync.Map // series key -> *histogram
	gauges     sync.Map // series key -> *atomic.Uint64 (float64 bits)
}

var _ o11y.MetricsProvider = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(serviceName string) *Registry {
	return &Registry{serviceName: serviceName, now: time.Now}
}

func (r *Registry) Counter(name string) o11y.Counter {
	return &counter{registry: r, name: name}
}

func (r *Registry) Histogram(name string) o11y.Histogram {
	return &histogramHandle{registry: r, name: name}
}

func (r *Registry) Gauge(name string) o11y.Gauge {
	return &gauge{registry: r, name: name}
}

// Snapshot collects the current value of every series.
func (r *Registry) Snapshot() Snapshot {
	snapshot := Snapshot{
		Timestamp:   r.now(),
		ServiceName: r.serviceName,
		Counters:    make(map[string]int64),
		Histograms:  make(map[string]HistogramSummary),
		Gauges:      make(map[string]float64),
	}

	r.counters.Range(func(key, value any) bool {
		snapshot.Counters[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	r.histograms.Range(func(key, value any) bool {
		snapshot.Histograms[key.(string)] = value.(*histogram).summary()
		return true
	})
	r.gauges.Range(func(key, value any) bool {
		snapshot.Gauges[key.(string)] = math.Float64frombits(value.(*atomic.Uint64).Load())
		return true
	})

	return snapshot
}

// seriesKey renders name and labels as name{a="1",b="2"} with labels sorted.
func seriesKey(name string, labels []o11y.Label) string {
	if len(labels) == 0 {
		return name
	}

	sorted := make([]o11y.Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, l := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteString(`="`)
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

type counter struct {
	registry *Registry
	name     string
}

func (c *counter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	key := seriesKey(c.name, labels)
	v, _ := c.registry.counters.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(value)
}

type gauge struct {
	registry *Registry
	name     string
}

func (g *gauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	key := seriesKey(g.name, labels)
	v, _ := g.registry.gauges.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Store(math.Float64bits(value))
}

type histogramHandle struct {
	registry *Registry
	name     string
}

func (h *histogramHandle) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	key := seriesKey(h.name, labels)
	v, _ := h.registry.histograms.LoadOrStore(key, &histogram{})
	v.(*histogram).record(value)
}

type histogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
	min   float64
	max   float64
}

func (h *histogram) record(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || value < h.min {
		h.min = value
	}
	if h.count == 0 || value > h.max {
		h.max = value
	}
	h.count++
	h.sum += value
}

func (h *histogram) summary() HistogramSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HistogramSummary{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
}
