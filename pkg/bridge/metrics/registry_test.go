package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/wsbridge/pkg/bridge/o11y"
)

func TestRegistry_Counter(t *testing.T) {
	r := NewRegistry("test")
	ctx := context.Background()

	c := r.Counter("requests_total")
	c.Add(ctx, 1)
	c.Add(ctx, 2)
	r.Counter("requests_total").Add(ctx, 3)

	assert.Equal(t, int64(6), r.Snapshot().Counters["requests_total"])
}

func TestRegistry_LabelsSeparateSeries(t *testing.T) {
	r := NewRegistry("test")
	ctx := context.Background()
	c := r.Counter("pushes_total")

	c.Add(ctx, 1, o11y.Label{Key: "present", Value: "true"})
	c.Add(ctx, 1, o11y.Label{Key: "present", Value: "true"})
	c.Add(ctx, 1, o11y.Label{Key: "present", Value: "false"})

	counters := r.Snapshot().Counters
	assert.Equal(t, int64(2), counters[`pushes_total{present="true"}`])
	assert.Equal(t, int64(1), counters[`pushes_total{present="false"}`])
	assert.NotContains(t, counters, "pushes_total")
}

func TestSeriesKey_SortsLabels(t *testing.T) {
	a := seriesKey("m", []o11y.Label{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}})
	b := seriesKey("m", []o11y.Label{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})

	assert.Equal(t, `m{a="1",b="2"}`, a)
	assert.Equal(t, a, b)
	assert.Equal(t, "m", seriesKey("m", nil))
}

func TestRegistry_Histogram(t *testing.T) {
	r := NewRegistry("test")
	ctx := context.Background()
	h := r.Histogram("frame_size_bytes")

	h.Record(ctx, 20)
	h.Record(ctx, 5)
	h.Record(ctx, 11)

	summary := r.Snapshot().Histograms["frame_size_bytes"]
	assert.Equal(t, HistogramSummary{Count: 3, Sum: 36, Min: 5, Max: 20}, summary)
}

func TestRegistry_Gauge(t *testing.T) {
	r := NewRegistry("test")
	ctx := context.Background()
	g := r.Gauge("active_connections")

	g.Set(ctx, 3)
	g.Set(ctx, 1.5)

	assert.Equal(t, 1.5, r.Snapshot().Gauges["active_connections"])
}

func TestRegistry_SnapshotMetadata(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry("wsbridge")
	r.now = func() time.Time { return fixed }

	snapshot := r.Snapshot()
	assert.Equal(t, fixed, snapshot.Timestamp)
	assert.Equal(t, "wsbridge", snapshot.ServiceName)
	assert.Empty(t, snapshot.Counters)

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2024-01-02T03:04:05Z",
		"service_name": "wsbridge",
		"counters": {},
		"histograms": {},
		"gauges": {}
	}`, string(data))
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewRegistry("test")
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.Counter("c").Add(ctx, 1)
				r.Histogram("h").Record(ctx, 1)
			}
		}()
	}
	wg.Wait()

	snapshot := r.Snapshot()
	assert.Equal(t, int64(1000), snapshot.Counters["c"])
	assert.Equal(t, uint64(1000), snapshot.Histograms["h"].Count)
}
