package benchmarks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge"
	"github.com/tsarna/wsbridge/pkg/bridge/bus"
	"github.com/tsarna/wsbridge/pkg/bridge/metrics"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/transport"
	"github.com/tsarna/wsbridge/pkg/bridge/transport/local"
)

func BenchmarkCellSet(b *testing.B) {
	cell := bridge.NewCell()

	b.ReportAllocs()
	for b.Loop() {
		cell.Set("benchmark value")
	}
}

func BenchmarkCellGetParallel(b *testing.B) {
	cell := bridge.NewCell()
	cell.Set("benchmark value")

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cell.Get()
		}
	})
}

func BenchmarkSnapshotEncode(b *testing.B) {
	cell := bridge.NewCell()
	cell.Set("benchmark value")

	b.ReportAllocs()
	for b.Loop() {
		if _, err := json.Marshal(cell.Snapshot()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeJSON(b *testing.B) {
	decoder, err := payload.NewDecoder(payload.ModeJSON, "")
	if err != nil {
		b.Fatal(err)
	}
	msg := transport.Message{Topic: "chatter", Payload: []byte(`{"data": "benchmark value"}`)}
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		if _, err := decoder.Decode(ctx, msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeJQ(b *testing.B) {
	decoder, err := payload.NewDecoder(payload.ModeJQ, ".reading.value")
	if err != nil {
		b.Fatal(err)
	}
	msg := transport.Message{Topic: "chatter", Payload: []byte(`{"reading": {"value": "21.5"}}`)}
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		if _, err := decoder.Decode(ctx, msg); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkLocalPublish(b *testing.B, eventBus bus.EventBus) {
	if err := eventBus.Start(); err != nil {
		b.Fatal(err)
	}
	defer eventBus.Stop()

	ctx := context.Background()
	source, err := local.NewSource(ctx, eventBus, "chatter", nil)
	if err != nil {
		b.Fatal(err)
	}
	defer source.Close()

	publisher := local.NewPublisher(eventBus)
	message := []byte(`{"data": "benchmark message"}`)

	b.ReportAllocs()
	for b.Loop() {
		if err := publisher.Publish(ctx, "chatter", message); err != nil {
			b.Fatal(err)
		}
		if _, err := source.Poll(ctx, time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLocalPublishNoObservability(b *testing.B) {
	eventBus, err := bus.NewEventBus().WithLogger(zap.NewNop()).Build()
	if err != nil {
		b.Fatalf("Build() returned error: %v", err)
	}
	benchmarkLocalPublish(b, eventBus)
}

func BenchmarkLocalPublishWithRegistryMetrics(b *testing.B) {
	eventBus, err := bus.NewEventBus().
		WithLogger(zap.NewNop()).
		WithMetrics(metrics.NewRegistry("benchmark")).
		Build()
	if err != nil {
		b.Fatalf("Build() returned error: %v", err)
	}
	benchmarkLocalPublish(b, eventBus)
}
