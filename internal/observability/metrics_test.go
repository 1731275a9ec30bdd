package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordTaskTelemetry(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.ObserveOperation("bulk_delete", "ok", 3*time.Millisecond)
	m.ObserveOperation("bulk_delete", "forbidden", time.Millisecond)
	m.ObserveBulkSize("bulk_delete", 3)
	m.IncStoreRetry("bulk_delete")
	m.IncCycleRejected("dependency")
	m.IncCycleRejected("dependency")
	m.AddActivity(3)
	m.SetSubscribers(2)

	if got := testutil.ToFloat64(m.Operations.WithLabelValues("bulk_delete", "ok")); got != 1 {
		t.Fatalf("operations{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CycleRejections.WithLabelValues("dependency")); got != 2 {
		t.Fatalf("cycle_rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActivityRecords); got != 3 {
		t.Fatalf("activity_records = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.FeedSubscribers); got != 2 {
		t.Fatalf("subscribers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StoreRetries.WithLabelValues("bulk_delete")); got != 1 {
		t.Fatalf("store_retries = %v, want 1", got)
	}

	snap := m.OperationSnapshot()
	if len(snap.Operations) != 1 || snap.Operations[0].Samples != 2 {
		t.Fatalf("snapshot = %+v, want one op with two samples", snap.Operations)
	}
	m.ResetOperationWindow()
	if len(m.OperationSnapshot().Operations) != 0 {
		t.Fatalf("window not reset")
	}
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSamplerBounds(t *testing.T) {
	if got := Sampler(1).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("Sampler(1) = %q", got)
	}
	if got := Sampler(0).Description(); got != "AlwaysOffSampler" {
		t.Fatalf("Sampler(0) = %q", got)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello", "op", "bulk_status")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"op":"bulk_status"`) {
		t.Fatalf("json log = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelWarn, "text").Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
}
