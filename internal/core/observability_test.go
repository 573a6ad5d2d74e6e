package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarMetricsRecorder_AggregatesOutcomes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)
	rec := NewExpvarMetricsRecorder("")
	svc.metrics = rec

	mustCreateInvoice(t, svc, "inv-1")
	if _, err := svc.Allocate(ctx, "inv-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := svc.Allocate(ctx, "inv-1"); err == nil {
		t.Fatalf("expected re-allocate to fail")
	}

	snap := rec.Snapshot()
	stats, ok := snap["allocate"]
	if !ok {
		t.Fatalf("no stats recorded for allocate: %+v", snap)
	}
	if stats.Success != 1 || stats.Failure != 1 {
		t.Fatalf("unexpected outcome counts %+v", stats)
	}
}

func TestJSONTracer_EmitsSpans(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	svc, _ := newTestService(t, 0)
	svc.tracer = tracer

	mustCreateInvoice(t, svc, "inv-1")
	if _, err := svc.Allocate(ctx, "inv-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := svc.Void(ctx, 99, "x"); err == nil {
		t.Fatalf("expected void of unknown number to fail")
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d spans, want 2", len(entries))
	}
	if entries[0].Operation != "allocate" || entries[0].Status != "success" {
		t.Fatalf("unexpected first span %+v", entries[0])
	}
	if entries[1].Operation != "void" || entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("unexpected second span %+v", entries[1])
	}
	if !strings.Contains(buf.String(), `"operation":"allocate"`) {
		t.Fatalf("span not written to sink: %s", buf.String())
	}
}

func TestPrometheusMetricsRecorder_CountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricsRecorder: %v", err)
	}
	ctx := context.Background()
	rec.Observe(ctx, "allocate", true, 0)
	rec.Observe(ctx, "allocate", true, 0)
	rec.Observe(ctx, "allocate", false, 0)
	rec.Observe(ctx, "", true, 0) // ignored

	if got := testutil.ToFloat64(rec.results.WithLabelValues("allocate", "success")); got != 2 {
		t.Fatalf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.results.WithLabelValues("allocate", "error")); got != 1 {
		t.Fatalf("error count = %v, want 1", got)
	}

	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestInstrument_ReportsError(t *testing.T) {
	svc, _ := newTestService(t, 0)
	tracer := NewJSONTracer(nil)
	svc.tracer = tracer
	_, done := svc.instrument(context.Background(), "voidcheck")
	done(errors.New("boom"))
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Status != "error" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
