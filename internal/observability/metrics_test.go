package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/traci-sync/model"
	"go.opentelemetry.io/otel"
)

func TestObserveCommandRecordsCountAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}

	collector.ObserveCommand(0xa4, "ok", 3*time.Millisecond)
	collector.ObserveCommand(0xa4, "ok", time.Millisecond)
	collector.ObserveCommand(0xc4, "command_error", time.Millisecond)

	if got := testutil.ToFloat64(collector.Commands.WithLabelValues("0xa4", "ok")); got != 2 {
		t.Fatalf("traci_commands_total{0xa4,ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Commands.WithLabelValues("0xc4", "command_error")); got != 1 {
		t.Fatalf("traci_commands_total{0xc4,command_error} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "traci_command_duration_seconds", map[string]string{"command": "0xa4"}); count != 2 {
		t.Fatalf("traci_command_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestStepAndPopulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}

	collector.ObserveStep(20*time.Millisecond, "ok")
	collector.SetPopulation(3, 7, model.Counts{Active: 10, Parking: 4, Driving: 6})
	collector.ObserveInsertions(2, 1, 5)
	collector.EntityCreated()
	collector.EntityCreated()
	collector.EntityDestroyed()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"sync_steps_total{ok}", testutil.ToFloat64(collector.Steps.WithLabelValues("ok")), 1},
		{"sync_managed_vehicles", testutil.ToFloat64(collector.ManagedVehicles), 3},
		{"sync_unequipped_vehicles", testutil.ToFloat64(collector.UnequippedVehicles), 7},
		{"sync_active_vehicles", testutil.ToFloat64(collector.ActiveVehicles), 10},
		{"sync_parking_vehicles", testutil.ToFloat64(collector.ParkingVehicles), 4},
		{"sync_driving_vehicles", testutil.ToFloat64(collector.DrivingVehicles), 6},
		{"sync_insertion_queue_depth", testutil.ToFloat64(collector.InsertionQueue), 5},
		{"sync_insertions_total{inserted}", testutil.ToFloat64(collector.Insertions.WithLabelValues("inserted")), 2},
		{"sync_insertions_total{rejected}", testutil.ToFloat64(collector.Insertions.WithLabelValues("rejected")), 1},
		{"sync_entities_total{created}", testutil.ToFloat64(collector.Entities.WithLabelValues("created")), 2},
		{"sync_entities_total{destroyed}", testutil.ToFloat64(collector.Entities.WithLabelValues("destroyed")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if count := histogramSampleCount(t, reg, "sync_step_duration_seconds", nil); count != 1 {
		t.Fatalf("sync_step_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestNewSyncCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("first NewSyncCollector: %v", err)
	}
	second, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("second NewSyncCollector: %v", err)
	}
	second.EntityCreated()
	if got := testutil.ToFloat64(first.Entities.WithLabelValues("created")); got != 1 {
		t.Fatalf("shared sync_entities_total = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SyncCollector
	c.ObserveCommand(0x02, "ok", time.Millisecond)
	c.ObserveStep(time.Millisecond, "ok")
	c.SetPopulation(1, 1, model.Counts{})
	c.ObserveInsertions(1, 1, 1)
	c.EntityCreated()
	c.EntityDestroyed()
	if c.Gatherer() != nil {
		t.Fatalf("Gatherer() on nil collector returned non-nil")
	}
}

func TestMetricsHandlerExposesSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSyncCollector(reg)
	if err != nil {
		t.Fatalf("NewSyncCollector: %v", err)
	}
	collector.ObserveCommand(0x02, "ok", time.Millisecond)
	collector.SetPopulation(1, 2, model.Counts{Active: 3, Parking: 1, Driving: 2})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"traci_commands_total",
		"traci_command_duration_seconds",
		"sync_managed_vehicles 1",
		"sync_unequipped_vehicles 2",
		"sync_active_vehicles 3",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "traci-sync-test",
		InstanceID:  "run-1",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "traci.step")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "traci.step") {
		t.Fatalf("stdout exporter output missing span name: %s", buf.String())
	}

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("InitTracing with unknown exporter returned nil error")
	}
	if _, err := InitTracing(ctx, TracingConfig{}, nil); err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("TRACI_TRACING_ENABLED", "TRUE")
	t.Setenv("TRACI_TRACING_EXPORTER", "OTLP")
	t.Setenv("TRACI_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("TRACI_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("TracingConfigFromEnv() = %+v", cfg)
	}
	if cfg.ServiceName != "traci-sync" {
		t.Fatalf("ServiceName = %q, want traci-sync", cfg.ServiceName)
	}

	t.Setenv("TRACI_TRACING_SAMPLE_RATIO", "2")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out-of-range ratio accepted: %v", got)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, p := range pairs {
			if p.GetName() == k && p.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
