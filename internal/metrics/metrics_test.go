package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func find(t *testing.T, reg *Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("expected non-nil registry")
	}
}

func TestRegistry_RecordFetch(t *testing.T) {
	reg := NewRegistry()

	reg.RecordFetch("yahoo", "daily", "ok", 0.2)
	reg.RecordFetch("yahoo", "daily", "SOURCE_UNAVAILABLE", 1.5)

	mf := find(t, reg, "quantbase_fetch_total")
	if mf == nil {
		t.Fatal("expected quantbase_fetch_total metric")
	}
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 label sets, got %d", len(mf.GetMetric()))
	}

	hist := find(t, reg, "quantbase_fetch_duration_seconds")
	if hist == nil {
		t.Fatal("expected quantbase_fetch_duration_seconds metric")
	}
	h := hist.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("expected sample count 2, got %d", h.GetSampleCount())
	}
	if h.GetSampleSum() < 1.69 || h.GetSampleSum() > 1.71 {
		t.Errorf("expected sample sum ~1.7, got %v", h.GetSampleSum())
	}
}

func TestRegistry_Gauges(t *testing.T) {
	reg := NewRegistry()

	reg.SetETLQueueDepth(7)
	reg.SetWorkersActive("fetch", 4)

	mf := find(t, reg, "quantbase_etl_queue_depth")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Error("expected queue depth gauge of 7")
	}
	mf = find(t, reg, "quantbase_workers_active")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 4 {
		t.Error("expected 4 active fetch workers")
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var reg *Registry
	reg.RecordFetch("yahoo", "daily", "ok", 1)
	reg.RecordETL("done")
	reg.RecordRiskSnapshot()
	reg.RecordAlertRouted("webhook", "ok")
	reg.SetETLQueueDepth(1)
}

func TestRegistry_Handler(t *testing.T) {
	reg := NewRegistry()
	reg.RecordETL("done")

	w := httptest.NewRecorder()
	reg.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `quantbase_etl_processed_total{status="done"} 1`) {
		t.Error("expected etl counter in exposition")
	}
}

// Ensure the registry implements prometheus.Gatherer interface
func TestRegistry_ImplementsGatherer(t *testing.T) {
	reg := NewRegistry()
	var _ prometheus.Gatherer = reg
}
