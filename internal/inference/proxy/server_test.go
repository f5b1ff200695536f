package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/scheduler"
	"llamarun/internal/observability"
)

type fakeEngine struct{}

func (fakeEngine) Start(ctx context.Context, kind llamacpp.SessionKind, src scheduler.Source, cfg llamacpp.RuntimeConfig) (llamacpp.SessionInfo, error) {
	return llamacpp.SessionInfo{}, nil
}
func (fakeEngine) Stop(ctx context.Context, modelID string, kind llamacpp.SessionKind) error {
	return nil
}

type emptyCatalog struct{}

func (emptyCatalog) List() []ModelMeta { return nil }
func (emptyCatalog) Resolve(modelID string) (scheduler.Source, llamacpp.RuntimeConfig, bool) {
	return scheduler.Source{}, llamacpp.RuntimeConfig{}, false
}

func newTestServer(t *testing.T, metrics *observability.Metrics) *Server {
	t.Helper()
	sched := scheduler.New(nil, fakeEngine{}, nil, scheduler.DefaultConfig())
	s := NewServer(sched, emptyCatalog{}, DefaultConfig(), nil)
	return s.WithMetrics(metrics)
}

func TestServer_WithMetrics_RegistersScrapeRoute(t *testing.T) {
	metrics, err := observability.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := newTestServer(t, metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 from /metrics, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_WithoutMetrics_NoScrapeRoute(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 with no metrics attached, got %d", rec.Code)
	}
}

func TestServer_ListModels_RecordsMetricsAndTracingWithoutPanicking(t *testing.T) {
	metrics, err := observability.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s := newTestServer(t, metrics)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 from /v1/models, got %d: %s", rec.Code, rec.Body.String())
	}
}
