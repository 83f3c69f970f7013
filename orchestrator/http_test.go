package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestServer_Healthz(t *testing.T) {
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))
	srv := NewServer(f, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_Readyz(t *testing.T) {
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))
	srv := NewServer(f, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	srv := NewServer(f, metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
