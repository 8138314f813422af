package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	cfg := testConfig(backend.URL)
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	m := metrics.New()
	proxy, _ := newTestProxyHandler(t, cfg, m)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /api/proxy", http.MethodGet, "/api/proxy?path=items/7", http.StatusOK},
		{"POST /api/proxy", http.MethodPost, "/api/proxy?path=items", http.StatusOK},
		{"DELETE /api/proxy", http.MethodDelete, "/api/proxy?path=items/7", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("https://api.example.com")
	m := metrics.New()
	proxy, _ := newTestProxyHandler(t, cfg, m)

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, NewHealthHandler(cfg, "test"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_MetricsExposeProxyErrors(t *testing.T) {
	cfg := testConfig("")
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	m := metrics.New()
	proxy, _ := newTestProxyHandler(t, cfg, m)

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, NewHealthHandler(cfg, "test"))

	for _, target := range []string{"/api/proxy?path=a", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if target == "/metrics" {
			if !strings.Contains(rec.Body.String(), `cors_proxy_errors_total{kind="config_missing"} 1`) {
				t.Errorf("metrics output missing config_missing error count:\n%s", rec.Body.String())
			}
		}
	}
}
