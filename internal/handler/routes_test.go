package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"universal-proxy-go/internal/client"
	"universal-proxy-go/internal/metrics"
	"universal-proxy-go/internal/relay"
	"universal-proxy-go/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(cfg.Proxy.BasePath, "/healthz", "/proxy/status", cfg.Metrics.Path)
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewProxyService(uc, cfg, logger, m)

	proxy := NewProxyHandler(svc, relay.New(cfg, logger, m), logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, proxy, health, m)

	target := "/proxy?url=" + url.QueryEscape(upstream.URL+"/v1/models")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /proxy", http.MethodGet, target, http.StatusOK},
		{"POST /proxy", http.MethodPost, target, http.StatusOK},
		{"DELETE /proxy", http.MethodDelete, target, http.StatusOK},
		{"OPTIONS /proxy", http.MethodOptions, target, http.StatusNoContent},
		{"GET /proxy without target", http.MethodGet, "/proxy", http.StatusBadRequest},
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

	t.Run("metrics exposition", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if !strings.Contains(rec.Body.String(), "universal_proxy_upstream_responses_total") {
			t.Error("expected upstream response counter in /metrics output")
		}
	})
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(cfg.Proxy.BasePath)
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, NewProxyHandler(svc, relay.New(cfg, logger, nil), logger), NewHealthHandler(cfg, "test"), m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
