package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics route is only mounted when metrics are enabled and m is not nil.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(cfg.Proxy.BasePath, proxy.Handle)
}
