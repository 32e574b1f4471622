package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"universal-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
//
// A handler that aborts a relay with http.ErrAbortHandler is still recorded,
// under the status already sent, and counted as aborted; the panic is then
// re-raised so the server drops the connection.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				rec := recover()
				m.RequestsInFlight.Dec()

				method := metrics.NormalizeMethod(c.Request().Method)
				path := m.NormalizePath(c.Request().URL.Path)
				status := strconv.Itoa(statusOf(c, err))

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
				if rec == http.ErrAbortHandler {
					m.RequestsAborted.WithLabelValues(path).Inc()
				}

				if rec != nil {
					panic(rec)
				}
			}()

			return next(c)
		}
	}
}

// statusOf resolves the status code of a finished request. A returned
// *echo.HTTPError has not been written yet; Echo's central error handler
// writes it later.
func statusOf(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
