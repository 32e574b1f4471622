// Package middleware provides Echo middleware for logging, metrics and CORS.
package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For proxied calls it adds the host named by the targetParam query
// parameter; the target's path and query are never logged.
//
// Requests aborted with http.ErrAbortHandler are logged at warn level with
// aborted=true before the panic is re-raised.
func RequestLogger(logger *slog.Logger, targetParam string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			defer func() {
				rec := recover()

				req := c.Request()
				res := c.Response()

				attrs := []any{
					"method", req.Method,
					"path", req.URL.Path,
					"status", statusOf(c, err),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				}
				if host := targetHost(req.URL, targetParam); host != "" {
					attrs = append(attrs, "target_host", host)
				}

				if rec == http.ErrAbortHandler {
					logger.Warn("request", append(attrs, "aborted", true)...)
				} else {
					logger.Info("request", attrs...)
				}

				if rec != nil {
					panic(rec)
				}
			}()

			return next(c)
		}
	}
}

func targetHost(u *url.URL, param string) string {
	if param == "" {
		return ""
	}
	raw := u.Query().Get(param)
	if raw == "" {
		return ""
	}
	t, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return t.Host
}
