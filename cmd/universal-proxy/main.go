package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"universal-proxy-go/internal/client"
	"universal-proxy-go/internal/config"
	"universal-proxy-go/internal/cors"
	"universal-proxy-go/internal/handler"
	"universal-proxy-go/internal/metrics"
	"universal-proxy-go/internal/middleware"
	"universal-proxy-go/internal/relay"
	"universal-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("universal-proxy"),
		kong.Description("Forwarding proxy that relays any request to the URL named in its query string."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			relay.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Proxy.BasePath, "/healthz", "/proxy/status", cfg.Metrics.Path)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = newErrorHandler(logger)

	// Only the header phase is bounded. ReadTimeout and WriteTimeout stay 0:
	// they would cut off slow uploads and long relayed event streams.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, cfg.Proxy.TargetParam))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.CORS())

	return e
}

// newErrorHandler renders errors that reach Echo as the proxy's JSON error
// body. Responses already on the wire are left alone.
func newErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			message = fmt.Sprint(he.Message)
		} else {
			logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
		}

		cors.Apply(c.Response().Header())
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]string{
				"error":   "proxy_error",
				"message": message,
			})
		}
		if err != nil {
			logger.Debug("writing error response", "err", err)
		}
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"base_path", cfg.Proxy.BasePath,
				"header_policy", cfg.Headers.Policy,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
