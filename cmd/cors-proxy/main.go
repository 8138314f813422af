package main

import (
	"context"
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
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"cors-proxy/internal/client"
	"cors-proxy/internal/config"
	"cors-proxy/internal/handler"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/middleware"
	"cors-proxy/internal/model"
	"cors-proxy/internal/policy"
	"cors-proxy/internal/service"
	"cors-proxy/internal/strategy"
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
		kong.Name("cors-proxy"),
		kong.Description("Single-endpoint forwarding proxy that adds CORS headers to a configured backend."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			policy.New,
			newEcho,
			client.NewBackendClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfig, startServer),
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

// newEcho builds the server and its middleware chain. CORS sits ahead of
// every middleware that can reject a request so rejections stay readable
// from a browser.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, p *policy.Policy) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write deadline: relayed bodies may stream for as long as the backend sends.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.CORS(p, m))
	e.Use(echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Skipper: streamedUpload,
		Limit:   fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes),
	}))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// streamedUpload reports whether the request body is piped to the backend
// unbuffered. Such bodies are never size-limited.
func streamedUpload(c echo.Context) bool {
	req := c.Request()
	if req.URL.Path != config.ProxyRoute {
		return false
	}
	return strategy.Select(req.Method, req.Header.Get(echo.HeaderContentType)).Strategy == model.RawStream
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnMissingBackend(logger)
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
				"route", config.ProxyRoute,
				"backend_configured", cfg.Backend.BaseURL != "",
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
