// Package middleware provides Echo middleware for CORS, logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Responses with status 500 and above are logged at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"target", c.QueryParam("path"),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
