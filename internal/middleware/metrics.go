package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests for skipPath (the metrics endpoint
// itself) are not recorded.
func MetricsMiddleware(m *metrics.Metrics, skipPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipPath != "" && c.Request().URL.Path == skipPath {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := strconv.Itoa(resolveStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// resolveStatus returns the status the caller will see. An *echo.HTTPError
// has not been written yet when it reaches this middleware, so its code wins
// over the uncommitted response status.
func resolveStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) && !c.Response().Committed {
		return he.Code
	}
	return c.Response().Status
}
