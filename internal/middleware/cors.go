package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/metrics"
	"cors-proxy/internal/policy"
)

// CORS returns an Echo middleware that writes the fixed CORS header set before
// anything else touches the response, so every later exit path (errors,
// panics recovered upstream, rate limiting) still carries it. OPTIONS requests
// are answered with 200 and an empty body without calling next.
// The metrics parameter is optional.
func CORS(p *policy.Policy, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			p.ApplyCORS(c.Response().Header(), req.Header.Get(echo.HeaderOrigin))

			if req.Method == http.MethodOptions {
				if m != nil {
					m.PreflightsTotal.Inc()
				}
				return c.NoContent(http.StatusOK)
			}

			return next(c)
		}
	}
}
