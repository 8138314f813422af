package middleware

import (
	"github.com/labstack/echo/v4"
)

// RelayedKey is set on the echo context by a handler whose response carries
// backend headers verbatim. Such responses are left untouched.
const RelayedKey = "cors_proxy.relayed"

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses the proxy originates itself. Headers are filled in just before the
// status line is written and never override a value the handler set.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				if relayed, _ := c.Get(RelayedKey).(bool); relayed {
					return
				}
				h := res.Header()
				if h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "DENY")
				}
			})
			return next(c)
		}
	}
}
