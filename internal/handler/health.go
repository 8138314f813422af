package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and whether a backend is configured.
// Status is "degraded" while the base URL is missing.
func (h *HealthHandler) Status(c echo.Context) error {
	status := "ok"
	configured := h.cfg.Backend.BaseURL != ""
	if !configured {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":             status,
		"version":            string(h.version),
		"backend_url":        sanitizeURL(h.cfg.Backend.BaseURL),
		"backend_configured": configured,
	})
}

func sanitizeURL(raw string) string {
	return userinfoPattern.ReplaceAllString(raw, "${1}[REDACTED]@")
}
