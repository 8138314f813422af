package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/metrics"
	"cors-proxy/internal/middleware"
	"cors-proxy/internal/model"
	"cors-proxy/internal/policy"
	"cors-proxy/internal/service"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(?i)(https?://)[^/@\s"]+@`)

// ProxyHandler forwards requests on the proxy route to the configured backend.
type ProxyHandler struct {
	service *service.ProxyService
	policy  *policy.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, p *policy.Policy, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		policy:  p,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the backend named by the path query
// parameter and relays the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	defer func() { _ = req.Body.Close() }()

	header := req.Header.Clone()
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		header.Set(echo.HeaderXRequestID, id)
	}

	if req.Body != http.NoBody {
		// Let the transport keep reading the caller's body after the relay
		// has started writing. Recorders and HTTP/2 don't need it.
		_ = http.NewResponseController(c.Response()).EnableFullDuplex()
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          c.QueryParam("path"),
		Query:         req.URL.Query(),
		Header:        header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		h.logger.Info("relaying backend error status",
			"kind", service.BackendError.String(),
			"status", resp.StatusCode,
			"target", pr.Path,
		)
	}

	c.Set(middleware.RelayedKey, true)
	if err := h.service.Relay(c.Response(), resp, req.Method, req.Header.Get(echo.HeaderOrigin)); err != nil {
		if !c.Response().Committed {
			c.Set(middleware.RelayedKey, false)
			return h.mapError(c, err)
		}
		// The status line is already on the wire; the caller sees a truncated
		// body with the backend's status.
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"target", pr.Path,
			"client_gone", errors.Is(err, service.ErrClientWrite) || errors.Is(err, context.Canceled),
		)
	}

	return nil
}

// mapError is the single place a proxy failure becomes a status code. Every
// failure maps to 500 with a JSON body; CORS headers are reapplied so browser
// callers can read it.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := service.Classify(err)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(kind.String()).Inc()
	}

	msg := sanitizeError(err)
	if errors.Is(err, context.Canceled) {
		h.logger.Warn("caller disconnected", "kind", kind.String(), "err", msg, "target", c.QueryParam("path"))
	} else {
		h.logger.Error("proxy error", "kind", kind.String(), "err", msg, "target", c.QueryParam("path"))
	}

	if h.policy != nil {
		h.policy.ApplyCORS(c.Response().Header(), c.Request().Header.Get(echo.HeaderOrigin))
	}

	if kind == service.ConfigMissing {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "Proxy configuration error",
			"kind":    kind.String(),
			"details": service.ErrConfigMissing.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Proxy error",
		"kind":    kind.String(),
		"details": msg,
	})
}

// sanitizeError redacts URL credentials from error messages that may contain backend URLs.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
