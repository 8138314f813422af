// Package client provides the outbound HTTP client for the configured backend.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/model"
)

// BackendClient sends translated requests to the backend.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling.
// No overall request deadline is applied so streamed bodies of any size can
// complete; only the wait for response headers is bounded.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Backend.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Backend.ResponseHeaderTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	hc := &http.Client{Transport: transport}
	if !cfg.Backend.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &BackendClient{
		httpClient: hc,
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		c.metrics.BackendResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Send builds the outbound request from out and executes it.
// The provided context controls the lifetime of the backend request:
// when the context is canceled (e.g. the caller disconnects), the backend
// request is also canceled. A streamed body is closed by the transport.
func (c *BackendClient) Send(ctx context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error) {
	var (
		body   io.Reader
		length int64
	)
	switch b := out.Body.(type) {
	case model.BufferedBody:
		body = bytes.NewReader(b.Data)
		length = int64(len(b.Data))
	case model.StreamBody:
		body = b.Reader
		length = b.Length
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		if sb, ok := out.Body.(model.StreamBody); ok {
			_ = sb.Reader.Close()
		}
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = out.Header
	if body != nil {
		req.ContentLength = length
	}

	return c.Do(req)
}
