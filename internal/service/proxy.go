// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cors-proxy/internal/client"
	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/model"
	"cors-proxy/internal/policy"
	"cors-proxy/internal/strategy"
)

// pathParam is the query parameter carrying the backend-relative path.
const pathParam = "path"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.BackendClient
	policy  *policy.Policy
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL // nil when no backend is configured
}

// NewProxyService creates a ProxyService. An empty backend base URL is not an
// error here; Forward reports ErrConfigMissing for every request instead.
// The metrics parameter is optional.
func NewProxyService(c *client.BackendClient, p *policy.Policy, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	s := &ProxyService{
		client:  c,
		policy:  p,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
	if cfg.Backend.BaseURL != "" {
		u, err := url.Parse(cfg.Backend.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse backend base_url: %w", err)
		}
		s.baseURL = u
	}
	return s, nil
}

// Forward translates pr, sends it to the backend and returns the response
// with its headers already filtered for the caller. Non-2xx backend statuses
// are returned as ordinary responses. The caller is responsible for closing
// the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	sel := strategy.Select(pr.Method, pr.Header.Get("Content-Type"))
	if pr.Body != nil && pr.Body != http.NoBody {
		tagged := *pr
		tagged.Body = bodyReader{pr.Body}
		pr = &tagged
	}

	out, err := s.Translate(pr, sel)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BodyStrategies.WithLabelValues(sel.Strategy.String()).Inc()
	}
	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", pr.Path,
		"strategy", sel.Strategy.String(),
	)

	resp, err := s.client.Send(pr.Ctx, out)
	if err != nil {
		if errors.Is(err, ErrRequestBody) {
			return nil, newError(BodyParseFailure, "request body could not be streamed", err)
		}
		return nil, newError(BackendUnreachable, "backend request failed", err)
	}

	resp.Header = s.policy.FilterOutbound(resp.Header)
	return resp, nil
}

// Translate builds the outbound request for pr using the selected body
// strategy. No network call happens here; every local failure is reported
// before the backend is contacted.
func (s *ProxyService) Translate(pr *model.ProxyRequest, sel model.Selection) (*model.OutboundRequest, error) {
	if s.baseURL == nil {
		return nil, newError(ConfigMissing, "backend base URL is not configured", ErrConfigMissing)
	}

	target, err := s.buildBackendURL(pr.Path, pr.Query)
	if err != nil {
		return nil, err
	}

	body, err := strategy.Prepare(sel, pr.Body, pr.ContentLength, s.cfg.Server.BodyMaxBytes)
	if err != nil {
		return nil, newError(BodyParseFailure, "request body could not be serialized", err)
	}

	header := s.policy.FilterInbound(pr.Header, sel)
	if _, empty := body.(model.EmptyBody); empty && sel.Strategy == model.BufferedJSON {
		header.Del("Content-Type")
	}

	return &model.OutboundRequest{
		Method: pr.Method,
		URL:    target,
		Header: header,
		Body:   body,
	}, nil
}

// buildBackendURL joins the base URL and the target path with exactly one
// slash and appends every caller query parameter except the path parameter.
// The result must stay on the backend origin and below the base path, so ".."
// segments are rejected, escaped or not.
func (s *ProxyService) buildBackendURL(target string, query url.Values) (string, error) {
	raw := strings.TrimRight(s.baseURL.String(), "/") + "/" + strings.TrimLeft(target, "/")

	u, err := url.Parse(raw)
	if err != nil {
		return "", newError(InternalFailure, "invalid target path", err)
	}
	if u.Scheme != s.baseURL.Scheme || u.Host != s.baseURL.Host {
		return "", newError(InternalFailure, "target path escapes backend origin", nil)
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." {
			return "", newError(InternalFailure, "target path contains dot-dot segment", nil)
		}
	}

	extra := make(url.Values)
	for k, v := range query {
		if k == pathParam {
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		q := u.Query()
		for k, v := range extra {
			q[k] = append(q[k], v...)
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}
