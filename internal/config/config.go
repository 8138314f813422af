// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// ProxyRoute is the single route the proxy is mounted on.
const ProxyRoute = "/api/proxy"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL string `kong:"help='Backend base URL (overrides config).',env='BACKEND_BASE_URL'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	CORS    CORSConfig    `toml:"cors"`
	Headers HeadersConfig `toml:"headers"`
	Relay   RelayConfig   `toml:"relay"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`           // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"` // bounds buffered JSON bodies only; streamed uploads are not limited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds the forwarding target and outbound transport settings.
// An empty BaseURL is accepted at load time; every proxied request then fails
// with a configuration error.
type BackendConfig struct {
	BaseURL                      string `toml:"base_url"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"`
	IdleConnections              int    `toml:"idle_connections"`
	FollowRedirects              bool   `toml:"follow_redirects"`
}

// CORSConfig holds the fixed cross-origin header set attached to every response.
type CORSConfig struct {
	AllowOrigins     []string `toml:"allow_origins"`
	AllowMethods     []string `toml:"allow_methods"`
	AllowHeaders     []string `toml:"allow_headers"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxAgeSeconds    int      `toml:"max_age_seconds"`
}

// HeadersConfig is the inbound header forwarding policy.
// Deny always wins; a non-empty Allow switches to allow-list mode.
type HeadersConfig struct {
	Deny  []string `toml:"deny"`
	Allow []string `toml:"allow"`
}

// RelayConfig controls how backend responses are written back.
type RelayConfig struct {
	JSONMaxBytes int64 `toml:"json_max_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise it
// searches /etc/cors-proxy/config.toml then configs/config.toml, and falls
// back to defaults plus CLI/env overrides when neither is present.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateBaseURL(c.Backend.BaseURL); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("backend.response_header_timeout_seconds must be non-negative; got %d", c.Backend.ResponseHeaderTimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Relay.JSONMaxBytes < 0 {
		return fmt.Errorf("relay.json_max_bytes must be non-negative; got %d", c.Relay.JSONMaxBytes)
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Credentials cannot be combined with a wildcard origin.
	if c.CORS.AllowCredentials {
		for _, o := range c.CORS.AllowOrigins {
			if o == "*" {
				return errors.New("cors.allow_credentials cannot be used with allow_origins = [\"*\"]")
			}
		}
	}

	for _, h := range append(append([]string{}, c.Headers.Deny...), c.Headers.Allow...) {
		if strings.TrimSpace(h) == "" {
			return errors.New("headers.deny and headers.allow must not contain empty names")
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{ProxyRoute, "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateBaseURL accepts an empty value; anything else must be an absolute
// http(s) origin with an optional path prefix.
func validateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url must be absolute; got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("backend.base_url must not carry a query or fragment; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.ResponseHeaderTimeoutSeconds == 0 {
		c.Backend.ResponseHeaderTimeoutSeconds = 120
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		}
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}
	}
	if c.Relay.JSONMaxBytes == 0 {
		c.Relay.JSONMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnMissingBackend logs a warning when no backend base URL is configured.
func (c *Config) WarnMissingBackend(logger *slog.Logger) {
	if c.Backend.BaseURL == "" {
		logger.Warn("backend.base_url is not set; every proxied request will fail",
			"env", "BACKEND_BASE_URL",
		)
	}
}
