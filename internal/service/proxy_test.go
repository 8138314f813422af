package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cors-proxy/internal/client"
	"cors-proxy/internal/config"
	"cors-proxy/internal/model"
	"cors-proxy/internal/policy"
	"cors-proxy/internal/strategy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: 1 << 20},
		Backend: config.BackendConfig{
			BaseURL:                      baseURL,
			ResponseHeaderTimeoutSeconds: 10,
			IdleConnections:              4,
		},
		CORS: config.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		},
		Relay: config.RelayConfig{JSONMaxBytes: 64},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(client.NewBackendClient(cfg, logger, nil), policy.New(cfg), cfg, logger, nil)
	require.NoError(t, err)
	return svc
}

func newRequest(method, path, contentType, body string) *model.ProxyRequest {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	var rc io.ReadCloser = http.NoBody
	if body != "" {
		rc = io.NopCloser(strings.NewReader(body))
	}
	return &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        method,
		Path:          path,
		Query:         url.Values{pathParam: {path}},
		Header:        h,
		Body:          rc,
		ContentLength: int64(len(body)),
	}
}

func TestNewProxyService_UnsetBackend(t *testing.T) {
	svc := newTestService(t, testConfig(""))

	pr := newRequest(http.MethodGet, "items", "", "")
	_, err := svc.Translate(pr, strategy.Select(pr.Method, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigMissing)
	assert.Equal(t, ConfigMissing, Classify(err))
}

func TestBuildBackendURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		target  string
		query   url.Values
		want    string
		wantErr bool
	}{
		{name: "plain join", base: "https://api.example.com", target: "items/7", want: "https://api.example.com/items/7"},
		{name: "base trailing slash", base: "https://api.example.com/", target: "items", want: "https://api.example.com/items"},
		{name: "target leading slash", base: "https://api.example.com", target: "/items", want: "https://api.example.com/items"},
		{name: "both slashes", base: "https://api.example.com/v1/", target: "//items", want: "https://api.example.com/v1/items"},
		{name: "empty target", base: "https://api.example.com/v1", target: "", want: "https://api.example.com/v1/"},
		{name: "target query kept", base: "https://api.example.com", target: "search?q=a", want: "https://api.example.com/search?q=a"},
		{
			name:   "extra params appended without path",
			base:   "https://api.example.com",
			target: "search",
			query:  url.Values{pathParam: {"search"}, "page": {"2"}},
			want:   "https://api.example.com/search?page=2",
		},
		{
			name:   "extra params merged with target query",
			base:   "https://api.example.com",
			target: "search?q=a",
			query:  url.Values{pathParam: {"search?q=a"}, "q": {"b"}},
			want:   "https://api.example.com/search?q=a&q=b",
		},
		{name: "userinfo-like target stays on origin", base: "https://api.example.com", target: "@evil.example/x", want: "https://api.example.com/@evil.example/x"},
		{name: "invalid escape rejected", base: "https://api.example.com", target: "items/%zz", wantErr: true},
		{name: "parent segment rejected", base: "https://api.example.com/v1", target: "../admin", wantErr: true},
		{name: "nested parent segment rejected", base: "https://api.example.com/v1", target: "a/../../admin", wantErr: true},
		{name: "escaped parent segment rejected", base: "https://api.example.com/v1", target: "..%2Fadmin", wantErr: true},
		{name: "dots inside a name allowed", base: "https://api.example.com/v1", target: "files/a..b.json", want: "https://api.example.com/v1/files/a..b.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, testConfig(tt.base))
			got, err := svc.buildBackendURL(tt.target, tt.query)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, InternalFailure, Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslate(t *testing.T) {
	svc := newTestService(t, testConfig("https://api.example.com"))

	t.Run("GET has no body", func(t *testing.T) {
		pr := newRequest(http.MethodGet, "items/7", "", "")
		out, err := svc.Translate(pr, strategy.Select(pr.Method, ""))
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, out.Method)
		assert.Equal(t, "https://api.example.com/items/7", out.URL)
		assert.IsType(t, model.EmptyBody{}, out.Body)
	})

	t.Run("JSON body is canonicalized", func(t *testing.T) {
		pr := newRequest(http.MethodPost, "users", "application/json; charset=utf-8", `{ "b": 1, "a": "<x>" }`)
		out, err := svc.Translate(pr, strategy.Select(pr.Method, pr.Header.Get("Content-Type")))
		require.NoError(t, err)
		body, ok := out.Body.(model.BufferedBody)
		require.True(t, ok, "body is %T", out.Body)
		assert.Equal(t, `{"a":"<x>","b":1}`, string(body.Data))
		assert.Equal(t, "application/json", out.Header.Get("Content-Type"))
	})

	t.Run("empty JSON body drops content type", func(t *testing.T) {
		pr := newRequest(http.MethodPost, "users", "application/json", "")
		out, err := svc.Translate(pr, strategy.Select(pr.Method, "application/json"))
		require.NoError(t, err)
		assert.IsType(t, model.EmptyBody{}, out.Body)
		assert.Empty(t, out.Header.Get("Content-Type"))
	})

	t.Run("invalid JSON fails before the backend", func(t *testing.T) {
		pr := newRequest(http.MethodPost, "users", "application/json", `{"a":`)
		_, err := svc.Translate(pr, strategy.Select(pr.Method, "application/json"))
		require.Error(t, err)
		assert.Equal(t, BodyParseFailure, Classify(err))
		assert.ErrorIs(t, err, strategy.ErrInvalidJSON)
	})

	t.Run("multipart streams with regenerated content type", func(t *testing.T) {
		ct := `multipart/form-data; charset=utf-8; boundary=XyZ`
		pr := newRequest(http.MethodPost, "upload", ct, "--XyZ--\r\n")
		out, err := svc.Translate(pr, strategy.Select(pr.Method, ct))
		require.NoError(t, err)
		sb, ok := out.Body.(model.StreamBody)
		require.True(t, ok, "body is %T", out.Body)
		assert.Equal(t, pr.Body, sb.Reader)
		assert.Equal(t, "multipart/form-data; boundary=XyZ", out.Header.Get("Content-Type"))
	})

	t.Run("GET drops content type", func(t *testing.T) {
		pr := newRequest(http.MethodGet, "items", "application/json", "")
		out, err := svc.Translate(pr, strategy.Select(pr.Method, "application/json"))
		require.NoError(t, err)
		assert.IsType(t, model.EmptyBody{}, out.Body)
		assert.Empty(t, out.Header.Values("Content-Type"))
	})

	t.Run("framing headers dropped", func(t *testing.T) {
		pr := newRequest(http.MethodGet, "items", "", "")
		pr.Header.Set("Host", "proxy.local")
		pr.Header.Set("Content-Length", "10")
		pr.Header.Set("Connection", "keep-alive, X-Trace")
		pr.Header.Set("X-Trace", "1")
		pr.Header.Set("Accept", "application/json")
		out, err := svc.Translate(pr, strategy.Select(pr.Method, ""))
		require.NoError(t, err)
		assert.Empty(t, out.Header.Values("Host"))
		assert.Empty(t, out.Header.Values("Content-Length"))
		assert.Empty(t, out.Header.Values("Connection"))
		assert.Empty(t, out.Header.Values("X-Trace"))
		assert.Equal(t, "application/json", out.Header.Get("Accept"))
	})
}

func TestForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://backend.example.com")
		w.Header().Set("Connection", "X-Internal")
		w.Header().Set("X-Internal", "secret")
		w.WriteHeader(http.StatusTeapot)
		_, _ = fmt.Fprintf(w, `{"method":%q,"body":%q}`, r.Method, body)
	}))
	t.Cleanup(backend.Close)

	svc := newTestService(t, testConfig(backend.URL))

	resp, err := svc.Forward(newRequest(http.MethodPost, "brew", "application/json", `{"tea": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("X-Internal"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"POST","body":"{\"tea\":true}"}`, string(data))
}

func TestForward_BackendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svc := newTestService(t, testConfig("http://"+addr))
	_, err = svc.Forward(newRequest(http.MethodGet, "x", "", ""))
	require.Error(t, err)
	assert.Equal(t, BackendUnreachable, Classify(err))
}

func TestForward_CanceledContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(backend.Close)

	svc := newTestService(t, testConfig(backend.URL))
	pr := newRequest(http.MethodGet, "slow", "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr.Ctx = ctx

	_, err := svc.Forward(pr)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BackendUnreachable, Classify(err))
}

func TestForward_UploadReadFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	svc := newTestService(t, testConfig(backend.URL))
	pr := newRequest(http.MethodPost, "upload", "application/octet-stream", "")
	pr.Body = io.NopCloser(io.MultiReader(strings.NewReader("partial"), failingReader{}))
	pr.ContentLength = -1

	_, err := svc.Forward(pr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestBody)
	assert.Equal(t, BodyParseFailure, Classify(err))
}

func TestRelay(t *testing.T) {
	jsonHeader := func() http.Header {
		return http.Header{"Content-Type": {"application/json"}}
	}

	tests := []struct {
		name       string
		method     string
		status     int
		header     http.Header
		body       string
		wantBody   string
		wantLength string
	}{
		{
			name:       "small JSON compacted",
			method:     http.MethodGet,
			status:     http.StatusOK,
			header:     jsonHeader(),
			body:       "{ \"id\" : 7,\n \"b\": [1, 2] }",
			wantBody:   `{"id":7,"b":[1,2]}`,
			wantLength: "18",
		},
		{
			name:     "large JSON streamed verbatim",
			method:   http.MethodGet,
			status:   http.StatusOK,
			header:   jsonHeader(),
			body:     `{ "items": [` + strings.Repeat(`"abcdef", `, 20) + `"z"] }`,
			wantBody: `{ "items": [` + strings.Repeat(`"abcdef", `, 20) + `"z"] }`,
		},
		{
			name:     "malformed JSON relayed raw",
			method:   http.MethodGet,
			status:   http.StatusBadGateway,
			header:   jsonHeader(),
			body:     `{"oops"`,
			wantBody: `{"oops"`,
		},
		{
			name:     "non JSON streamed",
			method:   http.MethodGet,
			status:   http.StatusOK,
			header:   http.Header{"Content-Type": {"text/plain"}},
			body:     "hello  world",
			wantBody: "hello  world",
		},
		{
			name:     "gzip JSON untouched",
			method:   http.MethodGet,
			status:   http.StatusOK,
			header:   http.Header{"Content-Type": {"application/json"}, "Content-Encoding": {"gzip"}},
			body:     "\x1f\x8b raw",
			wantBody: "\x1f\x8b raw",
		},
		{
			name:   "HEAD writes no body",
			method: http.MethodHead,
			status: http.StatusOK,
			header: jsonHeader(),
			body:   `{"id":7}`,
		},
		{
			name:   "204 writes no body",
			method: http.MethodDelete,
			status: http.StatusNoContent,
			header: http.Header{},
			body:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, testConfig("https://api.example.com"))
			rec := httptest.NewRecorder()
			resp := &model.ProxyResponse{
				StatusCode: tt.status,
				Header:     tt.header,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}

			require.NoError(t, svc.Relay(rec, resp, tt.method, ""))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantLength != "" {
				assert.Equal(t, tt.wantLength, rec.Header().Get("Content-Length"))
			}
		})
	}
}

func TestRelay_CORSWinsOverBackend(t *testing.T) {
	cfg := testConfig("https://api.example.com")
	cfg.CORS.AllowOrigins = []string{"https://app.example.com"}
	svc := newTestService(t, cfg)

	rec := httptest.NewRecorder()
	resp := &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Access-Control-Allow-Origin": {"https://backend.example.com"},
			"Vary":                        {"Accept-Encoding"},
		},
		Body: http.NoBody,
	}

	require.NoError(t, svc.Relay(rec, resp, http.MethodGet, "https://app.example.com"))

	assert.Equal(t, []string{"https://app.example.com"}, rec.Header().Values("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{"Accept-Encoding", "Origin"}, rec.Header().Values("Vary"))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestRelay_ReadErrorBeforeCommit(t *testing.T) {
	svc := newTestService(t, testConfig("https://api.example.com"))
	rec := httptest.NewRecorder()
	resp := &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(failingReader{}),
	}

	err := svc.Relay(rec, resp, http.MethodGet, "")
	require.Error(t, err)
	assert.Equal(t, BackendUnreachable, Classify(err))
	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Body.Bytes())
}

type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestRelay_ClientWriteFailure(t *testing.T) {
	svc := newTestService(t, testConfig("https://api.example.com"))
	w := brokenWriter{httptest.NewRecorder()}
	resp := &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/octet-stream"}},
		Body:       io.NopCloser(bytes.NewReader([]byte{1, 2, 3})),
	}

	err := svc.Relay(w, resp, http.MethodGet, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientWrite)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"proxy error kind wins", newError(BodyParseFailure, "bad", context.Canceled), BodyParseFailure},
		{"config missing", fmt.Errorf("wrap: %w", ErrConfigMissing), ConfigMissing},
		{"invalid json", fmt.Errorf("wrap: %w", strategy.ErrInvalidJSON), BodyParseFailure},
		{"body too large", strategy.ErrBodyTooLarge, BodyParseFailure},
		{"upload read", &url.Error{Op: "Post", URL: "http://x", Err: fmt.Errorf("%w: %w", ErrRequestBody, io.ErrUnexpectedEOF)}, BodyParseFailure},
		{"deadline", context.DeadlineExceeded, BackendUnreachable},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, BackendUnreachable},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, BackendUnreachable},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: io.ErrUnexpectedEOF}, BackendUnreachable},
		{"anything else", errors.New("odd"), InternalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestProxyError(t *testing.T) {
	cause := errors.New("refused")
	err := newError(BackendUnreachable, "backend request failed", cause)

	assert.Equal(t, "backend_unreachable: backend request failed: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "config_missing: unset", newError(ConfigMissing, "unset", nil).Error())
	assert.Equal(t, "backend_error", BackendError.String())
	assert.Equal(t, "internal_failure", Kind(99).String())
}
