// Package policy decides which headers cross the proxy in each direction and
// owns the fixed CORS header set attached to every response.
package policy

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/gddo/httputil/header"

	"cors-proxy/internal/config"
	"cors-proxy/internal/model"
)

const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderMaxAge           = "Access-Control-Max-Age"

	corsPrefix = "Access-Control-"
)

// framingHeaders are regenerated by the outbound transport and never copied.
var framingHeaders = map[string]bool{
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
}

// hopByHopHeaders apply to a single connection and are never forwarded in
// either direction. Names are canonical.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Policy is the header policy for one configured proxy. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	anyOrigin     bool
	origins       map[string]bool
	defaultOrigin string
	methods       string
	headers       string
	credentials   bool
	maxAge        string

	deny  map[string]bool
	allow map[string]bool
}

// New builds a Policy from the CORS and header forwarding configuration.
func New(cfg *config.Config) *Policy {
	p := &Policy{
		origins:     make(map[string]bool),
		methods:     strings.Join(cfg.CORS.AllowMethods, ", "),
		headers:     strings.Join(cfg.CORS.AllowHeaders, ", "),
		credentials: cfg.CORS.AllowCredentials,
		deny:        canonicalSet(cfg.Headers.Deny),
		allow:       canonicalSet(cfg.Headers.Allow),
	}
	for _, o := range cfg.CORS.AllowOrigins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		if p.defaultOrigin == "" {
			p.defaultOrigin = o
		}
		p.origins[o] = true
	}
	if !p.anyOrigin && p.defaultOrigin == "" {
		p.anyOrigin = true
	}
	if cfg.CORS.MaxAgeSeconds > 0 {
		p.maxAge = strconv.Itoa(cfg.CORS.MaxAgeSeconds)
	}
	return p
}

func canonicalSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(strings.TrimSpace(n))] = true
	}
	return set
}

// CORSHeaders returns the fixed CORS header set for a caller with the given
// Origin. Allow-Origin is always present: "*" in open mode, the caller's
// origin when allow-listed, otherwise the first configured origin.
func (p *Policy) CORSHeaders(origin string) http.Header {
	h := make(http.Header, 6)
	switch {
	case p.anyOrigin:
		h.Set(HeaderAllowOrigin, "*")
	case p.origins[origin]:
		h.Set(HeaderAllowOrigin, origin)
		h.Set("Vary", "Origin")
	default:
		h.Set(HeaderAllowOrigin, p.defaultOrigin)
		h.Set("Vary", "Origin")
	}
	if p.methods != "" {
		h.Set(HeaderAllowMethods, p.methods)
	}
	if p.headers != "" {
		h.Set(HeaderAllowHeaders, p.headers)
	}
	if p.credentials {
		h.Set(HeaderAllowCredentials, "true")
	}
	if p.maxAge != "" {
		h.Set(HeaderMaxAge, p.maxAge)
	}
	return h
}

// ApplyCORS writes the CORS set onto dst, overwriting any existing values.
// Vary is merged rather than replaced.
func (p *Policy) ApplyCORS(dst http.Header, origin string) {
	for key, vals := range p.CORSHeaders(origin) {
		if key == "Vary" {
			addVary(dst, vals[0])
			continue
		}
		dst[key] = vals
	}
}

func addVary(dst http.Header, token string) {
	for _, v := range header.ParseList(dst, "Vary") {
		if strings.EqualFold(v, token) || v == "*" {
			return
		}
	}
	dst.Add("Vary", token)
}

// FilterInbound returns the headers to send to the backend. Framing and
// hop-by-hop headers are dropped along with any header named by Connection,
// then the deny and allow lists apply. Content-Type is rewritten to match the
// body actually sent: removed when no body is sent, regenerated for multipart
// streams, forced to application/json for re-encoded JSON.
func (p *Policy) FilterInbound(src http.Header, sel model.Selection) http.Header {
	dst := make(http.Header, len(src))
	listed := connectionTokens(src)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if framingHeaders[ck] || hopByHopHeaders[ck] || listed[ck] || p.deny[ck] {
			continue
		}
		if len(p.allow) > 0 && !p.allow[ck] {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}

	switch {
	case sel.Strategy == model.NoBody:
		dst.Del("Content-Type")
	case sel.Multipart():
		dst.Del("Content-Type")
		dst.Set("Content-Type", mime.FormatMediaType(sel.MediaType, map[string]string{"boundary": sel.Boundary}))
	case sel.Strategy == model.BufferedJSON:
		dst.Set("Content-Type", "application/json")
	}
	return dst
}

// FilterOutbound returns the backend response headers that may be relayed to
// the caller. Hop-by-hop headers and every Access-Control-* header are
// removed so the proxy's own CORS set is the only one the caller sees.
func (p *Policy) FilterOutbound(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	listed := connectionTokens(src)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[ck] || listed[ck] || strings.HasPrefix(ck, corsPrefix) {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}
	return dst
}

// connectionTokens returns the canonical header names listed in Connection.
func connectionTokens(h http.Header) map[string]bool {
	tokens := header.ParseList(h, "Connection")
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[http.CanonicalHeaderKey(t)] = true
	}
	return set
}
