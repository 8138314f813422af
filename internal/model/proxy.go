// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Strategy is the body forwarding strategy chosen for one request.
type Strategy int

const (
	// NoBody forwards no request body (GET, HEAD).
	NoBody Strategy = iota
	// BufferedJSON reads the body fully and re-encodes it as canonical JSON.
	BufferedJSON
	// RawStream pipes the inbound bytes to the backend unmodified.
	RawStream
)

// String returns the strategy name used in logs.
func (s Strategy) String() string {
	switch s {
	case NoBody:
		return "no_body"
	case BufferedJSON:
		return "buffered_json"
	case RawStream:
		return "raw_stream"
	default:
		return "unknown"
	}
}

// Selection is the outcome of body strategy selection.
// MediaType and Boundary are parsed from the inbound Content-Type; Boundary is
// only set for multipart bodies.
type Selection struct {
	Strategy  Strategy
	MediaType string
	Boundary  string
}

// Multipart reports whether the body is a multipart stream whose boundary
// declaration must be regenerated by the proxy.
func (s Selection) Multipart() bool {
	return s.Strategy == RawStream && s.Boundary != ""
}

// Body is the outbound request body. Exactly one of the three shapes exists:
// EmptyBody, BufferedBody or StreamBody.
type Body interface {
	isBody()
}

// EmptyBody carries no bytes.
type EmptyBody struct{}

// BufferedBody carries a fully materialized payload.
type BufferedBody struct {
	Data []byte
}

// StreamBody carries a live, single-use byte stream. Length is -1 when unknown.
type StreamBody struct {
	Reader io.ReadCloser
	Length int64
}

func (EmptyBody) isBody()    {}
func (BufferedBody) isBody() {}
func (StreamBody) isBody()   {}

// ProxyRequest represents a caller request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // value of the path routing parameter
	Query         url.Values
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// OutboundRequest is the fully translated request sent to the backend.
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   Body
}

// ProxyResponse represents the backend response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
