// Package strategy selects how a request body crosses the proxy and prepares
// the outbound body accordingly.
package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/golang/gddo/httputil/header"

	"cors-proxy/internal/model"
)

var (
	// ErrInvalidJSON is returned when a buffered body is not a single JSON value.
	ErrInvalidJSON = errors.New("request body is not valid JSON")
	// ErrBodyTooLarge is returned when a buffered body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// Select chooses the body strategy from the method and Content-Type alone.
// GET and HEAD never carry a body. An absent or JSON content type is
// buffered and re-encoded; every other content type, multipart included,
// is streamed byte-for-byte.
func Select(method, contentType string) model.Selection {
	if method == http.MethodGet || method == http.MethodHead {
		return model.Selection{Strategy: model.NoBody}
	}

	mediaType, params := parseContentType(contentType)
	switch {
	case mediaType == "" || isJSON(mediaType):
		return model.Selection{Strategy: model.BufferedJSON, MediaType: mediaType}
	case strings.HasPrefix(mediaType, "multipart/"):
		return model.Selection{Strategy: model.RawStream, MediaType: mediaType, Boundary: boundary(contentType, params)}
	default:
		return model.Selection{Strategy: model.RawStream, MediaType: mediaType}
	}
}

func parseContentType(contentType string) (string, map[string]string) {
	if strings.TrimSpace(contentType) == "" {
		return "", nil
	}
	value, params := header.ParseValueAndParams(http.Header{"Content-Type": {contentType}}, "Content-Type")
	return strings.ToLower(value), params
}

// boundary returns the multipart boundary only when the header parses
// unambiguously. An empty result keeps the inbound Content-Type as sent.
func boundary(contentType string, params map[string]string) string {
	b := params["boundary"]
	if _, strict, err := mime.ParseMediaType(contentType); err != nil || strict["boundary"] != b {
		return ""
	}
	return b
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Prepare turns the inbound body into the outbound body for sel.
// maxBytes bounds buffered bodies; zero disables the bound. Streams are never
// read here: ownership of body passes to the returned StreamBody.
func Prepare(sel model.Selection, body io.ReadCloser, contentLength, maxBytes int64) (model.Body, error) {
	switch sel.Strategy {
	case model.RawStream:
		if body == nil || body == http.NoBody {
			return model.EmptyBody{}, nil
		}
		return model.StreamBody{Reader: body, Length: contentLength}, nil
	case model.BufferedJSON:
		if body == nil {
			return model.EmptyBody{}, nil
		}
		data, err := readAll(body, maxBytes)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return model.EmptyBody{}, nil
		}
		canonical, err := Canonicalize(data)
		if err != nil {
			return nil, err
		}
		return model.BufferedBody{Data: canonical}, nil
	default:
		return model.EmptyBody{}, nil
	}
}

func readAll(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, maxBytes)
	}
	return data, nil
}

// Canonicalize decodes exactly one JSON value and re-encodes it with sorted
// object keys, no insignificant whitespace, unescaped HTML characters and
// numbers preserved verbatim.
func Canonicalize(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after value", ErrInvalidJSON)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
