package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/gddo/httputil/header"

	"cors-proxy/internal/model"
)

// copyBufferSize bounds the memory used per streamed response.
const copyBufferSize = 32 * 1024

// ErrClientWrite marks a failure writing to the caller after the response was committed.
var ErrClientWrite = errors.New("write to caller failed")

// Relay writes resp to w: the backend status verbatim, the already filtered
// backend headers overlaid with the CORS set, then the body. JSON bodies up to
// relay.json_max_bytes are compacted; everything else is piped without
// buffering. Errors returned before anything was written leave w untouched so
// the caller can still send an error response.
func (s *ProxyService) Relay(w http.ResponseWriter, resp *model.ProxyResponse, method, origin string) error {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	s.policy.ApplyCORS(h, origin)

	commit := func() {
		dst := w.Header()
		for k, v := range h {
			dst[k] = v
		}
		w.WriteHeader(resp.StatusCode)
	}

	if !bodyAllowed(method, resp.StatusCode) || resp.Body == nil || resp.Body == http.NoBody {
		commit()
		return nil
	}

	if isJSONResponse(h) {
		return s.relayJSON(w, h, resp.Body, commit)
	}

	commit()
	return copyFlush(w, resp.Body)
}

// relayJSON buffers at most JSONMaxBytes of a JSON body and compacts it.
// Larger or malformed bodies are passed through unchanged.
func (s *ProxyService) relayJSON(w http.ResponseWriter, h http.Header, body io.Reader, commit func()) error {
	limit := s.cfg.Relay.JSONMaxBytes
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return newError(BackendUnreachable, "reading backend response failed", err)
	}

	if int64(len(data)) > limit {
		commit()
		return copyFlush(w, io.MultiReader(bytes.NewReader(data), body))
	}

	if len(data) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err == nil {
			data = buf.Bytes()
			h.Set("Content-Length", strconv.Itoa(len(data)))
		} else {
			s.logger.Debug("backend sent malformed JSON; relaying raw bytes", "err", err)
		}
	}

	commit()
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrClientWrite, err)
	}
	return nil
}

// copyFlush pipes r to w in bounded chunks, flushing after each write so
// streamed responses reach the caller as they arrive.
func copyFlush(w http.ResponseWriter, r io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %w", ErrClientWrite, werr)
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read backend body: %w", rerr)
		}
	}
}

// bodyAllowed reports whether a response to method with status may carry a body.
func bodyAllowed(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// isJSONResponse reports whether h declares an uncompressed JSON body.
func isJSONResponse(h http.Header) bool {
	if ce := h.Get("Content-Encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
		return false
	}
	mediaType, _ := header.ParseValueAndParams(h, "Content-Type")
	mediaType = strings.ToLower(mediaType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
