package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"cors-proxy/internal/strategy"
)

var (
	// ErrConfigMissing is returned for every request while no backend base URL is configured.
	ErrConfigMissing = errors.New("backend base URL is not configured")
	// ErrRequestBody marks a failure reading the caller's body while it is
	// being streamed to the backend.
	ErrRequestBody = errors.New("read request body")
)

// Kind classifies a proxy failure.
type Kind int

const (
	// InternalFailure is any local failure not covered by a more specific kind.
	InternalFailure Kind = iota
	// ConfigMissing means the backend base URL is unset.
	ConfigMissing
	// BodyParseFailure means the request body could not be read or re-encoded.
	BodyParseFailure
	// BackendUnreachable means the backend call failed at the network level.
	BackendUnreachable
	// BackendError marks a non-2xx backend status. It is relayed verbatim and
	// never turned into a proxy error response.
	BackendError
)

// String returns the kind label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case ConfigMissing:
		return "config_missing"
	case BodyParseFailure:
		return "body_parse_failure"
	case BackendUnreachable:
		return "backend_unreachable"
	case BackendError:
		return "backend_error"
	default:
		return "internal_failure"
	}
}

// ProxyError is a classified failure raised while translating, forwarding or
// relaying one request. Status carries the backend status when one was received.
type ProxyError struct {
	Kind    Kind
	Message string
	Status  int
	Cause   error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, msg string, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Message: msg, Cause: cause}
}

// Classify returns the kind of err. Unclassified errors are inspected for
// network and body failures before falling back to InternalFailure.
func Classify(err error) Kind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrConfigMissing):
		return ConfigMissing
	case errors.Is(err, ErrRequestBody), errors.Is(err, strategy.ErrInvalidJSON), errors.Is(err, strategy.ErrBodyTooLarge):
		return BodyParseFailure
	case isNetworkError(err):
		return BackendUnreachable
	default:
		return InternalFailure
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// bodyReader tags read errors of the inbound body so a failed upload is not
// mistaken for an unreachable backend once the transport reports it.
type bodyReader struct {
	io.ReadCloser
}

func (r bodyReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", ErrRequestBody, err)
	}
	return n, err
}
