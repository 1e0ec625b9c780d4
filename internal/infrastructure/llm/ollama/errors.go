package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// Embedding batches are the largest responses; 64 MiB holds a few thousand
// 1024-dimension vectors.
const maxResponseBytes = 64 << 20

// HTTPStatusError is a request Ollama answered with an error.
type HTTPStatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ollama %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("ollama %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// ModelMissing reports whether the configured model has not been pulled.
func (e *HTTPStatusError) ModelMissing() bool {
	return e.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "not found")
}

// classifyFailure tags an endpoint error with its domain failure and, when
// the same request may succeed later, with ErrRateLimited or ErrTemporary.
// Context errors keep their identity so callers can tell their own deadline
// from the server's.
func classifyFailure(ep endpoint, err error) error {
	op := "ollama " + ep.name
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return domain.WrapError(ep.failure, op, fmt.Errorf("%w: %w", domain.ErrRateLimited, err))
		case statusErr.ModelMissing():
			return domain.WrapError(ep.failure, op, fmt.Errorf("model not pulled: %w", err))
		case transientStatus(statusErr.StatusCode):
			return domain.WrapError(ep.failure, op, fmt.Errorf("%w: %w", domain.ErrTemporary, err))
		default:
			return domain.WrapError(ep.failure, op, err)
		}
	case isConnectionFailure(err):
		return domain.WrapError(ep.failure, op, fmt.Errorf("%w: %w", domain.ErrTemporary, err))
	default:
		return domain.WrapError(ep.failure, op, err)
	}
}

// isConnectionFailure covers refused connections and transport timeouts, but
// not the caller's own context ending.
func isConnectionFailure(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func transientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
