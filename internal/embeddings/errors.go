package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider returned no usable vector.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrProvider matches every *ProviderError.
	ErrProvider = errors.New("embedding provider failure")

	// ErrClosed is returned by a Gateway after Close.
	ErrClosed = errors.New("embedding gateway closed")
)

// ProviderError is returned by the Gateway once retries are exhausted or the
// failure is permanent.
type ProviderError struct {
	Op       string
	Model    string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embeddings %s (model %s) failed after %d attempt(s): %v", e.Op, e.Model, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// StatusError is a non-2xx provider HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter int // seconds, from the Retry-After header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", ErrEmbeddingFailed, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrEmbeddingFailed }

// transient reports whether err is worth retrying: timeouts, throttling and
// server-side failures. Malformed responses and client errors are not.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
