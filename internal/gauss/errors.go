package gauss

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the vendor or an egress proxy.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying on the same path.
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FromGateway reports whether the status is one an egress proxy answers with
// when it cannot reach the vendor. Such answers count as connectivity failures.
func (e *StatusError) FromGateway() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// vendorError converts a status the vendor itself produced into an APIError.
// Gateway statuses and transport failures yield nil.
func vendorError(err error) *APIError {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.FromGateway() {
		return nil
	}
	return &APIError{
		StatusCode: statusErr.StatusCode,
		Message:    fmt.Sprintf("vendor answered with status %d", statusErr.StatusCode),
		Err:        statusErr,
	}
}

// APIError means the vendor was reached but answered with an error status or a
// payload that could not be used.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gauss api error: %s: %v", e.Message, e.Err)
	}
	return "gauss api error: " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ConnectionError means no egress path could deliver the call.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("all %d egress paths failed, last error: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
