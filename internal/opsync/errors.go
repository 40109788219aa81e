// Package opsync implements the orchestrator.Adapter protocol against a
// sequence-numbered operation-sync server: GET/POST /api/sync/ops, snapshot
// bootstrap, clean-slate re-initialization, and bearer-token auth with a
// one-shot refresh-then-retry on a transient 401.
package opsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
var (
	ErrBadRequest    = errors.New("opsync: bad request")
	ErrUnauthorized  = errors.New("opsync: unauthorized")
	ErrForbidden     = errors.New("opsync: forbidden")
	ErrNotFound      = errors.New("opsync: not found")
	ErrCursorExpired = errors.New("opsync: cursor expired")
	ErrThrottled     = errors.New("opsync: throttled")
	ErrServerError   = errors.New("opsync: server error")
)

// ServerError wraps a sentinel error with the HTTP status code and response
// body for debugging, the way graph.GraphError does.
type ServerError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("opsync: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a status code to a sentinel error. Returns nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusGone:
		return ErrCursorExpired
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether code warrants a transport-level retry.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
