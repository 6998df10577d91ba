package rest

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrServerError      = errors.New("server error")
	ErrHTTP             = errors.New("http error")
	ErrClientClosed     = errors.New("rest client is closed")
)

// ErrorBody is the error shape Discord returns for failed requests.
type ErrorBody struct {
	Message string             `json:"message"`
	Code    int                `json:"code"`
	Errors  stdjson.RawMessage `json:"errors,omitempty"`
}

// APIError carries the classified status plus the raw response body for
// diagnostics. errors.Is works against the sentinel for the status class.
type APIError struct {
	Status int
	Body   ErrorBody
	Raw    []byte
}

func newAPIError(status int, raw []byte) *APIError {
	e := &APIError{Status: status, Raw: raw}
	// Best effort; some error responses are not JSON.
	_ = json.Unmarshal(raw, &e.Body)
	return e
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("discord api error: status %d, code %d: %s", e.Status, e.Body.Code, e.Body.Message)
	}
	return fmt.Sprintf("discord api error: status %d", e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	}
	if e.Status >= 500 {
		return ErrServerError
	}
	return ErrHTTP
}
