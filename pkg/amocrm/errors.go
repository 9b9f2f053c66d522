package amocrm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindServer      ErrorKind = "server"
	KindTransport   ErrorKind = "transport"
)

// APIError describes a failed amoCRM call. StatusCode is 0 for transport
// failures.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Method     string
	Path       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("amocrm: %s %s: %s: %s", e.Method, e.Path, e.Kind, e.Message)
	}
	return fmt.Sprintf("amocrm: %s %s: HTTP %d (%s): %s", e.Method, e.Path, e.StatusCode, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first APIError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return "", false
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status == 400 || status == 422:
		return KindValidation
	case status == 404:
		return KindNotFound
	default:
		return KindServer
	}
}
