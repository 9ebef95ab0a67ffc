package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized means the session token (or credentials) were rejected.
// Callers must re-authenticate before the next request.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is a non-success HTTP response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

// Unwrap maps 401/403 to ErrUnauthorized so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}
