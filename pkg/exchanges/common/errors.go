package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrOrderNotFound is returned when the venue no longer knows an order id.
var ErrOrderNotFound = errors.New("order not found")

// APIError is a non-2xx reply from a venue.
type APIError struct {
	Venue      string
	StatusCode int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s status %d code %d: %s", e.Venue, e.StatusCode, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s status %d: %s", e.Venue, e.StatusCode, e.Msg)
}

// Rejected reports whether the venue refused the request itself, as opposed
// to being unreachable, throttled or failing internally.
func (e *APIError) Rejected() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusTeapot:
		return false
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	}
	return false
}

// IsRejected reports whether err carries a venue rejection.
func IsRejected(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Rejected()
	}
	return false
}
