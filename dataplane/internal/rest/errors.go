package rest

import (
	"fmt"

	"github.com/pkg/errors"
)

// APIError is a non-2xx exchange response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsTerminal reports a 4xx response, which is not retried.
func (e *APIError) IsTerminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsTerminal reports whether err carries a terminal APIError.
func IsTerminal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsTerminal()
}
