package jenkins

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyNodeName is returned when a node endpoint is called without a node name.
var ErrEmptyNodeName = errors.New("node name must not be empty")

// Error is returned for every failed call against the Jenkins API, whether
// the request never completed or Jenkins answered with an unexpected status.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jenkins %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("jenkins %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a Jenkins 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAPIError reports whether err came from the Jenkins API.
func IsAPIError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}
