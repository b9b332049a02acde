package api

import (
	"fmt"
	"net/http"

	"emperror.dev/errors"
)

var (
	// ErrSequenceConsumed is yielded when a page sequence is ranged over a second time.
	ErrSequenceConsumed = errors.NewPlain("github: page sequence already consumed")

	// ErrUnauthorized indicates the token was rejected.
	ErrUnauthorized = errors.NewPlain("github: authentication rejected")
)

// APIError represents a non-retryable GitHub API error response.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: API error %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound checks if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsUnauthorized checks if the error indicates an authentication failure.
func IsUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized || errors.Is(err, ErrUnauthorized)
}

// IsForbidden checks if the error indicates a forbidden resource.
func IsForbidden(err error) bool {
	return statusOf(err) == http.StatusForbidden
}

// IsGone checks if the error indicates a resource that was removed or disabled.
func IsGone(err error) bool {
	return statusOf(err) == http.StatusGone
}

// IsClientError reports whether the API rejected the request itself (4xx),
// as opposed to a transport failure or a server error that outlived retries.
func IsClientError(err error) bool {
	code := statusOf(err)
	return code >= 400 && code < 500
}
