package github

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable marks failures to resolve or list a repository.
	// The caller skips the repository and continues with the next one.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrFetchFailed marks failures to retrieve a single file.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrRateLimited is matched by an HTTPError for a 403 with an exhausted rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// HTTPError represents a non-2xx response
type HTTPError struct {
	StatusCode  int
	URL         string
	Message     string
	RateLimited bool
}

// Error returns the error message
func (e *HTTPError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("HTTP %d for URL %s: %s (rate limit exceeded)", e.StatusCode, e.URL, e.Message)
	}
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// Is reports whether the response was a rate limit rejection.
func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.RateLimited
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// IsNotFound reports whether err carries an HTTP 404 response
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 404
}

// RemoteUnavailableError is returned when a repository cannot be resolved or listed
type RemoteUnavailableError struct {
	Repo string
	Err  error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("repository %s unavailable: %v", e.Repo, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

func (e *RemoteUnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }

// FetchFailedError is returned when the content of a single file cannot be retrieved
type FetchFailedError struct {
	Repo string
	Path string
	Err  error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("failed to fetch %s:%s: %v", e.Repo, e.Path, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

func (e *FetchFailedError) Is(target error) bool { return target == ErrFetchFailed }
