// Package github talks to the GitHub REST API, the raw content host and the
// LFS media host to list repository trees and download individual files.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "mapsyncd/1.0"

	defaultTimeout         = 30 * time.Second
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// Client provides the remote operations needed to mirror a repository
type Client interface {
	// ResolveBranch returns override when set, otherwise the repository default branch
	ResolveBranch(ctx context.Context, repo, override string) (string, error)
	// ListTree returns the recursive file listing of branch
	ListTree(ctx context.Context, repo, branch string) ([]TreeEntry, error)
	// FetchFile downloads path at branch; sha enables the blob fallback
	FetchFile(ctx context.Context, repo, branch, path, sha string) ([]byte, error)
}

// Settings is the immutable connection configuration shared by every request.
type Settings struct {
	APIURL   string
	RawURL   string
	MediaURL string
	Token    string

	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt for
	// transient failures (429, 502, 503, 504, network timeouts).
	MaxRetries int
	// RetryInterval is the initial backoff interval; it doubles up to 10s.
	RetryInterval time.Duration
}

// RESTClient implements Client over plain HTTPS
type RESTClient struct {
	settings Settings
	http     *http.Client
	logger   *slog.Logger
}

// NewRESTClient creates a client for the given settings
func NewRESTClient(settings Settings, logger *slog.Logger) *RESTClient {
	if settings.Timeout == 0 {
		settings.Timeout = defaultTimeout
	}
	if settings.RetryInterval == 0 {
		settings.RetryInterval = defaultInitialInterval
	}
	settings.APIURL = strings.TrimRight(settings.APIURL, "/")
	settings.RawURL = strings.TrimRight(settings.RawURL, "/")
	settings.MediaURL = strings.TrimRight(settings.MediaURL, "/")

	return &RESTClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeout},
		logger:   logger,
	}
}

// Authenticated reports whether requests carry a token
func (c *RESTClient) Authenticated() bool {
	return c.settings.Token != ""
}

// get performs a GET request with retries and returns the response body.
// Non-2xx responses surface as *HTTPError.
func (c *RESTClient) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		if attempt > 1 {
			c.logger.Debug("retrying request", "url", rawURL, "attempt", attempt)
		}

		body, err := c.do(ctx, rawURL, accept)
		if err == nil {
			return body, nil
		}
		if isRetryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.settings.MaxRetries+1)),
	)
}

func (c *RESTClient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.settings.RetryInterval
	b.MaxInterval = defaultMaxInterval
	return b
}

func (c *RESTClient) do(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.settings.Token != "" {
		req.Header.Set("Authorization", "token "+c.settings.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := NewHTTPError(resp.StatusCode, rawURL, resp.Status)
		if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
			httpErr.RateLimited = true
		}
		return nil, httpErr
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return body, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return isRetryableStatus(httpErr.StatusCode)
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// escapePath escapes every segment of a slash separated path while keeping
// the separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
