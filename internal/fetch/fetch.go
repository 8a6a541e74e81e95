// Package fetch provides the outbound HTTP capability used by the capture pipeline.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserAgent is sent when no user agent is configured. Upstream video
// hosts routinely reject requests without a browser-like identity.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// maxBodySize bounds full-body reads (pages and playlists).
const maxBodySize = 16 << 20

// Fetcher is the network capability consumed by the resolver, parser and downloader.
type Fetcher interface {
	// Probe issues a metadata-only request and returns the HTTP status code.
	Probe(ctx context.Context, url string, timeout time.Duration) (int, error)

	// Get fetches the full response body. Any status other than 200 is an error.
	Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error)

	// Stream opens the response body for streaming. The timeout covers the
	// whole transfer and is released when the returned body is closed.
	Stream(ctx context.Context, url string, timeout time.Duration) (io.ReadCloser, error)
}

// Client is the net/http implementation of Fetcher.
type Client struct {
	http      *http.Client
	userAgent string
}

// New creates a Client that identifies itself with userAgent.
func New(userAgent string) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		http:      &http.Client{},
		userAgent: userAgent,
	}
}

// StatusError is returned when the upstream answers with a non-200 status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Probe sends a HEAD request and reports the status code.
func (c *Client) Probe(ctx context.Context, url string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	return resp.StatusCode, nil
}

// Get fetches url and returns its body.
func (c *Client) Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Stream opens url for streaming.
func (c *Client) Stream(ctx context.Context, url string, timeout time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
