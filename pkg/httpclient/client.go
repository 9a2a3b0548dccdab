// Package httpclient provides the HTTP client shared by the providers. It
// applies per-host authentication, sets the engine's User-Agent and maps
// response statuses onto the error taxonomy so the fetch executor can tell
// retryable failures from permanent ones.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/glorpus-work/dataget/pkg/auth"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
)

// DefaultUserAgent identifies the engine to remote servers.
const DefaultUserAgent = "dataget/1.0"

// Client wraps http.Client with authentication and status classification.
type Client struct {
	client    *http.Client
	userAgent string
	auth      map[string]auth.Authenticator
}

// New creates a client. The timeout bounds each request; authMap applies
// credentials to requests whose host matches a key.
func New(timeout time.Duration, userAgent string, authMap map[string]auth.Authenticator) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		auth:      authMap,
	}
}

// HTTP exposes the underlying http.Client for callers that drive requests
// themselves.
func (c *Client) HTTP() *http.Client {
	return c.client
}

// Get issues a GET and returns the response with the body still open. The
// caller owns the body. Non-200 statuses are closed and classified.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Transient(errors.Wrapf(err, "request to %s failed", rawURL))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, ClassifyStatus(rawURL, resp.StatusCode)
	}
	return resp, nil
}

// GetJSON issues a GET and decodes a JSON response body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Transient(errors.Wrapf(err, "request to %s failed", rawURL))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ClassifyStatus(rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", rawURL)
	}
	return nil
}

// DownloadFile streams a GET response into destPath and returns the number
// of bytes written. Parent directories are created as needed.
func (c *Client) DownloadFile(ctx context.Context, rawURL, destPath string) (int64, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := fsutil.EnsureFileDir(destPath); err != nil {
		return 0, err
	}
	file, err := fsutil.CreateFilePerm(destPath, fsutil.FileModeDefault)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", destPath)
	}

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		_ = file.Close()
		return written, errors.Transient(errors.Wrapf(err, "failed to download %s", rawURL))
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return written, errors.Wrapf(err, "failed to sync %s", destPath)
	}
	if err := file.Close(); err != nil {
		return written, errors.Wrapf(err, "failed to close %s", destPath)
	}
	return written, nil
}

// ContentLength asks the server for the payload size via HEAD. Returns -1
// when the server does not advertise one.
func (c *Client) ContentLength(ctx context.Context, rawURL string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return -1, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return -1, errors.Transient(errors.Wrapf(err, "request to %s failed", rawURL))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return -1, ClassifyStatus(rawURL, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %s", rawURL)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.applyAuth(req); err != nil {
		return nil, err
	}
	return req, nil
}

// applyAuth attaches credentials for the request host, if configured.
func (c *Client) applyAuth(req *http.Request) error {
	if len(c.auth) == 0 {
		return nil
	}
	authenticator, ok := c.auth[req.URL.Host]
	if !ok {
		authenticator, ok = c.auth[req.URL.Hostname()]
	}
	if !ok || authenticator == nil {
		return nil
	}
	if err := authenticator.Apply(req); err != nil {
		return errors.Wrapf(err, "failed to apply auth for %s", req.URL.Host)
	}
	return nil
}

// ClassifyStatus maps an HTTP status onto the error taxonomy. Server-side
// and throttling statuses are transient; auth statuses abort immediately;
// everything else is a permanent failure. Providers that drive their own
// requests classify through this too.
func ClassifyStatus(rawURL string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrapf(errors.ErrAuthorization, "%s returned status %d", rawURL, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return errors.Transient(fmt.Errorf("%s returned status %d", rawURL, status))
	default:
		return fmt.Errorf("%s returned unexpected status %d", rawURL, status)
	}
}
