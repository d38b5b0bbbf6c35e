// Package upstream is the worker's HTTP client to the Flamenco Manager:
// a thin, cancellable transport with bearer auth, plus the error
// classification (transient vs terminal vs the update-queue's special
// 409 case) the rest of the worker relies on.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/deepmap/oapi-codegen/pkg/securityprovider"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// ErrUnreachable means the Manager could not be contacted at all
// (connection refused, DNS failure, timeout establishing the
// connection) as opposed to an HTTP-level error response.
var ErrUnreachable = errors.New("upstream: manager unreachable")

// StatusError wraps a non-2xx HTTP response. Callers distinguish 409
// (special queue-discard meaning), other 4xx (terminal) and 5xx
// (retryable) via the StatusCode field.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: manager returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the caller should retry the request: 5xx
// responses are assumed to be transient server trouble, 4xx are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	timeout    time.Duration
}

func defaultOptions() *options {
	return &options{
		httpClient: &http.Client{},
		timeout:    30 * time.Second,
	}
}

// WithHTTPClient overrides the underlying *http.Client (used by tests to
// point at an httptest.Server, or to install custom transport tracing).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout applied when ctx carries no
// deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Client talks to a single Flamenco Manager instance on behalf of one
// worker identity.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	authorize  func(ctx context.Context, req *http.Request) error
}

// NewClient builds a Client for the given Manager base URL, authenticating
// every request with accessToken as a bearer credential.
func NewClient(baseURL, accessToken string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	provider, err := securityprovider.NewSecurityProviderBearerToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("upstream: constructing bearer provider: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: o.httpClient,
		timeout:    o.timeout,
		authorize:  provider.Intercept,
	}, nil
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

// Post sends body as JSON to path and decodes a JSON response into out
// (out may be nil to discard the body). A non-2xx response is returned
// as a *StatusError after the body is drained, so callers can inspect
// StatusCode (e.g. 409) without leaking the connection.
func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	resp, err := c.do(ctx, http.MethodPost, path, reader, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeOrError(resp, out)
}

// PostRaw posts a pre-encoded JSON body verbatim (used by the update
// queue, whose payloads are already serialized JSON read back from the
// durable store) and reports only the resulting status, via *StatusError
// when non-2xx.
func (c *Client) PostRaw(ctx context.Context, path string, body []byte) error {
	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeOrError(resp, nil)
}

// Get issues a GET request and decodes a JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeOrError(resp, out)
}

// Download streams a binary artifact at path to dest, creating or
// truncating it.
func (c *Client) Download(ctx context.Context, path, dest string) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}

	logger.WithComponent("upstream").Debug().Str("path", path).Str("dest", dest).Msg("downloaded artifact")
	return nil
}

func decodeOrError(resp *http.Response, out interface{}) error {
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
