package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/kradalby/hpa-power/power"
)

// DefaultPath is the state endpoint served by the relay.
const DefaultPath = "/hpa_power_set"

const maxBodySize = 4096

// Error classes. Use errors.Is to branch on them.
var (
	ErrTransport = errors.New("transport failure")
	ErrStatus    = errors.New("unexpected HTTP status")
	ErrMalformed = errors.New("malformed response")
)

// StatusError carries the HTTP status of a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrStatus, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Result is delivered once per asynchronous request.
type Result struct {
	RequestID string
	State     power.State
	Err       error
}

// Client talks to a /hpa_power_set endpoint.
type Client struct {
	endpoint string
	path     string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPath overrides the endpoint path. New rejects paths that are not absolute.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// New returns a client for the relay at baseURL, e.g. "http://hpa.local".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: missing host", baseURL)
	}

	c := &Client{
		path:   DefaultPath,
		http:   http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	p, err := url.Parse(c.path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", c.path, err)
	}
	if p.Scheme != "" || p.Host != "" || !strings.HasPrefix(p.Path, "/") || p.RawQuery != "" {
		return nil, fmt.Errorf("invalid path %q: must be an absolute path", c.path)
	}
	u.Path = p.Path
	c.endpoint = u.String()

	return c, nil
}

// Endpoint returns the resolved state URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Get reads the current power state.
func (c *Client) Get(ctx context.Context) (power.State, error) {
	return c.get(ctx, uuid.NewString())
}

// Set requests the given state and returns the state the server reports back.
func (c *Client) Set(ctx context.Context, on power.State) (power.State, error) {
	return c.set(ctx, uuid.NewString(), on)
}

// Fetch runs Get in the background. The channel receives exactly one Result.
func (c *Client) Fetch(ctx context.Context) <-chan Result {
	id := uuid.NewString()
	out := make(chan Result, 1)
	go func() {
		state, err := c.get(ctx, id)
		out <- Result{RequestID: id, State: state, Err: err}
	}()
	return out
}

// Submit runs Set in the background. The channel receives exactly one Result.
func (c *Client) Submit(ctx context.Context, on power.State) <-chan Result {
	id := uuid.NewString()
	out := make(chan Result, 1)
	go func() {
		state, err := c.set(ctx, id, on)
		out <- Result{RequestID: id, State: state, Err: err}
	}()
	return out
}

func (c *Client) get(ctx context.Context, id string) (power.State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return power.Off, fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, id)
}

func (c *Client) set(ctx context.Context, id string, on power.State) (power.State, error) {
	form := url.Values{"state": {on.Token()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return power.Off, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, id)
}

func (c *Client) do(req *http.Request, id string) (power.State, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", id)

	c.logger.Debug("sending power request", "request_id", id, "method", req.Method, "url", c.endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		return power.Off, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close response body", "request_id", id, "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return power.Off, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return power.Off, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	state, err := power.DecodeResponse(body)
	if err != nil {
		return power.Off, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	c.logger.Debug("power request completed", "request_id", id, "state", state)
	return state, nil
}
