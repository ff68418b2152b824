// Package client provides the HTTP client core: interceptor pipelines,
// per-attempt timeouts, retries with exponential backoff and classified
// errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/hoangphuc173/web1/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webclient_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webclient_request_duration_seconds",
		Help:    "API request duration in seconds by method, retries included",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webclient_errors_total",
		Help: "Total failed API requests by error kind",
	}, []string{"kind"})
)

// Credentials controls whether the cookie jar takes part in a request.
type Credentials string

const (
	// CredentialsInclude sends and stores cookies for every request.
	CredentialsInclude Credentials = "include"

	// CredentialsSameOrigin uses cookies only for requests to the base URL's host.
	CredentialsSameOrigin Credentials = "same-origin"

	// CredentialsOmit never sends or stores cookies.
	CredentialsOmit Credentials = "omit"
)

// DefaultTimeout bounds each attempt when Config.Timeout is not set.
const DefaultTimeout = 30 * time.Second

// RequestOptions describes a single request. Zero fields fall back to the
// client defaults.
type RequestOptions struct {
	Method string

	// Headers override the client default headers key by key.
	Headers map[string]string

	Body []byte

	Credentials Credentials

	// Timeout bounds each attempt, not the whole request.
	Timeout time.Duration

	// Retry overrides the client retry policy.
	Retry *retry.Options
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to every endpoint, e.g. "http://localhost:5000".
	BaseURL string

	// Timeout bounds each attempt. Every retry gets a fresh window.
	Timeout time.Duration

	// Retry is the default retry policy for transport failures.
	Retry retry.Options

	// Headers are sent with every request unless overridden per call.
	Headers map[string]string

	// Credentials is the default cookie mode.
	Credentials Credentials

	// Transport is the round tripper used for all requests
	// (http.DefaultTransport when nil).
	Transport http.RoundTripper

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
		Retry:   retry.DefaultOptions(),
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		Credentials: CredentialsInclude,
	}
}

// Client is the single chokepoint for outbound API calls.
type Client struct {
	baseURL string
	base    *url.URL
	config  Config

	jar          http.CookieJar
	cookieClient *http.Client
	plainClient  *http.Client

	requestChain  chain[RequestInterceptor]
	responseChain chain[ResponseInterceptor]
	errorChain    chain[ErrorInterceptor]

	logger zerolog.Logger
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Credentials == "" {
		cfg.Credentials = CredentialsInclude
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	logger := logging.NewLogger("api-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	cfg.Headers = headers

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		base:         base,
		config:       cfg,
		jar:          jar,
		cookieClient: &http.Client{Transport: cfg.Transport, Jar: jar},
		plainClient:  &http.Client{Transport: cfg.Transport},
		logger:       logger,
	}, nil
}

// AddRequestInterceptor appends a request stage. The returned function
// removes exactly this registration.
func (c *Client) AddRequestInterceptor(fn RequestInterceptor) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return c.requestChain.add(fn)
}

// AddResponseInterceptor appends a response stage.
func (c *Client) AddResponseInterceptor(fn ResponseInterceptor) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return c.responseChain.add(fn)
}

// AddErrorInterceptor appends an error stage.
func (c *Client) AddErrorInterceptor(fn ErrorInterceptor) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return c.errorChain.add(fn)
}

// Jar returns the cookie jar shared by credentialed requests.
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

// BaseURL returns the base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request performs a request to endpoint and decodes a successful JSON
// body into out (out may be nil). Any failure is passed through the error
// interceptors and returned, usually as an *APIError.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions, out any) error {
	merged := c.mergeOptions(opts)

	startTime := time.Now()
	err := c.do(ctx, c.baseURL+endpoint, merged, out)
	requestDuration.WithLabelValues(merged.Method).Observe(time.Since(startTime).Seconds())

	if err == nil {
		c.logger.Debug().
			Str("method", merged.Method).
			Str("endpoint", endpoint).
			Msg("API request succeeded")
		return nil
	}

	err = c.processError(ctx, err)

	event := c.logger.Error().Err(err).Str("method", merged.Method).Str("endpoint", endpoint)
	kind := "other"
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		kind = string(apiErr.Kind())
		event = event.Int("status", apiErr.StatusCode)
	}
	errorsTotal.WithLabelValues(kind).Inc()
	event.Str("error_kind", kind).Msg("API request failed")

	return err
}

// Get performs a GET request with params encoded as the query string.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]any, out any) error {
	if query := BuildQuery(params); query != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + query
	}
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodGet}, out)
}

// Post performs a POST request with data encoded as JSON. A nil data sends
// no body.
func (c *Client) Post(ctx context.Context, endpoint string, data, out any) error {
	return c.withBody(ctx, http.MethodPost, endpoint, data, out)
}

// Put performs a PUT request with data encoded as JSON.
func (c *Client) Put(ctx context.Context, endpoint string, data, out any) error {
	return c.withBody(ctx, http.MethodPut, endpoint, data, out)
}

// Patch performs a PATCH request with data encoded as JSON.
func (c *Client) Patch(ctx context.Context, endpoint string, data, out any) error {
	return c.withBody(ctx, http.MethodPatch, endpoint, data, out)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, out any) error {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodDelete}, out)
}

func (c *Client) withBody(ctx context.Context, method, endpoint string, data, out any) error {
	opts := RequestOptions{Method: method}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		opts.Body = body
	}
	return c.Request(ctx, endpoint, opts, out)
}

// BuildQuery encodes params as a query string. Nil values are skipped,
// keys are sorted, and keys and values are percent-encoded with spaces
// as %20.
func BuildQuery(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escape(k)+"="+escape(fmt.Sprint(params[k])))
	}
	return strings.Join(parts, "&")
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// mergeOptions applies client defaults under the per-call options.
func (c *Client) mergeOptions(opts RequestOptions) RequestOptions {
	merged := opts
	if merged.Method == "" {
		merged.Method = http.MethodGet
	}
	merged.Method = strings.ToUpper(merged.Method)

	merged.Headers = make(map[string]string, len(c.config.Headers)+len(opts.Headers))
	for k, v := range c.config.Headers {
		merged.Headers[k] = v
	}
	for k, v := range opts.Headers {
		merged.Headers[http.CanonicalHeaderKey(k)] = v
	}

	if merged.Credentials == "" {
		merged.Credentials = c.config.Credentials
	}
	if merged.Timeout <= 0 {
		merged.Timeout = c.config.Timeout
	}
	if merged.Retry == nil {
		policy := c.config.Retry
		merged.Retry = &policy
	}
	return merged
}

// do runs the pipeline up to, but not including, the error interceptors.
func (c *Client) do(ctx context.Context, target string, opts RequestOptions, out any) error {
	opts, err := c.processRequest(ctx, target, opts)
	if err != nil {
		return err
	}

	resp, err := retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		return c.attempt(ctx, target, opts)
	}, *opts.Retry)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			// ctx ended during backoff
			apiErr = transportError(err)
			err = apiErr
		}
		requestsTotal.WithLabelValues(opts.Method, string(apiErr.Kind())).Inc()
		return err
	}
	requestsTotal.WithLabelValues(opts.Method, strconv.Itoa(resp.StatusCode)).Inc()

	resp, err = c.processResponse(ctx, resp)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{
			Message:    "read response body: " + err.Error(),
			StatusCode: resp.StatusCode,
			Payload:    map[string]any{},
			Err:        err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newHTTPError(resp, body)
	}
	return decodeBody(resp.StatusCode, body, out)
}

// attempt executes one network call under its own timeout. The body is
// read inside the timeout window so a stalled body also fails the attempt.
func (c *Client) attempt(ctx context.Context, target string, opts RequestOptions) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, target, body)
	if err != nil {
		return nil, &APIError{
			Message: "network error: build request: " + err.Error(),
			Payload: map[string]any{},
			Err:     err,
		}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClientFor(opts.Credentials, req.URL).Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))

	return resp, nil
}

func (c *Client) httpClientFor(mode Credentials, target *url.URL) *http.Client {
	switch mode {
	case CredentialsOmit:
		return c.plainClient
	case CredentialsSameOrigin:
		if target.Scheme == c.base.Scheme && target.Host == c.base.Host {
			return c.cookieClient
		}
		return c.plainClient
	default:
		return c.cookieClient
	}
}

func (c *Client) processRequest(ctx context.Context, target string, opts RequestOptions) (RequestOptions, error) {
	for _, fn := range c.requestChain.snapshot() {
		next, err := fn(ctx, target, opts)
		if err != nil {
			return opts, err
		}
		opts = next
	}
	return opts, nil
}

func (c *Client) processResponse(ctx context.Context, resp *http.Response) (*http.Response, error) {
	for _, fn := range c.responseChain.snapshot() {
		next, err := fn(ctx, resp)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

func (c *Client) processError(ctx context.Context, err error) error {
	for _, fn := range c.errorChain.snapshot() {
		if next := fn(ctx, err); next != nil {
			err = next
		}
	}
	return err
}

// transportError classifies a failure that produced no response.
func transportError(err error) *APIError {
	var netErr net.Error
	var prefix string
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		prefix = "request timeout"
	case errors.Is(err, context.Canceled):
		prefix = "request aborted"
	default:
		prefix = "network error"
	}
	return &APIError{
		Message: prefix + ": " + err.Error(),
		Payload: map[string]any{},
		Err:     err,
	}
}

// newHTTPError builds the error for a non-2xx response. The payload is the
// decoded JSON object body, or empty when the body is not one.
func newHTTPError(resp *http.Response, body []byte) *APIError {
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		payload = map[string]any{}
	}

	message := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		Message:    message,
		StatusCode: resp.StatusCode,
		Payload:    payload,
	}
}

// decodeBody decodes a 2xx body into out. An empty 204 body is success.
func decodeBody(status int, body []byte, out any) error {
	if status == http.StatusNoContent && len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var err error
	if out == nil {
		if !json.Valid(body) {
			err = errors.New("body is not valid JSON")
		}
	} else {
		err = json.Unmarshal(body, out)
	}
	if err != nil {
		return &APIError{
			Message:    "invalid JSON response: " + err.Error(),
			StatusCode: status,
			Payload:    map[string]any{},
			Err:        err,
		}
	}
	return nil
}
