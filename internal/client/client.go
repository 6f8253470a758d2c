// Package client talks to the Open Forms REST API. It adds the designer
// session credentials to every request, retries idempotent calls with
// exponential backoff behind a circuit breaker, and classifies responses
// into validation errors (data) and infrastructure failures.
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
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/internal/openapi"
	"github.com/pitabwire/formsync/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Request is one call to the Open Forms API.
type Request struct {
	Method string
	// URL is absolute, or relative to the configured API base URL.
	URL  string
	Body any
	// Partial requests report a 400 response through Response.OK instead of
	// returning *model.ValidationErrors.
	Partial bool
}

// Response is the decoded result of a call that reached the backend.
type Response struct {
	OK     bool
	Status int
	Data   json.RawMessage
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("client: decode %d response: %w", r.Status, err)
	}
	return nil
}

// problem is the error body of the Open Forms API.
type problem struct {
	Type          string             `json:"type,omitempty"`
	Code          string             `json:"code,omitempty"`
	Title         string             `json:"title,omitempty"`
	Status        int                `json:"status,omitempty"`
	Detail        string             `json:"detail,omitempty"`
	InvalidParams []model.FieldError `json:"invalidParams,omitempty"`
}

func (p problem) message() string {
	switch {
	case p.Detail != "":
		return p.Detail
	case p.Title != "":
		return p.Title
	default:
		return "Invalid input."
	}
}

// ValidationErrors extracts the field errors of a failed partial response.
// It returns nil when the response is OK.
func (r Response) ValidationErrors() *model.ValidationErrors {
	if r.OK {
		return nil
	}
	var p problem
	_ = json.Unmarshal(r.Data, &p)
	return model.NewValidationErrors(p.message(), p.InvalidParams)
}

// Client is the Open Forms API client. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	breaker    *Breaker
	retry      config.RetryConfig
	csrfHeader string
	apiToken   string

	schema *openapi.Index
	strict bool

	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records backend request, retry and breaker metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSchema validates request bodies against idx before sending them when
// strict is true. Without strict validation the index only names operations
// in logs.
func WithSchema(idx *openapi.Index, strict bool) Option {
	return func(c *Client) {
		c.schema = idx
		c.strict = strict
	}
}

// WithAPIToken sends a static API token with every request.
func WithAPIToken(token string) Option {
	return func(c *Client) { c.apiToken = token }
}

// New creates a client for the API rooted at cfg.BaseURL.
func New(cfg config.APIConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", cfg.BaseURL)
	}
	// Relative references resolve below the base path, not beside it.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	csrf := cfg.CSRFHeader
	if csrf == "" {
		csrf = "X-CSRFToken"
	}

	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:      cfg.Retry,
		csrfHeader: csrf,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetBreakerState(int(s))
	})
	return c, nil
}

// Breaker exposes the circuit breaker, for readiness reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Do executes req. Validation failures (HTTP 400) are returned as
// *model.ValidationErrors, or as a non-OK Response for partial requests.
// Every other non-2xx status yields a *model.ErrorEnvelope, and transport
// failures a wrapped error.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	target, err := c.resolve(req.URL)
	if err != nil {
		return Response{}, err
	}

	var op openapi.IndexedOperation
	var known bool
	if c.schema != nil {
		op, known = c.schema.Match(req.Method, target)
	}
	if known && c.strict && req.Body != nil {
		if errs := c.schema.ValidateRequest(op, req.Body); len(errs) > 0 {
			return c.classify(req, http.StatusBadRequest, mustJSON(problem{
				Code:          "invalid",
				Title:         "Invalid input.",
				Status:        http.StatusBadRequest,
				InvalidParams: errs,
			}))
		}
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("client: marshal body: %w", err)
		}
	}

	resource := resourceOf(target)
	logger := observability.LoggerFrom(ctx, c.logger).With(
		zap.String("method", req.Method),
		zap.String("url", target),
	)
	if known {
		logger = logger.With(zap.String("operation_id", op.OperationID))
	}

	if body != nil && logger.Core().Enabled(zap.DebugLevel) {
		var payload any
		if json.Unmarshal(body, &payload) == nil {
			logger.Debug("client: request", zap.Any("body", observability.RedactPayload(payload)))
		}
	}

	headers := c.headers(ctx, req.Method)
	start := time.Now()
	status, data, err := c.executeWithRetry(ctx, logger, resource, req.Method, target, headers, body)
	c.metrics.ObserveBackendRequest(req.Method, resource, status, time.Since(start))
	if err != nil {
		return Response{}, err
	}

	logger.Debug("client: response", zap.Int("status", status))
	return c.classify(req, status, data)
}

func (c *Client) classify(req Request, status int, data []byte) (Response, error) {
	resp := Response{OK: status >= 200 && status < 300, Status: status, Data: data}
	if resp.OK {
		return resp, nil
	}

	if status == http.StatusBadRequest {
		if req.Partial {
			return resp, nil
		}
		return Response{}, resp.ValidationErrors()
	}

	var p problem
	_ = json.Unmarshal(data, &p)
	var env *model.ErrorEnvelope
	switch status {
	case http.StatusUnauthorized:
		env = model.NewUnauthorizedError(p.message())
	case http.StatusForbidden:
		env = model.NewForbiddenError(p.message())
	case http.StatusNotFound:
		env = model.NewNotFoundError(p.message())
	case http.StatusConflict:
		env = model.NewConflictError(p.message())
	default:
		env = model.NewBackendRejectedError(status, p.Detail)
	}
	env.Status = status
	env.Details = p.InvalidParams
	return Response{}, env
}

// resolve turns a possibly relative reference into an absolute URL on the
// API host.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("client: invalid URL %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) headers(ctx context.Context, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		h.Set("Authorization", "Token "+sanitizeHeader(c.apiToken))
	}

	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CSRFToken != "" {
			h.Set(c.csrfHeader, sanitizeHeader(rctx.CSRFToken))
		}
		if rctx.SessionCookie != "" {
			h.Set("Cookie", sanitizeHeader(rctx.SessionCookie))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}

	observability.InjectTraceHeaders(ctx, h)
	return h
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (c *Client) executeWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	resource, method, target string,
	headers http.Header,
	body []byte,
) (int, []byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var (
		status int
		data   []byte
		err    error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.IncBackendRetry(resource)
			timer := time.NewTimer(backoff(c.retry, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
		}

		status, data, err = c.executeOnce(ctx, method, target, headers, body)
		last := attempt == maxAttempts-1
		if err != nil {
			if !canRetry || !isRetryableError(ctx, err) || last {
				return 0, nil, transportError(ctx, method, target, err)
			}
			logger.Debug("client: retrying after error",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(status) && canRetry && !last {
			logger.Debug("client: retrying after status",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", status),
			)
			continue
		}
		return status, data, nil
	}
	return status, data, err
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (c *Client) executeOnce(
	ctx context.Context,
	method, target string,
	headers http.Header,
	body []byte,
) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller giving up says nothing about the backend.
		if ctx.Err() == nil {
			c.breaker.Failure()
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.Failure()
		}
		return 0, nil, fmt.Errorf("client: read response: %w", err)
	}

	// 4xx are answers, not infrastructure failures.
	if resp.StatusCode >= 500 {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}
	return resp.StatusCode, data, nil
}

// resourceOf names the kind of resource a URL addresses, for metric labels:
// the last path segment that is not an identifier.
func resourceOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if s == "" || isIdentifier(s) {
			continue
		}
		return s
	}
	return "unknown"
}

func isIdentifier(s string) bool {
	if _, err := strconv.Atoi(s); err == nil {
		return true
	}
	// UUIDs: 36 characters with dashes at fixed offsets.
	return len(s) == 36 && s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-'
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a failed attempt may be repeated.
// Envelopes are final: the breaker is open.
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

// transportError maps the error of the last attempt to the error returned
// to callers: timeouts and unreachable backends become envelopes.
func transportError(ctx context.Context, method, target string, err error) error {
	var env *model.ErrorEnvelope
	switch {
	case errors.As(err, &env):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("client: %s %s: %w", method, target, ctx.Err())
	case isTimeout(err):
		return model.NewBackendTimeoutError()
	case isConnectionError(err):
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("client: %s %s: %w", method, target, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
