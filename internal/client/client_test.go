package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/openapi"
	"github.com/pitabwire/formsync/model"
)

type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type backend struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
}

func newBackend(t *testing.T, h http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		b.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) calls() []recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recorded(nil), b.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) config.APIConfig {
	return config.APIConfig{
		BaseURL:    baseURL + "/api/v1",
		Timeout:    2 * time.Second,
		CSRFHeader: "X-CSRFToken",
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
			IdempotentOnly:    true,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
}

func newTestClient(t *testing.T, b *backend, opts ...Option) *Client {
	t.Helper()
	c, err := New(testConfig(b.URL), opts...)
	require.NoError(t, err)
	return c
}

func designerContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "designer-1",
		CorrelationID: "corr-42",
		Locale:        "nl",
		CSRFToken:     "csrf-abc",
		SessionCookie: "sessionid=s3cr3t",
	})
}

func TestNew_rejectsInvalidBaseURL(t *testing.T) {
	_, err := New(config.APIConfig{BaseURL: "not a url"})
	require.Error(t, err)

	_, err = New(config.APIConfig{BaseURL: "/relative/only"})
	require.Error(t, err)
}

func TestDo_resolvesRelativeURLAndSendsSessionHeaders(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"uuid": "f1", "url": "http://x/api/v1/forms/f1"})
	})
	c := newTestClient(t, b, WithAPIToken("tok"))

	resp, err := c.Do(designerContext(), Request{
		Method: http.MethodPost,
		URL:    "forms",
		Body:   map[string]any{"name": "Intake", "slug": "intake"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, http.StatusCreated, resp.Status)

	var out struct {
		UUID string `json:"uuid"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "f1", out.UUID)

	calls := b.calls()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, "/api/v1/forms", got.Path)
	assert.Equal(t, "csrf-abc", got.Header.Get("X-CSRFToken"))
	assert.Equal(t, "sessionid=s3cr3t", got.Header.Get("Cookie"))
	assert.Equal(t, "Token tok", got.Header.Get("Authorization"))
	assert.Equal(t, "corr-42", got.Header.Get("X-Correlation-Id"))
	assert.Equal(t, "nl", got.Header.Get("Accept-Language"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"name":"Intake","slug":"intake"}`, string(got.Body))
}

func TestDo_absoluteURLIsUsedVerbatim(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, b)

	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodDelete,
		URL:    b.URL + "/api/v1/forms/f1/steps/s1",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "/api/v1/forms/f1/steps/s1", b.calls()[0].Path)
	assert.Empty(t, b.calls()[0].Header.Get("Content-Type"))
}

func TestDo_sanitizesHeaderValues(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, b)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		CSRFToken: "abc\r\nX-Injected: 1",
	})
	_, err := c.Do(ctx, Request{Method: http.MethodGet, URL: "forms"})
	require.NoError(t, err)

	got := b.calls()[0].Header
	assert.Equal(t, "abcX-Injected: 1", got.Get("X-CSRFToken"))
	assert.Empty(t, got.Get("X-Injected"))
}

func TestDo_partialBadRequestIsNotAnError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":  "invalid",
			"title": "Invalid input.",
			"invalidParams": []map[string]string{
				{"name": "name", "code": "blank", "reason": "This field may not be blank."},
			},
		})
	})
	c := newTestClient(t, b)

	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPut,
		URL:     "forms/f1",
		Body:    map[string]any{"name": ""},
		Partial: true,
	})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	ve := resp.ValidationErrors()
	require.NotNil(t, ve)
	assert.Equal(t, "Invalid input.", ve.Message)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, model.FieldError{Field: "name", Code: "blank", Message: "This field may not be blank."}, ve.Errors[0])

	// 400 is an answer, never retried.
	assert.Len(t, b.calls(), 1)
}

func TestDo_badRequestReturnsValidationErrors(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail": "Variables are invalid.",
			"invalidParams": []map[string]string{
				{"name": "0.key", "code": "unique", "reason": "Key must be unique."},
			},
		})
	})
	c := newTestClient(t, b)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/variables", Body: []any{}})
	require.Error(t, err)

	ve, ok := model.AsValidationErrors(err)
	require.True(t, ok, "want *model.ValidationErrors, got %T", err)
	assert.Equal(t, "Variables are invalid.", ve.Message)
	assert.Equal(t, model.ContextNone, ve.Context)
	assert.True(t, ve.HasFieldContaining("key"))
}

func TestDo_nonValidationStatusesMapToEnvelopes(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, model.ErrUnauthorized},
		{http.StatusForbidden, model.ErrForbidden},
		{http.StatusNotFound, model.ErrNotFound},
		{http.StatusConflict, model.ErrConflict},
		{http.StatusUnprocessableEntity, model.ErrBackendRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"detail": "nope"})
			})
			c := newTestClient(t, b)

			_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "forms/f1", Partial: true})
			require.Error(t, err)

			var env *model.ErrorEnvelope
			require.True(t, errors.As(err, &env), "want *model.ErrorEnvelope, got %T", err)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.status, env.Status)
			assert.Equal(t, "nope", env.Message)
		})
	}
}

func TestDo_retriesIdempotentServerErrors(t *testing.T) {
	var n atomic.Int32
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})
	c := newTestClient(t, b)

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/logic-rules", Body: []any{}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, b.calls(), 3)
}

func TestDo_doesNotRetryPost(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, b)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: "forms/f1/steps", Body: map[string]any{}})
	require.Error(t, err)

	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrBackendRejected, env.Code)
	assert.Equal(t, http.StatusBadGateway, env.Status)
	assert.Len(t, b.calls(), 1)
}

func TestDo_retriesConnectionFailures(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})

	var dials atomic.Int32
	var dialer net.Dialer
	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}}
	c := newTestClient(t, b, WithHTTPClient(hc))

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/logic-rules", Body: []any{}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int32(2), dials.Load())
	assert.Len(t, b.calls(), 1)
}

func TestDo_unreachableBackendAfterRetries(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	c := newTestClient(t, b)
	b.Close()

	_, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/variables", Body: []any{}})
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env), "error %v", err)
	assert.Equal(t, model.ErrBackendUnavailable, env.Code)
	assert.Equal(t, BreakerClosed, c.Breaker().State(), "three failures stay below the threshold of five")

	cfg := testConfig(b.URL)
	cfg.CircuitBreaker.FailureThreshold = 3
	strict, err := New(cfg)
	require.NoError(t, err)
	_, err = strict.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/variables", Body: []any{}})
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, strict.Breaker().State(), "every failed attempt counts")
}

func TestDo_retriesTimeouts(t *testing.T) {
	var n atomic.Int32
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})
	cfg := testConfig(b.URL)
	cfg.Timeout = 100 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/variables", Body: []any{}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, b.calls(), 2)
}

func TestDo_callerCancellationDoesNotTripBreaker(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	cfg := testConfig(b.URL)
	cfg.CircuitBreaker.FailureThreshold = 1
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, Request{Method: http.MethodGet, URL: "forms/f1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, BreakerClosed, c.Breaker().State())
	assert.Len(t, b.calls(), 1, "a cancelled request is not retried")
}

func TestDo_debugLogRedactsRequestBody(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	core, logs := observer.New(zap.DebugLevel)
	c := newTestClient(t, b, WithLogger(zap.New(core)))

	body := []any{map[string]any{
		"key":          "fetched",
		"initialValue": "123456782",
		"serviceFetchConfiguration": map[string]any{
			"headers": map[string]any{"X-Api-Key": "s3cr3t"},
		},
	}}
	_, err := c.Do(context.Background(), Request{Method: http.MethodPut, URL: "forms/f1/variables", Body: body})
	require.NoError(t, err)

	entries := logs.FilterMessage("client: request").All()
	require.Len(t, entries, 1)
	logged, err := json.Marshal(entries[0].ContextMap()["body"])
	require.NoError(t, err)
	assert.Contains(t, string(logged), "fetched")
	assert.NotContains(t, string(logged), "s3cr3t")
	assert.NotContains(t, string(logged), "123456782")

	assert.Contains(t, string(b.calls()[0].Body), "s3cr3t", "the backend gets the real body")
}

func TestDo_breakerOpensAndRejects(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := testConfig(b.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 2
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: "forms/f1"})
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, c.Breaker().State())

	_, err = c.Do(context.Background(), Request{Method: http.MethodGet, URL: "forms/f1"})
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrBackendUnavailable, env.Code)
	assert.Len(t, b.calls(), 2, "open breaker must not reach the backend")
}

func TestDo_contextCancelledDuringBackoff(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cfg := testConfig(b.URL)
	cfg.Retry.BackoffInitial = time.Second
	cfg.Retry.BackoffMax = time.Second
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, Request{Method: http.MethodGet, URL: "forms/f1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_strictSchemaValidationShortCircuits(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{})
	})
	idx := openapi.NewIndex()
	require.NoError(t, idx.Load("../openapi/testdata/openforms.yaml"))
	c := newTestClient(t, b, WithSchema(idx, true))

	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     "forms",
		Body:    map[string]any{"name": "Intake"},
		Partial: true,
	})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	ve := resp.ValidationErrors()
	require.NotNil(t, ve)
	require.NotEmpty(t, ve.Errors)
	assert.Equal(t, "required", ve.Errors[0].Code)
	assert.Empty(t, b.calls(), "invalid request must not be sent")
}

func TestDo_nonStrictSchemaSendsAnyway(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{})
	})
	idx := openapi.NewIndex()
	require.NoError(t, idx.Load("../openapi/testdata/openforms.yaml"))
	c := newTestClient(t, b, WithSchema(idx, false))

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: "forms", Body: map[string]any{"name": "Intake"}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, b.calls(), 1)
}

func TestResourceOf(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://x/api/v1/forms", "forms"},
		{"http://x/api/v1/forms/7d8f6a4e-1c2b-4d3e-9f8a-0b1c2d3e4f5a", "forms"},
		{"http://x/api/v1/forms/7d8f6a4e-1c2b-4d3e-9f8a-0b1c2d3e4f5a/steps/12", "steps"},
		{"http://x/api/v1/forms/f1/price-logic-rules", "price-logic-rules"},
		{"http://x/", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resourceOf(tt.url), tt.url)
	}
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        300 * time.Millisecond,
	}
	assert.Equal(t, 100*time.Millisecond, backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, backoff(cfg, 3))
	assert.Equal(t, 300*time.Millisecond, backoff(cfg, 8))
}
