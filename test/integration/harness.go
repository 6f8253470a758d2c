// Package integration provides a reusable test harness for end-to-end
// testing of the formsync save service. It starts the full HTTP stack
// against a mock Open Forms API, in-memory stores and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/idempotency"
	"github.com/pitabwire/formsync/internal/journal"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/internal/transport"
	"github.com/pitabwire/formsync/model"
)

// TestHarness encapsulates a fully wired save service with a mock Open
// Forms backend for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend          *MockOpenForms
	Client           *client.Client
	Saver            *formsave.Saver
	Journal          *journal.MemoryStore
	IdempotencyStore idempotency.Store
	Metrics          *observability.Metrics
	Redis            *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	retry          config.RetryConfig
	breaker        config.CircuitBreakerConfig
	skipVersion    bool
	redis          bool
	handlerTimeout time.Duration
	backendTimeout time.Duration
}

// WithRetry sets the backend retry policy. The default is a single attempt.
func WithRetry(cfg config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = cfg
	}
}

// WithCircuitBreaker sets the backend circuit breaker policy.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cfg
	}
}

// WithSkipVersion disables the version snapshot written after a save.
func WithSkipVersion() HarnessOption {
	return func(c *harnessConfig) {
		c.skipVersion = true
	}
}

// WithRedisIdempotency backs the idempotency store with an in-process
// Redis server instead of memory.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithBackendTimeout sets the per-request timeout of the Open Forms client.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.backendTimeout = d
	}
}

// NewTestHarness creates and starts a full save service test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		retry:          config.RetryConfig{MaxAttempts: 1},
		handlerTimeout: 10 * time.Second,
		backendTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		Backend: newMockOpenForms(t),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}

	// Step 1: Configuration pointing at the mock backend.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.API.BaseURL = h.Backend.APIRoot()
	cfg.API.Timeout = hc.backendTimeout
	cfg.API.Retry = hc.retry
	cfg.API.CircuitBreaker = hc.breaker
	cfg.Save.SkipVersion = hc.skipVersion
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.Store.DefaultTTL = time.Hour
	cfg.Journal.Enabled = true
	cfg.Observability.Metrics.Enabled = false
	h.cfg = cfg

	logger := zap.NewNop()

	// Step 2: Open Forms client.
	c, err := client.New(cfg.API, client.WithLogger(logger), client.WithMetrics(h.Metrics))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	h.Client = c

	// Step 3: Journal and idempotency stores.
	h.Journal = journal.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { rdb.Close() })
		h.IdempotencyStore = idempotency.NewRedisStore(rdb)
	} else {
		h.IdempotencyStore = idempotency.NewMemoryStore()
	}

	// Step 4: Save pipeline with the journal attached.
	h.Saver = formsave.New(c,
		formsave.WithConfig(cfg.Save),
		formsave.WithLogger(logger),
		formsave.WithMetrics(h.Metrics),
		formsave.WithObserver(journal.NewRecorder(h.Journal, logger, h.Metrics)),
	)

	// Step 5: Authentication.
	auth, err := transport.JWTAuthenticator(cfg.Identity, h.issuer.Secret())
	if err != nil {
		t.Fatalf("create authenticator: %v", err)
	}

	// Step 6: Router.
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      h.Metrics,
		Authenticate: auth,
		Saves:        transport.NewSaveHandler(h.Saver, h.IdempotencyStore, cfg.Idempotency.Store.DefaultTTL, h.Metrics, logger),
		Journal:      h.Journal,
		Readiness: observability.ReadinessChecks{
			Backend: observability.HealthCheckFunc(func(context.Context) error {
				if c.Breaker().State() == client.BreakerOpen {
					return model.NewBackendUnavailableError()
				}
				return nil
			}),
			JournalStore:     h.Journal,
			IdempotencyStore: h.IdempotencyStore,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the base URL of the test server.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Config returns the configuration the harness was built with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid signed JWT for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an expired JWT for the given claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP request helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// Save posts a save request carrying the default session headers.
func (h *TestHarness) Save(body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, "/api/v1/saves", body, token, SessionHeaders())
}

// POSTWithHeaders performs an authenticated POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	hc := &http.Client{Timeout: 15 * time.Second}
	resp, err := hc.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads and unmarshals the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the response status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status code and unmarshals the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Fixtures ---

// Session values the designer's browser would forward.
const (
	TestCSRFToken     = "csrf-abc123"
	TestSessionCookie = "sessionid=s3ss10n"
)

// SessionHeaders returns the CSRF and cookie headers of a designer session.
func SessionHeaders() map[string]string {
	return map[string]string{
		"X-CSRFToken": TestCSRFToken,
		"Cookie":      TestSessionCookie,
	}
}

// DesignerClaims returns claims for a form designer.
func DesignerClaims() TestClaims {
	return TestClaims{
		SubjectID: "designer-1",
		Email:     "designer@forms.example.com",
		Roles:     []string{"form_designer"},
	}
}

// OtherDesignerClaims returns claims for a second, unrelated designer.
func OtherDesignerClaims() TestClaims {
	return TestClaims{
		SubjectID: "designer-2",
		Email:     "other@forms.example.com",
		Roles:     []string{"form_designer"},
	}
}

// SaveBody wraps a form state in a save request body.
func SaveBody(state model.SaveState, idempotencyKey string) map[string]any {
	body := map[string]any{"state": state}
	if idempotencyKey != "" {
		body["idempotencyKey"] = idempotencyKey
	}
	return body
}

// NewFormState returns the state of an unsaved form with two steps, two
// variables and a logic rule linking the steps.
func NewFormState() model.SaveState {
	return model.SaveState{
		NewForm: true,
		Form: model.Form{
			Name:                 "Intake",
			Slug:                 "intake",
			RegistrationBackends: []model.RegistrationBackend{},
			AuthBackends:         []model.AuthBackend{},
		},
		FormSteps: []model.FormStep{
			{
				Index:         0,
				GeneratedID:   "tmp-1",
				Name:          "Personal details",
				Slug:          "personal-details",
				Configuration: map[string]any{"components": []any{map[string]any{"key": "firstName", "type": "textfield"}}},
			},
			{
				Index:         1,
				GeneratedID:   "tmp-2",
				Name:          "Address",
				Slug:          "address",
				Configuration: map[string]any{"components": []any{}},
			},
		},
		FormDefinitions: []model.FormDefinition{},
		FormVariables: []model.FormVariable{
			{
				Key:            "firstName",
				Name:           "First name",
				FormDefinition: model.GeneratedRef("tmp-1"),
				Source:         model.SourceComponent,
				DataType:       model.DataTypeString,
				InitialValue:   "",
			},
			{
				Key:          "agree",
				Name:         "Agree",
				Source:       model.SourceUserDefined,
				DataType:     model.DataTypeBoolean,
				InitialValue: "true",
			},
		},
		LogicRules: []model.LogicRule{
			{
				Description:      "Skip the address step",
				JSONLogicTrigger: map[string]any{"==": []any{map[string]any{"var": "agree"}, true}},
				TriggerFromStep:  model.GeneratedRef("tmp-1"),
				Actions: []model.LogicAction{{
					FormStep:     model.GeneratedRef("tmp-2"),
					FormStepUUID: model.GeneratedRef("tmp-2"),
					Action:       map[string]any{"type": "step-not-applicable"},
				}},
			},
		},
		PriceRules:    []model.PriceRule{},
		StepsToDelete: []string{},
	}
}
