package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// MockOpenForms is an in-memory Open Forms API. It assigns server ids to
// created resources, echoes bulk updates, records every request in arrival
// order and lets tests override the response of any route.
type MockOpenForms struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	seq       int
	requests  []*RecordedRequest
	overrides []*override
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

type override struct {
	method string
	suffix string
	status int
	body   any
	delay  time.Duration
	// times is the number of requests the override still answers; 0 means
	// every request.
	times int
}

// Override is a builder for overriding the response of a route.
type Override struct {
	backend *MockOpenForms
	o       *override
}

func newMockOpenForms(t *testing.T) *MockOpenForms {
	t.Helper()
	mb := &MockOpenForms{t: t}

	r := chi.NewRouter()
	r.Use(mb.record)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/forms", mb.created("form", "/api/v1/forms/"))
		r.Put("/forms/{form}", mb.updated)
		r.Post("/forms/{form}/steps", mb.createStep)
		r.Put("/forms/{form}/steps/{step}", mb.updated)
		r.Delete("/forms/{form}/steps/{step}", mb.noContent)
		r.Put("/forms/{form}/variables", mb.echo)
		r.Put("/forms/{form}/logic-rules", mb.echo)
		r.Put("/forms/{form}/price-logic-rules", mb.echo)
		r.Post("/forms/{form}/versions", mb.created("version", "/api/v1/versions/"))
		r.Post("/form-definitions", mb.created("def", "/api/v1/form-definitions/"))
		r.Put("/form-definitions/{definition}", mb.updated)
		r.Delete("/form-definitions/{definition}", mb.noContent)
	})

	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock server.
func (mb *MockOpenForms) URL() string { return mb.server.URL }

// APIRoot returns the root of the mocked API.
func (mb *MockOpenForms) APIRoot() string { return mb.server.URL + "/api/v1" }

// Close stops the mock server; later requests fail to connect.
func (mb *MockOpenForms) Close() { mb.server.Close() }

// On overrides requests with the given method whose path ends in suffix.
func (mb *MockOpenForms) On(method, suffix string) *Override {
	return &Override{backend: mb, o: &override{method: method, suffix: suffix}}
}

// RespondWith answers matching requests with status and body.
func (ov *Override) RespondWith(status int, body any) *Override {
	ov.o.status = status
	ov.o.body = body
	ov.backend.mu.Lock()
	ov.backend.overrides = append(ov.backend.overrides, ov.o)
	ov.backend.mu.Unlock()
	return ov
}

// Times limits the override to the next n matching requests.
func (ov *Override) Times(n int) *Override {
	ov.backend.mu.Lock()
	ov.o.times = n
	ov.backend.mu.Unlock()
	return ov
}

// WithDelay delays the overridden response.
func (ov *Override) WithDelay(d time.Duration) *Override {
	ov.backend.mu.Lock()
	ov.o.delay = d
	ov.backend.mu.Unlock()
	return ov
}

// Reset removes all overrides.
func (mb *MockOpenForms) Reset() {
	mb.mu.Lock()
	mb.overrides = nil
	mb.mu.Unlock()
}

// Requests returns every request received so far.
func (mb *MockOpenForms) Requests() []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.requests...)
}

// Matching returns the requests with the given method whose path ends in
// suffix.
func (mb *MockOpenForms) Matching(method, suffix string) []*RecordedRequest {
	var out []*RecordedRequest
	for _, r := range mb.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			out = append(out, r)
		}
	}
	return out
}

// IndexOf returns the arrival position of the first matching request, or -1.
func (mb *MockOpenForms) IndexOf(method, suffix string) int {
	for i, r := range mb.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			return i
		}
	}
	return -1
}

func (mb *MockOpenForms) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(raw)))

		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			RawBody:    raw,
			ReceivedAt: time.Now(),
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}

		mb.mu.Lock()
		mb.requests = append(mb.requests, rec)
		ov := mb.takeOverride(r.Method, r.URL.Path)
		mb.mu.Unlock()

		if ov != nil {
			if ov.delay > 0 {
				select {
				case <-time.After(ov.delay):
				case <-r.Context().Done():
					return
				}
			}
			reply(w, ov.status, ov.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// takeOverride must be called with mu held.
func (mb *MockOpenForms) takeOverride(method, path string) *override {
	for i, ov := range mb.overrides {
		if ov.method != method || !strings.HasSuffix(path, ov.suffix) {
			continue
		}
		if ov.times > 0 {
			ov.times--
			if ov.times == 0 {
				mb.overrides = append(mb.overrides[:i:i], mb.overrides[i+1:]...)
			}
		}
		return ov
	}
	return nil
}

func (mb *MockOpenForms) nextID(prefix string) string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.seq++
	return fmt.Sprintf("%s-%d", prefix, mb.seq)
}

func (mb *MockOpenForms) created(prefix, base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mb.nextID(prefix)
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["uuid"] = id
		body["url"] = mb.URL() + base + id
		reply(w, http.StatusCreated, body)
	}
}

func (mb *MockOpenForms) createStep(w http.ResponseWriter, r *http.Request) {
	id := mb.nextID("step")
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	body["uuid"] = id
	body["url"] = mb.URL() + r.URL.Path + "/" + id
	reply(w, http.StatusCreated, body)
}

func (mb *MockOpenForms) updated(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	segs := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	body["uuid"] = segs[len(segs)-1]
	body["url"] = mb.URL() + r.URL.Path
	reply(w, http.StatusOK, body)
}

func (mb *MockOpenForms) echo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, r.Body)
}

func (mb *MockOpenForms) noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// InvalidParams returns an Open Forms 400 body carrying one field error.
func InvalidParams(field, code, reason string) map[string]any {
	return map[string]any{
		"type":   "http://forms.example.com/fouten/ValidationError/",
		"code":   "invalid",
		"title":  "Invalid input.",
		"status": 400,
		"invalidParams": []map[string]any{
			{"name": field, "code": code, "reason": reason},
		},
	}
}
