package formsave

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
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/internal/config"
)

type apiCall struct {
	Method string
	Path   string
	Body   []byte
}

func (c apiCall) String() string { return c.Method + " " + c.Path }

type cannedResponse struct {
	status int
	body   any
}

// fakeOpenForms is an in-memory Open Forms API that records every request
// in arrival order.
type fakeOpenForms struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []apiCall
	seq      int
	failures map[string]cannedResponse
}

func newFakeOpenForms(t *testing.T) *fakeOpenForms {
	t.Helper()
	f := &fakeOpenForms{failures: make(map[string]cannedResponse)}

	r := chi.NewRouter()
	r.Use(f.record)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/forms", f.createForm)
		r.Put("/forms/{form}", f.updateForm)
		r.Post("/forms/{form}/steps", f.createStep)
		r.Put("/forms/{form}/steps/{step}", f.updateStep)
		r.Delete("/forms/{form}/steps/{step}", f.noContent)
		r.Put("/forms/{form}/variables", f.echo)
		r.Put("/forms/{form}/logic-rules", f.echo)
		r.Put("/forms/{form}/price-logic-rules", f.echo)
		r.Post("/forms/{form}/versions", f.createVersion)
		r.Post("/form-definitions", f.createDefinition)
		r.Put("/form-definitions/{definition}", f.updateDefinition)
		r.Delete("/form-definitions/{definition}", f.noContent)
	})

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

// failOn makes requests with the given method whose path ends in suffix
// answer with status and body.
func (f *fakeOpenForms) failOn(method, suffix string, status int, body any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+" "+suffix] = cannedResponse{status: status, body: body}
}

func (f *fakeOpenForms) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		f.mu.Lock()
		f.calls = append(f.calls, apiCall{Method: r.Method, Path: r.URL.Path, Body: body})
		var canned *cannedResponse
		for key, resp := range f.failures {
			method, suffix, _ := strings.Cut(key, " ")
			if method == r.Method && strings.HasSuffix(r.URL.Path, suffix) {
				canned = &resp
				break
			}
		}
		f.mu.Unlock()

		if canned != nil {
			reply(w, canned.status, canned.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeOpenForms) nextID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeOpenForms) url(path string) string { return f.URL + path }

func (f *fakeOpenForms) createForm(w http.ResponseWriter, r *http.Request) {
	id := f.nextID("form")
	reply(w, http.StatusCreated, map[string]any{"uuid": id, "url": f.url("/api/v1/forms/" + id)})
}

func (f *fakeOpenForms) updateForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "form")
	reply(w, http.StatusOK, map[string]any{"uuid": id, "url": f.url("/api/v1/forms/" + id)})
}

func (f *fakeOpenForms) createStep(w http.ResponseWriter, r *http.Request) {
	id := f.nextID("step")
	reply(w, http.StatusCreated, map[string]any{
		"uuid": id,
		"url":  f.url("/api/v1/forms/" + chi.URLParam(r, "form") + "/steps/" + id),
	})
}

func (f *fakeOpenForms) updateStep(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, map[string]any{"uuid": chi.URLParam(r, "step"), "url": f.url(r.URL.Path)})
}

func (f *fakeOpenForms) createDefinition(w http.ResponseWriter, r *http.Request) {
	id := f.nextID("def")
	f.echoWith(w, r, http.StatusCreated, map[string]any{"uuid": id, "url": f.url("/api/v1/form-definitions/" + id)})
}

func (f *fakeOpenForms) updateDefinition(w http.ResponseWriter, r *http.Request) {
	f.echoWith(w, r, http.StatusOK, map[string]any{"uuid": chi.URLParam(r, "definition"), "url": f.url(r.URL.Path)})
}

func (f *fakeOpenForms) createVersion(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusCreated, map[string]any{"uuid": f.nextID("version")})
}

func (f *fakeOpenForms) noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeOpenForms) echo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, r.Body)
}

func (f *fakeOpenForms) echoWith(w http.ResponseWriter, r *http.Request, status int, extra map[string]any) {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	for k, v := range extra {
		body[k] = v
	}
	reply(w, status, body)
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (f *fakeOpenForms) requests() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

// index returns the position of the first request matching method and path
// suffix, or -1.
func (f *fakeOpenForms) index(method, suffix string) int {
	for i, c := range f.requests() {
		if c.Method == method && strings.HasSuffix(c.Path, suffix) {
			return i
		}
	}
	return -1
}

func (f *fakeOpenForms) count(method, suffix string) int {
	n := 0
	for _, c := range f.requests() {
		if c.Method == method && strings.HasSuffix(c.Path, suffix) {
			n++
		}
	}
	return n
}

// lastBody decodes the body of the last request matching method and path
// suffix into v.
func (f *fakeOpenForms) lastBody(t *testing.T, method, suffix string, v any) {
	t.Helper()
	calls := f.requests()
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		if c.Method == method && strings.HasSuffix(c.Path, suffix) {
			require.NoError(t, json.Unmarshal(c.Body, v))
			return
		}
	}
	t.Fatalf("no %s request ending in %q", method, suffix)
}

func newTestSaver(t *testing.T, f *fakeOpenForms, opts ...Option) *Saver {
	t.Helper()
	c, err := client.New(config.APIConfig{
		BaseURL: f.URL + "/api/v1",
		Timeout: 5 * time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return New(c, append([]Option{WithConfig(config.SaveConfig{StepConcurrency: 4, DeleteConcurrency: 4})}, opts...)...)
}
