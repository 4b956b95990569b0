//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
	release chan struct{}
	called  chan struct{}
}

func newFakeStopper() *fakeStopper {
	return &fakeStopper{release: make(chan struct{}), called: make(chan struct{}, 8)}
}

func (f *fakeStopper) StopContainer(_ context.Context, id string) error {
	f.called <- struct{}{}
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeStopper) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func TestDestroyStopsSessionSandbox(t *testing.T) {
	stopper := newFakeStopper()
	r := chi.NewRouter()
	NewSandboxHandler(stopper, ServiceInfo{Provider: "local"}, time.Second).RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/sessions/tab-1/sandbox", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	<-stopper.called

	// A second destroy while the first is running is acknowledged but not repeated.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/sessions/tab-1/sandbox", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for concurrent destroy, got %d", rr.Code)
	}

	close(stopper.release)
	deadline := time.Now().Add(2 * time.Second)
	for len(stopper.stoppedIDs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := stopper.stoppedIDs(); len(got) != 1 || got[0] != "sandbox-tab-1" {
		t.Fatalf("expected sandbox-tab-1 to be stopped once, got %v", got)
	}
}

func TestDestroyWithoutSandboxes(t *testing.T) {
	r := chi.NewRouter()
	NewSandboxHandler(nil, ServiceInfo{}, 0).RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/sessions/tab-1/sandbox", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestGetConfig(t *testing.T) {
	r := chi.NewRouter()
	NewSandboxHandler(nil, ServiceInfo{Provider: "gemini", SuggestionMode: "model"}, 0).RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	var got ServiceInfo
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Provider != "gemini" || got.SuggestionMode != "model" || got.SandboxEnabled {
		t.Fatalf("unexpected config: %+v", got)
	}
}

type failingPing struct {
	store.Repository
}

func (failingPing) Ping(context.Context) error { return errors.New("db gone") }

type checkedProvider struct {
	err error
}

func (p checkedProvider) Generate(context.Context, domain.Conversation) iter.Seq2[string, error] {
	return func(func(string, error) bool) {}
}
func (p checkedProvider) Name() string                { return "grpc" }
func (p checkedProvider) Close() error                { return nil }
func (p checkedProvider) Check(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		repo       store.Repository
		provider   checkedProvider
		wantStatus int
	}{
		{"healthy", store.NewMemory(), checkedProvider{}, http.StatusOK},
		{"database down", failingPing{store.NewMemory()}, checkedProvider{}, http.StatusServiceUnavailable},
		{"provider down", store.NewMemory(), checkedProvider{err: errors.New("unavailable")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.repo, tt.provider, time.Second)
			rr := httptest.NewRecorder()
			h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["provider"] != "grpc" {
				t.Fatalf("expected provider name in body, got %v", body["provider"])
			}
		})
	}
}
