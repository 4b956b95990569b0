//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/shsh-actions/internal/shared"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("confirm: %w", shared.ErrInvalidState), http.StatusConflict, "InvalidState"},
		{shared.ErrNotFound, http.StatusNotFound, "NotFound"},
		{shared.ErrSessionBusy, http.StatusConflict, "SessionBusy"},
		{shared.ErrSuggestionUnavailable, http.StatusServiceUnavailable, "SuggestionUnavailable"},
		{shared.ErrRateLimited, http.StatusTooManyRequests, "RateLimited"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "Internal"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)

		if w.Code != tt.wantStatus {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.wantStatus, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tt.wantCode {
			t.Errorf("%v: expected code %q, got %q", tt.err, tt.wantCode, body["error"])
		}
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("open /var/secret.db: permission denied"))
	if strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("internal error leaked to client: %s", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, 0, false, &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Name != "x" {
		t.Fatalf("expected name x, got %q", v.Name)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(httptest.NewRecorder(), r, 0, true, &v); err != nil {
		t.Fatalf("empty body should be allowed: %v", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(httptest.NewRecorder(), r, 0, false, &v); !errors.Is(err, shared.ErrBadRequest) {
		t.Fatalf("expected bad request for empty body, got %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("a", 64)+`"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, 16, false, &v); !errors.Is(err, shared.ErrBadRequest) {
		t.Fatalf("expected bad request for oversized body, got %v", err)
	}
}
