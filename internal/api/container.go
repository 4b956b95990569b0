package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-actions/internal/container"
	"github.com/ashureev/shsh-actions/internal/provider"
	"github.com/ashureev/shsh-actions/internal/store"
	"github.com/go-chi/chi/v5"
)

// destroyLocks prevents concurrent destroy requests for the same session.
var destroyLocks sync.Map

// SandboxStopper is the part of the container manager the sandbox routes use.
type SandboxStopper interface {
	StopContainer(ctx context.Context, containerID string) error
}

// ServiceInfo describes the running configuration to clients.
type ServiceInfo struct {
	Provider        string `json:"provider"`
	SuggestionMode  string `json:"suggestionMode"`
	SandboxEnabled  bool   `json:"sandboxEnabled"`
	MetricsEnabled  bool   `json:"metricsEnabled"`
	StreamTransport string `json:"streamTransport"`
}

// SandboxHandler exposes service configuration and per-session sandbox teardown.
type SandboxHandler struct {
	mgr            SandboxStopper
	info           ServiceInfo
	destroyTimeout time.Duration
}

// NewSandboxHandler creates the handler. mgr may be nil when sandboxes are disabled.
func NewSandboxHandler(mgr SandboxStopper, info ServiceInfo, destroyTimeout time.Duration) *SandboxHandler {
	if destroyTimeout <= 0 {
		destroyTimeout = 30 * time.Second
	}
	info.SandboxEnabled = mgr != nil
	return &SandboxHandler{mgr: mgr, info: info, destroyTimeout: destroyTimeout}
}

// RegisterRoutes registers the routes.
func (h *SandboxHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Delete("/api/sessions/{sessionId}/sandbox", h.Destroy)
}

// GetConfig returns the server configuration for the frontend.
func (h *SandboxHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.info)
}

// Destroy stops and removes the session's sandbox container in the background.
func (h *SandboxHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	if h.mgr == nil {
		Error(w, http.StatusNotFound, "NotFound", "sandboxes are disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	lock, _ := destroyLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Destroy already in progress", "session_id", sessionID)
		JSON(w, http.StatusOK, map[string]string{"status": "destroying"})
		return
	}

	name := container.SandboxName(sessionID)
	slog.Info("Destroying sandbox", "session_id", sessionID, "container", name)
	go func() {
		defer func() {
			mutex.Unlock()
			destroyLocks.Delete(sessionID)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), h.destroyTimeout)
		defer cancel()

		if err := h.mgr.StopContainer(ctx, name); err != nil {
			slog.Error("Failed to stop sandbox", "error", err, "session_id", sessionID)
			return
		}
		slog.Info("Sandbox stop/remove completed", "session_id", sessionID)
	}()

	JSON(w, http.StatusAccepted, map[string]string{"status": "destroying"})
}

// HealthHandler reports store and provider health.
type HealthHandler struct {
	repo     store.Repository
	provider provider.Provider
	timeout  time.Duration
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, p provider.Provider, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, provider: p, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.provider != nil {
		status["provider"] = h.provider.Name()
		if checker, ok := provider.CheckerOf(h.provider); ok {
			if err := checker.Check(ctx); err != nil {
				slog.Warn("Provider health check failed", "provider", h.provider.Name(), "error", err)
				status["status"] = "degraded"
				checks["provider"] = "unreachable"
				statusCode = http.StatusServiceUnavailable
			} else {
				checks["provider"] = "ok"
			}
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
