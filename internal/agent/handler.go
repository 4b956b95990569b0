package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/shsh-actions/internal/api"
	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/identity"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/stream"
)

// HandlerConfig tunes the HTTP transport.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	// MaxWait caps the ?wait= parameter of action polling.
	MaxWait time.Duration
	// OriginPatterns are the WebSocket origins accepted besides same-origin.
	OriginPatterns []string
}

// DefaultHandlerConfig returns default transport settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxRequestBodySize: api.DefaultMaxRequestBodySize,
		KeepaliveInterval:  10 * time.Second,
		RateLimitRequests:  10,
		RateLimitWindow:    time.Minute,
		MaxWait:            60 * time.Second,
	}
}

// Handler serves the chat stream and action endpoints.
type Handler struct {
	coord   *Coordinator
	limiter *RateLimiter
	cfg     HandlerConfig
	logger  *slog.Logger
}

// NewHandler creates the HTTP handler for coord.
func NewHandler(coord *Coordinator, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultHandlerConfig()
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = def.MaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = def.RateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	return &Handler{
		coord:   coord,
		limiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes registers the chat and action routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat/stream", h.HandleChatStream)
	r.Get("/api/chat/streams/{streamId}", h.HandleStreamStatus)

	r.Post("/api/actions/suggest-next", h.HandleSuggestNext)
	r.Post("/api/actions/confirm", h.HandleConfirm)
	r.Post("/api/actions/cancel", h.HandleCancel)
	r.Get("/api/actions/{actionId}", h.HandleGetAction)

	r.Get("/api/sessions/{sessionId}", h.HandleGetSession)
	r.Get("/api/sessions/{sessionId}/actions", h.HandleListActions)

	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// rateKey throttles by client address, not session, so rotating session
// ids does not bypass the limit.
func rateKey(r *http.Request) string {
	if ip := identity.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return identity.IPFromRequest(r)
}

// HandleChatStream handles POST /api/chat/stream and relays chunks as SSE.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(rateKey(r)) {
		api.WriteError(w, shared.ErrRateLimited)
		return
	}

	var req ChatRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, false, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	sessionID := identity.Resolve(r.Context(), req.SessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, shared.CodeInternal, "streaming not supported")
		return
	}

	handle, err := h.coord.StartStream(sessionID, req.Message)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	h.logger.Info("Chat stream request",
		"session_id", sessionID,
		"stream_id", handle.StreamID,
		"message_length", len(req.Message),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", handle.StreamID)
	w.Header().Set(identity.SessionHeaderName, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.relaySSE(r.Context(), w, flusher, handle)
}

// relaySSE writes chunks until the terminal marker. A client that goes away
// cancels the stream so generation stops and history is still recorded.
func (h *Handler) relaySSE(ctx context.Context, w io.Writer, flusher http.Flusher, handle *StreamHandle) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan stream.Chunk)
	go func() {
		defer close(chunks)
		for {
			c, err := handle.Sink.Next(ctx)
			if err != nil {
				return
			}
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					h.abandon(handle, ctx.Err())
				}
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.logger.Warn("failed to marshal chunk", "stream_id", handle.StreamID, "error", err)
				continue
			}
			if err := writeSSEWithID(w, int64(c.Seq), string(c.Type), string(data)); err != nil {
				h.abandon(handle, err)
				return
			}
			flusher.Flush()
			if c.Type.Terminal() {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.abandon(handle, err)
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			h.abandon(handle, ctx.Err())
			return
		}
	}
}

func (h *Handler) abandon(handle *StreamHandle, reason error) {
	h.logger.Info("Stream client went away, cancelling",
		"session_id", handle.SessionID, "stream_id", handle.StreamID, "reason", reason)
	if err := h.coord.CancelStream(handle.SessionID, handle.StreamID); err != nil {
		h.logger.Debug("cancel after disconnect failed", "stream_id", handle.StreamID, "error", err)
	}
}

// HandleStreamStatus handles GET /api/chat/streams/{streamId}.
func (h *Handler) HandleStreamStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.coord.StreamStatus(chi.URLParam(r, "streamId"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, info)
}

// HandleSuggestNext handles POST /api/actions/suggest-next.
func (h *Handler) HandleSuggestNext(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(rateKey(r)) {
		api.WriteError(w, shared.ErrRateLimited)
		return
	}

	var req SuggestRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, true, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	sessionID := identity.Resolve(r.Context(), req.SessionID)

	action, err := h.coord.RequestSuggestion(r.Context(), sessionID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, SuggestResponse{ActionID: actionIDPtr(action), Action: action})
}

// HandleConfirm handles POST /api/actions/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, false, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if req.ActionID == "" {
		api.WriteError(w, fmt.Errorf("%w: actionId is required", shared.ErrBadRequest))
		return
	}

	handle, action, err := h.coord.Confirm(r.Context(), req.ActionID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, ConfirmResponse{Status: action.Status, Handle: handle.ActionID, Action: action})
}

// HandleCancel handles POST /api/actions/cancel for an action or a stream.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, false, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	switch {
	case req.ActionID != "":
		action, err := h.coord.Cancel(r.Context(), req.ActionID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.JSON(w, http.StatusOK, map[string]any{"status": action.Status, "action": action})
	case req.StreamID != "":
		sessionID := identity.Resolve(r.Context(), req.SessionID)
		if err := h.coord.CancelStream(sessionID, req.StreamID); err != nil {
			api.WriteError(w, err)
			return
		}
		api.JSON(w, http.StatusOK, map[string]any{"accepted": true, "streamId": req.StreamID})
	default:
		api.WriteError(w, fmt.Errorf("%w: actionId or streamId is required", shared.ErrBadRequest))
	}
}

// HandleGetAction handles GET /api/actions/{actionId}. With ?wait=<duration>
// it blocks until the action is terminal or the wait expires.
func (h *Handler) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionId")

	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			api.WriteError(w, fmt.Errorf("%w: invalid wait %q", shared.ErrBadRequest, raw))
			return
		}
		d = min(d, h.cfg.MaxWait)
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()

		action, err := h.coord.Wait(ctx, actionID)
		if err == nil {
			api.JSON(w, http.StatusOK, action)
			return
		}
		if errors.Is(err, shared.ErrNotFound) {
			api.WriteError(w, err)
			return
		}
		// Not finished in time or not confirmed: report the current record.
	}

	action, err := h.coord.GetAction(r.Context(), actionID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, action)
}

// HandleGetSession handles GET /api/sessions/{sessionId}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.coord.Session(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, session)
}

// HandleListActions handles GET /api/sessions/{sessionId}/actions.
func (h *Handler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.coord.ListActions(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if actions == nil {
		actions = []*domain.AgentAction{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// RateLimiter is a per-key token bucket. Idle keys are evicted in the background.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateClient
	limit   rate.Limit
	burst   int
	window  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window with bursts up to requests,
// and starts the background eviction goroutine.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*rateClient),
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		window:  window,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[key]
	if !ok {
		c = &rateClient{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// evictLoop drops keys idle for a full window; their buckets are full again
// by then, so a fresh limiter is equivalent.
func (r *RateLimiter) evictLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, c := range r.clients {
				if c.lastSeen.Before(cutoff) {
					delete(r.clients, key)
				}
			}
			r.mu.Unlock()
		}
	}
}
