// Package agent coordinates chat streams and the propose/confirm/execute
// lifecycle of agent actions.
package agent

import (
	"sync"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/stream"
)

// ChatRequest starts a stream.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// SuggestRequest asks for the next action of a session.
type SuggestRequest struct {
	SessionID string `json:"sessionId"`
}

// ActionRequest targets one action.
type ActionRequest struct {
	ActionID string `json:"actionId"`
}

// CancelRequest cancels either an action or a stream.
type CancelRequest struct {
	ActionID  string `json:"actionId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
}

// SuggestResponse carries a nullable action id.
type SuggestResponse struct {
	ActionID *string             `json:"actionId"`
	Action   *domain.AgentAction `json:"action,omitempty"`
}

// ConfirmResponse reports the action status right after Confirm.
type ConfirmResponse struct {
	Status domain.ActionStatus `json:"status"`
	Handle string              `json:"handle"`
	Action *domain.AgentAction `json:"action"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// wsFrame is a client frame on the WebSocket transport.
type wsFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StreamInfo describes a live or recently finished stream.
type StreamInfo struct {
	StreamID        string           `json:"streamId"`
	SessionID       string           `json:"sessionId"`
	StartedAt       time.Time        `json:"startedAt"`
	CancelRequested bool             `json:"cancelRequested"`
	Terminal        bool             `json:"terminal"`
	Marker          stream.ChunkType `json:"marker,omitempty"`
	Tokens          int              `json:"tokens"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
}

// StreamHandle is returned by StartStream. Transports drain Sink until io.EOF.
type StreamHandle struct {
	StreamID  string
	SessionID string
	Sink      *stream.ChannelSink
}

// ExecutionHandle tracks one confirmed action until it reaches a terminal status.
type ExecutionHandle struct {
	ActionID string

	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	final *domain.AgentAction
}

func newExecutionHandle(actionID string) *ExecutionHandle {
	return &ExecutionHandle{ActionID: actionID, done: make(chan struct{})}
}

// Done is closed once the executor has recorded the outcome.
func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the final record, or nil while the action is running.
func (h *ExecutionHandle) Result() *domain.AgentAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final
}

func (h *ExecutionHandle) finish(a *domain.AgentAction) {
	h.once.Do(func() {
		h.mu.Lock()
		h.final = a
		h.mu.Unlock()
		close(h.done)
	})
}

// Config holds coordinator settings.
type Config struct {
	// HistoryLimit bounds the messages handed to providers. <= 0 means all.
	HistoryLimit int
	// StreamBufferSize is the number of undelivered tokens a stream may hold.
	StreamBufferSize int
	// StreamHistorySize is the number of finished streams kept for status lookups.
	StreamHistorySize int
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:      50,
		StreamBufferSize:  64,
		StreamHistorySize: 1024,
	}
}

func actionIDPtr(a *domain.AgentAction) *string {
	if a == nil {
		return nil
	}
	id := a.ID
	return &id
}
