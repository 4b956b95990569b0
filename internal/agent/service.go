package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/metrics"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/store"
	"github.com/ashureev/shsh-actions/internal/stream"
)

// ErrClosed is returned once the coordinator has shut down.
var ErrClosed = fmt.Errorf("%w: coordinator closed", shared.ErrShuttingDown)

// liveStream is the coordinator's record of a generating stream.
type liveStream struct {
	id        string
	sessionID string
	startedAt time.Time
	sig       *stream.Signal
	sink      *stream.ChannelSink
}

func (ls *liveStream) info() StreamInfo {
	return StreamInfo{
		StreamID:        ls.id,
		SessionID:       ls.sessionID,
		StartedAt:       ls.startedAt,
		CancelRequested: ls.sig.Requested(),
	}
}

// Coordinator binds sessions to at most one active stream and mediates
// suggest, confirm and cancel requests against the action store.
type Coordinator struct {
	store     store.Repository
	emitter   *stream.Emitter
	suggester Suggester
	runner    Runner
	metrics   *metrics.Metrics
	convlog   ConversationLogger
	logger    *slog.Logger
	cfg       Config

	// Streams and executions outlive the request that started them.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*liveStream // sessionID -> active stream
	streams  map[string]*liveStream // streamID -> active stream
	handles  map[string]*ExecutionHandle
	history  *lru.Cache[string, StreamInfo]
	wg       sync.WaitGroup
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Store     store.Repository
	Generator stream.Generator
	Suggester Suggester
	Runner    Runner
	Metrics   *metrics.Metrics
	ConvLog   ConversationLogger
	Logger    *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Store == nil || deps.Generator == nil || deps.Suggester == nil || deps.Runner == nil {
		return nil, errors.New("coordinator requires store, generator, suggester and runner")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ConvLog == nil {
		deps.ConvLog = noopConversationLogger{}
	}
	def := DefaultConfig()
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = def.StreamBufferSize
	}
	if cfg.StreamHistorySize <= 0 {
		cfg.StreamHistorySize = def.StreamHistorySize
	}

	history, err := lru.New[string, StreamInfo](cfg.StreamHistorySize)
	if err != nil {
		return nil, fmt.Errorf("create stream history: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      deps.Store,
		emitter:    stream.NewEmitter(deps.Generator, deps.Logger),
		suggester:  deps.Suggester,
		runner:     deps.Runner,
		metrics:    deps.Metrics,
		convlog:    deps.ConvLog,
		logger:     deps.Logger,
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		sessions:   make(map[string]*liveStream),
		streams:    make(map[string]*liveStream),
		handles:    make(map[string]*ExecutionHandle),
		history:    history,
	}, nil
}

// StartStream begins generating a reply to message. It returns as soon as
// the stream is registered; tokens arrive on the handle's sink. A session
// with an active stream is rejected with shared.ErrSessionBusy.
func (c *Coordinator) StartStream(sessionID, message string) (*StreamHandle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", shared.ErrBadRequest)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", shared.ErrBadRequest)
	}

	ls := &liveStream{
		id:        uuid.NewString(),
		sessionID: sessionID,
		startedAt: time.Now(),
		sig:       stream.NewSignal(),
		sink:      stream.NewChannelSink(c.cfg.StreamBufferSize),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if active, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %s is still active", shared.ErrSessionBusy, active.id)
	}
	c.sessions[sessionID] = ls
	c.streams[ls.id] = ls
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.StreamStarted()
	c.logger.Info("Stream started", "session_id", sessionID, "stream_id", ls.id)
	go c.runStream(ls, message)

	return &StreamHandle{StreamID: ls.id, SessionID: sessionID, Sink: ls.sink}, nil
}

// runStream owns ls until its terminal marker is delivered. The marker is
// released only after history is written and the session is idle again, so
// a client reacting to it can immediately start the next stream.
func (c *Coordinator) runStream(ls *liveStream, message string) {
	defer c.wg.Done()

	held := &heldSink{Sink: ls.sink}
	var out stream.Outcome

	conv, err := c.prepareConversation(c.baseCtx, ls, message)
	if err != nil {
		c.logger.Error("Failed to load conversation", "session_id", ls.sessionID, "stream_id", ls.id, "error", err)
		out = stream.Outcome{Terminal: stream.ChunkError, Kind: shared.KindInternal, Err: err}
		held.Close(stream.Failure(ls.id, 0, shared.KindInternal, "failed to load conversation"))
	} else {
		out = c.emitter.Run(c.baseCtx, ls.id, conv, held, ls.sig)
	}

	c.persistReply(ls, out)

	finishedAt := time.Now()
	info := ls.info()
	info.Terminal = true
	info.Marker = out.Terminal
	info.Tokens = out.Tokens
	info.FinishedAt = &finishedAt

	c.mu.Lock()
	delete(c.sessions, ls.sessionID)
	delete(c.streams, ls.id)
	c.history.Add(ls.id, info)
	c.mu.Unlock()

	c.metrics.StreamFinished(string(out.Terminal))
	c.logger.Info("Stream finished",
		"session_id", ls.sessionID,
		"stream_id", ls.id,
		"marker", out.Terminal,
		"tokens", out.Tokens,
		"duration", finishedAt.Sub(ls.startedAt),
	)

	ls.sink.Close(held.final)
}

// heldSink forwards tokens and keeps the terminal marker back.
type heldSink struct {
	stream.Sink
	final stream.Chunk
}

func (h *heldSink) Close(final stream.Chunk) {
	h.final = final
}

func (c *Coordinator) prepareConversation(ctx context.Context, ls *liveStream, message string) (domain.Conversation, error) {
	now := time.Now()
	session, err := c.store.GetSession(ctx, ls.sessionID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if session == nil {
		session = &domain.ChatSession{ID: ls.sessionID, ThreadID: uuid.NewString(), CreatedAt: now}
	}
	session.UpdatedAt = now
	if err := c.store.UpsertSession(ctx, session); err != nil {
		return domain.Conversation{}, err
	}

	msg := domain.Message{Role: domain.RoleUser, Content: message, CreatedAt: now}
	if err := c.store.AppendMessage(ctx, ls.sessionID, msg); err != nil {
		return domain.Conversation{}, err
	}
	c.convlog.Log(ConversationLogEvent{
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
		SessionID:  ls.sessionID,
		StreamID:   ls.id,
		Channel:    "chat",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: message,
	})

	msgs, err := c.store.Messages(ctx, ls.sessionID, c.cfg.HistoryLimit)
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{SessionID: ls.sessionID, ThreadID: session.ThreadID, Messages: msgs}, nil
}

// persistReply stores the assistant turn. Cancelled runs keep their partial
// text; failed runs store nothing.
func (c *Coordinator) persistReply(ls *liveStream, out stream.Outcome) {
	partial := out.Terminal == stream.ChunkCancelled
	c.convlog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  ls.sessionID,
		StreamID:   ls.id,
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: out.Text,
		Meta: map[string]any{
			"marker":        out.Terminal,
			"stream_chunks": out.Tokens,
			"partial":       partial,
			"error_kind":    out.Kind,
		},
	})

	if out.Terminal == stream.ChunkError || out.Text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.baseCtx), 5*time.Second)
	defer cancel()
	msg := domain.Message{Role: domain.RoleAssistant, Content: out.Text, Partial: partial, CreatedAt: time.Now()}
	if err := c.store.AppendMessage(ctx, ls.sessionID, msg); err != nil {
		c.logger.Error("Failed to save assistant message", "session_id", ls.sessionID, "stream_id", ls.id, "error", err)
	}
}

// CancelStream requests cancellation of the session's active stream. It is
// a no-op for streams that already finished and fails with
// shared.ErrNotFound when streamID is not the session's stream.
func (c *Coordinator) CancelStream(sessionID, streamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ls, ok := c.sessions[sessionID]; ok && ls.id == streamID {
		ls.sig.Cancel()
		c.logger.Info("Stream cancel requested", "session_id", sessionID, "stream_id", streamID)
		return nil
	}
	if info, ok := c.history.Peek(streamID); ok && info.SessionID == sessionID {
		return nil
	}
	return fmt.Errorf("%w: stream %s in session %s", shared.ErrNotFound, streamID, sessionID)
}

// StreamStatus describes a live or recently finished stream.
func (c *Coordinator) StreamStatus(streamID string) (StreamInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ls, ok := c.streams[streamID]; ok {
		return ls.info(), nil
	}
	if info, ok := c.history.Get(streamID); ok {
		return info, nil
	}
	return StreamInfo{}, fmt.Errorf("%w: stream %s", shared.ErrNotFound, streamID)
}

// Session returns the stored session with its live streaming state.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", shared.ErrNotFound, sessionID)
	}

	session.State = domain.SessionIdle
	session.ActiveStreamID = ""
	c.mu.Lock()
	if ls, ok := c.sessions[sessionID]; ok {
		session.State = domain.SessionStreaming
		session.ActiveStreamID = ls.id
	}
	c.mu.Unlock()
	return session, nil
}

// RequestSuggestion asks the suggester for the session's next action and
// stores it as Proposed. A nil action with a nil error means there was
// nothing to propose and no record was created.
func (c *Coordinator) RequestSuggestion(ctx context.Context, sessionID string) (*domain.AgentAction, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", shared.ErrBadRequest)
	}

	var threadID string
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session != nil {
		threadID = session.ThreadID
	}
	msgs, err := c.store.Messages(ctx, sessionID, c.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	actions, err := c.store.ListActions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}

	conv := domain.Conversation{SessionID: sessionID, ThreadID: threadID, Messages: msgs, Actions: actions}
	proposal, err := c.suggester.Suggest(ctx, conv)
	if err != nil {
		c.metrics.Suggestion("unavailable")
		return nil, err
	}
	if proposal == nil {
		c.metrics.Suggestion("none")
		return nil, nil
	}

	action, err := c.store.CreateAction(ctx, sessionID, *proposal)
	if err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	c.metrics.Suggestion("proposed")
	c.logger.Info("Action proposed", "session_id", sessionID, "action_id", action.ID, "kind", action.Kind)
	c.logAction(action, "action_proposed")
	return action, nil
}

// Confirm moves a Proposed action through Confirmed into Executing and hands
// it to the runner. Double confirms and confirms after cancel fail with
// shared.ErrInvalidState.
func (c *Coordinator) Confirm(ctx context.Context, actionID string) (*ExecutionHandle, *domain.AgentAction, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	dispatched := false
	defer func() {
		if !dispatched {
			c.wg.Done()
		}
	}()

	if _, err := c.store.TransitionIf(ctx, actionID, domain.StatusProposed, domain.StatusConfirmed, nil); err != nil {
		return nil, nil, err
	}

	// Only the winner of the confirm CAS reaches this point.
	writeCtx := context.WithoutCancel(ctx)
	action, err := c.store.TransitionIf(writeCtx, actionID, domain.StatusConfirmed, domain.StatusExecuting, nil)
	if err != nil {
		c.logger.Error("Confirmed action could not begin executing", "action_id", actionID, "error", err)
		c.abortConfirmed(writeCtx, actionID, err)
		return nil, nil, err
	}

	handle := newExecutionHandle(actionID)
	c.mu.Lock()
	c.handles[actionID] = handle
	c.mu.Unlock()

	c.logger.Info("Action confirmed", "session_id", action.SessionID, "action_id", actionID, "kind", action.Kind)
	c.logAction(action, "action_confirmed")

	dispatched = true
	go func() {
		defer c.wg.Done()
		c.runner.Run(c.baseCtx, action, func(final *domain.AgentAction) {
			handle.finish(final)
			c.mu.Lock()
			delete(c.handles, actionID)
			c.mu.Unlock()
			c.logAction(final, "action_finished")
		})
	}()

	return handle, action, nil
}

// abortConfirmed fails an action stranded in Confirmed after its executing
// swap failed. If the store is still refusing writes the record stays in
// Confirmed and the reaper fails it once its stale window passes.
func (c *Coordinator) abortConfirmed(ctx context.Context, actionID string, cause error) {
	if errors.Is(cause, shared.ErrInvalidState) {
		// Someone else moved it on.
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Confirmed has no direct edge to Failed.
	if _, err := c.store.TransitionIf(ctx, actionID, domain.StatusConfirmed, domain.StatusExecuting, nil); err != nil {
		c.logger.Error("Stranded action left for the reaper", "action_id", actionID, "error", err)
		return
	}
	final, err := c.store.TransitionIf(ctx, actionID, domain.StatusExecuting, domain.StatusFailed,
		domain.FailureResult("could not begin executing"))
	if err != nil {
		c.logger.Error("Stranded action left for the reaper", "action_id", actionID, "error", err)
		return
	}
	c.logAction(final, "action_finished")
}

// Cancel moves a Proposed action to Cancelled. Actions already confirmed,
// executing or finished are rejected with shared.ErrInvalidState.
func (c *Coordinator) Cancel(ctx context.Context, actionID string) (*domain.AgentAction, error) {
	action, err := c.store.TransitionIf(ctx, actionID, domain.StatusProposed, domain.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Action cancelled", "session_id", action.SessionID, "action_id", actionID)
	c.logAction(action, "action_cancelled")
	return action, nil
}

// Wait blocks until the action reaches a terminal status or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, actionID string) (*domain.AgentAction, error) {
	c.mu.Lock()
	handle, ok := c.handles[actionID]
	c.mu.Unlock()

	if ok {
		select {
		case <-handle.Done():
			return handle.Result(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		action, err := c.store.GetAction(ctx, actionID)
		if err != nil {
			return nil, err
		}
		if action.Status.Terminal() {
			return action, nil
		}
		if action.Status == domain.StatusProposed {
			return nil, fmt.Errorf("%w: action %s has not been confirmed", shared.ErrInvalidState, actionID)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetAction returns the stored action.
func (c *Coordinator) GetAction(ctx context.Context, actionID string) (*domain.AgentAction, error) {
	return c.store.GetAction(ctx, actionID)
}

// ListActions returns a session's actions, oldest first.
func (c *Coordinator) ListActions(ctx context.Context, sessionID string) ([]*domain.AgentAction, error) {
	return c.store.ListActions(ctx, sessionID)
}

// Close cancels active streams and waits for streams and executions to
// finish recording their outcome.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ls := range c.sessions {
		ls.sig.Cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.baseCancel()
		c.runner.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Abandon pollers; the reaper fails their actions on next start.
		c.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) logAction(a *domain.AgentAction, eventType string) {
	if a == nil {
		return
	}
	c.convlog.Log(ConversationLogEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: a.SessionID,
		ActionID:  a.ID,
		Channel:   "actions",
		Direction: "internal",
		EventType: eventType,
		Content:   a.Summary,
		Meta: map[string]any{
			"kind":   a.Kind,
			"status": a.Status,
			"result": string(a.Result),
		},
	})
}
