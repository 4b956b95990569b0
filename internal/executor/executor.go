// Package executor performs the side effects of confirmed actions and
// records their terminal status.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/metrics"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/store"
)

// PollFunc checks a dispatched side effect. It returns done=true with the
// final result once the effect has finished.
type PollFunc func(ctx context.Context) (domain.ExecutionResult, bool, error)

// Result is what a handler reports. A non-nil Poll means the side effect was
// dispatched and is still running.
type Result struct {
	domain.ExecutionResult
	Poll PollFunc
}

// Handler performs one kind of side effect.
type Handler interface {
	Execute(ctx context.Context, action *domain.AgentAction) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action *domain.AgentAction) Result

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, action *domain.AgentAction) Result {
	return f(ctx, action)
}

// Config holds executor timing.
type Config struct {
	// Timeout bounds a synchronous side effect.
	Timeout time.Duration
	// BackgroundTimeout bounds a dispatched side effect.
	BackgroundTimeout time.Duration
	// PollInterval is the delay between checks of a dispatched effect.
	PollInterval time.Duration
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           60 * time.Second,
		BackgroundTimeout: 30 * time.Minute,
		PollInterval:      2 * time.Second,
	}
}

// Executor dispatches Executing actions to their kind's handler and applies
// the Executing -> Completed|Failed transition.
type Executor struct {
	store    store.ActionStore
	handlers map[domain.ActionKind]Handler
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates an executor with no handlers.
func New(st store.ActionStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = def.BackgroundTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Executor{
		store:    st,
		handlers: make(map[domain.ActionKind]Handler),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Register installs the handler for kind.
func (e *Executor) Register(kind domain.ActionKind, h Handler) {
	e.handlers[kind] = h
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Run executes an action the store already records as Executing. done is
// called exactly once with the final record, possibly after Run returns when
// the handler dispatched a background effect.
func (e *Executor) Run(ctx context.Context, action *domain.AgentAction, done func(*domain.AgentAction)) {
	if done == nil {
		done = func(*domain.AgentAction) {}
	}
	if action.Status != domain.StatusExecuting {
		e.logger.Error("[EXEC] refusing to run action that is not executing",
			"action_id", action.ID, "status", action.Status)
		done(action)
		return
	}

	started := time.Now()
	res := e.invoke(ctx, action)

	if res.Poll == nil {
		done(e.finish(ctx, action, res.ExecutionResult, started))
		return
	}

	e.logger.Info("[EXEC] side effect dispatched, polling", "action_id", action.ID, "kind", action.Kind)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		final := e.poll(ctx, action, res.Poll)
		done(e.finish(ctx, action, final, started))
	}()
}

// Wait blocks until all background pollers have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) invoke(ctx context.Context, action *domain.AgentAction) (res Result) {
	h, ok := e.handlers[action.Kind]
	if !ok {
		return failed(fmt.Errorf("%w: no handler for kind %q", shared.ErrExecutionFailed, action.Kind))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("[EXEC] handler panicked", "action_id", action.ID, "kind", action.Kind, "panic", r)
			res = failed(fmt.Errorf("%w: handler panicked", shared.ErrExecutionFailed))
		}
	}()

	res = h.Execute(runCtx, action)
	if res.Poll == nil && res.Err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Err = errTimedOut
		res.Output = nil
	}
	return res
}

var errTimedOut = fmt.Errorf("%w: execution timed out", shared.ErrExecutionFailed)

func (e *Executor) poll(ctx context.Context, action *domain.AgentAction, poll PollFunc) domain.ExecutionResult {
	deadline := time.NewTimer(e.cfg.BackgroundTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{Err: fmt.Errorf("%w: interrupted by shutdown", shared.ErrExecutionFailed)}
		case <-deadline.C:
			return domain.ExecutionResult{Err: errTimedOut}
		case <-ticker.C:
			res, finished, err := poll(ctx)
			if err != nil {
				e.logger.Warn("[EXEC] poll failed", "action_id", action.ID, "error", err)
				continue
			}
			if finished {
				return res
			}
		}
	}
}

// finish applies the terminal transition and returns the stored record.
func (e *Executor) finish(ctx context.Context, action *domain.AgentAction, res domain.ExecutionResult, started time.Time) *domain.AgentAction {
	next := domain.StatusCompleted
	payload := res.Output
	if res.Failed() {
		next = domain.StatusFailed
		msg := failureMessage(res.Err)
		payload = domain.FailureResult(msg)
		if len(res.Output) > 0 {
			payload = mergeFailure(res.Output, msg)
		}
	}
	if payload == nil {
		payload = []byte(`{}`)
	}

	// The final write must land even when the request or timeout context ended.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	updated, err := e.store.TransitionIf(writeCtx, action.ID, domain.StatusExecuting, next, payload)
	if err != nil {
		e.logger.Warn("[EXEC] terminal transition rejected",
			"action_id", action.ID, "status", next, "error", err)
		current, getErr := e.store.GetAction(writeCtx, action.ID)
		if getErr != nil {
			return action
		}
		return current
	}

	e.metrics.ExecutionFinished(string(action.Kind), string(next), time.Since(started))
	if next == domain.StatusFailed {
		e.logger.Info("[EXEC] action failed", "action_id", action.ID, "kind", action.Kind, "error", res.Err)
	} else {
		e.logger.Info("[EXEC] action completed", "action_id", action.ID, "kind", action.Kind)
	}
	return updated
}

// failureMessage drops the sentinel prefix so stored results read
// {"error":"execution timed out"}.
func failureMessage(err error) string {
	return strings.TrimPrefix(err.Error(), shared.ErrExecutionFailed.Error()+": ")
}

// mergeFailure adds an error field to a JSON object result.
func mergeFailure(output json.RawMessage, msg string) json.RawMessage {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(output, &doc); err != nil || doc == nil {
		doc = map[string]json.RawMessage{"output": output}
	}
	encoded, _ := json.Marshal(msg)
	doc["error"] = encoded
	merged, err := json.Marshal(doc)
	if err != nil {
		return domain.FailureResult(msg)
	}
	return merged
}

func failed(err error) Result {
	return Result{ExecutionResult: domain.ExecutionResult{Err: err}}
}
