package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/store"
)

// Failure reasons recorded by the reaper.
const (
	reasonTimedOut    = "execution timed out"
	reasonInterrupted = "interrupted by restart"
)

// Reaper fails actions stuck in Confirmed or Executing.
type Reaper struct {
	store    store.ActionStore
	staleFor time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper that fails records idle for longer than staleFor.
func NewReaper(st store.ActionStore, staleFor time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: st, staleFor: staleFor, logger: logger}
}

// Recover fails every Confirmed or Executing action regardless of age.
// It must run before the process starts executing actions of its own.
func (r *Reaper) Recover(ctx context.Context) (int, error) {
	n, err := r.reap(ctx, time.Now().Add(time.Second), reasonInterrupted)
	if n > 0 {
		r.logger.Warn("[REAPER] failed actions interrupted by restart", "count", n)
	}
	return n, err
}

// Sweep fails actions not updated within the stale window.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	return r.reap(ctx, time.Now().Add(-r.staleFor), reasonTimedOut)
}

// Start runs Sweep on every tick until ctx ends.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		r.logger.Info("[REAPER] started", "interval", interval, "stale_for", r.staleFor)

		for {
			select {
			case <-ticker.C:
				if n, err := r.Sweep(ctx); err != nil {
					r.logger.Error("[REAPER] sweep failed", "error", err)
				} else if n > 0 {
					r.logger.Info("[REAPER] failed stuck actions", "count", n)
				}
			case <-ctx.Done():
				r.logger.Info("[REAPER] shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func (r *Reaper) reap(ctx context.Context, before time.Time, reason string) (int, error) {
	result := domain.FailureResult(reason)
	reaped := 0

	executing, err := r.store.ListStaleActions(ctx, domain.StatusExecuting, before)
	if err != nil {
		return reaped, err
	}
	for _, a := range executing {
		if r.fail(ctx, a.ID, domain.StatusExecuting, result) {
			reaped++
		}
	}

	confirmed, err := r.store.ListStaleActions(ctx, domain.StatusConfirmed, before)
	if err != nil {
		return reaped, err
	}
	for _, a := range confirmed {
		// Confirmed has no direct edge to Failed.
		if _, err := r.store.TransitionIf(ctx, a.ID, domain.StatusConfirmed, domain.StatusExecuting, nil); err != nil {
			r.logTransitionErr(a.ID, err)
			continue
		}
		if r.fail(ctx, a.ID, domain.StatusExecuting, result) {
			reaped++
		}
	}
	return reaped, nil
}

func (r *Reaper) fail(ctx context.Context, id string, from domain.ActionStatus, result []byte) bool {
	if _, err := r.store.TransitionIf(ctx, id, from, domain.StatusFailed, result); err != nil {
		r.logTransitionErr(id, err)
		return false
	}
	return true
}

func (r *Reaper) logTransitionErr(id string, err error) {
	if errors.Is(err, shared.ErrInvalidState) {
		// The executor finished it first.
		r.logger.Debug("[REAPER] action moved on before reaping", "action_id", id)
		return
	}
	r.logger.Warn("[REAPER] failed to reap action", "action_id", id, "error", err)
}
