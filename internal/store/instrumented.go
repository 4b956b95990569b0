package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
)

// TransitionObserver is notified about every TransitionIf outcome.
type TransitionObserver interface {
	Transition(from, to string)
	TransitionConflict()
}

// Instrumented reports transitions of the wrapped repository to an observer.
type Instrumented struct {
	Repository
	obs TransitionObserver
}

// WithObserver wraps repo. A nil observer returns repo unchanged.
func WithObserver(repo Repository, obs TransitionObserver) Repository {
	if obs == nil {
		return repo
	}
	return &Instrumented{Repository: repo, obs: obs}
}

// TransitionIf implements ActionStore.
func (s *Instrumented) TransitionIf(ctx context.Context, actionID string, expected, next domain.ActionStatus, result json.RawMessage) (*domain.AgentAction, error) {
	action, err := s.Repository.TransitionIf(ctx, actionID, expected, next, result)
	switch {
	case err == nil:
		s.obs.Transition(string(expected), string(next))
	case errors.Is(err, shared.ErrInvalidState):
		s.obs.TransitionConflict()
	}
	return action, err
}
