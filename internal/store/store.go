// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
)

// ActionStore is the single source of truth for AgentAction records.
// TransitionIf is the only way a status changes.
type ActionStore interface {
	// CreateAction stores a new action in Proposed state.
	CreateAction(ctx context.Context, sessionID string, proposal domain.ActionProposal) (*domain.AgentAction, error)

	// GetAction returns the action or an error wrapping shared.ErrNotFound.
	GetAction(ctx context.Context, actionID string) (*domain.AgentAction, error)

	// TransitionIf moves the action from expected to next atomically.
	// It fails with shared.ErrInvalidState when the current status is not
	// expected, and with shared.ErrNotFound for unknown ids. result is only
	// recorded on terminal transitions.
	TransitionIf(ctx context.Context, actionID string, expected, next domain.ActionStatus, result json.RawMessage) (*domain.AgentAction, error)

	// ListActions returns a session's actions, oldest first.
	ListActions(ctx context.Context, sessionID string) ([]*domain.AgentAction, error)

	// ListStaleActions returns actions in status whose last update is older than before.
	ListStaleActions(ctx context.Context, status domain.ActionStatus, before time.Time) ([]*domain.AgentAction, error)
}

// ConversationStore persists chat sessions and their message history.
type ConversationStore interface {
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)

	// UpsertSession creates or touches a session record.
	UpsertSession(ctx context.Context, session *domain.ChatSession) error

	// AppendMessage adds a message to the session history.
	AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error

	// Messages returns the last limit messages, oldest first. limit <= 0 returns all.
	Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

// Repository combines the stores with lifecycle methods.
type Repository interface {
	ActionStore
	ConversationStore

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
