package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/google/uuid"
)

// actionEntry guards one canonical record. Transitions lock the entry, not the table.
type actionEntry struct {
	mu     sync.Mutex
	action domain.AgentAction
}

// MemoryStore implements Repository in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	actions  map[string]*actionEntry
	sessions map[string]*domain.ChatSession
	messages map[string][]domain.Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		actions:  make(map[string]*actionEntry),
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]domain.Message),
		now:      time.Now,
	}
}

// CreateAction stores a new action in Proposed state.
func (s *MemoryStore) CreateAction(_ context.Context, sessionID string, proposal domain.ActionProposal) (*domain.AgentAction, error) {
	now := s.now()
	entry := &actionEntry{action: domain.AgentAction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      proposal.Kind,
		Payload:   cloneRaw(proposal.Payload),
		Summary:   proposal.Summary,
		Status:    domain.StatusProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	s.mu.Lock()
	s.actions[entry.action.ID] = entry
	s.mu.Unlock()

	return copyAction(&entry.action), nil
}

// GetAction returns a snapshot of the action.
func (s *MemoryStore) GetAction(_ context.Context, actionID string) (*domain.AgentAction, error) {
	entry, err := s.entry(actionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyAction(&entry.action), nil
}

// TransitionIf applies expected -> next under the entry lock.
func (s *MemoryStore) TransitionIf(_ context.Context, actionID string, expected, next domain.ActionStatus, result json.RawMessage) (*domain.AgentAction, error) {
	if !domain.CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s is not a valid transition", shared.ErrInvalidState, expected, next)
	}

	entry, err := s.entry(actionID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.action.Status != expected {
		return nil, fmt.Errorf("%w: action %s is %s, expected %s", shared.ErrInvalidState, actionID, entry.action.Status, expected)
	}

	now := s.now()
	entry.action.Status = next
	entry.action.UpdatedAt = now
	if expected == domain.StatusProposed {
		entry.action.DecidedAt = &now
	}
	if next.Terminal() && result != nil {
		entry.action.Result = cloneRaw(result)
	}
	return copyAction(&entry.action), nil
}

// ListActions returns a session's actions, oldest first.
func (s *MemoryStore) ListActions(_ context.Context, sessionID string) ([]*domain.AgentAction, error) {
	var out []*domain.AgentAction
	for _, entry := range s.snapshot() {
		entry.mu.Lock()
		if entry.action.SessionID == sessionID {
			out = append(out, copyAction(&entry.action))
		}
		entry.mu.Unlock()
	}
	sortActions(out)
	return out, nil
}

// ListStaleActions returns actions in status last updated before the cutoff.
func (s *MemoryStore) ListStaleActions(_ context.Context, status domain.ActionStatus, before time.Time) ([]*domain.AgentAction, error) {
	var out []*domain.AgentAction
	for _, entry := range s.snapshot() {
		entry.mu.Lock()
		if entry.action.Status == status && entry.action.UpdatedAt.Before(before) {
			out = append(out, copyAction(&entry.action))
		}
		entry.mu.Unlock()
	}
	sortActions(out)
	return out, nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

// UpsertSession creates or touches a session record. The thread id is never replaced.
func (s *MemoryStore) UpsertSession(_ context.Context, session *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ID]; ok {
		existing.UpdatedAt = session.UpdatedAt
		return nil
	}
	cp := *session
	cp.ActiveStreamID = ""
	s.sessions[session.ID] = &cp
	return nil
}

// AppendMessage adds a message to the session history.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

// Messages returns the last limit messages, oldest first.
func (s *MemoryStore) Messages(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(actionID string) (*actionEntry, error) {
	s.mu.RLock()
	entry, ok := s.actions[actionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, shared.ErrNotFound)
	}
	return entry, nil
}

func (s *MemoryStore) snapshot() []*actionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*actionEntry, 0, len(s.actions))
	for _, e := range s.actions {
		entries = append(entries, e)
	}
	return entries
}

func copyAction(a *domain.AgentAction) *domain.AgentAction {
	cp := *a
	cp.Payload = cloneRaw(a.Payload)
	cp.Result = cloneRaw(a.Result)
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func sortActions(actions []*domain.AgentAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
