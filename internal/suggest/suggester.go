package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/provider"
	"github.com/ashureev/shsh-actions/internal/shared"
)

// Suggester produces at most one proposal per request. With a model
// proposer configured the model decides; otherwise the heuristic does.
type Suggester struct {
	model     provider.Proposer
	heuristic Heuristic
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a suggester. model may be nil.
func New(model provider.Proposer, timeout time.Duration, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Suggester{model: model, timeout: timeout, logger: logger}
}

// Source reports which strategy produces proposals.
func (s *Suggester) Source() string {
	if s.model != nil {
		return "model"
	}
	return "heuristic"
}

// Suggest returns a validated proposal, or nil when there is nothing to
// propose. A user turn that already has an action, or a proposal that
// repeats an action still in flight, yields nil. Model failures are
// reported as shared.ErrSuggestionUnavailable.
func (s *Suggester) Suggest(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error) {
	if settled(conv) {
		return nil, nil
	}

	var proposal *domain.ActionProposal
	if s.model == nil {
		proposal = s.heuristic.Propose(conv)
	} else {
		var err error
		if proposal, err = s.propose(ctx, conv); err != nil {
			return nil, err
		}
	}

	if proposal != nil && duplicate(conv, proposal) {
		s.logger.Debug("Dropping duplicate proposal", "session_id", conv.SessionID, "kind", proposal.Kind)
		return nil, nil
	}
	return proposal, nil
}

func (s *Suggester) propose(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	proposal, err := s.model.Propose(ctx, conv)
	if err != nil {
		s.logger.Warn("Model suggestion failed", "session_id", conv.SessionID, "error", err)
		return nil, fmt.Errorf("%w: %v", shared.ErrSuggestionUnavailable, err)
	}
	if proposal == nil {
		return nil, nil
	}
	if err := proposal.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrSuggestionUnavailable, err)
	}
	return proposal, nil
}
