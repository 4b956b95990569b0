package agent

import (
	"context"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/executor"
	"github.com/ashureev/shsh-actions/internal/suggest"
)

// Suggester proposes zero or one next action for a conversation.
type Suggester interface {
	Suggest(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error)
}

// Runner performs the side effect of an Executing action. done receives the
// final record exactly once.
type Runner interface {
	Run(ctx context.Context, action *domain.AgentAction, done func(*domain.AgentAction))

	// Wait blocks until background work started by Run has finished.
	Wait()
}

var (
	_ Suggester = (*suggest.Suggester)(nil)
	_ Runner    = (*executor.Executor)(nil)
)
