// Package provider adapts language model backends to a token iterator.
package provider

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
)

// Provider generates assistant responses as a token stream.
type Provider interface {
	// Generate yields tokens in order. A non-nil error ends the sequence.
	Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error]

	// Name identifies the backend in logs and health output.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Proposer is implemented by providers that can suggest a next action.
// A nil proposal with a nil error means the model had nothing to suggest.
type Proposer interface {
	Propose(ctx context.Context, conv domain.Conversation) (*domain.ActionProposal, error)
}

// Checker is implemented by providers with a remote health endpoint.
type Checker interface {
	Check(ctx context.Context) error
}

// Config selects and tunes a provider.
type Config struct {
	// Name is one of "local", "gemini" or "grpc".
	Name            string
	Model           string
	APIKey          string
	Address         string
	SystemPrompt    string
	Temperature     float32
	MaxOutputTokens int32
	RequestTimeout  time.Duration

	// Pacing of the local provider.
	TypingSpeed time.Duration
	ThinkPause  time.Duration
	JitterMax   time.Duration

	// Retries before the first token.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns default provider configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "local",
		Model:           "gemini-2.5-flash",
		Temperature:     0.4,
		MaxOutputTokens: 1024,
		RequestTimeout:  2 * time.Minute,
		TypingSpeed:     75 * time.Millisecond,
		ThinkPause:      500 * time.Millisecond,
		JitterMax:       25 * time.Millisecond,
		RetryAttempts:   2,
		RetryBaseDelay:  250 * time.Millisecond,
	}
}

// New builds the configured provider wrapped with pre-first-token retries.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Name {
	case "", "local":
		p = NewLocal(cfg)
	case "gemini":
		p, err = NewGemini(ctx, cfg, logger)
	case "grpc":
		p, err = NewGrpc(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Model provider ready", "provider", p.Name(), "model", cfg.Model)
	return WithRetry(p, cfg.RetryAttempts, cfg.RetryBaseDelay, logger), nil
}

// ProposerOf returns the Proposer behind p, looking through wrappers.
func ProposerOf(p Provider) (Proposer, bool) {
	for p != nil {
		if prop, ok := p.(Proposer); ok {
			return prop, true
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = u.Unwrap()
	}
	return nil, false
}

// CheckerOf returns the Checker behind p, looking through wrappers.
func CheckerOf(p Provider) (Checker, bool) {
	for p != nil {
		if c, ok := p.(Checker); ok {
			return c, true
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = u.Unwrap()
	}
	return nil, false
}
