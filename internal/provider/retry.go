package provider

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
)

// Retrying restarts a generation that fails with a transient error before
// yielding its first token. Once a token has been relayed, errors pass
// through unchanged so no client ever sees a token twice.
type Retrying struct {
	inner     Provider
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// WithRetry wraps p. attempts is the number of extra tries.
func WithRetry(p Provider, attempts int, baseDelay time.Duration, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 0 {
		attempts = 0
	}
	return &Retrying{inner: p, attempts: attempts, baseDelay: baseDelay, logger: logger}
}

// Generate implements Provider.
func (r *Retrying) Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for attempt := 0; ; attempt++ {
			started := false
			var failure error

			for token, err := range r.inner.Generate(ctx, conv) {
				if err != nil {
					failure = err
					break
				}
				started = true
				if !yield(token, nil) {
					return
				}
			}

			if failure == nil {
				return
			}
			kind := shared.ProviderKind(failure)
			if started || attempt >= r.attempts || !kind.Transient() || ctx.Err() != nil {
				yield("", failure)
				return
			}

			delay := r.baseDelay * time.Duration(1<<attempt)
			r.logger.Warn("Provider failed before first token, retrying",
				"provider", r.inner.Name(), "kind", kind, "attempt", attempt+1, "delay", delay, "error", failure)
			select {
			case <-ctx.Done():
				yield("", shared.NewProviderError(shared.KindTimeout, ctx.Err()))
				return
			case <-time.After(delay):
			}
		}
	}
}

// Name implements Provider.
func (r *Retrying) Name() string { return r.inner.Name() }

// Close implements Provider.
func (r *Retrying) Close() error { return r.inner.Close() }

// Unwrap returns the wrapped provider.
func (r *Retrying) Unwrap() Provider { return r.inner }
