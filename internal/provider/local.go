package provider

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
)

// Local is an offline provider that answers from the conversation itself.
// Tokens are paced like a typist so clients see a realistic stream.
type Local struct {
	typingSpeed time.Duration
	thinkPause  time.Duration
	jitterMax   time.Duration
}

// NewLocal creates a local provider.
func NewLocal(cfg Config) *Local {
	return &Local{
		typingSpeed: cfg.TypingSpeed,
		thinkPause:  cfg.ThinkPause,
		jitterMax:   cfg.JitterMax,
	}
}

// Generate implements Provider.
func (l *Local) Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := l.pause(ctx, l.thinkPause); err != nil {
			yield("", err)
			return
		}

		for i, word := range strings.SplitAfter(l.reply(conv), " ") {
			if i > 0 {
				if err := l.pause(ctx, l.typingSpeed+l.jitter()); err != nil {
					yield("", err)
					return
				}
			}
			if !yield(word, nil) {
				return
			}
		}
	}
}

func (l *Local) reply(conv domain.Conversation) string {
	msg, ok := conv.LastByRole(domain.RoleUser)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return "Hi! Tell me what you are working on and I can suggest a next step."
	}
	turns := 0
	for _, m := range conv.Messages {
		if m.Role == domain.RoleUser {
			turns++
		}
	}
	return fmt.Sprintf("You said: %q. That makes %d message(s) in this session. Ask for a suggestion when you want me to act on it.",
		strings.TrimSpace(msg.Content), turns)
}

func (l *Local) jitter() time.Duration {
	if l.jitterMax <= 0 {
		return 0
	}
	return rand.N(l.jitterMax)
}

func (l *Local) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return Classify(err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Classify(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Name implements Provider.
func (l *Local) Name() string { return "local" }

// Close implements Provider.
func (l *Local) Close() error { return nil }
