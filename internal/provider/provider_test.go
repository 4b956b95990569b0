package provider

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type flakyProvider struct {
	calls    int
	failures []error
	tokens   []string
	// failAfterFirst yields one token and then the failure.
	failAfterFirst bool
}

func (f *flakyProvider) Generate(_ context.Context, _ domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		call := f.calls
		f.calls++
		if call < len(f.failures) {
			if f.failAfterFirst && !yield(f.tokens[0], nil) {
				return
			}
			yield("", f.failures[call])
			return
		}
		for _, tok := range f.tokens {
			if !yield(tok, nil) {
				return
			}
		}
	}
}

func (f *flakyProvider) Name() string { return "flaky" }
func (f *flakyProvider) Close() error { return nil }

func collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for tok, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

func TestRetryBeforeFirstToken(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{shared.NewProviderError(shared.KindUnavailable, errors.New("503"))},
		tokens:   []string{"ok"},
	}
	p := WithRetry(inner, 2, time.Millisecond, nil)

	text, err := collect(p.Generate(context.Background(), domain.Conversation{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, inner.calls)
}

func TestNoRetryAfterFirstToken(t *testing.T) {
	inner := &flakyProvider{
		failures:       []error{shared.NewProviderError(shared.KindUnavailable, errors.New("503"))},
		tokens:         []string{"partial"},
		failAfterFirst: true,
	}
	p := WithRetry(inner, 3, time.Millisecond, nil)

	text, err := collect(p.Generate(context.Background(), domain.Conversation{}))
	require.Error(t, err)
	assert.Equal(t, "partial", text, "tokens must not be replayed")
	assert.Equal(t, 1, inner.calls)
}

func TestNoRetryOnPermanentError(t *testing.T) {
	inner := &flakyProvider{
		failures: []error{shared.NewProviderError(shared.KindRateLimited, errors.New("429"))},
		tokens:   []string{"never"},
	}
	p := WithRetry(inner, 3, time.Millisecond, nil)

	_, err := collect(p.Generate(context.Background(), domain.Conversation{}))
	assert.Equal(t, shared.KindRateLimited, shared.ProviderKind(err))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryGivesUp(t *testing.T) {
	fail := shared.NewProviderError(shared.KindTimeout, errors.New("slow"))
	inner := &flakyProvider{failures: []error{fail, fail, fail}, tokens: []string{"x"}}
	p := WithRetry(inner, 1, time.Millisecond, nil)

	_, err := collect(p.Generate(context.Background(), domain.Conversation{}))
	assert.Equal(t, shared.KindTimeout, shared.ProviderKind(err))
	assert.Equal(t, 2, inner.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want shared.ProviderErrorKind
	}{
		{"deadline", context.DeadlineExceeded, shared.KindTimeout},
		{"genai 429", genai.APIError{Code: 429, Message: "quota"}, shared.KindRateLimited},
		{"genai 503", genai.APIError{Code: 503}, shared.KindUnavailable},
		{"genai 500", genai.APIError{Code: 500}, shared.KindUpstream},
		{"genai 400", genai.APIError{Code: 400}, shared.KindInternal},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), shared.KindUnavailable},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "slow down"), shared.KindRateLimited},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "late"), shared.KindTimeout},
		{"plain", errors.New("boom"), shared.KindUpstream},
		{"already classified", shared.NewProviderError(shared.KindInternal, errors.New("x")), shared.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.ErrorIs(t, got, shared.ErrProvider)
			assert.Equal(t, tt.want, shared.ProviderKind(got))
		})
	}
	assert.NoError(t, Classify(nil))
}

func TestLocalGenerate(t *testing.T) {
	p := NewLocal(Config{})
	conv := domain.Conversation{Messages: []domain.Message{
		{Role: domain.RoleUser, Content: "deploy the app"},
	}}

	text, err := collect(p.Generate(context.Background(), conv))
	require.NoError(t, err)
	assert.Contains(t, text, `"deploy the app"`)
}

func TestLocalGenerateStopsOnCancel(t *testing.T) {
	p := NewLocal(Config{TypingSpeed: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens int
	var gotErr error
	for tok, err := range p.Generate(ctx, domain.Conversation{}) {
		if err != nil {
			gotErr = err
			break
		}
		if tok != "" {
			tokens++
		}
		cancel()
	}
	assert.Equal(t, 1, tokens)
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestParseProposal(t *testing.T) {
	p, err := parseProposal("```json\n{\"kind\":\"note\",\"summary\":\"remember\",\"payload\":{\"text\":\"call mom\"}}\n```")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.KindNote, p.Kind)
	assert.Equal(t, "remember", p.Summary)

	p, err = parseProposal(`{"kind":"none"}`)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parseProposal(`{"kind":"shell_command","payload":{"command":""}}`)
	assert.ErrorIs(t, err, domain.ErrInvalidProposal)

	_, err = parseProposal(`not json`)
	assert.Error(t, err)
}

func TestProposerOfUnwraps(t *testing.T) {
	wrapped := WithRetry(&Grpc{}, 1, time.Millisecond, nil)
	_, ok := ProposerOf(wrapped)
	assert.True(t, ok)
	_, ok = CheckerOf(wrapped)
	assert.True(t, ok)

	_, ok = ProposerOf(WithRetry(NewLocal(Config{}), 1, time.Millisecond, nil))
	assert.False(t, ok)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Name: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	p, err := New(context.Background(), Config{Name: "local"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())
}
