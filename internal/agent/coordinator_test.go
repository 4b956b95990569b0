package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/executor"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/ashureev/shsh-actions/internal/store"
	"github.com/ashureev/shsh-actions/internal/stream"
	"github.com/ashureev/shsh-actions/internal/suggest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeGenerator yields tokens; with gate set it waits on the gate before
// every token after the first.
type fakeGenerator struct {
	tokens []string
	err    error
	gate   chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, _ domain.Conversation) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, tok := range g.tokens {
			if i > 0 && g.gate != nil {
				select {
				case <-g.gate:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if !yield(tok, nil) {
				return
			}
		}
		if g.err != nil {
			yield("", g.err)
		}
	}
}

type fakeSuggester struct {
	proposal *domain.ActionProposal
	err      error
}

func (s fakeSuggester) Suggest(context.Context, domain.Conversation) (*domain.ActionProposal, error) {
	return s.proposal, s.err
}

func newTestCoordinator(t *testing.T, gen stream.Generator, sug Suggester) (*Coordinator, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	exec := executor.New(repo, executor.Config{Timeout: 2 * time.Second}, nil, discardLogger)
	exec.Register(domain.KindNote, executor.NoteHandler{Store: repo})

	if sug == nil {
		sug = suggest.New(nil, time.Second, discardLogger)
	}
	coord, err := NewCoordinator(Deps{
		Store:     repo,
		Generator: gen,
		Suggester: sug,
		Runner:    exec,
		Logger:    discardLogger,
	}, DefaultConfig())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, coord.Close(ctx))
	})
	return coord, repo
}

func drainHandle(t *testing.T, h *StreamHandle) []stream.Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out []stream.Chunk
	for {
		c, err := h.Sink.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestStreamCompletesAndPersistsHistory(t *testing.T) {
	coord, repo := newTestCoordinator(t, &fakeGenerator{tokens: []string{"Hel", "lo", "!"}}, nil)

	h, err := coord.StartStream("s1", "hi")
	require.NoError(t, err)
	chunks := drainHandle(t, h)

	require.Len(t, chunks, 4)
	for i, c := range chunks[:3] {
		assert.Equal(t, stream.ChunkToken, c.Type)
		assert.Equal(t, i, c.Seq)
		assert.Equal(t, h.StreamID, c.StreamID)
	}
	assert.Equal(t, stream.ChunkCompleted, chunks[3].Type)

	msgs, err := repo.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.Message{Role: domain.RoleUser, Content: "hi"}, stripTime(msgs[0]))
	assert.Equal(t, domain.Message{Role: domain.RoleAssistant, Content: "Hello!"}, stripTime(msgs[1]))

	session, err := coord.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionIdle, session.State)
	assert.NotEmpty(t, session.ThreadID)

	info, err := coord.StreamStatus(h.StreamID)
	require.NoError(t, err)
	assert.True(t, info.Terminal)
	assert.Equal(t, stream.ChunkCompleted, info.Marker)
	assert.Equal(t, 3, info.Tokens)
}

func stripTime(m domain.Message) domain.Message {
	m.CreatedAt = time.Time{}
	return m
}

func TestStartStreamRejectsBusySession(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"a", "b"}, gate: make(chan struct{})}
	coord, _ := newTestCoordinator(t, gen, nil)

	h, err := coord.StartStream("s1", "first")
	require.NoError(t, err)

	_, err = coord.StartStream("s1", "second")
	assert.ErrorIs(t, err, shared.ErrSessionBusy)

	session, err := coord.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStreaming, session.State)
	assert.Equal(t, h.StreamID, session.ActiveStreamID)

	other, err := coord.StartStream("s2", "elsewhere")
	require.NoError(t, err)

	close(gen.gate)
	drainHandle(t, h)
	drainHandle(t, other)

	// The terminal marker is only released once the session is free.
	next, err := coord.StartStream("s1", "third")
	require.NoError(t, err)
	drainHandle(t, next)
}

func TestStartStreamValidatesInput(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{}, nil)

	_, err := coord.StartStream("s1", "   ")
	assert.ErrorIs(t, err, shared.ErrBadRequest)
	_, err = coord.StartStream("", "hi")
	assert.ErrorIs(t, err, shared.ErrBadRequest)
}

func TestCancelStreamKeepsPartialReply(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Hel", "lo"}, gate: make(chan struct{})}
	coord, repo := newTestCoordinator(t, gen, nil)

	h, err := coord.StartStream("s1", "hi")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := h.Sink.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hel", first.Data)

	require.NoError(t, coord.CancelStream("s1", h.StreamID))
	rest := drainHandle(t, h)
	require.NotEmpty(t, rest)
	assert.Equal(t, stream.ChunkCancelled, rest[len(rest)-1].Type)

	msgs, err := repo.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[1].Content)
	assert.True(t, msgs[1].Partial)

	// Cancelling a finished stream is a no-op; an unknown one is not found.
	assert.NoError(t, coord.CancelStream("s1", h.StreamID))
	assert.ErrorIs(t, coord.CancelStream("s1", "nope"), shared.ErrNotFound)
	assert.ErrorIs(t, coord.CancelStream("s2", h.StreamID), shared.ErrNotFound)
}

func TestProviderFailureEndsWithErrorMarker(t *testing.T) {
	gen := &fakeGenerator{
		tokens: []string{"par"},
		err:    shared.NewProviderError(shared.KindUnavailable, errors.New("connection refused")),
	}
	coord, repo := newTestCoordinator(t, gen, nil)

	h, err := coord.StartStream("s1", "hi")
	require.NoError(t, err)
	chunks := drainHandle(t, h)

	last := chunks[len(chunks)-1]
	assert.Equal(t, stream.ChunkError, last.Type)
	assert.Equal(t, shared.KindUnavailable, last.Kind)

	msgs, err := repo.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "failed replies are not stored")
}

func TestSuggestionNoneCreatesNoRecord(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{tokens: []string{"ok"}}, nil)

	drainHandle(t, mustStart(t, coord, "s1", "hello there"))

	action, err := coord.RequestSuggestion(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, action)

	actions, err := coord.ListActions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestSuggestionUnavailable(t *testing.T) {
	sug := fakeSuggester{err: shared.ErrSuggestionUnavailable}
	coord, _ := newTestCoordinator(t, &fakeGenerator{}, sug)

	_, err := coord.RequestSuggestion(context.Background(), "s1")
	assert.ErrorIs(t, err, shared.ErrSuggestionUnavailable)

	actions, err := coord.ListActions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func mustStart(t *testing.T, coord *Coordinator, sessionID, message string) *StreamHandle {
	t.Helper()
	h, err := coord.StartStream(sessionID, message)
	require.NoError(t, err)
	return h
}

func TestSuggestConfirmExecute(t *testing.T) {
	coord, repo := newTestCoordinator(t, &fakeGenerator{tokens: []string{"Sure."}}, nil)
	ctx := context.Background()

	drainHandle(t, mustStart(t, coord, "s1", "remind me to water the plants"))

	action, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, domain.KindNote, action.Kind)
	assert.Equal(t, domain.StatusProposed, action.Status)

	handle, confirmed, err := coord.Confirm(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, confirmed.Status)

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	final, err := coord.Wait(waitCtx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.JSONEq(t, `{"saved":true,"text":"water the plants"}`, string(final.Result))

	<-handle.Done()
	assert.Equal(t, domain.StatusCompleted, handle.Result().Status)

	msgs, err := repo.Messages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleNote, msgs[2].Role)

	_, _, err = coord.Confirm(ctx, action.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = coord.Cancel(ctx, action.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	// A finished action is answered from the store.
	again, err := coord.Wait(waitCtx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.Status)
}

func TestSuggestionAfterCompletedActionProposesNothing(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{tokens: []string{"Sure."}}, nil)
	ctx := context.Background()

	drainHandle(t, mustStart(t, coord, "s1", "remind me to water the plants"))

	action, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, action)

	// While the first proposal is pending, asking again creates nothing.
	pending, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, _, err = coord.Confirm(ctx, action.ID)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	final, err := coord.Wait(waitCtx, action.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, final.Status)

	for range 2 {
		again, err := coord.RequestSuggestion(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, again)
	}

	actions, err := coord.ListActions(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	// A new request in a later turn is proposed again.
	drainHandle(t, mustStart(t, coord, "s1", "remind me to call mom"))
	next, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.JSONEq(t, `{"text":"call mom"}`, string(next.Payload))
}

func TestSuggestionAfterDeclinedActionProposesNothing(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{tokens: []string{"Sure."}}, nil)
	ctx := context.Background()

	drainHandle(t, mustStart(t, coord, "s1", "run `rm -rf build`"))

	action, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, action)
	_, err = coord.Cancel(ctx, action.ID)
	require.NoError(t, err)

	again, err := coord.RequestSuggestion(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancelProposedAction(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{}, nil)
	ctx := context.Background()

	action, err := coord.store.CreateAction(ctx, "s1", noteProposal("x"))
	require.NoError(t, err)

	_, err = coord.Wait(ctx, action.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState, "waiting on an unconfirmed action")

	cancelled, err := coord.Cancel(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, _, err = coord.Confirm(ctx, action.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	_, _, err = coord.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func noteProposal(text string) domain.ActionProposal {
	return domain.ActionProposal{Kind: domain.KindNote, Payload: []byte(`{"text":"` + text + `"}`)}
}

func TestConfirmCancelRaceHasOneWinner(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeGenerator{}, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		action, err := coord.store.CreateAction(ctx, "s1", noteProposal("race"))
		require.NoError(t, err)

		var (
			wg                  sync.WaitGroup
			confirmErr, cancErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, confirmErr = coord.Confirm(ctx, action.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancErr = coord.Cancel(ctx, action.ID)
		}()
		wg.Wait()

		if (confirmErr == nil) == (cancErr == nil) {
			t.Fatalf("expected exactly one winner, confirm=%v cancel=%v", confirmErr, cancErr)
		}
		loser := confirmErr
		if loser == nil {
			loser = cancErr
		}
		assert.ErrorIs(t, loser, shared.ErrInvalidState)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"a", "b"}, gate: make(chan struct{})}
	coord, _ := newTestCoordinator(t, gen, nil)

	h := mustStart(t, coord, "s1", "hi")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, coord.Close(ctx))

	chunks := drainHandle(t, h)
	assert.Equal(t, stream.ChunkCancelled, chunks[len(chunks)-1].Type)

	_, err := coord.StartStream("s1", "again")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, shared.CodeShuttingDown, shared.Code(err))
	assert.Equal(t, http.StatusServiceUnavailable, shared.HTTPStatus(err))

	_, _, err = coord.Confirm(context.Background(), "a1")
	assert.ErrorIs(t, err, shared.ErrShuttingDown)
}

// flakyStore fails the first n Confirmed -> Executing swaps.
type flakyStore struct {
	store.Repository
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) TransitionIf(ctx context.Context, id string, expected, next domain.ActionStatus, result json.RawMessage) (*domain.AgentAction, error) {
	f.mu.Lock()
	fail := expected == domain.StatusConfirmed && next == domain.StatusExecuting && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("disk I/O error")
	}
	return f.Repository.TransitionIf(ctx, id, expected, next, result)
}

func newFlakyCoordinator(t *testing.T, failures int) (*Coordinator, store.Repository) {
	t.Helper()
	repo := &flakyStore{Repository: store.NewMemory(), failures: failures}
	exec := executor.New(repo, executor.Config{Timeout: 2 * time.Second}, nil, discardLogger)
	exec.Register(domain.KindNote, executor.NoteHandler{Store: repo})

	coord, err := NewCoordinator(Deps{
		Store:     repo,
		Generator: &fakeGenerator{},
		Suggester: suggest.New(nil, time.Second, discardLogger),
		Runner:    exec,
		Logger:    discardLogger,
	}, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, coord.Close(ctx))
	})
	return coord, repo
}

func TestConfirmFailsActionWhenExecutingSwapFails(t *testing.T) {
	coord, repo := newFlakyCoordinator(t, 1)
	ctx := context.Background()

	action, err := repo.CreateAction(ctx, "s1", noteProposal("x"))
	require.NoError(t, err)

	_, _, err = coord.Confirm(ctx, action.ID)
	require.Error(t, err)

	got, err := repo.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.JSONEq(t, `{"error":"could not begin executing"}`, string(got.Result))
}

func TestConfirmLeavesActionConfirmedWhileStoreRefusesWrites(t *testing.T) {
	coord, repo := newFlakyCoordinator(t, 2)
	ctx := context.Background()

	action, err := repo.CreateAction(ctx, "s1", noteProposal("x"))
	require.NoError(t, err)

	_, _, err = coord.Confirm(ctx, action.ID)
	require.Error(t, err)

	got, err := repo.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)

	n, err := executor.NewReaper(repo, time.Minute, discardLogger).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
