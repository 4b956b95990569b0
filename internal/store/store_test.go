package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Repository {
	t.Helper()

	sqliteStore, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqliteStore,
	}
}

func noteProposal(text string) domain.ActionProposal {
	payload, _ := json.Marshal(domain.NotePayload{Text: text})
	return domain.ActionProposal{Kind: domain.KindNote, Payload: payload, Summary: "note: " + text}
}

func TestActionLifecycle(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			action, err := repo.CreateAction(ctx, "s1", noteProposal("buy milk"))
			require.NoError(t, err)
			assert.Equal(t, domain.StatusProposed, action.Status)
			assert.NotEmpty(t, action.ID)
			assert.Nil(t, action.DecidedAt)

			confirmed, err := repo.TransitionIf(ctx, action.ID, domain.StatusProposed, domain.StatusConfirmed, nil)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
			require.NotNil(t, confirmed.DecidedAt)

			_, err = repo.TransitionIf(ctx, action.ID, domain.StatusConfirmed, domain.StatusExecuting, nil)
			require.NoError(t, err)

			result := json.RawMessage(`{"ok":true}`)
			done, err := repo.TransitionIf(ctx, action.ID, domain.StatusExecuting, domain.StatusCompleted, result)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, done.Status)
			assert.JSONEq(t, `{"ok":true}`, string(done.Result))

			got, err := repo.GetAction(ctx, action.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, got.Status)
			assert.Equal(t, "note: buy milk", got.Summary)
			assert.JSONEq(t, `{"text":"buy milk"}`, string(got.Payload))
		})
	}
}

func TestTransitionIfRejectsWrongExpected(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			action, err := repo.CreateAction(ctx, "s1", noteProposal("x"))
			require.NoError(t, err)

			_, err = repo.TransitionIf(ctx, action.ID, domain.StatusProposed, domain.StatusCancelled, nil)
			require.NoError(t, err)

			_, err = repo.TransitionIf(ctx, action.ID, domain.StatusProposed, domain.StatusConfirmed, nil)
			assert.ErrorIs(t, err, shared.ErrInvalidState)

			got, err := repo.GetAction(ctx, action.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, got.Status)
		})
	}
}

func TestTransitionIfRejectsIllegalEdge(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			action, err := repo.CreateAction(ctx, "s1", noteProposal("x"))
			require.NoError(t, err)

			_, err = repo.TransitionIf(ctx, action.ID, domain.StatusProposed, domain.StatusExecuting, nil)
			assert.ErrorIs(t, err, shared.ErrInvalidState)

			got, err := repo.GetAction(ctx, action.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusProposed, got.Status)
		})
	}
}

func TestUnknownAction(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.GetAction(ctx, "missing")
			assert.ErrorIs(t, err, shared.ErrNotFound)

			_, err = repo.TransitionIf(ctx, "missing", domain.StatusProposed, domain.StatusConfirmed, nil)
			assert.ErrorIs(t, err, shared.ErrNotFound)
		})
	}
}

func TestConfirmCancelRace(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 20; i++ {
				action, err := repo.CreateAction(ctx, "race", noteProposal("r"))
				require.NoError(t, err)

				var wg sync.WaitGroup
				errs := make([]error, 2)
				targets := []domain.ActionStatus{domain.StatusConfirmed, domain.StatusCancelled}
				for j, next := range targets {
					wg.Add(1)
					go func(j int, next domain.ActionStatus) {
						defer wg.Done()
						_, errs[j] = repo.TransitionIf(ctx, action.ID, domain.StatusProposed, next, nil)
					}(j, next)
				}
				wg.Wait()

				succeeded := 0
				for _, err := range errs {
					if err == nil {
						succeeded++
						continue
					}
					assert.True(t, errors.Is(err, shared.ErrInvalidState), "unexpected error: %v", err)
				}
				assert.Equal(t, 1, succeeded, "exactly one transition must win")
			}
		})
	}
}

func TestListActions(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := repo.CreateAction(ctx, "s1", noteProposal("one"))
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			second, err := repo.CreateAction(ctx, "s1", noteProposal("two"))
			require.NoError(t, err)
			_, err = repo.CreateAction(ctx, "s2", noteProposal("other"))
			require.NoError(t, err)

			list, err := repo.ListActions(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, first.ID, list[0].ID)
			assert.Equal(t, second.ID, list[1].ID)

			stale, err := repo.ListStaleActions(ctx, domain.StatusProposed, time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Len(t, stale, 3)

			stale, err = repo.ListStaleActions(ctx, domain.StatusProposed, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, stale)
		})
	}
}

func TestConversationHistory(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			session, err := repo.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, session)

			now := time.Now()
			require.NoError(t, repo.UpsertSession(ctx, &domain.ChatSession{ID: "s1", ThreadID: "t1", CreatedAt: now, UpdatedAt: now}))
			require.NoError(t, repo.UpsertSession(ctx, &domain.ChatSession{ID: "s1", ThreadID: "t2", CreatedAt: now, UpdatedAt: now.Add(time.Second)}))

			session, err = repo.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, session)
			assert.Equal(t, "t1", session.ThreadID, "thread id must survive upserts")

			for _, m := range []domain.Message{
				{Role: domain.RoleUser, Content: "hi", CreatedAt: now},
				{Role: domain.RoleAssistant, Content: "hello", CreatedAt: now},
				{Role: domain.RoleUser, Content: "tell me more", CreatedAt: now},
				{Role: domain.RoleAssistant, Content: "so", Partial: true, CreatedAt: now},
			} {
				require.NoError(t, repo.AppendMessage(ctx, "s1", m))
			}

			all, err := repo.Messages(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "hi", all[0].Content)
			assert.True(t, all[3].Partial)

			last, err := repo.Messages(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, "tell me more", last[0].Content)
			assert.Equal(t, "so", last[1].Content)
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")

	first, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, second.Ping(context.Background()))
	require.NoError(t, second.Close())
}
