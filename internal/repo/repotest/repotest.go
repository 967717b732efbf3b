// Package repotest exercises any repo.Store implementation with the same
// journal semantics.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

// RunStoreTests runs the shared conformance checks against a fresh store
// returned by newStore for every subtest.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) repo.Store) {
	t.Helper()

	t.Run("run lifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.LatestRun(ctx)
		require.ErrorIs(t, err, repo.ErrNotFound)

		created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.CreateRun(ctx, repo.RunRecord{
			ID: "run-1", PlanHash: "hash-1", Plan: []byte(`{"version":1}`), Status: domain.RunNotStarted, CreatedAt: created,
		}))
		require.NoError(t, store.CreateRun(ctx, repo.RunRecord{
			ID: "run-2", PlanHash: "hash-2", Plan: []byte(`{"version":1}`), Status: domain.RunNotStarted, CreatedAt: created.Add(time.Minute),
		}))
		err = store.CreateRun(ctx, repo.RunRecord{ID: "run-1", PlanHash: "x", Plan: []byte(`{}`), Status: domain.RunNotStarted})
		require.ErrorIs(t, err, repo.ErrAlreadyExists)

		require.NoError(t, store.UpdateRunStatus(ctx, "run-1", domain.RunHalted, "step mint failed"))
		run, err := store.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, domain.RunHalted, run.Status)
		assert.Equal(t, "step mint failed", run.Reason)
		assert.Equal(t, "hash-1", run.PlanHash)
		assert.JSONEq(t, `{"version":1}`, string(run.Plan))

		latest, err := store.LatestRun(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-2", latest.ID)

		_, err = store.GetRun(ctx, "missing")
		require.ErrorIs(t, err, repo.ErrNotFound)
		require.ErrorIs(t, store.UpdateRunStatus(ctx, "missing", domain.RunCompleted, ""), repo.ErrNotFound)
	})

	t.Run("attempt journal", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateRun(ctx, repo.RunRecord{
			ID: "run-1", PlanHash: "hash", Plan: []byte(`{}`), Status: domain.RunInProgress,
		}))

		started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
		first, created, err := store.BeginAttempt(ctx, repo.StepAttemptRecord{
			RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning, StartedAt: started,
		})
		require.NoError(t, err)
		require.True(t, created)
		require.NotEmpty(t, first.ID)

		again, created, err := store.BeginAttempt(ctx, repo.StepAttemptRecord{
			RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning, StartedAt: started.Add(time.Second),
		})
		require.NoError(t, err)
		assert.False(t, created, "duplicate attempt must not be inserted")
		assert.Equal(t, first.ID, again.ID)

		require.NoError(t, store.FinishAttempt(ctx, repo.AttemptOutcome{
			RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRetrying,
			ErrorKind: "transient", ErrorMessage: "timeout", FinishedAt: started.Add(2 * time.Second),
		}))
		err = store.FinishAttempt(ctx, repo.AttemptOutcome{
			RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptSucceeded,
		})
		require.True(t, errors.Is(err, repo.ErrNotFound), "closed attempt must not be finished twice, got %v", err)

		_, _, err = store.BeginAttempt(ctx, repo.StepAttemptRecord{
			RunID: "run-1", StepID: "mint", Attempt: 2, Status: domain.AttemptRunning, StartedAt: started.Add(3 * time.Second),
		})
		require.NoError(t, err)
		require.NoError(t, store.FinishAttempt(ctx, repo.AttemptOutcome{
			RunID: "run-1", StepID: "mint", Attempt: 2, Status: domain.AttemptSucceeded, Output: "0xtx",
			FinishedAt: started.Add(4 * time.Second),
		}))

		records, err := store.ListByRun(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[0].Attempt)
		assert.Equal(t, domain.AttemptRetrying, records[0].Status)
		assert.Equal(t, "transient", records[0].ErrorKind)
		assert.Equal(t, "timeout", records[0].ErrorMessage)
		require.NotNil(t, records[0].FinishedAt)
		assert.True(t, records[0].FinishedAt.Equal(started.Add(2*time.Second)))
		assert.Equal(t, domain.AttemptSucceeded, records[1].Status)
		assert.Equal(t, "0xtx", records[1].Output)

		other, err := store.ListByRun(ctx, "run-other")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("rejects invalid records", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.Error(t, store.CreateRun(ctx, repo.RunRecord{ID: "run-1"}))
		_, _, err := store.BeginAttempt(ctx, repo.StepAttemptRecord{RunID: "run-1", StepID: "mint", Attempt: 0, Status: domain.AttemptRunning})
		require.Error(t, err)
		require.Error(t, store.FinishAttempt(ctx, repo.AttemptOutcome{RunID: "run-1", StepID: "mint", Attempt: 1, Status: domain.AttemptRunning}))
	})
}
