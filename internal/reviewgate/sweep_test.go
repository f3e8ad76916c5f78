// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package reviewgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/store"
	"taskforge/internal/workerclient"
	"taskforge/pkg/domain"
)

func seedTerminalAttempt(t *testing.T, st *store.Store, status domain.AttemptStatus, worktreePath string, completedAt time.Time) *domain.Attempt {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{ProjectID: "proj-1", Status: domain.TaskDone}
	require.NoError(t, st.CreateTask(ctx, task))
	attempt := &domain.Attempt{
		TaskID:       task.ID,
		Status:       status,
		GitBranch:    "agent-backend-z",
		WorktreePath: worktreePath,
		CompletedAt:  &completedAt,
	}
	require.NoError(t, st.CreateAttempt(ctx, attempt))
	return attempt
}

func TestSweepOldWorktrees_CleansStaleTerminalAttempts(t *testing.T) {
	st := newTestStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour)
	attempt := seedTerminalAttempt(t, st, domain.AttemptApproved, "/work/tree/a", old)

	worker := &fakeWorker{cleanupResp: &workerclient.CleanupResponse{Success: true}}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	n, err := g.SweepOldWorktrees(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, worker.cleanups)

	got, err := st.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Empty(t, got.WorktreePath)
}

func TestSweepOldWorktrees_SkipsRecentAttempts(t *testing.T) {
	st := newTestStore(t)
	recent := time.Now().Add(-1 * time.Hour)
	attempt := seedTerminalAttempt(t, st, domain.AttemptApproved, "/work/tree/b", recent)

	worker := &fakeWorker{cleanupResp: &workerclient.CleanupResponse{Success: true}}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	n, err := g.SweepOldWorktrees(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 0, worker.cleanups)

	got, err := st.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Equal(t, "/work/tree/b", got.WorktreePath)
}

func TestSweepOldWorktrees_SkipsAttemptsWithoutWorktree(t *testing.T) {
	st := newTestStore(t)
	old := time.Now().Add(-30 * 24 * time.Hour)
	seedTerminalAttempt(t, st, domain.AttemptRejected, "", old)

	worker := &fakeWorker{cleanupResp: &workerclient.CleanupResponse{Success: true}}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	n, err := g.SweepOldWorktrees(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 0, worker.cleanups)
}

func TestSweepOldWorktrees_IgnoresSuccessStatus(t *testing.T) {
	st := newTestStore(t)
	old := time.Now().Add(-30 * 24 * time.Hour)
	attempt := seedTerminalAttempt(t, st, domain.AttemptSuccess, "/work/tree/c", old)

	worker := &fakeWorker{cleanupResp: &workerclient.CleanupResponse{Success: true}}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	n, err := g.SweepOldWorktrees(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := st.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Equal(t, "/work/tree/c", got.WorktreePath)
}

func TestSweepOldWorktrees_CleanupFailureIsSwallowed(t *testing.T) {
	st := newTestStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour)
	attempt := seedTerminalAttempt(t, st, domain.AttemptFailed, "/work/tree/d", old)

	worker := &fakeWorker{cleanupErr: context.DeadlineExceeded}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	n, err := g.SweepOldWorktrees(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := st.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Equal(t, "/work/tree/d", got.WorktreePath)
}

func TestSweepLoop_StopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	worker := &fakeWorker{cleanupResp: &workerclient.CleanupResponse{Success: true}}
	g := New(st, worker, &fakeRescheduler{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.SweepLoop(ctx, time.Millisecond, 7*24*time.Hour, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SweepLoop did not return after context cancellation")
	}
}
