// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package reviewgate implements the human-in-the-loop checkpoint that
// sits between an Attempt reaching SUCCESS and its Task becoming DONE.
// Approve merges the attempt's branch and unblocks dependents; Reject
// and Cancel return the task to TODO without merging. Worktree cleanup
// is always attempted but never allowed to fail the gate decision
// itself.
package reviewgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskforge/internal/coordinator"
	"taskforge/internal/store"
	"taskforge/internal/workerclient"
	"taskforge/pkg/domain"
)

// MergeTimeout bounds the merge_branch RPC.
const MergeTimeout = 60 * time.Second

// CleanupTimeout bounds the cleanup RPC.
const CleanupTimeout = 30 * time.Second

// TargetBranch is the branch every approved attempt merges into.
const TargetBranch = "main"

var (
	// ErrWrongAttemptStatus is returned when an action's status
	// precondition is not met. HTTP layers translate it to a 400.
	ErrWrongAttemptStatus = errors.New("reviewgate: attempt is not in a valid status for this action")

	// ErrMergeConflict is returned by Approve when the Worker answers
	// merge_branch with Success=false. The Attempt is left unchanged so
	// a human can resolve the conflict and retry.
	ErrMergeConflict = errors.New("reviewgate: merge reported a conflict")
)

// WorkerClient is the subset of workerclient.Client the Review Gate
// needs.
type WorkerClient interface {
	MergeBranch(ctx context.Context, req workerclient.MergeBranchRequest) (*workerclient.MergeBranchResponse, error)
	Cleanup(ctx context.Context, req workerclient.CleanupRequest) (*workerclient.CleanupResponse, error)
}

// Rescheduler is notified after an Approve so the caller can recompute
// the project's ready set (internal/coordinator.Coordinator satisfies
// this via OnAttemptComplete).
type Rescheduler interface {
	OnAttemptComplete(ctx context.Context, projectID string) (*coordinator.ScheduleResult, error)
}

// ProjectLookup resolves a task's project (for RepoPath). Mirrors
// internal/runner.ProjectLookup.
type ProjectLookup func(ctx context.Context, projectID string) (domain.Project, error)

// Gate is the Review Gate.
type Gate struct {
	store      *store.Store
	worker     WorkerClient
	reschedule Rescheduler
	project    ProjectLookup
	logger     *slog.Logger
}

// New constructs a Gate. project may be nil, in which case only
// ProjectID is ever resolved (RepoPath and other fields come back
// empty), mirroring internal/runner.New's default.
func New(st *store.Store, worker WorkerClient, reschedule Rescheduler, project ProjectLookup, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if project == nil {
		project = func(_ context.Context, projectID string) (domain.Project, error) {
			return domain.Project{ID: projectID}, nil
		}
	}
	return &Gate{store: st, worker: worker, reschedule: reschedule, project: project, logger: logger}
}

// Approve merges attemptID's branch into TargetBranch. On a successful
// merge the Attempt moves to APPROVED, its Task moves to DONE, the
// worktree is cleaned up best-effort, and the project's scheduler is
// notified so dependents can be picked up. Approve requires the
// Attempt to currently be SUCCESS.
func (g *Gate) Approve(ctx context.Context, attemptID string) error {
	attempt, task, err := g.loadPair(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != domain.AttemptSuccess {
		return fmt.Errorf("%w: attempt %s is %s, want SUCCESS", ErrWrongAttemptStatus, attemptID, attempt.Status)
	}

	project, err := g.project(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("resolve project %s: %w", task.ProjectID, err)
	}

	mergeCtx, cancel := context.WithTimeout(ctx, MergeTimeout)
	resp, err := g.worker.MergeBranch(mergeCtx, workerclient.MergeBranchRequest{
		RepoPath:     project.RepoPath,
		BranchName:   attempt.GitBranch,
		TargetBranch: TargetBranch,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("merge attempt %s branch %s: %w", attemptID, attempt.GitBranch, err)
	}
	if !resp.Success {
		g.logger.Warn("reviewgate: merge conflict, leaving attempt unchanged", "attempt_id", attemptID, "branch", attempt.GitBranch, "error", resp.Error)
		return fmt.Errorf("%w: %s", ErrMergeConflict, resp.Error)
	}

	attempt.Status = domain.AttemptApproved
	if err := g.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to APPROVED: %w", attemptID, err)
	}
	task.Status = domain.TaskDone
	if err := g.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("transition task %s to DONE: %w", task.ID, err)
	}

	g.cleanupWorktree(ctx, project.RepoPath, attempt)

	if g.reschedule != nil {
		if _, err := g.reschedule.OnAttemptComplete(ctx, task.ProjectID); err != nil {
			g.logger.Warn("reviewgate: failed to reschedule after approval", "project_id", task.ProjectID, "error", err)
		}
	}
	return nil
}

// Reject returns attemptID's task to TODO without merging, recording
// feedback on the attempt. Reject requires the Attempt to currently be
// SUCCESS or FAILED.
func (g *Gate) Reject(ctx context.Context, attemptID, feedback string) error {
	attempt, task, err := g.loadPair(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != domain.AttemptSuccess && attempt.Status != domain.AttemptFailed {
		return fmt.Errorf("%w: attempt %s is %s, want SUCCESS or FAILED", ErrWrongAttemptStatus, attemptID, attempt.Status)
	}

	now := time.Now()
	attempt.Status = domain.AttemptRejected
	attempt.CompletedAt = &now
	if feedback != "" {
		attempt.Result = feedback
	}
	if err := g.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to REJECTED: %w", attemptID, err)
	}
	task.Status = domain.TaskTODO
	if err := g.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("reset task %s to TODO: %w", task.ID, err)
	}

	g.cleanupByTask(ctx, task, attempt)
	return nil
}

// Cancel stops an in-flight attempt (PENDING, QUEUED or RUNNING),
// marking it CANCELLED and resetting its task to TODO.
func (g *Gate) Cancel(ctx context.Context, attemptID string) error {
	attempt, task, err := g.loadPair(ctx, attemptID)
	if err != nil {
		return err
	}
	if !attempt.Status.Active() {
		return fmt.Errorf("%w: attempt %s is %s, want PENDING, QUEUED or RUNNING", ErrWrongAttemptStatus, attemptID, attempt.Status)
	}

	now := time.Now()
	attempt.Status = domain.AttemptCancelled
	attempt.CompletedAt = &now
	if err := g.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to CANCELLED: %w", attemptID, err)
	}
	task.Status = domain.TaskTODO
	if err := g.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("reset task %s to TODO: %w", task.ID, err)
	}

	g.cleanupByTask(ctx, task, attempt)
	return nil
}

func (g *Gate) loadPair(ctx context.Context, attemptID string) (*domain.Attempt, *domain.Task, error) {
	attempt, err := g.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, fmt.Errorf("load attempt %s: %w", attemptID, err)
	}
	task, err := g.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("load task %s: %w", attempt.TaskID, err)
	}
	return attempt, task, nil
}

func (g *Gate) cleanupByTask(ctx context.Context, task *domain.Task, attempt *domain.Attempt) {
	project, err := g.project(ctx, task.ProjectID)
	if err != nil {
		g.logger.Warn("reviewgate: cleanup skipped, could not resolve project", "task_id", task.ID, "error", err)
		return
	}
	g.cleanupWorktree(ctx, project.RepoPath, attempt)
}

// cleanupWorktree asks the Worker to remove the attempt's worktree.
// Cleanup failure is never propagated: it is a best-effort courtesy,
// not part of the gate decision.
func (g *Gate) cleanupWorktree(ctx context.Context, repoPath string, attempt *domain.Attempt) {
	if attempt.GitBranch == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, CleanupTimeout)
	defer cancel()

	worktreeRef := attempt.WorktreePath
	if worktreeRef == "" {
		worktreeRef = attempt.GitBranch
	}
	resp, err := g.worker.Cleanup(cleanupCtx, workerclient.CleanupRequest{
		RepoPath:             repoPath,
		WorktreePathOrBranch: worktreeRef,
	})
	if err != nil {
		g.logger.Warn("reviewgate: worktree cleanup failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	if !resp.Success {
		g.logger.Warn("reviewgate: worktree cleanup reported failure", "attempt_id", attempt.ID, "error", resp.Error)
	}
}
