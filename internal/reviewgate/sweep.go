// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package reviewgate

import (
	"context"
	"log/slog"
	"time"

	"taskforge/internal/workerclient"
	"taskforge/pkg/domain"
)

// DefaultSweepInterval is how often SweepLoop runs a cleanup pass.
const DefaultSweepInterval = 24 * time.Hour

// DefaultRetention is how long a terminal Attempt's worktree is kept
// around before the sweep reclaims it.
const DefaultRetention = 7 * 24 * time.Hour

// terminalSweepStatuses: only attempts that left the review gate one
// way or another are eligible, never SUCCESS (still awaiting review).
var terminalSweepStatuses = map[domain.AttemptStatus]bool{
	domain.AttemptApproved:  true,
	domain.AttemptRejected:  true,
	domain.AttemptCancelled: true,
	domain.AttemptFailed:    true,
}

// SweepOldWorktrees finds terminal attempts whose worktree is older
// than retention and asks the Worker to clean each one up, clearing
// WorktreePath on success. It is request-independent maintenance, not
// part of the Approve/Reject/Cancel gate decision, so a failed cleanup
// here is logged and skipped rather than propagated.
func (g *Gate) SweepOldWorktrees(ctx context.Context, retention time.Duration) (int, error) {
	now := time.Now()
	cleaned := 0

	statuses := []domain.AttemptStatus{
		domain.AttemptApproved, domain.AttemptRejected,
		domain.AttemptCancelled, domain.AttemptFailed,
	}
	seen := make(map[string]bool)
	for _, status := range statuses {
		attempts, err := g.store.ListAttemptsByStatus(ctx, status)
		if err != nil {
			return cleaned, err
		}
		for i := range attempts {
			a := &attempts[i]
			if seen[a.ID] || a.WorktreePath == "" || !terminalSweepStatuses[a.Status] {
				continue
			}
			seen[a.ID] = true
			if a.CompletedAt == nil || now.Sub(*a.CompletedAt) < retention {
				continue
			}
			if g.sweepOne(ctx, a) {
				cleaned++
			}
		}
	}
	return cleaned, nil
}

func (g *Gate) sweepOne(ctx context.Context, a *domain.Attempt) bool {
	task, err := g.store.GetTask(ctx, a.TaskID)
	if err != nil {
		g.logger.Warn("reviewgate: sweep skipped, task unavailable", "attempt_id", a.ID, "error", err)
		return false
	}
	project, err := g.project(ctx, task.ProjectID)
	if err != nil {
		g.logger.Warn("reviewgate: sweep skipped, project unavailable", "attempt_id", a.ID, "error", err)
		return false
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, CleanupTimeout)
	resp, err := g.worker.Cleanup(cleanupCtx, workerclient.CleanupRequest{
		RepoPath:             project.RepoPath,
		WorktreePathOrBranch: a.WorktreePath,
	})
	cancel()
	if err != nil || !resp.Success {
		g.logger.Warn("reviewgate: sweep cleanup failed", "attempt_id", a.ID, "error", err)
		return false
	}

	a.WorktreePath = ""
	if err := g.store.PutAttempt(ctx, a); err != nil {
		g.logger.Warn("reviewgate: sweep failed to clear worktree path", "attempt_id", a.ID, "error", err)
		return false
	}
	return true
}

// SweepLoop runs SweepOldWorktrees on a fixed interval and blocks until
// ctx is cancelled. The orchestrator's serve command runs it in the
// foreground.
func (g *Gate) SweepLoop(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = g.logger
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.SweepOldWorktrees(ctx, retention)
			if err != nil {
				logger.Warn("reviewgate: worktree sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reviewgate: swept old worktrees", "cleaned", n)
			}
		}
	}
}
