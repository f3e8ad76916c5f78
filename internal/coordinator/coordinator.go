// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package coordinator schedules a project's task graph: it computes
// the ready set, dispatches Runners under a global concurrency cap,
// and reacts to successful attempt completion by recomputing readiness. Unlike a
// classic DAG executor, completion of an attempt does not by itself
// unblock dependents: a Task only becomes eligible for its
// dependents once it reaches DONE, which happens exclusively through
// Review Gate approval.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskforge/internal/graph"
	"taskforge/internal/store"
	"taskforge/pkg/domain"
)

// DefaultMaxConcurrent is the default global cap on in-flight tasks
// across a project, absent explicit configuration.
const DefaultMaxConcurrent = 4

// BlockedReportLimit caps how many blocked tasks GetExecutionStatus
// reports; the full list is available from the graph directly.
const BlockedReportLimit = 10

// Dispatcher runs one attempt to completion. internal/runner.Runner
// satisfies this interface; tests substitute a fake.
type Dispatcher interface {
	Run(ctx context.Context, attemptID string) error
}

// Coordinator schedules tasks for a single project. It holds no
// long-lived goroutines of its own between calls: ScheduleProjectTasks
// dispatches a bounded batch and returns immediately; each dispatched
// attempt's goroutine reschedules once its attempt ends in SUCCESS.
type Coordinator struct {
	mu sync.Mutex

	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger

	maxConcurrent int
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) { c.maxConcurrent = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New constructs a Coordinator.
func New(st *store.Store, dispatcher Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         st,
		dispatcher:    dispatcher,
		logger:        slog.Default(),
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScheduleResult reports what one ScheduleProjectTasks call did.
// Per-task dispatch failures are accumulated in Errors so a partial
// scheduling cycle still succeeds for the tasks it could start.
type ScheduleResult struct {
	Scheduled      []string `json:"scheduled"`
	AlreadyRunning int      `json:"already_running"`
	Waiting        int      `json:"waiting"`
	Completed      int      `json:"completed"`
	Errors         []string `json:"errors,omitempty"`
}

// ExecutionStatus summarizes a project's current scheduling state.
type ExecutionStatus struct {
	TotalTasks      int             `json:"total_tasks"`
	Done            int             `json:"done"`
	InReview        int             `json:"in_review"`
	InProgress      int             `json:"in_progress"`
	Todo            int             `json:"todo"`
	Failed          int             `json:"failed"`
	ProgressPercent float64         `json:"progress_percent"`
	MaxConcurrent   int             `json:"max_concurrent"`
	RunningTasks    []string        `json:"running_tasks"`
	RunningAttempts int             `json:"running_attempts"`
	Ready           []string        `json:"ready"`
	Blocked         []graph.Blocked `json:"blocked"`
	ExecutionLevels int             `json:"execution_levels"`
	HasCycles       bool            `json:"has_cycles"`
	IsComplete      bool            `json:"is_complete"`
}

// GetExecutionStatus loads every task in projectID and summarizes it
// against the dependency graph. An empty project reports IsComplete.
func (c *Coordinator) GetExecutionStatus(ctx context.Context, projectID string) (*ExecutionStatus, error) {
	tasks, err := c.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}

	g := graph.Build(tasks)
	completed := make(map[string]bool, len(tasks))
	status := &ExecutionStatus{TotalTasks: len(tasks), MaxConcurrent: c.maxConcurrent}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskDone:
			status.Done++
			completed[t.ID] = true
		case domain.TaskInReview:
			status.InReview++
		case domain.TaskInProgress:
			status.InProgress++
			status.RunningTasks = append(status.RunningTasks, t.ID)
		case domain.TaskFailed:
			status.Failed++
		default:
			status.Todo++
		}
	}
	if status.TotalTasks > 0 {
		status.ProgressPercent = float64(status.Done) / float64(status.TotalTasks) * 100
	}

	running, err := c.store.ListAttemptsByProjectStatus(ctx, projectID, domain.AttemptRunning)
	if err != nil {
		return nil, fmt.Errorf("list running attempts for project %s: %w", projectID, err)
	}
	status.RunningAttempts = len(running)

	for _, t := range g.ReadyTasks(completed) {
		status.Ready = append(status.Ready, t.ID)
	}
	blocked := g.BlockedTasks(completed)
	if len(blocked) > BlockedReportLimit {
		blocked = blocked[:BlockedReportLimit]
	}
	status.Blocked = blocked

	status.HasCycles = g.HasCycles()
	if levels, err := g.ExecutionLevels(); err == nil {
		status.ExecutionLevels = len(levels)
	}
	status.IsComplete = status.Todo == 0 && status.InProgress == 0

	return status, nil
}

// ScheduleProjectTasks computes the ready set for projectID, respects
// the global concurrency cap, creates a QUEUED Attempt for each task it
// can start, and hands each one to the dispatcher on its own goroutine.
// Tasks already holding an active attempt count against the cap and are
// never double-dispatched. Callers invoke it again (directly, or
// through the completion-driven reschedule) to pick up newly-ready
// tasks.
func (c *Coordinator) ScheduleProjectTasks(ctx context.Context, projectID string) (*ScheduleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}
	g := graph.Build(tasks)

	result := &ScheduleResult{Scheduled: []string{}}

	completed := make(map[string]bool, len(tasks))
	busy := make(map[string]bool)
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskDone:
			completed[t.ID] = true
			result.Completed++
		case domain.TaskInProgress:
			busy[t.ID] = true
		}
	}

	// QUEUED/PENDING attempts whose task has not yet flipped to
	// IN_PROGRESS still occupy a slot, otherwise two back-to-back
	// scheduling cycles would overshoot the cap.
	for _, status := range []domain.AttemptStatus{domain.AttemptPending, domain.AttemptQueued, domain.AttemptRunning} {
		attempts, err := c.store.ListAttemptsByProjectStatus(ctx, projectID, status)
		if err != nil {
			return nil, fmt.Errorf("list %s attempts for project %s: %w", status, projectID, err)
		}
		for _, a := range attempts {
			busy[a.TaskID] = true
		}
	}
	result.AlreadyRunning = len(busy)

	if g.HasCycles() {
		result.Waiting = len(g.BlockedTasks(completed))
		result.Errors = append(result.Errors, "task graph contains a cycle; nothing scheduled")
		return result, nil
	}

	result.Waiting = len(g.BlockedTasks(completed))

	slots := c.maxConcurrent - len(busy)
	if slots <= 0 {
		return result, nil
	}

	for _, t := range g.ReadyTasks(completed) {
		if busy[t.ID] {
			continue
		}
		if slots <= 0 {
			result.Waiting++
			continue
		}

		attempt := &domain.Attempt{
			TaskID:    t.ID,
			AgentRole: t.AgentRole,
			Status:    domain.AttemptQueued,
			GitBranch: domain.BranchName(t.AgentRole, t.ID),
		}
		if err := c.store.CreateAttempt(ctx, attempt); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: %v", t.ID, err))
			continue
		}

		result.Scheduled = append(result.Scheduled, attempt.ID)
		slots--

		go c.runAndReschedule(projectID, attempt.ID)
	}

	return result, nil
}

// runAndReschedule invokes the dispatcher for one attempt and, once it
// completes with SUCCESS, recomputes the ready set so its freed slot
// and tasks unblocked in the meantime (by a Review Gate approval
// elsewhere moving a task to DONE) get picked up. A failed or cancelled
// attempt leaves its task at TODO and does not trigger a reschedule, so
// that task waits for RetryFailedTasks or an explicit schedule call.
func (c *Coordinator) runAndReschedule(projectID, attemptID string) {
	ctx := context.Background()
	if err := c.dispatcher.Run(ctx, attemptID); err != nil {
		c.logger.Error("coordinator: attempt run failed", "attempt_id", attemptID, "error", err)
	}
	attempt, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil || attempt.Status != domain.AttemptSuccess {
		return
	}
	if _, err := c.ScheduleProjectTasks(ctx, projectID); err != nil {
		c.logger.Error("coordinator: reschedule after attempt completion failed", "project_id", projectID, "attempt_id", attemptID, "error", err)
	}
}

// OnAttemptComplete is the explicit hook for callers that change task
// readiness without running a new attempt; the Review Gate calls it
// after an approval moves a task to DONE. It recomputes and dispatches
// the newly ready set.
func (c *Coordinator) OnAttemptComplete(ctx context.Context, projectID string) (*ScheduleResult, error) {
	return c.ScheduleProjectTasks(ctx, projectID)
}

// CancelAllRunning transitions every active attempt in projectID to
// CANCELLED and resets their tasks to TODO. A cancelled attempt's
// late-arriving Worker result is discarded by the Runner's re-read
// before commit. Calling it twice in a row is a no-op the second time.
func (c *Coordinator) CancelAllRunning(ctx context.Context, projectID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancelled := 0
	for _, status := range []domain.AttemptStatus{domain.AttemptRunning, domain.AttemptQueued, domain.AttemptPending} {
		attempts, err := c.store.ListAttemptsByProjectStatus(ctx, projectID, status)
		if err != nil {
			return cancelled, fmt.Errorf("list %s attempts for project %s: %w", status, projectID, err)
		}
		for _, a := range attempts {
			now := time.Now()
			a.Status = domain.AttemptCancelled
			a.CompletedAt = &now
			if err := c.store.PutAttempt(ctx, &a); err != nil {
				return cancelled, fmt.Errorf("cancel attempt %s: %w", a.ID, err)
			}
			if _, err := c.store.SetTaskStatus(ctx, a.TaskID, domain.TaskTODO); err != nil {
				return cancelled, fmt.Errorf("reset task %s to TODO: %w", a.TaskID, err)
			}
			cancelled++
		}
	}
	return cancelled, nil
}

// RetryFailedTasks resets every FAILED task in projectID back to TODO
// and immediately runs a scheduling cycle so those whose dependencies
// are still satisfied dispatch right away.
func (c *Coordinator) RetryFailedTasks(ctx context.Context, projectID string) (int, *ScheduleResult, error) {
	c.mu.Lock()
	tasks, err := c.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}

	retried := 0
	for _, t := range tasks {
		if t.Status != domain.TaskFailed {
			continue
		}
		if _, err := c.store.SetTaskStatus(ctx, t.ID, domain.TaskTODO); err != nil {
			c.mu.Unlock()
			return retried, nil, fmt.Errorf("reset task %s to TODO: %w", t.ID, err)
		}
		retried++
	}
	c.mu.Unlock()

	result, err := c.ScheduleProjectTasks(ctx, projectID)
	if err != nil {
		return retried, nil, err
	}
	return retried, result, nil
}
