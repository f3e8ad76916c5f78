// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package runner drives a single Attempt through its state machine:
// PENDING/QUEUED -> RUNNING -> SUCCESS|FAILED, invoking the Worker's
// run_agent RPC and applying the error-taxonomy-specific retry policy.
// A Runner never advances a Task past IN_REVIEW itself; only the
// Review Gate does that.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskforge/internal/eventbus"
	"taskforge/internal/store"
	"taskforge/internal/telemetry"
	"taskforge/internal/workerclient"
	"taskforge/pkg/domain"
)

// RunAgentTimeout bounds a single run_agent RPC attempt.
const RunAgentTimeout = 10 * time.Minute

// TransportRetryBackoff is the fixed delay between Transport-error
// retries. Not exponential: the Worker's own internal retry/backoff is
// assumed to handle transient overload; the orchestrator's retry
// exists only to ride out brief connectivity blips.
const TransportRetryBackoff = 30 * time.Second

// MaxTransportTries is the total number of run_agent tries before a
// Transport error becomes a FAILED attempt. Each failed try records an
// ERROR event on the attempt.
const MaxTransportTries = 3

// WorkerClient is the subset of workerclient.Client the Runner needs,
// declared as an interface so it can be faked in tests.
type WorkerClient interface {
	RunAgent(ctx context.Context, req workerclient.RunAgentRequest) (*workerclient.RunAgentResponse, error)
}

// ProjectLookup resolves a task's project metadata for the Worker
// request. The Attempt Store has no dedicated Project bucket; callers
// wire in whatever project registry the orchestrator entrypoint owns.
type ProjectLookup func(ctx context.Context, projectID string) (domain.Project, error)

// Runner executes one Attempt at a time. A Runner is stateless between
// calls to Run; concurrency is the caller's responsibility (see
// internal/coordinator for the bounded worker pool that dispatches
// Runners).
type Runner struct {
	store   *store.Store
	worker  WorkerClient
	bus     *eventbus.Bus
	project ProjectLookup
	logger  *slog.Logger

	model   string
	backoff time.Duration
}

// New constructs a Runner. bus may be nil, in which case attempt
// events are recorded to the store but not broadcast. project may be
// nil, in which case only ProjectID is forwarded to the Worker.
func New(st *store.Store, worker WorkerClient, bus *eventbus.Bus, project ProjectLookup, model string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if project == nil {
		project = func(_ context.Context, projectID string) (domain.Project, error) {
			return domain.Project{ID: projectID}, nil
		}
	}
	return &Runner{
		store:   st,
		worker:  worker,
		bus:     bus,
		project: project,
		logger:  logger,
		model:   model,
		backoff: TransportRetryBackoff,
	}
}

// Run executes the given Attempt end to end: it transitions the
// Attempt to RUNNING, invokes the Worker, applies the retry policy on
// Transport errors, and on return the Attempt is in a terminal state
// (SUCCESS or FAILED) and the Task has been moved to IN_REVIEW (on
// success) or TODO (on failure), unless the Attempt was cancelled out
// from under the Runner in the meantime.
func (r *Runner) Run(ctx context.Context, attemptID string) error {
	ctx, span := telemetry.StartSpan(ctx, "taskforge/runner", "runner.Run")
	defer span.End()
	telemetry.AddAttributes(ctx, telemetry.AttrAttemptID.String(attemptID))

	attempt, err := r.store.GetAttempt(ctx, attemptID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("load attempt %s: %w", attemptID, err)
	}
	task, err := r.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("load task %s: %w", attempt.TaskID, err)
	}
	telemetry.AddAttributes(ctx, telemetry.TaskAttrs(task.ID, attemptID)...)
	telemetry.AddAttributes(ctx,
		telemetry.AttrProjectID.String(task.ProjectID),
		telemetry.AttrAgentRole.String(string(task.AgentRole)),
	)

	if !attempt.Status.Active() {
		r.logger.Warn("runner: attempt is no longer active, skipping", "attempt_id", attemptID, "status", attempt.Status)
		return nil
	}

	now := time.Now()
	attempt.Status = domain.AttemptRunning
	attempt.StartedAt = &now
	if err := r.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to RUNNING: %w", attemptID, err)
	}
	r.emit(ctx, attempt.ID, domain.EventStatus, fmt.Sprintf("Starting %s execution", attempt.AgentRole), nil)

	task.Status = domain.TaskInProgress
	if err := r.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("transition task %s to IN_PROGRESS: %w", task.ID, err)
	}
	r.publishTaskUpdate(task)

	resp, rpcErr := r.invokeWithRetry(ctx, attempt, task)

	// Re-read before committing the terminal result: if the Attempt was
	// cancelled while the Worker call was in flight, the cancellation
	// wins and this result is discarded.
	fresh, err := r.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("re-read attempt %s before commit: %w", attemptID, err)
	}
	if fresh.Status != domain.AttemptRunning {
		r.logger.Info("runner: attempt left RUNNING state during execution, discarding result", "attempt_id", attemptID, "status", fresh.Status)
		return nil
	}

	if rpcErr != nil {
		// Transport failures already recorded one ERROR event per try.
		var transportErr *workerclient.TransportError
		emitEvent := !errors.As(rpcErr, &transportErr)
		return r.fail(ctx, fresh, task, rpcErr, emitEvent)
	}
	if !resp.Success {
		return r.fail(ctx, fresh, task, &WorkerReportedError{Message: resp.Error}, true)
	}
	return r.succeed(ctx, fresh, task, resp)
}

// WorkerReportedError wraps a run_agent response with Success=false.
// Not retried: the Worker has already run the agent and concluded it
// failed; retrying would re-run a deterministic failure.
type WorkerReportedError struct {
	Message string
}

func (e *WorkerReportedError) Error() string {
	return fmt.Sprintf("worker reported failure: %s", e.Message)
}

func (r *Runner) invokeWithRetry(ctx context.Context, attempt *domain.Attempt, task *domain.Task) (*workerclient.RunAgentResponse, error) {
	project, err := r.project(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", task.ProjectID, err)
	}

	req := workerclient.RunAgentRequest{
		AttemptID: attempt.ID,
		Task: workerclient.RunAgentTaskRequest{
			ID:                 task.ID,
			Title:              task.Title,
			Description:        task.Description,
			AgentRole:          string(task.AgentRole),
			AcceptanceCriteria: task.AcceptanceCriteria,
		},
		Project: workerclient.RunAgentProjectRequest{
			Name:        project.Name,
			Description: project.Description,
			RepoPath:    project.RepoPath,
			Config:      project.Config,
		},
		WritableRoots: project.WritableRoots,
		Model:         r.model,
	}

	var lastErr error
	for try := 1; try <= MaxTransportTries; try++ {
		if try > 1 {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, RunAgentTimeout)
		resp, err := r.worker.RunAgent(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		var transportErr *workerclient.TransportError
		if !errors.As(err, &transportErr) {
			// StatusError or any other non-transport failure: not retried.
			return nil, err
		}
		lastErr = err
		r.emit(ctx, attempt.ID, domain.EventError, fmt.Sprintf("transport error reaching worker (try %d/%d): %v", try, MaxTransportTries, err), nil)
		r.logger.Warn("runner: transport error calling worker", "attempt_id", attempt.ID, "error", err, "try", try)
	}
	return nil, lastErr
}

func (r *Runner) fail(ctx context.Context, attempt *domain.Attempt, task *domain.Task, cause error, emitEvent bool) error {
	now := time.Now()
	attempt.Status = domain.AttemptFailed
	attempt.CompletedAt = &now
	attempt.ErrorMessage = cause.Error()
	if err := r.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to FAILED: %w", attempt.ID, err)
	}
	if emitEvent {
		r.emit(ctx, attempt.ID, domain.EventError, cause.Error(), nil)
	}
	telemetry.RecordError(ctx, cause)
	telemetry.AddEvent(ctx, "attempt failed", telemetry.ErrorAttrs(cause)...)
	telemetry.AddAttributes(ctx, telemetry.AttrSuccess.Bool(false))

	task.Status = domain.TaskTODO
	if err := r.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("reset task %s to TODO: %w", task.ID, err)
	}
	r.publishTaskUpdate(task)
	return nil
}

func (r *Runner) succeed(ctx context.Context, attempt *domain.Attempt, task *domain.Task, resp *workerclient.RunAgentResponse) error {
	now := time.Now()
	attempt.Status = domain.AttemptSuccess
	attempt.CompletedAt = &now
	attempt.GitBranch = resp.GitBranch
	attempt.WorktreePath = resp.WorktreePath
	attempt.Diff = resp.Diff
	attempt.FilesChanged = resp.FilesChanged
	attempt.Result = resp.Output
	if err := r.store.PutAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("transition attempt %s to SUCCESS: %w", attempt.ID, err)
	}
	r.emit(ctx, attempt.ID, domain.EventStatus, "attempt succeeded, awaiting review", nil)
	telemetry.AddAttributes(ctx,
		telemetry.AttrSuccess.Bool(true),
		telemetry.AttrBranch.String(attempt.GitBranch),
	)

	for kind, outcome := range resp.GateResults {
		status := domain.GatePassed
		if !outcome.Passed {
			status = domain.GateFailed
		}
		gr := &domain.GateResult{
			AttemptID: attempt.ID,
			Kind:      domain.GateKind(kind),
			Status:    status,
			Output:    outcome.Output,
			Duration:  outcome.Duration,
		}
		if err := r.store.AppendGateResult(ctx, gr); err != nil {
			r.logger.Warn("runner: failed to record gate result", "attempt_id", attempt.ID, "gate", kind, "error", err)
		}
		telemetry.AddEvent(ctx, "gate result",
			telemetry.AttrGateName.String(kind),
			telemetry.AttrGatePassed.Bool(outcome.Passed),
		)
	}

	// Success parks the task at IN_REVIEW. Dependent tasks are not
	// unblocked here: only an explicit Review Gate approval does that.
	task.Status = domain.TaskInReview
	if err := r.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("transition task %s to IN_REVIEW: %w", task.ID, err)
	}
	r.publishTaskUpdate(task)
	return nil
}

func (r *Runner) emit(ctx context.Context, attemptID string, kind domain.EventKind, message string, metadata map[string]string) {
	event := &domain.AttemptEvent{
		AttemptID: attemptID,
		Kind:      kind,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("runner: failed to append attempt event", "attempt_id", attemptID, "error", err)
	}
	if r.bus != nil {
		if err := r.bus.PublishAttemptEvent(attemptID, event); err != nil {
			r.logger.Warn("runner: failed to publish attempt event", "attempt_id", attemptID, "error", err)
		}
	}
}

func (r *Runner) publishTaskUpdate(task *domain.Task) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishTaskUpdate(task.ProjectID, task); err != nil {
		r.logger.Warn("runner: failed to publish task update", "task_id", task.ID, "error", err)
	}
}
