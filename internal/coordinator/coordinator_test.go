// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"taskforge/internal/store"
	"taskforge/pkg/domain"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	ns, err := server.NewServer(&server.Options{
		Port: -1, NoLog: true, NoSigs: true, JetStream: true, StoreDir: dir,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	st, err := store.New(context.Background(), js)
	require.NoError(t, err)
	return st
}

// fakeDispatcher records which attempts it ran but never completes them
// itself; tests that need a terminal state set it directly on the store.
type fakeDispatcher struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeDispatcher) Run(ctx context.Context, attemptID string) error {
	f.mu.Lock()
	f.ran = append(f.ran, attemptID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) runIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func seedProject(t *testing.T, st *store.Store, projectID string, tasks []*domain.Task) {
	t.Helper()
	for _, task := range tasks {
		task.ProjectID = projectID
		require.NoError(t, st.CreateTask(context.Background(), task))
	}
}

func TestScheduleProjectTasks_DispatchesOnlyReadyTasks(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	b := &domain.Task{Title: "b", Status: domain.TaskTODO}
	seedProject(t, st, "proj", []*domain.Task{a, b})
	b.Dependencies = []string{a.ID}
	require.NoError(t, st.PutTask(context.Background(), b))

	disp := &fakeDispatcher{}
	c := New(st, disp, WithMaxConcurrent(4))

	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, res.Scheduled, 1)
	require.Equal(t, 1, res.Waiting)
	require.Empty(t, res.Errors)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, disp.runIDs(), 1)

	attempt, err := st.GetAttempt(context.Background(), res.Scheduled[0])
	require.NoError(t, err)
	require.Equal(t, a.ID, attempt.TaskID)
}

func TestScheduleProjectTasks_RespectsConcurrencyCap(t *testing.T) {
	st := newTestStore(t)
	tasks := []*domain.Task{
		{Title: "a", Status: domain.TaskTODO},
		{Title: "b", Status: domain.TaskTODO},
		{Title: "c", Status: domain.TaskTODO},
	}
	seedProject(t, st, "proj", tasks)

	disp := &fakeDispatcher{}
	c := New(st, disp, WithMaxConcurrent(2))

	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, res.Scheduled, 2)
}

func TestScheduleProjectTasks_QueuedAttemptsCountAgainstCap(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	b := &domain.Task{Title: "b", Status: domain.TaskTODO}
	seedProject(t, st, "proj", []*domain.Task{a, b})

	queued := &domain.Attempt{TaskID: a.ID, Status: domain.AttemptQueued}
	require.NoError(t, st.CreateAttempt(context.Background(), queued))

	disp := &fakeDispatcher{}
	c := New(st, disp, WithMaxConcurrent(1))

	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
	require.Equal(t, 1, res.AlreadyRunning)
}

func TestScheduleProjectTasks_SingleFlightSkipsTaskWithActiveAttempt(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	seedProject(t, st, "proj", []*domain.Task{a})

	existing := &domain.Attempt{TaskID: a.ID, Status: domain.AttemptRunning}
	require.NoError(t, st.CreateAttempt(context.Background(), existing))

	disp := &fakeDispatcher{}
	c := New(st, disp, WithMaxConcurrent(4))

	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
	require.Equal(t, 1, res.AlreadyRunning)
}

func TestScheduleProjectTasks_NoSlotsDispatchesNothing(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	b := &domain.Task{Title: "b", Status: domain.TaskInProgress}
	seedProject(t, st, "proj", []*domain.Task{a, b})

	running := &domain.Attempt{TaskID: b.ID, Status: domain.AttemptRunning}
	require.NoError(t, st.CreateAttempt(context.Background(), running))

	disp := &fakeDispatcher{}
	c := New(st, disp, WithMaxConcurrent(1))

	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
	require.Equal(t, 1, res.AlreadyRunning)
}

func TestScheduleProjectTasks_ZeroCapNeverDispatches(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "proj", []*domain.Task{{Title: "a", Status: domain.TaskTODO}})

	c := New(st, &fakeDispatcher{}, WithMaxConcurrent(0))
	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
}

func TestScheduleProjectTasks_IdempotentWhenNothingReady(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "proj", []*domain.Task{{Title: "done", Status: domain.TaskDone}})

	c := New(st, &fakeDispatcher{}, WithMaxConcurrent(4))
	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
	require.Equal(t, 1, res.Completed)

	res, err = c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
}

func TestScheduleProjectTasks_CyclicGraphReturnsErrorsNotPanics(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	b := &domain.Task{Title: "b", Status: domain.TaskTODO}
	seedProject(t, st, "proj", []*domain.Task{a, b})
	a.Dependencies = []string{b.ID}
	b.Dependencies = []string{a.ID}
	require.NoError(t, st.PutTask(context.Background(), a))
	require.NoError(t, st.PutTask(context.Background(), b))

	c := New(st, &fakeDispatcher{}, WithMaxConcurrent(4))
	res, err := c.ScheduleProjectTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Empty(t, res.Scheduled)
	require.NotEmpty(t, res.Errors)
	require.Equal(t, 2, res.Waiting)
}

func TestGetExecutionStatus(t *testing.T) {
	st := newTestStore(t)
	tasks := []*domain.Task{
		{Title: "done", Status: domain.TaskDone},
		{Title: "review", Status: domain.TaskInReview},
		{Title: "progress", Status: domain.TaskInProgress},
		{Title: "failed", Status: domain.TaskFailed},
		{Title: "todo", Status: domain.TaskTODO},
	}
	seedProject(t, st, "proj", tasks)

	c := New(st, &fakeDispatcher{}, WithMaxConcurrent(3))
	status, err := c.GetExecutionStatus(context.Background(), "proj")
	require.NoError(t, err)
	require.Equal(t, 5, status.TotalTasks)
	require.Equal(t, 1, status.Done)
	require.Equal(t, 1, status.InReview)
	require.Equal(t, 1, status.InProgress)
	require.Equal(t, 1, status.Failed)
	require.Equal(t, 1, status.Todo)
	require.Equal(t, 3, status.MaxConcurrent)
	require.InDelta(t, 20.0, status.ProgressPercent, 0.01)
	require.Equal(t, []string{tasks[2].ID}, status.RunningTasks)
	require.Contains(t, status.Ready, tasks[4].ID)
	require.False(t, status.HasCycles)
	require.False(t, status.IsComplete)
	require.Equal(t, 1, status.ExecutionLevels)
}

func TestGetExecutionStatus_EmptyProjectIsComplete(t *testing.T) {
	st := newTestStore(t)
	c := New(st, &fakeDispatcher{})
	status, err := c.GetExecutionStatus(context.Background(), "empty")
	require.NoError(t, err)
	require.Equal(t, 0, status.TotalTasks)
	require.True(t, status.IsComplete)
	require.Empty(t, status.Ready)
	require.Empty(t, status.Blocked)
}

func TestGetExecutionStatus_CyclicGraph(t *testing.T) {
	st := newTestStore(t)
	a := &domain.Task{Title: "a", Status: domain.TaskTODO}
	b := &domain.Task{Title: "b", Status: domain.TaskTODO}
	seedProject(t, st, "proj", []*domain.Task{a, b})
	a.Dependencies = []string{b.ID}
	b.Dependencies = []string{a.ID}
	require.NoError(t, st.PutTask(context.Background(), a))
	require.NoError(t, st.PutTask(context.Background(), b))

	c := New(st, &fakeDispatcher{})
	status, err := c.GetExecutionStatus(context.Background(), "proj")
	require.NoError(t, err)
	require.True(t, status.HasCycles)
	require.Equal(t, 0, status.ExecutionLevels)
	require.Len(t, status.Blocked, 2)
}

func TestCancelAllRunning(t *testing.T) {
	st := newTestStore(t)
	task := &domain.Task{Title: "a", Status: domain.TaskInProgress}
	seedProject(t, st, "proj", []*domain.Task{task})

	attempt := &domain.Attempt{TaskID: task.ID, Status: domain.AttemptRunning}
	require.NoError(t, st.CreateAttempt(context.Background(), attempt))

	c := New(st, &fakeDispatcher{})
	n, err := c.CancelAllRunning(context.Background(), "proj")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gotAttempt, err := st.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AttemptCancelled, gotAttempt.Status)
	require.NotNil(t, gotAttempt.CompletedAt)

	gotTask, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskTODO, gotTask.Status)

	// immediately repeating the cancel is a no-op
	n, err = c.CancelAllRunning(context.Background(), "proj")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRetryFailedTasks_ResetsAndReschedules(t *testing.T) {
	st := newTestStore(t)
	tasks := []*domain.Task{
		{Title: "failed-1", Status: domain.TaskFailed},
		{Title: "failed-2", Status: domain.TaskFailed},
		{Title: "ok", Status: domain.TaskDone},
	}
	seedProject(t, st, "proj", tasks)

	c := New(st, &fakeDispatcher{}, WithMaxConcurrent(4))
	n, res, err := c.RetryFailedTasks(context.Background(), "proj")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, res.Scheduled, 2)

	for _, task := range tasks[:2] {
		got, err := st.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		require.Equal(t, domain.TaskTODO, got.Status)
	}
}
