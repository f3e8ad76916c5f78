// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"taskforge/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  dir,
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

	s, err := New(context.Background(), js)
	require.NoError(t, err)
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{ProjectID: "p1", Title: "build the thing", Status: domain.TaskTODO}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "build the thing", got.Title)
	require.False(t, got.CreatedAt.IsZero())
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTask_DuplicateIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &domain.Task{ID: "fixed-id", ProjectID: "p1"}
	require.NoError(t, s.CreateTask(ctx, task))

	dup := &domain.Task{ID: "fixed-id", ProjectID: "p1"}
	require.Error(t, s.CreateTask(ctx, dup))
}

func TestSetTaskStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &domain.Task{ProjectID: "p1", Status: domain.TaskTODO}
	require.NoError(t, s.CreateTask(ctx, task))

	updated, err := s.SetTaskStatus(ctx, task.ID, domain.TaskInProgress)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, updated.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, got.Status)
}

func TestListTasksByProject_SortedByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		task := &domain.Task{ProjectID: "proj-a", Title: title}
		require.NoError(t, s.CreateTask(ctx, task))
	}
	other := &domain.Task{ProjectID: "proj-b", Title: "other project"}
	require.NoError(t, s.CreateTask(ctx, other))

	tasks, err := s.ListTasksByProject(ctx, "proj-a")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, "first", tasks[0].Title)
	require.Equal(t, "third", tasks[2].Title)
}

func TestAttemptLifecycleAndIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{ProjectID: "p1"}
	require.NoError(t, s.CreateTask(ctx, task))

	a1 := &domain.Attempt{TaskID: task.ID, Status: domain.AttemptRunning}
	require.NoError(t, s.CreateAttempt(ctx, a1))

	has, err := s.HasActiveAttempt(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, has)

	byTask, err := s.ListAttemptsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, byTask, 1)

	byStatus, err := s.ListAttemptsByStatus(ctx, domain.AttemptRunning)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	a1.Status = domain.AttemptSuccess
	require.NoError(t, s.PutAttempt(ctx, a1))

	has, err = s.HasActiveAttempt(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, has)

	byProjectStatus, err := s.ListAttemptsByProjectStatus(ctx, "p1", domain.AttemptSuccess)
	require.NoError(t, err)
	require.Len(t, byProjectStatus, 1)
}

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := &domain.AttemptEvent{AttemptID: "att-1", Kind: domain.EventLog, Message: "starting"}
	require.NoError(t, s.AppendEvent(ctx, e1))
	time.Sleep(5 * time.Millisecond)
	e2 := &domain.AttemptEvent{AttemptID: "att-1", Kind: domain.EventStatus, Message: "done"}
	require.NoError(t, s.AppendEvent(ctx, e2))

	other := &domain.AttemptEvent{AttemptID: "att-2", Kind: domain.EventLog, Message: "unrelated"}
	require.NoError(t, s.AppendEvent(ctx, other))

	events, err := s.ListEvents(ctx, "att-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].Timestamp.Before(events[1].Timestamp) || events[0].Timestamp.Equal(events[1].Timestamp))
	require.Equal(t, "starting", events[0].Message)
}

func TestAppendAndListGateResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendGateResult(ctx, &domain.GateResult{AttemptID: "att-1", Kind: domain.GateBuild, Status: domain.GatePassed}))
	require.NoError(t, s.AppendGateResult(ctx, &domain.GateResult{AttemptID: "att-1", Kind: domain.GateTest, Status: domain.GateFailed}))
	require.NoError(t, s.AppendGateResult(ctx, &domain.GateResult{AttemptID: "att-2", Kind: domain.GateLint, Status: domain.GatePassed}))

	results, err := s.ListGateResults(ctx, "att-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
}
