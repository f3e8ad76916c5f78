// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package store persists Task, Attempt, AttemptEvent and GateResult
// records in NATS JetStream key-value buckets, one bucket per entity
// type, values JSON-marshalled and keyed by entity ID.
//
// JetStream KV has no native secondary index, so the lookups the
// coordinator and runner rely on, (task_id, -created_at), (status,
// -created_at), (attempt_id, timestamp) and (attempt_id, gate_kind), are
// approximated by a full-bucket load followed by an in-memory
// filter/sort. That is an explicit, documented tradeoff (see
// DESIGN.md): acceptable at the scale of a single project's task
// graph, not acceptable at the scale of a shared cross-project index.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"taskforge/pkg/domain"
)

// ErrNotFound is returned by Get* methods when the entity does not
// exist.
var ErrNotFound = errors.New("store: entity not found")

// Bucket names for each entity type.
const (
	BucketTasks         = "TASKFORGE_TASKS"
	BucketAttempts      = "TASKFORGE_ATTEMPTS"
	BucketAttemptEvents = "TASKFORGE_ATTEMPT_EVENTS"
	BucketGateResults   = "TASKFORGE_GATE_RESULTS"
)

// Store is the JetStream-KV-backed Attempt Store.
type Store struct {
	tasks    jetstream.KeyValue
	attempts jetstream.KeyValue
	events   jetstream.KeyValue
	gates    jetstream.KeyValue
}

// New creates a Store against js, creating the four backing buckets if
// they do not already exist.
func New(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	attempts, err := getOrCreateBucket(ctx, js, BucketAttempts)
	if err != nil {
		return nil, fmt.Errorf("create attempts bucket: %w", err)
	}
	events, err := getOrCreateBucket(ctx, js, BucketAttemptEvents)
	if err != nil {
		return nil, fmt.Errorf("create attempt events bucket: %w", err)
	}
	gates, err := getOrCreateBucket(ctx, js, BucketGateResults)
	if err != nil {
		return nil, fmt.Errorf("create gate results bucket: %w", err)
	}

	return &Store{tasks: tasks, attempts: attempts, events: events, gates: gates}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("taskforge %s storage", strings.ToLower(name)),
		History:     5,
	})
}

func isNotFound(err error) bool {
	return err != nil && (errors.Is(err, jetstream.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found"))
}

// --- Task ------------------------------------------------------------

// CreateTask stores a new task, assigning an ID if one is not already
// set. Fails if the ID already exists.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	data, err := marshalJSON(t)
	if err != nil {
		return err
	}
	if _, err := s.tasks.Create(ctx, t.ID, data); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t domain.Task
	if err := unmarshalJSON(entry.Value(), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutTask overwrites the stored task, bumping UpdatedAt.
func (s *Store) PutTask(ctx context.Context, t *domain.Task) error {
	t.UpdatedAt = time.Now()
	data, err := marshalJSON(t)
	if err != nil {
		return err
	}
	if _, err := s.tasks.Put(ctx, t.ID, data); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// SetTaskStatus is a convenience wrapper around PutTask for the
// common case of flipping only the status field.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	if err := s.PutTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByProject returns every task belonging to projectID, sorted
// by CreatedAt ascending (insertion order for priority tie-breaks).
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.scanTasks(ctx, func(t domain.Task) {
		if t.ProjectID == projectID {
			tasks = append(tasks, t)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *Store) scanTasks(ctx context.Context, fn func(domain.Task)) error {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list task keys: %w", err)
	}
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue
		}
		var t domain.Task
		if err := unmarshalJSON(entry.Value(), &t); err != nil {
			continue
		}
		fn(t)
	}
	return nil
}

// --- Attempt -----------------------------------------------------------

// CreateAttempt stores a new attempt, assigning an ID if unset.
func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now()

	data, err := marshalJSON(a)
	if err != nil {
		return err
	}
	if _, err := s.attempts.Create(ctx, a.ID, data); err != nil {
		return fmt.Errorf("create attempt %s: %w", a.ID, err)
	}
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*domain.Attempt, error) {
	entry, err := s.attempts.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attempt %s: %w", id, err)
	}
	var a domain.Attempt
	if err := unmarshalJSON(entry.Value(), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAttempt overwrites the stored attempt as-is. Callers are
// responsible for re-reading the current revision before committing a
// terminal transition (see DESIGN.md on the cancellation race).
func (s *Store) PutAttempt(ctx context.Context, a *domain.Attempt) error {
	data, err := marshalJSON(a)
	if err != nil {
		return err
	}
	if _, err := s.attempts.Put(ctx, a.ID, data); err != nil {
		return fmt.Errorf("update attempt %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) scanAttempts(ctx context.Context, fn func(domain.Attempt)) error {
	keys, err := s.attempts.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list attempt keys: %w", err)
	}
	for _, key := range keys {
		entry, err := s.attempts.Get(ctx, key)
		if err != nil {
			continue
		}
		var a domain.Attempt
		if err := unmarshalJSON(entry.Value(), &a); err != nil {
			continue
		}
		fn(a)
	}
	return nil
}

// ListAttemptsByTask implements the (task_id, -created_at) index.
func (s *Store) ListAttemptsByTask(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	var out []domain.Attempt
	err := s.scanAttempts(ctx, func(a domain.Attempt) {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAtDesc(out)
	return out, nil
}

// ListAttemptsByStatus implements the (status, -created_at) index.
func (s *Store) ListAttemptsByStatus(ctx context.Context, status domain.AttemptStatus) ([]domain.Attempt, error) {
	var out []domain.Attempt
	err := s.scanAttempts(ctx, func(a domain.Attempt) {
		if a.Status == status {
			out = append(out, a)
		}
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAtDesc(out)
	return out, nil
}

// HasActiveAttempt implements the single-flight predicate: does task
// taskID have any Attempt in {PENDING, QUEUED, RUNNING}?
func (s *Store) HasActiveAttempt(ctx context.Context, taskID string) (bool, error) {
	found := false
	err := s.scanAttempts(ctx, func(a domain.Attempt) {
		if a.TaskID == taskID && a.Status.Active() {
			found = true
		}
	})
	return found, err
}

// ListAttemptsByProjectStatus lists attempts belonging to tasks in
// projectID whose status matches status. Used by the Coordinator's
// CancelAllRunning.
func (s *Store) ListAttemptsByProjectStatus(ctx context.Context, projectID string, status domain.AttemptStatus) ([]domain.Attempt, error) {
	tasks, err := s.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	inProject := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inProject[t.ID] = true
	}

	var out []domain.Attempt
	err = s.scanAttempts(ctx, func(a domain.Attempt) {
		if a.Status == status && inProject[a.TaskID] {
			out = append(out, a)
		}
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAtDesc(out)
	return out, nil
}

func sortByCreatedAtDesc(attempts []domain.Attempt) {
	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].CreatedAt.After(attempts[j].CreatedAt) })
}

// --- AttemptEvent --------------------------------------------------------

// AppendEvent stores a new, append-only attempt event.
func (s *Store) AppendEvent(ctx context.Context, e *domain.AttemptEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := marshalJSON(e)
	if err != nil {
		return err
	}
	if _, err := s.events.Create(ctx, e.ID, data); err != nil {
		return fmt.Errorf("append attempt event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents implements the (attempt_id, timestamp) index.
func (s *Store) ListEvents(ctx context.Context, attemptID string) ([]domain.AttemptEvent, error) {
	keys, err := s.events.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list event keys: %w", err)
	}
	var out []domain.AttemptEvent
	for _, key := range keys {
		entry, err := s.events.Get(ctx, key)
		if err != nil {
			continue
		}
		var e domain.AttemptEvent
		if err := unmarshalJSON(entry.Value(), &e); err != nil {
			continue
		}
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- GateResult ------------------------------------------------------

// AppendGateResult stores a new gate result for an attempt.
func (s *Store) AppendGateResult(ctx context.Context, g *domain.GateResult) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	data, err := marshalJSON(g)
	if err != nil {
		return err
	}
	if _, err := s.gates.Create(ctx, g.ID, data); err != nil {
		return fmt.Errorf("append gate result %s: %w", g.ID, err)
	}
	return nil
}

// ListGateResults implements the (attempt_id, gate_kind) index.
func (s *Store) ListGateResults(ctx context.Context, attemptID string) ([]domain.GateResult, error) {
	keys, err := s.gates.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list gate result keys: %w", err)
	}
	var out []domain.GateResult
	for _, key := range keys {
		entry, err := s.gates.Get(ctx, key)
		if err != nil {
			continue
		}
		var g domain.GateResult
		if err := unmarshalJSON(entry.Value(), &g); err != nil {
			continue
		}
		if g.AttemptID == attemptID {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
