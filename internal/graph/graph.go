// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package graph provides pure, stateless-between-queries DAG queries
// over a snapshot of a project's tasks: cycle detection, topological
// order, execution levels, ready/blocked sets, dependents and the
// critical path. A Graph is built from a snapshot, queried, and
// discarded. It never persists state between operations, so there is
// nothing to invalidate when the underlying Task Store changes.
package graph

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"taskforge/pkg/domain"
)

// CycleError is returned by operations that require an acyclic graph.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in task graph: %d cycle(s)", len(e.Cycles))
}

// node is the internal per-task bookkeeping the Graph keeps during a
// single build+query+discard lifecycle.
type node struct {
	task  domain.Task
	order int // insertion order, the tie-break for equal priorities
}

// Graph is a directed graph with an edge dep -> task (a predecessor
// points at its dependent). It is built once from a Task snapshot and
// queried any number of times; it never mutates the snapshot.
type Graph struct {
	nodes map[string]*node
	order []string // insertion order of task IDs
}

// Build constructs a Graph from a snapshot of tasks. Tasks referencing
// an unknown dependency ID are kept as-is; the missing predecessor is
// simply never satisfiable, which is reflected in ready/blocked
// queries rather than raising at build time.
func Build(tasks []domain.Task) *Graph {
	g := &Graph{
		nodes: make(map[string]*node, len(tasks)),
		order: make([]string, 0, len(tasks)),
	}
	for i, t := range tasks {
		g.nodes[t.ID] = &node{task: t, order: i}
		g.order = append(g.order, t.ID)
	}
	return g
}

func (g *Graph) edges() []toposort.Edge {
	edges := make([]toposort.Edge, 0)
	for _, id := range g.order {
		t := g.nodes[id].task
		for _, dep := range t.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	return edges
}

// HasCycles reports whether the graph contains at least one cycle.
func (g *Graph) HasCycles() bool {
	_, err := toposort.Toposort(g.edges())
	return err != nil
}

// Cycles enumerates simple cycles, each a sequence of task IDs closing
// a loop. toposort does not enumerate cycles itself, so this performs
// a direct DFS-based search scoped to the nodes actually involved in a
// cycle.
func (g *Graph) Cycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, successor := range g.dependentsOf(id) {
			switch color[successor] {
			case white:
				visit(successor)
			case gray:
				// found a back-edge: extract the cycle from the stack
				cycle := []string{}
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == successor {
						break
					}
				}
				// reverse into predecessor-first order
				for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
					cycle[l], cycle[r] = cycle[r], cycle[l]
				}
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func (g *Graph) dependentsOf(id string) []string {
	var out []string
	for _, other := range g.order {
		t := g.nodes[other].task
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// TopologicalOrder returns task IDs such that every predecessor
// precedes its dependents. Returns *CycleError if the graph is cyclic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	sorted, err := toposort.Toposort(g.edges())
	if err != nil {
		return nil, &CycleError{Cycles: g.Cycles()}
	}
	ids := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, v := range sorted {
		id := v.(string)
		ids = append(ids, id)
		seen[id] = true
	}
	// toposort only returns nodes that appear in an edge; tasks with no
	// edges at all (isolated roots) must still be included.
	for _, id := range g.order {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids, nil
}

// ExecutionLevels groups tasks into parallel waves: level 0 has no
// predecessors, level k's predecessors all lie in levels < k. Ties
// within a level are broken by priority ascending, then insertion
// order. Returns *CycleError if the graph is cyclic.
func (g *Graph) ExecutionLevels() ([][]string, error) {
	if g.HasCycles() {
		return nil, &CycleError{Cycles: g.Cycles()}
	}

	remaining := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		remaining[id] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for _, id := range g.order {
			if !remaining[id] {
				continue
			}
			t := g.nodes[id].task
			ready := true
			for _, dep := range t.Dependencies {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// should not happen given the cycle check above; a dependency
			// on an unknown task ID is never in remaining, so it does not
			// hold a task back here.
			return nil, &CycleError{Cycles: g.Cycles()}
		}
		g.sortByPriorityThenOrder(level)
		levels = append(levels, level)
		for _, id := range level {
			delete(remaining, id)
		}
	}
	return levels, nil
}

func (g *Graph) priority(id string) int {
	p := g.nodes[id].task.Priority
	if p == 0 {
		return 999
	}
	return p
}

func (g *Graph) sortByPriorityThenOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := g.priority(ids[i]), g.priority(ids[j])
		if pi != pj {
			return pi < pj
		}
		return g.nodes[ids[i]].order < g.nodes[ids[j]].order
	})
}

// Blocked describes why one task cannot yet start.
type Blocked struct {
	ID        string
	BlockedBy []BlockedBy
}

// BlockedBy names one unmet predecessor.
type BlockedBy struct {
	ID     string
	Status domain.TaskStatus
}

// BlockedTasks returns, for every task whose predecessor set is not a
// subset of completed and which is not itself completed, the list of
// its unmet predecessors. completed defaults to the set of DONE tasks
// when nil.
func (g *Graph) BlockedTasks(completed map[string]bool) []Blocked {
	completed = g.completedOrDefault(completed)

	var out []Blocked
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		t := g.nodes[id].task
		var unmet []BlockedBy
		for _, dep := range t.Dependencies {
			if completed[dep] {
				continue
			}
			status := domain.TaskStatus("")
			if n, ok := g.nodes[dep]; ok {
				status = n.task.Status
			}
			unmet = append(unmet, BlockedBy{ID: dep, Status: status})
		}
		if len(unmet) > 0 {
			out = append(out, Blocked{ID: id, BlockedBy: unmet})
		}
	}
	return out
}

func (g *Graph) completedOrDefault(completed map[string]bool) map[string]bool {
	if completed != nil {
		return completed
	}
	derived := make(map[string]bool)
	for _, id := range g.order {
		if g.nodes[id].task.Status == domain.TaskDone {
			derived[id] = true
		}
	}
	return derived
}

// CanStartResult is the verdict of CanStart.
type CanStartResult struct {
	CanStart  bool
	BlockedBy []string
	Reason    string
}

// CanStart evaluates whether task id could be dispatched right now.
// Reason strings are stable: operator tooling matches on them.
func (g *Graph) CanStart(id string, completed map[string]bool) CanStartResult {
	n, ok := g.nodes[id]
	if !ok {
		return CanStartResult{CanStart: false, Reason: fmt.Sprintf("Task %s not found", id)}
	}
	completed = g.completedOrDefault(completed)

	if n.task.Status == domain.TaskDone {
		return CanStartResult{CanStart: false, Reason: "Task is already completed"}
	}
	if n.task.Status == domain.TaskInProgress {
		return CanStartResult{CanStart: false, Reason: "Task is already in progress"}
	}

	var unmet []string
	for _, dep := range n.task.Dependencies {
		if !completed[dep] {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return CanStartResult{
			CanStart:  false,
			BlockedBy: unmet,
			Reason:    fmt.Sprintf("Waiting for %d dependencies to complete", len(unmet)),
		}
	}

	return CanStartResult{CanStart: true, Reason: "All dependencies satisfied"}
}

// ReadyTasks returns tasks that are not in completed, neither DONE nor
// IN_PROGRESS, and whose dependencies are all satisfied, sorted by
// priority ascending then insertion order.
func (g *Graph) ReadyTasks(completed map[string]bool) []domain.Task {
	completed = g.completedOrDefault(completed)

	var ids []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		t := g.nodes[id].task
		if t.Status == domain.TaskDone || t.Status == domain.TaskInProgress {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			ids = append(ids, id)
		}
	}
	g.sortByPriorityThenOrder(ids)

	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].task)
	}
	return out
}

// Dependents returns the direct successors of task id.
func (g *Graph) Dependents(id string) []string {
	return g.dependentsOf(id)
}

// CriticalPathNode is one hop of the critical path.
type CriticalPathNode struct {
	ID        string
	Title     string
	AgentRole domain.AgentRole
}

// CriticalPath returns the longest path by node count through the
// DAG, empty if cyclic. Ties are broken deterministically by sorted
// task ID.
func (g *Graph) CriticalPath() []CriticalPathNode {
	if g.HasCycles() {
		return nil
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil
	}

	longest := make(map[string]int, len(order))
	next := make(map[string]string, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		best := 1
		bestSucc := ""
		succs := append([]string(nil), g.dependentsOf(id)...)
		sort.Strings(succs)
		for _, s := range succs {
			if 1+longest[s] > best {
				best = 1 + longest[s]
				bestSucc = s
			}
		}
		longest[id] = best
		next[id] = bestSucc
	}

	bestStart := ""
	bestLen := -1
	starts := append([]string(nil), order...)
	sort.Strings(starts)
	for _, id := range starts {
		if longest[id] > bestLen {
			bestLen = longest[id]
			bestStart = id
		}
	}
	if bestStart == "" {
		return nil
	}

	var path []CriticalPathNode
	for id := bestStart; id != ""; id = next[id] {
		t := g.nodes[id].task
		path = append(path, CriticalPathNode{ID: t.ID, Title: t.Title, AgentRole: t.AgentRole})
	}
	return path
}

// DictView is a diagnostic/visualization summary of the graph.
type DictView struct {
	Nodes     []string    `json:"nodes"`
	Edges     [][2]string `json:"edges"`
	HasCycles bool        `json:"has_cycles"`
}

// ToDict returns the diagnostic summary of the current snapshot.
func (g *Graph) ToDict() DictView {
	view := DictView{Nodes: append([]string(nil), g.order...), HasCycles: g.HasCycles()}
	for _, id := range g.order {
		t := g.nodes[id].task
		for _, dep := range t.Dependencies {
			view.Edges = append(view.Edges, [2]string{dep, id})
		}
	}
	return view
}
