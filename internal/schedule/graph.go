// Package schedule implements the scheduling engine: critical-path
// computation over the dependency graph, constraint validation, batched
// optimistically-locked task updates, conflict detection and resolution,
// and cache invalidation orchestration.
package schedule

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/domain"
)

var (
	// ErrCycle is returned when the dependency graph contains a cycle.
	ErrCycle = errors.New("schedule: dependency cycle")
	// ErrTaskNotFound is returned when an edge references a task that is
	// not part of the graph.
	ErrTaskNotFound = errors.New("schedule: task not in graph")
	// ErrSelfDependency is returned when an edge would link a task to
	// itself.
	ErrSelfDependency = errors.New("schedule: self dependency")
)

// CycleError carries the task ids along one dependency cycle, in edge
// order. It matches ErrCycle under errors.Is.
type CycleError struct {
	TaskIDs []uuid.UUID
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.TaskIDs))
	for i, id := range e.TaskIDs {
		ids[i] = id.String()
	}
	return "schedule: dependency cycle: " + strings.Join(ids, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// Edge is one dependency as seen from a node: the arena index of the other
// endpoint plus the dependency's type and lag.
type Edge struct {
	Node int
	Type domain.DependencyType
	Lag  int
}

// Graph is the project dependency graph laid out as an arena: tasks live in
// a flat slice and edges address them by integer index. Build one per
// computation; it is not safe for concurrent mutation.
type Graph struct {
	tasks []*domain.Task
	index map[uuid.UUID]int
	out   [][]Edge // predecessor index -> edges to successors
	in    [][]Edge // successor index -> edges from predecessors
}

// NewGraph builds a graph over the given tasks with no edges.
func NewGraph(tasks []*domain.Task) *Graph {
	g := &Graph{
		tasks: tasks,
		index: make(map[uuid.UUID]int, len(tasks)),
		out:   make([][]Edge, len(tasks)),
		in:    make([][]Edge, len(tasks)),
	}
	for i, t := range tasks {
		g.index[t.ID] = i
	}
	return g
}

// AddEdge records a dependency from its predecessor to its successor. Both
// endpoints must be in the graph. Cycles are not checked here; callers run
// FindCycle once after loading all edges.
func (g *Graph) AddEdge(dep *domain.Dependency) error {
	if dep.PredecessorID == dep.SuccessorID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, dep.PredecessorID)
	}
	from, ok := g.index[dep.PredecessorID]
	if !ok {
		return fmt.Errorf("%w: predecessor %s", ErrTaskNotFound, dep.PredecessorID)
	}
	to, ok := g.index[dep.SuccessorID]
	if !ok {
		return fmt.Errorf("%w: successor %s", ErrTaskNotFound, dep.SuccessorID)
	}
	g.out[from] = append(g.out[from], Edge{Node: to, Type: dep.Type, Lag: dep.LagDays})
	g.in[to] = append(g.in[to], Edge{Node: from, Type: dep.Type, Lag: dep.LagDays})
	return nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }

// TaskAt returns the task at arena index i.
func (g *Graph) TaskAt(i int) *domain.Task { return g.tasks[i] }

// IndexOf returns the arena index of the task with the given id.
func (g *Graph) IndexOf(id uuid.UUID) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Incoming returns the edges arriving at node i (from its predecessors).
func (g *Graph) Incoming(i int) []Edge { return g.in[i] }

// Outgoing returns the edges leaving node i (to its successors).
func (g *Graph) Outgoing(i int) []Edge { return g.out[i] }

// FindCycle looks for a dependency cycle and returns the task ids along the
// first one found, in edge order. The traversal is an iterative depth-first
// search with an explicit stack, so deep graphs cannot overflow the
// goroutine stack. It returns nil when the graph is acyclic.
func (g *Graph) FindCycle() []uuid.UUID {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make([]int, len(g.tasks))

	type frame struct {
		node int
		next int // cursor into out[node]
	}

	for start := range g.tasks {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(g.out[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := g.out[top.node][top.next].Node
			top.next++
			switch color[next] {
			case white:
				color[next] = gray
				stack = append(stack, frame{node: next})
			case gray:
				// The cycle is the stack suffix from next back to the top.
				var cycle []uuid.UUID
				for i := range stack {
					if stack[i].node == next {
						for _, f := range stack[i:] {
							cycle = append(cycle, g.tasks[f.node].ID)
						}
						break
					}
				}
				return cycle
			}
		}
	}
	return nil
}

// TopoOrder returns the arena indexes in topological order, predecessors
// before successors. Ties break toward the lowest task id so the order is
// stable across runs. It returns ErrCycle when the graph has one.
func (g *Graph) TopoOrder() ([]int, error) {
	indegree := make([]int, len(g.tasks))
	for i := range g.tasks {
		indegree[i] = len(g.in[i])
	}

	var ready []int
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	g.sortByTaskID(ready)

	order := make([]int, 0, len(g.tasks))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		var freed []int
		for _, e := range g.out[node] {
			indegree[e.Node]--
			if indegree[e.Node] == 0 {
				freed = append(freed, e.Node)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			g.sortByTaskID(ready)
		}
	}

	if len(order) != len(g.tasks) {
		return nil, &CycleError{TaskIDs: g.FindCycle()}
	}
	return order, nil
}

// HasPath reports whether successors of from eventually reach to.
func (g *Graph) HasPath(from, to uuid.UUID) bool {
	src, ok := g.index[from]
	if !ok {
		return false
	}
	dst, ok := g.index[to]
	if !ok {
		return false
	}
	if src == dst {
		return false
	}
	seen := make([]bool, len(g.tasks))
	queue := []int{src}
	seen[src] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if e.Node == dst {
				return true
			}
			if !seen[e.Node] {
				seen[e.Node] = true
				queue = append(queue, e.Node)
			}
		}
	}
	return false
}

// WouldCreateCycle reports whether adding an edge predecessor -> successor
// would close a cycle, without mutating the graph.
func (g *Graph) WouldCreateCycle(predecessorID, successorID uuid.UUID) bool {
	if predecessorID == successorID {
		return true
	}
	return g.HasPath(successorID, predecessorID)
}

func (g *Graph) sortByTaskID(nodes []int) {
	sort.Slice(nodes, func(a, b int) bool {
		ida := g.tasks[nodes[a]].ID
		idb := g.tasks[nodes[b]].ID
		return bytes.Compare(ida[:], idb[:]) < 0
	})
}
