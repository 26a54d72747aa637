package resolver

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fentz26/swarmq/internal/models"
)

// ErrCycleDetected indicates a circular dependency was found in a task batch.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a dependency graph over a batch of tasks. Edges point from a task
// to the tasks it depends on. Dependencies outside the batch are ignored.
type Graph struct {
	nodes map[string]*models.Task
	edges map[string][]string
}

// NewGraph builds a graph from tasks.
func NewGraph(tasks []*models.Task) *Graph {
	g := &Graph{
		nodes: make(map[string]*models.Task, len(tasks)),
		edges: make(map[string][]string, len(tasks)),
	}
	for _, task := range tasks {
		g.nodes[task.ID] = task
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := g.nodes[dep]; ok {
				g.edges[task.ID] = append(g.edges[task.ID], dep)
			}
		}
	}
	return g
}

// ids returns node ids in a stable order.
func (g *Graph) ids() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindCycle returns the ids along one cycle, or nil when the graph is acyclic.
// Uses depth-first search with colouring to detect back edges.
func (g *Graph) FindCycle() []string {
	// 0 = unvisited, 1 = on stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append([]string{}, stack[i:]...)
						cycle = append(cycle, dep)
						break
					}
				}
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.ids() {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns ids so that every task follows its dependencies.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	visited := make(map[string]bool, len(g.nodes))
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range g.ids() {
		visit(id)
	}
	return order, nil
}

// CheckAcyclic returns ErrCycleDetected when tasks depend on each other in a loop.
func CheckAcyclic(tasks []*models.Task) error {
	if cycle := NewGraph(tasks).FindCycle(); cycle != nil {
		return fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return nil
}
