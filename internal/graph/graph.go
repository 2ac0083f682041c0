package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
)

// Identifies a stage within a graph. Equal to the stage name.
type StageID string

type node struct {
	index int
	stage manifest.Stage
}

// A set of stages with dependencies inferred from their imports.
//
// Safe for concurrent use.
type Graph struct {
	mu     sync.RWMutex
	nodes  []*node
	byName map[StageID]*node
}

// Creates an empty graph.
func New() *Graph {
	return &Graph{byName: make(map[StageID]*node)}
}

// Builds a graph holding every stage of the recipe.
func FromRecipe(r *manifest.Recipe) (*Graph, error) {
	g := New()
	for _, s := range r.Stages {
		if _, err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Registers a stage.
//
// Returns a [DuplicateStageError] when a stage with the same name exists.
func (g *Graph) AddStage(s manifest.Stage) (StageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := StageID(s.Name)
	if _, ok := g.byName[id]; ok {
		return "", &DuplicateStageError{Name: s.Name}
	}

	n := &node{index: len(g.nodes), stage: s}
	g.nodes = append(g.nodes, n)
	g.byName[id] = n

	return id, nil
}

// Returns the stage registered under id.
func (g *Graph) Stage(id StageID) (manifest.Stage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.byName[id]
	if !ok {
		return manifest.Stage{}, false
	}
	return n.stage, true
}

// Returns the number of registered stages.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Returns the stages id imports from, in import order.
func (g *Graph) Dependencies(id StageID) ([]StageID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.byName[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}

	var deps []StageID
	for _, src := range n.stage.Sources() {
		deps = append(deps, StageID(src))
	}
	return deps, nil
}

// Returns the stages that import from id, in declaration order.
func (g *Graph) Dependents(id StageID) ([]StageID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.byName[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
	return g.dependents(id), nil
}

// Returns the stages nothing imports from, in declaration order.
func (g *Graph) Terminal() []StageID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []StageID
	for _, n := range g.nodes {
		id := StageID(n.stage.Name)
		if len(g.dependents(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Returns every stage ordered so that each appears after all stages it
// imports from.
//
// Fails with [ErrUnknownStage] when an import names an unregistered stage and
// with a [CyclicDependencyError] when imports form a cycle.
func (g *Graph) ResolveOrder() ([]StageID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[StageID]int, len(g.nodes))
	for _, n := range g.nodes {
		sources := n.stage.Sources()
		for _, src := range sources {
			if _, ok := g.byName[StageID(src)]; !ok {
				return nil, fmt.Errorf("%w: %q imported by %q", ErrUnknownStage, src, n.stage.Name)
			}
		}
		indegree[StageID(n.stage.Name)] = len(sources)
	}

	order := make([]StageID, 0, len(g.nodes))
	placed := make(map[StageID]bool, len(g.nodes))

	for len(order) < len(g.nodes) {
		next := g.firstReady(indegree, placed)
		if next == "" {
			return nil, &CyclicDependencyError{Path: g.findCycle(placed)}
		}

		placed[next] = true
		order = append(order, next)
		for _, dep := range g.dependents(next) {
			indegree[dep]--
		}
	}

	return order, nil
}

// Returns the earliest-declared unplaced stage with no pending prerequisites,
// or "" if none is ready.
func (g *Graph) firstReady(indegree map[StageID]int, placed map[StageID]bool) StageID {
	for _, n := range g.nodes {
		id := StageID(n.stage.Name)
		if !placed[id] && indegree[id] == 0 {
			return id
		}
	}
	return ""
}

// Walks import edges among unplaced stages until a stage repeats, returning
// the cycle. Every unplaced stage has at least one unplaced prerequisite when
// this is called, so the walk always closes.
func (g *Graph) findCycle(placed map[StageID]bool) []StageID {
	var start *node
	for _, n := range g.nodes {
		if !placed[StageID(n.stage.Name)] {
			start = n
			break
		}
	}
	if start == nil {
		return nil
	}

	var path []StageID
	seen := make(map[StageID]int)
	cur := start
	for {
		id := StageID(cur.stage.Name)
		if i, ok := seen[id]; ok {
			cycle := slices.Clone(path[i:])
			cycle = append(cycle, id)
			slices.Reverse(cycle)
			return cycle
		}
		seen[id] = len(path)
		path = append(path, id)

		for _, src := range cur.stage.Sources() {
			if !placed[StageID(src)] {
				cur = g.byName[StageID(src)]
				break
			}
		}
	}
}

func (g *Graph) dependents(id StageID) []StageID {
	var out []StageID
	for _, n := range g.nodes {
		if slices.Contains(n.stage.Sources(), string(id)) {
			out = append(out, StageID(n.stage.Name))
		}
	}
	return out
}
