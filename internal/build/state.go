package build

import (
	"fmt"
	"maps"
	"sync"

	"github.com/cruciblehq/cruxbuild/internal/graph"
)

// Lifecycle of a stage within one build.
type State int

const (
	Pending State = iota
	Executing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reports whether a stage may move from s to next.
func (s State) canTransition(next State) bool {
	switch s {
	case Pending:
		return next == Executing
	case Executing:
		return next == Succeeded || next == Failed
	default:
		return false
	}
}

// Holds the state of every stage and validates transitions.
type tracker struct {
	mu       sync.Mutex
	states   map[graph.StageID]State
	onChange func(graph.StageID, State)
}

func newTracker(ids []graph.StageID, onChange func(graph.StageID, State)) *tracker {
	t := &tracker{states: make(map[graph.StageID]State, len(ids)), onChange: onChange}
	for _, id := range ids {
		t.states[id] = Pending
	}
	return t
}

func (t *tracker) transition(id graph.StageID, next State) error {
	t.mu.Lock()
	current, ok := t.states[id]
	if !ok || !current.canTransition(next) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, id, current, next)
	}
	t.states[id] = next
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(id, next)
	}
	return nil
}

func (t *tracker) snapshot() map[graph.StageID]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.states)
}
