package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateStage   = errors.New("duplicate stage")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrUnknownStage     = errors.New("unknown stage")
)

// Returned by [Graph.AddStage] when the name is already registered.
type DuplicateStageError struct {
	Name string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateStage, e.Name)
}

func (e *DuplicateStageError) Unwrap() error { return ErrDuplicateStage }

// Returned by [Graph.ResolveOrder] when imports form a cycle. Path starts and
// ends with the same stage.
type CyclicDependencyError struct {
	Path []StageID
}

func (e *CyclicDependencyError) Error() string {
	names := make([]string, len(e.Path))
	for i, id := range e.Path {
		names[i] = string(id)
	}
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(names, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }
