package transplant

import (
	"errors"
	"fmt"
)

var (
	ErrTransplant   = errors.New("transplant failed")
	ErrPathNotFound = errors.New("path not found")
	ErrTypeConflict = errors.New("destination type conflict")
)

// Returned when the requested path is absent from the source snapshot.
type PathNotFoundError struct {
	Stage string // Stage that owns the snapshot.
	Path  string // Path that was requested.
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s in snapshot of %q", ErrPathNotFound, e.Path, e.Stage)
}

func (e *PathNotFoundError) Unwrap() error { return ErrPathNotFound }

// Returned when an incoming entry and an existing destination entry differ in
// kind (directory versus non-directory) and overwrite was not requested.
type TypeConflictError struct {
	Path     string // Destination path, relative to the target root.
	Existing string // Kind of the entry already present.
	Incoming string // Kind of the entry being transplanted.
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("%s: %s exists as %s, incoming %s", ErrTypeConflict, e.Path, e.Existing, e.Incoming)
}

func (e *TypeConflictError) Unwrap() error { return ErrTypeConflict }
