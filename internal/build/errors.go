package build

import (
	"errors"
	"fmt"
)

var (
	ErrBuild             = errors.New("build failed")
	ErrStepFailed        = errors.New("step failed")
	ErrExportMissing     = errors.New("export missing")
	ErrMissingInput      = errors.New("missing input snapshot")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// Returned when a step exits with a non-zero status. Later steps of the
// stage are not run.
type StepFailedError struct {
	Stage      string // Stage name.
	Index      int    // Zero-based step index.
	ExitStatus int    // Exit status of the step command.
	Output     string // Tail of the step's combined output.
}

func (e *StepFailedError) Error() string {
	msg := fmt.Sprintf("%s: stage %q step %d exited with status %d", ErrStepFailed, e.Stage, e.Index, e.ExitStatus)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *StepFailedError) Unwrap() error { return ErrStepFailed }

// Returned when a declared export does not exist after the stage ran.
type ExportMissingError struct {
	Stage string
	Path  string
}

func (e *ExportMissingError) Error() string {
	return fmt.Sprintf("%s: stage %q does not contain %s", ErrExportMissing, e.Stage, e.Path)
}

func (e *ExportMissingError) Unwrap() error { return ErrExportMissing }

// Attributes a stage failure that carries no stage of its own, such as a
// workspace, transplant or fix-up error, to the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Wraps err in a [StageError] unless it already names its stage.
func stageError(stage string, err error) error {
	var (
		serr *StepFailedError
		merr *ExportMissingError
		gerr *StageError
	)
	if errors.As(err, &serr) || errors.As(err, &merr) || errors.As(err, &gerr) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
