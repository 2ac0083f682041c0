package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/cruciblehq/cruxbuild/internal/fixup"
	"github.com/cruciblehq/cruxbuild/internal/logging"
	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
	"github.com/cruciblehq/cruxbuild/internal/snapshot"
	"github.com/cruciblehq/cruxbuild/internal/transplant"
)

// Bytes of step output kept in a [StepFailedError].
const outputTail = 4096

// Runs single stages: start a workspace, transplant imports, run steps,
// apply fix-ups, verify exports, and publish the snapshot.
type Executor struct {
	Backend runtime.Backend   // Starts stage workspaces.
	Store   *snapshot.Store   // Receives published snapshots.
	BuildID string            // Prefix for workspace IDs.
	BaseEnv map[string]string // Environment beneath every stage's own env.

	// Output directories keyed by stage name. A stage listed here has its
	// final filesystem exported before its workspace is committed.
	ExportDirs map[string]string
}

// Runs a stage against its input snapshots, keyed by stage name.
//
// Steps run strictly in order. The first failing step stops the stage with
// a [StepFailedError]; later steps never run. On any failure nothing is
// published. The workspace is destroyed in every case. Errors that do not
// name the stage themselves come wrapped in a [StageError].
func (e *Executor) Run(ctx context.Context, stage *manifest.Stage, inputs map[string]*snapshot.Snapshot) (*snapshot.Snapshot, error) {
	snap, err := e.run(ctx, stage, inputs)
	if err != nil {
		return nil, stageError(stage.Name, err)
	}
	return snap, nil
}

func (e *Executor) run(ctx context.Context, stage *manifest.Stage, inputs map[string]*snapshot.Snapshot) (*snapshot.Snapshot, error) {
	logger := slog.With("stage", stage.Name)
	logger.Info("building stage", "from", stage.From, "steps", len(stage.Steps))

	ws, err := e.Backend.Start(ctx, stage.From, e.workspaceID(stage.Name))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Destroy(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to destroy workspace", "id", ws.ID(), "error", err)
		}
	}()

	if err := e.transplantImports(ctx, ws, stage, inputs); err != nil {
		return nil, err
	}

	if err := e.runSteps(ctx, ws, stage, logger); err != nil {
		return nil, err
	}

	if err := fixup.Apply(ctx, ws, stage.Fixups); err != nil {
		return nil, err
	}

	if err := verifyExports(ctx, ws, stage); err != nil {
		return nil, err
	}

	if dir, ok := e.ExportDirs[stage.Name]; ok {
		if err := ws.Export(ctx, dir); err != nil {
			return nil, err
		}
	}

	return e.publish(ctx, ws, stage)
}

// Copies every import into the workspace, in declaration order.
func (e *Executor) transplantImports(ctx context.Context, ws runtime.Workspace, stage *manifest.Stage, inputs map[string]*snapshot.Snapshot) error {
	for _, imp := range stage.Imports {
		src, ok := inputs[imp.From]
		if !ok {
			return fmt.Errorf("%w: import from %q", ErrMissingInput, imp.From)
		}
		err := transplant.Transplant(ctx, src, imp.Source, ws, imp.Dest, transplant.Options{Overwrite: imp.Overwrite})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runSteps(ctx context.Context, ws runtime.Workspace, stage *manifest.Stage, logger *slog.Logger) error {
	defaults := newStepState(stage, e.BaseEnv)

	for i, step := range stage.Steps {
		out := logging.NewWriter(logger.With("step", i))
		spec := defaults.resolve(step).spec(step.Run)
		spec.Output = out

		logger.Debug("running step", "step", i, "workdir", spec.Workdir, "command", step.Run)
		res, err := ws.Exec(ctx, spec)
		out.Flush()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		if res.ExitCode != 0 {
			return &StepFailedError{
				Stage:      stage.Name,
				Index:      i,
				ExitStatus: res.ExitCode,
				Output:     tail(res.Stdout+res.Stderr, outputTail),
			}
		}
	}
	return nil
}

// Checks that every declared export exists in the workspace.
func verifyExports(ctx context.Context, ws runtime.Workspace, stage *manifest.Stage) error {
	for _, p := range stage.Exports {
		_, err := ws.Lstat(ctx, p)
		if errors.Is(err, fs.ErrNotExist) {
			return &ExportMissingError{Stage: stage.Name, Path: p}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Commits the exported paths into a staging tree and publishes it.
func (e *Executor) publish(ctx context.Context, ws runtime.Workspace, stage *manifest.Stage) (*snapshot.Snapshot, error) {
	dir, err := e.Store.Stage(stage.Name + "-*")
	if err != nil {
		return nil, err
	}

	if err := ws.Commit(ctx, dir, stage.Exports); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	snap, err := e.Store.Publish(stage.Name, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return snap, nil
}

func (e *Executor) workspaceID(stage string) string {
	if e.BuildID == "" {
		return stage
	}
	return e.BuildID + "-" + stage
}

// Returns at most the last n bytes of s, trimmed of surrounding whitespace.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
