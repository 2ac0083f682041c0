package build

import (
	"maps"
	"slices"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
)

// Effective shell, workdir, and environment of a step.
//
// The stage-level values form the defaults. Each step resolves its own copy;
// nothing a step sets carries over to the next one.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
}

// Creates the default state for a stage. base sits beneath the stage env.
func newStepState(stage *manifest.Stage, base map[string]string) *stepState {
	s := &stepState{
		shell:   runtime.DefaultShell,
		workdir: stage.Workdir,
		env:     make(map[string]string, len(base)+len(stage.Env)),
	}
	if stage.Shell != "" {
		s.shell = stage.Shell
	}
	maps.Copy(s.env, base)
	maps.Copy(s.env, stage.Env)
	return s
}

// Returns a new [stepState] with step-level fields overlaid on the stage
// defaults. The receiver is not modified.
func (s *stepState) resolve(step manifest.Step) *stepState {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(step.Env)),
	}
	maps.Copy(resolved.env, s.env)
	maps.Copy(resolved.env, step.Env)

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		resolved.workdir = step.Workdir
	}

	return resolved
}

// Formats the environment as sorted "key=value" strings.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}

// Builds the exec spec for a step command.
func (s *stepState) spec(command string) runtime.ExecSpec {
	return runtime.ExecSpec{
		Shell:   s.shell,
		Command: command,
		Env:     s.environ(),
		Workdir: s.workdir,
	}
}
