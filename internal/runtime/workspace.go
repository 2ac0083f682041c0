package runtime

import (
	"context"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/cruciblehq/cruxbuild/internal/fixup"
	"github.com/cruciblehq/cruxbuild/internal/transplant"
)

// Default shell for step commands.
const DefaultShell = "/bin/sh"

// Starts isolated stage environments.
type Backend interface {

	// Starts a fresh workspace from the base environment reference. id is
	// unique per build and names the workspace.
	Start(ctx context.Context, base, id string) (Workspace, error)

	// Releases backend resources. Workspaces must be destroyed first.
	Close() error
}

// An isolated, writable stage filesystem plus a way to run commands in it.
//
// Paths are absolute inside the workspace. A workspace receives transplants
// and serves as the [fixup.System] for its stage.
type Workspace interface {
	transplant.Target
	fixup.System

	// Unique identifier of the workspace.
	ID() string

	// Runs a shell command. A non-zero exit is reported in the result, not
	// as an error. Cancelling ctx terminates the command.
	Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error)

	// Extracts a tar stream into destDir.
	CopyTo(ctx context.Context, r io.Reader, destDir string) error

	// Writes the file or directory at p to w as a tar stream whose top-level
	// entry is the base name of p.
	CopyFrom(ctx context.Context, w io.Writer, p string) error

	// Copies the listed paths into dst, a host directory, at the same
	// relative locations. Commit may consume the workspace contents and
	// must be the last operation before Destroy.
	Commit(ctx context.Context, dst string, paths []string) error

	// Writes the final filesystem to the output directory.
	Export(ctx context.Context, output string) error

	// Removes the workspace and everything in it.
	Destroy(ctx context.Context) error
}

// Describes a single step command.
type ExecSpec struct {
	Shell   string    // Shell invoked as "shell -c command". Defaults to [DefaultShell].
	Command string    // Opaque command text.
	Env     []string  // KEY=VALUE entries layered over the environment.
	Workdir string    // Working directory inside the workspace. Defaults to "/".
	Output  io.Writer // Optional sink receiving stdout and stderr as they are produced.
}

func (s ExecSpec) args() []string {
	shell := s.Shell
	if shell == "" {
		shell = DefaultShell
	}
	return []string{shell, "-c", s.Command}
}

func (s ExecSpec) workdir() string {
	if s.Workdir == "" {
		return "/"
	}
	return s.Workdir
}

// Output of a command execution inside a workspace.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Reduces paths to those not nested under another, cleaned and sorted.
func coveringPaths(paths []string) []string {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		cleaned = append(cleaned, path.Clean("/"+p))
	}
	slices.Sort(cleaned)

	var out []string
	for _, p := range cleaned {
		covered := slices.ContainsFunc(out, func(q string) bool {
			return q == "/" || p == q || strings.HasPrefix(p, q+"/")
		})
		if !covered {
			out = append(out, p)
		}
	}
	return out
}
