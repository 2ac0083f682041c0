package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/cruciblehq/cruxbuild/internal/build"
	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/protocol"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
	"github.com/cruciblehq/cruxbuild/internal/server"
	"github.com/cruciblehq/cruxbuild/internal/snapshot"
)

// Represents the 'cruxbuild build' command.
type BuildCmd struct {
	BackendFlags `embed:""`

	Recipe      string `arg:"" help:"Recipe file (.yaml, .yml, or .hcl)." type:"existingfile"`
	Output      string `short:"o" help:"Output directory for exported stages." default:"dist" type:"path"`
	Concurrency int    `short:"j" help:"Stages run at once." default:"${concurrency}"`
	Keep        bool   `help:"Keep every stage snapshot in the store."`
	Daemon      bool   `help:"Submit the build to a running daemon."`
}

// Executes the build command.
//
// On failure the failing stage and step are written to stderr and the error
// is returned, so the process exits non-zero.
func (c *BuildCmd) Run(ctx context.Context) error {
	recipe, err := manifest.Load(c.Recipe)
	if err != nil {
		return err
	}

	output, err := filepath.Abs(c.Output)
	if err != nil {
		return err
	}

	if c.Daemon {
		return c.submit(ctx, recipe, output)
	}

	id := build.NewID()
	store, err := snapshot.Open(filepath.Join(c.Store, id))
	if err != nil {
		return err
	}

	backend, err := runtime.Open(c.config())
	if err != nil {
		return err
	}
	defer backend.Close()

	result, err := build.Run(ctx, backend, store, build.Options{
		Recipe:      recipe,
		BuildID:     id,
		Output:      output,
		Concurrency: c.Concurrency,
		Keep:        c.Keep,
	})
	if err != nil {
		reportFailure(os.Stderr, server.ErrorResult(err))
		return err
	}

	if err := build.Discard(store, c.Keep); err != nil {
		slog.Warn("failed to clean build store", "build", id, "error", err)
	}

	printResult(os.Stdout, server.BuildResult(result))
	return nil
}

// Sends the recipe to the daemon and waits for the build to finish.
func (c *BuildCmd) submit(ctx context.Context, recipe *manifest.Recipe, output string) error {
	raw, err := server.Send(ctx, RootCmd.Socket, protocol.CmdBuild, &protocol.BuildRequest{
		Recipe:      recipe,
		Output:      output,
		Concurrency: c.Concurrency,
		Keep:        c.Keep,
	})
	if err != nil {
		var res *protocol.ErrorResult
		if errors.As(err, &res) {
			reportFailure(os.Stderr, res)
		}
		return err
	}

	res, err := protocol.DecodePayload[protocol.BuildResult](raw)
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	return nil
}

// Writes the failing stage and step, when known.
func reportFailure(w io.Writer, res *protocol.ErrorResult) {
	switch {
	case res.Step != nil:
		fmt.Fprintf(w, "stage %s failed at step %d (exit status %d)\n", res.Stage, *res.Step, res.ExitStatus)
	case res.Stage != "":
		fmt.Fprintf(w, "stage %s failed\n", res.Stage)
	}
}

func printResult(w io.Writer, res *protocol.BuildResult) {
	fmt.Fprintf(w, "build %s finished in %s\n", res.BuildID, res.Duration)
	for _, stage := range res.Order {
		fmt.Fprintf(w, "  %-20s %s\n", stage, res.States[stage])
	}
	for _, stage := range slices.Sorted(maps.Keys(res.Exports)) {
		fmt.Fprintf(w, "exported %s to %s\n", stage, res.Exports[stage])
	}
}
