package build

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cruciblehq/cruxbuild/internal/graph"
	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/paths"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
	"github.com/cruciblehq/cruxbuild/internal/snapshot"
)

// Controls recipe execution.
type Options struct {
	Recipe      *manifest.Recipe // Recipe to execute.
	BuildID     string           // Identifies the build. Generated when empty.
	Output      string           // Directory for exported terminal stages.
	Concurrency int              // Stages run at once. Values below 1 mean 1.
	Keep        bool             // Pin every snapshot instead of only terminal ones.

	// Called after every stage state change. Must not block.
	OnStateChange func(stage string, state State)
}

// Returned after recipe execution.
type Result struct {
	BuildID   string                   // Identifier of the build.
	Order     []graph.StageID          // Resolved stage order.
	States    map[graph.StageID]State  // Final state of every stage.
	Snapshots []*snapshot.Snapshot     // Snapshots still held by the store.
	Exports   map[graph.StageID]string // Output directory per exported stage.
	Duration  time.Duration            // Wall time of the build.
}

// Executes a recipe.
//
// The stage graph is resolved first; a cycle, duplicate, or unknown import
// fails before any stage starts. Stages then run in resolved order, with up
// to Concurrency independent stages in flight. Each stage waits for the
// stages it imports from. The first failure cancels every in-flight stage
// and the build returns that failure. Snapshots already published stay in
// the store. A result is returned even on failure.
//
// Exports are staged while stages run and moved into Output only once every
// stage succeeded, so a failed build leaves Output without partial results.
func Run(ctx context.Context, backend runtime.Backend, store *snapshot.Store, opts Options) (*Result, error) {
	start := time.Now()

	g, err := graph.FromRecipe(opts.Recipe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	order, err := g.ResolveOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	baseEnv, err := opts.Recipe.BaseEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: env files: %w", ErrBuild, err)
	}

	if opts.BuildID == "" {
		opts.BuildID = NewID()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	final := exportDirs(g, opts.Output)
	staging, staged, err := stageExports(opts.Output, final)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if staging != "" {
		defer os.RemoveAll(staging)
	}

	p := &pipeline{
		graph: g,
		store: store,
		opts:  opts,
		exec: &Executor{
			Backend:    backend,
			Store:      store,
			BuildID:    opts.BuildID,
			BaseEnv:    baseEnv,
			ExportDirs: staged,
		},
		done: make(map[graph.StageID]chan struct{}, len(order)),
	}
	for _, id := range order {
		p.done[id] = make(chan struct{})
	}
	p.tracker = newTracker(order, func(id graph.StageID, s State) {
		slog.Debug("stage state", "stage", id, "state", s)
		if opts.OnStateChange != nil {
			opts.OnStateChange(string(id), s)
		}
	})

	slog.Info("executing recipe",
		"build", opts.BuildID,
		"stages", len(order),
		"concurrency", opts.Concurrency,
		"output", opts.Output,
	)

	runErr := p.run(ctx, order)

	result := &Result{
		BuildID:   opts.BuildID,
		Order:     order,
		States:    p.tracker.snapshot(),
		Snapshots: store.List(),
		Exports:   make(map[graph.StageID]string),
		Duration:  time.Since(start),
	}

	if runErr != nil {
		return result, fmt.Errorf("%w: %w", ErrBuild, runErr)
	}

	if err := publishExports(staged, final); err != nil {
		return result, fmt.Errorf("%w: exports: %w", ErrBuild, err)
	}
	for name, dir := range final {
		result.Exports[graph.StageID(name)] = dir
	}

	slog.Info("build complete", "build", opts.BuildID, "duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

// Shared state of one build.
type pipeline struct {
	graph   *graph.Graph
	store   *snapshot.Store
	opts    Options
	exec    *Executor
	tracker *tracker
	done    map[graph.StageID]chan struct{} // Closed when the stage's snapshot is published.
}

func (p *pipeline) run(ctx context.Context, order []graph.StageID) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.Concurrency)

	// Submission follows resolved order, so the earliest unfinished stage
	// always holds a slot with its prerequisites done.
	for _, id := range order {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			return p.runStage(ctx, id)
		})
	}
	return eg.Wait()
}

func (p *pipeline) runStage(ctx context.Context, id graph.StageID) error {
	deps, err := p.graph.Dependencies(id)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		select {
		case <-p.done[dep]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	stage, _ := p.graph.Stage(id)

	inputs := make(map[string]*snapshot.Snapshot, len(deps))
	for _, dep := range deps {
		snap, err := p.store.Get(string(dep))
		if err != nil {
			return err
		}
		inputs[string(dep)] = snap
	}

	if err := p.tracker.transition(id, Executing); err != nil {
		return err
	}

	snap, err := p.exec.Run(ctx, &stage, inputs)

	// Inputs are consumed whether or not the stage succeeded.
	for _, dep := range deps {
		if rerr := p.store.Release(string(dep)); rerr != nil {
			slog.Warn("failed to release snapshot", "stage", dep, "error", rerr)
		}
	}

	if err != nil {
		if terr := p.tracker.transition(id, Failed); terr != nil {
			return errors.Join(err, terr)
		}
		slog.Error("stage failed", "stage", id, "error", err)
		return err
	}

	if err := p.hold(id, snap); err != nil {
		p.tracker.transition(id, Failed)
		return err
	}

	if err := p.tracker.transition(id, Succeeded); err != nil {
		return err
	}
	close(p.done[id])

	slog.Info("stage complete", "stage", id, "digest", snap.Digest)
	return nil
}

// Takes one reference per dependent on a fresh snapshot and pins it when it
// must outlive the build. An unreferenced, unpinned snapshot is disposed.
func (p *pipeline) hold(id graph.StageID, snap *snapshot.Snapshot) error {
	dependents, err := p.graph.Dependents(id)
	if err != nil {
		return err
	}

	_, exported := p.exec.ExportDirs[string(id)]
	if p.opts.Keep || exported {
		if err := p.store.Pin(snap.Stage); err != nil {
			return err
		}
	}

	// One extra reference for the pipeline itself, dropped right away.
	if err := p.store.Retain(snap.Stage, len(dependents)+1); err != nil {
		return err
	}
	return p.store.Release(snap.Stage)
}

// Maps every terminal, non-transient stage to its output directory. A single
// exported stage writes to output itself; several get a subdirectory each.
func exportDirs(g *graph.Graph, output string) map[string]string {
	var names []string
	for _, id := range g.Terminal() {
		stage, _ := g.Stage(id)
		if !stage.Transient {
			names = append(names, stage.Name)
		}
	}

	dirs := make(map[string]string, len(names))
	if output == "" {
		return dirs
	}
	for _, name := range names {
		if len(names) == 1 {
			dirs[name] = output
		} else {
			dirs[name] = filepath.Join(output, name)
		}
	}
	return dirs
}

// Creates a hidden staging directory inside output and assigns every
// exported stage a directory under it. Staging inside output keeps the
// final moves on one filesystem. Returns "" when nothing is exported.
func stageExports(output string, final map[string]string) (string, map[string]string, error) {
	if len(final) == 0 {
		return "", final, nil
	}
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return "", nil, err
	}
	root, err := os.MkdirTemp(output, ".staging-*")
	if err != nil {
		return "", nil, err
	}

	staged := make(map[string]string, len(final))
	for name := range final {
		staged[name] = filepath.Join(root, name)
	}
	return root, staged, nil
}

// Moves every staged export into its final directory, replacing entries
// of the same name.
func publishExports(staged, final map[string]string) error {
	for _, name := range slices.Sorted(maps.Keys(staged)) {
		src, dst := staged[name], final[name]
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dst, paths.DefaultDirMode); err != nil {
			return err
		}
		for _, e := range entries {
			target := filepath.Join(dst, e.Name())
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Rename(filepath.Join(src, e.Name()), target); err != nil {
				return err
			}
		}
		slog.Info("stage exported", "stage", name, "output", dst)
	}
	return nil
}

// Returns a random build identifier, safe for container IDs.
func NewID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Cleans up the store of a successful build. With keep, the snapshots stay
// and only staging leftovers go; otherwise the whole store is removed.
func Discard(store *snapshot.Store, keep bool) error {
	if keep {
		return store.Prune()
	}
	return store.Destroy()
}
