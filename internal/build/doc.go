// Package build executes recipes.
//
// A recipe's stages form a graph through their imports. [Run] resolves the
// graph into a deterministic order and hands each stage to an [Executor],
// which starts a workspace from the stage's base, transplants the declared
// imports from upstream snapshots, runs the steps strictly in order, applies
// fix-ups, verifies the exports, and publishes an immutable snapshot.
// Terminal, non-transient stages are also exported to the output directory.
//
// Independent stages may run in parallel up to a concurrency limit. Every
// stage moves through pending, executing, and then succeeded or failed; the
// first failure cancels the rest of the build. Snapshots are reference
// counted by their dependents and disposed once consumed, unless pinned.
//
// Example usage:
//
//	store, err := snapshot.Open(dir)
//	if err != nil {
//	    return err
//	}
//
//	result, err := build.Run(ctx, backend, store, build.Options{
//	    Recipe:      recipe,
//	    Output:      "dist",
//	    Concurrency: 2,
//	})
//	if err != nil {
//	    return err
//	}
package build
