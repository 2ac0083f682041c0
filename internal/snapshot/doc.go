// Package snapshot stores the immutable filesystem trees published by
// completed stages.
//
// A [Store] is a directory holding one subdirectory per published stage.
// Publishing moves a finished tree into the store with a single rename, so a
// snapshot is either fully present or absent. The store is append-only: a
// stage publishes at most once, and published trees are never written to
// again. Consumers read them through the transplant package, which copies
// out of the snapshot rather than handing out the snapshot itself.
//
// Snapshots are reference counted. The build pipeline retains a snapshot once
// for every dependent stage and releases it after that dependent has imported
// what it needs; when the count drops to zero the tree is deleted unless it
// has been pinned (terminal stages, or every stage when intermediates are
// kept).
package snapshot
