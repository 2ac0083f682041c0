// Package runtime provides the isolated environments stages run in.
//
// A [Backend] starts a [Workspace] from a base environment reference. Two
// backends exist. [LocalBackend] copies a base directory tree and runs steps
// as host processes in their own process group, optionally chrooted.
// [ContainerdBackend] imports or pulls an OCI image, creates a container
// with a fuse-overlayfs snapshot, and runs steps as execs inside a
// long-running task.
//
// Every workspace runs shell commands, moves tar streams in and out,
// receives transplants, exposes rooted file operations for fix-ups,
// commits exported paths into a snapshot directory, and exports its final
// filesystem. Workspaces must be destroyed when no longer needed.
//
// Example usage:
//
//	backend := &runtime.LocalBackend{Bases: bases, Scratch: scratch}
//	defer backend.Close()
//
//	ws, err := backend.Start(ctx, "nvidia/cuda:12.4-devel", "builder-1")
//	if err != nil {
//	    return err
//	}
//	defer ws.Destroy(ctx)
//
//	result, err := ws.Exec(ctx, runtime.ExecSpec{Command: "make install"})
//	if err != nil {
//	    return err
//	}
//
//	if err := ws.Export(ctx, "output"); err != nil {
//	    return err
//	}
package runtime
