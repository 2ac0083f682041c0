package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Labels attached to every stage container, so leftovers of a crashed build
// can be found with a containerd filter.
const (
	labelWorkspace = "org.cruxbuild.workspace"
	labelBase      = "org.cruxbuild.base"
)

// A stage workspace backed by a containerd container. The container idles in
// "sleep infinity"; steps and file operations run as execs beside it.
type Container struct {
	client   *containerd.Client
	id       string // Workspace ID, also the containerd container and snapshot key.
	base     string // Base reference the workspace was started from.
	platform string // OCI platform, e.g. "linux/amd64".
}

func (c *Container) ID() string {
	return c.id
}

// Kills the idle task and deletes the container with its snapshot. A
// container that no longer exists is not an error.
func (c *Container) Destroy(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := teardown(ctx, ctr); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container destroyed", "id", c.id)
	return nil
}

func teardown(ctx context.Context, ctr containerd.Container) error {
	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	err := ctr.Delete(ctx, containerd.WithSnapshotCleanup)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Creates the container on a fresh snapshot of image and starts its idle
// task. Leftovers of an earlier build with the same ID are removed first.
func (c *Container) start(ctx context.Context, image containerd.Image) error {
	if stale, err := c.client.LoadContainer(ctx, c.id); err == nil {
		slog.Debug("removing stale container", "id", c.id)
		teardown(ctx, stale)
	}

	ctr, err := c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithContainerLabels(containerLabels(c.id, c.base)),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(c.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
	if err != nil {
		return err
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err == nil {
		if err = task.Start(ctx); err != nil {
			task.Delete(ctx)
		}
	}
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return err
	}
	return nil
}

func containerLabels(id, base string) map[string]string {
	return map[string]string{
		labelWorkspace: id,
		labelBase:      base,
	}
}
