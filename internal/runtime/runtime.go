package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing cruxbuild to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// A [Backend] running stages in containerd containers.
//
// Base references are either OCI archive paths (ending in ".tar") or image
// references. Archives are imported and tagged with a deterministic name;
// references missing from the image store are pulled.
type ContainerdBackend struct {
	client   *containerd.Client // Containerd client for managing containers and images.
	platform string             // OCI platform for every container.
}

// Creates a backend connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// backend must be closed when no longer needed.
func NewContainerd(address, namespace string) (*ContainerdBackend, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &ContainerdBackend{client: client, platform: defaultPlatform()}, nil
}

// Closes the containerd client connection.
func (rt *ContainerdBackend) Close() error {
	return rt.client.Close()
}

// Starts a container from the base reference.
//
// Any existing container with the same ID is removed before the new one is
// created. A long-running task (sleep infinity) is started so that steps
// have a running process to attach to.
func (rt *ContainerdBackend) Start(ctx context.Context, base, id string) (Workspace, error) {
	tag, err := rt.ensureImage(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRuntime, base, err)
	}

	image, err := rt.resolveImage(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	c := &Container{
		client:   rt.client,
		id:       id,
		base:     base,
		platform: rt.platform,
	}
	if err := c.start(ctx, image); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrRuntime, id, err)
	}

	slog.Debug("container started", "id", id, "image", tag)
	return c, nil
}

// Makes the base available in the image store, unpacked for the backend
// platform, and returns its tag.
func (rt *ContainerdBackend) ensureImage(ctx context.Context, base string) (string, error) {
	if isArchive(base) {
		return rt.importImage(ctx, base)
	}

	named, err := reference.ParseDockerRef(base)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBaseNotFound, err)
	}
	tag := named.String()

	if _, err := rt.client.ImageService().Get(ctx, tag); err == nil {
		return tag, rt.unpackImage(ctx, tag)
	} else if !errdefs.IsNotFound(err) {
		return "", err
	}

	slog.Info("pulling base image", "ref", tag)
	if _, err := rt.client.Pull(ctx, tag,
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
		containerd.WithPlatform(rt.platform),
	); err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %w", ErrBaseNotFound, err)
		}
		return "", err
	}
	return tag, nil
}

func isArchive(base string) bool {
	return strings.HasSuffix(base, ".tar")
}

// Imports an OCI archive, tags it under a name derived from its path, and
// unpacks it for the backend platform.
func (rt *ContainerdBackend) importImage(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBaseNotFound, err)
	}

	tag := imageTag(path)

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return "", err
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return "", err
	}

	if err := rt.unpackImage(ctx, tag); err != nil {
		return "", err
	}

	slog.Debug("image imported", "path", path, "tag", tag)
	return tag, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *ContainerdBackend) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per image in index.json. Platform selection happens later.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *ContainerdBackend) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the backend platform into the snapshotter.
func (rt *ContainerdBackend) unpackImage(ctx context.Context, tag string) error {
	image, err := rt.resolveImage(ctx, tag)
	if err != nil {
		return err
	}

	err = image.Unpack(ctx, snapshotter)
	if errdefs.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// Looks up a tagged image and selects the manifest for the backend platform.
func (rt *ContainerdBackend) resolveImage(ctx context.Context, tag string) (containerd.Image, error) {
	p, err := platforms.Parse(rt.platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errors.Join(ErrBaseNotFound, err)
		}
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
