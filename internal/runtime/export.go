package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/cruxbuild/internal/paths"
)

// Filename of the OCI archive produced by Export.
const exportFilename = "image.tar"

// The layer a stage adds on top of its base image.
type stageLayer struct {
	desc    ocispec.Descriptor
	diffID  digest.Digest
	stage   string // Workspace ID recorded in the image history.
	base    string
	created time.Time
}

// Writes the stage as an OCI archive at output/image.tar.
//
// The container's snapshot diff becomes one new layer on top of the base
// image. The rewritten manifest, config, and index are ephemeral blobs held
// by a content lease for the duration of the export; the base image record
// is never modified.
func (c *Container) Export(ctx context.Context, output string) error {
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	info, err := ctr.Info(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctx, release, err := c.client.WithLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer release(context.WithoutCancel(ctx))

	cs := c.client.ContentStore()

	desc, err := rootfs.CreateDiff(ctx, info.SnapshotKey, c.client.SnapshotService(info.Snapshotter), c.client.DiffService())
	if err != nil {
		return fmt.Errorf("%w: diff: %w", ErrRuntime, err)
	}
	diffID, err := images.GetDiffID(ctx, cs, desc)
	if err != nil {
		return fmt.Errorf("%w: diff: %w", ErrRuntime, err)
	}
	layer := stageLayer{desc: desc, diffID: diffID, stage: c.id, base: c.base, created: time.Now().UTC()}

	platform, err := platforms.Parse(c.platform)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	base, err := c.client.ImageService().Get(ctx, info.Image)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ed := &imageEditor{cs: cs, name: info.Image, platform: platform}
	target, err := ed.rewrite(ctx, base.Target, func(m *ocispec.Manifest, cfg *ocispec.Image) {
		appendLayer(m, cfg, layer)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	archivePath := filepath.Join(output, exportFilename)
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer f.Close()

	err = c.client.Export(ctx, f,
		archive.WithManifest(target, info.Image),
		archive.WithPlatform(platforms.Only(platform)),
	)
	if err != nil {
		return fmt.Errorf("%w: export %s: %w", ErrRuntime, archivePath, err)
	}

	slog.Info("image exported", "path", archivePath, "layer", desc.Digest)
	return nil
}

// Adds the stage layer to the manifest and config, with a history entry and
// labels naming the stage and its base.
func appendLayer(m *ocispec.Manifest, cfg *ocispec.Image, l stageLayer) {
	m.Layers = append(m.Layers, l.desc)
	cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, l.diffID)

	created := l.created
	cfg.Created = &created
	cfg.History = append(cfg.History, ocispec.History{
		Created:   &created,
		CreatedBy: "cruxbuild stage " + l.stage,
	})

	labels := maps.Clone(cfg.Config.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[labelWorkspace] = l.stage
	labels[labelBase] = l.base
	cfg.Config.Labels = labels
}

// Rewrites the platform manifest of an image as ephemeral content blobs.
type imageEditor struct {
	cs       content.Store
	name     string // Image name, used as the ingest ref prefix.
	platform ocispec.Platform
}

// Applies edit to the manifest and config selected from root and returns
// the descriptor of the rewritten image.
//
// When root is an index, the result is a new index holding only the
// rewritten manifest; other platforms are dropped because their layers are
// usually not in the content store.
func (ed *imageEditor) rewrite(ctx context.Context, root ocispec.Descriptor, edit func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	target, index, err := ed.selectManifest(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	m, err := readJSON[ocispec.Manifest](ctx, ed.cs, target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	cfg, err := readJSON[ocispec.Image](ctx, ed.cs, m.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	edit(&m, &cfg)

	m.Config, err = writeJSON(ctx, ed.cs, m.Config.MediaType, cfg, ed.name+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest, err := writeJSON(ctx, ed.cs, target.MediaType, m, ed.name+"-manifest", content.WithLabels(manifestGCLabels(m)))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Platform = target.Platform

	if index == nil {
		return manifest, nil
	}
	index.Manifests = []ocispec.Descriptor{manifest}
	return writeJSON(ctx, ed.cs, root.MediaType, index, ed.name+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Picks the manifest for the editor's platform. A nil index means root is
// itself a manifest.
//
// Some registries publish index entries without a platform field; those
// entries are matched by the platform declared in their image config. With
// no match at all, the first entry is used.
func (ed *imageEditor) selectManifest(ctx context.Context, root ocispec.Descriptor) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	idx, err := readJSON[ocispec.Index](ctx, ed.cs, root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrEmptyIndex, ed.name)
	}

	match := platforms.OnlyStrict(ed.platform)
	for _, m := range idx.Manifests {
		if m.Platform != nil && match.Match(*m.Platform) {
			return m, &idx, nil
		}
	}
	for _, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := ed.configPlatform(ctx, m); ok && match.Match(p) {
			return m, &idx, nil
		}
	}
	return idx.Manifests[0], &idx, nil
}

func (ed *imageEditor) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	m, err := readJSON[ocispec.Manifest](ctx, ed.cs, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	cfg, err := readJSON[ocispec.Image](ctx, ed.cs, m.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return cfg.Platform, true
}

func readJSON[T any](ctx context.Context, p content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, p, desc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", desc.Digest, err)
	}
	return v, nil
}

func writeJSON(ctx context.Context, cs content.Ingester, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, cs, ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// GC reference labels from a manifest blob to its config and layers.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// GC reference labels from an index blob to its manifests.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
