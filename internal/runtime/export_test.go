package runtime

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: digest.FromString("config")},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("cuda-runtime")},
			{Digest: digest.FromString("stage")},
		},
	}

	want := map[string]string{
		"containerd.io/gc.ref.content.config": digest.FromString("config").String(),
		"containerd.io/gc.ref.content.l.0":    digest.FromString("cuda-runtime").String(),
		"containerd.io/gc.ref.content.l.1":    digest.FromString("stage").String(),
	}
	if diff := cmp.Diff(want, manifestGCLabels(m)); diff != "" {
		t.Errorf("manifestGCLabels mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexGCLabels(t *testing.T) {
	idx := ocispec.Index{Manifests: []ocispec.Descriptor{{Digest: digest.FromString("amd64")}}}

	want := map[string]string{"containerd.io/gc.ref.content.m.0": digest.FromString("amd64").String()}
	if diff := cmp.Diff(want, indexGCLabels(idx)); diff != "" {
		t.Errorf("indexGCLabels mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendLayer(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	baseLayer := ocispec.Descriptor{Digest: digest.FromString("base")}
	baseLabels := map[string]string{"com.nvidia.cudnn.version": "9"}

	m := ocispec.Manifest{Layers: []ocispec.Descriptor{baseLayer}}
	cfg := ocispec.Image{
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("base-diff")}},
		Config: ocispec.ImageConfig{Labels: baseLabels},
	}

	appendLayer(&m, &cfg, stageLayer{
		desc:    ocispec.Descriptor{Digest: digest.FromString("stage")},
		diffID:  digest.FromString("stage-diff"),
		stage:   "b1-runtime",
		base:    "nvidia/cuda:12.4.1-runtime-ubi9",
		created: created,
	})

	if len(m.Layers) != 2 || m.Layers[1].Digest != digest.FromString("stage") {
		t.Fatalf("layers = %v", m.Layers)
	}
	if len(cfg.RootFS.DiffIDs) != 2 || cfg.RootFS.DiffIDs[1] != digest.FromString("stage-diff") {
		t.Fatalf("diff IDs = %v", cfg.RootFS.DiffIDs)
	}
	if len(cfg.History) != 1 || cfg.History[0].CreatedBy != "cruxbuild stage b1-runtime" {
		t.Fatalf("history = %+v", cfg.History)
	}
	if cfg.Created == nil || !cfg.Created.Equal(created) {
		t.Errorf("created = %v, want %v", cfg.Created, created)
	}

	wantLabels := map[string]string{
		"com.nvidia.cudnn.version": "9",
		labelWorkspace:             "b1-runtime",
		labelBase:                  "nvidia/cuda:12.4.1-runtime-ubi9",
	}
	if diff := cmp.Diff(wantLabels, cfg.Config.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if len(baseLabels) != 1 {
		t.Error("base image labels were modified in place")
	}
}

func TestAppendLayerWithoutLabels(t *testing.T) {
	var m ocispec.Manifest
	var cfg ocispec.Image

	appendLayer(&m, &cfg, stageLayer{stage: "s", base: "b"})

	if cfg.Config.Labels[labelBase] != "b" {
		t.Errorf("labels = %v", cfg.Config.Labels)
	}
}
