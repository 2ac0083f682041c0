package fixup

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
)

type node struct {
	Mode fs.FileMode
	Data string
	Link string
}

type nodeInfo struct {
	name string
	n    node
}

func (i nodeInfo) Name() string       { return path.Base(i.name) }
func (i nodeInfo) Size() int64        { return int64(len(i.n.Data)) }
func (i nodeInfo) Mode() fs.FileMode  { return i.n.Mode }
func (i nodeInfo) ModTime() time.Time { return time.Time{} }
func (i nodeInfo) IsDir() bool        { return i.n.Mode.IsDir() }
func (i nodeInfo) Sys() any           { return nil }

// In-memory stage filesystem. Parent directories are implicit.
type memSystem struct {
	nodes map[string]node
	runs  [][]string
	run   func(m *memSystem, args []string) (int, string, error)
}

func newMemSystem() *memSystem {
	return &memSystem{nodes: map[string]node{"/": {Mode: fs.ModeDir | 0755}}}
}

func (m *memSystem) ReadFile(_ context.Context, name string) ([]byte, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(n.Data), nil
}

func (m *memSystem) WriteFile(_ context.Context, name string, data []byte, perm fs.FileMode) error {
	m.nodes[name] = node{Mode: perm, Data: string(data)}
	return nil
}

func (m *memSystem) MkdirAll(_ context.Context, name string, perm fs.FileMode) error {
	for d := name; d != "/"; d = path.Dir(d) {
		if _, ok := m.nodes[d]; !ok {
			m.nodes[d] = node{Mode: fs.ModeDir | perm}
		}
	}
	return nil
}

func (m *memSystem) Lstat(_ context.Context, name string) (fs.FileInfo, error) {
	n, ok := m.nodes[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return nodeInfo{name, n}, nil
}

func (m *memSystem) Readlink(_ context.Context, name string) (string, error) {
	n, ok := m.nodes[name]
	if !ok || n.Mode&fs.ModeSymlink == 0 {
		return "", fs.ErrInvalid
	}
	return n.Link, nil
}

func (m *memSystem) Symlink(_ context.Context, target, link string) error {
	if _, ok := m.nodes[link]; ok {
		return fs.ErrExist
	}
	m.nodes[link] = node{Mode: fs.ModeSymlink | 0777, Link: target}
	return nil
}

func (m *memSystem) Remove(_ context.Context, name string) error {
	delete(m.nodes, name)
	return nil
}

func (m *memSystem) Run(_ context.Context, args []string) (int, string, error) {
	m.runs = append(m.runs, args)
	if m.run == nil {
		return 0, "", nil
	}
	return m.run(m, args)
}

// Installs python3.12 when dnf is asked for it.
func dnf(m *memSystem, args []string) (int, string, error) {
	if args[0] == "dnf" && args[len(args)-1] == "python3.12" {
		m.nodes["/usr/bin/python3.12"] = node{Mode: 0755, Data: "python"}
		return 0, "", nil
	}
	return 0, "", nil
}

func TestLinkerPath(t *testing.T) {
	sys := newMemSystem()
	f := manifest.Fixup{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"}

	require.NoError(t, Apply(context.Background(), sys, []manifest.Fixup{f}))

	conf := sys.nodes["/etc/ld.so.conf.d/cuda-compat.conf"]
	assert.Equal(t, "/usr/local/cuda/compat\n", conf.Data)
	assert.Equal(t, [][]string{{"ldconfig"}}, sys.runs)
}

func TestLinkerPathAppendsToExistingConf(t *testing.T) {
	sys := newMemSystem()
	sys.nodes["/etc/ld.so.conf.d/local.conf"] = node{Mode: 0644, Data: "/usr/local/lib"}
	f := manifest.Fixup{Name: "x", Kind: manifest.FixupLinkerPath, Dir: "/opt/lib", Conf: "local", Refresh: []string{"ldconfig", "-X"}}

	require.NoError(t, Apply(context.Background(), sys, []manifest.Fixup{f}))

	assert.Equal(t, "/usr/local/lib\n/opt/lib\n", sys.nodes["/etc/ld.so.conf.d/local.conf"].Data)
	assert.Equal(t, [][]string{{"ldconfig", "-X"}}, sys.runs)
}

func TestLinkerPathRefreshFailure(t *testing.T) {
	sys := newMemSystem()
	sys.run = func(*memSystem, []string) (int, string, error) { return 1, "ldconfig: cannot open cache\n", nil }
	f := manifest.Fixup{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"}

	err := Apply(context.Background(), sys, []manifest.Fixup{f})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkerConfig)

	var lerr *LinkerConfigError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 1, lerr.ExitCode)
	assert.Equal(t, "ldconfig: cannot open cache", lerr.Output)
}

func TestInterpreterInstallsWhenMissing(t *testing.T) {
	sys := newMemSystem()
	sys.run = dnf
	f := manifest.Fixup{
		Name:    "python",
		Kind:    manifest.FixupInterpreter,
		Package: "python3.12",
		Binary:  "/usr/bin/python3.12",
		Alias:   "/usr/bin/python3",
	}

	require.NoError(t, Apply(context.Background(), sys, []manifest.Fixup{f}))

	assert.Equal(t, [][]string{{"dnf", "install", "-y", "python3.12"}}, sys.runs)
	assert.Equal(t, "/usr/bin/python3.12", sys.nodes["/usr/bin/python3"].Link)
}

func TestInterpreterSkipsInstallWhenPresent(t *testing.T) {
	sys := newMemSystem()
	sys.nodes["/usr/bin/python3.12"] = node{Mode: 0755}
	f := manifest.Fixup{Name: "python", Kind: manifest.FixupInterpreter, Package: "python3.12", Binary: "/usr/bin/python3.12"}

	require.NoError(t, Apply(context.Background(), sys, []manifest.Fixup{f}))
	assert.Empty(t, sys.runs)
}

func TestInterpreterInstallFailure(t *testing.T) {
	tests := []struct {
		name string
		run  func(*memSystem, []string) (int, string, error)
	}{
		{"non-zero exit", func(*memSystem, []string) (int, string, error) { return 1, "No match for argument", nil }},
		{"command error", func(*memSystem, []string) (int, string, error) { return 0, "", errors.New("exec: dnf not found") }},
		{"binary still missing", func(*memSystem, []string) (int, string, error) { return 0, "", nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newMemSystem()
			sys.run = tt.run
			f := manifest.Fixup{
				Name:    "python",
				Kind:    manifest.FixupInterpreter,
				Package: "python3.12",
				Binary:  "/usr/bin/python3.12",
				Install: []string{"microdnf", "install", "{package}"},
			}

			err := Apply(context.Background(), sys, []manifest.Fixup{f})
			require.Error(t, err)

			var perr *PackageInstallError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "python3.12", perr.Package)
			assert.ErrorIs(t, err, ErrPackageInstall)
		})
	}
}

func TestAlias(t *testing.T) {
	tests := []struct {
		name      string
		existing  *node
		overwrite bool
		conflict  bool
	}{
		{name: "absent"},
		{name: "same link", existing: &node{Mode: fs.ModeSymlink, Link: "python3.12"}},
		{name: "other link", existing: &node{Mode: fs.ModeSymlink, Link: "python3.9"}, conflict: true},
		{name: "other link overwrite", existing: &node{Mode: fs.ModeSymlink, Link: "python3.9"}, overwrite: true},
		{name: "regular file", existing: &node{Mode: 0755}, conflict: true},
		{name: "regular file overwrite", existing: &node{Mode: 0755}, overwrite: true},
		{name: "directory", existing: &node{Mode: fs.ModeDir | 0755}, overwrite: true, conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newMemSystem()
			if tt.existing != nil {
				sys.nodes["/usr/bin/python"] = *tt.existing
			}
			f := manifest.Fixup{Name: "python", Kind: manifest.FixupAlias, Alias: "/usr/bin/python", Target: "python3.12", Overwrite: tt.overwrite}

			err := Apply(context.Background(), sys, []manifest.Fixup{f})
			if tt.conflict {
				require.ErrorIs(t, err, ErrAliasConflict)
				var aerr *AliasConflictError
				require.True(t, errors.As(err, &aerr))
				assert.Equal(t, "/usr/bin/python", aerr.Alias)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "python3.12", sys.nodes["/usr/bin/python"].Link)
		})
	}
}

func TestAdvisoryFailureContinues(t *testing.T) {
	sys := newMemSystem()
	sys.nodes["/usr/bin/python"] = node{Mode: 0755}
	fixups := []manifest.Fixup{
		{Name: "python", Kind: manifest.FixupAlias, Alias: "/usr/bin/python", Target: "python3", Advisory: true},
		{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"},
	}

	require.NoError(t, Apply(context.Background(), sys, fixups))
	assert.Contains(t, sys.nodes, "/etc/ld.so.conf.d/cuda-compat.conf")
}

func TestFailureStopsSequence(t *testing.T) {
	sys := newMemSystem()
	sys.nodes["/usr/bin/python"] = node{Mode: 0755}
	fixups := []manifest.Fixup{
		{Name: "python", Kind: manifest.FixupAlias, Alias: "/usr/bin/python", Target: "python3"},
		{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"},
	}

	err := Apply(context.Background(), sys, fixups)
	require.ErrorIs(t, err, ErrFixup)
	assert.True(t, strings.Contains(err.Error(), "python"))
	assert.NotContains(t, sys.nodes, "/etc/ld.so.conf.d/cuda-compat.conf")
}

func TestApplyIsIdempotent(t *testing.T) {
	fixups := []manifest.Fixup{
		{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"},
		{Name: "python", Kind: manifest.FixupInterpreter, Package: "python3.12", Binary: "/usr/bin/python3.12", Alias: "/usr/bin/python3"},
		{Name: "python-unversioned", Kind: manifest.FixupAlias, Alias: "/usr/local/bin/python", Target: "/usr/bin/python3"},
	}

	sys := newMemSystem()
	sys.run = dnf

	require.NoError(t, Apply(context.Background(), sys, fixups))
	once := make(map[string]node, len(sys.nodes))
	for k, v := range sys.nodes {
		once[k] = v
	}

	require.NoError(t, Apply(context.Background(), sys, fixups))
	if diff := cmp.Diff(once, sys.nodes); diff != "" {
		t.Fatalf("second apply changed state (-once +twice):\n%s", diff)
	}
}

// A system whose commands run on the host against a stage rooted at root.
type hostSystem struct {
	*memSystem
	root string
}

func (h hostSystem) HostRoot() string { return h.root }

func TestDefaultCommandsAreRootedOnHost(t *testing.T) {
	sys := hostSystem{memSystem: newMemSystem(), root: "/var/lib/stage"}
	sys.run = dnf
	fixups := []manifest.Fixup{
		{Name: "cuda-compat", Kind: manifest.FixupLinkerPath, Dir: "/usr/local/cuda/compat"},
		{Name: "python", Kind: manifest.FixupInterpreter, Package: "python3.12", Binary: "/usr/bin/python3.12"},
	}

	require.NoError(t, Apply(context.Background(), sys, fixups))

	assert.Equal(t, [][]string{
		{"ldconfig", "-r", "/var/lib/stage"},
		{"dnf", "--installroot=/var/lib/stage", "install", "-y", "python3.12"},
	}, sys.runs)
}

func TestExplicitCommandsAreNotRooted(t *testing.T) {
	sys := hostSystem{memSystem: newMemSystem(), root: "/var/lib/stage"}
	f := manifest.Fixup{Name: "x", Kind: manifest.FixupLinkerPath, Dir: "/opt/lib", Refresh: []string{"true"}}

	require.NoError(t, Apply(context.Background(), sys, []manifest.Fixup{f}))

	assert.Equal(t, [][]string{{"true"}}, sys.runs)
}
