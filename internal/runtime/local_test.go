package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Creates a base environment "test/base:1" holding /etc/os-release and
// /bin/tool.
func newLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	bases := t.TempDir()
	base := filepath.Join(bases, "test", "base", "1")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "etc"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "os-release"), []byte("ID=test\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "bin", "tool"), []byte("#!/bin/sh\n"), 0755))
	return &LocalBackend{Bases: bases, Scratch: t.TempDir()}
}

func startLocal(t *testing.T) *localWorkspace {
	t.Helper()
	b := newLocalBackend(t)
	ws, err := b.Start(context.Background(), "test/base:1", "stage")
	require.NoError(t, err)
	t.Cleanup(func() { ws.Destroy(context.Background()) })
	return ws.(*localWorkspace)
}

func TestLocalStartCopiesBase(t *testing.T) {
	ws := startLocal(t)

	data, err := os.ReadFile(filepath.Join(ws.Root(), "etc", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "ID=test\n", string(data))

	info, err := os.Stat(filepath.Join(ws.Root(), "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0755), info.Mode().Perm())
}

func TestLocalStartMissingBase(t *testing.T) {
	b := newLocalBackend(t)
	_, err := b.Start(context.Background(), "test/base:2", "stage")
	assert.ErrorIs(t, err, ErrBaseNotFound)
}

func TestLocalExec(t *testing.T) {
	ws := startLocal(t)
	var output bytes.Buffer

	res, err := ws.Exec(context.Background(), ExecSpec{
		Command: `echo "$GREETING" > "$STAGE_ROOT/out.txt"; pwd; echo oops >&2`,
		Env:     []string{"GREETING=hello"},
		Workdir: "/work/src",
		Output:  &output,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, strings.HasSuffix(res.Stdout, "/work/src\n"), "stdout %q", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Contains(t, output.String(), "oops")

	data, err := os.ReadFile(filepath.Join(ws.Root(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestLocalExecNonZeroExit(t *testing.T) {
	ws := startLocal(t)

	res, err := ws.Exec(context.Background(), ExecSpec{Command: "echo failing; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Stdout)
}

func TestLocalExecCancellation(t *testing.T) {
	ws := startLocal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ws.Exec(ctx, ExecSpec{Command: "sleep 30 & sleep 30; wait"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocalFileOperations(t *testing.T) {
	ws := startLocal(t)
	ctx := context.Background()

	require.NoError(t, ws.MkdirAll(ctx, "/etc/ld.so.conf.d", 0755))
	require.NoError(t, ws.WriteFile(ctx, "/etc/ld.so.conf.d/cuda.conf", []byte("/usr/local/cuda/compat\n"), 0644))

	data, err := ws.ReadFile(ctx, "/etc/ld.so.conf.d/cuda.conf")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/cuda/compat\n", string(data))

	_, err = ws.ReadFile(ctx, "/missing")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, ws.Symlink(ctx, "tool", "/bin/alias"))
	info, err := ws.Lstat(ctx, "/bin/alias")
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&fs.ModeSymlink)

	target, err := ws.Readlink(ctx, "/bin/alias")
	require.NoError(t, err)
	assert.Equal(t, "tool", target)

	require.NoError(t, ws.Remove(ctx, "/bin/alias"))
	_, err = ws.Lstat(ctx, "/bin/alias")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLocalFileOperationsStayInRoot(t *testing.T) {
	ws := startLocal(t)
	ctx := context.Background()

	require.NoError(t, os.Symlink("/", filepath.Join(ws.Root(), "escape")))
	require.NoError(t, ws.WriteFile(ctx, "/escape/marker", []byte("x"), 0644))

	_, err := os.Stat(filepath.Join(ws.Root(), "marker"))
	assert.NoError(t, err, "write through an absolute link lands inside the root")
}

func TestLocalRun(t *testing.T) {
	ws := startLocal(t)

	code, out, err := ws.Run(context.Background(), []string{"sh", "-c", `test -f "$STAGE_ROOT/bin/tool" && echo present`})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "present\n", out)
}

func TestLocalCopyRoundTrip(t *testing.T) {
	ws := startLocal(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, ws.CopyFrom(ctx, &buf, "/etc"))

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"etc/", "etc/os-release"}, names)

	require.NoError(t, ws.CopyTo(ctx, &buf, "/opt"))
	data, err := os.ReadFile(filepath.Join(ws.Root(), "opt", "etc", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "ID=test\n", string(data))
}

func TestLocalCommit(t *testing.T) {
	ws := startLocal(t)
	ctx := context.Background()

	res, err := ws.Exec(ctx, ExecSpec{Command: `mkdir -p "$STAGE_ROOT/tmp/install/lib" && echo so > "$STAGE_ROOT/tmp/install/lib/libx.so"`})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	dst := t.TempDir()
	require.NoError(t, ws.Commit(ctx, dst, []string{"/tmp/install", "/tmp/install/lib"}))

	data, err := os.ReadFile(filepath.Join(dst, "tmp", "install", "lib", "libx.so"))
	require.NoError(t, err)
	assert.Equal(t, "so\n", string(data))

	_, err = os.Stat(filepath.Join(dst, "etc"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalExport(t *testing.T) {
	ws := startLocal(t)
	output := t.TempDir()

	require.NoError(t, ws.Export(context.Background(), output))

	f, err := os.Open(filepath.Join(output, rootfsFilename))
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if strings.TrimPrefix(hdr.Name, "./") == "etc/os-release" {
			found = true
		}
	}
	assert.True(t, found, "rootfs.tar missing etc/os-release")
}

func TestLocalDestroy(t *testing.T) {
	b := newLocalBackend(t)
	ws, err := b.Start(context.Background(), "test/base:1", "stage")
	require.NoError(t, err)

	dir := ws.(*localWorkspace).dir
	require.NoError(t, ws.Destroy(context.Background()))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
