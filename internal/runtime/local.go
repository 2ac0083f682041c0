package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cruciblehq/cruxbuild/internal/paths"
	"github.com/cruciblehq/cruxbuild/internal/transplant"
)

const (

	// Variable pointing steps at the workspace root when they run on the
	// host filesystem.
	stageRootEnv = "STAGE_ROOT"

	// Filename of the archive produced by a local export.
	rootfsFilename = "rootfs.tar"

	// Grace period between cancelling a step and abandoning its output pipes.
	waitDelay = 5 * time.Second
)

// A [Backend] running steps as host processes over directory trees.
//
// Base references resolve to directories under Bases: "repo:tag" is
// Bases/repo/tag, and a missing tag means "latest". Each workspace is a
// private copy of its base, created under Scratch.
type LocalBackend struct {
	Bases   string // Root of base environment directories.
	Scratch string // Directory for workspaces. Should share a filesystem with the snapshot store.
	Chroot  bool   // Run steps chrooted into the workspace. Requires privileges.
}

// Resolves a base reference to its directory.
func (b *LocalBackend) BasePath(base string) (string, error) {
	repo, tag := splitRef(base)
	if repo == "" {
		return "", fmt.Errorf("%w: empty reference", ErrBaseNotFound)
	}

	dir, err := securejoin.SecureJoin(b.Bases, path.Join(repo, tag))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s (looked in %s)", ErrBaseNotFound, base, dir)
	}
	return dir, nil
}

// Copies the base directory into a fresh workspace.
func (b *LocalBackend) Start(ctx context.Context, base, id string) (Workspace, error) {
	src, err := b.BasePath(base)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(b.Scratch, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	dir, err := os.MkdirTemp(b.Scratch, id+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	if err := copyTree(ctx, src, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: copy base %s: %w", ErrRuntime, base, err)
	}

	slog.Debug("workspace started", "id", id, "base", base, "dir", dir)

	return &localWorkspace{
		id:     id,
		dir:    dir,
		root:   filepath.Join(dir, "root"),
		chroot: b.Chroot,
	}, nil
}

// Nothing to release.
func (b *LocalBackend) Close() error {
	return nil
}

// Splits "repo:tag" into its parts. A colon inside the last path element
// separates the tag; registry ports in earlier elements are left alone.
func splitRef(ref string) (repo, tag string) {
	i := strings.LastIndexByte(ref, ':')
	if i < 0 || strings.ContainsRune(ref[i:], '/') {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}

// Copies the tree at src into dir/root through a tar stream, so the copy
// goes through the same ownership stripping as transplants.
func copyTree(ctx context.Context, src, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := transplant.WriteTree(tw, src, "root")
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	err := transplant.Extract(pr, dir)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// A workspace backed by a host directory.
type localWorkspace struct {
	id     string
	dir    string // Workspace directory, holding root and staging areas.
	root   string // Directory seen as "/" by steps.
	chroot bool
}

func (w *localWorkspace) ID() string {
	return w.id
}

// Host directory of the workspace root.
func (w *localWorkspace) Root() string {
	return w.root
}

// Runs the step in its own process group. Cancelling ctx kills the group.
func (w *localWorkspace) Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	var out, errOut io.Writer = &stdout, &stderr
	if spec.Output != nil {
		out = io.MultiWriter(&stdout, spec.Output)
		errOut = io.MultiWriter(&stderr, spec.Output)
	}

	code, err := w.run(ctx, spec.args(), spec.Env, spec.workdir(), out, errOut)
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Returns the workspace root when steps run on the host, or "" when they are
// chrooted into it.
func (w *localWorkspace) HostRoot() string {
	if w.chroot {
		return ""
	}
	return w.root
}

// Runs args directly from the workspace root.
func (w *localWorkspace) Run(ctx context.Context, args []string) (int, string, error) {
	var out bytes.Buffer
	code, err := w.run(ctx, args, nil, "/", &out, &out)
	return code, out.String(), err
}

func (w *localWorkspace) run(ctx context.Context, args, env []string, workdir string, stdout, stderr io.Writer) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: empty command", ErrRuntime)
	}

	hostDir, err := securejoin.SecureJoin(w.root, workdir)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := os.MkdirAll(hostDir, paths.DefaultDirMode); err != nil {
		return 0, fmt.Errorf("%w: workdir %s: %w", ErrRuntime, workdir, err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stageRoot := w.root
	cmd.Dir = hostDir
	if w.chroot {
		cmd.SysProcAttr.Chroot = w.root
		cmd.Dir = workdir
		stageRoot = "/"
	}
	cmd.Env = mergeEnv(os.Environ(), append([]string{stageRootEnv + "=" + stageRoot}, env...))

	err = cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return 0, nil
}

func (w *localWorkspace) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	staging, err := os.MkdirTemp(w.dir, ".copy-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer os.RemoveAll(staging)

	if err := transplant.ExtractAll(r, staging); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	target := w.target()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := target.Merge(filepath.Join(staging, e.Name()), path.Join(destDir, e.Name()), true); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}
	return nil
}

func (w *localWorkspace) CopyFrom(ctx context.Context, wr io.Writer, p string) error {
	host, err := transplant.Resolve(w.root, p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	tw := tar.NewWriter(wr)
	if err := transplant.WriteTree(tw, host, path.Base(path.Clean("/"+p))); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return tw.Close()
}

func (w *localWorkspace) Receive(ctx context.Context, r io.Reader, destPath string, overwrite bool) error {
	return w.target().Receive(ctx, r, destPath, overwrite)
}

func (w *localWorkspace) target() transplant.DirTarget {
	return transplant.DirTarget{Root: w.root, Scratch: w.dir}
}

// Moves each path into dst. The workspace loses those paths.
func (w *localWorkspace) Commit(ctx context.Context, dst string, exports []string) error {
	for _, p := range coveringPaths(exports) {
		if err := ctx.Err(); err != nil {
			return err
		}

		src, err := transplant.Resolve(w.root, p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		target := filepath.Join(dst, filepath.FromSlash(p))

		if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if err := moveOrCopy(ctx, src, target); err != nil {
			return err
		}
	}
	return nil
}

// Renames src to target, copying when they are on different filesystems.
// A target directory that already exists and is empty is replaced.
func moveOrCopy(ctx context.Context, src, target string) error {
	os.Remove(target)

	err := os.Rename(src, target)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(target), ".commit-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer os.RemoveAll(tmp)

	if err := copyTree(ctx, src, tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := os.Rename(filepath.Join(tmp, "root"), target); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}

// Writes the workspace root to output/rootfs.tar.
func (w *localWorkspace) Export(ctx context.Context, output string) error {
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	exportPath := filepath.Join(output, rootfsFilename)
	f, err := os.Create(exportPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	if err := transplant.WriteTree(tw, w.root, "."); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Info("rootfs exported", "path", exportPath)
	return ctx.Err()
}

func (w *localWorkspace) Destroy(ctx context.Context) error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	slog.Debug("workspace destroyed", "id", w.id)
	return nil
}

// Following symlinks inside the root.
func (w *localWorkspace) hostPath(name string) (string, error) {
	return securejoin.SecureJoin(w.root, name)
}

func (w *localWorkspace) ReadFile(_ context.Context, name string) ([]byte, error) {
	p, err := w.hostPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (w *localWorkspace) WriteFile(_ context.Context, name string, data []byte, perm fs.FileMode) error {
	p, err := w.hostPath(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, perm); err != nil {
		return err
	}
	return os.Chmod(p, perm)
}

func (w *localWorkspace) MkdirAll(_ context.Context, name string, perm fs.FileMode) error {
	p, err := w.hostPath(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, perm)
}

func (w *localWorkspace) Lstat(_ context.Context, name string) (fs.FileInfo, error) {
	p, err := transplant.Resolve(w.root, name)
	if err != nil {
		return nil, err
	}
	return os.Lstat(p)
}

func (w *localWorkspace) Readlink(_ context.Context, name string) (string, error) {
	p, err := transplant.Resolve(w.root, name)
	if err != nil {
		return "", err
	}
	return os.Readlink(p)
}

func (w *localWorkspace) Symlink(_ context.Context, target, link string) error {
	p, err := transplant.Resolve(w.root, link)
	if err != nil {
		return err
	}
	return os.Symlink(target, p)
}

func (w *localWorkspace) Remove(_ context.Context, name string) error {
	p, err := transplant.Resolve(w.root, name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}
