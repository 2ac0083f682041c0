package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cruciblehq/cruxbuild/internal/transplant"
)

const (

	// Exit code the receive script uses to report a type conflict.
	conflictExit = 17

	// Exit code the file helpers use to report a missing path.
	missingExit = 3
)

// Merges staged "$1/root" into "$2". "$3" is "overwrite" or empty.
const receiveScript = `set -e
src="$1/root"; dst="$2"
if [ -d "$src" ] && [ -d "$dst" ]; then
	if [ "$3" = overwrite ]; then cp -a --remove-destination "$src"/. "$dst"/; else cp -a "$src"/. "$dst"/; fi
	exit 0
fi
if [ -e "$dst" ] || [ -L "$dst" ]; then
	if [ "$3" != overwrite ] && { [ -d "$src" ] || [ -d "$dst" ]; }; then exit 17; fi
	rm -rf "$dst"
fi
mkdir -p "$(dirname "$dst")"
cp -a "$src" "$dst"
`

var stagingSeq uint64

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, name string, perm fs.FileMode) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", "-m", fmt.Sprintf("%o", perm.Perm()), "--", name)
}

// Copies a tar stream into the container's filesystem.
//
// The contents of r are extracted into destDir by piping them to "tar xf - -C
// destDir" inside the container.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Copies a path from the container's filesystem as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container and streaming the output to w.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	p = path.Clean("/" + p)
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Unpacks a transplant archive into a staging directory inside the
// container, then copies it into place.
//
// Conflicts are detected at the top level. Nested conflicts surface as copy
// failures and may leave the destination partially merged. That state stays
// inside this container: a failed stage never reaches Commit, and the
// executor destroys the container on every path (build.Executor.Run), so no
// snapshot or export ever sees a partial merge.
func (c *Container) Receive(ctx context.Context, r io.Reader, destPath string, overwrite bool) error {
	staging := fmt.Sprintf("/.cruxbuild-transplant-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&stagingSeq, 1))
	if err := c.MkdirAll(ctx, staging, 0700); err != nil {
		return err
	}
	defer c.execCommand(context.WithoutCancel(ctx), nil, nil, "rm", "-rf", "--", staging)

	if err := c.CopyTo(ctx, r, staging); err != nil {
		return err
	}

	mode := ""
	if overwrite {
		mode = "overwrite"
	}
	code, stderr, err := c.execCommand(ctx, nil, nil, "sh", "-c", receiveScript, "sh", staging, destPath, mode)
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case conflictExit:
		return &transplant.TypeConflictError{Path: destPath, Existing: "existing entry", Incoming: "incoming entry"}
	default:
		return fmt.Errorf("%w: transplant into %s failed with exit code %d (%s)", ErrRuntime, destPath, code, strings.TrimSpace(stderr))
	}
}

// Streams each path out of the container into dst.
func (c *Container) Commit(ctx context.Context, dst string, exports []string) error {
	for _, p := range coveringPaths(exports) {
		dir := filepath.Join(dst, filepath.FromSlash(path.Dir(p)))
		if p == "/" {
			if err := c.commitRoot(ctx, dst); err != nil {
				return err
			}
			continue
		}

		pr, pw := io.Pipe()
		errc := make(chan error, 1)
		go func() {
			err := c.CopyFrom(ctx, pw, p)
			pw.CloseWithError(err)
			errc <- err
		}()

		err := transplant.ExtractAll(pr, dir)
		pr.CloseWithError(io.ErrClosedPipe)
		if cerr := <-errc; cerr != nil {
			return cerr
		}
		if err != nil {
			return fmt.Errorf("%w: commit %s: %w", ErrRuntime, p, err)
		}
	}
	return nil
}

// Archives the whole filesystem, skipping kernel-provided mounts.
func (c *Container) commitRoot(ctx context.Context, dst string) error {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := c.mustExec(ctx, "tar archive", nil, pw,
			"tar", "cf", "-", "-C", "/",
			"--exclude=./proc", "--exclude=./sys", "--exclude=./dev", ".")
		pw.CloseWithError(err)
		errc <- err
	}()

	err := transplant.ExtractAll(pr, dst)
	pr.CloseWithError(io.ErrClosedPipe)
	if cerr := <-errc; cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("%w: commit /: %w", ErrRuntime, err)
	}
	return nil
}

func (c *Container) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var out strings.Builder
	code, stderr, err := c.execCommand(ctx, nil, &out, "sh", "-c", `[ -e "$1" ] || exit 3; cat -- "$1"`, "sh", name)
	if err != nil {
		return nil, err
	}
	if err := fileError("read", name, code, stderr); err != nil {
		return nil, err
	}
	return []byte(out.String()), nil
}

func (c *Container) WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error {
	return c.mustExec(ctx, "write "+name, bytes.NewReader(data), nil,
		"sh", "-c", `cat > "$1" && chmod "$2" "$1"`, "sh", name, fmt.Sprintf("%o", perm.Perm()))
}

func (c *Container) Lstat(ctx context.Context, name string) (fs.FileInfo, error) {
	var out strings.Builder
	code, stderr, err := c.execCommand(ctx, nil, &out, "sh", "-c",
		`{ [ -e "$1" ] || [ -L "$1" ]; } || exit 3; stat -c '%f %s %Y' -- "$1"`, "sh", name)
	if err != nil {
		return nil, err
	}
	if err := fileError("lstat", name, code, stderr); err != nil {
		return nil, err
	}
	return parseStat(name, out.String())
}

func (c *Container) Readlink(ctx context.Context, name string) (string, error) {
	var out strings.Builder
	code, stderr, err := c.execCommand(ctx, nil, &out, "readlink", "--", name)
	if err != nil {
		return "", err
	}
	if err := fileError("readlink", name, code, stderr); err != nil {
		return "", err
	}
	return strings.TrimSuffix(out.String(), "\n"), nil
}

func (c *Container) Symlink(ctx context.Context, target, link string) error {
	return c.mustExec(ctx, "symlink", nil, nil, "ln", "-s", "--", target, link)
}

func (c *Container) Remove(ctx context.Context, name string) error {
	return c.mustExec(ctx, "remove", nil, nil, "rm", "-f", "--", name)
}

// Maps a helper exit code to a path error.
func fileError(op, name string, code int, stderr string) error {
	switch code {
	case 0:
		return nil
	case missingExit:
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	default:
		return &fs.PathError{Op: op, Path: name, Err: fmt.Errorf("%w: exit code %d (%s)", ErrRuntime, code, strings.TrimSpace(stderr))}
	}
}

// Parses "rawmode size mtime" as printed by stat(1) with format '%f %s %Y'.
func parseStat(name, out string) (fs.FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: unexpected stat output %q", ErrRuntime, out)
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	hdr := &tar.Header{
		Name:    path.Base(name),
		Mode:    int64(raw & 07777),
		Size:    size,
		ModTime: time.Unix(mtime, 0),
	}
	switch raw & 0170000 {
	case 0040000:
		hdr.Typeflag = tar.TypeDir
	case 0120000:
		hdr.Typeflag = tar.TypeSymlink
	case 0010000:
		hdr.Typeflag = tar.TypeFifo
	case 0020000:
		hdr.Typeflag = tar.TypeChar
	case 0060000:
		hdr.Typeflag = tar.TypeBlock
	default:
		hdr.Typeflag = tar.TypeReg
	}
	return hdr.FileInfo(), nil
}

// Helper method that runs a command inside the container, returning an error
// that includes desc if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrRuntime, desc, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}
