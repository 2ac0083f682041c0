package transplant

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cruciblehq/cruxbuild/internal/snapshot"
)

// Name of the single top-level entry in transplant archives.
const rootEntry = "root"

// Receives transplanted trees.
type Target interface {

	// Unpacks a transplant archive and moves its top-level entry to destPath,
	// an absolute path inside the target. On error the target must be left
	// as it was before the call.
	Receive(ctx context.Context, r io.Reader, destPath string, overwrite bool) error
}

// Controls a single transplant.
type Options struct {
	Overwrite bool // Allow replacing a directory with a file and vice versa.
}

// Copies srcPath from a snapshot into dst at destPath.
//
// Fails with a [PathNotFoundError] when srcPath does not exist in the
// snapshot, and never creates an empty destination in that case.
func Transplant(ctx context.Context, src *snapshot.Snapshot, srcPath string, dst Target, destPath string, opts Options) error {
	srcPath = path.Clean("/" + srcPath)
	destPath = path.Clean("/" + destPath)

	host, err := Resolve(src.Root, srcPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransplant, err)
	}
	if !exists(host) {
		return &PathNotFoundError{Stage: src.Stage, Path: srcPath}
	}

	slog.Debug("transplant", "stage", src.Stage, "src", srcPath, "dest", destPath)

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := WriteTree(tw, host, rootEntry)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	err = dst.Receive(ctx, pr, destPath, opts.Overwrite)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return fmt.Errorf("%w: %s:%s -> %s: %w", ErrTransplant, src.Stage, srcPath, destPath, err)
	}
	return nil
}

// Resolves an absolute in-tree path to a host path.
//
// Symlinks in the parent directories are resolved inside root; the final
// component is left as is so that a symlink is addressed rather than its
// target.
func Resolve(root, p string) (string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return root, nil
	}
	parent, err := securejoin.SecureJoin(root, path.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(p)), nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
