package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

// A published, read-only stage filesystem.
type Snapshot struct {
	Stage     string        // Name of the stage that produced the tree.
	Root      string        // Directory holding the tree.
	Digest    digest.Digest // Content digest of the tree.
	Published time.Time     // When the snapshot entered the store.
}

// Returns the host path of p, an absolute path inside the snapshot.
func (s *Snapshot) Path(p string) string {
	return filepath.Join(s.Root, filepath.FromSlash(path.Clean("/"+p)))
}

// Reports whether p exists in the snapshot. Symlinks are not followed.
func (s *Snapshot) Exists(p string) bool {
	_, err := os.Lstat(s.Path(p))
	return err == nil
}

// Computes the content digest of a directory tree.
//
// Every entry contributes its slash-separated relative path, mode, and either
// the symlink target or, for regular files, the sha256 of its content.
// Ownership and timestamps are ignored, so identical trees produced on
// different hosts hash the same.
func TreeDigest(root string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		var detail string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			detail = target
		case info.Mode().IsRegular():
			sum, err := fileSum(p)
			if err != nil {
				return err
			}
			detail = sum
		}

		_, err = fmt.Fprintf(h, "%s\x00%o\x00%s\n", filepath.ToSlash(rel), info.Mode(), detail)
		return err
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}

func fileSum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
