package transplant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// A [Target] backed by a host directory: a local workspace root or a staging
// tree.
type DirTarget struct {
	Root    string // Directory treated as "/" of the destination.
	Scratch string // Staging area on the same filesystem as Root. Empty means inside Root.
}

// Unpacks the archive into a staging directory and moves it into place.
func (t DirTarget) Receive(ctx context.Context, r io.Reader, destPath string, overwrite bool) error {
	scratch := t.Scratch
	if scratch == "" {
		scratch = t.Root
	}

	staging, err := os.MkdirTemp(scratch, ".transplant-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := Extract(r, staging); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return t.Merge(filepath.Join(staging, rootEntry), destPath, overwrite)
}

// Moves the host entry staged into the target at destPath.
//
// staged must live on the same filesystem as Root and is consumed. Every
// conflict is checked before anything moves; if a move fails, the target
// is restored.
func (t DirTarget) Merge(staged, destPath string, overwrite bool) error {
	backups, err := os.MkdirTemp(filepath.Dir(staged), ".displaced-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(backups)

	plan := &mover{target: t, overwrite: overwrite, dry: true}
	if err := plan.place(staged, destPath); err != nil {
		return err
	}

	m := &mover{target: t, overwrite: overwrite, backups: backups}
	if err := m.place(staged, destPath); err != nil {
		if rerr := m.rollback(); rerr != nil {
			slog.Error("transplant rollback failed", "dest", destPath, "error", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

type opKind int

const (
	opCreated  opKind = iota // Entry did not exist before.
	opReplaced               // Entry existed and was moved to backup.
)

type op struct {
	kind   opKind
	path   string
	backup string
}

// Moves staged entries into a [DirTarget], journaling every mutation so the
// destination can be restored.
type mover struct {
	target    DirTarget
	overwrite bool
	dry       bool
	backups   string
	journal   []op
}

// Places the staged entry at destRel, merging directories into existing
// directories.
func (m *mover) place(staged, destRel string) error {
	si, err := os.Lstat(staged)
	if err != nil {
		return err
	}

	destHost, err := Resolve(m.target.Root, destRel)
	if err != nil {
		return err
	}

	di, err := os.Lstat(destHost)
	if errors.Is(err, fs.ErrNotExist) {
		return m.create(staged, destHost)
	}
	if err != nil {
		return err
	}

	destIsDir, err := m.isDir(destRel, di)
	if err != nil {
		return err
	}

	switch {
	case si.IsDir() && destIsDir:
		entries, err := os.ReadDir(staged)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := m.place(filepath.Join(staged, e.Name()), path.Join(destRel, e.Name())); err != nil {
				return err
			}
		}
		return nil

	case si.IsDir() != destIsDir && !m.overwrite:
		return &TypeConflictError{Path: destRel, Existing: kind(destIsDir), Incoming: kind(si.IsDir())}

	default:
		return m.replace(staged, destHost)
	}
}

// Reports whether the existing entry behaves as a directory. A symlink
// counts when it resolves, inside the root, to a directory.
func (m *mover) isDir(destRel string, di fs.FileInfo) (bool, error) {
	if di.IsDir() {
		return true, nil
	}
	if di.Mode()&fs.ModeSymlink == 0 {
		return false, nil
	}

	resolved, err := securejoin.SecureJoin(m.target.Root, destRel)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return false, nil
	}
	return info.IsDir(), nil
}

func (m *mover) create(staged, destHost string) error {
	if m.dry {
		return nil
	}
	if err := m.mkParents(filepath.Dir(destHost)); err != nil {
		return err
	}
	if err := os.Rename(staged, destHost); err != nil {
		return err
	}
	m.journal = append(m.journal, op{kind: opCreated, path: destHost})
	return nil
}

func (m *mover) replace(staged, destHost string) error {
	if m.dry {
		return nil
	}
	backup := filepath.Join(m.backups, strconv.Itoa(len(m.journal)))
	if err := os.Rename(destHost, backup); err != nil {
		return err
	}
	if err := os.Rename(staged, destHost); err != nil {
		// Put the original back before reporting.
		if rerr := os.Rename(backup, destHost); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	m.journal = append(m.journal, op{kind: opReplaced, path: destHost, backup: backup})
	return nil
}

// Creates missing ancestors of dir, journaling the topmost one created.
func (m *mover) mkParents(dir string) error {
	top := ""
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		top = d
		if d == filepath.Dir(d) {
			break
		}
	}
	if top == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	m.journal = append(m.journal, op{kind: opCreated, path: top})
	return nil
}

// Undoes the journal in reverse order.
func (m *mover) rollback() error {
	var errs []error
	for i := len(m.journal) - 1; i >= 0; i-- {
		o := m.journal[i]
		if err := os.RemoveAll(o.path); err != nil {
			errs = append(errs, err)
			continue
		}
		if o.kind == opReplaced {
			if err := os.Rename(o.backup, o.path); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", o.path, err))
			}
		}
	}
	m.journal = nil
	return errors.Join(errs...)
}

func kind(dir bool) string {
	if dir {
		return "directory"
	}
	return "file"
}
