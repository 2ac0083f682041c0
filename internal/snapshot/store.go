package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cruciblehq/cruxbuild/internal/paths"
)

// Name of the scratch directory kept inside the store root. Staging trees
// live here so that publishing is a same-filesystem rename.
const scratchDir = ".scratch"

type entry struct {
	snap   *Snapshot
	refs   int
	pinned bool
}

// A directory of published snapshots, keyed by stage name.
//
// Safe for concurrent use. The mutex guards only the index; trees are never
// modified after publication.
type Store struct {
	root    string
	mu      sync.Mutex
	entries map[string]*entry
}

// Opens (creating if needed) a store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, scratchDir), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &Store{root: dir, entries: make(map[string]*entry)}, nil
}

// Returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Returns a directory on the store's filesystem for staging trees.
func (s *Store) Scratch() string {
	return filepath.Join(s.root, scratchDir)
}

// Creates a fresh staging directory under [Store.Scratch].
func (s *Store) Stage(pattern string) (string, error) {
	dir, err := os.MkdirTemp(s.Scratch(), pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	return dir, nil
}

// Moves the tree at dir into the store as the snapshot of stage.
//
// The move is a single rename, so concurrent readers never observe a
// partially published tree. dir must be on the store's filesystem (use
// [Store.Stage]). Fails with [ErrAlreadyPublished] if the stage has a
// snapshot already.
func (s *Store) Publish(stage, dir string) (*Snapshot, error) {
	sum, err := TreeDigest(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: digest %s: %w", ErrStore, stage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[stage]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyPublished, stage)
	}

	dest := filepath.Join(s.root, stage)
	if err := os.Rename(dir, dest); err != nil {
		return nil, fmt.Errorf("%w: publish %s: %w", ErrStore, stage, err)
	}

	snap := &Snapshot{
		Stage:     stage,
		Root:      dest,
		Digest:    sum,
		Published: time.Now(),
	}
	s.entries[stage] = &entry{snap: snap}

	slog.Debug("snapshot published", "stage", stage, "digest", sum)
	return snap, nil
}

// Returns the snapshot of stage.
func (s *Store) Get(stage string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, stage)
	}
	return e.snap, nil
}

// Returns every live snapshot, ordered by stage name.
func (s *Store) List() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Adds n references to the snapshot of stage.
func (s *Store) Retain(stage string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, stage)
	}
	e.refs += n
	return nil
}

// Prevents the snapshot of stage from being disposed.
func (s *Store) Pin(stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, stage)
	}
	e.pinned = true
	return nil
}

// Drops one reference to the snapshot of stage, deleting the tree once no
// references remain and the snapshot is not pinned.
func (s *Store) Release(stage string) error {
	s.mu.Lock()
	e, ok := s.entries[stage]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, stage)
	}

	e.refs--
	if e.refs > 0 || e.pinned {
		s.mu.Unlock()
		return nil
	}

	delete(s.entries, stage)
	s.mu.Unlock()

	slog.Debug("snapshot disposed", "stage", stage)
	if err := os.RemoveAll(e.snap.Root); err != nil {
		return fmt.Errorf("%w: dispose %s: %w", ErrStore, stage, err)
	}
	return nil
}

// Removes the scratch directory and every unpinned snapshot.
func (s *Store) Prune() error {
	s.mu.Lock()
	var doomed []*Snapshot
	for name, e := range s.entries {
		if !e.pinned {
			doomed = append(doomed, e.snap)
			delete(s.entries, name)
		}
	}
	s.mu.Unlock()

	for _, snap := range doomed {
		if err := os.RemoveAll(snap.Root); err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
	}
	if err := os.RemoveAll(s.Scratch()); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// Removes the store root with every snapshot, pinned or not. The store must
// not be used afterwards.
func (s *Store) Destroy() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}
