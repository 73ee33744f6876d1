// Package dataset loads dataset folders into immutable, indexed snapshots and
// manages which folder is active.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrBadFolder is returned when a dataset folder does not exist or is not a valid name.
	ErrBadFolder = errors.New("dataset folder does not exist")

	// ErrMissingRequiredFile is returned when transactions_dataset.json is absent.
	ErrMissingRequiredFile = errors.New("dataset folder is missing transactions_dataset.json")
)

// Store owns the active dataset snapshot.
type Store struct {
	root string

	mu     sync.RWMutex
	folder string
	snap   *Snapshot

	// serializes loads so concurrent first reads parse files once
	loadMu sync.Mutex
}

// Info describes the active dataset.
type Info struct {
	Folder             string   `json:"dataset_folder"`
	Path               string   `json:"dataset_path"`
	Exists             bool     `json:"exists"`
	RequiredFileExists bool     `json:"required_file_exists"`
	Available          []string `json:"available_datasets"`
}

// NewStore creates a store reading <root>/dataset/<folder>. Nothing is loaded
// until the first Snapshot call.
func NewStore(root, folder string) *Store {
	return &Store{root: root, folder: folder}
}

func (s *Store) datasetsDir() string {
	return filepath.Join(s.root, "dataset")
}

func (s *Store) pathOf(folder string) string {
	return filepath.Join(s.datasetsDir(), folder)
}

// Folder returns the active folder name.
func (s *Store) Folder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.folder
}

// Snapshot returns the active snapshot, loading it on first use.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	snap, folder := s.snap, s.folder
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	// another caller may have loaded while we waited
	s.mu.RLock()
	snap, folder = s.snap, s.folder
	s.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	snap, err := load(ctx, folder, s.pathOf(folder))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.folder != folder {
		// switched while loading; the caller still gets a consistent view
		return snap, nil
	}
	s.snap = snap
	slog.Info("dataset loaded",
		"dataset", folder,
		"transactions", len(snap.Transactions),
		"users", len(snap.Users),
		"locations", len(snap.Locations),
		"sms", len(snap.SMS),
		"emails", len(snap.Emails),
	)
	return snap, nil
}

// ClearCache drops the cached snapshot; the next read reloads from disk.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
}

// Reload clears the cache and loads the active folder eagerly.
func (s *Store) Reload(ctx context.Context) (Counts, error) {
	s.ClearCache()
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Counts{}, err
	}
	return snap.Counts(), nil
}

// SwitchDataset validates and loads folder, then atomically makes it active.
// On any failure the previous dataset stays active.
func (s *Store) SwitchDataset(ctx context.Context, folder string) (previous string, counts Counts, err error) {
	if err := s.validate(folder); err != nil {
		return "", Counts{}, err
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	snap, err := load(ctx, folder, s.pathOf(folder))
	if err != nil {
		return "", Counts{}, err
	}

	s.mu.Lock()
	previous = s.folder
	s.folder = folder
	s.snap = snap
	s.mu.Unlock()

	slog.Info("dataset switched", "previous_dataset", previous, "dataset", folder)
	return previous, snap.Counts(), nil
}

func (s *Store) validate(folder string) error {
	if folder == "" || folder == "." || folder == ".." || strings.ContainsAny(folder, `/\`) {
		return fmt.Errorf("%w: %q", ErrBadFolder, folder)
	}
	path := s.pathOf(folder)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrBadFolder, path)
	}
	if _, err := os.Stat(filepath.Join(path, TransactionsFile)); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingRequiredFile, path)
	}
	return nil
}

// Current reports the active folder and the datasets available under the root.
func (s *Store) Current() Info {
	folder := s.Folder()
	path := s.pathOf(folder)

	info := Info{Folder: folder, Path: path, Available: []string{}}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		info.Exists = true
	}
	if _, err := os.Stat(filepath.Join(path, TransactionsFile)); err == nil {
		info.RequiredFileExists = true
	}

	entries, err := os.ReadDir(s.datasetsDir())
	if err != nil {
		return info
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.datasetsDir(), e.Name(), TransactionsFile)); err == nil {
			info.Available = append(info.Available, e.Name())
		}
	}
	sort.Strings(info.Available)
	return info
}
