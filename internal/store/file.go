package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/therepai/companion/internal/model"
)

const indexFile = "index.json"

// File stores each owner's threads under BaseDir/<owner>/ as one JSON file
// per thread plus an index.json listing {id, title} newest first. The index
// title is rewritten on every save so it always matches the thread.
type File struct {
	BaseDir string

	mu sync.Mutex
}

// NewFile creates a file backend rooted at baseDir.
func NewFile(baseDir string) (*File, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &File{BaseDir: baseDir}, nil
}

// Name returns the backend name.
func (f *File) Name() string {
	return "file"
}

// Load reads the owner's index and every thread it lists. Rows whose thread
// file is missing are stale and skipped. An undecodable index is rebuilt from
// the thread files; undecodable files are reported with ErrCorrupt.
func (f *File) Load(ctx context.Context, owner string) ([]*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, err := f.readIndex(owner)
	if errors.Is(err, ErrCorrupt) {
		threads, rebuildErr := f.rebuildIndex(owner)
		return threads, errors.Join(err, rebuildErr)
	}
	if err != nil {
		return nil, err
	}

	var errs []error
	threads := make([]*model.Thread, 0, len(index))
	for _, row := range index {
		t, err := f.readThread(owner, row.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		threads = append(threads, t)
	}
	return threads, errors.Join(errs...)
}

// Save writes the thread file, then updates its index row.
func (f *File) Save(ctx context.Context, thread *model.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.threadPath(thread.Owner, thread.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(thread, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write thread: %w", err)
	}

	index, err := f.readIndex(thread.Owner)
	if errors.Is(err, ErrCorrupt) {
		// The thread file is already written, so the rebuilt index has it.
		_, rebuildErr := f.rebuildIndex(thread.Owner)
		return errors.Join(err, rebuildErr)
	}
	if err != nil {
		return err
	}

	found := false
	for i := range index {
		if index[i].ID == thread.ID {
			index[i].Title = thread.Title
			found = true
			break
		}
	}
	if !found {
		index = append([]model.IndexEntry{thread.Entry()}, index...)
	}

	return f.writeIndex(thread.Owner, index)
}

// Delete removes the thread file and its index row.
func (f *File) Delete(ctx context.Context, owner, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.threadPath(owner, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove thread: %w", err)
	}

	index, err := f.readIndex(owner)
	if errors.Is(err, ErrCorrupt) {
		_, rebuildErr := f.rebuildIndex(owner)
		return errors.Join(err, rebuildErr)
	}
	if err != nil {
		return err
	}

	kept := index[:0]
	for _, row := range index {
		if row.ID != id {
			kept = append(kept, row)
		}
	}
	return f.writeIndex(owner, kept)
}

// Index returns the owner's index rows as stored on disk.
func (f *File) Index(owner string) ([]model.IndexEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readIndex(owner)
}

func (f *File) readIndex(owner string) ([]model.IndexEntry, error) {
	dir, err := f.ownerDir(owner)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var index []model.IndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: index for %s: %v", ErrCorrupt, owner, err)
	}
	return index, nil
}

// rebuildIndex recreates the owner's index from the thread files on disk,
// newest first, and returns the threads it could read.
func (f *File) rebuildIndex(owner string) ([]*model.Thread, error) {
	dir, err := f.ownerDir(owner)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread files: %w", err)
	}

	var errs []error
	var threads []*model.Thread
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || filepath.Ext(name) != ".json" {
			continue
		}
		t, err := f.readThread(owner, strings.TrimSuffix(name, ".json"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		threads = append(threads, t)
	}
	sortNewestFirst(threads)

	index := make([]model.IndexEntry, len(threads))
	for i, t := range threads {
		index[i] = t.Entry()
	}
	if err := f.writeIndex(owner, index); err != nil {
		errs = append(errs, err)
	}
	return threads, errors.Join(errs...)
}

func (f *File) writeIndex(owner string, index []model.IndexEntry) error {
	dir, err := f.ownerDir(owner)
	if err != nil {
		return err
	}
	if index == nil {
		index = []model.IndexEntry{}
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := AtomicWriteFile(filepath.Join(dir, indexFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

func (f *File) readThread(owner, id string) (*model.Thread, error) {
	path, err := f.threadPath(owner, id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var t model.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: thread %s: %v", ErrCorrupt, id, err)
	}
	return &t, nil
}

func (f *File) ownerDir(owner string) (string, error) {
	if err := checkName(owner); err != nil {
		return "", fmt.Errorf("invalid owner: %w", err)
	}
	return filepath.Join(f.BaseDir, owner), nil
}

func (f *File) threadPath(owner, id string) (string, error) {
	dir, err := f.ownerDir(owner)
	if err != nil {
		return "", err
	}
	if err := checkName(id); err != nil {
		return "", fmt.Errorf("invalid thread id: %w", err)
	}
	return filepath.Join(dir, id+".json"), nil
}

// checkName rejects values that could escape the data directory.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q is not a valid path segment", name)
	}
	return nil
}

// AtomicWriteFile writes data to a temp file in the same directory, syncs
// it, and renames it over path.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
