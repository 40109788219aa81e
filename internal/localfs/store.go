// Package localfs implements fileadapter.FileStore over the plain OS
// filesystem — the concrete "LocalFile" sync provider, and the simplest of
// the generic uploadFile/downloadFile/listFiles/remove back-ends.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/tonimelisma/synccore/internal/fileadapter"
)

// Store is a fileadapter.FileStore rooted at a directory on local disk.
// Conditional writes are honored via the file's modification time: the rev
// string this store hands out and accepts back is the file's mtime encoded
// as nanoseconds since epoch, which is the only stable "ETag" a plain
// filesystem gives us.
type Store struct {
	root string

	mu       sync.Mutex
	mkdirOne map[string]bool
}

// New creates a Store rooted at root. root is created on first EnsureDir
// call, not here.
func New(root string) *Store {
	return &Store{root: root, mkdirOne: make(map[string]bool)}
}

// SupportsConditionalWrites implements the adapter's optional capability
// probe: mtime-based revs are honored exactly, so this store always returns
// true — it never needs the syncVersion fallback path.
func (s *Store) SupportsConditionalWrites() bool { return true }

func (s *Store) IsReady(ctx context.Context) (bool, error) {
	if s.root == "" {
		return false, nil
	}

	return true, nil
}

func (s *Store) resolve(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// revOf encodes a file's mtime as the store's rev string.
func revOf(info fs.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

func (s *Store) DownloadFile(ctx context.Context, path string) (rev string, data []byte, err error) {
	full := s.resolve(path)

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fileadapter.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("localfs: stat %s: %w", path, err)
	}

	data, err = os.ReadFile(full)
	if err != nil {
		return "", nil, fmt.Errorf("localfs: read %s: %w", path, err)
	}

	return revOf(info), data, nil
}

// UploadFile writes data to path via a temp-file-then-rename so a reader
// never observes a partial write.
func (s *Store) UploadFile(ctx context.Context, path string, data []byte, expectedRev string, forceOverwrite bool) (string, error) {
	full := s.resolve(path)

	if !forceOverwrite && expectedRev != "" {
		info, err := os.Stat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return "", fileadapter.ErrPreconditionFailed
		case err != nil:
			return "", fmt.Errorf("localfs: stat %s before conditional write: %w", path, err)
		case revOf(info) != expectedRev:
			return "", fileadapter.ErrPreconditionFailed
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("localfs: creating parent dir for %s: %w", path, err)
	}

	tmp := full + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("localfs: writing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)

		return "", fmt.Errorf("localfs: renaming temp file into place for %s: %w", path, err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("localfs: stat %s after write: %w", path, err)
	}

	return revOf(info), nil
}

func (s *Store) Remove(ctx context.Context, path string, expectedRev string) error {
	full := s.resolve(path)

	if expectedRev != "" {
		info, err := os.Stat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return fmt.Errorf("localfs: stat %s before conditional remove: %w", path, err)
		case revOf(info) != expectedRev:
			return fileadapter.ErrPreconditionFailed
		}
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localfs: removing %s: %w", path, err)
	}

	return nil
}

func (s *Store) ListFiles(ctx context.Context, path string) ([]string, error) {
	full := s.resolve(path)

	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: listing %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// EnsureDir creates path and its parents, coalescing repeat calls for the
// same path within this Store's lifetime the way fileadapter.Adapter
// coalesces MKCOL calls with singleflight for remote providers — here a
// simple guarded map is enough since os.MkdirAll is already idempotent and
// cheap.
func (s *Store) EnsureDir(ctx context.Context, path string) error {
	full := s.resolve(path)

	s.mu.Lock()
	if s.mkdirOne[full] {
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("localfs: creating dir %s: %w", path, err)
	}

	s.mu.Lock()
	s.mkdirOne[full] = true
	s.mu.Unlock()

	return nil
}
