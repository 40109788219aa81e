// Package providertest provides in-memory fakes of the two adapter
// back-ends (file store and op-sync server) shared across package tests and
// the top-level end-to-end suite: shared test environment helpers usable
// from tests that cannot reach into internal/ implementation details
// directly.
package providertest

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/tonimelisma/synccore/internal/fileadapter"
)

// ErrPreconditionFailed and ErrNotFound are re-exported aliases of
// internal/fileadapter's own sentinels: MemoryFileStore implements
// fileadapter.FileStore directly, and its retry/conflict logic uses
// errors.Is against those exact sentinel values, so a fake that raised its
// own distinct errors would silently break the retry path it's meant to
// exercise.
var (
	ErrPreconditionFailed = fileadapter.ErrPreconditionFailed
	ErrNotFound           = fileadapter.ErrNotFound
)

// MemoryFileStore is an in-memory fileadapter.FileStore fake: one shared
// map of path -> (revision, data), safe for concurrent use by multiple
// simulated clients in the same test.
type MemoryFileStore struct {
	mu   sync.Mutex
	rev  int
	data map[string][]byte
	revs map[string]string
	dirs map[string]bool

	conditionalWrites bool
}

// NewMemoryFileStore creates an empty MemoryFileStore with conditional
// writes enabled (the common case; call DisableConditionalWrites to
// exercise the syncVersion-fallback path).
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{
		data:              map[string][]byte{},
		revs:              map[string]string{},
		dirs:              map[string]bool{},
		conditionalWrites: true,
	}
}

// DisableConditionalWrites makes SupportsConditionalWrites report false, for
// tests of the adapter's syncVersion-based fallback.
func (m *MemoryFileStore) DisableConditionalWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conditionalWrites = false
}

func (m *MemoryFileStore) IsReady(ctx context.Context) (bool, error) { return true, nil }

func (m *MemoryFileStore) SupportsConditionalWrites() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conditionalWrites
}

func (m *MemoryFileStore) UploadFile(ctx context.Context, path string, data []byte, expectedRev string, forceOverwrite bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !forceOverwrite && expectedRev != "" && m.revs[path] != expectedRev {
		return "", ErrPreconditionFailed
	}

	m.rev++
	rev := strconv.Itoa(m.rev)
	m.data[path] = append([]byte(nil), data...)
	m.revs[path] = rev

	return rev, nil
}

func (m *MemoryFileStore) DownloadFile(ctx context.Context, path string) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[path]
	if !ok {
		return "", nil, ErrNotFound
	}

	return m.revs[path], append([]byte(nil), data...), nil
}

func (m *MemoryFileStore) Remove(ctx context.Context, path string, expectedRev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedRev != "" && m.revs[path] != expectedRev {
		return ErrPreconditionFailed
	}

	delete(m.data, path)
	delete(m.revs, path)

	return nil
}

func (m *MemoryFileStore) ListFiles(ctx context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string

	for p := range m.data {
		if strings.HasPrefix(p, path) {
			out = append(out, p)
		}
	}

	return out, nil
}

func (m *MemoryFileStore) EnsureDir(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirs[path] = true

	return nil
}
