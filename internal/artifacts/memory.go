package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
)

// MemoryStore keeps artifacts in memory for tests and dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	html        map[string][]byte
	screenshots map[string][]byte
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		html:        make(map[string][]byte),
		screenshots: make(map[string][]byte),
	}
}

// SaveHTML implements crawler.ArtifactStore.
func (s *MemoryStore) SaveHTML(_ context.Context, caseID string, html []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html[caseID] = append([]byte(nil), html...)
	return nil
}

// SaveScreenshot implements crawler.ArtifactStore.
func (s *MemoryStore) SaveScreenshot(_ context.Context, caseID string, png []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshots[caseID] = append([]byte(nil), png...)
	return nil
}

// LoadHTML implements crawler.ArtifactStore.
func (s *MemoryStore) LoadHTML(_ context.Context, caseID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.html[caseID]
	if !ok {
		return nil, fmt.Errorf("load html %s: %w", caseID, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Screenshot returns the stored screenshot for caseID.
func (s *MemoryStore) Screenshot(caseID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.screenshots[caseID]
	return data, ok
}

// MemoryMirror records mirrored objects by path.
type MemoryMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryMirror returns an empty MemoryMirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{objects: make(map[string][]byte)}
}

// PutObject implements Mirror.
func (m *MemoryMirror) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return "memory://" + path, nil
}

// Object returns the mirrored bytes at path.
func (m *MemoryMirror) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}
