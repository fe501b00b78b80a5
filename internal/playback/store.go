package playback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the persistence abstraction for session records.
// Implementations can be in-memory or file-backed; the Tracker uses Store for
// all reads and writes. Load reports ok=false for an unknown id without an
// error, so callers can treat "no prior session" as a normal condition.
type Store interface {
	Load(id string) (*Session, bool, error)
	Save(s *Session) error
	Delete(id string) error
	Count() (int, error)
}

// MemoryStore is an in-memory implementation of Store, used in tests and as
// a fallback when no durable directory is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Load implements Store.Load.
func (m *MemoryStore) Load(id string) (*Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s.Clone(), ok, nil
}

// Save implements Store.Save.
func (m *MemoryStore) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Delete implements Store.Delete. Deleting an unknown id is a no-op.
func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Count implements Store.Count.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// FileStore persists one JSON file per session under a directory. Writes go
// to a temp file in the same directory followed by a rename, so a crash mid
// write never leaves a torn record behind; readers see either the old or the
// new snapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a session id to a filename via a digest, so arbitrary device
// identifiers never reach the filesystem as path components.
func (f *FileStore) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".json")
}

// Load implements Store.Load.
func (f *FileStore) Load(id string) (*Session, bool, error) {
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session %s: %w", f.path(id), err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", f.path(id), err)
	}
	return &s, true, nil
}

// Save implements Store.Save.
func (f *FileStore) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	target := f.path(s.ID)
	tmp, err := os.CreateTemp(f.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session %s: %w", s.ID, err)
	}
	return nil
}

// Delete implements Store.Delete. Deleting an unknown id is a no-op.
func (f *FileStore) Delete(id string) error {
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Count implements Store.Count.
func (f *FileStore) Count() (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("list session dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
