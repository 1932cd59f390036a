package userpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const indexFile = "index.json"

// fileStore persists the user index and per-user storage-state blobs under a
// fixed data directory. Layout: one index.json holding the ordered user
// summaries, plus one state_<id>.json blob per known user.
//
// The index is rewritten wholesale after every session completes. The write
// is synchronous and not atomic; a crash mid-write can corrupt the index.
// Readers treat a corrupt index as empty, so the pool degrades to all-new
// users rather than failing.
type fileStore struct {
	dir string
}

// newFileStore creates the store, creating the data directory if needed.
func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("userpool: creating data directory: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *fileStore) statePath(id string) string {
	return filepath.Join(s.dir, "state_"+id+".json")
}

// readIndex loads the persisted index. A missing or unparseable index is
// treated as absent state and returns an empty slice, never an error.
func (s *fileStore) readIndex() []indexEntry {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil
	}
	return idx.Users
}

// writeIndex rewrites the whole index record.
func (s *fileStore) writeIndex(entries []indexEntry) error {
	data, err := json.MarshalIndent(index{Users: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("userpool: encoding index: %w", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0o644); err != nil {
		return fmt.Errorf("userpool: writing index: %w", err)
	}
	return nil
}

// readState loads a user's storage-state blob. Missing or unreadable blobs
// return nil, which callers treat as no saved state.
func (s *fileStore) readState(id string) []byte {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		return nil
	}
	return data
}

// writeState persists a user's storage-state blob.
func (s *fileStore) writeState(id string, state []byte) error {
	if err := os.WriteFile(s.statePath(id), state, 0o644); err != nil {
		return fmt.Errorf("userpool: writing state for %s: %w", id, err)
	}
	return nil
}

// deleteState removes a user's storage-state blob. Best effort: a missing
// blob is not an error, and callers ignore the result during eviction.
func (s *fileStore) deleteState(id string) {
	_ = os.Remove(s.statePath(id))
}

// index is the persisted index record.
type index struct {
	Users []indexEntry `json:"users"`
}
