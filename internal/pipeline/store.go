package pipeline

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

// Store persists run records as a JSON array, one file for all runs.
// Appends from concurrent runs are serialized by a mutex; records are never
// mutated after they are written.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the file at path. The file is created
// on first append.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Append adds a run record to the store.
func (s *Store) Append(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readLocked()
	if err != nil {
		return err
	}
	runs = append(runs, *run)

	raw, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Runs returns all persisted run records.
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() ([]Run, error) {
	raw, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []Run
	if err := json.Unmarshal(raw, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
