package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// Version is bumped when the snapshot schema changes shape.
const Version = 1

// Snapshot is the full persisted state: quota windows and the deferred
// queue travel together so a crash can never split them.
type Snapshot struct {
	Quota    map[string]domain.QuotaState `json:"quota"`
	Deferred []domain.DeferredItem        `json:"deferred"`
	Version  int                          `json:"version"`
}

// Store reads and writes the state file. Writes stage to a temp file and
// rename; a file lock keeps concurrent processes off each other.
type Store struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

func NewStore(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Load returns the persisted snapshot, or an empty one when the file does
// not exist yet.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Snapshot{Quota: map[string]domain.QuotaState{}, Version: Version}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if snap.Quota == nil {
		snap.Quota = map[string]domain.QuotaState{}
	}
	return &snap, nil
}

// Save persists the snapshot atomically under the file lock.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = Version
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("state file lock: %w", err)
	}
	defer s.lock.Unlock()

	return atomic.WriteFile(s.path, bytes.NewReader(data))
}
