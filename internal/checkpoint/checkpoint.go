// Package checkpoint persists the resume point of a paused run.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Checkpoint is written when a PAUSE step stops a run. Resuming starts at
// Phase/Step of Cycle, in a new conversation primed with State.
type Checkpoint struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	WorkflowPath string            `json:"workflow_path"`
	WorkflowName string            `json:"workflow_name"`
	Mode         string            `json:"mode"`
	Cycle        int               `json:"cycle"`
	Cycles       int               `json:"cycles"`
	Phase        int               `json:"phase"`
	Step         int               `json:"step"`
	PhaseName    string            `json:"phase_name"`
	Message      string            `json:"message"`
	State        map[string]string `json:"state,omitempty"` // RUN-STATE values at the pause
	Completed    int               `json:"cycles_completed"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Store keeps checkpoints as one JSON file each.
type Store struct {
	dir         string
	checkpoints map[string]*Checkpoint
	mu          sync.RWMutex
}

// NewStore creates a new checkpoint store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{
		dir:         dir,
		checkpoints: make(map[string]*Checkpoint),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Save writes cp, assigning an ID from the run ID when it has none.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.ID == "" {
		if cp.RunID == "" {
			return fmt.Errorf("checkpoint requires an ID or a run ID")
		}
		cp.ID = cp.RunID
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	return s.flush(cp.ID)
}

// Get retrieves a checkpoint by ID, reading it from disk if needed.
func (s *Store) Get(id string) (*Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.checkpoints[id]
	s.mu.RUnlock()
	if ok {
		return cp, nil
	}
	cp, err := LoadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.checkpoints[id] = cp
	s.mu.Unlock()
	return cp, nil
}

// Resolve accepts a checkpoint ID or a path to a checkpoint file.
func (s *Store) Resolve(ref string) (*Checkpoint, error) {
	if strings.HasSuffix(ref, ".json") || strings.ContainsRune(ref, filepath.Separator) {
		return LoadFile(ref)
	}
	return s.Get(ref)
}

// Delete removes a checkpoint once its run has resumed.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every checkpoint on disk, newest first.
func (s *Store) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		cp, err := LoadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// flush writes a checkpoint to disk. Caller holds mu.
func (s *Store) flush(id string) error {
	data, err := json.MarshalIndent(s.checkpoints[id], "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(id), data, 0644)
}

// LoadFile reads one checkpoint file.
func LoadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}
