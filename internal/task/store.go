package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/fsutil"
)

const snapshotFile = "task.json"

// Store keeps tasks resident for a sliding TTL. Evicted tasks are rebuilt
// from their task.json snapshot on next access, so resident state is a
// cache and the directory under baseDir is the durable record.
type Store struct {
	baseDir string
	cache   *cache.Cache
}

func NewStore(baseDir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{
		baseDir: baseDir,
		cache:   cache.New(ttl, 10*time.Minute),
	}
}

// Dir is the asset directory for taskID.
func (s *Store) Dir(taskID string) string {
	return filepath.Join(s.baseDir, taskID)
}

// Get returns a resident task and refreshes its TTL.
func (s *Store) Get(taskID string) (*Task, bool) {
	x, ok := s.cache.Get(taskID)
	if !ok {
		return nil, false
	}
	t := x.(*Task)
	s.cache.SetDefault(taskID, t)
	return t, true
}

// GetOrLoad returns the resident task, or builds one from the on-disk
// snapshot, or a fresh empty task. The bool reports whether the task was
// already resident.
func (s *Store) GetOrLoad(taskID string) (*Task, bool) {
	if t, ok := s.Get(taskID); ok {
		return t, true
	}

	t := newTask(taskID, s.Dir(taskID))
	if snap, err := s.LoadSnapshot(taskID); err == nil {
		t.restore(snap)
	}
	if err := s.cache.Add(taskID, t, cache.DefaultExpiration); err != nil {
		// Lost a race with another caller; use theirs.
		if x, ok := s.cache.Get(taskID); ok {
			return x.(*Task), true
		}
		s.cache.SetDefault(taskID, t)
	}
	return t, false
}

// Touch refreshes the TTL of t.
func (s *Store) Touch(t *Task) {
	s.cache.SetDefault(t.ID, t)
}

// Persist writes the task snapshot next to its assets.
func (s *Store) Persist(t *Task) error {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(t.Dir, snapshotFile), data, 0o644)
}

// LoadSnapshot reads task.json for taskID.
func (s *Store) LoadSnapshot(taskID string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(taskID), snapshotFile))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt task snapshot %s: %w", taskID, err)
	}
	if snap.Generated == nil {
		snap.Generated = map[int]string{}
	}
	if snap.Failed == nil {
		snap.Failed = map[int]string{}
	}
	return &snap, nil
}

// Remove drops taskID from the cache and deletes its directory.
func (s *Store) Remove(taskID string) error {
	if !ValidID(taskID) {
		return apperr.Invalidf("invalid task id %q", taskID)
	}
	s.cache.Delete(taskID)
	err := os.RemoveAll(s.Dir(taskID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Len reports the number of resident tasks.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}
