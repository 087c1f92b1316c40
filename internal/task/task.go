package task

import (
	"sort"
	"sync"
	"time"

	"github.com/makeanote/api/internal/outline"
)

// Task is the in-memory state of one generation task. Field access goes
// through methods; the run lock is separate from the data lock so readers
// are never blocked by a long provider call.
type Task struct {
	ID  string
	Dir string

	run sync.Mutex

	mu          sync.RWMutex
	state       State
	pages       []outline.Page
	generated   map[int]string
	failed      map[int]string
	order       []int
	coverImage  []byte
	coverFile   string
	fullOutline string
	userTopic   string
	updatedAt   time.Time
}

// Snapshot is the serializable view of a task. It is also what gets
// written to task.json.
type Snapshot struct {
	TaskID      string         `json:"task_id"`
	State       State          `json:"state"`
	Pages       []outline.Page `json:"pages"`
	Generated   map[int]string `json:"generated"`
	Failed      map[int]string `json:"failed"`
	Order       []int          `json:"order"`
	CoverFile   string         `json:"cover_file,omitempty"`
	FullOutline string         `json:"full_outline,omitempty"`
	UserTopic   string         `json:"user_topic,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func newTask(id, dir string) *Task {
	return &Task{
		ID:        id,
		Dir:       dir,
		state:     StateInit,
		generated: make(map[int]string),
		failed:    make(map[int]string),
		updatedAt: time.Now(),
	}
}

// TryLock claims the task for a run or a retry.
func (t *Task) TryLock() bool { return t.run.TryLock() }

// Unlock releases a claim taken with TryLock.
func (t *Task) Unlock() { t.run.Unlock() }

// Begin resets the task for a fresh run over pages.
func (t *Task) Begin(pages []outline.Page, fullOutline, userTopic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateInit
	t.pages = append([]outline.Page(nil), pages...)
	t.generated = make(map[int]string)
	t.failed = make(map[int]string)
	t.order = nil
	t.coverImage = nil
	t.coverFile = ""
	t.fullOutline = fullOutline
	t.userTopic = userTopic
	t.updatedAt = time.Now()
}

// Transition moves the task from its current state to to.
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isAllowedTransition(t.state, to) {
		return transitionError(t.ID, t.state, to)
	}
	t.state = to
	t.updatedAt = time.Now()
	return nil
}

func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// RecordSuccess marks index as generated and clears any failure for it.
func (t *Task) RecordSuccess(index int, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, index)
	t.generated[index] = filename
	t.order = append(t.order, index)
	t.updatedAt = time.Now()
}

// RecordFailure marks index as failed and drops it from generated.
func (t *Task) RecordFailure(index int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.generated, index)
	t.failed[index] = msg
	t.updatedAt = time.Now()
}

// SetCover keeps the compressed cover for later pages.
func (t *Task) SetCover(image []byte, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coverImage = image
	t.coverFile = filename
}

// Cover returns the reference image and the file it came from.
func (t *Task) Cover() ([]byte, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.coverImage, t.coverFile
}

// Context returns the outline and topic shared by every page prompt.
func (t *Task) Context() (fullOutline, userTopic string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fullOutline, t.userTopic
}

// SetContext fills outline and topic when they are still empty.
func (t *Task) SetContext(fullOutline, userTopic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fullOutline == "" {
		t.fullOutline = fullOutline
	}
	if t.userTopic == "" {
		t.userTopic = userTopic
	}
}

// FailedIndices returns the failed page indices in ascending order.
func (t *Task) FailedIndices() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.failed))
	for i := range t.failed {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		TaskID:      t.ID,
		State:       t.state,
		Pages:       append([]outline.Page(nil), t.pages...),
		Generated:   make(map[int]string, len(t.generated)),
		Failed:      make(map[int]string, len(t.failed)),
		Order:       append([]int(nil), t.order...),
		CoverFile:   t.coverFile,
		FullOutline: t.fullOutline,
		UserTopic:   t.userTopic,
		UpdatedAt:   t.updatedAt,
	}
	for k, v := range t.generated {
		s.Generated[k] = v
	}
	for k, v := range t.failed {
		s.Failed[k] = v
	}
	return s
}

func (t *Task) restore(s *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s.State
	if t.state == "" {
		t.state = StateInit
	}
	t.pages = s.Pages
	for k, v := range s.Generated {
		t.generated[k] = v
	}
	for k, v := range s.Failed {
		if _, ok := t.generated[k]; !ok {
			t.failed[k] = v
		}
	}
	t.order = s.Order
	t.coverFile = s.CoverFile
	t.fullOutline = s.FullOutline
	t.userTopic = s.UserTopic
	t.updatedAt = s.UpdatedAt
}
