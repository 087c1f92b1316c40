// Package history keeps the index of generated notes. The whole index is one
// document; listing, filtering and sorting happen in memory.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/fsutil"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/task"
)

const (
	StatusDraft      = "draft"
	StatusGenerating = "generating"
	StatusDone       = "done"
	StatusError      = "error"
	StatusRetrying   = "retrying"

	statusUnknown   = "unknown"
	defaultPageSize = 20
	maxPageSize     = 100
)

type Outline struct {
	Raw   string         `json:"raw"`
	Pages []outline.Page `json:"pages"`
}

type Images struct {
	TaskID    string   `json:"task_id" validate:"omitempty,max=64,excludesall=./\\"`
	Generated []string `json:"generated"`
}

type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status"`
	Outline   Outline   `json:"outline"`
	Images    Images    `json:"images"`
	Thumbnail *string   `json:"thumbnail"`
	PageCount int       `json:"page_count"`
}

// Index is the persisted document.
type Index struct {
	Records []Record `json:"records"`
}

// Backend loads and stores the index document.
type Backend interface {
	Load(ctx context.Context) (*Index, error)
	Save(ctx context.Context, idx *Index) error
}

// FileBackend stores the index as a JSON file.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(ctx context.Context) (*Index, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("corrupt history index: %w", err)
	}
	return &idx, nil
}

func (b *FileBackend) Save(ctx context.Context, idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.path, data, 0o644)
}

// RedisBackend stores the index under a single key.
type RedisBackend struct {
	rdb *redis.Client
	key string
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb, key: "history:index"}
}

func (b *RedisBackend) Load(ctx context.Context) (*Index, error) {
	data, err := b.rdb.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("corrupt history index: %w", err)
	}
	return &idx, nil
}

func (b *RedisBackend) Save(ctx context.Context, idx *Index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.key, data, 0).Err()
}

// CreateInput is what a caller supplies for a new record.
type CreateInput struct {
	Topic   string
	Outline Outline
	TaskID  string
}

// Patch updates only the non-nil fields.
type Patch struct {
	Outline   *Outline
	Images    *Images
	Status    *string
	Thumbnail *string
}

type ListOptions struct {
	Page     int
	PageSize int
	Status   string
}

type ListResult struct {
	Records    []Record `json:"records"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Store serializes read-modify-write cycles on the index.
type Store struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time
	// onDelete is called with the task id of a deleted record.
	onDelete func(taskID string) error
}

func NewStore(backend Backend, onDelete func(taskID string) error) *Store {
	return &Store{backend: backend, now: time.Now, onDelete: onDelete}
}

func (s *Store) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return nil, apperr.Invalidf("topic is required")
	}
	if err := checkTaskID(in.TaskID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec := Record{
		ID:        uuid.NewString()[:8],
		Title:     in.Topic,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusDraft,
		Outline:   in.Outline,
		Images:    Images{TaskID: in.TaskID, Generated: []string{}},
		PageCount: len(in.Outline.Pages),
	}
	idx.Records = append(idx.Records, rec)
	if err := s.backend.Save(ctx, idx); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	i := find(idx, id)
	if i < 0 {
		return nil, apperr.NotFoundf("record %s not found", id)
	}
	rec := idx.Records[i]
	return &rec, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (*Record, error) {
	if p.Images != nil {
		if err := checkTaskID(p.Images.TaskID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	i := find(idx, id)
	if i < 0 {
		return nil, apperr.NotFoundf("record %s not found", id)
	}

	rec := &idx.Records[i]
	if p.Outline != nil {
		rec.Outline = *p.Outline
		rec.PageCount = len(p.Outline.Pages)
	}
	if p.Images != nil {
		rec.Images = *p.Images
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Thumbnail != nil {
		thumb := *p.Thumbnail
		rec.Thumbnail = &thumb
	}
	rec.UpdatedAt = s.now()

	if err := s.backend.Save(ctx, idx); err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// Delete removes the record and, through onDelete, its task assets.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	i := find(idx, id)
	if i < 0 {
		return apperr.NotFoundf("record %s not found", id)
	}
	rec := idx.Records[i]
	idx.Records = append(idx.Records[:i], idx.Records[i+1:]...)
	if err := s.backend.Save(ctx, idx); err != nil {
		return err
	}

	if rec.Images.TaskID != "" && s.onDelete != nil {
		if err := s.onDelete(rec.Images.TaskID); err != nil {
			return fmt.Errorf("remove task %s: %w", rec.Images.TaskID, err)
		}
	}
	return nil
}

// List returns one page of records, newest update first.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	s.mu.Lock()
	idx, err := s.backend.Load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}
	opts.PageSize = min(opts.PageSize, maxPageSize)

	records := make([]Record, 0, len(idx.Records))
	for _, r := range idx.Records {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	total := len(records)
	page := []Record{}
	// Compare before multiplying so a huge page number cannot overflow.
	if opts.Page-1 <= total/opts.PageSize {
		start := (opts.Page - 1) * opts.PageSize
		if start < total {
			page = records[start:min(start+opts.PageSize, total)]
		}
	}

	return &ListResult{
		Records:    page,
		Total:      total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(opts.PageSize))),
	}, nil
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	idx, err := s.backend.Load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	st := &Stats{Total: len(idx.Records), ByStatus: map[string]int{}}
	for _, r := range idx.Records {
		status := r.Status
		if status == "" {
			status = statusUnknown
		}
		st.ByStatus[status]++
	}
	return st, nil
}

// checkTaskID accepts an empty id; a set one names a directory on disk.
func checkTaskID(id string) error {
	if id != "" && !task.ValidID(id) {
		return apperr.Invalidf("invalid task_id %q", id)
	}
	return nil
}

func find(idx *Index, id string) int {
	for i, r := range idx.Records {
		if r.ID == id {
			return i
		}
	}
	return -1
}
