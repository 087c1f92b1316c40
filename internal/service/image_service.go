package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/imageproc"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/task"
)

const (
	imageURLPrefix  = "/api/ai/images"
	thumbnailPrefix = "thumb_"
	legacyCoverFile = "0.png"
	defaultSize     = "1024x1024"
	defaultQuality  = "standard"
	userTopicUnset  = "Not provided"
)

// ImageOptions tunes the generation loop.
type ImageOptions struct {
	// Concurrency above 1 generates content pages in parallel.
	Concurrency int
	// RateInterval is the minimum spacing between provider calls.
	RateInterval   time.Duration
	ReferenceMaxKB int
	ThumbnailMaxKB int
}

func (o ImageOptions) withDefaults() ImageOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.ReferenceMaxKB <= 0 {
		o.ReferenceMaxKB = 200
	}
	if o.ThumbnailMaxKB <= 0 {
		o.ThumbnailMaxKB = 50
	}
	return o
}

// GenerateInput starts a run over pages.
type GenerateInput struct {
	Pages       []outline.Page
	TaskID      string
	FullOutline string
	UserTopic   string
	UserImages  [][]byte
}

// RetryInput regenerates one page. FullOutline and UserTopic are used only
// when the task has no stored context.
type RetryInput struct {
	TaskID       string
	Page         outline.Page
	UseReference bool
	FullOutline  string
	UserTopic    string
}

// ImageService generates page images cover first and records the outcome
// of every page on the task.
type ImageService struct {
	gen     generator.ImageGenerator
	cfg     provider.Config
	tasks   *task.Store
	prompts *Prompts
	mirror  ObjectStore
	limiter *rate.Limiter
	opts    ImageOptions
}

func NewImageService(gen generator.ImageGenerator, cfg provider.Config, tasks *task.Store, prompts *Prompts, mirror ObjectStore, opts ImageOptions) *ImageService {
	opts = opts.withDefaults()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.RateInterval), 1)
	}
	return &ImageService{
		gen:     gen,
		cfg:     cfg,
		tasks:   tasks,
		prompts: prompts,
		mirror:  mirror,
		limiter: limiter,
		opts:    opts,
	}
}

// NewTaskID returns an id of the form task_xxxxxxxx.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ImageURL is the public path of a task asset.
func ImageURL(taskID, filename string) string {
	return path.Join(imageURLPrefix, taskID, filename)
}

// Generate claims the task and returns the event stream of the run. The
// stream can be ranged once; the claim is released when ranging ends, so
// callers must range it. A busy task is a conflict.
func (s *ImageService) Generate(ctx context.Context, in GenerateInput) (string, iter.Seq[model.ProgressEvent], error) {
	if len(in.Pages) == 0 {
		return "", nil, apperr.Invalidf("pages is required")
	}
	taskID := in.TaskID
	if taskID == "" {
		taskID = NewTaskID()
	}
	if !task.ValidID(taskID) {
		return "", nil, apperr.Invalidf("invalid task id %q", taskID)
	}

	t, _ := s.tasks.GetOrLoad(taskID)
	if !t.TryLock() {
		return "", nil, apperr.Conflictf("task %s is busy", taskID)
	}
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		t.Unlock()
		return "", nil, fmt.Errorf("failed to create task dir: %w", err)
	}

	refs := make([][]byte, 0, len(in.UserImages))
	for _, img := range in.UserImages {
		refs = append(refs, imageproc.Compress(img, s.opts.ReferenceMaxKB, imageproc.DefaultQuality))
	}
	t.Begin(in.Pages, in.FullOutline, in.UserTopic)
	s.tasks.Touch(t)

	slog.Info("starting image generation", "task_id", taskID, "pages", len(in.Pages), "provider", s.cfg.Name)

	var started atomic.Bool
	seq := func(yield func(model.ProgressEvent) bool) {
		if !started.CompareAndSwap(false, true) {
			return
		}
		defer t.Unlock()
		r := &run{svc: s, task: t, pages: in.Pages, userRefs: refs, yield: yield}
		r.execute(ctx)
	}
	return taskID, seq, nil
}

// run is the state of one pass over a task's pages.
type run struct {
	svc      *ImageService
	task     *task.Task
	pages    []outline.Page
	userRefs [][]byte

	yield   func(model.ProgressEvent) bool
	stopped bool

	mu     sync.Mutex
	images []string
}

func (r *run) emit(event string, data any) bool {
	if r.stopped {
		return false
	}
	if !r.yield(model.ProgressEvent{Event: event, Data: data}) {
		r.stopped = true
	}
	return !r.stopped
}

func (r *run) completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

func (r *run) execute(ctx context.Context) {
	t := r.task
	total := len(r.pages)
	coverIdx := outline.CoverIndex(r.pages)
	cover := r.pages[coverIdx]
	others := make([]outline.Page, 0, total-1)
	others = append(others, r.pages[:coverIdx]...)
	others = append(others, r.pages[coverIdx+1:]...)

	defer func() {
		if err := r.svc.tasks.Persist(t); err != nil {
			slog.Error("failed to persist task", "task_id", t.ID, "error", err)
		}
	}()

	r.transition(task.StateCoverPending)
	idx := cover.Index
	if !r.emit(model.EventProgress, model.ProgressData{
		Index:   &idx,
		Status:  model.PageStatusGenerating,
		Message: "Generating cover...",
		Current: 1,
		Total:   total,
		Phase:   model.PhaseCover,
	}) {
		return
	}

	if r.page(ctx, cover, r.userRefs, model.PhaseCover) {
		r.transition(task.StateCoverDone)
	} else {
		r.transition(task.StateCoverFailed)
	}
	if r.stopped {
		return
	}

	if len(others) > 0 {
		r.transition(task.StateContentPending)
		if !r.emit(model.EventProgress, model.ProgressData{
			Status:  model.PageStatusBatchStart,
			Message: fmt.Sprintf("Generating %d content pages...", len(others)),
			Current: r.completed(),
			Total:   total,
			Phase:   model.PhaseContent,
		}) {
			return
		}

		coverRef, _ := t.Cover()
		refs := r.userRefs
		if coverRef != nil {
			refs = append([][]byte{coverRef}, r.userRefs...)
		}

		if r.svc.opts.Concurrency > 1 {
			r.contentParallel(ctx, others, refs, total)
		} else {
			r.contentSequential(ctx, others, refs, total)
		}
		if r.stopped {
			return
		}
	}

	r.transition(task.StateFinished)
	failed := t.FailedIndices()
	r.mu.Lock()
	images := append([]string{}, r.images...)
	r.mu.Unlock()
	r.emit(model.EventFinish, model.FinishData{
		Success:       len(failed) == 0,
		TaskID:        t.ID,
		Images:        images,
		Total:         total,
		Completed:     len(images),
		Failed:        len(failed),
		FailedIndices: failed,
	})
	slog.Info("image generation finished", "task_id", t.ID, "completed", len(images), "failed", len(failed))
}

func (r *run) contentSequential(ctx context.Context, pages []outline.Page, refs [][]byte, total int) {
	for _, p := range pages {
		idx := p.Index
		if !r.emit(model.EventProgress, model.ProgressData{
			Index:   &idx,
			Status:  model.PageStatusGenerating,
			Current: r.completed() + 1,
			Total:   total,
			Phase:   model.PhaseContent,
		}) {
			return
		}
		r.page(ctx, p, refs, model.PhaseContent)
		if r.stopped {
			return
		}
	}
}

// contentParallel runs pages on a bounded pool. Only this goroutine calls
// yield; workers hand their events over a channel. Once the consumer stops,
// no new page is started and in-flight pages are still recorded.
func (r *run) contentParallel(ctx context.Context, pages []outline.Page, refs [][]byte, total int) {
	events := make(chan model.ProgressEvent)
	var halt atomic.Bool

	var g errgroup.Group
	g.SetLimit(r.svc.opts.Concurrency)

	go func() {
		defer close(events)
		for _, p := range pages {
			if halt.Load() {
				break
			}
			g.Go(func() error {
				if halt.Load() {
					return nil
				}
				idx := p.Index
				events <- model.ProgressEvent{Event: model.EventProgress, Data: model.ProgressData{
					Index:   &idx,
					Status:  model.PageStatusGenerating,
					Current: r.completed() + 1,
					Total:   total,
					Phase:   model.PhaseContent,
				}}
				ev := r.generate(ctx, p, refs, model.PhaseContent)
				events <- ev
				return nil
			})
		}
		_ = g.Wait()
	}()

	for ev := range events {
		if r.stopped {
			continue
		}
		if !r.yield(ev) {
			r.stopped = true
			halt.Store(true)
		}
	}
}

// page generates p and emits its outcome. It reports whether p succeeded.
func (r *run) page(ctx context.Context, p outline.Page, refs [][]byte, phase string) bool {
	ev := r.generate(ctx, p, refs, phase)
	r.emit(ev.Event, ev.Data)
	return ev.Event == model.EventComplete
}

// generate runs one page and records it on the task.
func (r *run) generate(ctx context.Context, p outline.Page, refs [][]byte, phase string) model.ProgressEvent {
	t := r.task
	fullOutline, userTopic := t.Context()
	filename, err := r.svc.generatePage(ctx, t, p, refs, fullOutline, userTopic)
	if err != nil {
		t.RecordFailure(p.Index, err.Error())
		return model.ProgressEvent{Event: model.EventError, Data: model.ErrorData{
			Index:     p.Index,
			Status:    model.PageStatusError,
			Message:   err.Error(),
			Retryable: true,
			Phase:     phase,
		}}
	}

	t.RecordSuccess(p.Index, filename)
	r.mu.Lock()
	r.images = append(r.images, filename)
	r.mu.Unlock()

	if phase == model.PhaseCover {
		data, err := os.ReadFile(filepath.Join(t.Dir, filename))
		if err != nil {
			slog.Warn("failed to read back cover", "task_id", t.ID, "error", err)
		} else {
			t.SetCover(imageproc.Compress(data, r.svc.opts.ReferenceMaxKB, imageproc.DefaultQuality), filename)
		}
	}

	return model.ProgressEvent{Event: model.EventComplete, Data: model.CompleteData{
		Index:    p.Index,
		Status:   model.PageStatusDone,
		ImageURL: ImageURL(t.ID, filename),
		Phase:    phase,
	}}
}

func (r *run) transition(to task.State) {
	if err := r.task.Transition(to); err != nil {
		slog.Warn("task state transition rejected", "task_id", r.task.ID, "error", err)
	}
}

// generatePage calls the provider for p and writes the image and its
// thumbnail into the task directory. It returns the image filename.
func (s *ImageService) generatePage(ctx context.Context, t *task.Task, p outline.Page, refs [][]byte, fullOutline, userTopic string) (string, error) {
	if userTopic == "" {
		userTopic = userTopicUnset
	}
	prompt, err := s.prompts.Render(PromptImage, map[string]any{
		"PageType":    string(p.Type),
		"PageContent": p.Content,
		"FullOutline": fullOutline,
		"UserTopic":   userTopic,
	})
	if err != nil {
		return "", err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", apperr.Provider("rate limiter", err)
	}

	slog.Debug("generating image", "task_id", t.ID, "index", p.Index, "type", p.Type)
	data, err := s.gen.Generate(ctx, generator.ImageRequest{
		Prompt:          prompt,
		Model:           s.cfg.Model,
		Size:            orDefault(s.cfg.DefaultSize, defaultSize),
		Quality:         orDefault(s.cfg.Quality, defaultQuality),
		Extra:           s.cfg.Extra,
		ReferenceImages: refs,
	})
	if err != nil {
		slog.Error("image generation failed", "task_id", t.ID, "index", p.Index, "error", truncate(err.Error(), 200))
		return "", err
	}
	if len(data) == 0 {
		return "", apperr.NoImageData("empty image")
	}

	filename := fmt.Sprintf("%d.%s", p.Index, imageExt(data))
	if err := s.save(ctx, t, filename, data); err != nil {
		return "", err
	}
	slog.Info("image generated", "task_id", t.ID, "index", p.Index, "file", filename)
	return filename, nil
}

func (s *ImageService) save(ctx context.Context, t *task.Task, filename string, data []byte) error {
	if err := os.WriteFile(filepath.Join(t.Dir, filename), data, 0o644); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	thumb := imageproc.Compress(data, s.opts.ThumbnailMaxKB, imageproc.DefaultQuality)
	if err := os.WriteFile(filepath.Join(t.Dir, thumbnailPrefix+filename), thumb, 0o644); err != nil {
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}

	if s.mirror != nil {
		key := path.Join("notes", t.ID, filename)
		if _, err := s.mirror.Upload(ctx, key, bytes.NewReader(data), http.DetectContentType(data)); err != nil {
			slog.Warn("failed to mirror image", "key", key, "error", err)
		}
	}
	return nil
}

// Retry regenerates a single page. A provider failure is reported in the
// result and leaves the task untouched.
func (s *ImageService) Retry(ctx context.Context, in RetryInput) (*model.RetryResult, error) {
	if !task.ValidID(in.TaskID) {
		return nil, apperr.Invalidf("invalid task id %q", in.TaskID)
	}

	t, resident := s.tasks.GetOrLoad(in.TaskID)
	if !t.TryLock() {
		return nil, apperr.Conflictf("task %s is busy", in.TaskID)
	}
	defer t.Unlock()

	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task dir: %w", err)
	}

	// Stored context wins; the caller's text only fills gaps and is kept
	// once the page succeeds.
	fullOutline, userTopic := t.Context()
	if fullOutline == "" {
		fullOutline = in.FullOutline
	}
	if userTopic == "" {
		userTopic = in.UserTopic
	}

	var refs [][]byte
	if in.UseReference {
		if ref := s.reference(t); ref != nil {
			refs = [][]byte{ref}
		}
	}

	slog.Info("retrying page", "task_id", t.ID, "index", in.Page.Index, "resident", resident, "reference", len(refs) > 0)
	filename, err := s.generatePage(ctx, t, in.Page, refs, fullOutline, userTopic)
	if err != nil {
		return &model.RetryResult{
			Success:   false,
			Index:     in.Page.Index,
			Error:     err.Error(),
			Retryable: true,
		}, nil
	}

	t.SetContext(fullOutline, userTopic)
	t.RecordSuccess(in.Page.Index, filename)
	if err := s.tasks.Persist(t); err != nil {
		slog.Error("failed to persist task", "task_id", t.ID, "error", err)
	}
	return &model.RetryResult{
		Success:  true,
		Index:    in.Page.Index,
		ImageURL: ImageURL(t.ID, filename),
	}, nil
}

// reference returns the compressed cover, loading it from disk when the
// task is not holding it.
func (s *ImageService) reference(t *task.Task) []byte {
	img, file := t.Cover()
	if img != nil {
		return img
	}
	candidates := []string{legacyCoverFile}
	if file != "" && file != legacyCoverFile {
		candidates = append([]string{file}, candidates...)
	}
	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(t.Dir, name))
		if err != nil {
			continue
		}
		ref := imageproc.Compress(data, s.opts.ReferenceMaxKB, imageproc.DefaultQuality)
		t.SetCover(ref, name)
		return ref
	}
	return nil
}

// ImagePath resolves an asset of a task on disk.
func (s *ImageService) ImagePath(taskID, filename string, thumbnail bool) (string, error) {
	return AssetPath(s.tasks, taskID, filename, thumbnail)
}

// AssetPath resolves filename inside the directory of taskID.
func AssetPath(tasks *task.Store, taskID, filename string, thumbnail bool) (string, error) {
	if !task.ValidID(taskID) {
		return "", apperr.Invalidf("invalid task id %q", taskID)
	}
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", apperr.Invalidf("invalid filename %q", filename)
	}
	if thumbnail {
		filename = thumbnailPrefix + filename
	}
	p := filepath.Join(tasks.Dir(taskID), filename)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFoundf("image %s/%s not found", taskID, filename)
		}
		return "", err
	}
	return p, nil
}

// TaskSnapshot returns the current state of a task, resident or on disk.
func TaskSnapshot(tasks *task.Store, taskID string) (*task.Snapshot, error) {
	if !task.ValidID(taskID) {
		return nil, apperr.Invalidf("invalid task id %q", taskID)
	}
	if t, ok := tasks.Get(taskID); ok {
		snap := t.Snapshot()
		return &snap, nil
	}
	snap, err := tasks.LoadSnapshot(taskID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.NotFoundf("task %s not found", taskID)
		}
		return nil, err
	}
	return snap, nil
}

func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
