package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/task"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeImageGen fails any page whose content appears in failOn.
type fakeImageGen struct {
	data   []byte
	failOn map[string]bool

	mu    sync.Mutex
	calls []generator.ImageRequest
	block chan struct{}
}

func (f *fakeImageGen) Generate(ctx context.Context, req generator.ImageRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	for content := range f.failOn {
		if strings.Contains(req.Prompt, "Content: "+content+"\n") {
			return nil, apperr.Providerf("image API error (status 500): boom")
		}
	}
	return f.data, nil
}

func (f *fakeImageGen) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Prompt)
	}
	return out
}

func newTestImageService(t *testing.T, gen generator.ImageGenerator, opts ImageOptions) (*ImageService, *task.Store) {
	t.Helper()
	store := task.NewStore(t.TempDir(), time.Hour)
	cfg := provider.Config{Name: "fake", Model: "img-model", Extra: map[string]any{"style": "vivid"}}
	return NewImageService(gen, cfg, store, NewPrompts(""), nil, opts), store
}

func collect(t *testing.T, seq func(func(model.ProgressEvent) bool)) []model.ProgressEvent {
	t.Helper()
	var events []model.ProgressEvent
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func threePages() []outline.Page {
	return []outline.Page{
		{Index: 0, Type: outline.PageCover, Content: "cover text"},
		{Index: 1, Type: outline.PageContent, Content: "middle text"},
		{Index: 2, Type: outline.PageSummary, Content: "summary text"},
	}
}

func TestGenerate_PartialFailure(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t), failOn: map[string]bool{"middle text": true}}
	svc, store := newTestImageService(t, gen, ImageOptions{})

	taskID, seq, err := svc.Generate(context.Background(), GenerateInput{
		Pages:       threePages(),
		TaskID:      "task_b",
		FullOutline: "the outline",
		UserTopic:   "the topic",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if taskID != "task_b" {
		t.Fatalf("task id = %q", taskID)
	}

	events := collect(t, seq)
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	want := []string{"progress", "complete", "progress", "progress", "error", "progress", "complete", "finish"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", kinds, want)
	}

	cover := events[0].Data.(model.ProgressData)
	if cover.Phase != model.PhaseCover || cover.Current != 1 || cover.Total != 3 || *cover.Index != 0 {
		t.Errorf("cover progress = %+v", cover)
	}
	done := events[1].Data.(model.CompleteData)
	if done.ImageURL != "/api/ai/images/task_b/0.png" {
		t.Errorf("image_url = %q", done.ImageURL)
	}
	batch := events[2].Data.(model.ProgressData)
	if batch.Status != model.PageStatusBatchStart || batch.Current != 1 || batch.Index != nil {
		t.Errorf("batch_start = %+v", batch)
	}
	failed := events[4].Data.(model.ErrorData)
	if failed.Index != 1 || !failed.Retryable || failed.Phase != model.PhaseContent {
		t.Errorf("error = %+v", failed)
	}

	finish := events[7].Data.(model.FinishData)
	if finish.Success || finish.Completed != 2 || finish.Failed != 1 || finish.Total != 3 {
		t.Errorf("finish = %+v", finish)
	}
	if len(finish.FailedIndices) != 1 || finish.FailedIndices[0] != 1 {
		t.Errorf("failed_indices = %v", finish.FailedIndices)
	}

	snap, err := store.LoadSnapshot("task_b")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != task.StateFinished {
		t.Errorf("state = %s", snap.State)
	}
	for idx := range snap.Generated {
		if _, ok := snap.Failed[idx]; ok {
			t.Errorf("index %d both generated and failed", idx)
		}
	}
	for _, name := range []string{"0.png", "thumb_0.png", "2.png", "thumb_2.png"} {
		if _, err := os.Stat(filepath.Join(store.Dir("task_b"), name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	prompts := gen.prompts()
	for _, p := range prompts {
		if !strings.Contains(p, "the outline") || !strings.Contains(p, "the topic") {
			t.Errorf("prompt missing shared context: %q", p)
		}
	}
}

func TestGenerate_CoverFirst(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, _ := newTestImageService(t, gen, ImageOptions{})

	pages := []outline.Page{
		{Index: 0, Type: outline.PageContent, Content: "first"},
		{Index: 1, Type: outline.PageCover, Content: "the cover"},
		{Index: 2, Type: outline.PageContent, Content: "third"},
	}
	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: pages})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, seq)

	prompts := gen.prompts()
	order := []string{"the cover", "first", "third"}
	for i, content := range order {
		if !strings.Contains(prompts[i], "Content: "+content) {
			t.Errorf("call %d = %q, want %q", i, prompts[i], content)
		}
	}
	if len(gen.calls[0].ReferenceImages) != 0 {
		t.Errorf("cover got reference images")
	}
	if gen.calls[0].Extra["style"] != "vivid" {
		t.Errorf("provider extra params not forwarded: %v", gen.calls[0].Extra)
	}
	if len(gen.calls[1].ReferenceImages) != 1 {
		t.Errorf("content page references = %d, want cover", len(gen.calls[1].ReferenceImages))
	}

	finish := events[len(events)-1].Data.(model.FinishData)
	if !finish.Success || !strings.HasPrefix(finish.TaskID, "task_") || len(finish.TaskID) != 13 {
		t.Errorf("finish = %+v", finish)
	}
	if finish.Images[0] != "1.png" {
		t.Errorf("images = %v", finish.Images)
	}
}

func TestGenerate_RejectsEmptyAndBadID(t *testing.T) {
	svc, _ := newTestImageService(t, &fakeImageGen{}, ImageOptions{})
	if _, _, err := svc.Generate(context.Background(), GenerateInput{}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("empty pages: %v", err)
	}
	_, _, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "../etc"})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("bad id: %v", err)
	}
}

func TestGenerate_BusyTaskConflicts(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, _ := newTestImageService(t, gen, ImageOptions{})

	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "task_busy"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "task_busy"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second run: %v", err)
	}
	_, err = svc.Retry(context.Background(), RetryInput{TaskID: "task_busy", Page: threePages()[1]})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("retry during run: %v", err)
	}

	collect(t, seq)
	if _, err := svc.Retry(context.Background(), RetryInput{TaskID: "task_busy", Page: threePages()[1]}); err != nil {
		t.Fatalf("retry after run: %v", err)
	}
}

func TestGenerate_StreamIsSingleUse(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, _ := newTestImageService(t, gen, ImageOptions{})

	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages()[:1]})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(collect(t, seq)); n != 3 {
		t.Fatalf("first pass = %d events", n)
	}
	if n := len(collect(t, seq)); n != 0 {
		t.Fatalf("second pass = %d events", n)
	}
}

func TestGenerate_ConsumerStopHaltsRun(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, store := newTestImageService(t, gen, ImageOptions{})

	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "task_stop"})
	if err != nil {
		t.Fatal(err)
	}
	for ev := range seq {
		if ev.Event == model.EventComplete {
			break
		}
	}

	if got := len(gen.prompts()); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	snap, err := store.LoadSnapshot("task_stop")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Generated[0] != "0.png" {
		t.Errorf("in-flight page not recorded: %+v", snap.Generated)
	}

	if _, _, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "task_stop"}); err != nil {
		t.Errorf("lock not released: %v", err)
	}
}

func TestGenerate_ParallelContent(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t), failOn: map[string]bool{"p3": true}}
	svc, _ := newTestImageService(t, gen, ImageOptions{Concurrency: 3})

	pages := []outline.Page{{Index: 0, Type: outline.PageCover, Content: "c"}}
	for i := 1; i <= 5; i++ {
		pages = append(pages, outline.Page{Index: i, Type: outline.PageContent, Content: "p" + string(rune('0'+i))})
	}
	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: pages})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, seq)

	var completes, errs int
	for _, ev := range events {
		switch ev.Event {
		case model.EventComplete:
			completes++
		case model.EventError:
			errs++
		}
	}
	if completes != 5 || errs != 1 {
		t.Errorf("completes=%d errors=%d", completes, errs)
	}
	finish := events[len(events)-1].Data.(model.FinishData)
	if finish.Completed != 5 || finish.Failed != 1 || finish.FailedIndices[0] != 3 {
		t.Errorf("finish = %+v", finish)
	}
}

func TestRetry_ClearsFailure(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t), failOn: map[string]bool{"middle text": true}}
	svc, store := newTestImageService(t, gen, ImageOptions{})

	_, seq, err := svc.Generate(context.Background(), GenerateInput{Pages: threePages(), TaskID: "task_r", FullOutline: "outline", UserTopic: "topic"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, seq)

	// Still failing: prior state untouched.
	res, err := svc.Retry(context.Background(), RetryInput{TaskID: "task_r", Page: threePages()[1], UseReference: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !res.Retryable || res.Index != 1 || res.Error == "" {
		t.Errorf("failing retry = %+v", res)
	}
	snap, _ := TaskSnapshot(store, "task_r")
	if _, ok := snap.Failed[1]; !ok {
		t.Errorf("failure dropped after failed retry")
	}

	gen.failOn = nil
	res, err = svc.Retry(context.Background(), RetryInput{TaskID: "task_r", Page: threePages()[1], UseReference: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ImageURL != "/api/ai/images/task_r/1.png" {
		t.Errorf("retry = %+v", res)
	}

	last := gen.calls[len(gen.calls)-1]
	if len(last.ReferenceImages) != 1 {
		t.Errorf("retry references = %d", len(last.ReferenceImages))
	}
	if !strings.Contains(last.Prompt, "outline") || !strings.Contains(last.Prompt, "topic") {
		t.Errorf("retry prompt lacks stored context: %q", last.Prompt)
	}

	snap, _ = TaskSnapshot(store, "task_r")
	if _, ok := snap.Failed[1]; ok {
		t.Errorf("index 1 still failed")
	}
	if snap.Generated[1] != "1.png" {
		t.Errorf("generated = %+v", snap.Generated)
	}
}

func TestRetry_ColdTaskUsesDiskAndFallback(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, store := newTestImageService(t, gen, ImageOptions{})

	dir := store.Dir("task_cold")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0.png"), pngBytes(t), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Retry(context.Background(), RetryInput{
		TaskID:       "task_cold",
		Page:         outline.Page{Index: 2, Type: outline.PageContent, Content: "x"},
		UseReference: true,
		FullOutline:  "caller outline",
		UserTopic:    "caller topic",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("retry = %+v", res)
	}
	call := gen.calls[0]
	if len(call.ReferenceImages) != 1 {
		t.Errorf("cold retry did not load cover from disk")
	}
	if !strings.Contains(call.Prompt, "caller outline") || !strings.Contains(call.Prompt, "caller topic") {
		t.Errorf("fallback text not used: %q", call.Prompt)
	}

	snap, err := store.LoadSnapshot("task_cold")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Generated[2] != "2.png" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRetry_FailureKeepsStoredContext(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t), failOn: map[string]bool{"x": true}}
	svc, store := newTestImageService(t, gen, ImageOptions{})

	in := RetryInput{
		TaskID:      "task_keep",
		Page:        outline.Page{Index: 1, Type: outline.PageContent, Content: "x"},
		FullOutline: "caller outline",
		UserTopic:   "caller topic",
	}
	res, err := svc.Retry(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("retry = %+v", res)
	}
	tk, ok := store.Get("task_keep")
	if !ok {
		t.Fatal("task not resident")
	}
	if o, u := tk.Context(); o != "" || u != "" {
		t.Errorf("failed retry stored context %q %q", o, u)
	}

	gen.failOn = nil
	if res, _ := svc.Retry(context.Background(), in); !res.Success {
		t.Fatalf("retry = %+v", res)
	}
	if o, u := tk.Context(); o != "caller outline" || u != "caller topic" {
		t.Errorf("context after success = %q %q", o, u)
	}
}

func TestRetry_WithoutReference(t *testing.T) {
	gen := &fakeImageGen{data: pngBytes(t)}
	svc, store := newTestImageService(t, gen, ImageOptions{})
	dir := store.Dir("task_nr")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "0.png"), pngBytes(t), 0o644)

	if _, err := svc.Retry(context.Background(), RetryInput{TaskID: "task_nr", Page: outline.Page{Index: 1, Content: "y"}}); err != nil {
		t.Fatal(err)
	}
	if len(gen.calls[0].ReferenceImages) != 0 {
		t.Errorf("reference sent without use_reference")
	}
	if !strings.Contains(gen.calls[0].Prompt, "Not provided") {
		t.Errorf("empty topic placeholder missing")
	}
}

func TestAssetPath(t *testing.T) {
	svc, store := newTestImageService(t, &fakeImageGen{}, ImageOptions{})
	dir := store.Dir("task_a")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "thumb_0.png"), []byte("x"), 0o644)

	p, err := svc.ImagePath("task_a", "0.png", true)
	if err != nil || filepath.Base(p) != "thumb_0.png" {
		t.Errorf("thumbnail path = %q, %v", p, err)
	}
	if _, err := svc.ImagePath("task_a", "0.png", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing file: %v", err)
	}
	if _, err := svc.ImagePath("task_a", "../x.png", false); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("traversal: %v", err)
	}
}
