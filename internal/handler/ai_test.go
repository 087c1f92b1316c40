package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/history"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/pkg/response"
)

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestOutline_JSON(t *testing.T) {
	env := setupApp(t)
	env.text.reply = "<page>[封面]\n标题: 春日穿搭\n<page>[内容]\n第一套\n<page>[总结]\n收藏"

	img := base64.StdEncoding.EncodeToString(pngBytes(t))
	resp, body := env.do(t, "POST", "/api/ai/outline", map[string]any{
		"topic":  "春日穿搭",
		"images": []string{"data:image/png;base64," + img},
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	out := decode[model.OutlineResponse](t, body)
	if !out.Success || len(out.Pages) != 3 || !out.HasImages {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.Pages[0].Type != outline.PageCover || out.Pages[2].Type != outline.PageSummary {
		t.Errorf("unexpected page types: %+v", out.Pages)
	}
	if len(env.text.reqs) != 1 || len(env.text.reqs[0].Images) != 1 {
		t.Errorf("image was not forwarded to the provider")
	}
}

func TestOutline_Multipart(t *testing.T) {
	env := setupApp(t)
	env.text.reply = "<page>封面\n<page>内容"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("topic", "露营清单")
	fw, err := mw.CreateFormFile("images", "a.png")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(pngBytes(t))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/ai/outline", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(env.text.reqs) != 1 || len(env.text.reqs[0].Images) != 1 {
		t.Errorf("multipart image was not forwarded")
	}
	if !strings.Contains(env.text.reqs[0].Prompt, "露营清单") {
		t.Errorf("topic missing from prompt")
	}
}

func TestOutline_Validation(t *testing.T) {
	env := setupApp(t)

	resp, body := env.do(t, "POST", "/api/ai/outline", map[string]any{"topic": ""})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("empty topic: status = %d", resp.StatusCode)
	}
	errResp := decode[response.ErrorResponse](t, body)
	if errResp.Success || errResp.Error.Code != response.CodeValidationError {
		t.Errorf("unexpected error body: %s", body)
	}

	resp, _ = env.do(t, "POST", "/api/ai/outline", map[string]any{"topic": "x", "images": []string{"%%%"}})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad image: status = %d", resp.StatusCode)
	}
}

func TestContent_ParseFailureIsAIError(t *testing.T) {
	env := setupApp(t)
	env.text.reply = "no json here"

	resp, body := env.do(t, "POST", "/api/ai/content", map[string]any{"topic": "x", "outline": "y"})
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	env.text.reply = "```json\n{\"titles\": [\"a\", \"b\"], \"copywriting\": \"c\", \"tags\": \"t1,t2\"}\n```"
	resp, body = env.do(t, "POST", "/api/ai/content", map[string]any{"topic": "x", "outline": "y"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	out := decode[model.ContentResponse](t, body)
	if len(out.Titles) != 2 || out.Copywriting != "c" || len(out.Tags) != 2 {
		t.Errorf("unexpected content: %+v", out)
	}
}

func TestGenerate_StreamsAndServesAssets(t *testing.T) {
	env := setupApp(t)

	req := httptest.NewRequest("POST", "/api/ai/generate", strings.NewReader(`{
		"task_id": "task_abc123",
		"pages": [
			{"index": 0, "type": "cover", "content": "cover"},
			{"index": 1, "type": "content", "content": "body"}
		],
		"full_outline": "cover\nbody",
		"user_topic": "topic"
	}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	if id := resp.Header.Get("X-Task-Id"); id != "task_abc123" {
		t.Errorf("task id header = %q", id)
	}

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	events := parseSSE(t, body.String())
	if len(events) == 0 || events[0].name != model.EventProgress {
		t.Fatalf("stream should start with progress: %v", events)
	}
	last := events[len(events)-1]
	if last.name != model.EventFinish {
		t.Fatalf("stream should end with finish: %v", events)
	}
	var finish model.FinishData
	if err := json.Unmarshal([]byte(last.data), &finish); err != nil {
		t.Fatal(err)
	}
	if !finish.Success || finish.Completed != 2 || finish.TaskID != "task_abc123" {
		t.Errorf("unexpected finish: %+v", finish)
	}

	for _, path := range []string{
		"/api/ai/images/task_abc123/0.png",
		"/api/ai/images/task_abc123/1.png?thumbnail=true",
	} {
		resp, _ := env.do(t, "GET", path, nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
	}
	resp, _ = env.do(t, "GET", "/api/ai/images/task_abc123/9.png", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("missing image: status = %d", resp.StatusCode)
	}

	resp, data := env.do(t, "GET", "/api/ai/tasks/task_abc123", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("task snapshot: status = %d", resp.StatusCode)
	}
	snap := decode[model.TaskResponse](t, data)
	if len(snap.Generated) != 2 || len(snap.FailedIndices) != 0 || !snap.Finished {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestGenerate_RejectsEmptyPages(t *testing.T) {
	env := setupApp(t)
	resp, _ := env.do(t, "POST", "/api/ai/generate", map[string]any{"pages": []any{}})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/api/ai/generate", map[string]any{
		"pages": []map[string]any{{"index": -1, "type": "cover", "content": "a"}},
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("negative index: status = %d", resp.StatusCode)
	}
}

func TestRegenerate(t *testing.T) {
	env := setupApp(t)

	resp, _ := env.do(t, "POST", "/api/ai/regenerate", map[string]any{"task_id": "task_r1"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("missing page: status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "POST", "/api/ai/regenerate", map[string]any{
		"task_id": "task_r1",
		"page":    map[string]any{"index": -3, "content": "again"},
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("negative index: status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, "POST", "/api/ai/regenerate", map[string]any{
		"task_id": "task_r1",
		"page":    map[string]any{"index": 2, "type": "content", "content": "again"},
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	out := decode[model.RetryResult](t, body)
	if !out.Success || out.Index != 2 || out.ImageURL != "/api/ai/images/task_r1/2.png" {
		t.Errorf("unexpected result: %+v", out)
	}

	resp, _ = env.do(t, "GET", "/api/ai/tasks/../etc", nil)
	if resp.StatusCode == fiber.StatusOK {
		t.Error("path traversal should not resolve")
	}
}

func TestConfig_MasksAndPreservesKeys(t *testing.T) {
	env := setupApp(t)

	f, err := env.providers.Load(provider.KindText)
	if err != nil {
		t.Fatal(err)
	}
	name := f.ActiveProvider
	cfg := f.Providers[name]
	cfg.APIKey = "sk-abcdefghijklmnop"
	f.Providers[name] = cfg
	if err := env.providers.Save(provider.KindText, f); err != nil {
		t.Fatal(err)
	}

	resp, body := env.do(t, "GET", "/api/ai/config", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[model.ConfigResponse](t, body)
	masked := got.Config.TextGeneration.Providers[name].APIKey
	if masked != "sk-abcde****" {
		t.Fatalf("masked key = %q", masked)
	}

	// Posting the masked view back must not clobber the stored key.
	update := got.Config.TextGeneration
	p := update.Providers[name]
	p.Model = "gpt-4o-mini"
	update.Providers[name] = p
	resp, body = env.do(t, "POST", "/api/ai/config", map[string]any{"text_generation": update})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update: status = %d: %s", resp.StatusCode, body)
	}

	stored, err := env.providers.Config(provider.KindText, name)
	if err != nil {
		t.Fatal(err)
	}
	if stored.APIKey != "sk-abcdefghijklmnop" || stored.Model != "gpt-4o-mini" {
		t.Errorf("unexpected stored config: %+v", stored)
	}
}

func TestConfig_RejectsInvalidFile(t *testing.T) {
	env := setupApp(t)
	resp, _ := env.do(t, "POST", "/api/ai/config", map[string]any{
		"image_generation": map[string]any{"active_provider": "", "providers": map[string]any{}},
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestConfig_TestConnection(t *testing.T) {
	env := setupApp(t)

	resp, _ := env.do(t, "POST", "/api/ai/config/test", map[string]any{"api_key": "k"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("missing base_url: status = %d", resp.StatusCode)
	}

	env.text.reply = "OK"
	resp, body := env.do(t, "POST", "/api/ai/config/test", map[string]any{
		"api_key":  "k",
		"base_url": "https://api.example.com/v1",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	req := env.text.reqs[len(env.text.reqs)-1]
	if req.MaxOutputTokens != testMaxOutputTokens || req.Model != testModel {
		t.Errorf("unexpected test request: %+v", req)
	}

	env.text.reply = "  "
	resp, _ = env.do(t, "POST", "/api/ai/config/test", map[string]any{
		"api_key":  "k",
		"base_url": "https://api.example.com/v1",
	})
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Errorf("empty reply: status = %d", resp.StatusCode)
	}
}

func TestHistory_Lifecycle(t *testing.T) {
	env := setupApp(t)

	resp, _ := env.do(t, "POST", "/api/ai/history", map[string]any{"topic": ""})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("empty topic: status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/api/ai/history", map[string]any{"topic": "x", "task_id": "../../etc"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("traversal task_id: status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, "POST", "/api/ai/history", map[string]any{
		"topic": "周末食谱",
		"outline": map[string]any{
			"raw":   "a\n---\nb",
			"pages": []map[string]any{{"index": 0, "type": "cover", "content": "a"}, {"index": 1, "type": "content", "content": "b"}},
		},
		"task_id": "task_h1",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("create: status = %d: %s", resp.StatusCode, body)
	}
	created := decode[model.CreateHistoryResponse](t, body)
	if len(created.RecordID) != 8 {
		t.Fatalf("record id = %q", created.RecordID)
	}
	id := created.RecordID

	resp, body = env.do(t, "PUT", "/api/ai/history/"+id, map[string]any{"status": "done"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update: status = %d: %s", resp.StatusCode, body)
	}
	resp, _ = env.do(t, "PUT", "/api/ai/history/"+id, map[string]any{"status": "bogus"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad status: status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "PUT", "/api/ai/history/"+id, map[string]any{"images": map[string]any{"task_id": "a/../../b"}})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("traversal images.task_id: status = %d", resp.StatusCode)
	}

	_, body = env.do(t, "GET", "/api/ai/history/"+id, nil)
	rec := decode[model.HistoryRecordResponse](t, body)
	if rec.Record.Status != history.StatusDone || rec.Record.PageCount != 2 {
		t.Errorf("unexpected record: %+v", rec.Record)
	}

	_, body = env.do(t, "GET", "/api/ai/history?status=done", nil)
	list := decode[model.HistoryListResponse](t, body)
	if list.Total != 1 || list.TotalPages != 1 || list.PageSize != 20 {
		t.Errorf("unexpected list: %+v", list.ListResult)
	}

	_, body = env.do(t, "GET", "/api/ai/history/stats", nil)
	stats := decode[model.HistoryStatsResponse](t, body)
	if stats.Total != 1 || stats.ByStatus[history.StatusDone] != 1 {
		t.Errorf("unexpected stats: %+v", stats.Stats)
	}

	_, body = env.do(t, "GET", "/api/ai/history/"+id+"/exists", nil)
	if !decode[model.ExistsResponse](t, body).Exists {
		t.Error("record should exist")
	}

	resp, _ = env.do(t, "DELETE", "/api/ai/history/"+id, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "GET", "/api/ai/history/"+id, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("deleted record: status = %d", resp.StatusCode)
	}
	_, body = env.do(t, "GET", "/api/ai/history/"+id+"/exists", nil)
	if decode[model.ExistsResponse](t, body).Exists {
		t.Error("record should be gone")
	}
}

func TestVideo_Routes(t *testing.T) {
	env := setupApp(t)

	resp, _ := env.do(t, "POST", "/api/ai/video/generate", map[string]any{"prompt": ""})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("empty prompt: status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, "POST", "/api/ai/video/generate", map[string]any{"prompt": "a cat", "download": false})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("generate: status = %d: %s", resp.StatusCode, body)
	}
	if env.jobs.started == nil || env.jobs.started.Download == nil || *env.jobs.started.Download {
		t.Errorf("download flag not passed through: %+v", env.jobs.started)
	}

	resp, _ = env.do(t, "GET", "/api/ai/video/status/nope", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status of unknown job = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "GET", "/api/ai/video/result/job-1", nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("result of running job = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "POST", "/api/ai/video/cancel/job-1", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("cancel = %d", resp.StatusCode)
	}
}

func TestVideo_Config(t *testing.T) {
	env := setupApp(t)

	resp, body := env.do(t, "GET", "/api/ai/video/config", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cfg := decode[model.VideoConfigResponse](t, body)
	if cfg.Config == nil || cfg.Config.MaxPollCount != 30 {
		t.Errorf("unexpected default config: %+v", cfg.Config)
	}

	resp, _ = env.do(t, "POST", "/api/ai/video/config", map[string]any{
		"api_url":      "https://video.example.com/submit",
		"need_polling": true,
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("polling without poll_url: status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, "POST", "/api/ai/video/config", map[string]any{
		"api_url":        "https://video.example.com/submit",
		"need_polling":   true,
		"poll_url":       "https://video.example.com/status/{{task_id}}",
		"max_poll_count": 5,
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("save: status = %d: %s", resp.StatusCode, body)
	}
	stored, err := env.providers.LoadVideo()
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Enabled() || stored.MaxPollCount != 5 {
		t.Errorf("unexpected stored config: %+v", stored)
	}
}
