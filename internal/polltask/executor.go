// Package polltask runs config-driven "submit, optionally poll, extract"
// jobs against asynchronous generation APIs.
package polltask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/makeanote/api/internal/apperr"
)

var tracer = otel.Tracer("polltask")

var (
	ErrTimeout     = errors.New("poll attempts exhausted")
	ErrTaskFailed  = errors.New("remote task failed")
	ErrPathMissing = errors.New("path not found in response")
)

var failureStatuses = map[string]bool{
	"failed":    true,
	"error":     true,
	"cancelled": true,
}

// Config describes one remote job contract.
type Config struct {
	APIURL        string            `yaml:"api_url" json:"api_url" validate:"omitempty,url"`
	Method        string            `yaml:"method" json:"method" validate:"omitempty,oneof=GET POST PUT"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	BodyTemplate  map[string]any    `yaml:"body_template,omitempty" json:"body_template,omitempty"`
	NeedPolling   bool              `yaml:"need_polling" json:"need_polling"`
	TaskIDPath    string            `yaml:"task_id_path" json:"task_id_path"`
	ResultPath    string            `yaml:"response_video_path" json:"response_video_path"`
	PollURL       string            `yaml:"poll_url,omitempty" json:"poll_url,omitempty" validate:"required_if=NeedPolling true"`
	PollInterval  float64           `yaml:"poll_interval" json:"poll_interval" validate:"gte=0"` // seconds
	MaxPollCount  int               `yaml:"max_poll_count" json:"max_poll_count" validate:"gte=0"`
	SuccessStatus string            `yaml:"success_status" json:"success_status"`
	StatusPath    string            `yaml:"status_path" json:"status_path"`
	Timeout       int               `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"` // seconds per request
	// TypedVars keeps the JSON type of whole-placeholder body values.
	TypedVars bool `yaml:"typed_vars,omitempty" json:"typed_vars,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.TaskIDPath == "" {
		c.TaskIDPath = "data.task_id"
	}
	if c.ResultPath == "" {
		c.ResultPath = "data.video_url"
	}
	if c.StatusPath == "" {
		c.StatusPath = "data.status"
	}
	if c.SuccessStatus == "" {
		c.SuccessStatus = "completed"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5
	}
	if c.MaxPollCount <= 0 {
		c.MaxPollCount = 30
	}
	if c.Timeout <= 0 {
		c.Timeout = 60
	}
}

// Enabled reports whether an endpoint has been configured.
func (c *Config) Enabled() bool {
	return c.APIURL != ""
}

func (c *Config) interval() time.Duration {
	return time.Duration(c.PollInterval * float64(time.Second))
}

// Request carries the per-job inputs.
type Request struct {
	Vars        map[string]any
	DownloadDir string // empty skips the download

	// OnPoll is called after every poll attempt, including failed ones.
	OnPoll func(attempt, max int, status string)
}

// Result is what a finished job produced.
type Result struct {
	TaskID    string `json:"task_id,omitempty"`
	ResultURL string `json:"video_url"`
	LocalPath string `json:"local_path,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Executor runs jobs. It holds no per-job state.
type Executor struct {
	httpClient *http.Client
}

func NewExecutor(httpClient *http.Client) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Executor{httpClient: httpClient}
}

// Run submits the job described by cfg and, when the contract is
// asynchronous, polls until a terminal status or the attempt budget runs out.
func (e *Executor) Run(ctx context.Context, cfg *Config, req Request) (*Result, error) {
	if cfg == nil || !cfg.Enabled() {
		return nil, apperr.Configf("poll task api_url is not configured")
	}
	c := *cfg
	c.ApplyDefaults()

	ctx, span := tracer.Start(ctx, "polltask_run", trace.WithAttributes(
		attribute.String("polltask.method", c.Method),
		attribute.Bool("polltask.need_polling", c.NeedPolling),
	))
	defer span.End()

	res, err := e.run(ctx, &c, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("polltask.attempts", res.Attempts))

	if req.DownloadDir != "" {
		local, err := e.download(ctx, res.ResultURL, req.DownloadDir, time.Duration(c.Timeout)*time.Second*5)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		res.LocalPath = local
	}
	return res, nil
}

func (e *Executor) run(ctx context.Context, c *Config, req Request) (*Result, error) {
	vars := req.Vars
	if vars == nil {
		vars = map[string]any{}
	}

	body, _ := Render(c.BodyTemplate, vars, c.TypedVars).(map[string]any)
	resp, err := e.do(ctx, c, c.Method, RenderString(c.APIURL, vars), body, vars)
	if err != nil {
		return nil, err
	}

	if !c.NeedPolling {
		resultURL, ok := resp.LookupText(c.ResultPath)
		if !ok || resultURL == "" {
			return nil, apperr.Provider(fmt.Sprintf("result path %q", c.ResultPath), ErrPathMissing)
		}
		return &Result{ResultURL: resultURL}, nil
	}

	taskID, ok := resp.LookupText(c.TaskIDPath)
	if !ok || taskID == "" {
		return nil, apperr.Provider(fmt.Sprintf("task id path %q", c.TaskIDPath), ErrPathMissing)
	}
	slog.Info("poll task submitted", slog.String("task_id", taskID))

	pollVars := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		pollVars[k] = v
	}
	pollVars["task_id"] = taskID
	pollURL := RenderString(c.PollURL, pollVars)

	for attempt := 1; attempt <= c.MaxPollCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval()):
		}

		data, err := e.do(ctx, c, http.MethodGet, pollURL, nil, pollVars)
		if err != nil {
			slog.Warn("poll attempt failed", slog.String("task_id", taskID), slog.Int("attempt", attempt), slog.Any("error", err))
			if req.OnPoll != nil {
				req.OnPoll(attempt, c.MaxPollCount, "")
			}
			continue
		}

		status, _ := data.LookupText(c.StatusPath)
		if req.OnPoll != nil {
			req.OnPoll(attempt, c.MaxPollCount, status)
		}

		switch {
		case status == c.SuccessStatus:
			resultURL, ok := data.LookupText(c.ResultPath)
			if !ok || resultURL == "" {
				return nil, apperr.Provider(fmt.Sprintf("result path %q", c.ResultPath), ErrPathMissing)
			}
			return &Result{TaskID: taskID, ResultURL: resultURL, Attempts: attempt}, nil
		case failureStatuses[status]:
			return nil, apperr.Provider(fmt.Sprintf("task %s ended with status %q", taskID, status), ErrTaskFailed)
		}
	}

	return nil, apperr.Provider(fmt.Sprintf("task %s after %d attempts", taskID, c.MaxPollCount), ErrTimeout)
}

func (e *Executor) do(ctx context.Context, c *Config, method, target string, body map[string]any, vars map[string]any) (Value, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.Timeout)*time.Second)
	defer cancel()

	var reader io.Reader
	if method == http.MethodGet && len(body) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return Value{}, apperr.Configf("invalid url %q: %v", target, err)
		}
		q := u.Query()
		for k, v := range body {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	} else if method != http.MethodGet {
		payload, err := json.Marshal(body)
		if err != nil {
			return Value{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Value{}, apperr.Configf("invalid request: %v", err)
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		httpReq.Header.Set(k, RenderString(v, vars))
	}

	slog.Debug("poll task request", slog.String("method", method), slog.String("url", target))

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Value{}, apperr.Provider("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Value{}, apperr.Provider("failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Value{}, apperr.Providerf("poll task API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	v, err := ParseValue(respBody)
	if err != nil {
		return Value{}, apperr.Provider("invalid JSON response", err)
	}
	return v, nil
}

func (e *Executor) download(ctx context.Context, resultURL, dir string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", apperr.Provider("invalid result url", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", apperr.Provider("download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Providerf("download failed (status %d)", resp.StatusCode)
	}

	dst := filepath.Join(dir, fmt.Sprintf("video_%d%s", time.Now().UnixMilli(), videoExt(resultURL)))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return "", apperr.Provider("download interrupted", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	slog.Info("downloaded poll task result", slog.String("path", dst))
	return dst, nil
}

func videoExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".mp4"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".mp4", ".mov", ".webm", ".mkv":
		return ext
	default:
		return ".mp4"
	}
}
