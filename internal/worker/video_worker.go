package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/client"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/polltask"
)

// Progress bounds reported while the remote task is polled.
const (
	progressSubmitted = 5
	progressPollStart = 10
	progressPollEnd   = 90
	progressUpload    = 95
)

// JobTracker persists job state. *service.VideoService satisfies it.
type JobTracker interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) error
	CompleteJob(ctx context.Context, jobID string, result any) error
	FailJob(ctx context.Context, jobID string, errMsg string) error
	VideoConfig() (*polltask.Config, error)
}

// Notifier pushes job events to websocket subscribers.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastComplete(jobID string, result any)
	BroadcastError(jobID string, code, message string)
}

// Runner executes a poll-task contract.
type Runner interface {
	Run(ctx context.Context, cfg *polltask.Config, req polltask.Request) (*polltask.Result, error)
}

// VideoWorker processes video generation jobs
type VideoWorker struct {
	jobs        JobTracker
	runner      Runner
	storage     client.StorageClient
	hub         Notifier
	downloadDir string
}

// NewVideoWorker creates a new video worker. storage may be nil.
func NewVideoWorker(jobs JobTracker, runner Runner, storage client.StorageClient, hub Notifier, downloadDir string) *VideoWorker {
	return &VideoWorker{
		jobs:        jobs,
		runner:      runner,
		storage:     storage,
		hub:         hub,
		downloadDir: downloadDir,
	}
}

// ProcessTask handles video task processing
func (w *VideoWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		JobID   string          `json:"jobId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	jobID := taskPayload.JobID

	var payload model.VideoJobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.failJob(ctx, jobID, "invalid job payload")
		return fmt.Errorf("failed to unmarshal video payload: %w: %w", err, asynq.SkipRetry)
	}

	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status == model.JobStatusCanceled {
		slog.Info("skipping canceled video job", slog.String("job_id", jobID))
		return nil
	}

	log := slog.With(slog.String("job_id", jobID))
	log.Info("processing video job")

	cfg, err := w.jobs.VideoConfig()
	if err != nil {
		w.failJob(ctx, jobID, err.Error())
		return fmt.Errorf("failed to load video config: %w: %w", err, asynq.SkipRetry)
	}
	if !cfg.Enabled() {
		w.failJob(ctx, jobID, "video generation API is not configured")
		return fmt.Errorf("video api not configured: %w", asynq.SkipRetry)
	}

	w.updateProgress(ctx, jobID, progressSubmitted, "Submitting video task...")

	req := polltask.Request{
		Vars: map[string]any{
			"prompt":       payload.Prompt,
			"duration":     payload.Duration,
			"aspect_ratio": payload.AspectRatio,
		},
		OnPoll: func(attempt, max int, status string) {
			w.updateProgress(ctx, jobID, pollProgress(attempt, max), fmt.Sprintf("Waiting for video (%d/%d) %s", attempt, max, status))
		},
	}
	if payload.Download {
		req.DownloadDir = w.downloadDir
	}

	res, err := w.runner.Run(ctx, cfg, req)
	if err != nil {
		if retryable(ctx, err) {
			log.Warn("video job attempt failed, retrying", slog.Any("error", err))
			w.updateProgress(ctx, jobID, progressSubmitted, "Retrying video task...")
			return err
		}
		w.failJob(ctx, jobID, err.Error())
		return fmt.Errorf("video job %s failed: %w: %w", jobID, err, asynq.SkipRetry)
	}

	if job, err := w.jobs.GetJob(ctx, jobID); err == nil && job.Status == model.JobStatusCanceled {
		log.Info("video job canceled while running, dropping result")
		return nil
	}

	result := &model.VideoResult{
		Success:  true,
		VideoURL: res.ResultURL,
		TaskID:   res.TaskID,
	}
	if res.LocalPath != "" {
		result.Filename = filepath.Base(res.LocalPath)
		result.LocalPath = filepath.ToSlash(filepath.Join("uploads", "videos", result.Filename))
		if w.storage != nil {
			w.updateProgress(ctx, jobID, progressUpload, "Uploading video...")
			url, err := w.upload(ctx, res.LocalPath, result.Filename)
			if err != nil {
				log.Warn("video mirror upload failed", slog.Any("error", err))
			} else {
				result.ObjectURL = url
			}
		}
	}

	if err := w.jobs.CompleteJob(ctx, jobID, result); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	w.hub.BroadcastComplete(jobID, result)
	log.Info("video job completed", slog.String("video_url", result.VideoURL))
	return nil
}

func (w *VideoWorker) upload(ctx context.Context, localPath, filename string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return w.storage.Upload(ctx, "videos/"+filename, f, "video/mp4")
}

func (w *VideoWorker) updateProgress(ctx context.Context, jobID string, progress int, step string) {
	if err := w.jobs.UpdateJobProgress(ctx, jobID, progress, step); err != nil {
		slog.Warn("failed to update progress", slog.String("job_id", jobID), slog.Any("error", err))
	}
	w.hub.BroadcastProgress(jobID, progress, model.JobStatusRunning, step)
}

func (w *VideoWorker) failJob(ctx context.Context, jobID, errMsg string) {
	if err := w.jobs.FailJob(ctx, jobID, errMsg); err != nil {
		slog.Warn("failed to mark job as failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	w.hub.BroadcastError(jobID, "VIDEO_FAILED", errMsg)
}

func pollProgress(attempt, max int) int {
	if max <= 0 {
		return progressPollStart
	}
	if attempt > max {
		attempt = max
	}
	return progressPollStart + (progressPollEnd-progressPollStart)*attempt/max
}

// retryable reports whether asynq should run the job again. Remote task
// failures, timeouts and bad configuration are final.
func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, polltask.ErrTaskFailed) ||
		errors.Is(err, polltask.ErrTimeout) ||
		errors.Is(err, polltask.ErrPathMissing) ||
		errors.Is(err, apperr.ErrConfig) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried < maxRetry
}
