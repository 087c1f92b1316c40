package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/polltask"
	"github.com/makeanote/api/internal/provider"
)

const (
	TaskTypeVideo = "video:generate"
	QueueVideo    = "video"

	jobTTL = 24 * time.Hour
)

// VideoService queues video jobs and tracks their records in Redis.
type VideoService struct {
	redis       redis.Cmdable
	asynqClient *asynq.Client
	providers   *provider.Registry
}

func NewVideoService(redisClient redis.Cmdable, asynqClient *asynq.Client, providers *provider.Registry) *VideoService {
	return &VideoService{
		redis:       redisClient,
		asynqClient: asynqClient,
		providers:   providers,
	}
}

// Start queues a new video job. It fails fast when no video API is configured.
func (s *VideoService) Start(ctx context.Context, req *model.VideoGenerateRequest) (*model.VideoGenerateResponse, error) {
	cfg, err := s.providers.LoadVideo()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, apperr.Configf("video generation API is not configured")
	}

	payload := &model.VideoJobPayload{
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		AspectRatio: orDefault(req.AspectRatio, defaultAspectRatio),
		Download:    req.Download == nil || *req.Download,
	}
	if payload.Duration <= 0 {
		payload.Duration = defaultDurationSeconds
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	jobID := uuid.New().String()
	now := time.Now()
	job := &model.Job{
		ID:        jobID,
		Type:      model.JobTypeVideo,
		Status:    model.JobStatusQueued,
		Payload:   payloadBytes,
		CreatedAt: now,
	}
	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	t, err := newVideoTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.asynqClient.Enqueue(t,
		asynq.Queue(QueueVideo),
		asynq.MaxRetry(3),
		asynq.Retention(jobTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.VideoGenerateResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *VideoService) GetStatus(ctx context.Context, jobID string) (*model.VideoStatusResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.VideoStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
	}, nil
}

func (s *VideoService) GetResult(ctx context.Context, jobID string) (*model.VideoResult, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusSucceeded {
		return nil, apperr.Conflictf("job %s not completed", jobID)
	}

	var result model.VideoResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Cancel marks a queued or running job as canceled. The worker checks the
// flag before it calls the provider.
func (s *VideoService) Cancel(ctx context.Context, jobID string) (*model.VideoStatusResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusSucceeded || job.Status == model.JobStatusFailed {
		return nil, apperr.Conflictf("job %s already completed", jobID)
	}

	job.Status = model.JobStatusCanceled
	now := time.Now()
	job.CompletedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return s.GetStatus(ctx, jobID)
}

// UpdateJobProgress updates job progress (called by worker)
func (s *VideoService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Progress = progress
	job.CurrentStep = step
	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}
	return s.saveJob(ctx, job)
}

// CompleteJob marks job as completed (called by worker)
func (s *VideoService) CompleteJob(ctx context.Context, jobID string, result any) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.Result = resultBytes
	now := time.Now()
	job.CompletedAt = &now
	return s.saveJob(ctx, job)
}

// FailJob marks job as failed (called by worker)
func (s *VideoService) FailJob(ctx context.Context, jobID string, errMsg string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusFailed
	job.Error = &errMsg
	now := time.Now()
	job.CompletedAt = &now
	return s.saveJob(ctx, job)
}

// VideoConfig returns the poll-task configuration used by the worker.
func (s *VideoService) VideoConfig() (*polltask.Config, error) {
	return s.providers.LoadVideo()
}

// storedJob mirrors model.Job with its raw fields kept on the wire.
type storedJob struct {
	*model.Job
	Payload []byte `json:"payload,omitempty"`
	Result  []byte `json:"result,omitempty"`
}

func (s *VideoService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(storedJob{Job: job, Payload: job.Payload, Result: job.Result})
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func (s *VideoService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFoundf("job %s not found", jobID)
		}
		return nil, err
	}

	stored := storedJob{Job: &model.Job{}}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	stored.Job.Payload = stored.Payload
	stored.Job.Result = stored.Result
	return stored.Job, nil
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func newVideoTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]any{
		"jobId":   jobID,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeVideo, data), nil
}
