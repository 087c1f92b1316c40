package model

import (
	"time"

	"github.com/makeanote/api/internal/polltask"
)

// VideoPlanRequest asks for a storyboard and prompt pack.
type VideoPlanRequest struct {
	Topic           string `json:"topic" validate:"required,max=2000"`
	Outline         string `json:"outline"`
	Platform        string `json:"platform"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int    `json:"duration_seconds" validate:"omitempty,min=1,max=600"`
	ProductInfo     string `json:"product_info"`
	TargetAudience  string `json:"target_audience"`
	SellingPoints   string `json:"selling_points"`
	Style           string `json:"style"`
	MustInclude     string `json:"must_include"`
	Forbidden       string `json:"forbidden"`
}

type VideoPlanResponse struct {
	Success   bool           `json:"success"`
	VideoPlan map[string]any `json:"video_plan"`
}

// VideoGenerateRequest starts an async video job.
type VideoGenerateRequest struct {
	Prompt      string `json:"prompt" validate:"required"`
	Duration    int    `json:"duration" validate:"omitempty,min=1,max=600"`
	AspectRatio string `json:"aspect_ratio"`
	Download    *bool  `json:"download"`
}

// VideoJobPayload is what the worker receives.
type VideoJobPayload struct {
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspectRatio"`
	Download    bool   `json:"download"`
}

type VideoGenerateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type VideoStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	RetryCount  int        `json:"retryCount"`
}

// VideoResult is stored on the job once the provider returns a video.
type VideoResult struct {
	Success   bool   `json:"success"`
	VideoURL  string `json:"video_url"`
	TaskID    string `json:"task_id,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Filename  string `json:"filename,omitempty"`
	ObjectURL string `json:"object_url,omitempty"`
}

type VideoConfigResponse struct {
	Success bool             `json:"success"`
	Config  *polltask.Config `json:"config"`
}
