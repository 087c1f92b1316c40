package model

import (
	"github.com/makeanote/api/internal/history"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/task"
)

// OutlineRequest asks for a page outline on a topic. Images are base64,
// with or without a data URI prefix.
type OutlineRequest struct {
	Topic  string   `json:"topic" validate:"required,max=2000"`
	Images []string `json:"images" validate:"omitempty,max=8"`
}

type OutlineResponse struct {
	Success   bool           `json:"success"`
	Outline   string         `json:"outline"`
	Pages     []outline.Page `json:"pages"`
	HasImages bool           `json:"has_images"`
}

type ContentRequest struct {
	Topic   string `json:"topic" validate:"required,max=2000"`
	Outline string `json:"outline"`
}

type ContentResponse struct {
	Success     bool     `json:"success"`
	Titles      []string `json:"titles"`
	Copywriting string   `json:"copywriting"`
	Tags        []string `json:"tags"`
}

// GenerateImagesRequest starts a streamed generation run.
type GenerateImagesRequest struct {
	Pages       []outline.Page `json:"pages" validate:"required,min=1,dive"`
	TaskID      string         `json:"task_id" validate:"omitempty,max=64"`
	FullOutline string         `json:"full_outline"`
	UserTopic   string         `json:"user_topic"`
	UserImages  []string       `json:"user_images" validate:"omitempty,max=8"`
}

// RegenerateRequest retries a single page of an existing task.
type RegenerateRequest struct {
	TaskID       string        `json:"task_id" validate:"required,max=64"`
	Page         *outline.Page `json:"page" validate:"required"`
	UseReference *bool         `json:"use_reference"`
	FullOutline  string        `json:"full_outline"`
	UserTopic    string        `json:"user_topic"`
}

// RetryResult is the outcome of a single page retry.
type RetryResult struct {
	Success   bool   `json:"success"`
	Index     int    `json:"index"`
	ImageURL  string `json:"image_url,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type TaskResponse struct {
	Success bool `json:"success"`
	task.Snapshot
	FailedIndices []int `json:"failed_indices"`
	Finished      bool  `json:"finished"`
}

type ProviderConfigs struct {
	TextGeneration  *provider.File `json:"text_generation"`
	ImageGeneration *provider.File `json:"image_generation"`
}

type ConfigResponse struct {
	Success bool            `json:"success"`
	Config  ProviderConfigs `json:"config"`
}

type UpdateConfigRequest struct {
	TextGeneration  *provider.File `json:"text_generation"`
	ImageGeneration *provider.File `json:"image_generation"`
}

type TestConnectionRequest struct {
	Type    string `json:"type"`
	APIKey  string `json:"api_key" validate:"required"`
	BaseURL string `json:"base_url" validate:"required,url"`
	Model   string `json:"model"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type CreateHistoryRequest struct {
	Topic   string          `json:"topic" validate:"required"`
	Outline history.Outline `json:"outline"`
	TaskID  string          `json:"task_id" validate:"omitempty,max=64,excludesall=./\\"`
}

type CreateHistoryResponse struct {
	Success  bool   `json:"success"`
	RecordID string `json:"record_id"`
}

type UpdateHistoryRequest struct {
	Outline   *history.Outline `json:"outline"`
	Images    *history.Images  `json:"images"`
	Status    *string          `json:"status" validate:"omitempty,oneof=draft generating done error retrying"`
	Thumbnail *string          `json:"thumbnail"`
}

type HistoryListResponse struct {
	Success bool `json:"success"`
	*history.ListResult
}

type HistoryRecordResponse struct {
	Success bool            `json:"success"`
	Record  *history.Record `json:"record"`
}

type HistoryStatsResponse struct {
	Success bool `json:"success"`
	*history.Stats
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}
