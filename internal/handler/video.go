package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/polltask"
	"github.com/makeanote/api/internal/service"
	"github.com/makeanote/api/pkg/response"
)

// VideoJobs is the job side of video generation. *service.VideoService
// satisfies it.
type VideoJobs interface {
	Start(ctx context.Context, req *model.VideoGenerateRequest) (*model.VideoGenerateResponse, error)
	GetStatus(ctx context.Context, jobID string) (*model.VideoStatusResponse, error)
	GetResult(ctx context.Context, jobID string) (*model.VideoResult, error)
	Cancel(ctx context.Context, jobID string) (*model.VideoStatusResponse, error)
}

type VideoHandler struct {
	registry  *service.Registry
	jobs      VideoJobs
	validator *validator.Validate
}

func NewVideoHandler(registry *service.Registry, jobs VideoJobs, v *validator.Validate) *VideoHandler {
	return &VideoHandler{
		registry:  registry,
		jobs:      jobs,
		validator: v,
	}
}

// Plan handles POST /api/ai/video/plan
func (h *VideoHandler) Plan(c *fiber.Ctx) error {
	var req model.VideoPlanRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	svc, err := h.registry.VideoPlan()
	if err != nil {
		return response.FromError(c, err)
	}
	result, err := svc.Generate(c.Context(), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Generate handles POST /api/ai/video/generate
func (h *VideoHandler) Generate(c *fiber.Ctx) error {
	var req model.VideoGenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.jobs.Start(c.Context(), &req)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/ai/video/status/:jobId
func (h *VideoHandler) Status(c *fiber.Ctx) error {
	result, err := h.jobs.GetStatus(c.Context(), c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/ai/video/result/:jobId
func (h *VideoHandler) Result(c *fiber.Ctx) error {
	result, err := h.jobs.GetResult(c.Context(), c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/ai/video/cancel/:jobId
func (h *VideoHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.jobs.Cancel(c.Context(), c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// GetConfig handles GET /api/ai/video/config
func (h *VideoHandler) GetConfig(c *fiber.Ctx) error {
	cfg, err := h.registry.Providers().LoadVideo()
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.VideoConfigResponse{Success: true, Config: cfg})
}

// UpdateConfig handles POST /api/ai/video/config
func (h *VideoHandler) UpdateConfig(c *fiber.Ctx) error {
	var cfg polltask.Config
	if err := c.BodyParser(&cfg); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.registry.Providers().SaveVideo(&cfg); err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.VideoConfigResponse{Success: true, Config: &cfg})
}
