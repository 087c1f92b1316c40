package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/service"
	"github.com/makeanote/api/internal/task"
	"github.com/makeanote/api/pkg/response"
	"github.com/valyala/fasthttp"
)

type ImageHandler struct {
	registry  *service.Registry
	validator *validator.Validate
}

func NewImageHandler(registry *service.Registry, v *validator.Validate) *ImageHandler {
	return &ImageHandler{
		registry:  registry,
		validator: v,
	}
}

// Generate handles POST /api/ai/generate. Progress is streamed as
// server-sent events until the run finishes.
func (h *ImageHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateImagesRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	userImages, err := decodeImages(req.UserImages)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	svc, err := h.registry.Image()
	if err != nil {
		return response.FromError(c, err)
	}

	// The run outlives the handler, so it must not use the request context.
	taskID, events, err := svc.Generate(context.Background(), service.GenerateInput{
		Pages:       req.Pages,
		TaskID:      req.TaskID,
		FullOutline: req.FullOutline,
		UserTopic:   req.UserTopic,
		UserImages:  userImages,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	c.Set("X-Task-Id", taskID)
	streamEvents(c.Context(), taskID, events)
	return nil
}

// streamEvents writes events as server-sent events. A failed write means the
// client went away; leaving the range stops the run.
func streamEvents(rc *fasthttp.RequestCtx, taskID string, events iter.Seq[model.ProgressEvent]) {
	rc.SetContentType("text/event-stream")
	rc.Response.Header.Set(fiber.HeaderCacheControl, "no-cache")
	rc.Response.Header.Set(fiber.HeaderConnection, "keep-alive")
	rc.Response.Header.Set("X-Accel-Buffering", "no")

	rc.SetBodyStreamWriter(func(w *bufio.Writer) {
		for ev := range events {
			if err := writeEvent(w, ev); err != nil {
				slog.Info("progress stream closed by client", slog.String("task_id", taskID), slog.Any("error", err))
				return
			}
		}
	})
}

func writeEvent(w *bufio.Writer, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data); err != nil {
		return err
	}
	return w.Flush()
}

// Regenerate handles POST /api/ai/regenerate
func (h *ImageHandler) Regenerate(c *fiber.Ctx) error {
	var req model.RegenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	svc, err := h.registry.Image()
	if err != nil {
		return response.FromError(c, err)
	}

	useReference := req.UseReference == nil || *req.UseReference
	result, err := svc.Retry(c.Context(), service.RetryInput{
		TaskID:       req.TaskID,
		Page:         *req.Page,
		UseReference: useReference,
		FullOutline:  req.FullOutline,
		UserTopic:    req.UserTopic,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Image handles GET /api/ai/images/:taskId/:filename
func (h *ImageHandler) Image(c *fiber.Ctx) error {
	thumbnail := c.QueryBool("thumbnail", false)
	p, err := service.AssetPath(h.registry.Tasks(), c.Params("taskId"), c.Params("filename"), thumbnail)
	if err != nil {
		return response.FromError(c, err)
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=3600")
	return c.SendFile(p)
}

// Task handles GET /api/ai/tasks/:taskId
func (h *ImageHandler) Task(c *fiber.Ctx) error {
	snap, err := service.TaskSnapshot(h.registry.Tasks(), c.Params("taskId"))
	if err != nil {
		return response.FromError(c, err)
	}

	failed := slices.Sorted(maps.Keys(snap.Failed))
	if failed == nil {
		failed = []int{}
	}
	return response.OK(c, model.TaskResponse{
		Success:       true,
		Snapshot:      *snap,
		FailedIndices: failed,
		Finished:      task.IsTerminal(snap.State),
	})
}
