package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/history"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/pkg/response"
)

type HistoryHandler struct {
	store     *history.Store
	validator *validator.Validate
}

func NewHistoryHandler(store *history.Store, v *validator.Validate) *HistoryHandler {
	return &HistoryHandler{
		store:     store,
		validator: v,
	}
}

// List handles GET /api/ai/history?page=&page_size=&status=
func (h *HistoryHandler) List(c *fiber.Ctx) error {
	result, err := h.store.List(c.Context(), history.ListOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 0),
		Status:   c.Query("status"),
	})
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.HistoryListResponse{Success: true, ListResult: result})
}

// Create handles POST /api/ai/history
func (h *HistoryHandler) Create(c *fiber.Ctx) error {
	var req model.CreateHistoryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	rec, err := h.store.Create(c.Context(), history.CreateInput{
		Topic:   req.Topic,
		Outline: req.Outline,
		TaskID:  req.TaskID,
	})
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.CreateHistoryResponse{Success: true, RecordID: rec.ID})
}

// Get handles GET /api/ai/history/:id
func (h *HistoryHandler) Get(c *fiber.Ctx) error {
	rec, err := h.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.HistoryRecordResponse{Success: true, Record: rec})
}

// Update handles PUT /api/ai/history/:id
func (h *HistoryHandler) Update(c *fiber.Ctx) error {
	var req model.UpdateHistoryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	_, err := h.store.Update(c.Context(), c.Params("id"), history.Patch{
		Outline:   req.Outline,
		Images:    req.Images,
		Status:    req.Status,
		Thumbnail: req.Thumbnail,
	})
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.MessageResponse{Success: true})
}

// Delete handles DELETE /api/ai/history/:id
func (h *HistoryHandler) Delete(c *fiber.Ctx) error {
	if err := h.store.Delete(c.Context(), c.Params("id")); err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.MessageResponse{Success: true})
}

// Exists handles GET /api/ai/history/:id/exists. Lookup errors read as absent.
func (h *HistoryHandler) Exists(c *fiber.Ctx) error {
	ok, _ := h.store.Exists(c.Context(), c.Params("id"))
	return response.OK(c, model.ExistsResponse{Exists: ok})
}

// Stats handles GET /api/ai/history/stats
func (h *HistoryHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.store.Stats(c.Context())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, model.HistoryStatsResponse{Success: true, Stats: stats})
}
