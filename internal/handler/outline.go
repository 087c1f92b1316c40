package handler

import (
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/service"
	"github.com/makeanote/api/pkg/response"
)

// OutlineHandler serves the text generation endpoints.
type OutlineHandler struct {
	registry  *service.Registry
	validator *validator.Validate
}

func NewOutlineHandler(registry *service.Registry, v *validator.Validate) *OutlineHandler {
	return &OutlineHandler{
		registry:  registry,
		validator: v,
	}
}

// Outline handles POST /api/ai/outline. It accepts JSON with base64 images
// or a multipart form with image files.
func (h *OutlineHandler) Outline(c *fiber.Ctx) error {
	var req model.OutlineRequest
	var images [][]byte

	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return response.ValidationError(c, "Invalid multipart form", nil)
		}
		if v := form.Value["topic"]; len(v) > 0 {
			req.Topic = v[0]
		}
		for _, fh := range form.File["images"] {
			f, err := fh.Open()
			if err != nil {
				return response.ValidationError(c, "Invalid image upload", nil)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return response.ValidationError(c, "Invalid image upload", nil)
			}
			images = append(images, data)
		}
	} else {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		decoded, err := decodeImages(req.Images)
		if err != nil {
			return response.ValidationError(c, err.Error(), nil)
		}
		images = decoded
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	svc, err := h.registry.Outline()
	if err != nil {
		return response.FromError(c, err)
	}
	result, err := svc.Generate(c.Context(), req.Topic, images)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Content handles POST /api/ai/content
func (h *OutlineHandler) Content(c *fiber.Ctx) error {
	var req model.ContentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	svc, err := h.registry.Content()
	if err != nil {
		return response.FromError(c, err)
	}
	result, err := svc.Generate(c.Context(), req.Topic, req.Outline)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}
