package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/service"
	"github.com/makeanote/api/pkg/response"
)

const (
	testPrompt          = "Hello, this is a test. Reply with 'OK'."
	testModel           = "gpt-4"
	testMaxOutputTokens = 50
	testTimeoutSeconds  = 30
)

// ConfigHandler reads and writes the provider files.
type ConfigHandler struct {
	registry  *service.Registry
	validator *validator.Validate
}

func NewConfigHandler(registry *service.Registry, v *validator.Validate) *ConfigHandler {
	return &ConfigHandler{
		registry:  registry,
		validator: v,
	}
}

// Get handles GET /api/ai/config. API keys are masked.
func (h *ConfigHandler) Get(c *fiber.Ctx) error {
	providers := h.registry.Providers()
	text, err := providers.Load(provider.KindText)
	if err != nil {
		return response.FromError(c, err)
	}
	image, err := providers.Load(provider.KindImage)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, model.ConfigResponse{
		Success: true,
		Config: model.ProviderConfigs{
			TextGeneration:  maskFile(text),
			ImageGeneration: maskFile(image),
		},
	})
}

// Update handles POST /api/ai/config. A masked key keeps the stored one.
func (h *ConfigHandler) Update(c *fiber.Ctx) error {
	var req model.UpdateConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	providers := h.registry.Providers()
	updates := []struct {
		kind provider.Kind
		file *provider.File
	}{
		{provider.KindText, req.TextGeneration},
		{provider.KindImage, req.ImageGeneration},
	}
	for _, u := range updates {
		if u.file == nil {
			continue
		}
		current, err := providers.Load(u.kind)
		if err != nil {
			return response.FromError(c, err)
		}
		unmask(u.file, current)
		if err := providers.Save(u.kind, u.file); err != nil {
			return response.FromError(c, err)
		}
	}

	return response.OK(c, model.MessageResponse{Success: true, Message: "Configuration updated"})
}

// Test handles POST /api/ai/config/test with a tiny text generation.
func (h *ConfigHandler) Test(c *fiber.Ctx) error {
	var req model.TestConnectionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	cfg := provider.Config{
		Type:    req.Type,
		Name:    "test",
		APIKey:  req.APIKey,
		BaseURL: req.BaseURL,
		Model:   req.Model,
		Timeout: testTimeoutSeconds,
	}
	if cfg.Type == "" {
		cfg.Type = provider.TypeOpenAICompatible
	}
	if cfg.Model == "" {
		cfg.Model = testModel
	}

	gen, err := h.registry.TextFor(cfg)
	if err != nil {
		return response.FromError(c, err)
	}
	text, err := gen.Generate(c.Context(), generator.TextRequest{
		Prompt:          testPrompt,
		Model:           cfg.Model,
		MaxOutputTokens: testMaxOutputTokens,
	})
	if err != nil {
		return response.FromError(c, err)
	}
	if strings.TrimSpace(text) == "" {
		return response.AIError(c, "Empty response from API")
	}

	return response.OK(c, model.MessageResponse{Success: true, Message: "Connection successful"})
}

func maskFile(f *provider.File) *provider.File {
	for name, cfg := range f.Providers {
		cfg.APIKey = provider.MaskAPIKey(cfg.APIKey)
		f.Providers[name] = cfg
	}
	return f
}

func unmask(f, current *provider.File) {
	for name, cfg := range f.Providers {
		if !provider.IsMasked(cfg.APIKey) {
			continue
		}
		cfg.APIKey = ""
		if old, ok := current.Providers[name]; ok {
			cfg.APIKey = old.APIKey
		}
		f.Providers[name] = cfg
	}
}
