package generator

import (
	"log/slog"

	"github.com/makeanote/api/internal/provider"
)

// NewTextGenerator builds the text adapter for cfg.Type. Every known tag,
// including google_gemini, speaks the OpenAI chat protocol. Unknown tags
// fall back to it as well.
func NewTextGenerator(cfg provider.Config) (TextGenerator, error) {
	switch cfg.Type {
	case provider.TypeOpenAI, provider.TypeOpenAICompatible, provider.TypeCustom, provider.TypeGoogleGemini:
	default:
		slog.Warn("unknown text provider type, using openai_compatible",
			slog.String("type", cfg.Type), slog.String("provider", cfg.Name))
	}
	return NewOpenAITextGenerator(cfg)
}

// NewImageGenerator builds the image adapter for cfg.Type. Unknown tags fall
// back to the OpenAI-compatible adapter.
func NewImageGenerator(cfg provider.Config) (ImageGenerator, error) {
	switch cfg.Type {
	case provider.TypeGemini, provider.TypeGoogleGemini:
		return NewGeminiImageGenerator(cfg)
	case provider.TypeOpenAI, provider.TypeOpenAICompatible, provider.TypeCustom:
		return NewOpenAIImageGenerator(cfg)
	default:
		slog.Warn("unknown image provider type, using openai_compatible",
			slog.String("type", cfg.Type), slog.String("provider", cfg.Name))
		return NewOpenAIImageGenerator(cfg)
	}
}
