package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/imageproc"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/outline"
	"github.com/makeanote/api/internal/provider"
)

const (
	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 4096
	outlineImageMaxKB      = 200
)

// OutlineService turns a topic into a page outline.
type OutlineService struct {
	gen     generator.TextGenerator
	cfg     provider.Config
	prompts *Prompts
}

func NewOutlineService(gen generator.TextGenerator, cfg provider.Config, prompts *Prompts) *OutlineService {
	return &OutlineService{gen: gen, cfg: cfg, prompts: prompts}
}

// Generate asks the text provider for an outline and parses it into pages.
// Reference images are compressed and sent along with the prompt.
func (s *OutlineService) Generate(ctx context.Context, topic string, images [][]byte) (*model.OutlineResponse, error) {
	prompt, err := s.prompts.Render(PromptOutline, map[string]any{
		"Topic":      topic,
		"ImageCount": len(images),
	})
	if err != nil {
		return nil, err
	}

	refs := make([][]byte, 0, len(images))
	for _, img := range images {
		refs = append(refs, imageproc.Compress(img, outlineImageMaxKB, imageproc.DefaultQuality))
	}

	slog.Info("generating outline", "topic", truncate(topic, 50), "images", len(refs), "model", s.cfg.Model)
	text, err := s.gen.Generate(ctx, generator.TextRequest{
		Prompt:          prompt,
		Model:           s.cfg.Model,
		Temperature:     s.cfg.TemperatureOr(defaultTemperature),
		MaxOutputTokens: s.cfg.MaxOutputTokensOr(defaultMaxOutputTokens),
		Images:          refs,
	})
	if err != nil {
		return nil, fmt.Errorf("outline generation failed: %w", err)
	}

	pages := outline.Parse(text)
	slog.Info("outline parsed", "pages", len(pages))

	return &model.OutlineResponse{
		Success:   true,
		Outline:   text,
		Pages:     pages,
		HasImages: len(refs) > 0,
	}, nil
}
