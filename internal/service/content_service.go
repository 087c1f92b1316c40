package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/provider"
)

// ContentService writes titles, copy and tags for a note.
type ContentService struct {
	gen     generator.TextGenerator
	cfg     provider.Config
	prompts *Prompts
}

func NewContentService(gen generator.TextGenerator, cfg provider.Config, prompts *Prompts) *ContentService {
	return &ContentService{gen: gen, cfg: cfg, prompts: prompts}
}

func (s *ContentService) Generate(ctx context.Context, topic, outlineText string) (*model.ContentResponse, error) {
	prompt, err := s.prompts.Render(PromptContent, map[string]any{
		"Topic":   topic,
		"Outline": outlineText,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("generating content", "topic", truncate(topic, 50), "model", s.cfg.Model)
	text, err := s.gen.Generate(ctx, generator.TextRequest{
		Prompt:          prompt,
		Model:           s.cfg.Model,
		Temperature:     s.cfg.TemperatureOr(defaultTemperature),
		MaxOutputTokens: s.cfg.MaxOutputTokensOr(defaultMaxOutputTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("content generation failed: %w", err)
	}

	data, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	resp := &model.ContentResponse{
		Success:     true,
		Titles:      stringList(data["titles"], false),
		Copywriting: stringValue(data["copywriting"]),
		Tags:        stringList(data["tags"], true),
	}
	slog.Info("content generated", "titles", len(resp.Titles), "tags", len(resp.Tags))
	return resp, nil
}

// stringList coerces a JSON value into a list of strings. A bare string
// becomes a single item, or is split on commas when split is set.
func stringList(v any, split bool) []string {
	out := []string{}
	switch t := v.(type) {
	case string:
		if !split {
			return append(out, t)
		}
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	case []any:
		for _, item := range t {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
