package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/model"
	"github.com/makeanote/api/internal/provider"
)

const (
	defaultPlatform        = "xiaohongshu"
	defaultAspectRatio     = "9:16"
	defaultDurationSeconds = 15
	videoPlanTemperature   = 0.6
	emptyField             = "（无）"
)

// VideoPlanService produces a storyboard and prompt pack for video models.
type VideoPlanService struct {
	gen     generator.TextGenerator
	cfg     provider.Config
	prompts *Prompts
}

func NewVideoPlanService(gen generator.TextGenerator, cfg provider.Config, prompts *Prompts) *VideoPlanService {
	return &VideoPlanService{gen: gen, cfg: cfg, prompts: prompts}
}

func (s *VideoPlanService) Generate(ctx context.Context, req *model.VideoPlanRequest) (*model.VideoPlanResponse, error) {
	platform := orDefault(req.Platform, defaultPlatform)
	aspect := orDefault(req.AspectRatio, defaultAspectRatio)
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = defaultDurationSeconds
	}

	prompt, err := s.prompts.Render(PromptVideoPlan, map[string]any{
		"Platform":        platform,
		"AspectRatio":     aspect,
		"DurationSeconds": duration,
		"Topic":           req.Topic,
		"ProductInfo":     orDefault(req.ProductInfo, emptyField),
		"TargetAudience":  orDefault(req.TargetAudience, emptyField),
		"SellingPoints":   orDefault(req.SellingPoints, emptyField),
		"Style":           orDefault(req.Style, emptyField),
		"MustInclude":     orDefault(req.MustInclude, emptyField),
		"Forbidden":       orDefault(req.Forbidden, emptyField),
		"Outline":         orDefault(req.Outline, emptyField),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("generating video plan", "topic", truncate(req.Topic, 50), "duration", duration, "model", s.cfg.Model)
	text, err := s.gen.Generate(ctx, generator.TextRequest{
		Prompt:          prompt,
		Model:           s.cfg.Model,
		Temperature:     s.cfg.TemperatureOr(videoPlanTemperature),
		MaxOutputTokens: s.cfg.MaxOutputTokensOr(defaultMaxOutputTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("video plan generation failed: %w", err)
	}

	plan, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	if _, ok := plan["platform"]; !ok {
		plan["platform"] = platform
	}
	if _, ok := plan["aspect_ratio"]; !ok {
		plan["aspect_ratio"] = aspect
	}
	if _, ok := plan["duration_seconds"]; !ok {
		plan["duration_seconds"] = duration
	}

	return &model.VideoPlanResponse{Success: true, VideoPlan: plan}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
