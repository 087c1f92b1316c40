package generator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/provider"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash-exp-image-generation"
	geminiAPIVersion     = "v1beta"
)

// GeminiImageGenerator calls generateContent with image output enabled.
type GeminiImageGenerator struct {
	client  *genai.Client
	baseURL string
	model   string
}

func NewGeminiImageGenerator(cfg provider.Config) (*GeminiImageGenerator, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Configf("api_key is required for image provider %q", cfg.Name)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.TimeoutOr(defaultImageTimeout)},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: geminiAPIVersion,
		},
	})
	if err != nil {
		return nil, apperr.Configf("gemini client for provider %q: %v", cfg.Name, err)
	}

	return &GeminiImageGenerator{
		client:  client,
		baseURL: baseURL,
		model:   model,
	}, nil
}

func (g *GeminiImageGenerator) Generate(ctx context.Context, req ImageRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	config := &genai.GenerateContentConfig{}
	if len(req.Extra) > 0 {
		if err := mergeGenerationConfig(config, req.Extra); err != nil {
			return nil, apperr.Configf("invalid gemini extra params: %v", err)
		}
	}
	config.ResponseModalities = []string{"TEXT", "IMAGE"}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}

	slog.Debug("gemini request", slog.String("model", model))

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, apperr.Provider("gemini request failed", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, apperr.NoImageData("No candidates in response")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		return part.InlineData.Data, nil
	}
	return nil, apperr.NoImageData("No image data in response")
}

// mergeGenerationConfig overlays extra, keyed by generationConfig field
// names such as temperature or seed, onto cfg. Unknown keys are dropped.
func mergeGenerationConfig(cfg *genai.GenerateContentConfig, extra map[string]any) error {
	data, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}
