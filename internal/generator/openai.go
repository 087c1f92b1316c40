package generator

import (
	"context"
	"encoding/base64"
	"maps"
	"slices"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/provider"
)

const (
	defaultTextTimeout  = 120 // seconds
	defaultImageTimeout = 180
)

func openAIOptions(cfg provider.Config, kind string, timeout int) ([]option.RequestOption, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, apperr.Configf("base_url is required for %s provider %q", kind, cfg.Name)
	}
	if cfg.APIKey == "" {
		return nil, apperr.Configf("api_key is required for %s provider %q", kind, cfg.Name)
	}
	return []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL + "/"),
		option.WithRequestTimeout(cfg.TimeoutOr(timeout)),
		option.WithMaxRetries(0),
	}, nil
}

// extraBody sets each extra field on the request body, in key order.
func extraBody(extra map[string]any) []option.RequestOption {
	opts := make([]option.RequestOption, 0, len(extra))
	for _, key := range slices.Sorted(maps.Keys(extra)) {
		opts = append(opts, option.WithJSONSet(key, extra[key]))
	}
	return opts
}

// OpenAITextGenerator talks to any OpenAI-compatible chat/completions endpoint.
type OpenAITextGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAITextGenerator(cfg provider.Config) (*OpenAITextGenerator, error) {
	opts, err := openAIOptions(cfg, "text", defaultTextTimeout)
	if err != nil {
		return nil, err
	}
	return &OpenAITextGenerator{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (g *OpenAITextGenerator) Generate(ctx context.Context, req TextRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	var msg openai.ChatCompletionMessageParamUnion
	if len(req.Images) == 0 {
		msg = openai.UserMessage(req.Prompt)
	} else {
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.Images)+1)
		for _, img := range req.Images {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			}))
		}
		parts = append(parts, openai.TextContentPart(req.Prompt))
		msg = openai.UserMessage(parts)
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    []openai.ChatCompletionMessageParamUnion{msg},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", apperr.Provider("text generation failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Providerf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIImageGenerator calls the images/generations endpoint and asks for
// base64 output.
type OpenAIImageGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIImageGenerator(cfg provider.Config) (*OpenAIImageGenerator, error) {
	opts, err := openAIOptions(cfg, "image", defaultImageTimeout)
	if err != nil {
		return nil, err
	}
	return &OpenAIImageGenerator{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (g *OpenAIImageGenerator) Generate(ctx context.Context, req ImageRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}
	quality := req.Quality
	if quality == "" {
		quality = "standard"
	}

	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(model),
		Size:           openai.ImageGenerateParamsSize(size),
		Quality:        openai.ImageGenerateParamsQuality(quality),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		N:              openai.Int(1),
	}, extraBody(req.Extra)...)
	if err != nil {
		return nil, apperr.Provider("image generation failed", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, apperr.NoImageData("empty image data")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, apperr.Provider("invalid base64 image", err)
	}
	return data, nil
}
