// Package generator defines the text and image generation capabilities and
// the adapters that implement them for each provider family.
package generator

import "context"

// TextRequest is one text generation call.
type TextRequest struct {
	Prompt          string
	Model           string
	Temperature     float64
	MaxOutputTokens int // 0 leaves the provider default

	// Images are sent as inline data URIs ahead of the prompt.
	Images [][]byte
}

// TextGenerator produces text from a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, req TextRequest) (string, error)
}

// ImageRequest is one image generation call.
type ImageRequest struct {
	Prompt  string
	Model   string
	Size    string
	Quality string
	// Extra holds provider-specific request fields.
	Extra map[string]any

	// ReferenceImages carries visual context such as the cover. Adapters
	// whose endpoint takes a text-only prompt ignore it.
	ReferenceImages [][]byte
}

// ImageGenerator produces encoded image bytes from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) ([]byte, error)
}
