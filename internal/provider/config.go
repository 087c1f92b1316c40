// Package provider manages the named text and image backends and the
// durable YAML files they are stored in.
package provider

import (
	"strings"
	"time"
)

// Kind selects which provider file a call operates on.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Provider type tags understood by the generator factory.
const (
	TypeOpenAI           = "openai"
	TypeOpenAICompatible = "openai_compatible"
	TypeCustom           = "custom"
	TypeGemini           = "gemini"
	TypeGoogleGemini     = "google_gemini"
)

// Config describes one named backend.
type Config struct {
	Type            string   `yaml:"type" json:"type" validate:"required"`
	Name            string   `yaml:"name" json:"name"`
	BaseURL         string   `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	APIKey          string   `yaml:"api_key" json:"api_key"`
	Model           string   `yaml:"model" json:"model"`
	Temperature     *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxOutputTokens *int     `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty" validate:"omitempty,gt=0"`
	DefaultSize     string   `yaml:"default_size,omitempty" json:"default_size,omitempty"`
	Quality         string   `yaml:"quality,omitempty" json:"quality,omitempty"`
	Timeout         int      `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"` // seconds

	// Extra is merged into image request bodies as is.
	Extra map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// File is the on-disk document for one kind.
type File struct {
	ActiveProvider string            `yaml:"active_provider" json:"active_provider" validate:"required"`
	Providers      map[string]Config `yaml:"providers" json:"providers" validate:"required,min=1,dive"`
}

// TimeoutOr returns the configured timeout, or def seconds when unset.
func (c Config) TimeoutOr(def int) time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Second
	}
	return time.Duration(def) * time.Second
}

// TemperatureOr returns the configured temperature or def.
func (c Config) TemperatureOr(def float64) float64 {
	if c.Temperature != nil {
		return *c.Temperature
	}
	return def
}

// MaxOutputTokensOr returns the configured token budget or def.
func (c Config) MaxOutputTokensOr(def int) int {
	if c.MaxOutputTokens != nil {
		return *c.MaxOutputTokens
	}
	return def
}

func (f *File) clone() *File {
	out := &File{ActiveProvider: f.ActiveProvider, Providers: make(map[string]Config, len(f.Providers))}
	for name, cfg := range f.Providers {
		out.Providers[name] = cfg
	}
	return out
}

// MaskAPIKey keeps the first 8 characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return key[:len(key)/2] + "****"
	}
	return key[:8] + "****"
}

// IsMasked reports whether key looks like the output of MaskAPIKey.
func IsMasked(key string) bool {
	return strings.HasSuffix(key, "****")
}

func defaultFile(kind Kind) *File {
	switch kind {
	case KindImage:
		return &File{
			ActiveProvider: "custom",
			Providers: map[string]Config{
				"custom": {
					Type:        TypeOpenAICompatible,
					Name:        "Custom API",
					Model:       "dall-e-3",
					DefaultSize: "1024x1024",
					Quality:     "standard",
				},
			},
		}
	default:
		temperature := 0.7
		maxTokens := 4096
		return &File{
			ActiveProvider: "custom",
			Providers: map[string]Config{
				"custom": {
					Type:            TypeOpenAICompatible,
					Name:            "Custom API",
					Model:           "gpt-4",
					Temperature:     &temperature,
					MaxOutputTokens: &maxTokens,
				},
			},
		}
	}
}
