package service

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed prompts/*.txt
var defaultPrompts embed.FS

// Prompt template names.
const (
	PromptOutline   = "outline"
	PromptContent   = "content"
	PromptImage     = "image"
	PromptVideoPlan = "video_plan"
)

// Prompts renders the prompt templates. A file named <name>_prompt.txt in
// the override directory replaces the built-in template of that name.
type Prompts struct {
	overrideDir string
}

func NewPrompts(overrideDir string) *Prompts {
	return &Prompts{overrideDir: overrideDir}
}

func (p *Prompts) source(name string) (string, error) {
	if p.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(p.overrideDir, name+"_prompt.txt"))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to read prompt override", "name", name, "error", err)
		}
	}
	data, err := defaultPrompts.ReadFile("prompts/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("unknown prompt %q: %w", name, err)
	}
	return string(data), nil
}

// Render executes template name with data.
func (p *Prompts) Render(name string, data any) (string, error) {
	src, err := p.source(name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid prompt template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}
