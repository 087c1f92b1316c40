package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/provider"
)

func TestNewImageGenerator_UnknownTypeFallsBack(t *testing.T) {
	gen, err := NewImageGenerator(provider.Config{
		Type:    "brand-new-vendor",
		Name:    "future",
		BaseURL: "https://api.example.com/v1",
		APIKey:  "sk-test",
	})
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if _, ok := gen.(*OpenAIImageGenerator); !ok {
		t.Errorf("expected *OpenAIImageGenerator, got %T", gen)
	}
}

func TestNewImageGenerator_GeminiTypes(t *testing.T) {
	for _, typ := range []string{provider.TypeGemini, provider.TypeGoogleGemini} {
		gen, err := NewImageGenerator(provider.Config{Type: typ, APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		g, ok := gen.(*GeminiImageGenerator)
		if !ok {
			t.Fatalf("%s: expected gemini adapter, got %T", typ, gen)
		}
		if g.baseURL != defaultGeminiBaseURL || g.model != defaultGeminiModel {
			t.Errorf("%s: defaults not applied: %s %s", typ, g.baseURL, g.model)
		}
	}
}

func TestNewTextGenerator_Mapping(t *testing.T) {
	for _, typ := range []string{"openai", "openai_compatible", "custom", "google_gemini", "mystery"} {
		gen, err := NewTextGenerator(provider.Config{Type: typ, BaseURL: "https://x.test/v1", APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if _, ok := gen.(*OpenAITextGenerator); !ok {
			t.Errorf("%s: expected *OpenAITextGenerator, got %T", typ, gen)
		}
	}
}

func TestConstructors_FailFastOnMissingCredentials(t *testing.T) {
	cases := []struct {
		name string
		fn   func() error
	}{
		{"text no key", func() error {
			_, err := NewTextGenerator(provider.Config{Type: "openai", BaseURL: "https://x"})
			return err
		}},
		{"text no url", func() error { _, err := NewTextGenerator(provider.Config{Type: "openai", APIKey: "k"}); return err }},
		{"image no key", func() error {
			_, err := NewImageGenerator(provider.Config{Type: "openai", BaseURL: "https://x"})
			return err
		}},
		{"gemini no key", func() error { _, err := NewImageGenerator(provider.Config{Type: "gemini"}); return err }},
	}
	for _, tc := range cases {
		if err := tc.fn(); !errors.Is(err, apperr.ErrConfig) {
			t.Errorf("%s: expected config error, got %v", tc.name, err)
		}
	}
}

func TestOpenAIText_InlinesImagesBeforeText(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string            `json:"role"`
			Content []json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"outline text"}}]}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAITextGenerator(provider.Config{Type: "openai", BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := gen.Generate(context.Background(), TextRequest{
		Prompt:      "describe",
		Temperature: 0.7,
		Images:      [][]byte{[]byte("img-1"), []byte("img-2")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "outline text" {
		t.Errorf("unexpected output %q", out)
	}

	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Fatalf("expected one user message, got %+v", body.Messages)
	}
	parts := body.Messages[0].Content
	if len(parts) != 3 {
		t.Fatalf("expected 3 content parts, got %d", len(parts))
	}
	var first struct {
		Type     string `json:"type"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	json.Unmarshal(parts[0], &first)
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("img-1"))
	if first.Type != "image_url" || first.ImageURL.URL != want {
		t.Errorf("first part = %+v", first)
	}
	var last struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	json.Unmarshal(parts[2], &last)
	if last.Type != "text" || last.Text != "describe" {
		t.Errorf("last part = %+v", last)
	}
}

func TestOpenAIText_NonSuccessIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	gen, _ := NewOpenAITextGenerator(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := gen.Generate(context.Background(), TextRequest{Prompt: "x"})
	if !errors.Is(err, apperr.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
}

func TestOpenAIImage_DecodesB64(t *testing.T) {
	png := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &req)
		if req["response_format"] != "b64_json" || req["size"] != "1024x1536" {
			t.Errorf("unexpected request %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(png) + `"}]}`))
	}))
	defer srv.Close()

	gen, _ := NewOpenAIImageGenerator(provider.Config{BaseURL: srv.URL + "/", APIKey: "k", Model: "dall-e-3"})
	out, err := gen.Generate(context.Background(), ImageRequest{Prompt: "cat", Size: "1024x1536"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(out) != string(png) {
		t.Errorf("unexpected bytes %q", out)
	}
}

func TestOpenAIImage_ExtraReachesBody(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("img")) + `"}]}`))
	}))
	defer srv.Close()

	gen, _ := NewOpenAIImageGenerator(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := gen.Generate(context.Background(), ImageRequest{
		Prompt: "cat",
		Extra:  map[string]any{"style": "vivid", "watermark": false},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if req["style"] != "vivid" || req["watermark"] != false || req["prompt"] != "cat" {
		t.Errorf("unexpected request %v", req)
	}
}

type geminiWire struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

func TestGemini_ExtractsFirstInlineImage(t *testing.T) {
	img := []byte("jpeg-bytes")
	var got geminiWire
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/m1:generateContent" || r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"` +
			base64.StdEncoding.EncodeToString(img) + `"}}]}}]}`))
	}))
	defer srv.Close()

	gen, _ := NewGeminiImageGenerator(provider.Config{BaseURL: srv.URL, APIKey: "k", Model: "m1"})
	out, err := gen.Generate(context.Background(), ImageRequest{Prompt: "a cover", ReferenceImages: [][]byte{[]byte("ref")}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(out) != string(img) {
		t.Errorf("unexpected image %q", out)
	}
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 1 || got.Contents[0].Parts[0].Text != "a cover" {
		t.Errorf("expected a single text part, got %+v", got.Contents)
	}
	modalities, _ := got.GenerationConfig["responseModalities"].([]any)
	if len(modalities) != 2 || modalities[1] != "IMAGE" {
		t.Errorf("generationConfig = %v", got.GenerationConfig)
	}
}

func TestGemini_ExtraMergesIntoGenerationConfig(t *testing.T) {
	var got geminiWire
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` +
			base64.StdEncoding.EncodeToString([]byte("png")) + `"}}]}}]}`))
	}))
	defer srv.Close()

	gen, _ := NewGeminiImageGenerator(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := gen.Generate(context.Background(), ImageRequest{
		Prompt: "x",
		Extra:  map[string]any{"temperature": 0.5, "seed": 7},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.GenerationConfig["temperature"] != 0.5 || got.GenerationConfig["seed"] != float64(7) {
		t.Errorf("generationConfig = %v", got.GenerationConfig)
	}
	if _, ok := got.GenerationConfig["responseModalities"]; !ok {
		t.Errorf("responseModalities dropped: %v", got.GenerationConfig)
	}
}

func TestGemini_NoImageData(t *testing.T) {
	cases := map[string]string{
		"no candidates": `{"candidates":[]}`,
		"text only":     `{"candidates":[{"content":{"parts":[{"text":"sorry"}]}}]}`,
	}
	for name, payload := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(payload))
		}))
		gen, _ := NewGeminiImageGenerator(provider.Config{BaseURL: srv.URL, APIKey: "k"})
		_, err := gen.Generate(context.Background(), ImageRequest{Prompt: "x"})
		srv.Close()
		if !errors.Is(err, apperr.ErrNoImageData) || !errors.Is(err, apperr.ErrProvider) {
			t.Errorf("%s: expected no-image-data provider error, got %v", name, err)
		}
	}
}
