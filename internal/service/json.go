package service

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/makeanote/api/internal/apperr"
)

var fencedJSONRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// ExtractJSON pulls a JSON object out of a model response. It tries the
// whole text, then a fenced code block, then the outermost braces.
func ExtractJSON(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out, nil
	}

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		out = nil
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &out); err == nil && out != nil {
			return out, nil
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		out = nil
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && out != nil {
			return out, nil
		}
	}

	slog.Error("failed to parse JSON from model response", "head", truncate(text, 200))
	return nil, apperr.Parsef("AI response format error")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
