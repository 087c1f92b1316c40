package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_SECRET", "")
	t.Setenv("TEST_SECRET_FILE", path)

	readSecret("TEST_SECRET")
	if got := os.Getenv("TEST_SECRET"); got != "s3cret" {
		t.Errorf("TEST_SECRET = %q", got)
	}

	t.Setenv("TEST_SECRET", "direct")
	readSecret("TEST_SECRET")
	if got := os.Getenv("TEST_SECRET"); got != "direct" {
		t.Errorf("direct value overwritten: %q", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/notes")
	t.Setenv("GENERATION_CONCURRENCY", "3")
	t.Setenv("GENERATION_RATE_INTERVAL_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DataDir != "/tmp/notes" || cfg.Storage.HistoryDir() != "/tmp/notes/history" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Generation.Concurrency != 3 || cfg.Generation.RateInterval != 250*time.Millisecond {
		t.Errorf("generation = %+v", cfg.Generation)
	}
	if cfg.Generation.TaskTTL != 2*time.Hour || cfg.Generation.ReferenceMaxKB != 200 {
		t.Errorf("generation defaults = %+v", cfg.Generation)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (ServerConfig{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("%q -> %v, want %v", in, got, want)
		}
	}
}
