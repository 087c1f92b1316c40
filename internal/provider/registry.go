package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/makeanote/api/internal/apperr"
	"github.com/makeanote/api/internal/fsutil"
	"github.com/makeanote/api/internal/polltask"
)

const videoFileName = "video_generation.yaml"

// Registry loads and saves provider files under dir. Reads are served from
// an in-memory cache that Save replaces synchronously.
type Registry struct {
	dir      string
	validate *validator.Validate

	mu    sync.RWMutex
	cache map[Kind]*File
	video *polltask.Config

	version atomic.Uint64
}

func NewRegistry(dir string) (*Registry, error) {
	if dir == "" {
		return nil, apperr.Configf("provider config dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	return &Registry{
		dir:      dir,
		validate: validator.New(),
		cache:    make(map[Kind]*File),
	}, nil
}

// Version increases on every successful save.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

func (r *Registry) path(kind Kind) string {
	return filepath.Join(r.dir, string(kind)+"_providers.yaml")
}

func checkKind(kind Kind) error {
	if kind != KindText && kind != KindImage {
		return apperr.Configf("unknown provider kind %q", kind)
	}
	return nil
}

// Load returns a copy of the provider file for kind. The first access for a
// kind with no file on disk writes the built-in default.
func (r *Registry) Load(kind Kind) (*File, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if f, ok := r.cache[kind]; ok {
		r.mu.RUnlock()
		return f.clone(), nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.cache[kind]; ok {
		return f.clone(), nil
	}

	f, err := r.readLocked(kind)
	if err != nil {
		return nil, err
	}
	r.cache[kind] = f
	return f.clone(), nil
}

func (r *Registry) readLocked(kind Kind) (*File, error) {
	path := r.path(kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		def := defaultFile(kind)
		if err := r.write(path, def); err != nil {
			return nil, fmt.Errorf("failed to write default %s providers: %w", kind, err)
		}
		slog.Info("created default provider config", slog.String("kind", string(kind)), slog.String("path", path))
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		slog.Warn("malformed provider config, using default", slog.String("path", path), slog.Any("error", err))
		return defaultFile(kind), nil
	}
	if err := r.validate.Struct(&f); err != nil {
		slog.Warn("invalid provider config, using default", slog.String("path", path), slog.Any("error", err))
		return defaultFile(kind), nil
	}
	return &f, nil
}

func (r *Registry) write(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// Save validates and persists f, then replaces the cached copy.
func (r *Registry) Save(kind Kind, f *File) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if f == nil {
		return apperr.Configf("provider file is required")
	}
	if err := r.validate.Struct(f); err != nil {
		return apperr.Configf("invalid %s provider config: %v", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(r.path(kind), f); err != nil {
		return fmt.Errorf("failed to save %s providers: %w", kind, err)
	}
	r.cache[kind] = f.clone()
	r.version.Add(1)
	return nil
}

// Active returns the name of the selected provider for kind.
func (r *Registry) Active(kind Kind) (string, error) {
	f, err := r.Load(kind)
	if err != nil {
		return "", err
	}
	return f.ActiveProvider, nil
}

// Config resolves name within kind, or the active provider when name is empty.
func (r *Registry) Config(kind Kind, name string) (Config, error) {
	f, err := r.Load(kind)
	if err != nil {
		return Config{}, err
	}
	if name == "" {
		name = f.ActiveProvider
	}
	cfg, ok := f.Providers[name]
	if !ok {
		return Config{}, apperr.NotFoundf("%s provider %q not found", kind, name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	return cfg, nil
}

// LoadVideo returns the poll-task configuration used for video jobs.
func (r *Registry) LoadVideo() (*polltask.Config, error) {
	r.mu.RLock()
	if r.video != nil {
		v := *r.video
		r.mu.RUnlock()
		return &v, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.video != nil {
		v := *r.video
		return &v, nil
	}

	path := filepath.Join(r.dir, videoFileName)
	cfg := &polltask.Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.ApplyDefaults()
		if err := r.write(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default video config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Warn("malformed video config, using default", slog.String("path", path), slog.Any("error", err))
			cfg = &polltask.Config{}
		}
		cfg.ApplyDefaults()
	}

	r.video = cfg
	v := *cfg
	return &v, nil
}

// SaveVideo persists the poll-task configuration.
func (r *Registry) SaveVideo(cfg *polltask.Config) error {
	if cfg == nil {
		return apperr.Configf("video config is required")
	}
	cfg.ApplyDefaults()
	if err := r.validate.Struct(cfg); err != nil {
		return apperr.Configf("invalid video config: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(filepath.Join(r.dir, videoFileName), cfg); err != nil {
		return fmt.Errorf("failed to save video config: %w", err)
	}
	v := *cfg
	r.video = &v
	r.version.Add(1)
	return nil
}
