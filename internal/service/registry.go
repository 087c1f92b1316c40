package service

import (
	"context"
	"io"
	"sync"

	"github.com/makeanote/api/internal/generator"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/task"
)

// ObjectStore mirrors generated assets to remote storage.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Registry hands out services built from the current provider
// configuration. Built services are reused until the configuration version
// changes. Task state lives in the shared task store, so per-task locks
// survive a rebuild.
type Registry struct {
	providers *provider.Registry
	tasks     *task.Store
	prompts   *Prompts
	mirror    ObjectStore
	opts      ImageOptions

	newText  func(provider.Config) (generator.TextGenerator, error)
	newImage func(provider.Config) (generator.ImageGenerator, error)

	mu           sync.Mutex
	imageVersion uint64
	image        *ImageService
}

type RegistryOption func(*Registry)

// WithObjectStore enables mirroring of generated images.
func WithObjectStore(store ObjectStore) RegistryOption {
	return func(r *Registry) { r.mirror = store }
}

// WithGeneratorFactories replaces the adapter constructors.
func WithGeneratorFactories(
	text func(provider.Config) (generator.TextGenerator, error),
	image func(provider.Config) (generator.ImageGenerator, error),
) RegistryOption {
	return func(r *Registry) {
		if text != nil {
			r.newText = text
		}
		if image != nil {
			r.newImage = image
		}
	}
}

func NewRegistry(providers *provider.Registry, tasks *task.Store, prompts *Prompts, opts ImageOptions, options ...RegistryOption) *Registry {
	r := &Registry{
		providers: providers,
		tasks:     tasks,
		prompts:   prompts,
		opts:      opts.withDefaults(),
		newText:   generator.NewTextGenerator,
		newImage:  generator.NewImageGenerator,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

func (r *Registry) Providers() *provider.Registry { return r.providers }

func (r *Registry) Tasks() *task.Store { return r.tasks }

func (r *Registry) Prompts() *Prompts { return r.prompts }

// Text builds a text generator for the active text provider.
func (r *Registry) Text() (generator.TextGenerator, provider.Config, error) {
	cfg, err := r.providers.Config(provider.KindText, "")
	if err != nil {
		return nil, provider.Config{}, err
	}
	gen, err := r.newText(cfg)
	if err != nil {
		return nil, provider.Config{}, err
	}
	return gen, cfg, nil
}

// TextFor builds a text generator for an explicit config.
func (r *Registry) TextFor(cfg provider.Config) (generator.TextGenerator, error) {
	return r.newText(cfg)
}

// Image returns the image service for the active image provider.
func (r *Registry) Image() (*ImageService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := r.providers.Version()
	if r.image != nil && r.imageVersion == version {
		return r.image, nil
	}

	cfg, err := r.providers.Config(provider.KindImage, "")
	if err != nil {
		return nil, err
	}
	gen, err := r.newImage(cfg)
	if err != nil {
		return nil, err
	}
	r.image = NewImageService(gen, cfg, r.tasks, r.prompts, r.mirror, r.opts)
	r.imageVersion = version
	return r.image, nil
}

// Outline returns an outline service bound to the active text provider.
func (r *Registry) Outline() (*OutlineService, error) {
	gen, cfg, err := r.Text()
	if err != nil {
		return nil, err
	}
	return NewOutlineService(gen, cfg, r.prompts), nil
}

func (r *Registry) Content() (*ContentService, error) {
	gen, cfg, err := r.Text()
	if err != nil {
		return nil, err
	}
	return NewContentService(gen, cfg, r.prompts), nil
}

func (r *Registry) VideoPlan() (*VideoPlanService, error) {
	gen, cfg, err := r.Text()
	if err != nil {
		return nil, err
	}
	return NewVideoPlanService(gen, cfg, r.prompts), nil
}
