package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/makeanote/api/internal/config"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
}

// NewStorageClient builds the object store selected by storage.object_backend.
// It returns nil when mirroring is disabled.
func NewStorageClient(ctx context.Context, cfg *config.Config) (StorageClient, error) {
	switch cfg.Storage.ObjectBackend {
	case "", config.ObjectBackendNone:
		return nil, nil
	case config.ObjectBackendR2:
		c, err := NewR2Client(&cfg.R2)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ObjectBackendMinio:
		c, err := NewMinioClient(&cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := c.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown object backend %q", cfg.Storage.ObjectBackend)
	}
}
