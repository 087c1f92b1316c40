package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/makeanote/api/internal/config"
)

var tracer = otel.Tracer("minio-client")

// MinioClient implements StorageClient for MinIO and other S3-compatible
// self-hosted stores.
type MinioClient struct {
	client   *minio.Client
	endpoint string
	bucket   string
	secure   bool
}

func NewMinioClient(cfg *config.MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MinIO configuration incomplete")
	}
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &MinioClient{
		client:   c,
		endpoint: cfg.Endpoint,
		bucket:   cfg.Bucket,
		secure:   cfg.UseSSL,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (c *MinioClient) EnsureBucket(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "minio_ensure_bucket")
	defer span.End()
	span.SetAttributes(attribute.String("minio.bucket", c.bucket))

	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Upload streams body to the bucket. The size is unknown, so minio-go
// switches to a multipart upload for large bodies.
func (c *MinioClient) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio_upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("minio.bucket", c.bucket),
		attribute.String("minio.key", key),
	)

	info, err := c.client.PutObject(ctx, c.bucket, key, body, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	span.SetAttributes(attribute.Int64("minio.size", info.Size))
	return c.GetPublicURL(key), nil
}

func (c *MinioClient) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio_delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("minio.bucket", c.bucket),
		attribute.String("minio.key", key),
	)

	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object from MinIO: %w", err)
	}
	return nil
}

func (c *MinioClient) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

func (c *MinioClient) GetPublicURL(key string) string {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, c.endpoint, c.bucket, key)
}
