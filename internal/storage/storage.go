// Package storage keeps uploaded screenshots in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nikhilbhutani/tallocr/internal/config"
)

// ErrNotFound is returned by Download when the object does not exist.
var ErrNotFound = errors.New("object not found")

type Storage interface {
	Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error
	Download(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, path string) error
	GetPublicURL(bucket, path string) string
}

// New returns the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, fmt.Errorf("supabase storage requires SUPABASE_URL and SUPABASE_SERVICE_KEY")
		}
		return NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey), nil
	case "s3":
		return NewS3Storage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (want supabase or s3)", cfg.Backend)
	}
}
