package recognition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/tallocr/internal/cache"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// Store is the subset of the redis cache the decorator needs.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type cachedText struct {
	Text string `json:"text"`
}

// Cached serves repeat tiles from a store keyed by the tile's content hash.
// Only successful recognitions are stored.
type Cached struct {
	next      pipeline.Recognizer
	store     Store
	ttl       time.Duration
	namespace string
}

// NewCached scopes keys by namespace so different backends never share entries.
func NewCached(next pipeline.Recognizer, store Store, ttl time.Duration, namespace string) *Cached {
	return &Cached{next: next, store: store, ttl: ttl, namespace: namespace}
}

func (c *Cached) key(image []byte) string {
	sum := sha256.Sum256(image)
	return "ocr:" + c.namespace + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) Recognize(ctx context.Context, image []byte) (string, error) {
	key := c.key(image)

	var hit cachedText
	err := c.store.Get(ctx, key, &hit)
	switch {
	case err == nil:
		slog.Debug("recognition cache hit", "key", key)
		return hit.Text, nil
	case !errors.Is(err, cache.ErrMiss):
		slog.Warn("recognition cache read failed", "error", err)
	}

	text, err := c.next.Recognize(ctx, image)
	if err != nil {
		return "", err
	}

	if err := c.store.Set(ctx, key, cachedText{Text: text}, c.ttl); err != nil {
		slog.Warn("recognition cache write failed", "error", err)
	}
	return text, nil
}
