package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/kirillkom/ragcore/internal/core/ports"
)

func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// LocalCache is a bounded in-process cache with first-in first-out eviction.
type LocalCache struct {
	capacity int

	mu      sync.Mutex
	entries map[string][]float32
	order   []string
}

func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LocalCache{
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *LocalCache) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]float32, len(keys))
	for _, key := range keys {
		if v, ok := c.entries[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (c *LocalCache) SetMany(_ context.Context, vectors map[string][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, v := range vectors {
		if _, ok := c.entries[key]; ok {
			c.entries[key] = v
			continue
		}
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[key] = v
		c.order = append(c.order, key)
	}
	return nil
}

func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TieredCache reads layers in order and backfills faster layers on a hit in
// a slower one. Writes go to every layer.
type TieredCache struct {
	layers []ports.EmbeddingCache
}

func NewTieredCache(layers ...ports.EmbeddingCache) *TieredCache {
	out := make([]ports.EmbeddingCache, 0, len(layers))
	for _, layer := range layers {
		if layer != nil {
			out = append(out, layer)
		}
	}
	return &TieredCache{layers: out}
}

func (t *TieredCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	found := make(map[string][]float32, len(keys))
	remaining := keys
	for i, layer := range t.layers {
		if len(remaining) == 0 {
			break
		}
		hits, err := layer.GetMany(ctx, remaining)
		if err != nil {
			return found, err
		}
		if len(hits) == 0 {
			continue
		}
		for key, v := range hits {
			found[key] = v
		}
		for j, faster := range t.layers[:i] {
			if err := faster.SetMany(ctx, hits); err != nil {
				slog.Warn("embedding_cache_backfill_failed", "layer", j, "source_layer", i, "keys", len(hits), "error", err)
			}
		}
		next := remaining[:0:0]
		for _, key := range remaining {
			if _, ok := hits[key]; !ok {
				next = append(next, key)
			}
		}
		remaining = next
	}
	return found, nil
}

func (t *TieredCache) SetMany(ctx context.Context, vectors map[string][]float32) error {
	var firstErr error
	for _, layer := range t.layers {
		if err := layer.SetMany(ctx, vectors); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
