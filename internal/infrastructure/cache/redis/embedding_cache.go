// Package redis shares computed embeddings between processes.
package redis

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// EmbeddingCache stores vectors as little-endian float32 blobs.
type EmbeddingCache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

func New(ctx context.Context, opts Options) (*EmbeddingCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.Prefix, opts.TTL), nil
}

func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *EmbeddingCache {
	if prefix == "" {
		prefix = "ragcore:emb:"
	}
	return &EmbeddingCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *EmbeddingCache) Close() error {
	return c.client.Close()
}

func (c *EmbeddingCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	if len(keys) == 0 {
		return map[string][]float32{}, nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = c.prefix + key
	}
	values, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget embeddings: %w", err)
	}

	out := make(map[string][]float32, len(keys))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		vector, ok := decodeVector([]byte(s))
		if !ok {
			continue
		}
		out[keys[i]] = vector
	}
	return out, nil
}

func (c *EmbeddingCache) SetMany(ctx context.Context, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for key, vector := range vectors {
			pipe.Set(ctx, c.prefix+key, encodeVector(vector), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set embeddings: %w", err)
	}
	return nil
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, x := range vector {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, bool) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, true
}
