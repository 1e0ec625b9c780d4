package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

// Loader brings up the embedding model. It is called at most MaxInitAttempts
// times over the life of a Provider.
type Loader func(ctx context.Context) (ports.EmbeddingModel, error)

type Config struct {
	ModelName       string
	BatchSize       int
	Concurrency     int
	MaxInitAttempts int
}

func (c Config) normalize() Config {
	out := c
	if out.BatchSize <= 0 {
		out.BatchSize = 32
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.MaxInitAttempts <= 0 {
		out.MaxInitAttempts = 3
	}
	return out
}

// Provider is the process-wide embedding entry point. The model is loaded
// lazily on first use under a mutex and then reused.
type Provider struct {
	cfg    Config
	loader Loader
	cache  ports.EmbeddingCache
	pool   *ants.Pool

	mu           sync.Mutex
	model        ports.EmbeddingModel
	dimension    int
	initAttempts int
	initErr      error
}

func NewProvider(loader Loader, cache ports.EmbeddingCache, cfg Config) (*Provider, error) {
	if loader == nil {
		return nil, errors.New("embedding: loader is nil")
	}
	cfg = cfg.normalize()
	p := &Provider{
		cfg:    cfg,
		loader: loader,
		cache:  cache,
	}
	if cfg.Concurrency > 1 {
		pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(v any) {
			slog.Error("embedding_worker_panic", "panic", v)
		}))
		if err != nil {
			return nil, fmt.Errorf("create embedding pool: %w", err)
		}
		p.pool = pool
	}
	return p, nil
}

func (p *Provider) Close() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Dimension returns the vector length seen so far, zero before the first call.
func (p *Provider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimension
}

func (p *Provider) instance(ctx context.Context) (ports.EmbeddingModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.model != nil {
		return p.model, nil
	}
	if p.initAttempts >= p.cfg.MaxInitAttempts {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "load embedding model",
			fmt.Errorf("gave up after %d attempts: %w", p.initAttempts, p.initErr))
	}

	p.initAttempts++
	model, err := p.loader(ctx)
	if err != nil {
		p.initErr = err
		slog.Warn("embedding_model_load_failed",
			"model", p.cfg.ModelName,
			"attempt", p.initAttempts,
			"max_attempts", p.cfg.MaxInitAttempts,
			"error", err,
		)
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "load embedding model", err)
	}
	p.model = model
	return model, nil
}

func (p *Provider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model, err := p.instance(ctx)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = CacheKey(p.cfg.ModelName, text)
	}
	p.fillFromCache(ctx, keys, out)

	missing := make([]int, 0, len(texts))
	for i := range out {
		if out[i] == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	if err := p.embedMissing(ctx, model, texts, missing, out); err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed texts", err)
	}
	if err := p.checkDimension(out); err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed texts", err)
	}

	fresh := make(map[string][]float32, len(missing))
	for _, i := range missing {
		fresh[keys[i]] = out[i]
	}
	p.storeInCache(ctx, fresh)
	return out, nil
}

func (p *Provider) embedMissing(ctx context.Context, model ports.EmbeddingModel, texts []string, missing []int, out [][]float32) error {
	batches := make([][]int, 0, len(missing)/p.cfg.BatchSize+1)
	for start := 0; start < len(missing); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batches = append(batches, missing[start:end])
	}

	runBatch := func(batch []int) error {
		input := make([]string, len(batch))
		for j, idx := range batch {
			input[j] = texts[idx]
		}
		vectors, err := model.Embed(ctx, input)
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("model returned %d vectors for %d texts", len(vectors), len(batch))
		}
		for j, idx := range batch {
			out[idx] = vectors[j]
		}
		return nil
	}

	if p.pool == nil || len(batches) == 1 {
		for _, batch := range batches {
			if err := runBatch(batch); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	record := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := runBatch(batch); err != nil {
				record(err)
			}
		}
		if err := p.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return firstErr
}

func (p *Provider) checkDimension(vectors [][]float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range vectors {
		if len(v) == 0 {
			return errors.New("model returned an empty vector")
		}
		if p.dimension == 0 {
			p.dimension = len(v)
			continue
		}
		if len(v) != p.dimension {
			return fmt.Errorf("vector dimension %d does not match %d", len(v), p.dimension)
		}
	}
	return nil
}

func (p *Provider) fillFromCache(ctx context.Context, keys []string, out [][]float32) {
	if p.cache == nil {
		return
	}
	found, err := p.cache.GetMany(ctx, keys)
	if err != nil {
		slog.Warn("embedding_cache_read_failed", "error", err)
		return
	}
	for i, key := range keys {
		if v, ok := found[key]; ok {
			out[i] = v
		}
	}
}

func (p *Provider) storeInCache(ctx context.Context, vectors map[string][]float32) {
	if p.cache == nil || len(vectors) == 0 {
		return
	}
	if err := p.cache.SetMany(ctx, vectors); err != nil {
		slog.Warn("embedding_cache_write_failed", "error", err)
	}
}
