package qdrant

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

func uuidFor(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

var lastSeq atomic.Int64

// nextSeq stamps a point with its insertion order, strictly increasing within
// the process. Microseconds stay exact when Qdrant hands the payload back as
// a JSON number.
func nextSeq() int64 {
	for {
		last := lastSeq.Load()
		now := time.Now().UnixMicro()
		if now <= last {
			now = last + 1
		}
		if lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

// VectorIndex stores dense chunk vectors in a cosine collection. Owners
// share the collection and are separated by a payload filter.
type VectorIndex struct {
	t *transport

	dimMu     sync.Mutex
	dimension int
}

func New(baseURL, collection string, opts ...Option) *VectorIndex {
	return &VectorIndex{t: newTransport(baseURL, collection, opts)}
}

func (c *VectorIndex) ensure(ctx context.Context, size int) error {
	c.dimMu.Lock()
	if c.dimension != 0 && c.dimension != size {
		dim := c.dimension
		c.dimMu.Unlock()
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert",
			fmt.Errorf("vector dimension %d does not match collection dimension %d", size, dim))
	}
	c.dimension = size
	c.dimMu.Unlock()

	schema := map[string]any{
		"vectors": map[string]any{
			"size":     size,
			"distance": "Cosine",
		},
	}
	if err := c.t.ensureCollection(ctx, schema); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant ensure collection", err)
	}
	return nil
}

func (c *VectorIndex) Upsert(ctx context.Context, entry domain.VectorEntry) error {
	if entry.OwnerID == "" || entry.ChunkID == "" || len(entry.Vector) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("owner, chunk id and vector are required"))
	}
	if err := c.ensure(ctx, len(entry.Vector)); err != nil {
		return err
	}

	body := map[string]any{
		"points": []map[string]any{
			{
				"id":     pointID(entry.OwnerID, entry.ChunkID),
				"vector": entry.Vector,
				"payload": map[string]any{
					"owner_id": entry.OwnerID,
					"doc_id":   entry.DocumentID,
					"chunk_id": entry.ChunkID,
					"seq":      nextSeq(),
				},
			},
		},
	}
	if err := c.t.do(ctx, http.MethodPut, c.t.collectionURL("/points?wait=true"), body, nil, "upsert"); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant upsert", err)
	}
	return nil
}

func (c *VectorIndex) Delete(ctx context.Context, ownerID, chunkID string) error {
	return deletePoint(ctx, c.t, ownerID, chunkID)
}

func (c *VectorIndex) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"query":        vector,
		"limit":        k,
		"with_payload": true,
		"filter":       ownerFilter(ownerID),
	}
	return queryPoints(ctx, c.t, body, "search")
}

func deletePoint(ctx context.Context, t *transport, ownerID, chunkID string) error {
	body := map[string]any{"points": []string{pointID(ownerID, chunkID)}}
	err := t.do(ctx, http.MethodPost, t.collectionURL("/points/delete?wait=true"), body, nil, "delete")
	if err != nil && !isNotFound(err) {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant delete", err)
	}
	return nil
}

// queryPoints runs a universal query and orders equal scores by insertion
// sequence. Points written without a sequence sort first, by chunk id.
func queryPoints(ctx context.Context, t *transport, body map[string]any, operation string) ([]domain.ScoredChunk, error) {
	var resp queryResponse
	err := t.do(ctx, http.MethodPost, t.collectionURL("/points/query"), body, &resp, operation)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "qdrant "+operation, err)
	}

	type hit struct {
		chunk domain.ScoredChunk
		seq   int64
	}
	hits := make([]hit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		id := getStringPayload(p.Payload, "chunk_id")
		if id == "" {
			continue
		}
		hits = append(hits, hit{
			chunk: domain.ScoredChunk{ChunkID: id, Score: p.Score},
			seq:   getSeqPayload(p.Payload),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.chunk.Score != b.chunk.Score {
			return a.chunk.Score > b.chunk.Score
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.chunk.ChunkID < b.chunk.ChunkID
	})

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.chunk)
	}
	return out, nil
}
