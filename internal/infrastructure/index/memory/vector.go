package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type vectorRecord struct {
	Entry domain.VectorEntry `json:"entry"`
	Seq   uint64             `json:"seq"`

	unit []float32
}

// VectorIndex is an exact cosine-similarity index partitioned by owner.
type VectorIndex struct {
	store Store

	mu        sync.RWMutex
	owners    map[string]map[string]*vectorRecord
	seq       uint64
	dimension int
}

func NewVectorIndex(store Store) (*VectorIndex, error) {
	idx := &VectorIndex{
		store:  store,
		owners: make(map[string]map[string]*vectorRecord),
	}
	if store == nil {
		return idx, nil
	}
	err := store.ForEach(vectorBucket, func(_, value []byte) error {
		var rec vectorRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode vector record: %w", err)
		}
		idx.put(&rec)
		if rec.Seq > idx.seq {
			idx.seq = rec.Seq
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "load vector index", err)
	}
	return idx, nil
}

func (v *VectorIndex) put(rec *vectorRecord) {
	rec.unit = normalize(rec.Entry.Vector)
	if v.dimension == 0 {
		v.dimension = len(rec.Entry.Vector)
	}
	ns, ok := v.owners[rec.Entry.OwnerID]
	if !ok {
		ns = make(map[string]*vectorRecord)
		v.owners[rec.Entry.OwnerID] = ns
	}
	ns[rec.Entry.ChunkID] = rec
}

// Upsert replaces the vector stored for the chunk. Re-upserting keeps the
// original insertion position.
func (v *VectorIndex) Upsert(_ context.Context, entry domain.VectorEntry) error {
	if entry.OwnerID == "" || entry.ChunkID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "vector upsert", fmt.Errorf("owner and chunk id are required"))
	}
	if len(entry.Vector) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "vector upsert", fmt.Errorf("empty vector for %s", entry.ChunkID))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dimension != 0 && len(entry.Vector) != v.dimension {
		return domain.WrapError(domain.ErrInvalidInput, "vector upsert",
			fmt.Errorf("vector dimension %d does not match index dimension %d", len(entry.Vector), v.dimension))
	}

	rec := &vectorRecord{Entry: entry}
	if existing, ok := v.owners[entry.OwnerID][entry.ChunkID]; ok {
		rec.Seq = existing.Seq
	} else {
		v.seq++
		rec.Seq = v.seq
	}

	if v.store != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode vector record: %w", err)
		}
		if err := v.store.Put(vectorBucket, recordKey(entry.OwnerID, entry.ChunkID), raw); err != nil {
			return domain.WrapError(domain.ErrIndexUnavailable, "vector upsert", err)
		}
	}
	v.put(rec)
	return nil
}

func (v *VectorIndex) Delete(_ context.Context, ownerID, chunkID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ns, ok := v.owners[ownerID]
	if !ok {
		return nil
	}
	if _, ok := ns[chunkID]; !ok {
		return nil
	}
	if v.store != nil {
		if err := v.store.Delete(vectorBucket, recordKey(ownerID, chunkID)); err != nil {
			return domain.WrapError(domain.ErrIndexUnavailable, "vector delete", err)
		}
	}
	delete(ns, chunkID)
	if len(ns) == 0 {
		delete(v.owners, ownerID)
	}
	return nil
}

// Search returns up to k chunks of the owner by descending cosine
// similarity. Equal scores keep insertion order.
func (v *VectorIndex) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	query := normalize(vector)

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.dimension != 0 && len(vector) != v.dimension {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector search",
			fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), v.dimension))
	}

	ns := v.owners[ownerID]
	type hit struct {
		id    string
		score float64
		seq   uint64
	}
	hits := make([]hit, 0, len(ns))
	for id, rec := range ns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits = append(hits, hit{id: id, score: dot(query, rec.unit), seq: rec.Seq})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ScoredChunk{ChunkID: h.id, Score: h.score})
	}
	return out, nil
}

// Len reports how many chunks the owner has indexed.
func (v *VectorIndex) Len(ownerID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.owners[ownerID])
}

func normalize(vector []float32) []float32 {
	var sum float64
	for _, x := range vector {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(vector))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range vector {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
