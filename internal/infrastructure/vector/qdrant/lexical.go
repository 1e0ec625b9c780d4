package qdrant

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

const sparseVectorName = "text"

// LexicalIndex keeps term-frequency sparse vectors in a collection with the
// IDF modifier enabled, so Qdrant scores queries the BM25 way.
type LexicalIndex struct {
	t *transport
}

func NewLexical(baseURL, collection string, opts ...Option) *LexicalIndex {
	return &LexicalIndex{t: newTransport(baseURL, collection, opts)}
}

func (l *LexicalIndex) ensure(ctx context.Context) error {
	schema := map[string]any{
		"vectors": map[string]any{},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{"modifier": "idf"},
		},
	}
	if err := l.t.ensureCollection(ctx, schema); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant ensure sparse collection", err)
	}
	return nil
}

func (l *LexicalIndex) Insert(ctx context.Context, entry domain.LexicalEntry) error {
	if entry.OwnerID == "" || entry.ChunkID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant sparse upsert", fmt.Errorf("owner and chunk id are required"))
	}
	if err := l.ensure(ctx); err != nil {
		return err
	}

	sparse := encodeSparseDocument(entry.Text, entry.Filename)
	if len(sparse.Indices) == 0 {
		return l.Delete(ctx, entry.OwnerID, entry.ChunkID)
	}
	body := map[string]any{
		"points": []map[string]any{
			{
				"id":     pointID(entry.OwnerID, entry.ChunkID),
				"vector": map[string]any{sparseVectorName: sparse},
				"payload": map[string]any{
					"owner_id": entry.OwnerID,
					"doc_id":   entry.DocumentID,
					"chunk_id": entry.ChunkID,
					"filename": entry.Filename,
					"seq":      nextSeq(),
				},
			},
		},
	}
	if err := l.t.do(ctx, http.MethodPut, l.t.collectionURL("/points?wait=true"), body, nil, "sparse upsert"); err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant sparse upsert", err)
	}
	return nil
}

func (l *LexicalIndex) Delete(ctx context.Context, ownerID, chunkID string) error {
	return deletePoint(ctx, l.t, ownerID, chunkID)
}

func (l *LexicalIndex) Search(ctx context.Context, ownerID string, query string, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	sparse := encodeSparseQuery(query)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"query":        sparse,
		"using":        sparseVectorName,
		"limit":        k,
		"with_payload": true,
		"filter":       ownerFilter(ownerID),
	}
	return queryPoints(ctx, l.t, body, "sparse search")
}
