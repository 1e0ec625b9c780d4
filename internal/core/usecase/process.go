package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

const discardTimeout = 30 * time.Second

type ProcessDocumentUseCase struct {
	repo      ports.DocumentRepository
	chunks    ports.ChunkRepository
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	vectors   ports.VectorIndex
	lexical   ports.LexicalIndex
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	chunks ports.ChunkRepository,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	lexical ports.LexicalIndex,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		repo:      repo,
		chunks:    chunks,
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		vectors:   vectors,
		lexical:   lexical,
	}
}

// ProcessByID loads a stored document body and runs the pipeline on it,
// returning the number of indexed chunks.
func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) (int, error) {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("fetch document by id: %w", err)
	}
	body, err := uc.readBody(ctx, doc)
	if err != nil {
		return 0, uc.fail(ctx, doc.ID, domain.NewStageError(domain.StageExtraction, domain.ErrExtraction, err))
	}
	return uc.process(ctx, doc, body)
}

func (uc *ProcessDocumentUseCase) readBody(ctx context.Context, doc *domain.Document) ([]byte, error) {
	if uc.storage == nil || doc.StoragePath == "" {
		return nil, errors.New("document has no stored body")
	}
	rc, err := uc.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open stored document: %w", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read stored document: %w", err)
	}
	return body, nil
}

// process runs extract, split, embed and index. A failure marks the document
// failed with the stage error as its message.
func (uc *ProcessDocumentUseCase) process(ctx context.Context, doc *domain.Document, body []byte) (int, error) {
	text, err := uc.extractor.Extract(ctx, body, doc.MimeType)
	if err != nil {
		return 0, uc.fail(ctx, doc.ID, domain.NewStageError(domain.StageExtraction, domain.ErrExtraction, err))
	}

	chunks, err := uc.split(doc, text)
	if err != nil {
		return 0, uc.fail(ctx, doc.ID, domain.NewStageError(domain.StageChunking, domain.ErrInvalidDocument, err))
	}

	if err := uc.embed(ctx, chunks); err != nil {
		return 0, uc.fail(ctx, doc.ID, domain.NewStageError(domain.StageEmbedding, domain.ErrEmbeddingUnavailable, err))
	}

	if err := uc.index(ctx, doc, chunks); err != nil {
		return 0, uc.fail(ctx, doc.ID, domain.NewStageError(domain.StageIndexing, domain.ErrIndexUnavailable, err))
	}

	if err := uc.repo.MarkExtracted(ctx, doc.ID, text, len(chunks)); err != nil {
		return 0, fmt.Errorf("mark document extracted: %w", err)
	}
	slog.Info("document_processed", "document_id", doc.ID, "owner_id", doc.OwnerID, "chunks", len(chunks))
	return len(chunks), nil
}

func (uc *ProcessDocumentUseCase) split(doc *domain.Document, text string) ([]domain.Chunk, error) {
	chunks, err := uc.chunker.Split(text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidDocument, "chunk document", errors.New("chunking produced zero chunks"))
	}
	for i := range chunks {
		chunks[i].ID = domain.ChunkID(doc.ID, chunks[i].Ordinal)
		chunks[i].DocumentID = doc.ID
		chunks[i].OwnerID = doc.OwnerID
		chunks[i].Filename = doc.Filename
	}
	return chunks, nil
}

func (uc *ProcessDocumentUseCase) embed(ctx context.Context, chunks []domain.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return domain.WrapError(
			domain.ErrEmbeddingUnavailable,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}

// index stores chunk rows first so every index hit can be hydrated, then
// writes both indexes and drops entries of ordinals that no longer exist.
// On failure every entry of the document is removed again, so a failed
// document is never searchable.
func (uc *ProcessDocumentUseCase) index(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	previous, err := uc.chunks.ListIDsByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list previous chunks: %w", err)
	}
	if err := uc.write(ctx, doc, chunks, previous); err != nil {
		uc.discard(ctx, doc, chunks, previous)
		return err
	}
	return nil
}

func (uc *ProcessDocumentUseCase) write(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, previous []string) error {
	if err := uc.chunks.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	current := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		current[c.ID] = struct{}{}
		if err := uc.vectors.Upsert(ctx, domain.VectorEntry{
			ChunkID:    c.ID,
			OwnerID:    c.OwnerID,
			DocumentID: c.DocumentID,
			Vector:     c.Embedding,
		}); err != nil {
			return fmt.Errorf("upsert vector %s: %w", c.ID, err)
		}
		if err := uc.lexical.Insert(ctx, domain.LexicalEntry{
			ChunkID:    c.ID,
			OwnerID:    c.OwnerID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Text:       c.Text,
		}); err != nil {
			return fmt.Errorf("insert lexical %s: %w", c.ID, err)
		}
	}

	for _, id := range previous {
		if _, ok := current[id]; ok {
			continue
		}
		if err := uc.vectors.Delete(ctx, doc.OwnerID, id); err != nil {
			return fmt.Errorf("delete stale vector %s: %w", id, err)
		}
		if err := uc.lexical.Delete(ctx, doc.OwnerID, id); err != nil {
			return fmt.Errorf("delete stale lexical %s: %w", id, err)
		}
	}
	return nil
}

// discard removes index entries and chunk rows of a document whose indexing
// failed. Cleanup errors are logged; the indexing error is what the caller sees.
func (uc *ProcessDocumentUseCase) discard(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, previous []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	ids := make([]string, 0, len(chunks)+len(previous))
	seen := make(map[string]struct{}, cap(ids))
	for _, c := range chunks {
		ids = append(ids, c.ID)
		seen[c.ID] = struct{}{}
	}
	for _, id := range previous {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		if err := uc.vectors.Delete(ctx, doc.OwnerID, id); err != nil {
			slog.Warn("discard_vector_failed", "document_id", doc.ID, "chunk_id", id, "error", err)
		}
		if err := uc.lexical.Delete(ctx, doc.OwnerID, id); err != nil {
			slog.Warn("discard_lexical_failed", "document_id", doc.ID, "chunk_id", id, "error", err)
		}
	}
	if err := uc.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		slog.Warn("discard_chunks_failed", "document_id", doc.ID, "error", err)
	}
}

func (uc *ProcessDocumentUseCase) fail(ctx context.Context, documentID string, processErr error) error {
	stage, _ := domain.FailedStage(processErr)
	slog.Warn("document_process_failed", "document_id", documentID, "stage", string(stage), "error", processErr)
	if err := uc.repo.UpdateStatus(ctx, documentID, domain.StatusFailed, processErr.Error()); err != nil {
		return fmt.Errorf("%w; mark failed status: %v", processErr, err)
	}
	return processErr
}
