package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

// DocumentCatalogUseCase lists and removes an owner's documents together
// with every derived record.
type DocumentCatalogUseCase struct {
	repo          ports.DocumentRepository
	chunks        ports.ChunkRepository
	vectors       ports.VectorIndex
	lexical       ports.LexicalIndex
	storage       ports.ObjectStorage
	conversations ports.ConversationRepository
}

func NewDocumentCatalogUseCase(
	repo ports.DocumentRepository,
	chunks ports.ChunkRepository,
	vectors ports.VectorIndex,
	lexical ports.LexicalIndex,
	storage ports.ObjectStorage,
	conversations ports.ConversationRepository,
) *DocumentCatalogUseCase {
	return &DocumentCatalogUseCase{
		repo:          repo,
		chunks:        chunks,
		vectors:       vectors,
		lexical:       lexical,
		storage:       storage,
		conversations: conversations,
	}
}

func (uc *DocumentCatalogUseCase) List(ctx context.Context, ownerID string) ([]domain.Document, error) {
	if err := requireOwner(ownerID, "list documents"); err != nil {
		return nil, err
	}
	return uc.repo.ListByOwner(ctx, ownerID)
}

// Get hides documents of other owners behind ErrDocumentNotFound.
func (uc *DocumentCatalogUseCase) Get(ctx context.Context, ownerID, documentID string) (*domain.Document, error) {
	if err := requireOwner(ownerID, "get document"); err != nil {
		return nil, err
	}
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", documentID))
	}
	doc.Text = ""
	return doc, nil
}

func (uc *DocumentCatalogUseCase) Delete(ctx context.Context, ownerID, documentID string) error {
	doc, err := uc.Get(ctx, ownerID, documentID)
	if err != nil {
		return err
	}
	return uc.remove(ctx, doc)
}

// ClearOwner deletes every document and conversation of the owner.
func (uc *DocumentCatalogUseCase) ClearOwner(ctx context.Context, ownerID string) error {
	docs, err := uc.List(ctx, ownerID)
	if err != nil {
		return err
	}
	for i := range docs {
		if err := uc.remove(ctx, &docs[i]); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
			return err
		}
	}
	if uc.conversations != nil {
		if err := uc.conversations.DeleteByOwner(ctx, ownerID); err != nil {
			return domain.WrapError(domain.ErrConversationStore, "clear owner conversations", err)
		}
	}
	slog.Info("owner_cleared", "owner_id", ownerID, "documents", len(docs))
	return nil
}

func (uc *DocumentCatalogUseCase) remove(ctx context.Context, doc *domain.Document) error {
	ids, err := uc.chunks.ListIDsByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list document chunks: %w", err)
	}
	for _, id := range ids {
		if err := uc.vectors.Delete(ctx, doc.OwnerID, id); err != nil {
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
		if err := uc.lexical.Delete(ctx, doc.OwnerID, id); err != nil {
			return fmt.Errorf("delete lexical %s: %w", id, err)
		}
	}
	if err := uc.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if uc.storage != nil && doc.StoragePath != "" {
		if err := uc.storage.Delete(ctx, doc.StoragePath); err != nil {
			slog.Warn("document_blob_delete_failed", "document_id", doc.ID, "error", err)
		}
	}
	if err := uc.repo.Delete(ctx, doc.ID); err != nil {
		return err
	}
	slog.Info("document_deleted", "document_id", doc.ID, "owner_id", doc.OwnerID, "chunks", len(ids))
	return nil
}

func requireOwner(ownerID, operation string) error {
	if strings.TrimSpace(ownerID) == "" {
		return domain.NewStageError(domain.StageValidation, domain.ErrInvalidInput,
			domain.WrapError(domain.ErrInvalidInput, operation, errors.New("owner id is required")))
	}
	return nil
}
