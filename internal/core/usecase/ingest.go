package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

type IngestDocumentUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	queue     ports.MessageQueue
	processor *ProcessDocumentUseCase
	maxBytes  int
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	processor *ProcessDocumentUseCase,
	maxBytes int,
) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		repo:      repo,
		storage:   storage,
		queue:     queue,
		processor: processor,
		maxBytes:  maxBytes,
	}
}

// Ingest stores the document and runs the processing pipeline inline.
func (uc *IngestDocumentUseCase) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	doc, err := uc.register(ctx, req)
	if err != nil {
		return nil, err
	}
	if uc.processor == nil {
		return nil, errors.New("document processor is not configured")
	}

	count, err := uc.processor.process(ctx, doc, req.Body)
	if err != nil {
		return nil, err
	}
	stored, err := uc.repo.GetByID(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("reload document: %w", err)
	}
	return &domain.IngestResult{Document: stored, ChunkCount: count}, nil
}

// Upload stores the document as pending and hands processing to the worker.
func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req domain.IngestRequest) (*domain.Document, error) {
	if uc.queue == nil {
		return nil, errors.New("message queue is not configured")
	}
	doc, err := uc.register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := uc.queue.PublishDocumentIngested(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("publish ingestion event: %w", err)
	}
	return doc, nil
}

func (uc *IngestDocumentUseCase) register(ctx context.Context, req domain.IngestRequest) (*domain.Document, error) {
	if err := uc.validate(req); err != nil {
		return nil, domain.NewStageError(domain.StageValidation, domain.ErrInvalidInput, err)
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s/%s_%s", sanitizeFilename(req.OwnerID), id, sanitizeFilename(req.Filename))
	now := time.Now().UTC()

	if uc.storage != nil {
		if err := uc.storage.Save(ctx, storageKey, bytes.NewReader(req.Body)); err != nil {
			return nil, fmt.Errorf("save to object storage: %w", err)
		}
	} else {
		storageKey = ""
	}

	doc := &domain.Document{
		ID:          id,
		OwnerID:     req.OwnerID,
		Filename:    filepath.Base(req.Filename),
		MimeType:    req.MimeType,
		StoragePath: storageKey,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document metadata: %w", err)
	}
	return doc, nil
}

func (uc *IngestDocumentUseCase) validate(req domain.IngestRequest) error {
	switch {
	case strings.TrimSpace(req.OwnerID) == "":
		return domain.WrapError(domain.ErrInvalidInput, "validate upload", errors.New("owner id is required"))
	case strings.TrimSpace(req.Filename) == "":
		return domain.WrapError(domain.ErrInvalidInput, "validate upload", errors.New("filename is required"))
	case len(req.Body) == 0:
		return domain.WrapError(domain.ErrInvalidInput, "validate upload", errors.New("document body is empty"))
	case uc.maxBytes > 0 && len(req.Body) > uc.maxBytes:
		return domain.WrapError(domain.ErrInvalidInput, "validate upload",
			fmt.Errorf("document is %d bytes, limit is %d", len(req.Body), uc.maxBytes))
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}
