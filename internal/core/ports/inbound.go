package ports

import (
	"context"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document ingestion.
type DocumentIngestor interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error)
	Upload(ctx context.Context, req domain.IngestRequest) (*domain.Document, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	// ProcessByID returns the number of chunks made searchable.
	ProcessByID(ctx context.Context, documentID string) (int, error)
}

// DocumentCatalog is the inbound read/delete model for an owner's documents.
type DocumentCatalog interface {
	List(ctx context.Context, ownerID string) ([]domain.Document, error)
	Get(ctx context.Context, ownerID, documentID string) (*domain.Document, error)
	Delete(ctx context.Context, ownerID, documentID string) error
	ClearOwner(ctx context.Context, ownerID string) error
}

// QueryService answers a question from the owner's documents.
type QueryService interface {
	Answer(ctx context.Context, query domain.Query) (*domain.AnswerResult, error)
}

// ConversationService manages conversation sessions.
type ConversationService interface {
	Create(ctx context.Context, ownerID, title string) (*domain.Conversation, error)
	List(ctx context.Context, ownerID string) ([]domain.Conversation, error)
	Delete(ctx context.Context, ownerID, conversationID string) error
	Export(ctx context.Context, ownerID, conversationID, format string) (string, error)
}
