package ports

import (
	"context"
	"io"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
	MarkExtracted(ctx context.Context, id string, text string, chunkCount int) error
	Delete(ctx context.Context, id string) error
}

// ChunkRepository keeps chunk text and citation metadata, keyed by chunk id.
type ChunkRepository interface {
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error
	GetByIDs(ctx context.Context, ownerID string, ids []string) ([]domain.Chunk, error)
	ListIDsByDocument(ctx context.Context, documentID string) ([]string, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MessageQueue publishes/consumes ingestion events.
type MessageQueue interface {
	PublishDocumentIngested(ctx context.Context, documentID string) error
	SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error
}

// TextExtractor turns raw document bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, body []byte, mimeType string) (string, error)
}

// Chunker splits extracted text into ordered, overlapping chunks.
type Chunker interface {
	Split(text string) ([]domain.Chunk, error)
}

// EmbeddingModel is a loaded embedding backend.
type EmbeddingModel interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache stores vectors by content key.
type EmbeddingCache interface {
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, vectors map[string][]float32) error
}

// VectorIndex stores chunk vectors per owner and answers nearest-neighbor queries.
type VectorIndex interface {
	Upsert(ctx context.Context, entry domain.VectorEntry) error
	Delete(ctx context.Context, ownerID, chunkID string) error
	Search(ctx context.Context, ownerID string, vector []float32, k int) ([]domain.ScoredChunk, error)
}

// LexicalIndex stores chunk text per owner and answers keyword queries.
type LexicalIndex interface {
	Insert(ctx context.Context, entry domain.LexicalEntry) error
	Delete(ctx context.Context, ownerID, chunkID string) error
	Search(ctx context.Context, ownerID string, query string, k int) ([]domain.ScoredChunk, error)
}

// Reranker rescores candidates against the query using their full text.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.RetrievalCandidate, topN int) ([]domain.RankedCandidate, error)
}

// CompletionService is the external text generation endpoint.
type CompletionService interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// RetryPolicy runs fn with bounded retries and reports how many attempts were made.
type RetryPolicy interface {
	Retry(ctx context.Context, operation string, fn func(context.Context) error, retryable func(error) bool) (int, error)
}

// ConversationStore reads and appends conversation turns.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
	// AppendExchange stores a user turn and its assistant reply atomically.
	AppendExchange(ctx context.Context, user, assistant domain.ConversationTurn) error
	GetRecentTurns(ctx context.Context, ownerID, conversationID string, n int) ([]domain.ConversationTurn, error)
}

// ConversationRepository manages conversation sessions.
type ConversationRepository interface {
	ConversationStore
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, ownerID, conversationID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error)
	RenameConversation(ctx context.Context, ownerID, conversationID, title string) error
	ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.ConversationTurn, error)
	DeleteConversation(ctx context.Context, ownerID, conversationID string) error
	DeleteByOwner(ctx context.Context, ownerID string) error
}
