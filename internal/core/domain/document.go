package domain

import (
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusExtracted DocumentStatus = "extracted"
	StatusFailed    DocumentStatus = "failed"
)

type Document struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mime_type"`
	StoragePath string         `json:"storage_path"`
	Status      DocumentStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	ChunkCount  int            `json:"chunk_count"`
	Text        string         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Chunk is a bounded slice of a document's extracted text. Start and End are
// rune offsets into that text; Page is 1-based and zero when unknown.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Page       int       `json:"page,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Embedding  []float32 `json:"-"`
}

func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s:%05d", documentID, ordinal)
}

type IngestRequest struct {
	OwnerID  string
	Filename string
	MimeType string
	Body     []byte
}

type IngestResult struct {
	Document   *Document `json:"document"`
	ChunkCount int       `json:"chunk_count"`
}
