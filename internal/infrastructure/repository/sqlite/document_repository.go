package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (
    id, owner_id, filename, mime_type, storage_path, status, error_message, extracted_text, chunk_count, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Filename, doc.MimeType, doc.StoragePath, string(doc.Status), doc.Error,
		doc.Text, doc.ChunkCount, toNanos(doc.CreatedAt), toNanos(doc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_id, filename, mime_type, storage_path, status, error_message, extracted_text, chunk_count, created_at, updated_at
FROM documents WHERE id = ?`, id)

	var (
		doc              domain.Document
		status           string
		created, updated int64
	)
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.MimeType, &doc.StoragePath, &status, &doc.Error,
		&doc.Text, &doc.ChunkCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	doc.CreatedAt = fromNanos(created)
	doc.UpdatedAt = fromNanos(updated)
	return &doc, nil
}

func (r *DocumentRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, filename, mime_type, storage_path, status, error_message, chunk_count, created_at, updated_at
FROM documents WHERE owner_id = ?
ORDER BY created_at DESC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		var (
			doc              domain.Document
			status           string
			created, updated int64
		)
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.MimeType, &doc.StoragePath, &status,
			&doc.Error, &doc.ChunkCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Status = domain.DocumentStatus(status)
		doc.CreatedAt = fromNanos(created)
		doc.UpdatedAt = fromNanos(updated)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMessage, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return requireAffected(res, domain.ErrDocumentNotFound, "update document status", id)
}

func (r *DocumentRepository) MarkExtracted(ctx context.Context, id string, text string, chunkCount int) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents SET status = ?, error_message = '', extracted_text = ?, chunk_count = ?, updated_at = ?
WHERE id = ?`, string(domain.StatusExtracted), text, chunkCount, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark document extracted: %w", err)
	}
	return requireAffected(res, domain.ErrDocumentNotFound, "mark document extracted", id)
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(res, domain.ErrDocumentNotFound, "delete document", id)
}

func requireAffected(res sql.Result, kind error, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(kind, operation, fmt.Errorf("id=%s", id))
	}
	return nil
}
