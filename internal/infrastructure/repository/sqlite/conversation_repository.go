package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type ConversationRepository struct {
	db *sql.DB
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO conversations (owner_id, id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.OwnerID, conv.ID, conv.Title, toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, ownerID, conversationID string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE owner_id = ? AND id = ?`,
		ownerID, conversationID)
	conv, err := scanConversation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrConversationNotFound, "get conversation", fmt.Errorf("id=%s", conversationID))
		}
		return nil, err
	}
	return &conv, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at FROM conversations
WHERE owner_id = ? ORDER BY updated_at DESC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func scanConversation(scan func(dest ...any) error) (domain.Conversation, error) {
	var (
		conv             domain.Conversation
		created, updated int64
	)
	if err := scan(&conv.ID, &conv.OwnerID, &conv.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conv, err
		}
		return conv, fmt.Errorf("scan conversation: %w", err)
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return conv, nil
}

func (r *ConversationRepository) RenameConversation(ctx context.Context, ownerID, conversationID, title string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		title, time.Now().UTC().UnixNano(), ownerID, conversationID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireAffected(res, domain.ErrConversationNotFound, "rename conversation", conversationID)
}

func (r *ConversationRepository) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = ? AND id = ?`, ownerID, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireAffected(res, domain.ErrConversationNotFound, "delete conversation", conversationID)
}

func (r *ConversationRepository) DeleteByOwner(ctx context.Context, ownerID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("delete owner conversations: %w", err)
	}
	return nil
}

func (r *ConversationRepository) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	return r.appendTurns(ctx, "append turn", turn)
}

// AppendExchange writes both turns of one answered question atomically.
func (r *ConversationRepository) AppendExchange(ctx context.Context, user, assistant domain.ConversationTurn) error {
	return r.appendTurns(ctx, "append exchange", user, assistant)
}

func (r *ConversationRepository) appendTurns(ctx context.Context, operation string, turns ...domain.ConversationTurn) error {
	if len(turns) == 0 {
		return fmt.Errorf("no turns to append")
	}
	ownerID, conversationID := turns[0].OwnerID, turns[0].ConversationID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", operation, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, turn := range turns {
		if turn.OwnerID != ownerID || turn.ConversationID != conversationID {
			return domain.WrapError(domain.ErrInvalidInput, operation, fmt.Errorf("turns belong to different conversations"))
		}
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = time.Now().UTC()
		}
		sources := turn.Sources
		if sources == nil {
			sources = []string{}
		}
		sourcesJSON, err := json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("marshal turn sources: %w", err)
		}

		at := toNanos(turn.CreatedAt)
		if i == 0 {
			_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (owner_id, id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(owner_id, id) DO UPDATE SET updated_at = excluded.updated_at`,
				ownerID, conversationID, domain.DefaultConversationTitle, at, at)
			if err != nil {
				return fmt.Errorf("ensure conversation: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO conversation_turns (id, owner_id, conversation_id, role, content, sources, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, turn.OwnerID, turn.ConversationID, string(turn.Role), turn.Text, string(sourcesJSON), at)
		if err != nil {
			return fmt.Errorf("insert %s turn: %w", turn.Role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", operation, err)
	}
	return nil
}

func (r *ConversationRepository) GetRecentTurns(ctx context.Context, ownerID, conversationID string, n int) ([]domain.ConversationTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, role, content, sources, created_at FROM conversation_turns
WHERE owner_id = ? AND conversation_id = ?
ORDER BY seq DESC LIMIT ?`, ownerID, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *ConversationRepository) ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.ConversationTurn, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, role, content, sources, created_at FROM conversation_turns
WHERE owner_id = ? AND conversation_id = ?
ORDER BY seq ASC`, ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]domain.ConversationTurn, error) {
	out := make([]domain.ConversationTurn, 0)
	for rows.Next() {
		var (
			turn    domain.ConversationTurn
			role    string
			sources string
			created int64
		)
		if err := rows.Scan(&turn.ID, &turn.OwnerID, &turn.ConversationID, &role, &turn.Text, &sources, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(sources), &turn.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal turn sources: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}
