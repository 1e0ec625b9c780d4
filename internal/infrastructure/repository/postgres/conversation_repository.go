package postgres

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

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO conversations (owner_id, id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
`, conv.OwnerID, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, ownerID, conversationID string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE owner_id = $1 AND id = $2
`, ownerID, conversationID)

	var conv domain.Conversation
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrConversationNotFound, "get conversation", fmt.Errorf("id=%s", conversationID))
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE owner_id = $1
ORDER BY updated_at DESC, id ASC
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0)
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) RenameConversation(ctx context.Context, ownerID, conversationID, title string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE conversations
SET title = $3, updated_at = $4
WHERE owner_id = $1 AND id = $2
`, ownerID, conversationID, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireAffected(res, domain.ErrConversationNotFound, "rename conversation", conversationID)
}

func (r *ConversationRepository) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = $1 AND id = $2`, ownerID, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireAffected(res, domain.ErrConversationNotFound, "delete conversation", conversationID)
}

func (r *ConversationRepository) DeleteByOwner(ctx context.Context, ownerID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("delete owner conversations: %w", err)
	}
	return nil
}

// AppendTurn stores one turn, creating the conversation on first use.
func (r *ConversationRepository) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	return r.appendTurns(ctx, "append turn", turn)
}

// AppendExchange stores a question and its answer in one transaction, so a
// conversation never holds an unanswered user turn.
func (r *ConversationRepository) AppendExchange(ctx context.Context, user, assistant domain.ConversationTurn) error {
	return r.appendTurns(ctx, "append exchange", user, assistant)
}

func (r *ConversationRepository) appendTurns(ctx context.Context, operation string, turns ...domain.ConversationTurn) error {
	prepared, err := prepareTurns(turns)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", operation, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	last := prepared[len(prepared)-1].turn
	_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (owner_id, id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (owner_id, id) DO UPDATE SET updated_at = EXCLUDED.updated_at
`, last.OwnerID, last.ConversationID, domain.DefaultConversationTitle, last.CreatedAt)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	for _, p := range prepared {
		turn := p.turn
		_, err = tx.ExecContext(ctx, `
INSERT INTO conversation_turns (id, owner_id, conversation_id, role, content, sources, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, turn.ID, turn.OwnerID, turn.ConversationID, string(turn.Role), turn.Text, p.sources, turn.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert %s turn: %w", turn.Role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", operation, err)
	}
	return nil
}

type preparedTurn struct {
	turn    domain.ConversationTurn
	sources []byte
}

// prepareTurns fills ids and timestamps and rejects turns that span
// conversations.
func prepareTurns(turns []domain.ConversationTurn) ([]preparedTurn, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("no turns to append")
	}
	out := make([]preparedTurn, 0, len(turns))
	for _, turn := range turns {
		if turn.OwnerID != turns[0].OwnerID || turn.ConversationID != turns[0].ConversationID {
			return nil, domain.WrapError(domain.ErrInvalidInput, "append turns", fmt.Errorf("turns belong to different conversations"))
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
			return nil, fmt.Errorf("marshal turn sources: %w", err)
		}
		out = append(out, preparedTurn{turn: turn, sources: sourcesJSON})
	}
	return out, nil
}

// GetRecentTurns returns the last n turns in chronological order.
func (r *ConversationRepository) GetRecentTurns(ctx context.Context, ownerID, conversationID string, n int) ([]domain.ConversationTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, role, content, sources, created_at
FROM conversation_turns
WHERE owner_id = $1 AND conversation_id = $2
ORDER BY seq DESC
LIMIT $3
`, ownerID, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *ConversationRepository) ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.ConversationTurn, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, conversation_id, role, content, sources, created_at
FROM conversation_turns
WHERE owner_id = $1 AND conversation_id = $2
ORDER BY seq ASC
`, ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]domain.ConversationTurn, error) {
	out := make([]domain.ConversationTurn, 0)
	for rows.Next() {
		var turn domain.ConversationTurn
		var role string
		var sourcesRaw []byte
		if err := rows.Scan(&turn.ID, &turn.OwnerID, &turn.ConversationID, &role, &turn.Text, &sourcesRaw, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = domain.Role(role)
		if len(sourcesRaw) > 0 {
			if err := json.Unmarshal(sourcesRaw, &turn.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal turn sources: %w", err)
			}
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}
