package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

const (
	ExportMarkdown = "markdown"
	ExportText     = "text"

	titleMaxRunes = 50
)

type ConversationUseCase struct {
	repo ports.ConversationRepository
	now  func() time.Time
}

func NewConversationUseCase(repo ports.ConversationRepository) *ConversationUseCase {
	return &ConversationUseCase{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ConversationUseCase) Create(ctx context.Context, ownerID, title string) (*domain.Conversation, error) {
	if err := requireOwner(ownerID, "create conversation"); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	now := uc.now()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.repo.CreateConversation(ctx, conv); err != nil {
		return nil, domain.WrapError(domain.ErrConversationStore, "create conversation", err)
	}
	return conv, nil
}

func (uc *ConversationUseCase) List(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	if err := requireOwner(ownerID, "list conversations"); err != nil {
		return nil, err
	}
	return uc.repo.ListConversations(ctx, ownerID)
}

func (uc *ConversationUseCase) Delete(ctx context.Context, ownerID, conversationID string) error {
	if err := requireOwner(ownerID, "delete conversation"); err != nil {
		return err
	}
	return uc.repo.DeleteConversation(ctx, ownerID, conversationID)
}

// Export renders a conversation as markdown or plain text.
func (uc *ConversationUseCase) Export(ctx context.Context, ownerID, conversationID, format string) (string, error) {
	if err := requireOwner(ownerID, "export conversation"); err != nil {
		return "", err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportMarkdown
	}
	if format != ExportMarkdown && format != ExportText {
		return "", domain.WrapError(domain.ErrInvalidInput, "export conversation", fmt.Errorf("unsupported format %q", format))
	}

	conv, err := uc.repo.GetConversation(ctx, ownerID, conversationID)
	if err != nil {
		return "", err
	}
	turns, err := uc.repo.ListTurns(ctx, ownerID, conversationID)
	if err != nil {
		return "", domain.WrapError(domain.ErrConversationStore, "export conversation", err)
	}

	var b strings.Builder
	if format == ExportMarkdown {
		fmt.Fprintf(&b, "# %s\n\n*Created: %s*\n\n---\n\n", conv.Title, conv.CreatedAt.Format(time.RFC3339))
		for _, turn := range turns {
			fmt.Fprintf(&b, "**%s:**\n%s\n\n", speaker(turn.Role), turn.Text)
			if len(turn.Sources) > 0 {
				fmt.Fprintf(&b, "*Sources: %s*\n\n", strings.Join(turn.Sources, ", "))
			}
		}
		return b.String(), nil
	}

	fmt.Fprintf(&b, "%s\n%s\n\n", conv.Title, strings.Repeat("=", len([]rune(conv.Title))))
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", speaker(turn.Role), turn.Text)
	}
	return b.String(), nil
}

// AutoTitle names an untitled conversation after its first question.
func (uc *ConversationUseCase) AutoTitle(ctx context.Context, ownerID, conversationID, firstMessage string) error {
	conv, err := uc.repo.GetConversation(ctx, ownerID, conversationID)
	if err != nil {
		return err
	}
	if conv.Title != domain.DefaultConversationTitle {
		return nil
	}
	title := TitleFromMessage(firstMessage)
	if title == "" {
		return nil
	}
	return uc.repo.RenameConversation(ctx, ownerID, conversationID, title)
}

func TitleFromMessage(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	runes := []rune(message)
	if len(runes) <= titleMaxRunes {
		return message
	}
	return string(runes[:titleMaxRunes]) + "..."
}

func speaker(role domain.Role) string {
	if role == domain.RoleUser {
		return "You"
	}
	return "Assistant"
}

// persistExchange appends the question and answer of one completed query as
// a single pair.
func persistExchange(ctx context.Context, store ports.ConversationStore, query domain.Query, result *domain.AnswerResult) error {
	now := time.Now().UTC()
	user := domain.ConversationTurn{
		ConversationID: query.ConversationID,
		OwnerID:        query.OwnerID,
		Role:           domain.RoleUser,
		Text:           query.Question,
		CreatedAt:      now,
	}
	assistant := domain.ConversationTurn{
		ConversationID: query.ConversationID,
		OwnerID:        query.OwnerID,
		Role:           domain.RoleAssistant,
		Text:           result.Answer,
		Sources:        result.CitedChunkIDs,
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := store.AppendExchange(ctx, user, assistant); err != nil {
		return domain.WrapError(domain.ErrConversationStore, "append exchange", err)
	}
	return nil
}

func logPersistenceFailure(query domain.Query, err error) {
	if err == nil {
		return
	}
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "conversation_persist_failed",
		"owner_id", query.OwnerID,
		"conversation_id", query.ConversationID,
		"error", err,
	)
}
