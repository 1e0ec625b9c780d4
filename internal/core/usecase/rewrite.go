package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

const maxRewrittenQueryRunes = 500

// QueryRewriter turns a follow-up question into a standalone search query.
type QueryRewriter struct {
	completion ports.CompletionService
	timeout    time.Duration
}

func NewQueryRewriter(completion ports.CompletionService, timeout time.Duration) *QueryRewriter {
	return &QueryRewriter{completion: completion, timeout: timeout}
}

func (r *QueryRewriter) Rewrite(ctx context.Context, question string, history []domain.ConversationTurn) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		if line := formatTurn(turn); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return question, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := r.completion.Complete(ctx, buildRewritePrompt(question, strings.Join(lines, "\n")), 128)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if out == "" {
		return "", errors.New("empty rewritten query")
	}
	if runes := []rune(out); len(runes) > maxRewrittenQueryRunes {
		out = string(runes[:maxRewrittenQueryRunes])
	}
	return out, nil
}
