package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// AssembledContext is the prompt material for one query.
type AssembledContext struct {
	Text          string
	HistoryText   string
	CitedChunkIDs []string
	Citations     []domain.Citation
	ContextTokens int
	HistoryTokens int
}

// ContextAssembler packs ranked passages and recent turns into two separate
// token budgets. Passages are never split.
type ContextAssembler struct {
	tokenBudget   int
	historyBudget int
	historyTurns  int
}

func NewContextAssembler(tokenBudget, historyBudget, historyTurns int) *ContextAssembler {
	return &ContextAssembler{
		tokenBudget:   tokenBudget,
		historyBudget: historyBudget,
		historyTurns:  historyTurns,
	}
}

func (a *ContextAssembler) Build(ranked []domain.RankedCandidate, history []domain.ConversationTurn) AssembledContext {
	var out AssembledContext

	seen := make(map[string]struct{}, len(ranked))
	blocks := make([]string, 0, len(ranked))
	for _, c := range ranked {
		if _, dup := seen[c.ChunkID]; dup || strings.TrimSpace(c.Text) == "" {
			continue
		}
		number := len(out.CitedChunkIDs) + 1
		block := formatPassage(number, c)
		cost := EstimateTokens(block)
		// Stop at the first passage that does not fit so the included set is a
		// prefix of the ranking.
		if out.ContextTokens+cost > a.tokenBudget {
			break
		}
		seen[c.ChunkID] = struct{}{}
		blocks = append(blocks, block)
		out.ContextTokens += cost
		out.CitedChunkIDs = append(out.CitedChunkIDs, c.ChunkID)
		out.Citations = append(out.Citations, domain.Citation{
			Number:     number,
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Page:       c.Page,
			Ordinal:    c.Ordinal,
		})
	}
	out.Text = strings.Join(blocks, "\n\n")
	out.HistoryText, out.HistoryTokens = a.buildHistory(history)
	return out
}

// buildHistory keeps the newest turns that fit the history budget and
// renders them oldest first.
func (a *ContextAssembler) buildHistory(history []domain.ConversationTurn) (string, int) {
	if a.historyTurns <= 0 || a.historyBudget <= 0 || len(history) == 0 {
		return "", 0
	}
	if len(history) > a.historyTurns {
		history = history[len(history)-a.historyTurns:]
	}

	lines := make([]string, 0, len(history))
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := formatTurn(history[i])
		if line == "" {
			continue
		}
		cost := EstimateTokens(line)
		if used+cost > a.historyBudget {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), used
}

func formatPassage(number int, c domain.RankedCandidate) string {
	source := c.Filename
	if source == "" {
		source = c.DocumentID
	}
	if c.Page > 0 {
		source = fmt.Sprintf("%s, page %d", source, c.Page)
	}
	return fmt.Sprintf("[%d] (%s)\n%s", number, source, strings.TrimSpace(c.Text))
}

func formatTurn(turn domain.ConversationTurn) string {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return ""
	}
	role := "User"
	if turn.Role == domain.RoleAssistant {
		role = "Assistant"
	}
	return role + ": " + text
}
