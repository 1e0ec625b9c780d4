package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type documentOutput struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("ask_documents",
		mcp.WithDescription("Answer a question from the user's uploaded documents with numbered citations."),
		mcp.WithString("question", mcp.Required(), mcp.Description("the question to answer")),
		mcp.WithString("conversation_id", mcp.Description("optional conversation to continue")),
	), s.handleAsk)

	if s.catalog != nil {
		s.server.AddTool(mcp.NewTool("list_documents",
			mcp.WithDescription("List the user's uploaded documents and their processing status."),
		), s.handleListDocuments)
	}
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.query.Answer(ctx, domain.Query{
		OwnerID:        s.ownerID,
		Question:       question,
		ConversationID: strings.TrimSpace(request.GetString("conversation_id", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(describeFailure(err)), nil
	}
	return mcp.NewToolResultText(renderAnswer(result)), nil
}

func (s *Server) handleListDocuments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.catalog.List(ctx, s.ownerID)
	if err != nil {
		return mcp.NewToolResultError(describeFailure(err)), nil
	}
	out := make([]documentOutput, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentOutput{
			ID:         d.ID,
			Filename:   d.Filename,
			Status:     string(d.Status),
			ChunkCount: d.ChunkCount,
		})
	}
	payload, err := json.Marshal(map[string]any{"documents": out, "count": len(out)})
	if err != nil {
		return nil, fmt.Errorf("encode documents: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func renderAnswer(result *domain.AnswerResult) string {
	var b strings.Builder
	b.WriteString(result.Answer)
	if len(result.Citations) > 0 {
		b.WriteString("\n\nSources:\n")
		for _, c := range result.Citations {
			fmt.Fprintf(&b, "[%d] %s", c.Number, c.Filename)
			if c.Page > 0 {
				fmt.Fprintf(&b, ", page %d", c.Page)
			}
			b.WriteString("\n")
		}
	}
	if result.Degraded {
		fmt.Fprintf(&b, "\n(degraded: %s)", strings.Join(result.DegradedReasons, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeFailure(err error) string {
	if stage, ok := domain.FailedStage(err); ok {
		return fmt.Sprintf("%s failed: %v", stage, err)
	}
	return err.Error()
}
