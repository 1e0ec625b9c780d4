package usecase

import (
	"fmt"
	"strings"
)

const noContextAnswer = "I couldn't find relevant content in your uploaded documents to answer this question."

func buildAnswerPrompt(question string, assembled AssembledContext) string {
	var b strings.Builder
	b.WriteString(`You answer questions using only the numbered passages from the user's documents.
Cite passages inline as [n]. If the passages do not contain the answer, say so plainly.
Do not invent facts, sources or passage numbers.`)
	b.WriteString("\n\n")
	if assembled.HistoryText != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(assembled.HistoryText)
		b.WriteString("\n\n")
	}
	b.WriteString("Passages:\n")
	b.WriteString(assembled.Text)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Question: %s\nAnswer:", strings.TrimSpace(question))
	return b.String()
}

func buildRewritePrompt(question, history string) string {
	return fmt.Sprintf(`Given the conversation and a follow-up question that may refer to it, write a standalone search query that can be understood without the conversation.
Do not answer the question. If it is already standalone, return it unchanged. Reply with the query only.

Conversation:
%s

Follow-up question: %s
Standalone query:`, history, strings.TrimSpace(question))
}
