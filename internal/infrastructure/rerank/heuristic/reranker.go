// Package heuristic scores candidates by how well their text covers the query.
package heuristic

import (
	"context"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/infrastructure/index/tokens"
)

const (
	coverageWeight  = 0.60
	proximityWeight = 0.30
	filenameWeight  = 0.10
)

// Reranker is an in-process stand-in for a cross-encoder. It looks at the
// full chunk text only, never at the retrieval scores.
type Reranker struct{}

func New() *Reranker {
	return &Reranker{}
}

func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.RetrievalCandidate, topN int) ([]domain.RankedCandidate, error) {
	if len(candidates) == 0 {
		return []domain.RankedCandidate{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, "heuristic rerank", err)
	}

	queryTerms := tokens.Unique(query)
	queryPairs := bigrams(tokens.Tokenize(query))

	out := make([]domain.RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		textTerms := tokens.Tokenize(c.Text)
		score := coverageWeight*coverage(queryTerms, textTerms) +
			proximityWeight*pairHits(queryPairs, textTerms) +
			filenameWeight*filenameHit(queryTerms, c.Filename)
		out = append(out, domain.RankedCandidate{RetrievalCandidate: c, RerankScore: score})
	}

	domain.SortRanked(out)
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func coverage(queryTerms, textTerms []string) float64 {
	if len(queryTerms) == 0 || len(textTerms) == 0 {
		return 0
	}
	present := make(map[string]struct{}, len(textTerms))
	for _, t := range textTerms {
		present[t] = struct{}{}
	}
	matches := 0
	for _, t := range queryTerms {
		if _, ok := present[t]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}

func bigrams(terms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(terms))
	for i := 1; i < len(terms); i++ {
		out[terms[i-1]+" "+terms[i]] = struct{}{}
	}
	return out
}

// pairHits is the share of adjacent query term pairs that also appear
// adjacent in the text.
func pairHits(queryPairs map[string]struct{}, textTerms []string) float64 {
	if len(queryPairs) == 0 {
		return 0
	}
	found := make(map[string]struct{}, len(queryPairs))
	for i := 1; i < len(textTerms); i++ {
		pair := textTerms[i-1] + " " + textTerms[i]
		if _, ok := queryPairs[pair]; ok {
			found[pair] = struct{}{}
		}
	}
	return float64(len(found)) / float64(len(queryPairs))
}

func filenameHit(queryTerms []string, filename string) float64 {
	if len(queryTerms) == 0 || filename == "" {
		return 0
	}
	filename = strings.ToLower(filename)
	for _, t := range queryTerms {
		if len(t) > 2 && strings.Contains(filename, t) {
			return 1
		}
	}
	return 0
}
