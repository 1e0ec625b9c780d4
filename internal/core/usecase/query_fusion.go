package usecase

import (
	"sort"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// HybridRetriever merges vector and lexical hits into one candidate list
// scored as w*vector + (1-w)*lexical over per-source normalized scores.
type HybridRetriever struct {
	weight float64
}

func NewHybridRetriever(weight float64) *HybridRetriever {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return &HybridRetriever{weight: weight}
}

func (h *HybridRetriever) Weight() float64 {
	return h.weight
}

func (h *HybridRetriever) Merge(vector, lexical []domain.ScoredChunk, k int) []domain.RetrievalCandidate {
	vecRaw := bestScores(vector)
	lexRaw := bestScores(lexical)
	vecNorm := normalizeScores(vecRaw)
	lexNorm := normalizeScores(lexRaw)

	acc := make(map[string]*domain.RetrievalCandidate, len(vecRaw)+len(lexRaw))
	for id, raw := range vecRaw {
		acc[id] = &domain.RetrievalCandidate{
			ChunkID:     id,
			Source:      domain.SourceVector,
			VectorScore: raw,
			Score:       h.weight * vecNorm[id],
		}
	}
	for id, raw := range lexRaw {
		contribution := (1 - h.weight) * lexNorm[id]
		if c, ok := acc[id]; ok {
			c.Source = domain.SourceBoth
			c.LexicalScore = raw
			c.Score += contribution
			continue
		}
		acc[id] = &domain.RetrievalCandidate{
			ChunkID:      id,
			Source:       domain.SourceLexical,
			LexicalScore: raw,
			Score:        contribution,
		}
	}

	out := make([]domain.RetrievalCandidate, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].VectorScore != out[j].VectorScore {
			return out[i].VectorScore > out[j].VectorScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return trimCandidates(out, k)
}

// bestScores keeps the highest raw score per chunk id.
func bestScores(hits []domain.ScoredChunk) map[string]float64 {
	out := make(map[string]float64, len(hits))
	for _, hit := range hits {
		if hit.ChunkID == "" {
			continue
		}
		if current, ok := out[hit.ChunkID]; !ok || hit.Score > current {
			out[hit.ChunkID] = hit.Score
		}
	}
	return out
}

// normalizeScores maps scores to [0,1] by min-max with the lower bound
// anchored at zero or below, so a single hit keeps its full weight and
// the weakest of several positive hits does not collapse to zero.
func normalizeScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := 0.0, 0.0
	first := true
	for _, s := range scores {
		if first {
			lo, hi = s, s
			first = false
			continue
		}
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	// Plain min-max would score the weakest hit of each list 0. A chunk at
	// the bottom of the vector list but on top of the lexical one would then
	// fuse to its lexical contribution alone, no better than a lexical-only
	// hit. Anchoring at min(0, lo) keeps its vector share, so a chunk found
	// by both retrievers outscores each of its single contributions.
	if lo > 0 {
		lo = 0
	}
	span := hi - lo
	for id, s := range scores {
		if span <= 0 {
			out[id] = 0
			continue
		}
		out[id] = (s - lo) / span
	}
	return out
}

func trimCandidates(candidates []domain.RetrievalCandidate, limit int) []domain.RetrievalCandidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}
