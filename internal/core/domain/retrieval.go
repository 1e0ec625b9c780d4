package domain

import "sort"

// ScoredChunk is one index hit: a chunk id and the raw score of that index.
type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// VectorEntry is the VectorIndex record of one chunk.
type VectorEntry struct {
	ChunkID    string
	OwnerID    string
	DocumentID string
	Vector     []float32
}

// LexicalEntry is the LexicalIndex record of one chunk.
type LexicalEntry struct {
	ChunkID    string
	OwnerID    string
	DocumentID string
	Filename   string
	Text       string
}

type CandidateSource string

const (
	SourceVector  CandidateSource = "vector"
	SourceLexical CandidateSource = "lexical"
	SourceBoth    CandidateSource = "both"
)

type RetrievalCandidate struct {
	ChunkID      string          `json:"chunk_id"`
	Source       CandidateSource `json:"source"`
	VectorScore  float64         `json:"vector_score"`
	LexicalScore float64         `json:"lexical_score"`
	Score        float64         `json:"score"`

	DocumentID string `json:"document_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Ordinal    int    `json:"ordinal"`
	Page       int    `json:"page,omitempty"`
	Text       string `json:"-"`
}

type RankedCandidate struct {
	RetrievalCandidate
	RerankScore float64 `json:"rerank_score"`
}

// SortRanked orders by rerank score, then vector similarity, then chunk ordinal.
func SortRanked(ranked []RankedCandidate) {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.ChunkID < b.ChunkID
	})
}

// RankWithoutRerank keeps the retrieval ordering and reuses the combined
// score as the rank score.
func RankWithoutRerank(candidates []RetrievalCandidate, topN int) []RankedCandidate {
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	out := make([]RankedCandidate, 0, topN)
	for _, c := range candidates[:topN] {
		out = append(out, RankedCandidate{RetrievalCandidate: c, RerankScore: c.Score})
	}
	return out
}
