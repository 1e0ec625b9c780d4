package usecase

import (
	"math"
	"reflect"
	"testing"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestMergeCombinesBothSources(t *testing.T) {
	vector := []domain.ScoredChunk{{ChunkID: "c1", Score: 0.9}, {ChunkID: "c2", Score: 0.7}}
	lexical := []domain.ScoredChunk{{ChunkID: "c2", Score: 8.0}, {ChunkID: "c3", Score: 5.0}}

	merged := NewHybridRetriever(0.6).Merge(vector, lexical, 10)
	if len(merged) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(merged))
	}
	byID := map[string]domain.RetrievalCandidate{}
	for _, c := range merged {
		byID[c.ChunkID] = c
	}

	c2 := byID["c2"]
	if c2.Source != domain.SourceBoth {
		t.Fatalf("expected c2 from both sources, got %s", c2.Source)
	}
	vecPart := 0.6 * (0.7 / 0.9)
	lexPart := 0.4 * 1.0
	if !approx(c2.Score, vecPart+lexPart) {
		t.Fatalf("unexpected c2 score %f", c2.Score)
	}
	if c2.Score <= vecPart || c2.Score <= lexPart {
		t.Fatalf("combined score must exceed each contribution: %f", c2.Score)
	}
	if !approx(byID["c1"].Score, 0.6) || byID["c1"].Source != domain.SourceVector {
		t.Fatalf("unexpected c1 %+v", byID["c1"])
	}
	if !approx(byID["c3"].Score, 0.4*5.0/8.0) || byID["c3"].Source != domain.SourceLexical {
		t.Fatalf("unexpected c3 %+v", byID["c3"])
	}
	if merged[0].ChunkID != "c2" || merged[1].ChunkID != "c1" || merged[2].ChunkID != "c3" {
		t.Fatalf("unexpected order %+v", merged)
	}
	if c2.VectorScore != 0.7 || c2.LexicalScore != 8.0 {
		t.Fatalf("raw scores must be kept, got %+v", c2)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	vector := []domain.ScoredChunk{{ChunkID: "a", Score: 0.5}, {ChunkID: "b", Score: 0.5}, {ChunkID: "c", Score: 0.2}}
	lexical := []domain.ScoredChunk{{ChunkID: "d", Score: 3}, {ChunkID: "b", Score: 1}, {ChunkID: "e", Score: 3}}
	retriever := NewHybridRetriever(0.65)

	first := retriever.Merge(vector, lexical, 10)
	for i := 0; i < 20; i++ {
		if got := retriever.Merge(vector, lexical, 10); !reflect.DeepEqual(first, got) {
			t.Fatalf("merge is not deterministic:\n%+v\n%+v", first, got)
		}
	}
}

func TestMergeTieBreaksByVectorScoreThenID(t *testing.T) {
	vector := []domain.ScoredChunk{{ChunkID: "b", Score: 1}}
	lexical := []domain.ScoredChunk{{ChunkID: "z", Score: 2}, {ChunkID: "a", Score: 2}}

	merged := NewHybridRetriever(0.5).Merge(vector, lexical, 10)
	got := []string{merged[0].ChunkID, merged[1].ChunkID, merged[2].ChunkID}
	want := []string{"b", "a", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMergeKeepsHigherDuplicateAndTrims(t *testing.T) {
	vector := []domain.ScoredChunk{{ChunkID: "a", Score: 0.2}, {ChunkID: "a", Score: 0.8}, {ChunkID: "b", Score: 0.4}}

	merged := NewHybridRetriever(1).Merge(vector, nil, 1)
	if len(merged) != 1 || merged[0].ChunkID != "a" || merged[0].VectorScore != 0.8 {
		t.Fatalf("unexpected merge %+v", merged)
	}
}

func TestMergeSingleSourceAndEmpty(t *testing.T) {
	if got := NewHybridRetriever(0.65).Merge(nil, nil, 5); len(got) != 0 {
		t.Fatalf("expected empty merge, got %+v", got)
	}
	merged := NewHybridRetriever(0.65).Merge(nil, []domain.ScoredChunk{{ChunkID: "x", Score: 4}}, 5)
	if len(merged) != 1 || !approx(merged[0].Score, 0.35) {
		t.Fatalf("unexpected single-source merge %+v", merged)
	}
}

func TestNormalizeScoresHandlesNegativeAndFlat(t *testing.T) {
	norm := normalizeScores(map[string]float64{"a": -0.5, "b": 0.5})
	if !approx(norm["a"], 0) || !approx(norm["b"], 1) {
		t.Fatalf("unexpected normalization %+v", norm)
	}
	flat := normalizeScores(map[string]float64{"a": 0, "b": 0})
	if flat["a"] != 0 || flat["b"] != 0 {
		t.Fatalf("zero scores must stay zero, got %+v", flat)
	}
}

func TestNormalizeScoresKeepsWeakestPositiveHit(t *testing.T) {
	norm := normalizeScores(map[string]float64{"c1": 0.9, "c2": 0.7})
	if !approx(norm["c1"], 1) {
		t.Fatalf("top hit must normalize to 1, got %+v", norm)
	}
	if !approx(norm["c2"], 0.7/0.9) {
		t.Fatalf("weakest positive hit must keep its share, got %+v", norm)
	}
}
