package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type queryFixture struct {
	embed      *embedderFake
	vectors    *vectorIndexFake
	lexical    *lexicalIndexFake
	chunks     *chunkRepoFake
	reranker   *rerankerFake
	completion *completionFake
	convs      *conversationRepoFake
	opts       QueryOptions
}

func newQueryFixture() *queryFixture {
	chunks := newChunkRepoFake()
	chunks.add(
		domain.Chunk{ID: "d1:00000", DocumentID: "d1", OwnerID: "alice", Ordinal: 0, Text: "invoice 4711 totals 300 EUR", Filename: "invoice.pdf", Page: 1},
		domain.Chunk{ID: "d1:00001", DocumentID: "d1", OwnerID: "alice", Ordinal: 1, Text: "payment due in 30 days", Filename: "invoice.pdf", Page: 2},
		domain.Chunk{ID: "d2:00000", DocumentID: "d2", OwnerID: "alice", Ordinal: 0, Text: "unrelated travel notes", Filename: "travel.md"},
	)
	vectors := newVectorIndexFake()
	vectors.hits = []domain.ScoredChunk{{ChunkID: "d1:00000", Score: 0.9}, {ChunkID: "d2:00000", Score: 0.4}}
	lexical := newLexicalIndexFake()
	lexical.hits = []domain.ScoredChunk{{ChunkID: "d1:00001", Score: 6}, {ChunkID: "d1:00000", Score: 3}}

	return &queryFixture{
		embed:      &embedderFake{},
		vectors:    vectors,
		lexical:    lexical,
		chunks:     chunks,
		reranker:   &rerankerFake{scores: map[string]float64{"d1:00001": 0.9, "d1:00000": 0.8, "d2:00000": 0.1}},
		completion: &completionFake{answer: "The invoice totals 300 EUR [1]."},
		convs:      newConversationRepoFake(),
		opts:       QueryOptions{TopK: 10, RerankCandidates: 10, TopN: 2, HistoryTurns: 4},
	}
}

func (f *queryFixture) useCase() *QueryUseCase {
	return NewQueryUseCase(QueryDeps{
		Embedder:      f.embed,
		Vectors:       f.vectors,
		Lexical:       f.lexical,
		Chunks:        f.chunks,
		Retriever:     NewHybridRetriever(0.65),
		Reranker:      f.reranker,
		Assembler:     NewContextAssembler(1000, 200, 4),
		Generator:     NewAnswerGenerator(f.completion, retryFake{maxAttempts: 3}, 0, 256),
		Rewriter:      NewQueryRewriter(f.completion, 0),
		Conversations: f.convs,
		Titler:        NewConversationUseCase(f.convs),
	}, f.opts)
}

func TestAnswerRunsFullPipeline(t *testing.T) {
	f := newQueryFixture()

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "What does invoice 4711 total?"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.Answer != "The invoice totals 300 EUR [1]." {
		t.Fatalf("unexpected answer %q", result.Answer)
	}
	if !reflect.DeepEqual(result.CitedChunkIDs, []string{"d1:00001", "d1:00000"}) {
		t.Fatalf("citations must follow rerank order, got %v", result.CitedChunkIDs)
	}
	if result.Citations[0].Page != 2 || result.Citations[0].Filename != "invoice.pdf" {
		t.Fatalf("unexpected citation %+v", result.Citations[0])
	}
	want := []domain.QueryState{
		domain.StateReceived, domain.StateEmbedded, domain.StateRetrieved, domain.StateReranked,
		domain.StateContextBuilt, domain.StateGenerated, domain.StateCompleted,
	}
	if !reflect.DeepEqual(result.States, want) {
		t.Fatalf("unexpected states %v", result.States)
	}
	if result.Degraded || result.RetryCount != 0 {
		t.Fatalf("unexpected degraded=%v retries=%d", result.Degraded, result.RetryCount)
	}
	if f.vectors.owner != "alice" || f.vectors.k != 10 {
		t.Fatalf("vector search must be owner scoped with k, got %s/%d", f.vectors.owner, f.vectors.k)
	}
	for _, stage := range []string{"embedding", "retrieval", "rerank", "context", "generation"} {
		if _, ok := result.LatencyMS[stage]; !ok {
			t.Fatalf("missing latency for %s: %v", stage, result.LatencyMS)
		}
	}
}

func TestAnswerFallsBackWhenRerankerUnavailable(t *testing.T) {
	f := newQueryFixture()
	f.reranker.err = domain.WrapError(domain.ErrRerankUnavailable, "rerank", errors.New("scorer down"))

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice total"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !result.Degraded || !reflect.DeepEqual(result.DegradedReasons, []string{DegradedRerankUnavailable}) {
		t.Fatalf("expected rerank degraded flag, got %v %v", result.Degraded, result.DegradedReasons)
	}
	// d1:00000 is the top hybrid candidate because both sources return it.
	if result.CitedChunkIDs[0] != "d1:00000" {
		t.Fatalf("expected pre-rerank ordering, got %v", result.CitedChunkIDs)
	}
	if result.Answer == "" {
		t.Fatalf("expected an answer")
	}
}

func TestAnswerDegradesWhenOneIndexIsDown(t *testing.T) {
	f := newQueryFixture()
	f.lexical.err = domain.WrapError(domain.ErrIndexUnavailable, "lexical search", errors.New("connection refused"))

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !result.Degraded || result.DegradedReasons[0] != DegradedLexicalUnavailable {
		t.Fatalf("expected lexical degraded, got %v", result.DegradedReasons)
	}
	for _, id := range result.CitedChunkIDs {
		if id == "d1:00001" {
			t.Fatalf("lexical-only hit must not appear when lexical is down")
		}
	}
}

func TestAnswerFailsAtRetrievalWhenBothIndexesAreDown(t *testing.T) {
	f := newQueryFixture()
	f.vectors.err = errors.New("qdrant down")
	f.lexical.err = errors.New("bm25 down")

	_, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	stage, ok := domain.FailedStage(err)
	if !ok || stage != domain.StageRetrieval || !domain.IsKind(err, domain.ErrIndexUnavailable) {
		t.Fatalf("expected retrieval failure, got %v", err)
	}
	if f.completion.calls != 0 {
		t.Fatalf("generation must not run after a retrieval failure")
	}
}

func TestAnswerReportsStageTimeout(t *testing.T) {
	f := newQueryFixture()
	f.vectors.block = true
	f.opts.VectorSearchTimeout = 10 * time.Millisecond

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.DegradedReasons[0] != DegradedVectorUnavailable {
		t.Fatalf("expected vector degraded after timeout, got %v", result.DegradedReasons)
	}

	f.lexical.err = errors.New("down")
	_, err = f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	if !domain.IsKind(err, domain.ErrStageTimeout) {
		t.Fatalf("expected ErrStageTimeout in chain, got %v", err)
	}
}

func TestAnswerFailsAtEmbeddingStage(t *testing.T) {
	f := newQueryFixture()
	f.embed.err = domain.WrapError(domain.ErrEmbeddingUnavailable, "load embedding model", errors.New("gave up"))

	_, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	stage, _ := domain.FailedStage(err)
	if stage != domain.StageEmbedding || !domain.IsKind(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding failure, got %v", err)
	}
}

func TestAnswerRecordsGenerationRetries(t *testing.T) {
	f := newQueryFixture()
	timeout := domain.WrapError(domain.ErrGenerationTimeout, "complete", context.DeadlineExceeded)
	f.completion.errs = []error{timeout, timeout}

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", result.RetryCount)
	}
}

func TestAnswerReturnsFixedAnswerWithoutCandidates(t *testing.T) {
	f := newQueryFixture()
	f.vectors.hits = nil
	f.lexical.hits = nil

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "anything"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.Answer != noContextAnswer || len(result.CitedChunkIDs) != 0 {
		t.Fatalf("unexpected empty-knowledge answer %+v", result)
	}
	if f.completion.calls != 0 {
		t.Fatalf("completion must not be called without context")
	}
	if result.States[len(result.States)-1] != domain.StateCompleted {
		t.Fatalf("expected completed, got %v", result.States)
	}
}

func TestAnswerDropsHitsOfOtherOwners(t *testing.T) {
	f := newQueryFixture()
	f.chunks.add(domain.Chunk{ID: "b1:00000", DocumentID: "b1", OwnerID: "bob", Text: "bob secret"})
	f.vectors.hits = []domain.ScoredChunk{{ChunkID: "b1:00000", Score: 0.99}}
	f.lexical.hits = nil

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "secret"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if len(result.CitedChunkIDs) != 0 {
		t.Fatalf("cross-owner chunk leaked: %v", result.CitedChunkIDs)
	}
}

func TestAnswerPersistsExchangeAndTitlesConversation(t *testing.T) {
	f := newQueryFixture()
	uc := f.useCase()

	result, err := uc.Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "What does invoice 4711 total?", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.PersistenceWarning != "" {
		t.Fatalf("unexpected warning %q", result.PersistenceWarning)
	}
	if len(f.convs.turns) != 2 || f.convs.turns[0].Role != domain.RoleUser || f.convs.turns[1].Role != domain.RoleAssistant {
		t.Fatalf("expected a user/assistant pair, got %+v", f.convs.turns)
	}
	if !reflect.DeepEqual(f.convs.turns[1].Sources, result.CitedChunkIDs) {
		t.Fatalf("assistant turn must carry citations")
	}
	conv, _ := f.convs.GetConversation(context.Background(), "alice", "conv-1")
	if conv.Title != "What does invoice 4711 total?" {
		t.Fatalf("expected auto title, got %q", conv.Title)
	}

	f.completion.answer = "Standalone: invoice 4711 due date"
	if _, err := uc.Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "and when is it due?", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("follow-up Answer() error = %v", err)
	}
	if f.lexical.query != "Standalone: invoice 4711 due date" {
		t.Fatalf("follow-up must search with the rewritten query, got %q", f.lexical.query)
	}
	last := f.completion.prompts[len(f.completion.prompts)-1]
	if !strings.Contains(last, "Question: and when is it due?") || !strings.Contains(last, "User: What does invoice 4711 total?") {
		t.Fatalf("generation must use the original question and history:\n%s", last)
	}
}

func TestAnswerReturnsAnswerWhenPersistenceFails(t *testing.T) {
	f := newQueryFixture()
	f.convs.appendErr = errors.New("database is locked")

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.Answer == "" || !strings.Contains(result.PersistenceWarning, "database is locked") {
		t.Fatalf("expected answer with persistence warning, got %+v", result)
	}
	if result.States[len(result.States)-1] != domain.StateCompleted {
		t.Fatalf("persistence failure must not fail the query")
	}
	if len(f.convs.turns) != 0 {
		t.Fatalf("failed exchange must not leave turns behind, got %+v", f.convs.turns)
	}
}

func TestAnswerDegradesWhenHistoryIsUnavailable(t *testing.T) {
	f := newQueryFixture()
	f.convs.getErr = errors.New("timeout")

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "invoice", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !result.Degraded || result.DegradedReasons[0] != DegradedHistoryUnavailable {
		t.Fatalf("expected history degraded, got %v", result.DegradedReasons)
	}
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	f := newQueryFixture()
	_, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "   "})
	stage, _ := domain.FailedStage(err)
	if stage != domain.StageValidation || !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func seedHistory(t *testing.T, f *queryFixture) {
	t.Helper()
	for _, turn := range []domain.ConversationTurn{
		{ConversationID: "conv-1", OwnerID: "alice", Role: domain.RoleUser, Text: "what does invoice 4711 total?"},
		{ConversationID: "conv-1", OwnerID: "alice", Role: domain.RoleAssistant, Text: "It totals 300 EUR."},
	} {
		if err := f.convs.AppendTurn(context.Background(), turn); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}
}

func TestAnswerFallsBackToQuestionWhenRewriteFails(t *testing.T) {
	f := newQueryFixture()
	seedHistory(t, f)
	f.completion.errs = []error{errors.New("model busy")}

	result, err := f.useCase().Answer(context.Background(), domain.Query{OwnerID: "alice", Question: "and when is it due?", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if result.SearchQuery != "and when is it due?" {
		t.Fatalf("expected original question as search query, got %q", result.SearchQuery)
	}
	if !result.Degraded || result.DegradedReasons[0] != DegradedRewriteFailed {
		t.Fatalf("expected rewrite_failed, got %v", result.DegradedReasons)
	}
}
