package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

const (
	DegradedVectorUnavailable  = "vector_unavailable"
	DegradedLexicalUnavailable = "lexical_unavailable"
	DegradedRerankUnavailable  = "rerank_unavailable"
	DegradedHistoryUnavailable = "history_unavailable"
	DegradedRewriteFailed      = "rewrite_failed"

	persistTimeout = 5 * time.Second
)

type QueryOptions struct {
	TopK             int
	RerankCandidates int
	TopN             int
	HistoryTurns     int

	EmbedTimeout         time.Duration
	VectorSearchTimeout  time.Duration
	LexicalSearchTimeout time.Duration
	RerankTimeout        time.Duration
}

func (o QueryOptions) normalize() QueryOptions {
	if o.TopK <= 0 {
		o.TopK = 15
	}
	if o.RerankCandidates <= 0 {
		o.RerankCandidates = o.TopK
	}
	if o.TopN <= 0 {
		o.TopN = 5
	}
	if o.HistoryTurns < 0 {
		o.HistoryTurns = 0
	}
	return o
}

// ConversationTitler names a conversation after its first question.
type ConversationTitler interface {
	AutoTitle(ctx context.Context, ownerID, conversationID, firstMessage string) error
}

type QueryDeps struct {
	Embedder      ports.Embedder
	Vectors       ports.VectorIndex
	Lexical       ports.LexicalIndex
	Chunks        ports.ChunkRepository
	Retriever     *HybridRetriever
	Reranker      ports.Reranker
	Assembler     *ContextAssembler
	Generator     *AnswerGenerator
	Rewriter      *QueryRewriter
	Conversations ports.ConversationStore
	Titler        ConversationTitler
}

// QueryUseCase answers a question from the owner's indexed documents.
type QueryUseCase struct {
	deps QueryDeps
	opts QueryOptions
}

func NewQueryUseCase(deps QueryDeps, opts QueryOptions) *QueryUseCase {
	if deps.Retriever == nil {
		deps.Retriever = NewHybridRetriever(0.65)
	}
	return &QueryUseCase{deps: deps, opts: opts.normalize()}
}

// queryRun tracks the state machine and stage latencies of one query.
type queryRun struct {
	state   domain.QueryState
	result  *domain.AnswerResult
	started time.Time
}

func newQueryRun(conversationID string) *queryRun {
	return &queryRun{
		state: domain.StateReceived,
		result: &domain.AnswerResult{
			ConversationID: conversationID,
			CitedChunkIDs:  []string{},
			Citations:      []domain.Citation{},
			LatencyMS:      map[string]float64{},
			States:         []domain.QueryState{domain.StateReceived},
		},
		started: time.Now(),
	}
}

func (r *queryRun) advance(next domain.QueryState) {
	if !r.state.CanTransition(next) {
		return
	}
	r.state = next
	r.result.States = append(r.result.States, next)
}

func (r *queryRun) observe(stage domain.Stage, start time.Time) {
	r.result.LatencyMS[string(stage)] += float64(time.Since(start).Microseconds()) / 1000.0
}

func (r *queryRun) fail(stage domain.Stage, kind error, err error) error {
	r.advance(domain.StateFailed)
	wrapped := domain.NewStageError(stage, kind, err)
	slog.Warn("query_failed",
		"stage", string(stage),
		"states", r.result.States,
		"duration_ms", time.Since(r.started).Milliseconds(),
		"error", wrapped,
	)
	return wrapped
}

func (r *queryRun) degrade(reason string, err error) {
	r.result.MarkDegraded(reason)
	slog.Warn("query_degraded", "reason", reason, "error", err)
}

func (uc *QueryUseCase) Answer(ctx context.Context, query domain.Query) (*domain.AnswerResult, error) {
	query.OwnerID = strings.TrimSpace(query.OwnerID)
	query.Question = strings.TrimSpace(query.Question)
	query.ConversationID = strings.TrimSpace(query.ConversationID)
	run := newQueryRun(query.ConversationID)

	if query.OwnerID == "" || query.Question == "" {
		return nil, run.fail(domain.StageValidation, domain.ErrInvalidInput,
			domain.WrapError(domain.ErrInvalidInput, "validate query", errors.New("owner id and question are required")))
	}

	history := uc.loadHistory(ctx, run, query)
	searchQuery := uc.rewrite(ctx, run, query.Question, history)
	run.result.SearchQuery = searchQuery

	start := time.Now()
	vector, err := uc.embed(ctx, searchQuery)
	run.observe(domain.StageEmbedding, start)
	if err != nil {
		return nil, run.fail(domain.StageEmbedding, domain.ErrEmbeddingUnavailable, err)
	}
	run.advance(domain.StateEmbedded)

	start = time.Now()
	candidates, err := uc.retrieve(ctx, run, query.OwnerID, searchQuery, vector)
	run.observe(domain.StageRetrieval, start)
	if err != nil {
		return nil, run.fail(domain.StageRetrieval, domain.ErrIndexUnavailable, err)
	}
	run.advance(domain.StateRetrieved)

	start = time.Now()
	ranked := uc.rerank(ctx, run, searchQuery, candidates)
	run.observe(domain.StageRerank, start)
	run.advance(domain.StateReranked)

	start = time.Now()
	assembled := uc.deps.Assembler.Build(ranked, history)
	run.observe(domain.StageContext, start)
	run.advance(domain.StateContextBuilt)

	if len(assembled.CitedChunkIDs) == 0 {
		run.result.Answer = noContextAnswer
	} else {
		start = time.Now()
		generation, err := uc.deps.Generator.Generate(ctx, query.Question, assembled)
		run.observe(domain.StageGeneration, start)
		run.result.RetryCount = generation.RetryCount
		if err != nil {
			return nil, run.fail(domain.StageGeneration, domain.ErrGenerationFailed, err)
		}
		run.result.Answer = generation.Text
		run.result.CitedChunkIDs = assembled.CitedChunkIDs
		run.result.Citations = assembled.Citations
	}
	run.advance(domain.StateGenerated)

	uc.persist(ctx, run, query, len(history) == 0)
	run.advance(domain.StateCompleted)

	slog.Info("query_completed",
		"owner_id", query.OwnerID,
		"candidates", len(candidates),
		"cited", len(run.result.CitedChunkIDs),
		"degraded", run.result.Degraded,
		"retry_count", run.result.RetryCount,
		"duration_ms", time.Since(run.started).Milliseconds(),
	)
	return run.result, nil
}

func (uc *QueryUseCase) loadHistory(ctx context.Context, run *queryRun, query domain.Query) []domain.ConversationTurn {
	if query.ConversationID == "" || uc.deps.Conversations == nil || uc.opts.HistoryTurns == 0 {
		return nil
	}
	turns, err := uc.deps.Conversations.GetRecentTurns(ctx, query.OwnerID, query.ConversationID, uc.opts.HistoryTurns)
	if err != nil {
		run.degrade(DegradedHistoryUnavailable, err)
		return nil
	}
	return turns
}

func (uc *QueryUseCase) rewrite(ctx context.Context, run *queryRun, question string, history []domain.ConversationTurn) string {
	if uc.deps.Rewriter == nil || len(history) == 0 {
		return question
	}
	rewritten, err := uc.deps.Rewriter.Rewrite(ctx, question, history)
	if err != nil {
		run.degrade(DegradedRewriteFailed, err)
		return question
	}
	return rewritten
}

func (uc *QueryUseCase) embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := withStageTimeout(ctx, uc.opts.EmbedTimeout, "embed query", func(ctx context.Context) error {
		out, err := uc.deps.Embedder.EmbedOne(ctx, text)
		vector = out
		return err
	})
	return vector, err
}

// retrieve runs both index searches concurrently, merges them and attaches
// chunk text and citation metadata. One failed source degrades the answer.
func (uc *QueryUseCase) retrieve(ctx context.Context, run *queryRun, ownerID, text string, vector []float32) ([]domain.RetrievalCandidate, error) {
	var (
		wg               sync.WaitGroup
		vecHits, lexHits []domain.ScoredChunk
		vecErr, lexErr   error
		vecTook, lexTook time.Duration
	)
	start := time.Now()
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecErr = withStageTimeout(ctx, uc.opts.VectorSearchTimeout, "vector search", func(ctx context.Context) error {
			out, err := uc.deps.Vectors.Search(ctx, ownerID, vector, uc.opts.TopK)
			vecHits = out
			return err
		})
		vecTook = time.Since(start)
	}()
	go func() {
		defer wg.Done()
		lexErr = withStageTimeout(ctx, uc.opts.LexicalSearchTimeout, "lexical search", func(ctx context.Context) error {
			out, err := uc.deps.Lexical.Search(ctx, ownerID, text, uc.opts.TopK)
			lexHits = out
			return err
		})
		lexTook = time.Since(start)
	}()
	wg.Wait()
	run.result.LatencyMS["vector_search"] = float64(vecTook.Microseconds()) / 1000.0
	run.result.LatencyMS["lexical_search"] = float64(lexTook.Microseconds()) / 1000.0

	switch {
	case vecErr != nil && lexErr != nil:
		return nil, errors.Join(vecErr, lexErr)
	case vecErr != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		run.degrade(DegradedVectorUnavailable, vecErr)
	case lexErr != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		run.degrade(DegradedLexicalUnavailable, lexErr)
	}

	merged := uc.deps.Retriever.Merge(vecHits, lexHits, uc.opts.TopK)
	if len(merged) == 0 {
		return merged, nil
	}
	return uc.hydrate(ctx, ownerID, merged)
}

// hydrate drops hits whose chunk row is gone, which happens when a document
// is deleted while the query runs.
func (uc *QueryUseCase) hydrate(ctx context.Context, ownerID string, candidates []domain.RetrievalCandidate) ([]domain.RetrievalCandidate, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	chunks, err := uc.deps.Chunks.GetByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "load chunks", err)
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]domain.RetrievalCandidate, 0, len(candidates))
	for _, c := range candidates {
		chunk, ok := byID[c.ChunkID]
		if !ok {
			continue
		}
		c.DocumentID = chunk.DocumentID
		c.Filename = chunk.Filename
		c.Ordinal = chunk.Ordinal
		c.Page = chunk.Page
		c.Text = chunk.Text
		out = append(out, c)
	}
	return out, nil
}

func (uc *QueryUseCase) rerank(ctx context.Context, run *queryRun, text string, candidates []domain.RetrievalCandidate) []domain.RankedCandidate {
	head := trimCandidates(candidates, uc.opts.RerankCandidates)
	if uc.deps.Reranker == nil || len(head) == 0 {
		return domain.RankWithoutRerank(head, uc.opts.TopN)
	}

	var ranked []domain.RankedCandidate
	err := withStageTimeout(ctx, uc.opts.RerankTimeout, "rerank", func(ctx context.Context) error {
		out, err := uc.deps.Reranker.Rerank(ctx, text, head, uc.opts.TopN)
		ranked = out
		return err
	})
	if err != nil {
		run.degrade(DegradedRerankUnavailable, err)
		return domain.RankWithoutRerank(head, uc.opts.TopN)
	}
	return ranked
}

func (uc *QueryUseCase) persist(ctx context.Context, run *queryRun, query domain.Query, firstExchange bool) {
	if query.ConversationID == "" || uc.deps.Conversations == nil {
		return
	}
	start := time.Now()
	defer run.observe(domain.StagePersistence, start)

	// The answer exists at this point; finish writing the pair even if the
	// caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := persistExchange(ctx, uc.deps.Conversations, query, run.result); err != nil {
		run.result.PersistenceWarning = err.Error()
		logPersistenceFailure(query, err)
		return
	}
	if firstExchange && uc.deps.Titler != nil {
		if err := uc.deps.Titler.AutoTitle(ctx, query.OwnerID, query.ConversationID, query.Question); err != nil {
			slog.Warn("conversation_title_failed", "conversation_id", query.ConversationID, "error", err)
		}
	}
}

// withStageTimeout runs fn under its own deadline. A deadline that expires
// while the caller is still waiting is reported as ErrStageTimeout.
func withStageTimeout(ctx context.Context, timeout time.Duration, operation string, fn func(context.Context) error) error {
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.WrapError(domain.ErrStageTimeout, operation, err)
	}
	return err
}
