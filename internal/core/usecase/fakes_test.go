package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type docRepoFake struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	createErr   error
	statusCalls []domain.DocumentStatus
	lastError   string
}

func newDocRepoFake() *docRepoFake {
	return &docRepoFake{docs: map[string]*domain.Document{}}
}

func (f *docRepoFake) Create(_ context.Context, doc *domain.Document) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copyDoc := *doc
	f.docs[doc.ID] = &copyDoc
	return nil
}

func (f *docRepoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	copyDoc := *doc
	return &copyDoc, nil
}

func (f *docRepoFake) ListByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Document, 0)
	for _, doc := range f.docs {
		if doc.OwnerID == ownerID {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *docRepoFake) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, status)
	f.lastError = errMessage
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		doc.Error = errMessage
	}
	return nil
}

func (f *docRepoFake) MarkExtracted(_ context.Context, id string, text string, chunkCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	f.statusCalls = append(f.statusCalls, domain.StatusExtracted)
	doc.Status = domain.StatusExtracted
	doc.Text = text
	doc.ChunkCount = chunkCount
	return nil
}

func (f *docRepoFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return domain.ErrDocumentNotFound
	}
	delete(f.docs, id)
	return nil
}

type chunkRepoFake struct {
	mu     sync.Mutex
	byDoc  map[string][]domain.Chunk
	getErr error
}

func newChunkRepoFake() *chunkRepoFake {
	return &chunkRepoFake{byDoc: map[string][]domain.Chunk{}}
}

func (f *chunkRepoFake) add(chunks ...domain.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.byDoc[c.DocumentID] = append(f.byDoc[c.DocumentID], c)
	}
}

func (f *chunkRepoFake) ReplaceChunks(_ context.Context, documentID string, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDoc[documentID] = append([]domain.Chunk(nil), chunks...)
	return nil
}

func (f *chunkRepoFake) GetByIDs(_ context.Context, ownerID string, ids []string) ([]domain.Chunk, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]domain.Chunk, 0)
	for _, chunks := range f.byDoc {
		for _, c := range chunks {
			if _, ok := want[c.ID]; ok && c.OwnerID == ownerID {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *chunkRepoFake) ListIDsByDocument(_ context.Context, documentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for _, c := range f.byDoc[documentID] {
		out = append(out, c.ID)
	}
	return out, nil
}

func (f *chunkRepoFake) DeleteByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byDoc, documentID)
	return nil
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishDocumentIngested(_ context.Context, documentID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, documentID)
	return nil
}

func (f *queueFake) SubscribeDocumentIngested(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

type extractorFake struct {
	text string
	err  error
}

func (f *extractorFake) Extract(context.Context, []byte, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

// paragraphChunker emits one chunk per blank-line separated paragraph.
type paragraphChunker struct{}

func (paragraphChunker) Split(text string) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, 0)
	offset := 0
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, domain.Chunk{Ordinal: len(out), Text: part, Start: offset, End: offset + len(part)})
		offset += len(part) + 2
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidDocument, "split text", errors.New("empty text"))
	}
	return out, nil
}

type embedderFake struct {
	err   error
	calls int
	last  []string
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.last = texts
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (f *embedderFake) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type vectorIndexFake struct {
	mu      sync.Mutex
	entries map[string]domain.VectorEntry
	deleted []string
	hits    []domain.ScoredChunk
	err     error
	block   bool
	owner   string
	k       int
}

func newVectorIndexFake() *vectorIndexFake {
	return &vectorIndexFake{entries: map[string]domain.VectorEntry{}}
}

func (f *vectorIndexFake) Upsert(_ context.Context, entry domain.VectorEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.ChunkID] = entry
	return nil
}

func (f *vectorIndexFake) Delete(_ context.Context, _ string, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, chunkID)
	f.deleted = append(f.deleted, chunkID)
	return nil
}

func (f *vectorIndexFake) Search(ctx context.Context, ownerID string, _ []float32, k int) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	f.owner, f.k = ownerID, k
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type lexicalIndexFake struct {
	mu      sync.Mutex
	entries map[string]domain.LexicalEntry
	deleted []string
	hits    []domain.ScoredChunk
	err     error
	query   string
	// insertLimit makes Insert fail once that many entries are stored.
	insertLimit int
}

func newLexicalIndexFake() *lexicalIndexFake {
	return &lexicalIndexFake{entries: map[string]domain.LexicalEntry{}}
}

func (f *lexicalIndexFake) Insert(_ context.Context, entry domain.LexicalEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertLimit > 0 && len(f.entries) >= f.insertLimit {
		return errors.New("lexical index unavailable")
	}
	f.entries[entry.ChunkID] = entry
	return nil
}

func (f *lexicalIndexFake) Delete(_ context.Context, _ string, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, chunkID)
	f.deleted = append(f.deleted, chunkID)
	return nil
}

func (f *lexicalIndexFake) Search(_ context.Context, _ string, query string, _ int) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	f.query = query
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type rerankerFake struct {
	err    error
	scores map[string]float64
}

func (f *rerankerFake) Rerank(_ context.Context, _ string, candidates []domain.RetrievalCandidate, topN int) ([]domain.RankedCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.RankedCandidate{RetrievalCandidate: c, RerankScore: f.scores[c.ChunkID]})
	}
	domain.SortRanked(out)
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

// completionFake fails with the queued errors first, then answers.
type completionFake struct {
	mu      sync.Mutex
	errs    []error
	answer  string
	prompts []string
	calls   int
	delay   time.Duration
}

func (f *completionFake) Complete(ctx context.Context, prompt string, _ int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return f.answer, nil
}

// retryFake retries without backoff up to maxAttempts.
type retryFake struct {
	maxAttempts int
}

func (r retryFake) Retry(ctx context.Context, _ string, fn func(context.Context) error, retryable func(error) bool) (int, error) {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt == r.maxAttempts {
			return attempt, err
		}
	}
	return r.maxAttempts, err
}

type conversationStoreFake struct {
	mu        sync.Mutex
	turns     []domain.ConversationTurn
	appendErr error
	getErr    error
}

func (f *conversationStoreFake) AppendTurn(_ context.Context, turn domain.ConversationTurn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

func (f *conversationStoreFake) AppendExchange(_ context.Context, user, assistant domain.ConversationTurn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, user, assistant)
	return nil
}

func (f *conversationStoreFake) GetRecentTurns(_ context.Context, ownerID, conversationID string, n int) ([]domain.ConversationTurn, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ConversationTurn, 0)
	for _, turn := range f.turns {
		if turn.OwnerID == ownerID && turn.ConversationID == conversationID {
			out = append(out, turn)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// conversationRepoFake is an in-memory ConversationRepository.
type conversationRepoFake struct {
	conversationStoreFake
	convs map[string]*domain.Conversation
}

func newConversationRepoFake() *conversationRepoFake {
	return &conversationRepoFake{convs: map[string]*domain.Conversation{}}
}

func convKey(ownerID, id string) string { return ownerID + "/" + id }

func (f *conversationRepoFake) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if err := f.conversationStoreFake.AppendTurn(ctx, turn); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := convKey(turn.OwnerID, turn.ConversationID)
	if _, ok := f.convs[key]; !ok {
		f.convs[key] = &domain.Conversation{ID: turn.ConversationID, OwnerID: turn.OwnerID, Title: domain.DefaultConversationTitle}
	}
	return nil
}

func (f *conversationRepoFake) AppendExchange(ctx context.Context, user, assistant domain.ConversationTurn) error {
	if err := f.conversationStoreFake.AppendExchange(ctx, user, assistant); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := convKey(user.OwnerID, user.ConversationID)
	if _, ok := f.convs[key]; !ok {
		f.convs[key] = &domain.Conversation{ID: user.ConversationID, OwnerID: user.OwnerID, Title: domain.DefaultConversationTitle}
	}
	return nil
}

func (f *conversationRepoFake) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyConv := *conv
	f.convs[convKey(conv.OwnerID, conv.ID)] = &copyConv
	return nil
}

func (f *conversationRepoFake) GetConversation(_ context.Context, ownerID, conversationID string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convKey(ownerID, conversationID)]
	if !ok {
		return nil, domain.WrapError(domain.ErrConversationNotFound, "get conversation", fmt.Errorf("id=%s", conversationID))
	}
	copyConv := *conv
	return &copyConv, nil
}

func (f *conversationRepoFake) ListConversations(_ context.Context, ownerID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Conversation, 0)
	for _, conv := range f.convs {
		if conv.OwnerID == ownerID {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *conversationRepoFake) RenameConversation(_ context.Context, ownerID, conversationID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convKey(ownerID, conversationID)]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Title = title
	return nil
}

func (f *conversationRepoFake) ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.ConversationTurn, error) {
	return f.conversationStoreFake.GetRecentTurns(ctx, ownerID, conversationID, 1<<30)
}

func (f *conversationRepoFake) DeleteConversation(_ context.Context, ownerID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := convKey(ownerID, conversationID)
	if _, ok := f.convs[key]; !ok {
		return domain.ErrConversationNotFound
	}
	delete(f.convs, key)
	return nil
}

func (f *conversationRepoFake) DeleteByOwner(_ context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, conv := range f.convs {
		if conv.OwnerID == ownerID {
			delete(f.convs, key)
		}
	}
	kept := f.turns[:0]
	for _, turn := range f.turns {
		if turn.OwnerID != ownerID {
			kept = append(kept, turn)
		}
	}
	f.turns = kept
	return nil
}
