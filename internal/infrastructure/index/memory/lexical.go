package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/infrastructure/index/tokens"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type lexicalRecord struct {
	Entry domain.LexicalEntry `json:"entry"`
	Seq   uint64              `json:"seq"`

	termFreq map[string]int
	length   int
}

type lexicalNamespace struct {
	docs     map[string]*lexicalRecord
	postings map[string]map[string]int
	totalLen int
}

func newLexicalNamespace() *lexicalNamespace {
	return &lexicalNamespace{
		docs:     make(map[string]*lexicalRecord),
		postings: make(map[string]map[string]int),
	}
}

func (ns *lexicalNamespace) add(rec *lexicalRecord) {
	ns.docs[rec.Entry.ChunkID] = rec
	ns.totalLen += rec.length
	for term, tf := range rec.termFreq {
		posting, ok := ns.postings[term]
		if !ok {
			posting = make(map[string]int)
			ns.postings[term] = posting
		}
		posting[rec.Entry.ChunkID] = tf
	}
}

func (ns *lexicalNamespace) remove(chunkID string) *lexicalRecord {
	rec, ok := ns.docs[chunkID]
	if !ok {
		return nil
	}
	delete(ns.docs, chunkID)
	ns.totalLen -= rec.length
	for term := range rec.termFreq {
		posting := ns.postings[term]
		delete(posting, chunkID)
		if len(posting) == 0 {
			delete(ns.postings, term)
		}
	}
	return rec
}

// LexicalIndex is a BM25 inverted index partitioned by owner.
type LexicalIndex struct {
	store Store

	mu     sync.RWMutex
	owners map[string]*lexicalNamespace
	seq    uint64
}

func NewLexicalIndex(store Store) (*LexicalIndex, error) {
	idx := &LexicalIndex{
		store:  store,
		owners: make(map[string]*lexicalNamespace),
	}
	if store == nil {
		return idx, nil
	}
	err := store.ForEach(lexicalBucket, func(_, value []byte) error {
		var rec lexicalRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode lexical record: %w", err)
		}
		analyze(&rec)
		idx.namespace(rec.Entry.OwnerID).add(&rec)
		if rec.Seq > idx.seq {
			idx.seq = rec.Seq
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "load lexical index", err)
	}
	return idx, nil
}

func analyze(rec *lexicalRecord) {
	terms := tokens.Tokenize(rec.Entry.Text)
	terms = append(terms, tokens.Tokenize(rec.Entry.Filename)...)
	rec.termFreq = make(map[string]int, len(terms))
	for _, term := range terms {
		rec.termFreq[term]++
	}
	rec.length = len(terms)
}

func (l *LexicalIndex) namespace(ownerID string) *lexicalNamespace {
	ns, ok := l.owners[ownerID]
	if !ok {
		ns = newLexicalNamespace()
		l.owners[ownerID] = ns
	}
	return ns
}

// Insert indexes the chunk text, replacing any previous text for the same chunk.
func (l *LexicalIndex) Insert(_ context.Context, entry domain.LexicalEntry) error {
	if entry.OwnerID == "" || entry.ChunkID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "lexical insert", fmt.Errorf("owner and chunk id are required"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ns := l.namespace(entry.OwnerID)
	rec := &lexicalRecord{Entry: entry}
	if existing, ok := ns.docs[entry.ChunkID]; ok {
		rec.Seq = existing.Seq
	} else {
		l.seq++
		rec.Seq = l.seq
	}
	analyze(rec)

	if l.store != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode lexical record: %w", err)
		}
		if err := l.store.Put(lexicalBucket, recordKey(entry.OwnerID, entry.ChunkID), raw); err != nil {
			return domain.WrapError(domain.ErrIndexUnavailable, "lexical insert", err)
		}
	}
	ns.remove(entry.ChunkID)
	ns.add(rec)
	return nil
}

func (l *LexicalIndex) Delete(_ context.Context, ownerID, chunkID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ns, ok := l.owners[ownerID]
	if !ok {
		return nil
	}
	if _, ok := ns.docs[chunkID]; !ok {
		return nil
	}
	if l.store != nil {
		if err := l.store.Delete(lexicalBucket, recordKey(ownerID, chunkID)); err != nil {
			return domain.WrapError(domain.ErrIndexUnavailable, "lexical delete", err)
		}
	}
	ns.remove(chunkID)
	if len(ns.docs) == 0 {
		delete(l.owners, ownerID)
	}
	return nil
}

// Search scores the owner's chunks with Okapi BM25. Chunks that share no
// term with the query are not returned.
func (l *LexicalIndex) Search(ctx context.Context, ownerID string, query string, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := tokens.Unique(query)
	if len(terms) == 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ns, ok := l.owners[ownerID]
	if !ok || len(ns.docs) == 0 {
		return nil, nil
	}

	n := float64(len(ns.docs))
	avgLen := float64(ns.totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		posting := ns.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for chunkID, tf := range posting {
			docLen := float64(ns.docs[chunkID].length)
			freq := float64(tf)
			scores[chunkID] += idf * freq * (bm25K1 + 1) / (freq + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
	}

	out := make([]domain.ScoredChunk, 0, len(scores))
	for chunkID, score := range scores {
		out = append(out, domain.ScoredChunk{ChunkID: chunkID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return ns.docs[out[i].ChunkID].Seq < ns.docs[out[j].ChunkID].Seq
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
