// Package tei calls a cross-encoder served by Text Embeddings Inference.
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (c *Client) Rerank(ctx context.Context, query string, candidates []domain.RetrievalCandidate, topN int) ([]domain.RankedCandidate, error) {
	if len(candidates) == 0 {
		return []domain.RankedCandidate{}, nil
	}

	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Text
	}
	scores, err := c.score(ctx, rerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, "tei rerank", err)
	}

	out := make([]domain.RankedCandidate, 0, len(candidates))
	seen := make(map[int]bool, len(scores))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(candidates) || seen[s.Index] {
			return nil, domain.WrapError(domain.ErrRerankUnavailable, "tei rerank",
				fmt.Errorf("unexpected result index %d", s.Index))
		}
		seen[s.Index] = true
		out = append(out, domain.RankedCandidate{RetrievalCandidate: candidates[s.Index], RerankScore: s.Score})
	}
	if len(out) != len(candidates) {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, "tei rerank",
			fmt.Errorf("got %d scores for %d candidates", len(out), len(candidates)))
	}

	domain.SortRanked(out)
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func (c *Client) score(ctx context.Context, payload rerankRequest) ([]rerankScore, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank status: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var scores []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return scores, nil
}
