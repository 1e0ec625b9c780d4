package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/ragcore/internal/infrastructure/resilience"
)

type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func isNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

type Option func(*transport)

// WithExecutor routes every request through a retrying circuit breaker.
func WithExecutor(executor *resilience.Executor) Option {
	return func(t *transport) {
		t.executor = executor
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *transport) {
		t.httpClient = client
	}
}

// transport is the HTTP plumbing shared by the dense and sparse indexes.
type transport struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu sync.Mutex
	ensured  bool
}

func newTransport(baseURL, collection string, opts []Option) *transport {
	t := &transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *transport) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", t.baseURL, t.collection, suffix)
}

func (t *transport) do(ctx context.Context, method, url string, payload any, out any, operation string) error {
	call := func(ctx context.Context) error {
		return t.doOnce(ctx, method, url, payload, out, operation)
	}
	if t.executor == nil {
		return call(ctx)
	}
	return t.executor.Execute(ctx, "qdrant."+operation, call, classifyQdrantError)
}

func (t *transport) doOnce(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// ensureCollection creates the collection once and indexes owner_id so
// filtered searches stay cheap. An existing collection is accepted as is.
func (t *transport) ensureCollection(ctx context.Context, schema map[string]any) error {
	t.ensureMu.Lock()
	defer t.ensureMu.Unlock()
	if t.ensured {
		return nil
	}

	err := t.do(ctx, http.MethodPut, t.collectionURL(""), schema, nil, "ensure collection")
	var statusErr *StatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}

	indexBody := map[string]any{"field_name": "owner_id", "field_schema": "keyword"}
	if err := t.do(ctx, http.MethodPut, t.collectionURL("/index?wait=true"), indexBody, nil, "create payload index"); err != nil {
		return err
	}
	t.ensured = true
	return nil
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func ownerFilter(ownerID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "owner_id",
				"match": map[string]any{"value": ownerID},
			},
		},
	}
}

// pointID maps an owner-scoped chunk id onto a stable Qdrant point id so
// repeated upserts overwrite the same point.
func pointID(ownerID, chunkID string) string {
	return uuidFor(ownerID + "/" + chunkID)
}

type queryPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []queryPoint `json:"points"`
	} `json:"result"`
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getSeqPayload(payload map[string]any) int64 {
	switch v := payload["seq"].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
