package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/ragcore/internal/config"
	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/observability/metrics"
)

type ingestorFake struct {
	req    domain.IngestRequest
	err    error
	result *domain.IngestResult
}

func (f *ingestorFake) Ingest(_ context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.IngestResult{Document: &domain.Document{ID: "doc-1", OwnerID: req.OwnerID, Filename: req.Filename, Status: domain.StatusExtracted}, ChunkCount: 3}, nil
}

func (f *ingestorFake) Upload(_ context.Context, req domain.IngestRequest) (*domain.Document, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: "doc-2", OwnerID: req.OwnerID, Filename: req.Filename, Status: domain.StatusPending}, nil
}

type catalogFake struct {
	docs    []domain.Document
	err     error
	deleted []string
	cleared string
}

func (f *catalogFake) List(context.Context, string) ([]domain.Document, error) { return f.docs, f.err }

func (f *catalogFake) Get(_ context.Context, ownerID, documentID string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.docs {
		if f.docs[i].ID == documentID && f.docs[i].OwnerID == ownerID {
			return &f.docs[i], nil
		}
	}
	return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(documentID))
}

func (f *catalogFake) Delete(_ context.Context, _ string, documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return f.err
}

func (f *catalogFake) ClearOwner(_ context.Context, ownerID string) error {
	f.cleared = ownerID
	return f.err
}

type queryFake struct {
	query  domain.Query
	result *domain.AnswerResult
	err    error
}

func (f *queryFake) Answer(_ context.Context, q domain.Query) (*domain.AnswerResult, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.AnswerResult{Answer: "grounded [1]", CitedChunkIDs: []string{"doc-1:00000"}}, nil
}

type conversationsFake struct {
	title  string
	format string
}

func (f *conversationsFake) Create(_ context.Context, ownerID, title string) (*domain.Conversation, error) {
	f.title = title
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	return &domain.Conversation{ID: "c1", OwnerID: ownerID, Title: title}, nil
}

func (f *conversationsFake) List(_ context.Context, ownerID string) ([]domain.Conversation, error) {
	return []domain.Conversation{{ID: "c1", OwnerID: ownerID, Title: "t"}}, nil
}

func (f *conversationsFake) Delete(_ context.Context, _, conversationID string) error {
	if conversationID == "missing" {
		return domain.WrapError(domain.ErrConversationNotFound, "delete conversation", errors.New(conversationID))
	}
	return nil
}

func (f *conversationsFake) Export(_ context.Context, _, _, format string) (string, error) {
	f.format = format
	return "# t\n", nil
}

type testDeps struct {
	ingestor      *ingestorFake
	catalog       *catalogFake
	query         *queryFake
	conversations *conversationsFake
	metrics       *metrics.HTTPServerMetrics
}

func newTestHandler(t *testing.T, cfg config.Config) (http.Handler, *testDeps) {
	t.Helper()
	deps := &testDeps{
		ingestor:      &ingestorFake{},
		catalog:       &catalogFake{},
		query:         &queryFake{},
		conversations: &conversationsFake{},
		metrics:       metrics.NewHTTPServerMetrics(serviceName),
	}
	handler, err := NewRouter(cfg, Services{
		Ingestor:      deps.ingestor,
		Catalog:       deps.catalog,
		Query:         deps.query,
		Conversations: deps.conversations,
	}, deps.metrics).Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	return handler, deps
}

func validatingConfig() config.Config {
	return config.Config{ValidateOpenAPI: true, MaxUploadBytes: 1 << 20}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(ownerHeader, "alice")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeError(t *testing.T, res *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadDocumentIngestsSynchronously(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())

	body, contentType := multipartUpload(t, "notes.txt", "hello world")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "alice")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if deps.ingestor.req.OwnerID != "alice" || deps.ingestor.req.Filename != "notes.txt" || string(deps.ingestor.req.Body) != "hello world" {
		t.Fatalf("unexpected ingest request: %+v", deps.ingestor.req)
	}
	var result domain.IngestResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ChunkCount != 3 || result.Document.ID != "doc-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUploadDocumentAsyncReturnsAccepted(t *testing.T) {
	cfg := validatingConfig()
	cfg.AsyncIngestion = true
	handler, _ := newTestHandler(t, cfg)

	body, contentType := multipartUpload(t, "notes.md", "# title")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "alice")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), `"status":"pending"`) {
		t.Fatalf("expected pending document, got %s", res.Body.String())
	}
}

func TestUploadDocumentMapsExtractionFailureTo422(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())
	deps.ingestor.err = domain.NewStageError(domain.StageExtraction, domain.ErrExtraction, errors.New("corrupt pdf"))

	body, contentType := multipartUpload(t, "broken.pdf", "%PDF")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "alice")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.Code)
	}
	if resp := decodeError(t, res); resp.Stage != "extraction" {
		t.Fatalf("expected extraction stage, got %+v", resp)
	}
}

func TestRequestsWithoutOwnerAreUnauthorized(t *testing.T) {
	handler, _ := newTestHandler(t, validatingConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestQueryRAGPassesOwnerAndConversation(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())

	res := doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{
		"question":        "what is in my notes?",
		"conversation_id": "c1",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if deps.query.query != (domain.Query{OwnerID: "alice", Question: "what is in my notes?", ConversationID: "c1"}) {
		t.Fatalf("unexpected query: %+v", deps.query.query)
	}
	var result domain.AnswerResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if result.Answer != "grounded [1]" || len(result.CitedChunkIDs) != 1 {
		t.Fatalf("unexpected answer: %+v", result)
	}
}

func TestQueryRAGRejectsContractViolations(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())

	res := doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{"limit": 3})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if deps.query.query.Question != "" {
		t.Fatalf("query service must not be called for invalid requests")
	}
}

func TestQueryRAGMapsStageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		stage  string
	}{
		{"validation", domain.NewStageError(domain.StageValidation, domain.ErrInvalidInput, errors.New("empty question")), http.StatusBadRequest, "validation"},
		{"embedding", domain.NewStageError(domain.StageEmbedding, domain.ErrEmbeddingUnavailable, errors.New("down")), http.StatusServiceUnavailable, "embedding"},
		{"retrieval timeout", domain.NewStageError(domain.StageRetrieval, domain.ErrIndexUnavailable,
			domain.WrapError(domain.ErrStageTimeout, "vector search", context.DeadlineExceeded)), http.StatusGatewayTimeout, "retrieval"},
		{"generation", domain.NewStageError(domain.StageGeneration, domain.ErrGenerationFailed, errors.New("empty")), http.StatusBadGateway, "generation"},
		{"rate limited", domain.NewStageError(domain.StageGeneration, domain.ErrRateLimited, errors.New("429")), http.StatusTooManyRequests, "generation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, deps := newTestHandler(t, validatingConfig())
			deps.query.err = tc.err

			res := doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{"question": "q"})
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.Code)
			}
			if resp := decodeError(t, res); resp.Stage != tc.stage || resp.Error == "" {
				t.Fatalf("unexpected error body: %+v", resp)
			}
		})
	}
}

func TestGetDocumentReturns404ForOtherOwner(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())
	deps.catalog.docs = []domain.Document{{ID: "d1", OwnerID: "bob"}}

	res := doJSON(t, handler, http.MethodGet, "/v1/documents/d1", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestDocumentCatalogRoutes(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())
	deps.catalog.docs = []domain.Document{{ID: "d1", OwnerID: "alice"}}

	if res := doJSON(t, handler, http.MethodGet, "/v1/documents", nil); res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"d1"`) {
		t.Fatalf("list: %d %s", res.Code, res.Body.String())
	}
	if res := doJSON(t, handler, http.MethodDelete, "/v1/documents/d1", nil); res.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", res.Code)
	}
	if len(deps.catalog.deleted) != 1 || deps.catalog.deleted[0] != "d1" {
		t.Fatalf("unexpected deletes: %v", deps.catalog.deleted)
	}
	if res := doJSON(t, handler, http.MethodDelete, "/v1/owner", nil); res.Code != http.StatusNoContent {
		t.Fatalf("clear owner: expected 204, got %d", res.Code)
	}
	if deps.catalog.cleared != "alice" {
		t.Fatalf("expected alice cleared, got %q", deps.catalog.cleared)
	}
}

func TestConversationRoutes(t *testing.T) {
	handler, deps := newTestHandler(t, validatingConfig())

	if res := doJSON(t, handler, http.MethodPost, "/v1/conversations", nil); res.Code != http.StatusCreated {
		t.Fatalf("create without body: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if res := doJSON(t, handler, http.MethodPost, "/v1/conversations", map[string]any{"title": "Taxes"}); res.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", res.Code)
	}
	if deps.conversations.title != "Taxes" {
		t.Fatalf("expected title Taxes, got %q", deps.conversations.title)
	}
	if res := doJSON(t, handler, http.MethodGet, "/v1/conversations", nil); res.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", res.Code)
	}
	if res := doJSON(t, handler, http.MethodDelete, "/v1/conversations/missing", nil); res.Code != http.StatusNotFound {
		t.Fatalf("delete missing: expected 404, got %d", res.Code)
	}

	res := doJSON(t, handler, http.MethodGet, "/v1/conversations/c1/export?format=text", nil)
	if res.Code != http.StatusOK || !strings.HasPrefix(res.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("export: %d %s", res.Code, res.Header().Get("Content-Type"))
	}
	if deps.conversations.format != "text" {
		t.Fatalf("expected text format, got %q", deps.conversations.format)
	}
	if res := doJSON(t, handler, http.MethodGet, "/v1/conversations/c1/export?format=pdf", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("export unknown format: expected 400, got %d", res.Code)
	}
}

func TestServesOpenAPIDocumentAndMetrics(t *testing.T) {
	handler, _ := newTestHandler(t, validatingConfig())

	res := doJSON(t, handler, http.MethodGet, "/openapi.yaml", nil)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "/v1/rag/query") {
		t.Fatalf("openapi: %d", res.Code)
	}

	doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{"question": "q"})
	res = doJSON(t, handler, http.MethodGet, "/metrics", nil)
	if !strings.Contains(res.Body.String(), `ragcore_rag_answers_total{outcome="completed",service="api"} 1`) {
		t.Fatalf("expected answer metric, got\n%s", res.Body.String())
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	handler, _ := newTestHandler(t, validatingConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echo, got %q", res.Header().Get(requestIDHeader))
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	cfg := validatingConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	handler, _ := newTestHandler(t, cfg)

	res1 := doJSON(t, handler, http.MethodGet, "/v1/documents", nil)
	if res1.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", res1.Code)
	}

	res2 := doJSON(t, handler, http.MethodGet, "/v1/documents", nil)
	if res2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", res2.Code)
	}
	if res2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header for 429 response")
	}

	if res := doJSON(t, handler, http.MethodGet, "/healthz", nil); res.Code != http.StatusOK {
		t.Fatalf("health check must bypass rate limit, got %d", res.Code)
	}
}

func TestBackpressureMiddlewareReturns503WhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	var rejected []string
	handler := backpressureMiddleware(base, 1, 20*time.Millisecond, func(reason string) {
		rejected = append(rejected, reason)
	})

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		done <- res.Code
	}()

	<-started

	req2 := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, req2)
	if res2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for saturated backpressure gate, got %d", res2.Code)
	}
	if resp := decodeError(t, res2); resp.Error == "" {
		t.Fatalf("expected overload error message in response")
	}
	if len(rejected) != 1 || rejected[0] != "overloaded" {
		t.Fatalf("expected one overloaded rejection, got %v", rejected)
	}

	close(release)

	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Fatalf("first request expected 204, got %d", code)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timed out waiting for first request completion")
	}
}
