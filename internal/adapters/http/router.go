package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/ragcore/internal/adapters/http/openapi"
	"github.com/kirillkom/ragcore/internal/config"
	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
	"github.com/kirillkom/ragcore/internal/observability/metrics"
)

const (
	ownerHeader      = "X-Owner-Id"
	serviceName      = "api"
	backpressureWait = 250 * time.Millisecond
)

// Services groups the inbound ports served over HTTP.
type Services struct {
	Ingestor      ports.DocumentIngestor
	Catalog       ports.DocumentCatalog
	Query         ports.QueryService
	Conversations ports.ConversationService
}

type Router struct {
	services Services
	metrics  *metrics.HTTPServerMetrics

	asyncIngestion  bool
	maxUploadBytes  int64
	rateLimitRPS    float64
	rateLimitBurst  int
	maxInFlight     int
	validateRequest bool
}

func NewRouter(cfg config.Config, services Services, httpMetrics *metrics.HTTPServerMetrics) *Router {
	maxUpload := int64(cfg.MaxUploadBytes)
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &Router{
		services:        services,
		metrics:         httpMetrics,
		asyncIngestion:  cfg.AsyncIngestion,
		maxUploadBytes:  maxUpload,
		rateLimitRPS:    cfg.RateLimitRPS,
		rateLimitBurst:  cfg.RateLimitBurst,
		maxInFlight:     cfg.MaxInFlight,
		validateRequest: cfg.ValidateOpenAPI,
	}
}

// Handler assembles routes and middleware. It fails only when the embedded
// API contract cannot be loaded.
func (rt *Router) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.yaml", rt.openAPIDocument)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/rag/query", rt.queryRAG)
	mux.HandleFunc("POST /v1/conversations", rt.createConversation)
	mux.HandleFunc("GET /v1/conversations", rt.listConversations)
	mux.HandleFunc("DELETE /v1/conversations/{id}", rt.deleteConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/export", rt.exportConversation)
	mux.HandleFunc("DELETE /v1/owner", rt.clearOwner)

	var handler http.Handler = mux
	if rt.validateRequest {
		validator, err := newRequestValidator()
		if err != nil {
			return nil, err
		}
		handler = validator.middleware(handler)
	}

	onReject := func(reason string) {
		if rt.metrics != nil {
			rt.metrics.RecordRejected(serviceName, reason)
		}
	}
	handler = backpressureMiddleware(handler, rt.maxInFlight, backpressureWait, onReject)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst, onReject)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler, nil
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.YAML)
}

// ownerID reads the caller identity set by the upstream auth layer.
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes+1<<20)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload exceeds size limit", Stage: string(domain.StageValidation)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required", Stage: string(domain.StageValidation)})
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "read upload", err))
		return
	}
	req := domain.IngestRequest{
		OwnerID:  owner,
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Body:     body,
	}

	if rt.asyncIngestion {
		doc, err := rt.services.Ingestor.Upload(r.Context(), req)
		rt.recordIngest("async", err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"document": doc})
		return
	}

	result, err := rt.services.Ingestor.Ingest(r.Context(), req)
	rt.recordIngest("sync", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (rt *Router) recordIngest(mode string, err error) {
	if rt.metrics != nil {
		rt.metrics.RecordIngest(serviceName, mode, err)
	}
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	docs, err := rt.services.Catalog.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	doc, err := rt.services.Catalog.Get(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := rt.services.Catalog.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) clearOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := rt.services.Catalog.ClearOwner(r.Context(), owner); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Question       string `json:"question"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json", Stage: string(domain.StageValidation)})
		return
	}

	start := time.Now()
	result, err := rt.services.Query.Answer(r.Context(), domain.Query{
		OwnerID:        owner,
		Question:       req.Question,
		ConversationID: strings.TrimSpace(req.ConversationID),
	})
	rt.recordAnswer(result, err, time.Since(start))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) recordAnswer(result *domain.AnswerResult, err error, elapsed time.Duration) {
	if rt.metrics == nil {
		return
	}
	obs := metrics.AnswerObservation{Outcome: string(domain.StateCompleted), Duration: elapsed}
	if err != nil {
		obs.Outcome = string(domain.StateFailed)
		if stage, ok := domain.FailedStage(err); ok {
			obs.Outcome = fmt.Sprintf("failed_%s", stage)
		}
	}
	if result != nil {
		obs.CitedChunks = len(result.CitedChunkIDs)
		obs.Retries = result.RetryCount
		obs.DegradedReasons = result.DegradedReasons
		obs.StageLatencyMS = result.LatencyMS
	}
	rt.metrics.RecordAnswer(serviceName, obs)
}

func (rt *Router) createConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json", Stage: string(domain.StageValidation)})
		return
	}
	conv, err := rt.services.Conversations.Create(r.Context(), owner, req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (rt *Router) listConversations(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	convs, err := rt.services.Conversations.List(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (rt *Router) deleteConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := rt.services.Conversations.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) exportConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	text, err := rt.services.Conversations.Export(r.Context(), owner, r.PathValue("id"), format)
	if err != nil {
		writeError(w, r, err)
		return
	}
	contentType := "text/markdown; charset=utf-8"
	if format == "text" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}
