// Package handler 提供 RAG 服务的 HTTP 处理器。
package handler

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/kart-io/ragserve/internal/ragserve/biz"
	"github.com/kart-io/ragserve/internal/ragserve/store"
	"github.com/kart-io/ragserve/pkg/component/storage"
)

// Handler handles RAG HTTP requests.
type Handler struct {
	service  *biz.Service
	storages *storage.Manager
}

// New creates a new Handler.
func New(service *biz.Service, storages *storage.Manager) *Handler {
	if storages == nil {
		storages = storage.NewManager()
	}
	return &Handler{service: service, storages: storages}
}

// SuccessResponse is a standard success response.
type SuccessResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// respondError 按业务错误映射 HTTP 状态码。
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, biz.ErrInvalidDimension),
		errors.Is(err, biz.ErrInvalidFilter),
		errors.Is(err, biz.ErrEmptyField),
		errors.Is(err, store.ErrUnsupportedPattern):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, biz.ErrSessionNotFound),
		errors.Is(err, biz.ErrPromptNotFound):
		status = http.StatusNotFound
	case errors.Is(err, biz.ErrSessionNotActive):
		status = http.StatusConflict
	case errors.Is(err, biz.ErrNoProviderAvailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ErrorResponse{Code: status, Message: err.Error()})
}

// IngestRequest represents a document ingest request.
type IngestRequest struct {
	RepoURL  string            `json:"repo_url" binding:"required"`
	FilePath string            `json:"file_path" binding:"required"`
	Title    string            `json:"title,omitempty"`
	Text     string            `json:"text" binding:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Ingest chunks, embeds and stores a single document.
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	result, err := h.service.Indexer.IndexDocument(c.Request.Context(), biz.IndexRequest{
		RepoURL:  req.RepoURL,
		FilePath: req.FilePath,
		Title:    req.Title,
		Text:     req.Text,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "document indexed", Data: result})
}

// IngestDirectoryRequest represents a directory ingest request.
type IngestDirectoryRequest struct {
	Directory string `json:"directory" binding:"required"`
	RepoURL   string `json:"repo_url" binding:"required"`
}

// IngestDirectory indexes every recognizable file under a local directory.
func (h *Handler) IngestDirectory(c *gin.Context) {
	var req IngestDirectoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	results, failed, err := h.service.Indexer.IndexDirectory(c.Request.Context(), req.Directory, req.RepoURL)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "directory indexed", Data: gin.H{
		"files":  results,
		"failed": failed,
	}})
}

// QueryRequest represents a similarity query request.
type QueryRequest struct {
	Query    string `json:"query" binding:"required"`
	TopK     int    `json:"top_k,omitempty"`
	RepoURL  string `json:"repo_url,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// QueryResult 单条查询命中。
type QueryResult struct {
	ID         string  `json:"id"`
	RepoURL    string  `json:"repo_url"`
	FilePath   string  `json:"file_path"`
	Title      string  `json:"title,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// Query performs a similarity search.
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	var filter *store.Filter
	if req.RepoURL != "" || req.FilePath != "" {
		filter = &store.Filter{RepoURL: req.RepoURL, FilePath: req.FilePath}
	}

	docs, err := h.service.Query(c.Request.Context(), biz.QueryRequest{
		Query:  req.Query,
		TopK:   req.TopK,
		Filter: filter,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	results := make([]QueryResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, QueryResult{
			ID:         d.Document.ID,
			RepoURL:    d.Document.RepoURL,
			FilePath:   d.Document.FilePath,
			Title:      d.Document.Title,
			Text:       d.Document.Text,
			Score:      d.Score,
			ChunkIndex: d.Document.ChunkIndex,
		})
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: results})
}

// GenerateRequest represents a streaming generation request.
type GenerateRequest struct {
	SessionID      string   `json:"session_id" binding:"required"`
	Prompt         string   `json:"prompt" binding:"required"`
	TopK           int      `json:"top_k,omitempty"`
	RepoURL        string   `json:"repo_url,omitempty"`
	FilePath       string   `json:"file_path,omitempty"`
	Providers      []string `json:"providers,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Generate streams a retrieval-augmented generation as Server-Sent Events.
// 每个事件是一行 data: JSON，流末尾发送 data: [DONE]。
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	var filter *store.Filter
	if req.RepoURL != "" || req.FilePath != "" {
		filter = &store.Filter{RepoURL: req.RepoURL, FilePath: req.FilePath}
	}

	prompt, events, err := h.service.Orchestrator.Generate(c.Request.Context(), biz.GenerateRequest{
		SessionID:      req.SessionID,
		Prompt:         req.Prompt,
		TopK:           req.TopK,
		Filter:         filter,
		Providers:      req.Providers,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Prompt-ID", prompt.ID)
	c.Writer.Flush()

	flusher, _ := c.Writer.(http.Flusher)
	for ev := range events {
		payload, err := sonic.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := c.Writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			// 客户端断开，由请求 ctx 取消编排
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

// CreateSessionRequest represents a session creation request.
type CreateSessionRequest struct {
	Owner string `json:"owner,omitempty"`
}

// CreateSession creates a new conversation session.
func (h *Handler) CreateSession(c *gin.Context) {
	// 请求体可以为空
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
	}

	sess := h.service.Sessions.CreateSession(req.Owner)
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: sess})
}

// GetSession returns a session snapshot.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.Sessions.GetSession(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: sess})
}

// ListSessions lists all sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: h.service.Sessions.ListSessions()})
}

// CancelSession moves a session to the cancelled state.
func (h *Handler) CancelSession(c *gin.Context) {
	if err := h.service.Sessions.UpdateSessionStatus(c.Param("id"), biz.SessionCancelled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "session cancelled"})
}

// DeleteDocument removes a document by ID.
func (h *Handler) DeleteDocument(c *gin.Context) {
	if err := h.service.Searcher.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "document deleted"})
}

// DeleteDocumentsRequest represents a bulk delete request.
type DeleteDocumentsRequest struct {
	RepoURL  string `json:"repo_url" binding:"required"`
	FilePath string `json:"file_path,omitempty"`
}

// DeleteDocuments removes all documents of a repository, or of a single file
// when file_path is given.
func (h *Handler) DeleteDocuments(c *gin.Context) {
	var req DeleteDocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	var (
		deleted int64
		err     error
	)
	if req.FilePath != "" {
		deleted, err = h.service.Searcher.DeleteChunks(c.Request.Context(), req.RepoURL, req.FilePath)
	} else {
		deleted, err = h.service.Searcher.DeleteByRepo(c.Request.Context(), req.RepoURL)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: gin.H{"deleted": deleted}})
}

// Stats returns service statistics.
func (h *Handler) Stats(c *gin.Context) {
	repoURL := c.Query("repo_url")
	count, err := h.service.Searcher.Count(c.Request.Context(), repoURL)
	if err != nil {
		respondError(c, err)
		return
	}

	stats := h.service.Metrics.Stats()
	stats["documents"] = count
	stats["providers"] = h.service.Orchestrator.Providers()
	if cacheStats, err := h.service.EmbeddingCacheStats(c.Request.Context()); err == nil {
		stats["embedding_cache"] = cacheStats
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: stats})
}

// ClearCache drops all cached embeddings.
func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.service.ClearEmbeddingCache(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success"})
}

// Metrics exposes Prometheus text-format metrics.
func (h *Handler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(h.service.Metrics.Export("ragserve", "rag")))
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz is the readiness probe. It pings every registered storage backend
// and reports 503 when any of them is down.
func (h *Handler) Readyz(c *gin.Context) {
	statuses := h.storages.HealthCheckAll(c.Request.Context())

	ready := true
	backends := make(map[string]gin.H, len(statuses))
	for name, st := range statuses {
		entry := gin.H{"healthy": st.Healthy, "latency": st.Latency.String()}
		if st.Error != nil {
			entry["error"] = st.Error.Error()
			ready = false
		}
		backends[name] = entry
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "backends": backends})
}
