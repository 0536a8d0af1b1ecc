package biz

import (
	"context"

	"github.com/kart-io/ragserve/internal/ragserve/metrics"
	"github.com/kart-io/ragserve/internal/ragserve/store"
	"github.com/kart-io/ragserve/pkg/llm"
)

// QueryRequest 一次相似度查询请求。
type QueryRequest struct {
	Query  string
	TopK   int
	Filter *store.Filter
}

// Service 聚合业务层组件，供 HTTP 处理器使用。
type Service struct {
	Searcher     *Searcher
	Indexer      *Indexer
	Sessions     *SessionManager
	Orchestrator *Orchestrator
	Metrics      *metrics.Metrics

	embedder llm.EmbeddingProvider
}

// NewService 组装业务层。
func NewService(searcher *Searcher, indexer *Indexer, sessions *SessionManager, orch *Orchestrator, m *metrics.Metrics, embedder llm.EmbeddingProvider) *Service {
	return &Service{
		Searcher:     searcher,
		Indexer:      indexer,
		Sessions:     sessions,
		Orchestrator: orch,
		Metrics:      m,
		embedder:     embedder,
	}
}

// embeddingCacheAdmin 由支持缓存管理的嵌入器实现，
// 目前只有 llm.CachedEmbeddingProvider。
type embeddingCacheAdmin interface {
	ClearCache(ctx context.Context) error
	GetCacheStats(ctx context.Context) (map[string]interface{}, error)
}

// ClearEmbeddingCache 清空嵌入缓存。嵌入器不带缓存时为空操作。
func (s *Service) ClearEmbeddingCache(ctx context.Context) error {
	admin, ok := s.embedder.(embeddingCacheAdmin)
	if !ok {
		return nil
	}
	return admin.ClearCache(ctx)
}

// EmbeddingCacheStats 返回嵌入缓存的统计信息。
func (s *Service) EmbeddingCacheStats(ctx context.Context) (map[string]interface{}, error) {
	admin, ok := s.embedder.(embeddingCacheAdmin)
	if !ok {
		return map[string]interface{}{"enabled": false}, nil
	}
	return admin.GetCacheStats(ctx)
}

// Query 把查询文本嵌入后做相似度检索。
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]*store.ScoredDocument, error) {
	if req.Query == "" {
		return nil, ErrEmptyField
	}

	vector, err := s.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordQuery(false, err)
		}
		return nil, err
	}

	docs, err := s.Searcher.QueryNearest(ctx, vector, req.TopK, req.Filter)
	if s.Metrics != nil {
		s.Metrics.RecordQuery(false, err)
	}
	return docs, err
}
