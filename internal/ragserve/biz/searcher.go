// Package biz 实现 RAG 服务的业务层：校验、索引、会话与流式生成编排。
package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kart-io/ragserve/internal/pkg/rag/textutil"
	"github.com/kart-io/ragserve/internal/ragserve/store"
)

// 业务层哨兵错误，处理器按 errors.Is 映射到 HTTP 状态码。
var (
	// ErrInvalidDimension 向量维度与配置不一致。
	ErrInvalidDimension = errors.New("embedding dimension mismatch")

	// ErrInvalidFilter 过滤模式超限或不安全。
	ErrInvalidFilter = errors.New("invalid filter pattern")

	// ErrEmptyField 必填字段为空。
	ErrEmptyField = errors.New("required field is empty")
)

// SearcherConfig 校验层的限额配置。
type SearcherConfig struct {
	Dimension           int // 嵌入向量维度
	DefaultTopK         int // 未指定 k 时的默认值
	MaxTopK             int // k 的静默截断上限
	MaxPatternLength    int // 过滤模式最大长度
	MaxPatternWildcards int // 过滤模式最大通配符数
}

// Searcher 在存储之上实施输入校验与 k 截断。
// 存储后端只负责持久化与检索，所有拒绝都发生在这一层。
type Searcher struct {
	store store.DocumentStore
	cfg   SearcherConfig
}

// NewSearcher 创建校验层。
func NewSearcher(st store.DocumentStore, cfg SearcherConfig) *Searcher {
	return &Searcher{store: st, cfg: cfg}
}

// Store 返回底层存储，供需要绕过校验的内部组件使用。
func (s *Searcher) Store() store.DocumentStore {
	return s.store
}

func (s *Searcher) validateDocument(doc *store.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document", ErrEmptyField)
	}
	if strings.TrimSpace(doc.RepoURL) == "" {
		return fmt.Errorf("%w: repo_url", ErrEmptyField)
	}
	if strings.TrimSpace(doc.FilePath) == "" {
		return fmt.Errorf("%w: file_path", ErrEmptyField)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return fmt.Errorf("%w: text", ErrEmptyField)
	}
	if doc.ChunkIndex < 0 {
		return fmt.Errorf("%w: chunk_index must not be negative", ErrInvalidFilter)
	}
	if len(doc.Embedding) != s.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(doc.Embedding), s.cfg.Dimension)
	}
	return nil
}

func (s *Searcher) validateVector(vector []float32) error {
	if len(vector) != s.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(vector), s.cfg.Dimension)
	}
	return nil
}

// validatePatternField 校验单个过滤字段。无通配符的值按精确匹配处理，不设长度限制之外的约束。
func (s *Searcher) validatePatternField(name, value string) error {
	if value == "" {
		return nil
	}
	if len(value) > s.cfg.MaxPatternLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidFilter, name, s.cfg.MaxPatternLength)
	}

	wildcards := textutil.CountWildcards(value)
	if wildcards == 0 {
		return nil
	}
	if wildcards > s.cfg.MaxPatternWildcards {
		return fmt.Errorf("%w: %s has %d wildcards, limit %d", ErrInvalidFilter, name, wildcards, s.cfg.MaxPatternWildcards)
	}
	// 前导通配符会退化为全表扫描
	if strings.HasPrefix(value, "%") || strings.HasPrefix(value, "_") {
		return fmt.Errorf("%w: %s must not start with a wildcard", ErrInvalidFilter, name)
	}
	return nil
}

func (s *Searcher) validateFilter(filter *store.Filter) error {
	if filter == nil {
		return nil
	}
	if err := s.validatePatternField("repo_url", filter.RepoURL); err != nil {
		return err
	}
	return s.validatePatternField("file_path", filter.FilePath)
}

// Upsert 校验后写入单个文档。
func (s *Searcher) Upsert(ctx context.Context, doc *store.Document) (*store.Document, error) {
	if err := s.validateDocument(doc); err != nil {
		return nil, err
	}
	return s.store.Upsert(ctx, doc)
}

// BulkUpsert 先整批校验再写入，任一文档非法则什么都不落库。
func (s *Searcher) BulkUpsert(ctx context.Context, docs []*store.Document) error {
	if len(docs) == 0 {
		return fmt.Errorf("%w: documents", ErrEmptyField)
	}
	for i, doc := range docs {
		if err := s.validateDocument(doc); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
	return s.store.BulkUpsert(ctx, docs)
}

// QueryNearest 按余弦相似度检索 top-k。k 非正时取默认值，超过上限时静默截断。
func (s *Searcher) QueryNearest(ctx context.Context, vector []float32, k int, filter *store.Filter) ([]*store.ScoredDocument, error) {
	if err := s.validateVector(vector); err != nil {
		return nil, err
	}
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}

	if k <= 0 {
		k = s.cfg.DefaultTopK
	}
	if k > s.cfg.MaxTopK {
		k = s.cfg.MaxTopK
	}
	return s.store.QueryNearest(ctx, vector, k, filter)
}

// Delete 按 ID 删除文档。
func (s *Searcher) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id", ErrEmptyField)
	}
	return s.store.Delete(ctx, id)
}

// DeleteByRepo 删除某仓库的全部文档。
func (s *Searcher) DeleteByRepo(ctx context.Context, repoURL string) (int64, error) {
	if strings.TrimSpace(repoURL) == "" {
		return 0, fmt.Errorf("%w: repo_url", ErrEmptyField)
	}
	return s.store.DeleteByRepo(ctx, repoURL)
}

// DeleteChunks 删除某文件的全部分块。
func (s *Searcher) DeleteChunks(ctx context.Context, repoURL, filePath string) (int64, error) {
	if strings.TrimSpace(repoURL) == "" {
		return 0, fmt.Errorf("%w: repo_url", ErrEmptyField)
	}
	if strings.TrimSpace(filePath) == "" {
		return 0, fmt.Errorf("%w: file_path", ErrEmptyField)
	}
	return s.store.DeleteChunks(ctx, repoURL, filePath)
}

// Count 统计文档数，repoURL 支持通配模式。
func (s *Searcher) Count(ctx context.Context, repoURL string) (int64, error) {
	if err := s.validatePatternField("repo_url", repoURL); err != nil {
		return 0, err
	}
	return s.store.Count(ctx, repoURL)
}
