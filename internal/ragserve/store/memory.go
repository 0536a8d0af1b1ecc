package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kart-io/ragserve/internal/pkg/rag/textutil"
)

// naturalKey 文档的自然键。
type naturalKey struct {
	repoURL    string
	filePath   string
	chunkIndex int
}

// MemoryStore 纯内存的文档存储，余弦相似度在进程内暴力计算。
// 用于测试与单机小规模部署。
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[naturalKey]*Document
	byID  map[string]*Document
}

// NewMemoryStore 创建内存存储实例。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[naturalKey]*Document),
		byID:  make(map[string]*Document),
	}
}

// cloneDocument 深拷贝文档，隔离调用方后续修改。
func cloneDocument(doc *Document) *Document {
	clone := *doc
	if doc.Embedding != nil {
		clone.Embedding = make([]float32, len(doc.Embedding))
		copy(clone.Embedding, doc.Embedding)
	}
	return &clone
}

// Upsert 按自然键写入或覆盖文档。后写胜出，ID 与 CreatedAt 保留。
func (s *MemoryStore) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.upsertLocked(doc)
	return cloneDocument(stored), nil
}

// upsertLocked 在持有写锁的前提下执行单条写入。
func (s *MemoryStore) upsertLocked(doc *Document) *Document {
	key := naturalKey{repoURL: doc.RepoURL, filePath: doc.FilePath, chunkIndex: doc.ChunkIndex}
	now := time.Now()

	stored := cloneDocument(doc)
	if existing, ok := s.byKey[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.byKey[key] = stored
	s.byID[stored.ID] = stored
	return stored
}

// BulkUpsert 批量写入。所有文档在同一把写锁内生效。
func (s *MemoryStore) BulkUpsert(ctx context.Context, docs []*Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		s.upsertLocked(doc)
	}
	return nil
}

// matchLikePattern 按 ILIKE 语义匹配模式（大小写不敏感）。
func matchLikePattern(pattern, value string) (bool, error) {
	re, err := textutil.CompileLikePattern(strings.ToLower(pattern))
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(strings.ToLower(value)), nil
}

// matchField 单字段过滤：含通配符走模式匹配，否则精确比较。
func matchField(filterValue, value string) (bool, error) {
	if filterValue == "" {
		return true, nil
	}
	if textutil.CountWildcards(filterValue) > 0 {
		return matchLikePattern(filterValue, value)
	}
	return filterValue == value, nil
}

// matchFilter 判断文档是否通过过滤条件（各字段取交集）。
func matchFilter(filter *Filter, doc *Document) (bool, error) {
	if filter.IsZero() {
		return true, nil
	}
	ok, err := matchField(filter.RepoURL, doc.RepoURL)
	if err != nil || !ok {
		return false, err
	}
	return matchField(filter.FilePath, doc.FilePath)
}

// QueryNearest 暴力计算余弦相似度并返回降序前 k 个。
func (s *MemoryStore) QueryNearest(ctx context.Context, vector []float32, k int, filter *Filter) ([]*ScoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}

	results := make([]*ScoredDocument, 0, len(s.byKey))
	for _, doc := range s.byKey {
		ok, err := matchFilter(filter, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		results = append(results, &ScoredDocument{
			Document: cloneDocument(doc),
			Score:    textutil.CosineSimilarity(vector, doc.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// 同分时按 ID 保证顺序稳定
		return results[i].Document.ID < results[j].Document.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete 按 ID 删除文档。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byKey, naturalKey{repoURL: doc.RepoURL, filePath: doc.FilePath, chunkIndex: doc.ChunkIndex})
	return nil
}

// DeleteByRepo 删除仓库下的全部文档。
func (s *MemoryStore) DeleteByRepo(ctx context.Context, repoURL string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, doc := range s.byKey {
		if doc.RepoURL == repoURL {
			delete(s.byKey, key)
			delete(s.byID, doc.ID)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteChunks 删除指定文件的全部块。
func (s *MemoryStore) DeleteChunks(ctx context.Context, repoURL, filePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, doc := range s.byKey {
		if doc.RepoURL == repoURL && doc.FilePath == filePath {
			delete(s.byKey, key)
			delete(s.byID, doc.ID)
			deleted++
		}
	}
	return deleted, nil
}

// Count 统计文档数量，repoURL 支持精确值或模式。
func (s *MemoryStore) Count(ctx context.Context, repoURL string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if repoURL == "" {
		return int64(len(s.byKey)), nil
	}

	var count int64
	for _, doc := range s.byKey {
		ok, err := matchField(repoURL, doc.RepoURL)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Close 释放内存存储。
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[naturalKey]*Document)
	s.byID = make(map[string]*Document)
	return nil
}

var _ DocumentStore = (*MemoryStore)(nil)
