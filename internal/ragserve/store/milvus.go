package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kart-io/ragserve/pkg/component/milvus"
)

// milvusOutputFields 检索时返回的标量字段。
var milvusOutputFields = []string{
	"doc_id", "repo_url", "file_path", "title", "content", "metadata_json",
	"file_type", "is_code", "is_implementation", "token_count",
	"chunk_index", "total_chunks", "created_at", "updated_at",
}

// MilvusStore 基于 Milvus 的文档存储。向量检索与过滤表达式
// 由 Milvus 原生执行，余弦度量在建集合时指定。
//
// Milvus 的 like 表达式只支持 `%` 通配符，含 `_` 的过滤模式
// 会被 ErrUnsupportedPattern 拒绝，不会静默按字面量匹配。
type MilvusStore struct {
	client     *milvus.Client
	collection string
	dimension  int
}

// NewMilvusStore 创建 Milvus 存储实例并确保集合存在。
func NewMilvusStore(ctx context.Context, client *milvus.Client, collection string, dimension int) (*MilvusStore, error) {
	s := &MilvusStore{client: client, collection: collection, dimension: dimension}

	schema := &milvus.CollectionSchema{
		Name:        collection,
		Description: "RAG document chunks with embeddings",
		Dimension:   dimension,
		Metric:      entity.COSINE,
		MetaFields: []milvus.MetaField{
			{Name: "doc_id", DataType: entity.FieldTypeVarChar, MaxLen: 64},
			{Name: "repo_url", DataType: entity.FieldTypeVarChar, MaxLen: 512},
			{Name: "file_path", DataType: entity.FieldTypeVarChar, MaxLen: 1024},
			{Name: "title", DataType: entity.FieldTypeVarChar, MaxLen: 512},
			{Name: "content", DataType: entity.FieldTypeVarChar, MaxLen: 65535},
			{Name: "metadata_json", DataType: entity.FieldTypeVarChar, MaxLen: 65535},
			{Name: "file_type", DataType: entity.FieldTypeVarChar, MaxLen: 32},
			// 布尔与时间字段统一编码为 int64
			{Name: "is_code", DataType: entity.FieldTypeInt64},
			{Name: "is_implementation", DataType: entity.FieldTypeInt64},
			{Name: "token_count", DataType: entity.FieldTypeInt64},
			{Name: "chunk_index", DataType: entity.FieldTypeInt64},
			{Name: "total_chunks", DataType: entity.FieldTypeInt64},
			{Name: "created_at", DataType: entity.FieldTypeInt64},
			{Name: "updated_at", DataType: entity.FieldTypeInt64},
		},
	}
	if err := client.CreateCollection(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return s, nil
}

// escapeExprString 转义过滤表达式中的字符串字面量。
func escapeExprString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// fieldExpr 构建单字段的过滤表达式片段。
// Milvus 的 like 只认 `%` 通配符，无法表达 `_` 的单字符匹配，
// 含 `_` 的模式直接拒绝，避免与 SQL 后端语义静默分叉。
func fieldExpr(field, value string) (string, error) {
	if strings.Contains(value, "_") {
		return "", fmt.Errorf("%w: %s contains `_`, milvus like supports only `%%`", ErrUnsupportedPattern, field)
	}
	if strings.Contains(value, "%") {
		return fmt.Sprintf(`%s like "%s"`, field, escapeExprString(value)), nil
	}
	return fmt.Sprintf(`%s == "%s"`, field, escapeExprString(value)), nil
}

// buildFilterExpr 将 Filter 编译为 Milvus 过滤表达式。
func buildFilterExpr(filter *Filter) (string, error) {
	if filter.IsZero() {
		return "", nil
	}
	var parts []string
	if filter.RepoURL != "" {
		expr, err := fieldExpr("repo_url", filter.RepoURL)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	if filter.FilePath != "" {
		expr, err := fieldExpr("file_path", filter.FilePath)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " && "), nil
}

// naturalKeyExpr 自然键的精确匹配表达式。
func naturalKeyExpr(repoURL, filePath string, chunkIndex int) string {
	return fmt.Sprintf(`repo_url == "%s" && file_path == "%s" && chunk_index == %d`,
		escapeExprString(repoURL), escapeExprString(filePath), chunkIndex)
}

// existingRecord 查询自然键对应的既有记录，返回其 doc_id 与创建时间。
func (s *MilvusStore) existingRecord(ctx context.Context, repoURL, filePath string, chunkIndex int) (string, int64, bool, error) {
	raw := s.client.RawClient()
	rs, err := raw.Query(ctx, milvusclient.NewQueryOption(s.collection).
		WithFilter(naturalKeyExpr(repoURL, filePath, chunkIndex)).
		WithOutputFields("doc_id", "created_at"))
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to query existing record: %w", err)
	}

	var docID string
	var createdAt int64
	found := false
	for _, field := range rs.Fields {
		switch col := field.(type) {
		case *column.ColumnVarChar:
			if col.Name() == "doc_id" && col.Len() > 0 {
				docID = col.Data()[0]
				found = true
			}
		case *column.ColumnInt64:
			if col.Name() == "created_at" && col.Len() > 0 {
				createdAt = col.Data()[0]
			}
		}
	}
	return docID, createdAt, found, nil
}

// insertDocs 批量插入文档行。时间戳与 ID 必须已填充。
func (s *MilvusStore) insertDocs(ctx context.Context, docs []*Document) error {
	embeddings := make([][]float32, len(docs))
	metadata := map[string][]any{
		"doc_id": make([]any, len(docs)), "repo_url": make([]any, len(docs)),
		"file_path": make([]any, len(docs)), "title": make([]any, len(docs)),
		"content": make([]any, len(docs)), "metadata_json": make([]any, len(docs)),
		"file_type": make([]any, len(docs)), "is_code": make([]any, len(docs)),
		"is_implementation": make([]any, len(docs)), "token_count": make([]any, len(docs)),
		"chunk_index": make([]any, len(docs)), "total_chunks": make([]any, len(docs)),
		"created_at": make([]any, len(docs)), "updated_at": make([]any, len(docs)),
	}

	boolToInt64 := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}

	for i, doc := range docs {
		embeddings[i] = doc.Embedding
		metadata["doc_id"][i] = doc.ID
		metadata["repo_url"][i] = doc.RepoURL
		metadata["file_path"][i] = doc.FilePath
		metadata["title"][i] = doc.Title
		metadata["content"][i] = doc.Text
		metadata["metadata_json"][i] = doc.MetadataJSON
		metadata["file_type"][i] = doc.FileType
		metadata["is_code"][i] = boolToInt64(doc.IsCode)
		metadata["is_implementation"][i] = boolToInt64(doc.IsImplementation)
		metadata["token_count"][i] = int64(doc.TokenCount)
		metadata["chunk_index"][i] = int64(doc.ChunkIndex)
		metadata["total_chunks"][i] = int64(doc.TotalChunks)
		metadata["created_at"][i] = doc.CreatedAt.UnixMilli()
		metadata["updated_at"][i] = doc.UpdatedAt.UnixMilli()
	}

	if _, err := s.client.Insert(ctx, s.collection, &milvus.InsertData{
		Embeddings: embeddings,
		Metadata:   metadata,
	}); err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}
	return nil
}

// Upsert 按自然键覆盖写入。Milvus 无原生 upsert 到自然键的能力，
// 这里按查旧、删旧、插新实现，并发下仍满足后写胜出。
func (s *MilvusStore) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	now := time.Now()
	stored := cloneDocument(doc)

	docID, createdAt, found, err := s.existingRecord(ctx, doc.RepoURL, doc.FilePath, doc.ChunkIndex)
	if err != nil {
		return nil, err
	}
	if found {
		stored.ID = docID
		stored.CreatedAt = time.UnixMilli(createdAt)
		if _, err := s.client.DeleteByExpr(ctx, s.collection,
			naturalKeyExpr(doc.RepoURL, doc.FilePath, doc.ChunkIndex)); err != nil {
			return nil, err
		}
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if err := s.insertDocs(ctx, []*Document{stored}); err != nil {
		return nil, err
	}
	return stored, nil
}

// BulkUpsert 批量覆盖写入。旧行在一次删除中移除，新行在一次
// 插入中写入，尽量压缩非原子窗口。
func (s *MilvusStore) BulkUpsert(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	now := time.Now()
	stored := make([]*Document, len(docs))
	var deleteExprs []string

	for i, doc := range docs {
		d := cloneDocument(doc)
		docID, createdAt, found, err := s.existingRecord(ctx, doc.RepoURL, doc.FilePath, doc.ChunkIndex)
		if err != nil {
			return err
		}
		if found {
			d.ID = docID
			d.CreatedAt = time.UnixMilli(createdAt)
			deleteExprs = append(deleteExprs, "("+naturalKeyExpr(doc.RepoURL, doc.FilePath, doc.ChunkIndex)+")")
		} else {
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		stored[i] = d
	}

	if len(deleteExprs) > 0 {
		if _, err := s.client.DeleteByExpr(ctx, s.collection, strings.Join(deleteExprs, " || ")); err != nil {
			return err
		}
	}
	return s.insertDocs(ctx, stored)
}

// scoredFromResultSet 从搜索结果列解析文档。
func scoredFromResultSet(fields []column.Column, i int) *Document {
	doc := &Document{}
	for _, field := range fields {
		switch col := field.(type) {
		case *column.ColumnVarChar:
			switch col.Name() {
			case "doc_id":
				doc.ID = col.Data()[i]
			case "repo_url":
				doc.RepoURL = col.Data()[i]
			case "file_path":
				doc.FilePath = col.Data()[i]
			case "title":
				doc.Title = col.Data()[i]
			case "content":
				doc.Text = col.Data()[i]
			case "metadata_json":
				doc.MetadataJSON = col.Data()[i]
			case "file_type":
				doc.FileType = col.Data()[i]
			}
		case *column.ColumnInt64:
			switch col.Name() {
			case "is_code":
				doc.IsCode = col.Data()[i] != 0
			case "is_implementation":
				doc.IsImplementation = col.Data()[i] != 0
			case "token_count":
				doc.TokenCount = int(col.Data()[i])
			case "chunk_index":
				doc.ChunkIndex = int(col.Data()[i])
			case "total_chunks":
				doc.TotalChunks = int(col.Data()[i])
			case "created_at":
				doc.CreatedAt = time.UnixMilli(col.Data()[i])
			case "updated_at":
				doc.UpdatedAt = time.UnixMilli(col.Data()[i])
			}
		}
	}
	return doc
}

// QueryNearest 执行带过滤表达式的余弦检索。
func (s *MilvusStore) QueryNearest(ctx context.Context, vector []float32, k int, filter *Filter) ([]*ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}

	expr, err := buildFilterExpr(filter)
	if err != nil {
		return nil, err
	}

	raw := s.client.RawClient()
	if raw == nil {
		return nil, fmt.Errorf("milvus client not initialized")
	}

	if isZeroVector(vector) {
		// 余弦度量对零向量未定义，降级为过滤查询并记 0 分
		opt := milvusclient.NewQueryOption(s.collection).
			WithOutputFields(milvusOutputFields...).
			WithLimit(k)
		if expr != "" {
			opt = opt.WithFilter(expr)
		}
		rs, err := raw.Query(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to query documents: %w", err)
		}
		results := make([]*ScoredDocument, 0, rs.ResultCount)
		for i := 0; i < rs.ResultCount; i++ {
			results = append(results, &ScoredDocument{
				Document: scoredFromResultSet(rs.Fields, i),
				Score:    0,
			})
		}
		return results, nil
	}

	// 确保集合已加载
	loadTask, err := raw.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection))
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	searchVectors := []entity.Vector{entity.FloatVector(vector)}
	opt := milvusclient.NewSearchOption(s.collection, k, searchVectors).
		WithANNSField("embedding").
		WithSearchParam("nprobe", "16").
		WithOutputFields(milvusOutputFields...)
	if expr != "" {
		opt = opt.WithFilter(expr)
	}

	searchResults, err := raw.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	if len(searchResults) == 0 {
		return []*ScoredDocument{}, nil
	}

	results := make([]*ScoredDocument, 0, searchResults[0].ResultCount)
	for i := 0; i < searchResults[0].ResultCount; i++ {
		results = append(results, &ScoredDocument{
			Document: scoredFromResultSet(searchResults[0].Fields, i),
			Score:    float64(searchResults[0].Scores[i]),
		})
	}
	return results, nil
}

// Delete 按 doc_id 删除文档。
func (s *MilvusStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.DeleteByExpr(ctx, s.collection,
		fmt.Sprintf(`doc_id == "%s"`, escapeExprString(id)))
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteByRepo 删除仓库下的全部文档。
func (s *MilvusStore) DeleteByRepo(ctx context.Context, repoURL string) (int64, error) {
	return s.client.DeleteByExpr(ctx, s.collection,
		fmt.Sprintf(`repo_url == "%s"`, escapeExprString(repoURL)))
}

// DeleteChunks 删除指定文件的全部块。
func (s *MilvusStore) DeleteChunks(ctx context.Context, repoURL, filePath string) (int64, error) {
	return s.client.DeleteByExpr(ctx, s.collection,
		naturalKeyExprFile(repoURL, filePath))
}

// naturalKeyExprFile 文件级别的精确匹配表达式。
func naturalKeyExprFile(repoURL, filePath string) string {
	return fmt.Sprintf(`repo_url == "%s" && file_path == "%s"`,
		escapeExprString(repoURL), escapeExprString(filePath))
}

// Count 统计文档数量。
func (s *MilvusStore) Count(ctx context.Context, repoURL string) (int64, error) {
	if repoURL == "" {
		return s.client.GetCollectionStats(ctx, s.collection)
	}

	expr, err := fieldExpr("repo_url", repoURL)
	if err != nil {
		return 0, err
	}

	raw := s.client.RawClient()
	rs, err := raw.Query(ctx, milvusclient.NewQueryOption(s.collection).
		WithFilter(expr).
		WithOutputFields("count(*)"))
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	for _, field := range rs.Fields {
		if col, ok := field.(*column.ColumnInt64); ok && col.Len() > 0 {
			return col.Data()[0], nil
		}
	}
	return 0, nil
}

// Close 关闭 Milvus 连接。
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ DocumentStore = (*MilvusStore)(nil)
