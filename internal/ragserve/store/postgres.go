package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kart-io/ragserve/pkg/component/postgres"
)

// documentsTable 文档表名。
const documentsTable = "rag_documents"

// PostgresStore 基于 Postgres + pgvector 扩展的文档存储。
// 余弦检索使用原生 `<=>` 算子，模式过滤使用 ILIKE。
type PostgresStore struct {
	client    *postgres.Client
	dimension int
}

// NewPostgresStore 创建 Postgres 存储实例并确保表结构存在。
func NewPostgresStore(ctx context.Context, client *postgres.Client, dimension int) (*PostgresStore, error) {
	s := &PostgresStore{client: client, dimension: dimension}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// ensureSchema 建表与索引。pgvector 扩展必须可用。
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	db := s.client.DB().WithContext(ctx)

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                UUID PRIMARY KEY,
	repo_url          TEXT NOT NULL,
	file_path         TEXT NOT NULL,
	chunk_index       INT NOT NULL DEFAULT 0,
	title             TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL,
	embedding         vector(%d) NOT NULL,
	metadata_json     TEXT NOT NULL DEFAULT '',
	file_type         TEXT NOT NULL DEFAULT '',
	is_code           BOOLEAN NOT NULL DEFAULT FALSE,
	is_implementation BOOLEAN NOT NULL DEFAULT FALSE,
	token_count       INT NOT NULL DEFAULT 0,
	total_chunks      INT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (repo_url, file_path, chunk_index)
)`, documentsTable, s.dimension)
	if err := db.Exec(createTable).Error; err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)`,
		documentsTable, documentsTable)
	if err := db.Exec(createIndex).Error; err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	return nil
}

// vectorLiteral 将向量编码为 pgvector 的文本字面量，如 [0.1,0.2]。
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVectorLiteral 解析 pgvector 的文本字面量。
func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// isZeroVector 判断向量是否为零向量。
func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// upsertTx 在给定的 gorm 句柄上执行单条 upsert。
func (s *PostgresStore) upsertTx(db *gorm.DB, doc *Document) (*Document, error) {
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, repo_url, file_path, chunk_index, title, content, embedding,
	metadata_json, file_type, is_code, is_implementation, token_count, total_chunks)
VALUES (?, ?, ?, ?, ?, ?, ?::vector, ?, ?, ?, ?, ?, ?)
ON CONFLICT (repo_url, file_path, chunk_index) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding,
	metadata_json = EXCLUDED.metadata_json,
	file_type = EXCLUDED.file_type,
	is_code = EXCLUDED.is_code,
	is_implementation = EXCLUDED.is_implementation,
	token_count = EXCLUDED.token_count,
	total_chunks = EXCLUDED.total_chunks,
	updated_at = now()
RETURNING id, created_at, updated_at`, documentsTable)

	row := db.Raw(query,
		id, doc.RepoURL, doc.FilePath, doc.ChunkIndex, doc.Title, doc.Text,
		vectorLiteral(doc.Embedding), doc.MetadataJSON, doc.FileType,
		doc.IsCode, doc.IsImplementation, doc.TokenCount, doc.TotalChunks,
	).Row()

	stored := *doc
	if err := row.Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	return &stored, nil
}

// Upsert 按自然键写入或覆盖文档，遵循后写胜出。
func (s *PostgresStore) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	return s.upsertTx(s.client.DB().WithContext(ctx), doc)
}

// BulkUpsert 在单个事务内批量写入，失败回滚。
func (s *PostgresStore) BulkUpsert(ctx context.Context, docs []*Document) error {
	return s.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, doc := range docs {
			if _, err := s.upsertTx(tx, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendFilterClauses 构建过滤条件的 WHERE 片段与参数。
func appendFilterClauses(filter *Filter, clauses []string, args []interface{}) ([]string, []interface{}) {
	if filter.IsZero() {
		return clauses, args
	}
	if filter.RepoURL != "" {
		if strings.ContainsAny(filter.RepoURL, "%_") {
			clauses = append(clauses, "repo_url ILIKE ?")
		} else {
			clauses = append(clauses, "repo_url = ?")
		}
		args = append(args, filter.RepoURL)
	}
	if filter.FilePath != "" {
		if strings.ContainsAny(filter.FilePath, "%_") {
			clauses = append(clauses, "file_path ILIKE ?")
		} else {
			clauses = append(clauses, "file_path = ?")
		}
		args = append(args, filter.FilePath)
	}
	return clauses, args
}

// QueryNearest 使用 pgvector 的 `<=>` 算子做余弦检索。
func (s *PostgresStore) QueryNearest(ctx context.Context, vector []float32, k int, filter *Filter) ([]*ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}

	var clauses []string
	var args []interface{}

	selectCols := `id, repo_url, file_path, chunk_index, title, content, embedding::text,
	metadata_json, file_type, is_code, is_implementation, token_count, total_chunks,
	created_at, updated_at`

	var query string
	if isZeroVector(vector) {
		// pgvector 对零向量的余弦距离未定义，零向量查询一律记 0 分
		clauses, args = appendFilterClauses(filter, clauses, args)
		query = fmt.Sprintf(`SELECT %s, 0::float8 AS score FROM %s`, selectCols, documentsTable)
		if len(clauses) > 0 {
			query += " WHERE " + strings.Join(clauses, " AND ")
		}
		query += " ORDER BY updated_at DESC, id LIMIT ?"
		args = append(args, k)
	} else {
		lit := vectorLiteral(vector)
		args = append(args, lit)
		clauses, args = appendFilterClauses(filter, clauses, args)
		query = fmt.Sprintf(`SELECT %s, 1 - (embedding <=> ?::vector) AS score FROM %s`, selectCols, documentsTable)
		if len(clauses) > 0 {
			query += " WHERE " + strings.Join(clauses, " AND ")
		}
		query += " ORDER BY embedding <=> ?::vector LIMIT ?"
		args = append(args, lit, k)
	}

	rows, err := s.client.DB().WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest documents: %w", err)
	}
	defer rows.Close()

	var results []*ScoredDocument
	for rows.Next() {
		doc := &Document{}
		var embeddingText string
		var score float64
		if err := rows.Scan(
			&doc.ID, &doc.RepoURL, &doc.FilePath, &doc.ChunkIndex, &doc.Title, &doc.Text,
			&embeddingText, &doc.MetadataJSON, &doc.FileType, &doc.IsCode,
			&doc.IsImplementation, &doc.TokenCount, &doc.TotalChunks,
			&doc.CreatedAt, &doc.UpdatedAt, &score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if doc.Embedding, err = parseVectorLiteral(embeddingText); err != nil {
			return nil, err
		}
		results = append(results, &ScoredDocument{Document: doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return results, nil
}

// Delete 按 ID 删除文档。
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result := s.client.DB().WithContext(ctx).
		Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, documentsTable), id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteByRepo 删除仓库下的全部文档。
func (s *PostgresStore) DeleteByRepo(ctx context.Context, repoURL string) (int64, error) {
	result := s.client.DB().WithContext(ctx).
		Exec(fmt.Sprintf(`DELETE FROM %s WHERE repo_url = ?`, documentsTable), repoURL)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete by repo: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteChunks 删除指定文件的全部块。
func (s *PostgresStore) DeleteChunks(ctx context.Context, repoURL, filePath string) (int64, error) {
	result := s.client.DB().WithContext(ctx).
		Exec(fmt.Sprintf(`DELETE FROM %s WHERE repo_url = ? AND file_path = ?`, documentsTable),
			repoURL, filePath)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count 统计文档数量。
func (s *PostgresStore) Count(ctx context.Context, repoURL string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, documentsTable)
	var args []interface{}
	if repoURL != "" {
		if strings.ContainsAny(repoURL, "%_") {
			query += " WHERE repo_url ILIKE ?"
		} else {
			query += " WHERE repo_url = ?"
		}
		args = append(args, repoURL)
	}

	var count int64
	err := s.client.DB().WithContext(ctx).Raw(query, args...).Scan(&count).Error
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close(ctx context.Context) error {
	return s.client.Close()
}

var _ DocumentStore = (*PostgresStore)(nil)
