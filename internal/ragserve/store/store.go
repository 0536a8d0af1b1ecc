// Package store 提供文档向量存储的统一抽象与多种后端实现。
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 目标文档不存在。
var ErrNotFound = errors.New("document not found")

// ErrUnsupportedPattern 过滤模式使用了当前后端不支持的通配符。
var ErrUnsupportedPattern = errors.New("unsupported filter pattern")

// Document 表示一个已嵌入的文档块记录。
// 自然键为 (RepoURL, FilePath, ChunkIndex)，重复写入覆盖旧值。
type Document struct {
	// ID 文档记录 ID（uuid）。
	ID string
	// RepoURL 所属仓库地址。
	RepoURL string
	// FilePath 仓库内文件路径。
	FilePath string
	// Title 文档标题。
	Title string
	// Text 文档块文本内容。
	Text string
	// Embedding 嵌入向量。
	Embedding []float32
	// MetadataJSON 附加元数据（JSON 字符串）。
	MetadataJSON string
	// FileType 文件类型（markdown、go、...）。
	FileType string
	// IsCode 是否为代码文件。
	IsCode bool
	// IsImplementation 是否为实现文件（相对测试/文档）。
	IsImplementation bool
	// TokenCount 文本的 token 数。
	TokenCount int
	// ChunkIndex 在源文件中的块序号。
	ChunkIndex int
	// TotalChunks 源文件的总块数。
	TotalChunks int
	// CreatedAt 首次写入时间。
	CreatedAt time.Time
	// UpdatedAt 最近写入时间，不早于 CreatedAt。
	UpdatedAt time.Time
}

// Filter 查询过滤条件。空字段不过滤；含 `%` 或 `_` 的值按
// SQL LIKE 模式匹配，否则精确匹配。多个字段取交集。
type Filter struct {
	// RepoURL 仓库地址的精确值或模式。
	RepoURL string
	// FilePath 文件路径的精确值或模式。
	FilePath string
}

// IsZero 判断过滤条件是否为空。
func (f *Filter) IsZero() bool {
	return f == nil || (f.RepoURL == "" && f.FilePath == "")
}

// ScoredDocument 带相似度分数的检索结果。
type ScoredDocument struct {
	// Document 命中的文档。
	Document *Document
	// Score 余弦相似度，范围 [-1, 1]，零向量记 0。
	Score float64
}

// DocumentStore 定义文档向量存储接口。
// 输入校验（维度、过滤模式安全）由上层 Searcher 完成，
// 实现只承担持久化与相似度检索。
type DocumentStore interface {
	// Upsert 按自然键写入或覆盖文档，返回持久化后的记录
	// （含分配的 ID 与时间戳）。并发写入遵循后写胜出。
	Upsert(ctx context.Context, doc *Document) (*Document, error)

	// BulkUpsert 批量写入，全部成功或全部不生效。
	BulkUpsert(ctx context.Context, docs []*Document) error

	// QueryNearest 返回按余弦相似度降序的前 k 个文档。
	QueryNearest(ctx context.Context, vector []float32, k int, filter *Filter) ([]*ScoredDocument, error)

	// Delete 按 ID 删除单个文档。目标不存在返回 ErrNotFound。
	Delete(ctx context.Context, id string) error

	// DeleteByRepo 删除仓库下的全部文档，返回删除数量。
	DeleteByRepo(ctx context.Context, repoURL string) (int64, error)

	// DeleteChunks 删除指定文件的全部块，返回删除数量。
	DeleteChunks(ctx context.Context, repoURL, filePath string) (int64, error)

	// Count 统计文档数量，repoURL 为空时统计全部，
	// 否则按精确值或模式过滤。
	Count(ctx context.Context, repoURL string) (int64, error)

	// Close 关闭存储连接。
	Close(ctx context.Context) error
}
