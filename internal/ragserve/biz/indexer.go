package biz

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragserve/internal/pkg/rag/chunker"
	"github.com/kart-io/ragserve/internal/pkg/rag/textutil"
	"github.com/kart-io/ragserve/internal/ragserve/metrics"
	"github.com/kart-io/ragserve/internal/ragserve/store"
	"github.com/kart-io/ragserve/pkg/llm"
	"github.com/kart-io/ragserve/pkg/pool"
)

// indexableExtensions 目录索引接受的文件类型。
var indexableExtensions = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".txt":      "text",
	".rst":      "text",
	".go":       "code",
	".py":       "code",
	".rs":       "code",
	".js":       "code",
	".ts":       "code",
	".java":     "code",
	".c":        "code",
	".h":        "code",
	".cpp":      "code",
	".sh":       "code",
	".yaml":     "config",
	".yml":      "config",
	".json":     "config",
	".toml":     "config",
}

// embedBatchSize 单次嵌入调用携带的分块数。
const embedBatchSize = 16

// 标量字段写入上限，超长内容截断后落库。
const (
	maxTitleChars     = 250
	maxChunkTextChars = 65000
)

// IndexRequest 一次文档索引请求。
type IndexRequest struct {
	RepoURL  string
	FilePath string
	Title    string
	Text     string
	Metadata map[string]string
}

// IndexResult 索引结果。
type IndexResult struct {
	RepoURL   string `json:"repo_url"`
	FilePath  string `json:"file_path"`
	Chunks    int    `json:"chunks"`
	Degraded  bool   `json:"degraded,omitempty"` // 分词器降级启发式计数
	Truncated int    `json:"truncated,omitempty"` // 超出标量字段上限被截断的分块数
}

// IndexerConfig 索引配置。
type IndexerConfig struct {
	MaxChunkTokens int
}

// Indexer 把文档切块、嵌入并批量写入存储。
// 嵌入批次通过工作池并发执行，受池容量约束不会冲垮上游嵌入服务。
type Indexer struct {
	chunker  *chunker.Chunker
	embedder llm.EmbeddingProvider
	searcher *Searcher
	pools    *pool.Manager
	metrics  *metrics.Metrics
	cfg      IndexerConfig
}

// NewIndexer 创建索引器。pools 与 m 可为 nil，为 nil 时嵌入串行执行。
func NewIndexer(ck *chunker.Chunker, embedder llm.EmbeddingProvider, searcher *Searcher, pools *pool.Manager, m *metrics.Metrics, cfg IndexerConfig) *Indexer {
	if cfg.MaxChunkTokens <= 0 {
		cfg.MaxChunkTokens = 512
	}
	return &Indexer{
		chunker:  ck,
		embedder: embedder,
		searcher: searcher,
		pools:    pools,
		metrics:  m,
		cfg:      cfg,
	}
}

// IndexDocument 索引单个文档：切块、嵌入、全量替换旧分块后批量写入。
// 任一分块校验失败则整个文档不落库。
func (ix *Indexer) IndexDocument(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	if strings.TrimSpace(req.RepoURL) == "" {
		return nil, fmt.Errorf("%w: repo_url", ErrEmptyField)
	}
	if strings.TrimSpace(req.FilePath) == "" {
		return nil, fmt.Errorf("%w: file_path", ErrEmptyField)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text", ErrEmptyField)
	}

	parentID := req.RepoURL + "#" + req.FilePath
	fileType := fileTypeOf(req.FilePath)

	// 代码文件按扩展名直接给语言提示，跳过内容探测
	var language string
	if fileType == "code" {
		language = "code"
	}
	chunks := ix.chunker.ChunkText(req.Text, ix.cfg.MaxChunkTokens, parentID, language)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: text produced no chunks", ErrEmptyField)
	}

	embeddings, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		if ix.metrics != nil {
			ix.metrics.RecordIndexing(0, 0, err)
		}
		return nil, fmt.Errorf("嵌入文档分块失败: %w", err)
	}

	var metadataJSON string
	if len(req.Metadata) > 0 {
		raw, err := sonic.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化元数据失败: %w", err)
		}
		metadataJSON = string(raw)
	}

	isCode := fileType == "code"
	truncated := 0
	docs := make([]*store.Document, 0, len(chunks))
	for i, ch := range chunks {
		text := textutil.TruncateString(ch.Text, maxChunkTextChars)
		if len(text) != len(ch.Text) {
			truncated++
		}
		docs = append(docs, &store.Document{
			RepoURL:          req.RepoURL,
			FilePath:         req.FilePath,
			Title:            textutil.TruncateString(req.Title, maxTitleChars),
			Text:             text,
			Embedding:        embeddings[i],
			MetadataJSON:     metadataJSON,
			FileType:         fileType,
			IsCode:           isCode,
			IsImplementation: isCode && isImplementationPath(req.FilePath),
			TokenCount:       ch.TokenCount,
			ChunkIndex:       ch.Index,
			TotalChunks:      len(chunks),
		})
	}

	// 文件重写后分块数可能变少，先清掉旧分块再整批写入
	if _, err := ix.searcher.DeleteChunks(ctx, req.RepoURL, req.FilePath); err != nil {
		return nil, fmt.Errorf("清理旧分块失败: %w", err)
	}
	if err := ix.searcher.BulkUpsert(ctx, docs); err != nil {
		if ix.metrics != nil {
			ix.metrics.RecordIndexing(0, 0, err)
		}
		return nil, err
	}

	if ix.metrics != nil {
		ix.metrics.RecordIndexing(1, len(chunks), nil)
	}
	logger.Infow("文档已索引",
		"repo", req.RepoURL,
		"file", req.FilePath,
		"chunks", len(chunks),
	)
	return &IndexResult{
		RepoURL:   req.RepoURL,
		FilePath:  req.FilePath,
		Chunks:    len(chunks),
		Degraded:  chunks[0].Degraded,
		Truncated: truncated,
	}, nil
}

// embedChunks 分批嵌入所有分块，批次间通过索引池并发。
func (ix *Indexer) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))

	type batch struct {
		start int
		texts []string
	}
	var batches []batch
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}
		batches = append(batches, batch{start: start, texts: texts})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	run := func(b batch) {
		defer wg.Done()

		vectors, err := ix.embedder.Embed(ctx, b.texts)
		if err == nil && len(vectors) != len(b.texts) {
			err = fmt.Errorf("嵌入结果数量不符: got %d, want %d", len(vectors), len(b.texts))
		}

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		for i, v := range vectors {
			embeddings[b.start+i] = v
		}
	}

	for _, b := range batches {
		b := b
		wg.Add(1)
		if ix.pools != nil {
			if err := ix.pools.SubmitWithContext(ctx, string(pool.IndexPool), func() { run(b) }); err != nil {
				wg.Done()
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				break
			}
		} else {
			run(b)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return embeddings, nil
}

// IndexDirectory 递归索引目录下的可识别文件，返回逐文件结果。
// 单个文件失败不会中断整个目录，失败数在返回值中体现。
func (ix *Indexer) IndexDirectory(ctx context.Context, root, repoURL string) ([]*IndexResult, int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, 0, fmt.Errorf("读取目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("不是目录: %s", root)
	}

	var (
		results []*IndexResult
		failed  int
	)
	start := time.Now()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// 跳过隐藏目录与依赖目录
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := indexableExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnw("读取文件失败，跳过", "path", path, "error", err)
			failed++
			return nil
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		res, err := ix.IndexDocument(ctx, IndexRequest{
			RepoURL:  repoURL,
			FilePath: filepath.ToSlash(rel),
			Title:    filepath.Base(path),
			Text:     string(data),
		})
		if err != nil {
			logger.Warnw("索引文件失败，跳过", "path", path, "error", err)
			failed++
			return nil
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return results, failed, err
	}

	logger.Infow("目录索引完成",
		"root", root,
		"repo", repoURL,
		"files", len(results),
		"failed", failed,
		"duration", time.Since(start).String(),
	)
	return results, failed, nil
}

func fileTypeOf(path string) string {
	if t, ok := indexableExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "text"
}

// isImplementationPath 区分实现代码与测试或示例代码。
func isImplementationPath(path string) bool {
	lower := strings.ToLower(path)
	if strings.Contains(lower, "_test.") || strings.Contains(lower, "/test") ||
		strings.Contains(lower, "/examples/") || strings.Contains(lower, "spec.") {
		return false
	}
	return true
}
