package biz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kart-io/ragserve/internal/pkg/rag/chunker"
	"github.com/kart-io/ragserve/internal/pkg/rag/tokenizer"
	"github.com/kart-io/ragserve/internal/ragserve/store"
)

// fakeEmbedder 输出确定性向量的嵌入器。
type fakeEmbedder struct {
	dim   int
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedding service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		for j, r := range text {
			v[j%f.dim] += float32(r%13) / 13
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) ModelID() string { return "fake-embed" }
func (f *fakeEmbedder) Dimension() int  { return f.dim }

func newTestIndexer(embedder *fakeEmbedder, maxTokens int) (*Indexer, *store.MemoryStore) {
	st := store.NewMemoryStore()
	s := NewSearcher(st, SearcherConfig{
		Dimension:           embedder.dim,
		DefaultTopK:         5,
		MaxTopK:             50,
		MaxPatternLength:    256,
		MaxPatternWildcards: 8,
	})
	ck := chunker.New(tokenizer.NewHeuristic())
	ix := NewIndexer(ck, embedder, s, nil, nil, IndexerConfig{MaxChunkTokens: maxTokens})
	return ix, st
}

func TestIndexDocument(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, st := newTestIndexer(embedder, 512)
	ctx := context.Background()

	res, err := ix.IndexDocument(ctx, IndexRequest{
		RepoURL:  "https://git.example.com/repo",
		FilePath: "docs/intro.md",
		Title:    "Intro",
		Text:     "Vector search finds the nearest neighbors of a query embedding.",
		Metadata: map[string]string{"branch": "main"},
	})
	if err != nil {
		t.Fatalf("IndexDocument 失败: %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("短文本应当只有 1 个分块, 实际 %d", res.Chunks)
	}

	n, err := st.Count(ctx, "https://git.example.com/repo")
	if err != nil {
		t.Fatalf("Count 失败: %v", err)
	}
	if n != 1 {
		t.Fatalf("落库分块数不符: %d", n)
	}
}

func TestIndexDocumentTruncatesLongTitle(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, st := newTestIndexer(embedder, 512)
	ctx := context.Background()

	longTitle := strings.Repeat("标题", 200)
	_, err := ix.IndexDocument(ctx, IndexRequest{
		RepoURL:  "repo",
		FilePath: "a.md",
		Title:    longTitle,
		Text:     "Short body.",
	})
	if err != nil {
		t.Fatalf("IndexDocument 失败: %v", err)
	}

	results, err := st.QueryNearest(ctx, []float32{0, 0, 0, 0}, 1, nil)
	if err != nil || len(results) != 1 {
		t.Fatalf("检索落库文档失败: %v", err)
	}
	got := results[0].Document.Title
	if n := utf8.RuneCountInString(got); n != 250 {
		t.Fatalf("超长标题应截断到 250 字符, 实际 %d", n)
	}
	if !strings.HasPrefix(longTitle, got) {
		t.Error("截断后的标题应是原标题的前缀")
	}
}

func TestIndexDocumentMultiChunk(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, st := newTestIndexer(embedder, 8)
	ctx := context.Background()

	text := "First paragraph about retrieval.\n\nSecond paragraph about generation.\n\nThird paragraph about ranking and fusion of results."
	res, err := ix.IndexDocument(ctx, IndexRequest{
		RepoURL:  "repo",
		FilePath: "a.md",
		Text:     text,
	})
	if err != nil {
		t.Fatalf("IndexDocument 失败: %v", err)
	}
	if res.Chunks < 2 {
		t.Fatalf("长文本应当切出多个分块, 实际 %d", res.Chunks)
	}

	n, _ := st.Count(ctx, "repo")
	if n != int64(res.Chunks) {
		t.Fatalf("落库分块数 %d 与结果 %d 不符", n, res.Chunks)
	}
}

func TestIndexDocumentReplacesOldChunks(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, st := newTestIndexer(embedder, 8)
	ctx := context.Background()

	long := "Alpha section with several words.\n\nBeta section with several words.\n\nGamma section with several words."
	if _, err := ix.IndexDocument(ctx, IndexRequest{RepoURL: "repo", FilePath: "a.md", Text: long}); err != nil {
		t.Fatalf("首次索引失败: %v", err)
	}
	before, _ := st.Count(ctx, "repo")

	// 文件缩短后旧分块应当被清掉
	if _, err := ix.IndexDocument(ctx, IndexRequest{RepoURL: "repo", FilePath: "a.md", Text: "Tiny now."}); err != nil {
		t.Fatalf("重新索引失败: %v", err)
	}
	after, _ := st.Count(ctx, "repo")
	if after != 1 {
		t.Fatalf("重新索引后应当只剩 1 个分块, 实际 %d (之前 %d)", after, before)
	}
}

func TestIndexDocumentValidation(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, _ := newTestIndexer(embedder, 512)
	ctx := context.Background()

	tests := []struct {
		name string
		req  IndexRequest
	}{
		{"缺少仓库", IndexRequest{FilePath: "a.md", Text: "x"}},
		{"缺少路径", IndexRequest{RepoURL: "repo", Text: "x"}},
		{"空正文", IndexRequest{RepoURL: "repo", FilePath: "a.md", Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ix.IndexDocument(ctx, tt.req); !errors.Is(err, ErrEmptyField) {
				t.Fatalf("期望 ErrEmptyField, 实际 %v", err)
			}
		})
	}
}

func TestIndexDocumentEmbedFailure(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4, fail: true}
	ix, st := newTestIndexer(embedder, 512)
	ctx := context.Background()

	_, err := ix.IndexDocument(ctx, IndexRequest{RepoURL: "repo", FilePath: "a.md", Text: "hello"})
	if err == nil {
		t.Fatal("嵌入失败时索引应当报错")
	}
	n, _ := st.Count(ctx, "repo")
	if n != 0 {
		t.Fatalf("嵌入失败后不应有任何写入, 实际 %d", n)
	}
}

func TestIndexDirectory(t *testing.T) {
	embedder := &fakeEmbedder{dim: 4}
	ix, st := newTestIndexer(embedder, 512)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("创建目录失败: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("写入文件失败: %v", err)
		}
	}
	writeFile("README.md", "# Readme\n\nSome docs.")
	writeFile("docs/guide.md", "Guide content here.")
	writeFile("main.go", "package main\n\nfunc main() {}\n")
	writeFile("image.png", "not indexable")
	writeFile(".git/config", "[core]")
	writeFile("empty.txt", "   ")

	results, failed, err := ix.IndexDirectory(ctx, dir, "repo")
	if err != nil {
		t.Fatalf("IndexDirectory 失败: %v", err)
	}
	if failed != 0 {
		t.Fatalf("不应有失败文件, 实际 %d", failed)
	}
	if len(results) != 3 {
		t.Fatalf("应当索引 3 个文件, 实际 %d", len(results))
	}

	n, _ := st.Count(ctx, "repo")
	if n < 3 {
		t.Fatalf("落库分块数过少: %d", n)
	}
}
