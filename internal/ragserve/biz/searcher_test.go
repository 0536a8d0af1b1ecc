package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kart-io/ragserve/internal/ragserve/store"
)

func newTestSearcher() (*Searcher, *store.MemoryStore) {
	st := store.NewMemoryStore()
	s := NewSearcher(st, SearcherConfig{
		Dimension:           4,
		DefaultTopK:         5,
		MaxTopK:             10,
		MaxPatternLength:    64,
		MaxPatternWildcards: 3,
	})
	return s, st
}

func testDoc(repo, path string, idx int, embedding []float32) *store.Document {
	return &store.Document{
		RepoURL:    repo,
		FilePath:   path,
		Text:       fmt.Sprintf("chunk %d of %s", idx, path),
		Embedding:  embedding,
		ChunkIndex: idx,
	}
}

func TestSearcherUpsertValidation(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()

	tests := []struct {
		name    string
		doc     *store.Document
		wantErr error
	}{
		{"合法文档", testDoc("repo", "a.md", 0, []float32{1, 0, 0, 0}), nil},
		{"缺少仓库", testDoc("", "a.md", 0, []float32{1, 0, 0, 0}), ErrEmptyField},
		{"缺少路径", testDoc("repo", "  ", 0, []float32{1, 0, 0, 0}), ErrEmptyField},
		{"缺少正文", &store.Document{RepoURL: "repo", FilePath: "a.md", Embedding: []float32{1, 0, 0, 0}}, ErrEmptyField},
		{"维度过短", testDoc("repo", "a.md", 0, []float32{1, 0}), ErrInvalidDimension},
		{"维度过长", testDoc("repo", "a.md", 0, []float32{1, 0, 0, 0, 0}), ErrInvalidDimension},
		{"空向量", testDoc("repo", "a.md", 0, nil), ErrInvalidDimension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.doc)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Upsert 应当成功: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("期望错误 %v, 实际 %v", tt.wantErr, err)
			}
		})
	}
}

func TestSearcherBulkUpsertAllOrNothing(t *testing.T) {
	s, st := newTestSearcher()
	ctx := context.Background()

	docs := []*store.Document{
		testDoc("repo", "a.md", 0, []float32{1, 0, 0, 0}),
		testDoc("repo", "a.md", 1, []float32{0, 1, 0, 0}),
		testDoc("repo", "b.md", 0, []float32{0, 1}), // 维度非法
	}
	if err := s.BulkUpsert(ctx, docs); !errors.Is(err, ErrInvalidDimension) {
		t.Fatalf("期望 ErrInvalidDimension, 实际 %v", err)
	}

	// 整批被拒，合法文档也不应落库
	n, err := st.Count(ctx, "repo")
	if err != nil {
		t.Fatalf("Count 失败: %v", err)
	}
	if n != 0 {
		t.Fatalf("批量校验失败后应当零写入, 实际 %d 条", n)
	}

	if err := s.BulkUpsert(ctx, nil); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("空批次应当返回 ErrEmptyField, 实际 %v", err)
	}

	// 合法批次完整落库
	if err := s.BulkUpsert(ctx, docs[:2]); err != nil {
		t.Fatalf("合法批次写入失败: %v", err)
	}
	n, err = st.Count(ctx, "repo")
	if err != nil {
		t.Fatalf("Count 失败: %v", err)
	}
	if n != 2 {
		t.Fatalf("期望写入 2 条, 实际 %d 条", n)
	}
}

func TestSearcherQueryValidation(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()

	if _, err := s.QueryNearest(ctx, []float32{1, 0}, 5, nil); !errors.Is(err, ErrInvalidDimension) {
		t.Fatalf("维度不符应当被拒绝, 实际 %v", err)
	}

	tests := []struct {
		name   string
		filter *store.Filter
		ok     bool
	}{
		{"无过滤", nil, true},
		{"精确匹配", &store.Filter{RepoURL: "https://example.com/repo"}, true},
		{"尾部通配", &store.Filter{FilePath: "docs/%"}, true},
		{"前导百分号", &store.Filter{RepoURL: "%repo"}, false},
		{"前导下划线", &store.Filter{FilePath: "_ocs/readme.md"}, false},
		{"通配符超限", &store.Filter{FilePath: "a%b%c%d%"}, false},
		{"模式过长", &store.Filter{RepoURL: strings.Repeat("x", 65)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.QueryNearest(ctx, []float32{1, 0, 0, 0}, 5, tt.filter)
			if tt.ok && err != nil {
				t.Fatalf("查询应当成功: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFilter) {
				t.Fatalf("期望 ErrInvalidFilter, 实际 %v", err)
			}
		})
	}
}

func TestSearcherTopKClamp(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		doc := testDoc("repo", "a.md", i, []float32{1, float32(i) / 20, 0, 0})
		if _, err := s.Upsert(ctx, doc); err != nil {
			t.Fatalf("Upsert 失败: %v", err)
		}
	}

	// 超过上限时静默截断到 MaxTopK
	docs, err := s.QueryNearest(ctx, []float32{1, 0, 0, 0}, 100, nil)
	if err != nil {
		t.Fatalf("QueryNearest 失败: %v", err)
	}
	if len(docs) != 10 {
		t.Fatalf("k 应当截断到 10, 实际 %d", len(docs))
	}

	// 非正 k 使用默认值
	docs, err = s.QueryNearest(ctx, []float32{1, 0, 0, 0}, 0, nil)
	if err != nil {
		t.Fatalf("QueryNearest 失败: %v", err)
	}
	if len(docs) != 5 {
		t.Fatalf("默认 k 应当为 5, 实际 %d", len(docs))
	}
}

func TestSearcherDeleteValidation(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()

	if err := s.Delete(ctx, "  "); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("空 ID 应当被拒绝, 实际 %v", err)
	}
	if _, err := s.DeleteByRepo(ctx, ""); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("空仓库应当被拒绝, 实际 %v", err)
	}
	if _, err := s.DeleteChunks(ctx, "repo", ""); !errors.Is(err, ErrEmptyField) {
		t.Fatalf("空路径应当被拒绝, 实际 %v", err)
	}
	if _, err := s.Count(ctx, "%repo"); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("前导通配的计数模式应当被拒绝, 实际 %v", err)
	}
}
