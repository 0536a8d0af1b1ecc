package store

import (
	"errors"
	"testing"
)

// TestMilvusFieldExpr 测试过滤表达式片段的构建与通配符拒绝。
func TestMilvusFieldExpr(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		value   string
		want    string
		wantErr error
	}{
		{"精确匹配", "repo_url", "https://git.example.com/repo-a", `repo_url == "https://git.example.com/repo-a"`, nil},
		{"百分号走 like", "file_path", "docs/%", `file_path like "docs/%"`, nil},
		{"前缀百分号走 like", "repo_url", "%repo-a", `repo_url like "%repo-a"`, nil},
		{"引号转义", "file_path", `a"b.md`, `file_path == "a\"b.md"`, nil},
		{"反斜杠转义", "file_path", `a\b.md`, `file_path == "a\\b.md"`, nil},
		{"下划线拒绝", "repo_url", "repo-_", "", ErrUnsupportedPattern},
		{"字面下划线也拒绝", "file_path", "my_file.go", "", ErrUnsupportedPattern},
		{"混合通配符拒绝", "file_path", "docs/%_.md", "", ErrUnsupportedPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fieldExpr(tt.field, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("期望 ErrUnsupportedPattern, 实际 %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("构建表达式失败: %v", err)
			}
			if got != tt.want {
				t.Errorf("表达式不匹配: 期望 %s, 实际 %s", tt.want, got)
			}
		})
	}
}

// TestMilvusBuildFilterExpr 测试组合过滤表达式与错误透传。
func TestMilvusBuildFilterExpr(t *testing.T) {
	expr, err := buildFilterExpr(&Filter{RepoURL: "%repo-a", FilePath: "docs/%"})
	if err != nil {
		t.Fatalf("构建表达式失败: %v", err)
	}
	want := `repo_url like "%repo-a" && file_path like "docs/%"`
	if expr != want {
		t.Errorf("组合表达式不匹配: 期望 %s, 实际 %s", want, expr)
	}

	expr, err = buildFilterExpr(&Filter{})
	if err != nil || expr != "" {
		t.Errorf("空过滤应返回空表达式: expr=%q err=%v", expr, err)
	}

	if _, err := buildFilterExpr(&Filter{FilePath: "src/main_test.go"}); !errors.Is(err, ErrUnsupportedPattern) {
		t.Errorf("含下划线的路径应被拒绝: 实际 %v", err)
	}
}
