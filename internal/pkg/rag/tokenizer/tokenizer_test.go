package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicCountTokens(t *testing.T) {
	enc := NewHeuristic()

	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"空文本", "", 0},
		{"单字符", "a", 1},
		{"恰好一个 token", "abcd", 1},
		{"跨越边界", "abcde", 2},
		{"八字节", "abcdefgh", 2},
		{"多字节字符", "你好", 2}, // 6 字节
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, enc.CountTokens(tt.text))
		})
	}
}

func TestHeuristicEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewHeuristic()

	inputs := []string{
		"",
		"a",
		"hello world",
		"你好，世界",
		strings.Repeat("x", 1023),
		"mixed 中英文 content with spaces",
	}

	for _, in := range inputs {
		ids := enc.Encode(in)
		assert.Equal(t, in, enc.Decode(ids))
		assert.Equal(t, enc.CountTokens(in), len(ids))
	}
}

func TestHeuristicDegraded(t *testing.T) {
	assert.True(t, NewHeuristic().Degraded())
}

func TestFindSplitPoint(t *testing.T) {
	enc := NewHeuristic()

	t.Run("整体不超限时返回全长", func(t *testing.T) {
		text := "short"
		assert.Equal(t, len(text), enc.FindSplitPoint(text, 10))
	})

	t.Run("前缀满足 token 上限", func(t *testing.T) {
		text := strings.Repeat("a", 100)
		offset := enc.FindSplitPoint(text, 5)
		require.Greater(t, offset, 0)
		assert.LessOrEqual(t, enc.CountTokens(text[:offset]), 5)
		// 偏移应为满足上限的最大前缀
		if offset < len(text) {
			assert.Greater(t, enc.CountTokens(text[:offset+1]), 5)
		}
	})

	t.Run("偏移落在 rune 边界", func(t *testing.T) {
		text := strings.Repeat("世", 50)
		offset := enc.FindSplitPoint(text, 3)
		require.Greater(t, offset, 0)
		assert.True(t, offset%3 == 0, "偏移 %d 应是 3 字节字符的整数倍", offset)
		assert.LessOrEqual(t, enc.CountTokens(text[:offset]), 3)
	})

	t.Run("非正上限返回零", func(t *testing.T) {
		assert.Equal(t, 0, enc.FindSplitPoint("anything", 0))
	})
}

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{"gpt-4o", EncodingO200K},
		{"gpt-4o-mini", EncodingO200K},
		{"o1-preview", EncodingO200K},
		{"gpt-4", EncodingCL100K},
		{"gpt-3.5-turbo", EncodingCL100K},
		{"text-embedding-3-small", EncodingCL100K},
		{"text-embedding-ada-002", EncodingCL100K},
		{"unknown-local-model", EncodingCL100K},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.expected, encodingForModel(tt.model))
		})
	}
}
