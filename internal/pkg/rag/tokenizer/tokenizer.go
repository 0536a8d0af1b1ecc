// Package tokenizer 提供按模型选择的 BPE 编码器，以及编码器不可用时的
// 字符启发式退化实现。
package tokenizer

import (
	"strings"
	"sync"

	"github.com/kart-io/logger"
	"github.com/pkoukk/tiktoken-go"
)

// 支持的编码族。
const (
	EncodingCL100K = "cl100k_base"
	EncodingO200K  = "o200k_base"
)

// heuristicBytesPerToken 启发式实现假定平均每 token 约 4 字节。
const heuristicBytesPerToken = 4

// Encoder 将文本映射为 token 序列。实现必须保证 Decode(Encode(s)) == s。
type Encoder interface {
	// CountTokens 返回文本的 token 数。
	CountTokens(text string) int

	// Encode 将文本编码为 token id 序列。
	Encode(text string) []int

	// Decode 将 token id 序列还原为文本。
	Decode(ids []int) string

	// FindSplitPoint 返回一个字节偏移，使 text[:offset] 编码后不超过
	// maxTokens 个 token。偏移始终落在 rune 边界上。
	FindSplitPoint(text string, maxTokens int) int

	// Degraded 报告编码器是否处于启发式退化状态。
	Degraded() bool
}

// encodingForModel 将模型 id 映射到编码族。未知模型使用 cl100k_base。
func encodingForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return EncodingO200K
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"):
		return EncodingCL100K
	case strings.HasPrefix(m, "text-embedding-"):
		return EncodingCL100K
	default:
		return EncodingCL100K
	}
}

var (
	degradedWarnOnce sync.Once
)

// ForModel 返回指定模型的编码器。BPE 初始化失败时退化为字符启发式
// 实现，并记录降级日志。
func ForModel(model string) Encoder {
	encoding := encodingForModel(model)
	tkm, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		degradedWarnOnce.Do(func() {
			logger.Warnw("tokenizer 初始化失败，降级为字符启发式编码",
				"model", model, "encoding", encoding, "error", err.Error())
		})
		return NewHeuristic()
	}
	return &bpeEncoder{tkm: tkm}
}

// bpeEncoder 基于 tiktoken 的 BPE 实现。
type bpeEncoder struct {
	tkm *tiktoken.Tiktoken
}

var _ Encoder = (*bpeEncoder)(nil)

func (e *bpeEncoder) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tkm.Encode(text, nil, nil))
}

func (e *bpeEncoder) Encode(text string) []int {
	return e.tkm.Encode(text, nil, nil)
}

func (e *bpeEncoder) Decode(ids []int) string {
	return e.tkm.Decode(ids)
}

func (e *bpeEncoder) FindSplitPoint(text string, maxTokens int) int {
	return findSplitPoint(e.CountTokens, text, maxTokens)
}

func (e *bpeEncoder) Degraded() bool { return false }

// HeuristicEncoder 按固定字节数近似 token 的退化编码器。
// token id 为 4 字节的大端打包值，保证 Decode 可逆。
type HeuristicEncoder struct{}

var _ Encoder = (*HeuristicEncoder)(nil)

// NewHeuristic 创建启发式编码器。
func NewHeuristic() *HeuristicEncoder {
	return &HeuristicEncoder{}
}

func (e *HeuristicEncoder) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + heuristicBytesPerToken - 1) / heuristicBytesPerToken
}

func (e *HeuristicEncoder) Encode(text string) []int {
	b := []byte(text)
	ids := make([]int, 0, (len(b)+heuristicBytesPerToken-1)/heuristicBytesPerToken)
	for i := 0; i < len(b); i += heuristicBytesPerToken {
		end := i + heuristicBytesPerToken
		if end > len(b) {
			end = len(b)
		}
		chunk := b[i:end]
		// 低 4 字节按大端存放内容，第 32 位之上记录实际长度
		var content int
		for _, c := range chunk {
			content = content<<8 | int(c)
		}
		ids = append(ids, len(chunk)<<32|content)
	}
	return ids
}

func (e *HeuristicEncoder) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		n := (id >> 32) & 0xFF
		for i := n - 1; i >= 0; i-- {
			sb.WriteByte(byte(id >> (8 * i)))
		}
	}
	return sb.String()
}

func (e *HeuristicEncoder) FindSplitPoint(text string, maxTokens int) int {
	return findSplitPoint(e.CountTokens, text, maxTokens)
}

func (e *HeuristicEncoder) Degraded() bool { return true }

// findSplitPoint 在 rune 边界上二分查找满足 token 上限的最大前缀长度。
func findSplitPoint(count func(string) int, text string, maxTokens int) int {
	if maxTokens <= 0 || text == "" {
		return 0
	}
	if count(text) <= maxTokens {
		return len(text)
	}

	// 收集 rune 边界，对边界下标二分
	boundaries := make([]int, 0, len(text)+1)
	for i := range text {
		boundaries = append(boundaries, i)
	}
	boundaries = append(boundaries, len(text))

	lo, hi := 0, len(boundaries)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if count(text[:boundaries[mid]]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return boundaries[lo]
}
