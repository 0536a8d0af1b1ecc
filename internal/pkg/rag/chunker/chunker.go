// Package chunker 将长文本切分为不超过 token 上限的块，切点尽量落在
// 自然边界上（段落 > 句子 > 空白）。
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kart-io/ragserve/internal/pkg/rag/tokenizer"
)

// Chunk 是切分产出的文本块。StartOffset 与 Length 指向原文中的字节区间，
// Text 为去除首尾空白后的内容。
type Chunk struct {
	Text        string `json:"text"`
	Index       int    `json:"index"`
	ParentID    string `json:"parent_id"`
	TokenCount  int    `json:"token_count"`
	Language    string `json:"language"`
	StartOffset int    `json:"start_offset"`
	Length      int    `json:"length"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// Chunker 基于编码器的 token 计数进行边界感知切分。
type Chunker struct {
	enc tokenizer.Encoder
}

// New 创建 Chunker。
func New(enc tokenizer.Encoder) *Chunker {
	return &Chunker{enc: enc}
}

// 边界类型按优先级排列：段落 > 句子 > 空白。
var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n", "。", "！", "？"}

// ChunkText 将 text 切分为 token 数不超过 maxTokens 的块。
// 仅当边界落在允许窗口中点之后才采用，否则按 token 上限精确切分。
// language 为空时自动检测。
func (c *Chunker) ChunkText(text string, maxTokens int, parentID, language string) []Chunk {
	if maxTokens <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}

	if language == "" {
		language = DetectLanguage(text)
	}
	degraded := c.enc.Degraded()

	var chunks []Chunk
	cursor := 0
	for cursor < len(text) {
		remaining := text[cursor:]
		limit := c.enc.FindSplitPoint(remaining, maxTokens)
		if limit <= 0 {
			// 单个字符超出 token 上限时强制前进，避免死循环
			_, size := utf8.DecodeRuneInString(remaining)
			limit = size
		}

		end := limit
		if limit < len(remaining) {
			if b := boundaryWithin(remaining[:limit]); b > 0 {
				end = b
			}
		}

		raw := remaining[:end]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			chunks = append(chunks, Chunk{
				Text:        trimmed,
				Index:       len(chunks),
				ParentID:    parentID,
				TokenCount:  c.enc.CountTokens(trimmed),
				Language:    language,
				StartOffset: cursor,
				Length:      end,
				Degraded:    degraded,
			})
		}

		cursor += end
		// 跳过块间空白
		for cursor < len(text) {
			r, size := utf8.DecodeRuneInString(text[cursor:])
			if !unicode.IsSpace(r) {
				break
			}
			cursor += size
		}
	}

	return chunks
}

// boundaryWithin 在窗口内查找最优切点。返回字节偏移，0 表示无可用边界。
// 边界必须不早于窗口中点，否则宁可精确切分也不产出过短的块。
func boundaryWithin(window string) int {
	mid := len(window) / 2

	// 段落边界
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		pos := idx + 2
		if pos >= mid {
			return pos
		}
	}

	// 句子边界
	best := -1
	for _, ender := range sentenceEnders {
		if idx := strings.LastIndex(window, ender); idx >= 0 {
			pos := idx + len(ender)
			if pos > best {
				best = pos
			}
		}
	}
	if best >= mid {
		return best
	}

	// 空白边界
	for i := len(window); i > 0; {
		r, size := utf8.DecodeLastRuneInString(window[:i])
		if unicode.IsSpace(r) {
			if i >= mid {
				return i
			}
			break
		}
		i -= size
	}

	return 0
}

var codePatterns = regexp.MustCompile(`(?m)^\s*(func |def |class |import |package |#include|const |var |let |fn |impl )|[{};]\s*$`)

// DetectLanguage 粗略判断文本是代码还是自然语言。
func DetectLanguage(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return "en"
	}
	hits := 0
	for _, line := range lines {
		if codePatterns.MatchString(line) {
			hits++
		}
	}
	if hits*4 >= len(lines) {
		return "code"
	}
	return "en"
}

// ValidateBoundaries 检查块的偏移是否把字母数字连续段切成两半。
// 返回诊断信息，空切片表示全部通过。
func ValidateBoundaries(original string, chunks []Chunk) []string {
	var issues []string
	for _, ch := range chunks {
		endOffset := ch.StartOffset + ch.Length
		if endOffset > len(original) {
			issues = append(issues, fmt.Sprintf("chunk %d: 区间 [%d,%d) 超出原文长度 %d",
				ch.Index, ch.StartOffset, endOffset, len(original)))
			continue
		}
		if endOffset < len(original) {
			before, _ := utf8.DecodeLastRuneInString(original[:endOffset])
			after, _ := utf8.DecodeRuneInString(original[endOffset:])
			if isWordRune(before) && isWordRune(after) {
				issues = append(issues, fmt.Sprintf("chunk %d: 偏移 %d 处切断了单词",
					ch.Index, endOffset))
			}
		}
	}
	return issues
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
