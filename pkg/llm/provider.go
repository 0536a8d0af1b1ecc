// Package llm 提供统一的 LLM 供应商抽象层。
// 支持 Embedding 和流式生成使用不同供应商的模型。
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EmbeddingProvider 定义 Embedding 供应商接口。
type EmbeddingProvider interface {
	// Embed 为多个文本生成向量嵌入。
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle 为单个文本生成向量嵌入。
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Name 返回供应商名称。
	Name() string

	// ModelID 返回嵌入模型标识。
	ModelID() string

	// Dimension 返回输出向量维度。
	Dimension() int
}

// StreamProvider 定义流式生成供应商接口。
type StreamProvider interface {
	// Stream 根据提示流式生成文本。返回的通道在生成结束或出错后关闭，
	// 出错时最后一个 chunk 携带 Err。
	Stream(ctx context.Context, prompt string, systemPrompt string) (<-chan StreamChunk, error)

	// IsAvailable 探测供应商当前是否可用。
	IsAvailable(ctx context.Context) bool

	// Name 返回供应商名称。
	Name() string
}

// StreamChunk 表示流式生成中的一个增量。
type StreamChunk struct {
	// Content 本次增量的文本内容。
	Content string `json:"content"`

	// Role 产生内容的角色，通常为 assistant。
	Role Role `json:"role,omitempty"`

	// Done 表示生成正常结束。
	Done bool `json:"done,omitempty"`

	// Timestamp 增量产生时间。
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Err 非空表示流在此处失败终止。
	Err error `json:"-"`
}

// Message 表示对话中的一条消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role 定义消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Provider 同时支持 Embedding 和流式生成的完整供应商。
type Provider interface {
	EmbeddingProvider
	StreamProvider
}

// ProviderFactory 供应商工厂函数类型。
type ProviderFactory func(config map[string]any) (Provider, error)

// EmbeddingProviderFactory Embedding 供应商工厂函数类型。
type EmbeddingProviderFactory func(config map[string]any) (EmbeddingProvider, error)

// StreamProviderFactory 流式生成供应商工厂函数类型。
type StreamProviderFactory func(config map[string]any) (StreamProvider, error)

// registry 供应商注册表。
var registry = &providerRegistry{
	providers:          make(map[string]ProviderFactory),
	embeddingProviders: make(map[string]EmbeddingProviderFactory),
	streamProviders:    make(map[string]StreamProviderFactory),
}

type providerRegistry struct {
	mu                 sync.RWMutex
	providers          map[string]ProviderFactory
	embeddingProviders map[string]EmbeddingProviderFactory
	streamProviders    map[string]StreamProviderFactory
}

// RegisterProvider 注册完整供应商工厂。
func RegisterProvider(name string, factory ProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.providers[name] = factory
}

// RegisterEmbeddingProvider 注册 Embedding 供应商工厂。
func RegisterEmbeddingProvider(name string, factory EmbeddingProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.embeddingProviders[name] = factory
}

// RegisterStreamProvider 注册流式生成供应商工厂。
func RegisterStreamProvider(name string, factory StreamProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.streamProviders[name] = factory
}

// NewProvider 根据名称创建完整供应商实例。
func NewProvider(name string, config map[string]any) (Provider, error) {
	registry.mu.RLock()
	factory, ok := registry.providers[name]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	return factory(config)
}

// NewEmbeddingProvider 根据名称创建 Embedding 供应商实例。
// 优先查找专用 Embedding 工厂，其次查找完整供应商工厂。
func NewEmbeddingProvider(name string, config map[string]any) (EmbeddingProvider, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	// 优先使用专用 Embedding 工厂
	if factory, ok := registry.embeddingProviders[name]; ok {
		return factory(config)
	}

	// 回退到完整供应商工厂
	if factory, ok := registry.providers[name]; ok {
		return factory(config)
	}

	return nil, fmt.Errorf("unknown embedding provider: %s", name)
}

// NewStreamProvider 根据名称创建流式生成供应商实例。
// 优先查找专用流式工厂，其次查找完整供应商工厂。
func NewStreamProvider(name string, config map[string]any) (StreamProvider, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	// 优先使用专用流式工厂
	if factory, ok := registry.streamProviders[name]; ok {
		return factory(config)
	}

	// 回退到完整供应商工厂
	if factory, ok := registry.providers[name]; ok {
		return factory(config)
	}

	return nil, fmt.Errorf("unknown stream provider: %s", name)
}

// ListProviders 列出所有已注册的供应商名称。
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string

	for name := range registry.providers {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range registry.embeddingProviders {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range registry.streamProviders {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names
}
