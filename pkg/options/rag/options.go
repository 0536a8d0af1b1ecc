// Package rag provides RAG (Retrieval-Augmented Generation) configuration options.
package rag

import (
	"fmt"
	"time"

	"github.com/kart-io/ragserve/pkg/options"
	"github.com/spf13/pflag"
)

var _ options.IOptions = (*Options)(nil)

// Options contains RAG-specific configuration.
type Options struct {
	// Backend selects the document store backend (memory, postgres, milvus).
	Backend string `json:"backend" mapstructure:"backend"`

	// CacheEnabled toggles the Redis embedding cache fallback.
	CacheEnabled bool `json:"cache-enabled" mapstructure:"cache-enabled"`

	// MaxChunkTokens is the token budget per text chunk.
	MaxChunkTokens int `json:"max-chunk-tokens" mapstructure:"max-chunk-tokens"`

	// TopK is the default number of results from similarity search.
	TopK int `json:"top-k" mapstructure:"top-k"`

	// MaxTopK is the upper bound requests are silently clamped to.
	MaxTopK int `json:"max-top-k" mapstructure:"max-top-k"`

	// MaxPatternLength caps the length of repo/path filter patterns.
	MaxPatternLength int `json:"max-pattern-length" mapstructure:"max-pattern-length"`

	// MaxPatternWildcards caps the number of wildcards per filter pattern.
	MaxPatternWildcards int `json:"max-pattern-wildcards" mapstructure:"max-pattern-wildcards"`

	// Collection is the name of the vector collection / table.
	Collection string `json:"collection" mapstructure:"collection"`

	// EmbeddingDim is the dimension of embedding vectors.
	EmbeddingDim int `json:"embedding-dim" mapstructure:"embedding-dim"`

	// EmbeddingCacheTTL is how long successful embeddings stay cached for fallback.
	EmbeddingCacheTTL time.Duration `json:"embedding-cache-ttl" mapstructure:"embedding-cache-ttl"`

	// SystemPrompt is the system prompt template for RAG queries.
	SystemPrompt string `json:"system-prompt" mapstructure:"system-prompt"`

	// Session 会话配置。
	Session *SessionOptions `json:"session" mapstructure:"session"`

	// Stream 流式生成配置。
	Stream *StreamOptions `json:"stream" mapstructure:"stream"`
}

// SessionOptions 会话生命周期配置。
type SessionOptions struct {
	// TTL 会话空闲过期时间。
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// CleanupInterval 过期会话清理周期。
	CleanupInterval time.Duration `json:"cleanup-interval" mapstructure:"cleanup-interval"`
}

// StreamOptions 流式生成与故障转移配置。
type StreamOptions struct {
	// ProviderOrder 生成供应商的故障转移顺序。
	ProviderOrder []string `json:"provider-order" mapstructure:"provider-order"`

	// StallTimeout 相邻 token 之间允许的最大间隔。
	StallTimeout time.Duration `json:"stall-timeout" mapstructure:"stall-timeout"`

	// BufferSize 事件通道缓冲大小，写满即背压。
	BufferSize int `json:"buffer-size" mapstructure:"buffer-size"`
}

// DefaultSystemPrompt is the default system prompt for RAG queries.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions based on the provided context.
Use the following context to answer the question. If you cannot find the answer in the context, say so.
Always cite the source documents when providing information.

Context:
{{context}}

Question: {{question}}

Answer:`

// NewSessionOptions 创建默认会话配置。
func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		TTL:             30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewStreamOptions 创建默认流式生成配置。
func NewStreamOptions() *StreamOptions {
	return &StreamOptions{
		ProviderOrder: nil, // 为空时按注册顺序
		StallTimeout:  60 * time.Second,
		BufferSize:    100,
	}
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Backend:             "memory",
		CacheEnabled:        true,
		MaxChunkTokens:      512,
		TopK:                5,
		MaxTopK:             50,
		MaxPatternLength:    256,
		MaxPatternWildcards: 8,
		Collection:          "rag_documents",
		EmbeddingDim:        768, // nomic-embed-text dimension
		EmbeddingCacheTTL:   24 * time.Hour,
		SystemPrompt:        DefaultSystemPrompt,
		Session:             NewSessionOptions(),
		Stream:              NewStreamOptions(),
	}
}

// AddFlags adds flags for RAG options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, options.Join(prefixes...)+"rag.backend", o.Backend, "Document store backend (memory, postgres, milvus).")
	fs.BoolVar(&o.CacheEnabled, options.Join(prefixes...)+"rag.cache-enabled", o.CacheEnabled, "Enable the Redis embedding cache fallback.")
	fs.IntVar(&o.MaxChunkTokens, options.Join(prefixes...)+"rag.max-chunk-tokens", o.MaxChunkTokens, "Token budget per text chunk.")
	fs.IntVar(&o.TopK, options.Join(prefixes...)+"rag.top-k", o.TopK, "Default number of results from similarity search.")
	fs.IntVar(&o.MaxTopK, options.Join(prefixes...)+"rag.max-top-k", o.MaxTopK, "Upper bound for requested top-k.")
	fs.IntVar(&o.MaxPatternLength, options.Join(prefixes...)+"rag.max-pattern-length", o.MaxPatternLength, "Maximum length of filter patterns.")
	fs.IntVar(&o.MaxPatternWildcards, options.Join(prefixes...)+"rag.max-pattern-wildcards", o.MaxPatternWildcards, "Maximum wildcards per filter pattern.")
	fs.StringVar(&o.Collection, options.Join(prefixes...)+"rag.collection", o.Collection, "Vector collection name.")
	fs.IntVar(&o.EmbeddingDim, options.Join(prefixes...)+"rag.embedding-dim", o.EmbeddingDim, "Embedding vector dimension.")
	fs.DurationVar(&o.EmbeddingCacheTTL, options.Join(prefixes...)+"rag.embedding-cache-ttl", o.EmbeddingCacheTTL, "TTL for cached embeddings.")

	// 会话配置
	if o.Session == nil {
		o.Session = NewSessionOptions()
	}
	fs.DurationVar(&o.Session.TTL, options.Join(prefixes...)+"rag.session.ttl", o.Session.TTL, "Session idle expiry.")
	fs.DurationVar(&o.Session.CleanupInterval, options.Join(prefixes...)+"rag.session.cleanup-interval", o.Session.CleanupInterval, "Expired session sweep interval.")

	// 流式生成配置
	if o.Stream == nil {
		o.Stream = NewStreamOptions()
	}
	fs.StringSliceVar(&o.Stream.ProviderOrder, options.Join(prefixes...)+"rag.stream.provider-order", o.Stream.ProviderOrder, "Failover order of generation providers.")
	fs.DurationVar(&o.Stream.StallTimeout, options.Join(prefixes...)+"rag.stream.stall-timeout", o.Stream.StallTimeout, "Maximum gap between streamed tokens.")
	fs.IntVar(&o.Stream.BufferSize, options.Join(prefixes...)+"rag.stream.buffer-size", o.Stream.BufferSize, "Event channel buffer size.")
}

// Validate validates the RAG options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	switch o.Backend {
	case "", "memory", "postgres", "milvus":
	default:
		errs = append(errs, fmt.Errorf("backend must be one of memory, postgres, milvus"))
	}
	if o.MaxChunkTokens <= 0 {
		errs = append(errs, fmt.Errorf("max-chunk-tokens must be positive"))
	}
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top-k must be positive"))
	}
	if o.MaxTopK < o.TopK {
		errs = append(errs, fmt.Errorf("max-top-k must be >= top-k"))
	}
	if o.MaxPatternLength <= 0 {
		errs = append(errs, fmt.Errorf("max-pattern-length must be positive"))
	}
	if o.MaxPatternWildcards <= 0 {
		errs = append(errs, fmt.Errorf("max-pattern-wildcards must be positive"))
	}
	if o.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding-dim must be positive"))
	}
	if o.Stream != nil && o.Stream.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("stream.buffer-size must be positive"))
	}
	if o.Stream != nil && o.Stream.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stream.stall-timeout must be positive"))
	}
	if o.Session != nil && o.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive"))
	}
	return errs
}

// Complete completes the RAG options with defaults.
func (o *Options) Complete() error {
	if o.Backend == "" {
		o.Backend = "memory"
	}
	if o.Session == nil {
		o.Session = NewSessionOptions()
	}
	if o.Stream == nil {
		o.Stream = NewStreamOptions()
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	return nil
}
