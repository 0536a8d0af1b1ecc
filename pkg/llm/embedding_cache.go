package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/ragserve/pkg/llm/resilience"
)

// EmbeddingCacheConfig Embedding 缓存配置。
type EmbeddingCacheConfig struct {
	// Enabled 是否启用缓存。
	Enabled bool
	// TTL 缓存过期时间。
	TTL time.Duration
	// KeyPrefix 缓存键前缀。
	KeyPrefix string
	// Retry 底层 provider 调用的重试配置。nil 时使用默认配置。
	Retry *resilience.RetryConfig
}

// DefaultEmbeddingCacheConfig 返回默认的 Embedding 缓存配置。
func DefaultEmbeddingCacheConfig() *EmbeddingCacheConfig {
	return &EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       24 * time.Hour, // Embedding 结果相对稳定，可以缓存更长时间
		KeyPrefix: "emb:",
		Retry:     resilience.DefaultRetryConfig(),
	}
}

// CachedEmbeddingProvider 提供 Embedding 缓存与重试的包装器。
// 始终先调用底层 provider（带重试）；重试耗尽后按 (model, text) 查缓存兜底。
// 成功结果会机会性写入缓存，为后续兜底做准备。
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	redis    *goredis.Client
	config   *EmbeddingCacheConfig
}

// NewCachedEmbeddingProvider 创建带缓存的 Embedding Provider。
func NewCachedEmbeddingProvider(
	provider EmbeddingProvider,
	redis *goredis.Client,
	config *EmbeddingCacheConfig,
) *CachedEmbeddingProvider {
	if config == nil {
		config = DefaultEmbeddingCacheConfig()
	}
	if config.Retry == nil {
		config.Retry = resilience.DefaultRetryConfig()
	}
	return &CachedEmbeddingProvider{
		provider: provider,
		redis:    redis,
		config:   config,
	}
}

// generateCacheKey 基于模型与文本生成缓存键。同一文本在不同模型下
// 的向量不可互换，键必须区分模型。
func (c *CachedEmbeddingProvider) generateCacheKey(text string) string {
	hash := sha256.Sum256([]byte(c.provider.ModelID() + ":" + text))
	hashStr := hex.EncodeToString(hash[:])
	return c.config.KeyPrefix + hashStr
}

// cacheGet 读取并反序列化缓存项，损坏的条目被删除。
func (c *CachedEmbeddingProvider) cacheGet(ctx context.Context, cacheKey string) ([]float32, bool) {
	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err != goredis.Nil {
			logger.Warnw("redis get error", "error", err.Error())
		}
		return nil, false
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		logger.Warnw("failed to unmarshal cached embedding, deleting", "error", err.Error(), "key", cacheKey)
		_ = c.redis.Del(ctx, cacheKey).Err()
		return nil, false
	}
	return embedding, true
}

// cacheSet 写入缓存，失败不影响主流程。
func (c *CachedEmbeddingProvider) cacheSet(ctx context.Context, cacheKey string, embedding []float32) {
	data, err := json.Marshal(embedding)
	if err != nil {
		logger.Warnw("failed to marshal embedding for caching", "error", err.Error())
		return
	}
	if err := c.redis.Set(ctx, cacheKey, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("failed to cache embedding", "error", err.Error(), "key", cacheKey)
	}
}

// embedWithRetry 按重试配置调用底层 provider。
func (c *CachedEmbeddingProvider) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := resilience.RetryWithBackoff(ctx, c.config.Retry, func() error {
		embeddings, embedErr := c.provider.Embed(ctx, texts)
		if embedErr != nil {
			return embedErr
		}
		result = embeddings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedSingle 生成单个文本的 Embedding（带缓存与重试）。
func (c *CachedEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	// 如果缓存未启用或 Redis 不可用，直接调用底层 provider（仍带重试）
	if !c.config.Enabled || c.redis == nil {
		embeddings, err := c.embedWithRetry(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return embeddings[0], nil
	}

	cacheKey := c.generateCacheKey(text)

	// 1. 调用底层 provider（带重试）
	embeddings, err := c.embedWithRetry(ctx, []string{text})
	if err != nil {
		// 2. 重试耗尽，查缓存兜底
		if embedding, ok := c.cacheGet(ctx, cacheKey); ok {
			logger.Warnw("serving cached embedding after provider failure",
				"provider", c.provider.Name(), "error", err.Error())
			return embedding, nil
		}
		return nil, fmt.Errorf("embed %q via %s failed and no cached fallback: %w",
			truncateForLog(text), c.provider.Name(), err)
	}

	// 3. 机会性写入缓存
	c.cacheSet(ctx, cacheKey, embeddings[0])
	return embeddings[0], nil
}

// Embed 批量生成 Embedding（带缓存与重试）。
func (c *CachedEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.config.Enabled || c.redis == nil {
		return c.embedWithRetry(ctx, texts)
	}

	// 1. 批量调用底层 provider（带重试）
	embeddings, err := c.embedWithRetry(ctx, texts)
	if err != nil {
		// 2. 重试耗尽，逐条查缓存兜底；任何一条缺失则整批失败
		cached := make([][]float32, len(texts))
		for i, text := range texts {
			embedding, ok := c.cacheGet(ctx, c.generateCacheKey(text))
			if !ok {
				return nil, fmt.Errorf("embed batch of %d via %s failed, item %d has no cached fallback: %w",
					len(texts), c.provider.Name(), i, err)
			}
			cached[i] = embedding
		}
		logger.Warnw("serving cached embeddings after provider failure",
			"provider", c.provider.Name(), "total", len(texts), "error", err.Error())
		return cached, nil
	}

	// 3. 机会性写入缓存
	for i, text := range texts {
		c.cacheSet(ctx, c.generateCacheKey(text), embeddings[i])
	}

	return embeddings, nil
}

// Name 返回底层 provider 的名称。
func (c *CachedEmbeddingProvider) Name() string {
	return c.provider.Name() + "-cached"
}

// ModelID 返回底层 provider 的模型标识。
func (c *CachedEmbeddingProvider) ModelID() string {
	return c.provider.ModelID()
}

// Dimension 返回底层 provider 的向量维度。
func (c *CachedEmbeddingProvider) Dimension() int {
	return c.provider.Dimension()
}

// ClearCache 清除所有 Embedding 缓存。
func (c *CachedEmbeddingProvider) ClearCache(ctx context.Context) error {
	if !c.config.Enabled || c.redis == nil {
		return nil
	}

	// 使用 SCAN 命令查找所有匹配的键
	pattern := c.config.KeyPrefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()

	deletedCount := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warnw("failed to delete cache key", "error", err.Error(), "key", iter.Val())
		} else {
			deletedCount++
		}
	}

	if err := iter.Err(); err != nil {
		logger.Warnw("error during cache scan", "error", err.Error())
		return err
	}

	logger.Infow("cleared embedding cache", "deleted_count", deletedCount)
	return nil
}

// GetCacheStats 获取缓存统计信息。
func (c *CachedEmbeddingProvider) GetCacheStats(ctx context.Context) (map[string]interface{}, error) {
	if !c.config.Enabled || c.redis == nil {
		return map[string]interface{}{
			"enabled": false,
		}, nil
	}

	pattern := c.config.KeyPrefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()

	keyCount := 0
	for iter.Next(ctx) {
		keyCount++
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"enabled":    true,
		"key_count":  keyCount,
		"ttl":        c.config.TTL.String(),
		"key_prefix": c.config.KeyPrefix,
		"provider":   c.provider.Name(),
		"model":      c.provider.ModelID(),
	}, nil
}

func truncateForLog(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// 确保 CachedEmbeddingProvider 实现了 EmbeddingProvider 接口。
var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)

// 确保 resilience 包装器仍满足本包的 EmbeddingProvider 接口
// （接口断言放在 llm 侧以避免导入循环）。
var _ EmbeddingProvider = (*resilience.ResilientEmbeddingProvider)(nil)
