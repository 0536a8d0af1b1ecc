package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ragserve/pkg/llm/resilience"
)

// flakyProvider 在前 failUntil 次调用内返回错误的模拟供应商。
type flakyProvider struct {
	modelID   string
	calls     int
	failUntil int
	vector    []float32
}

func (f *flakyProvider) Name() string    { return "flaky" }
func (f *flakyProvider) ModelID() string { return f.modelID }
func (f *flakyProvider) Dimension() int  { return len(f.vector) }

func (f *flakyProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return nil, errors.New("upstream unavailable")
	}
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = f.vector
	}
	return result, nil
}

func (f *flakyProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func fastRetryConfig(attempts int) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: func(error) bool { return true },
	}
}

func newTestCache(t *testing.T, provider EmbeddingProvider, retry *resilience.RetryConfig) (*CachedEmbeddingProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cache := NewCachedEmbeddingProvider(provider, client, &EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       time.Hour,
		KeyPrefix: "emb:",
		Retry:     retry,
	})
	return cache, mr
}

func TestCachedEmbedSingle_SuccessWritesCache(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", vector: []float32{0.1, 0.2}}
	cache, mr := newTestCache(t, provider, fastRetryConfig(3))

	ctx := context.Background()
	vec, err := cache.EmbedSingle(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, 1, provider.calls)

	// 结果应已写入缓存
	keys := mr.Keys()
	require.Len(t, keys, 1)
}

func TestCachedEmbedSingle_RetriesBeforeFailing(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", failUntil: 2, vector: []float32{0.5}}
	cache, _ := newTestCache(t, provider, fastRetryConfig(3))

	// 前两次失败，第三次成功
	vec, err := cache.EmbedSingle(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, vec)
	assert.Equal(t, 3, provider.calls)
}

func TestCachedEmbedSingle_FallbackAfterExhaustion(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", vector: []float32{0.9, 0.1}}
	cache, _ := newTestCache(t, provider, fastRetryConfig(3))
	ctx := context.Background()

	// 先成功一次，填充缓存
	_, err := cache.EmbedSingle(ctx, "hello")
	require.NoError(t, err)

	// 之后供应商持续失败，应由缓存兜底
	provider.calls = 0
	provider.failUntil = 100
	vec, err := cache.EmbedSingle(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9, 0.1}, vec)
	assert.Equal(t, 3, provider.calls, "重试应耗尽全部尝试次数")
}

func TestCachedEmbedSingle_NoFallbackAvailable(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", failUntil: 100, vector: []float32{0.1}}
	cache, _ := newTestCache(t, provider, fastRetryConfig(2))

	_, err := cache.EmbedSingle(context.Background(), "never seen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached fallback")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestCachedEmbed_BatchFallback(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", vector: []float32{0.3, 0.7}}
	cache, _ := newTestCache(t, provider, fastRetryConfig(2))
	ctx := context.Background()

	// 填充两条缓存
	_, err := cache.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)

	// 供应商失败后整批从缓存兜底
	provider.failUntil = 100
	embeddings, err := cache.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, embeddings, 2)

	// 任何一条缺失则整批失败
	_, err = cache.Embed(ctx, []string{"a", "missing"})
	require.Error(t, err)
}

func TestCachedEmbed_KeyIncludesModel(t *testing.T) {
	p1 := &flakyProvider{modelID: "model-a", vector: []float32{1}}
	p2 := &flakyProvider{modelID: "model-b", vector: []float32{2}}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cfg := &EmbeddingCacheConfig{Enabled: true, TTL: time.Hour, KeyPrefix: "emb:", Retry: fastRetryConfig(1)}
	c1 := NewCachedEmbeddingProvider(p1, client, cfg)
	c2 := NewCachedEmbeddingProvider(p2, client, cfg)

	ctx := context.Background()
	_, err := c1.EmbedSingle(ctx, "same text")
	require.NoError(t, err)
	_, err = c2.EmbedSingle(ctx, "same text")
	require.NoError(t, err)

	// 相同文本、不同模型应产生两个独立缓存键
	assert.Len(t, mr.Keys(), 2)
}

func TestCachedEmbed_DisabledBypassesRedis(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", vector: []float32{0.4}}
	cache := NewCachedEmbeddingProvider(provider, nil, &EmbeddingCacheConfig{
		Enabled: false,
		Retry:   fastRetryConfig(1),
	})

	vec, err := cache.EmbedSingle(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.4}, vec)
}

func TestCachedEmbed_ClearCache(t *testing.T) {
	provider := &flakyProvider{modelID: "m1", vector: []float32{0.1}}
	cache, mr := newTestCache(t, provider, fastRetryConfig(1))
	ctx := context.Background()

	_, err := cache.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, mr.Keys(), 3)

	require.NoError(t, cache.ClearCache(ctx))
	assert.Empty(t, mr.Keys())
}
