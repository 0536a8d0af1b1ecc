// Package metrics 提供 RAG 服务的业务指标收集。
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// providerStats 单个流式提供方的累计指标。
type providerStats struct {
	streamsTotal     uint64  // 流式生成次数
	streamsErrors    uint64  // 流式生成失败次数
	streamsStalled   uint64  // 因停滞超时中止的次数
	tokensEmitted    uint64  // 已发出的 token 事件数
	firstTokenTotal  float64 // 首 token 延迟总和（秒）
	firstTokenCount  uint64  // 首 token 采样数
	streamDuration   float64 // 流式生成总耗时（秒）
}

// Metrics RAG 服务业务指标。
type Metrics struct {
	// 查询指标
	queriesTotal       uint64 // 总查询次数
	queriesCacheHits   uint64 // 嵌入缓存命中次数
	queriesCacheMisses uint64 // 嵌入缓存未命中次数
	queriesErrors      uint64 // 查询错误次数

	// 检索指标
	retrievalTotal    uint64  // 总检索次数
	retrievalDegraded uint64  // 降级（无上下文）生成次数
	retrievalDuration float64 // 检索总耗时（秒）
	retrievalErrors   uint64  // 检索错误次数

	// 生成指标
	failoversTotal uint64 // 提供方切换次数

	// 熔断器指标
	circuitBreakerOpens uint64 // 熔断器打开次数

	// 索引指标
	documentsIndexed uint64 // 已索引文档数
	chunksIndexed    uint64 // 已索引分块数
	indexErrors      uint64 // 索引错误次数

	// 会话指标
	sessionsCreated uint64 // 已创建会话数
	sessionsSwept   uint64 // 被清扫回收的过期会话数

	providerMu sync.RWMutex
	providers  map[string]*providerStats

	startTime  time.Time
	durationMu sync.Mutex
}

// New 创建指标收集器。
func New() *Metrics {
	return &Metrics{
		providers: make(map[string]*providerStats),
		startTime: time.Now(),
	}
}

// RecordQuery 记录查询。
func (m *Metrics) RecordQuery(cacheHit bool, err error) {
	atomic.AddUint64(&m.queriesTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.queriesErrors, 1)
		return
	}
	if cacheHit {
		atomic.AddUint64(&m.queriesCacheHits, 1)
	} else {
		atomic.AddUint64(&m.queriesCacheMisses, 1)
	}
}

// RecordRetrieval 记录检索操作。
func (m *Metrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordDegradedGeneration 记录一次检索失败后无上下文继续的生成。
func (m *Metrics) RecordDegradedGeneration() {
	atomic.AddUint64(&m.retrievalDegraded, 1)
}

// RecordFailover 记录一次提供方切换。
func (m *Metrics) RecordFailover() {
	atomic.AddUint64(&m.failoversTotal, 1)
}

// RecordCircuitBreakerOpen 记录熔断器打开。
func (m *Metrics) RecordCircuitBreakerOpen() {
	atomic.AddUint64(&m.circuitBreakerOpens, 1)
}

// RecordIndexing 记录索引操作。
func (m *Metrics) RecordIndexing(documents, chunks int, err error) {
	if err != nil {
		atomic.AddUint64(&m.indexErrors, 1)
		return
	}
	atomic.AddUint64(&m.documentsIndexed, uint64(documents))
	atomic.AddUint64(&m.chunksIndexed, uint64(chunks))
}

// RecordSessionCreated 记录会话创建。
func (m *Metrics) RecordSessionCreated() {
	atomic.AddUint64(&m.sessionsCreated, 1)
}

// RecordSessionsSwept 记录被清扫的过期会话数。
func (m *Metrics) RecordSessionsSwept(n int) {
	if n > 0 {
		atomic.AddUint64(&m.sessionsSwept, uint64(n))
	}
}

func (m *Metrics) provider(name string) *providerStats {
	m.providerMu.RLock()
	ps, ok := m.providers[name]
	m.providerMu.RUnlock()
	if ok {
		return ps
	}

	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	if ps, ok = m.providers[name]; ok {
		return ps
	}
	ps = &providerStats{}
	m.providers[name] = ps
	return ps
}

// RecordStreamStart 记录某提供方开始一次流式生成。
func (m *Metrics) RecordStreamStart(provider string) {
	atomic.AddUint64(&m.provider(provider).streamsTotal, 1)
}

// RecordFirstToken 记录某提供方的首 token 延迟。
func (m *Metrics) RecordFirstToken(provider string, latency time.Duration) {
	ps := m.provider(provider)
	atomic.AddUint64(&ps.firstTokenCount, 1)

	m.durationMu.Lock()
	ps.firstTokenTotal += latency.Seconds()
	m.durationMu.Unlock()
}

// RecordTokens 记录某提供方已发出的 token 事件数。
func (m *Metrics) RecordTokens(provider string, n int) {
	if n > 0 {
		atomic.AddUint64(&m.provider(provider).tokensEmitted, uint64(n))
	}
}

// RecordStreamComplete 记录某提供方一次成功完成的流式生成。
func (m *Metrics) RecordStreamComplete(provider string, duration time.Duration) {
	ps := m.provider(provider)

	m.durationMu.Lock()
	ps.streamDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordStreamError 记录某提供方的流式生成失败。
func (m *Metrics) RecordStreamError(provider string) {
	atomic.AddUint64(&m.provider(provider).streamsErrors, 1)
}

// RecordStreamStall 记录某提供方因停滞超时被中止。
func (m *Metrics) RecordStreamStall(provider string) {
	ps := m.provider(provider)
	atomic.AddUint64(&ps.streamsStalled, 1)
	atomic.AddUint64(&ps.streamsErrors, 1)
}

func (m *Metrics) providerNames() []string {
	m.providerMu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.providerMu.RUnlock()
	sort.Strings(names)
	return names
}

// Export 导出 Prometheus 格式指标。
func (m *Metrics) Export(namespace, subsystem string) string {
	var sb strings.Builder
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	// 查询指标
	sb.WriteString(fmt.Sprintf("# HELP %s_queries_total Total number of RAG queries.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_queries_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_queries_total %d\n", prefix, atomic.LoadUint64(&m.queriesTotal)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_queries_cache_hits_total Number of embedding cache hits.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_queries_cache_hits_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_queries_cache_hits_total %d\n", prefix, atomic.LoadUint64(&m.queriesCacheHits)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_queries_cache_misses_total Number of embedding cache misses.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_queries_cache_misses_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_queries_cache_misses_total %d\n", prefix, atomic.LoadUint64(&m.queriesCacheMisses)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_queries_errors_total Number of query errors.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_queries_errors_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_queries_errors_total %d\n", prefix, atomic.LoadUint64(&m.queriesErrors)))
	sb.WriteString("\n")

	// 缓存命中率
	cacheHits := atomic.LoadUint64(&m.queriesCacheHits)
	cacheMisses := atomic.LoadUint64(&m.queriesCacheMisses)
	total := cacheHits + cacheMisses
	cacheHitRate := 0.0
	if total > 0 {
		cacheHitRate = float64(cacheHits) / float64(total)
	}
	sb.WriteString(fmt.Sprintf("# HELP %s_cache_hit_rate Embedding cache hit rate (0-1).\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_cache_hit_rate gauge\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_cache_hit_rate %.4f\n", prefix, cacheHitRate))
	sb.WriteString("\n")

	// 检索指标
	sb.WriteString(fmt.Sprintf("# HELP %s_retrieval_total Total number of retrievals.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_retrieval_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_retrieval_total %d\n", prefix, atomic.LoadUint64(&m.retrievalTotal)))
	sb.WriteString("\n")

	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	m.durationMu.Unlock()

	sb.WriteString(fmt.Sprintf("# HELP %s_retrieval_duration_seconds_total Total retrieval duration.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_retrieval_duration_seconds_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_retrieval_duration_seconds_total %.6f\n", prefix, retrievalDuration))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_retrieval_errors_total Number of retrieval errors.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_retrieval_errors_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_retrieval_errors_total %d\n", prefix, atomic.LoadUint64(&m.retrievalErrors)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_retrieval_degraded_total Generations that proceeded without retrieved context.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_retrieval_degraded_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_retrieval_degraded_total %d\n", prefix, atomic.LoadUint64(&m.retrievalDegraded)))
	sb.WriteString("\n")

	// 生成指标（按提供方）
	sb.WriteString(fmt.Sprintf("# HELP %s_streams_total Total streaming generations per provider.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_streams_total counter\n", prefix))
	names := m.providerNames()
	for _, name := range names {
		ps := m.provider(name)
		sb.WriteString(fmt.Sprintf("%s_streams_total{provider=%q} %d\n", prefix, name, atomic.LoadUint64(&ps.streamsTotal)))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_streams_errors_total Streaming generation errors per provider.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_streams_errors_total counter\n", prefix))
	for _, name := range names {
		ps := m.provider(name)
		sb.WriteString(fmt.Sprintf("%s_streams_errors_total{provider=%q} %d\n", prefix, name, atomic.LoadUint64(&ps.streamsErrors)))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_streams_stalled_total Streams aborted by the stall watchdog per provider.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_streams_stalled_total counter\n", prefix))
	for _, name := range names {
		ps := m.provider(name)
		sb.WriteString(fmt.Sprintf("%s_streams_stalled_total{provider=%q} %d\n", prefix, name, atomic.LoadUint64(&ps.streamsStalled)))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_tokens_emitted_total Token events emitted per provider.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_tokens_emitted_total counter\n", prefix))
	for _, name := range names {
		ps := m.provider(name)
		sb.WriteString(fmt.Sprintf("%s_tokens_emitted_total{provider=%q} %d\n", prefix, name, atomic.LoadUint64(&ps.tokensEmitted)))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_first_token_seconds_total Cumulative time to first token per provider.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_first_token_seconds_total counter\n", prefix))
	m.durationMu.Lock()
	for _, name := range names {
		ps := m.provider(name)
		sb.WriteString(fmt.Sprintf("%s_first_token_seconds_total{provider=%q} %.6f\n", prefix, name, ps.firstTokenTotal))
	}
	m.durationMu.Unlock()
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_failovers_total Number of provider failovers.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_failovers_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_failovers_total %d\n", prefix, atomic.LoadUint64(&m.failoversTotal)))
	sb.WriteString("\n")

	// 熔断器指标
	sb.WriteString(fmt.Sprintf("# HELP %s_circuit_breaker_opens_total Number of circuit breaker opens.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_circuit_breaker_opens_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_circuit_breaker_opens_total %d\n", prefix, atomic.LoadUint64(&m.circuitBreakerOpens)))
	sb.WriteString("\n")

	// 索引指标
	sb.WriteString(fmt.Sprintf("# HELP %s_documents_indexed_total Total documents indexed.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_documents_indexed_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_documents_indexed_total %d\n", prefix, atomic.LoadUint64(&m.documentsIndexed)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_chunks_indexed_total Total chunks indexed.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_chunks_indexed_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_chunks_indexed_total %d\n", prefix, atomic.LoadUint64(&m.chunksIndexed)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_index_errors_total Number of indexing errors.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_index_errors_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_index_errors_total %d\n", prefix, atomic.LoadUint64(&m.indexErrors)))
	sb.WriteString("\n")

	// 会话指标
	sb.WriteString(fmt.Sprintf("# HELP %s_sessions_created_total Total sessions created.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_sessions_created_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_sessions_created_total %d\n", prefix, atomic.LoadUint64(&m.sessionsCreated)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("# HELP %s_sessions_swept_total Expired sessions removed by the sweeper.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_sessions_swept_total counter\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_sessions_swept_total %d\n", prefix, atomic.LoadUint64(&m.sessionsSwept)))
	sb.WriteString("\n")

	// 运行时间
	uptime := time.Since(m.startTime).Seconds()
	sb.WriteString(fmt.Sprintf("# HELP %s_uptime_seconds Service uptime in seconds.\n", prefix))
	sb.WriteString(fmt.Sprintf("# TYPE %s_uptime_seconds gauge\n", prefix))
	sb.WriteString(fmt.Sprintf("%s_uptime_seconds %.2f\n", prefix, uptime))
	sb.WriteString("\n")

	return sb.String()
}

// Stats 返回当前统计信息（用于 API）。
func (m *Metrics) Stats() map[string]interface{} {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	m.durationMu.Unlock()

	cacheHits := atomic.LoadUint64(&m.queriesCacheHits)
	cacheMisses := atomic.LoadUint64(&m.queriesCacheMisses)
	cacheTotal := cacheHits + cacheMisses
	cacheHitRate := 0.0
	if cacheTotal > 0 {
		cacheHitRate = float64(cacheHits) / float64(cacheTotal)
	}

	retrievalTotal := atomic.LoadUint64(&m.retrievalTotal)
	avgRetrievalDuration := 0.0
	if retrievalTotal > 0 {
		avgRetrievalDuration = retrievalDuration / float64(retrievalTotal)
	}

	providers := make(map[string]interface{})
	for _, name := range m.providerNames() {
		ps := m.provider(name)

		m.durationMu.Lock()
		firstTokenTotal := ps.firstTokenTotal
		streamDuration := ps.streamDuration
		m.durationMu.Unlock()

		firstTokenCount := atomic.LoadUint64(&ps.firstTokenCount)
		avgFirstToken := 0.0
		if firstTokenCount > 0 {
			avgFirstToken = firstTokenTotal / float64(firstTokenCount)
		}

		providers[name] = map[string]interface{}{
			"streams_total":          atomic.LoadUint64(&ps.streamsTotal),
			"streams_errors":         atomic.LoadUint64(&ps.streamsErrors),
			"streams_stalled":        atomic.LoadUint64(&ps.streamsStalled),
			"tokens_emitted":         atomic.LoadUint64(&ps.tokensEmitted),
			"avg_first_token_secs":   avgFirstToken,
			"stream_duration_secs":   streamDuration,
		}
	}

	return map[string]interface{}{
		"queries": map[string]interface{}{
			"total":          atomic.LoadUint64(&m.queriesTotal),
			"cache_hits":     cacheHits,
			"cache_misses":   cacheMisses,
			"cache_hit_rate": cacheHitRate,
			"errors":         atomic.LoadUint64(&m.queriesErrors),
		},
		"retrieval": map[string]interface{}{
			"total":               retrievalTotal,
			"degraded":            atomic.LoadUint64(&m.retrievalDegraded),
			"total_duration_secs": retrievalDuration,
			"avg_duration_secs":   avgRetrievalDuration,
			"errors":              atomic.LoadUint64(&m.retrievalErrors),
		},
		"generation": map[string]interface{}{
			"providers": providers,
			"failovers": atomic.LoadUint64(&m.failoversTotal),
		},
		"circuit_breaker": map[string]interface{}{
			"opens": atomic.LoadUint64(&m.circuitBreakerOpens),
		},
		"indexing": map[string]interface{}{
			"documents_indexed": atomic.LoadUint64(&m.documentsIndexed),
			"chunks_indexed":    atomic.LoadUint64(&m.chunksIndexed),
			"errors":            atomic.LoadUint64(&m.indexErrors),
		},
		"sessions": map[string]interface{}{
			"created": atomic.LoadUint64(&m.sessionsCreated),
			"swept":   atomic.LoadUint64(&m.sessionsSwept),
		},
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

// Reset 重置所有指标（仅用于测试）。
func (m *Metrics) Reset() {
	atomic.StoreUint64(&m.queriesTotal, 0)
	atomic.StoreUint64(&m.queriesCacheHits, 0)
	atomic.StoreUint64(&m.queriesCacheMisses, 0)
	atomic.StoreUint64(&m.queriesErrors, 0)
	atomic.StoreUint64(&m.retrievalTotal, 0)
	atomic.StoreUint64(&m.retrievalDegraded, 0)
	atomic.StoreUint64(&m.retrievalErrors, 0)
	atomic.StoreUint64(&m.failoversTotal, 0)
	atomic.StoreUint64(&m.circuitBreakerOpens, 0)
	atomic.StoreUint64(&m.documentsIndexed, 0)
	atomic.StoreUint64(&m.chunksIndexed, 0)
	atomic.StoreUint64(&m.indexErrors, 0)
	atomic.StoreUint64(&m.sessionsCreated, 0)
	atomic.StoreUint64(&m.sessionsSwept, 0)

	m.providerMu.Lock()
	m.providers = make(map[string]*providerStats)
	m.providerMu.Unlock()

	m.durationMu.Lock()
	m.retrievalDuration = 0
	m.startTime = time.Now()
	m.durationMu.Unlock()
}
