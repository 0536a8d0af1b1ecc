package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/ragserve/internal/ragserve/metrics"
	"github.com/kart-io/ragserve/internal/ragserve/store"
	"github.com/kart-io/ragserve/pkg/llm"
	"github.com/kart-io/ragserve/pkg/llm/resilience"
)

// ErrNoProviderAvailable 所有生成供应商都不可用或已熔断。
var ErrNoProviderAvailable = errors.New("no stream provider available")

// errStreamStalled 流式生成停滞超时。
var errStreamStalled = errors.New("stream stalled")

// EventType 流式事件类型。
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event 推送给客户端的流式事件。Seq 在单次生成内从 0 严格递增且无空洞，
// 跨供应商切换时继续计数。
type Event struct {
	Type     EventType `json:"type"`
	Seq      int       `json:"seq"`
	Role     string    `json:"role,omitempty"`
	Text     string    `json:"text,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// GenerateRequest 一次流式生成请求。
type GenerateRequest struct {
	SessionID      string
	Prompt         string
	TopK           int
	Filter         *store.Filter
	Providers      []string // 为空时用配置顺序，配置也为空时用注册顺序
	IdempotencyKey string
}

// OrchestratorConfig 编排器配置。
type OrchestratorConfig struct {
	SystemPrompt  string
	TopK          int
	ProviderOrder []string
	StallTimeout  time.Duration
	BufferSize    int
}

// streamCandidate 带独立熔断器的生成供应商。
type streamCandidate struct {
	name     string
	provider llm.StreamProvider
	breaker  *resilience.CircuitBreaker
}

// Orchestrator 编排检索增强的流式生成：检索上下文、按序尝试供应商、
// 流中途失败时切换下一家并保持事件序号连续。
type Orchestrator struct {
	embedder llm.EmbeddingProvider // 可为 nil，检索随之降级
	searcher *Searcher             // 可为 nil
	sessions *SessionManager
	metrics  *metrics.Metrics
	cfg      OrchestratorConfig

	mu         sync.RWMutex
	order      []string // 注册顺序
	candidates map[string]*streamCandidate
}

// NewOrchestrator 创建编排器。embedder、searcher、m 均可为 nil。
func NewOrchestrator(embedder llm.EmbeddingProvider, searcher *Searcher, sessions *SessionManager, m *metrics.Metrics, cfg OrchestratorConfig) *Orchestrator {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 60 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Orchestrator{
		embedder:   embedder,
		searcher:   searcher,
		sessions:   sessions,
		metrics:    m,
		cfg:        cfg,
		candidates: make(map[string]*streamCandidate),
	}
}

// RegisterProvider 注册生成供应商，每家供应商持有独立熔断器。
func (o *Orchestrator) RegisterProvider(name string, p llm.StreamProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.candidates[name]; !ok {
		o.order = append(o.order, name)
	}
	o.candidates[name] = &streamCandidate{
		name:     name,
		provider: p,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

// Providers 返回按注册顺序排列的供应商名称。
func (o *Orchestrator) Providers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// resolveCandidates 解析本次请求的供应商尝试顺序：
// 请求覆盖 > 配置顺序 > 注册顺序。未注册的名字被忽略。
func (o *Orchestrator) resolveCandidates(override []string) []*streamCandidate {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := override
	if len(names) == 0 {
		names = o.cfg.ProviderOrder
	}
	if len(names) == 0 {
		names = o.order
	}

	out := make([]*streamCandidate, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if cand, ok := o.candidates[name]; ok {
			out = append(out, cand)
		}
	}
	return out
}

// Generate 启动一次流式生成。返回已创建（或幂等复用）的请求记录和事件通道。
// 通道带缓冲，写满后生产端阻塞形成背压；ctx 取消后通道很快关闭。
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (Prompt, <-chan Event, error) {
	prompt, err := o.sessions.CreatePrompt(req.SessionID, req.Prompt, req.IdempotencyKey)
	if err != nil {
		return Prompt{}, nil, err
	}

	cands := o.resolveCandidates(req.Providers)
	if len(cands) == 0 {
		_ = o.sessions.UpdatePromptStatus(req.SessionID, prompt.ID, PromptError)
		return prompt, nil, ErrNoProviderAvailable
	}

	contextBlock := o.retrieveContext(ctx, req)
	systemPrompt := o.cfg.SystemPrompt
	if contextBlock != "" {
		systemPrompt = systemPrompt + "\n\nContext documents:\n" + contextBlock
	}

	events := make(chan Event, o.cfg.BufferSize)
	go o.run(ctx, prompt, cands, req.Prompt, systemPrompt, events)
	return prompt, events, nil
}

// retrieveContext 检索与问题最相关的文档并拼装上下文块。
// 检索失败不阻断生成，降级为空上下文。
func (o *Orchestrator) retrieveContext(ctx context.Context, req GenerateRequest) string {
	if o.embedder == nil || o.searcher == nil {
		return ""
	}

	start := time.Now()
	vector, err := o.embedder.EmbedSingle(ctx, req.Prompt)
	if err != nil {
		logger.Warnw("查询嵌入失败，降级为无上下文生成", "error", err)
		if o.metrics != nil {
			o.metrics.RecordRetrieval(time.Since(start), err)
			o.metrics.RecordDegradedGeneration()
		}
		return ""
	}

	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	docs, err := o.searcher.QueryNearest(ctx, vector, topK, req.Filter)
	if err != nil {
		logger.Warnw("向量检索失败，降级为无上下文生成", "error", err)
		if o.metrics != nil {
			o.metrics.RecordRetrieval(time.Since(start), err)
			o.metrics.RecordDegradedGeneration()
		}
		return ""
	}
	if o.metrics != nil {
		o.metrics.RecordRetrieval(time.Since(start), nil)
	}
	if len(docs) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, d := range docs {
		sb.WriteString(fmt.Sprintf("[%d] %s %s (score %.4f)\n", i+1, d.Document.RepoURL, d.Document.FilePath, d.Score))
		sb.WriteString(d.Document.Text)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// continuationPrompt 供应商切换后的续写提示。已发出的内容不会重发，
// 由下一家供应商在其基础上继续。
func continuationPrompt(userPrompt, emitted string) string {
	if emitted == "" {
		return userPrompt
	}
	return userPrompt +
		"\n\nA previous attempt produced the following partial answer. Continue it seamlessly without repeating any of it:\n" +
		emitted
}

func (o *Orchestrator) run(ctx context.Context, prompt Prompt, cands []*streamCandidate, userPrompt, systemPrompt string, events chan<- Event) {
	defer close(events)

	seq := 0
	var emitted strings.Builder

	// 阻塞写带缓冲通道形成背压，取消时放弃写入
	emit := func(ev Event) bool {
		ev.Seq = seq
		select {
		case events <- ev:
			seq++
			return true
		case <-ctx.Done():
			return false
		}
	}

	var lastErr error
	attempted := false
	for i, cand := range cands {
		if cand.breaker.State() == resilience.StateOpen {
			logger.Debugw("跳过已熔断的供应商", "provider", cand.name)
			continue
		}
		if attempted {
			if o.metrics != nil {
				o.metrics.RecordFailover()
			}
			logger.Warnw("切换生成供应商", "provider", cand.name, "attempt", i+1, "error", lastErr)
		}
		attempted = true

		cancelled := false
		execErr := cand.breaker.Execute(func() error {
			err := o.streamOne(ctx, cand, continuationPrompt(userPrompt, emitted.String()), systemPrompt, emit, &emitted)
			if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
				// 客户端取消不计入熔断
				cancelled = true
				return nil
			}
			return err
		})

		if cancelled || ctx.Err() != nil {
			_ = o.sessions.UpdatePromptStatus(prompt.SessionID, prompt.ID, PromptCancelled)
			return
		}
		if execErr == nil {
			_ = o.sessions.UpdatePromptStatus(prompt.SessionID, prompt.ID, PromptDone)
			return
		}
		if errors.Is(execErr, resilience.ErrCircuitBreakerOpen) {
			continue
		}

		lastErr = execErr
		if o.metrics != nil {
			if errors.Is(execErr, errStreamStalled) {
				o.metrics.RecordStreamStall(cand.name)
			} else {
				o.metrics.RecordStreamError(cand.name)
			}
			if cand.breaker.State() == resilience.StateOpen {
				o.metrics.RecordCircuitBreakerOpen()
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrNoProviderAvailable
	}
	logger.Errorw("所有生成供应商均失败", "session", prompt.SessionID, "prompt", prompt.ID, "error", lastErr)
	emit(Event{Type: EventError, Role: string(llm.RoleAssistant), Text: lastErr.Error()})
	_ = o.sessions.UpdatePromptStatus(prompt.SessionID, prompt.ID, PromptError)
}

// streamOne 消费单个供应商的流。每个增量之间有停滞看门狗，
// 超时即中止本次尝试交给上层切换。
func (o *Orchestrator) streamOne(ctx context.Context, cand *streamCandidate, prompt, systemPrompt string, emit func(Event) bool, emitted *strings.Builder) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.metrics != nil {
		o.metrics.RecordStreamStart(cand.name)
	}
	start := time.Now()

	chunks, err := cand.provider.Stream(attemptCtx, prompt, systemPrompt)
	if err != nil {
		return fmt.Errorf("provider %s: %w", cand.name, err)
	}

	stall := time.NewTimer(o.cfg.StallTimeout)
	defer stall.Stop()

	firstToken := true
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return fmt.Errorf("provider %s: %w", cand.name, errors.New("stream closed before completion"))
			}
			if chunk.Err != nil {
				return fmt.Errorf("provider %s: %w", cand.name, chunk.Err)
			}

			if chunk.Content != "" {
				if firstToken {
					firstToken = false
					if o.metrics != nil {
						o.metrics.RecordFirstToken(cand.name, time.Since(start))
					}
				}
				emitted.WriteString(chunk.Content)
				if !emit(Event{Type: EventToken, Role: string(llm.RoleAssistant), Text: chunk.Content, Provider: cand.name}) {
					return ctx.Err()
				}
				if o.metrics != nil {
					o.metrics.RecordTokens(cand.name, 1)
				}
			}
			if chunk.Done {
				if !emit(Event{Type: EventDone, Role: string(llm.RoleAssistant), Provider: cand.name}) {
					return ctx.Err()
				}
				if o.metrics != nil {
					o.metrics.RecordStreamComplete(cand.name, time.Since(start))
				}
				return nil
			}

			// 看门狗从本增量消费完毕起算，下游背压不计为供应商停滞
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(o.cfg.StallTimeout)

		case <-stall.C:
			cancel()
			return fmt.Errorf("provider %s: %w after %s", cand.name, errStreamStalled, o.cfg.StallTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
