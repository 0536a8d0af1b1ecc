package biz

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kart-io/ragserve/internal/ragserve/metrics"
	"github.com/kart-io/ragserve/pkg/llm"
)

// fakeStream 可编排的流式供应商。
type fakeStream struct {
	name      string
	tokens    []string
	endErr    error         // 非 nil 时发完 token 以错误结束
	hang      bool          // 发完 token 后挂起直到取消
	delay     time.Duration // 相邻 token 之间的间隔
	calls     atomic.Int32
	gotPrompt string
}

func (f *fakeStream) Stream(ctx context.Context, prompt, systemPrompt string) (<-chan llm.StreamChunk, error) {
	f.calls.Add(1)
	f.gotPrompt = prompt

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, tok := range f.tokens {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.StreamChunk{Content: tok, Role: llm.RoleAssistant, Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
		if f.hang {
			<-ctx.Done()
			return
		}
		if f.endErr != nil {
			select {
			case ch <- llm.StreamChunk{Err: f.endErr}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- llm.StreamChunk{Done: true, Timestamp: time.Now()}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (f *fakeStream) IsAvailable(ctx context.Context) bool { return true }
func (f *fakeStream) Name() string                         { return f.name }

func newTestOrchestrator(cfg OrchestratorConfig) (*Orchestrator, *SessionManager) {
	sm := NewSessionManager(time.Minute, nil)
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = 2 * time.Second
	}
	o := NewOrchestrator(nil, nil, sm, metrics.New(), cfg)
	return o, sm
}

func collectEvents(ch <-chan Event) []Event {
	var evs []Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func assertSeqGapFree(t *testing.T, evs []Event) {
	t.Helper()
	for i, ev := range evs {
		if ev.Seq != i {
			t.Fatalf("事件序号出现空洞: 位置 %d 序号 %d", i, ev.Seq)
		}
	}
}

func TestGenerateSingleProvider(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	o.RegisterProvider("ollama", &fakeStream{name: "ollama", tokens: []string{"Hello", " world"}})

	sess := sm.CreateSession("")
	prompt, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	evs := collectEvents(events)
	assertSeqGapFree(t, evs)
	if len(evs) != 3 {
		t.Fatalf("期望 3 个事件, 实际 %d: %+v", len(evs), evs)
	}
	if evs[0].Type != EventToken || evs[0].Text != "Hello" {
		t.Fatalf("首个事件不符: %+v", evs[0])
	}
	if evs[2].Type != EventDone || evs[2].Provider != "ollama" {
		t.Fatalf("末尾应当是 done 事件: %+v", evs[2])
	}

	p, err := sm.GetPrompt(sess.ID, prompt.ID)
	if err != nil {
		t.Fatalf("GetPrompt 失败: %v", err)
	}
	if p.Status != PromptDone {
		t.Fatalf("请求状态应当为 done, 实际 %s", p.Status)
	}
}

func TestGenerateFailover(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	primary := &fakeStream{name: "a", tokens: []string{"He", "llo"}, endErr: errors.New("upstream reset")}
	backup := &fakeStream{name: "b", tokens: []string{" world"}}
	o.RegisterProvider("a", primary)
	o.RegisterProvider("b", backup)

	sess := sm.CreateSession("")
	prompt, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	evs := collectEvents(events)
	assertSeqGapFree(t, evs)

	// 已发出的 token 不重发，序号跨供应商连续
	var text strings.Builder
	for _, ev := range evs {
		if ev.Type == EventToken {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "Hello world" {
		t.Fatalf("拼接文本不符: %q", text.String())
	}
	last := evs[len(evs)-1]
	if last.Type != EventDone || last.Provider != "b" {
		t.Fatalf("末尾事件应当来自备用供应商: %+v", last)
	}

	// 备用供应商应当收到续写提示而非原始问题
	if !strings.Contains(backup.gotPrompt, "Hello") {
		t.Fatalf("备用供应商未收到已生成的部分答案: %q", backup.gotPrompt)
	}

	p, _ := sm.GetPrompt(sess.ID, prompt.ID)
	if p.Status != PromptDone {
		t.Fatalf("请求状态应当为 done, 实际 %s", p.Status)
	}
}

func TestGenerateAllProvidersFail(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	o.RegisterProvider("a", &fakeStream{name: "a", endErr: errors.New("boom")})
	o.RegisterProvider("b", &fakeStream{name: "b", endErr: errors.New("boom")})

	sess := sm.CreateSession("")
	prompt, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	evs := collectEvents(events)
	assertSeqGapFree(t, evs)
	last := evs[len(evs)-1]
	if last.Type != EventError {
		t.Fatalf("末尾应当是 error 事件: %+v", last)
	}

	p, _ := sm.GetPrompt(sess.ID, prompt.ID)
	if p.Status != PromptError {
		t.Fatalf("请求状态应当为 error, 实际 %s", p.Status)
	}
}

func TestGenerateStallTimeout(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{StallTimeout: 100 * time.Millisecond})
	defer sm.Stop()

	// 发出一个 token 后挂起，触发停滞看门狗
	o.RegisterProvider("slow", &fakeStream{name: "slow", tokens: []string{"part"}, hang: true})

	sess := sm.CreateSession("")
	_, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	done := make(chan []Event, 1)
	go func() { done <- collectEvents(events) }()

	select {
	case evs := <-done:
		assertSeqGapFree(t, evs)
		last := evs[len(evs)-1]
		if last.Type != EventError {
			t.Fatalf("停滞后应当收到 error 事件: %+v", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("停滞看门狗未生效，通道长时间未关闭")
	}
}

func TestGenerateCancellation(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	o.RegisterProvider("slow", &fakeStream{
		name:   "slow",
		tokens: []string{"a", "b", "c", "d", "e"},
		delay:  50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sess := sm.CreateSession("")
	prompt, events, err := o.Generate(ctx, GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	// 收到第一个 token 后取消
	<-events
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				p, _ := sm.GetPrompt(sess.ID, prompt.ID)
				if p.Status != PromptCancelled {
					t.Fatalf("请求状态应当为 cancelled, 实际 %s", p.Status)
				}
				return
			}
		case <-deadline:
			t.Fatal("取消后通道应当尽快关闭")
		}
	}
}

func TestGenerateSkipsOpenCircuit(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	failing := &fakeStream{name: "flaky", endErr: errors.New("boom")}
	o.RegisterProvider("flaky", failing)

	sess := sm.CreateSession("")

	// 连续失败直到熔断
	for i := 0; i < 5; i++ {
		_, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
		if err != nil {
			t.Fatalf("Generate 失败: %v", err)
		}
		collectEvents(events)
	}
	calls := failing.calls.Load()
	if calls != 5 {
		t.Fatalf("熔断前应当调用 5 次, 实际 %d", calls)
	}

	// 熔断打开后直接跳过，不再触达供应商
	_, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}
	evs := collectEvents(events)
	if failing.calls.Load() != calls {
		t.Fatal("熔断打开后仍在调用供应商")
	}
	if evs[len(evs)-1].Type != EventError {
		t.Fatalf("无可用供应商时应当收到 error 事件: %+v", evs)
	}
}

func TestGenerateProviderOrderOverride(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{ProviderOrder: []string{"a", "b"}})
	defer sm.Stop()

	a := &fakeStream{name: "a", tokens: []string{"from a"}}
	b := &fakeStream{name: "b", tokens: []string{"from b"}}
	o.RegisterProvider("a", a)
	o.RegisterProvider("b", b)

	sess := sm.CreateSession("")
	_, events, err := o.Generate(context.Background(), GenerateRequest{
		SessionID: sess.ID,
		Prompt:    "hi",
		Providers: []string{"b"},
	})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	evs := collectEvents(events)
	if evs[0].Provider != "b" {
		t.Fatalf("请求级覆盖未生效, 实际供应商 %s", evs[0].Provider)
	}
	if a.calls.Load() != 0 {
		t.Fatal("覆盖顺序后不应触达供应商 a")
	}
}

func TestGenerateUnknownSession(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{})
	defer sm.Stop()

	o.RegisterProvider("a", &fakeStream{name: "a", tokens: []string{"x"}})

	_, _, err := o.Generate(context.Background(), GenerateRequest{SessionID: "missing", Prompt: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望 ErrSessionNotFound, 实际 %v", err)
	}
}

// countingStream 记录被编排器实际取走的 token 数。
type countingStream struct {
	name   string
	tokens int
	taken  atomic.Int32
}

func (c *countingStream) Stream(ctx context.Context, _, _ string) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i := 0; i < c.tokens; i++ {
			select {
			case ch <- llm.StreamChunk{Content: "tok", Role: llm.RoleAssistant, Timestamp: time.Now()}:
				c.taken.Add(1)
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (c *countingStream) IsAvailable(ctx context.Context) bool { return true }
func (c *countingStream) Name() string                         { return c.name }

func TestGenerateBackpressure(t *testing.T) {
	o, sm := newTestOrchestrator(OrchestratorConfig{BufferSize: 2})
	defer sm.Stop()

	p := &countingStream{name: "fast", tokens: 20}
	o.RegisterProvider("fast", p)

	sess := sm.CreateSession("")
	_, events, err := o.Generate(context.Background(), GenerateRequest{SessionID: sess.ID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate 失败: %v", err)
	}

	// 消费者不动时，生产侧最多推进 缓冲容量+在途 个 token
	time.Sleep(150 * time.Millisecond)
	if taken := p.taken.Load(); taken > 5 {
		t.Fatalf("背压失效: 消费前已取走 %d 个 token", taken)
	}

	evs := collectEvents(events)
	assertSeqGapFree(t, evs)
	if len(evs) != 21 {
		t.Fatalf("期望 21 个事件, 实际 %d", len(evs))
	}
	if evs[20].Type != EventDone {
		t.Fatalf("末尾应当是 done 事件: %+v", evs[20])
	}
}
