package biz

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	defer sm.Stop()

	sess := sm.CreateSession("alice")
	if sess.ID == "" {
		t.Fatal("会话 ID 不应为空")
	}
	if sess.Status != SessionActive {
		t.Fatalf("新会话应当是 active, 实际 %s", sess.Status)
	}

	got, err := sm.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession 失败: %v", err)
	}
	if got.Owner != "alice" {
		t.Fatalf("Owner 不符: %s", got.Owner)
	}

	if _, err := sm.GetSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望 ErrSessionNotFound, 实际 %v", err)
	}

	if err := sm.UpdateSessionStatus(sess.ID, SessionCompleted); err != nil {
		t.Fatalf("完成会话失败: %v", err)
	}

	// 终态不可再变更
	if err := sm.UpdateSessionStatus(sess.ID, SessionCancelled); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("终态会话变更应当被拒绝, 实际 %v", err)
	}

	// 非活跃会话不再接受新请求
	if _, err := sm.CreatePrompt(sess.ID, "hello", ""); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("期望 ErrSessionNotActive, 实际 %v", err)
	}
}

func TestCreatePromptIdempotent(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	defer sm.Stop()

	sess := sm.CreateSession("")

	first, err := sm.CreatePrompt(sess.ID, "什么是向量检索", "key-1")
	if err != nil {
		t.Fatalf("CreatePrompt 失败: %v", err)
	}
	again, err := sm.CreatePrompt(sess.ID, "什么是向量检索", "key-1")
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("相同幂等键应当返回同一请求: %s != %s", again.ID, first.ID)
	}

	other, err := sm.CreatePrompt(sess.ID, "什么是向量检索", "key-2")
	if err != nil {
		t.Fatalf("CreatePrompt 失败: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("不同幂等键应当创建新请求")
	}

	// 不带幂等键的提交各自独立
	a, _ := sm.CreatePrompt(sess.ID, "q", "")
	b, _ := sm.CreatePrompt(sess.ID, "q", "")
	if a.ID == b.ID {
		t.Fatal("无幂等键的提交不应复用请求")
	}
}

func TestCreatePromptIdempotentConcurrent(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	defer sm.Stop()

	sess := sm.CreateSession("")

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := sm.CreatePrompt(sess.ID, "concurrent", "same-key")
			if err != nil {
				t.Errorf("CreatePrompt 失败: %v", err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("并发提交产生了多个请求: %s != %s", ids[i], ids[0])
		}
	}
}

func TestPromptStatusTerminal(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	defer sm.Stop()

	sess := sm.CreateSession("")
	p, err := sm.CreatePrompt(sess.ID, "q", "")
	if err != nil {
		t.Fatalf("CreatePrompt 失败: %v", err)
	}

	if err := sm.UpdatePromptStatus(sess.ID, p.ID, PromptDone); err != nil {
		t.Fatalf("UpdatePromptStatus 失败: %v", err)
	}

	// 已终止的请求状态不再变化
	if err := sm.UpdatePromptStatus(sess.ID, p.ID, PromptError); err != nil {
		t.Fatalf("重复更新不应报错: %v", err)
	}
	got, err := sm.GetPrompt(sess.ID, p.ID)
	if err != nil {
		t.Fatalf("GetPrompt 失败: %v", err)
	}
	if got.Status != PromptDone {
		t.Fatalf("终态请求不应被覆盖, 实际 %s", got.Status)
	}

	if err := sm.UpdatePromptStatus(sess.ID, "missing", PromptDone); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("期望 ErrPromptNotFound, 实际 %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	sm := NewSessionManager(50*time.Millisecond, nil)
	defer sm.Stop()

	expired := sm.CreateSession("")
	time.Sleep(80 * time.Millisecond)
	fresh := sm.CreateSession("")

	removed := sm.CleanupExpired()
	if removed != 1 {
		t.Fatalf("应当清理 1 个会话, 实际 %d", removed)
	}
	if _, err := sm.GetSession(expired.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("过期会话应当被移除, 实际 %v", err)
	}
	if _, err := sm.GetSession(fresh.ID); err != nil {
		t.Fatalf("未过期会话不应被移除: %v", err)
	}
}

func TestSweeperStop(t *testing.T) {
	sm := NewSessionManager(10*time.Millisecond, nil)
	sm.StartSweeper(10 * time.Millisecond)

	sm.CreateSession("")
	time.Sleep(50 * time.Millisecond)

	sm.Stop()
	// Stop 可重复调用
	sm.Stop()

	if sm.Len() != 0 {
		t.Fatalf("清扫后应当无会话, 实际 %d", sm.Len())
	}
}

func TestPromptActivityExtendsSession(t *testing.T) {
	sm := NewSessionManager(80*time.Millisecond, nil)
	defer sm.Stop()

	sess := sm.CreateSession("")
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if _, err := sm.CreatePrompt(sess.ID, "keepalive", ""); err != nil {
			t.Fatalf("CreatePrompt 失败: %v", err)
		}
	}

	// 持续活动期间会话不应过期
	if removed := sm.CleanupExpired(); removed != 0 {
		t.Fatalf("活跃会话不应被清理, 实际清理 %d", removed)
	}
}
