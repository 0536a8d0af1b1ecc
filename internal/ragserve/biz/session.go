package biz

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragserve/internal/ragserve/metrics"
)

// 会话相关哨兵错误。
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrPromptNotFound   = errors.New("prompt not found")
)

// SessionStatus 会话状态。
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionError     SessionStatus = "error"
)

// terminal 终态会话不再接受任何状态变更。
func (s SessionStatus) terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionError
}

// PromptStatus 单次生成请求的状态。
type PromptStatus string

const (
	PromptInFlight  PromptStatus = "in_flight"
	PromptDone      PromptStatus = "done"
	PromptCancelled PromptStatus = "cancelled"
	PromptError     PromptStatus = "error"
)

// Session 一次对话会话。
type Session struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Prompt 会话内的一次生成请求。
type Prompt struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	Text           string       `json:"text"`
	Status         PromptStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// sessionEntry 会话及其请求历史，写操作由 entry 级锁串行化。
type sessionEntry struct {
	mu      sync.Mutex
	session Session
	prompts map[string]*Prompt // prompt ID -> prompt
	byKey   map[string]string  // 幂等键 -> prompt ID
}

// SessionManager 管理会话生命周期与幂等的请求创建。
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	ttl     time.Duration
	metrics *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionManager 创建会话管理器。metrics 可为 nil。
func NewSessionManager(ttl time.Duration, m *metrics.Metrics) *SessionManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionManager{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// CreateSession 创建新会话并返回快照。
func (sm *SessionManager) CreateSession(owner string) Session {
	now := time.Now()
	entry := &sessionEntry{
		session: Session{
			ID:        uuid.NewString(),
			Owner:     owner,
			Status:    SessionActive,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(sm.ttl),
		},
		prompts: make(map[string]*Prompt),
		byKey:   make(map[string]string),
	}

	sm.mu.Lock()
	sm.sessions[entry.session.ID] = entry
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordSessionCreated()
	}
	return entry.session
}

func (sm *SessionManager) entry(id string) (*sessionEntry, error) {
	sm.mu.RLock()
	entry, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entry, nil
}

// GetSession 返回会话快照。
func (sm *SessionManager) GetSession(id string) (Session, error) {
	entry, err := sm.entry(id)
	if err != nil {
		return Session{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

// ListSessions 返回全部会话快照。
func (sm *SessionManager) ListSessions() []Session {
	sm.mu.RLock()
	entries := make([]*sessionEntry, 0, len(sm.sessions))
	for _, entry := range sm.sessions {
		entries = append(entries, entry)
	}
	sm.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.session)
		entry.mu.Unlock()
	}
	return out
}

// CreatePrompt 在会话内创建一次生成请求。
// 相同幂等键重复提交返回已有请求，不创建新记录。
func (sm *SessionManager) CreatePrompt(sessionID, text, idempotencyKey string) (Prompt, error) {
	if strings.TrimSpace(text) == "" {
		return Prompt{}, fmt.Errorf("%w: prompt text", ErrEmptyField)
	}

	entry, err := sm.entry(sessionID)
	if err != nil {
		return Prompt{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status != SessionActive {
		return Prompt{}, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, entry.session.Status)
	}

	if idempotencyKey != "" {
		if id, ok := entry.byKey[idempotencyKey]; ok {
			return *entry.prompts[id], nil
		}
	}

	now := time.Now()
	p := &Prompt{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Text:           text,
		Status:         PromptInFlight,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	entry.prompts[p.ID] = p
	if idempotencyKey != "" {
		entry.byKey[idempotencyKey] = p.ID
	}

	// 有活动即续期
	entry.session.UpdatedAt = now
	entry.session.ExpiresAt = now.Add(sm.ttl)
	return *p, nil
}

// GetPrompt 返回请求快照。
func (sm *SessionManager) GetPrompt(sessionID, promptID string) (Prompt, error) {
	entry, err := sm.entry(sessionID)
	if err != nil {
		return Prompt{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	p, ok := entry.prompts[promptID]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	return *p, nil
}

// UpdatePromptStatus 更新请求状态。已终止的请求不再变更。
func (sm *SessionManager) UpdatePromptStatus(sessionID, promptID string, status PromptStatus) error {
	entry, err := sm.entry(sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	p, ok := entry.prompts[promptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	if p.Status != PromptInFlight {
		return nil
	}
	p.Status = status
	entry.session.UpdatedAt = time.Now()
	return nil
}

// UpdateSessionStatus 变更会话状态。仅允许从 active 迁出，终态不可变。
func (sm *SessionManager) UpdateSessionStatus(id string, status SessionStatus) error {
	entry, err := sm.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status.terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrSessionNotActive, id, entry.session.Status)
	}
	if status == SessionActive {
		return nil
	}
	entry.session.Status = status
	entry.session.UpdatedAt = time.Now()
	return nil
}

// DeleteSession 删除会话。
func (sm *SessionManager) DeleteSession(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(sm.sessions, id)
	return nil
}

// CleanupExpired 移除过期会话，返回移除数量。
func (sm *SessionManager) CleanupExpired() int {
	now := time.Now()

	sm.mu.Lock()
	var expired []string
	for id, entry := range sm.sessions {
		entry.mu.Lock()
		if now.After(entry.session.ExpiresAt) {
			expired = append(expired, id)
		}
		entry.mu.Unlock()
	}
	for _, id := range expired {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if len(expired) > 0 {
		logger.Infow("清理过期会话", "count", len(expired))
		if sm.metrics != nil {
			sm.metrics.RecordSessionsSwept(len(expired))
		}
	}
	return len(expired)
}

// StartSweeper 启动后台清扫协程，按 interval 周期清理过期会话。
func (sm *SessionManager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sm.CleanupExpired()
			case <-sm.stopCh:
				return
			}
		}
	}()
}

// Stop 停止后台清扫并等待退出。可重复调用。
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopCh)
	})
	sm.wg.Wait()
}

// Len 返回当前会话数。
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
