// Package session 维护会话列表: 订阅总线上的 session:* 消息,
// 记录每个 thread 的 turn 状态与首条消息标签。
package session

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/thread"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// SubscriberID 总线订阅 id。
const SubscriberID = "session-tracker"

const persistTimeout = 5 * time.Second

// Session 会话列表中的一项。
type Session struct {
	ThreadID     string    `json:"threadId"`
	Status       string    `json:"status"`
	TurnID       string    `json:"turnId,omitempty"`
	Error        string    `json:"error,omitempty"`
	FirstMessage string    `json:"firstMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Persister 可选的持久化后端, *store.SessionStore 满足它。
type Persister interface {
	UpsertStatus(ctx context.Context, threadID, status, turnID, errMsg string, at time.Time) error
	SetFirstMessage(ctx context.Context, threadID, text string, at time.Time) error
	Delete(ctx context.Context, threadID string) error
}

// Tracker 会话列表。
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	persist  Persister
	now      func() time.Time
}

// NewTracker 创建会话列表, persist 可为 nil。
func NewTracker(persist Persister) *Tracker {
	return &Tracker{
		sessions: make(map[string]*Session),
		persist:  persist,
		now:      time.Now,
	}
}

// Seed 载入已持久化的会话 (启动时), 不覆盖已有条目。
func (t *Tracker) Seed(sessions ...Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sessions {
		if s.ThreadID == "" {
			continue
		}
		if _, ok := t.sessions[s.ThreadID]; ok {
			continue
		}
		cp := s
		t.sessions[s.ThreadID] = &cp
	}
}

// Run 订阅总线直到 ctx 结束。
func (t *Tracker) Run(ctx context.Context, b *bus.MessageBus) error {
	sub := b.Subscribe(SubscriberID, bus.TopicSession)
	defer b.Unsubscribe(SubscriberID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			t.Apply(ctx, msg)
		}
	}
}

// Apply 处理一条总线消息。非 session 消息忽略。
func (t *Tracker) Apply(ctx context.Context, msg bus.Message) {
	switch msg.Topic {
	case bus.TopicSessionStatus:
		var up thread.StatusUpdate
		if err := json.Unmarshal(msg.Payload, &up); err != nil || up.ThreadID == "" {
			logger.Warn("session: bad status payload", logger.FieldTopic, msg.Topic, logger.FieldError, err)
			return
		}
		t.applyStatus(ctx, up)
	case bus.TopicSessionFirstMessage:
		var fm thread.FirstMessage
		if err := json.Unmarshal(msg.Payload, &fm); err != nil || fm.ThreadID == "" {
			logger.Warn("session: bad first-message payload", logger.FieldTopic, msg.Topic, logger.FieldError, err)
			return
		}
		t.applyFirstMessage(ctx, fm)
	}
}

func (t *Tracker) entryLocked(threadID string) *Session {
	s, ok := t.sessions[threadID]
	if !ok {
		s = &Session{ThreadID: threadID, Status: string(thread.TurnIdle)}
		t.sessions[threadID] = s
	}
	return s
}

func (t *Tracker) applyStatus(ctx context.Context, up thread.StatusUpdate) {
	now := t.now()
	t.mu.Lock()
	s := t.entryLocked(up.ThreadID)
	s.Status = string(up.Status)
	s.TurnID = up.TurnID
	s.Error = up.Error
	s.UpdatedAt = now
	t.mu.Unlock()

	if t.persist == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := t.persist.UpsertStatus(pctx, up.ThreadID, string(up.Status), up.TurnID, up.Error, now); err != nil {
		logger.Warn("session: persist status failed", logger.FieldThreadID, up.ThreadID, logger.FieldError, err)
	}
}

// applyFirstMessage 第一次提议生效, 之后的提议忽略。
func (t *Tracker) applyFirstMessage(ctx context.Context, fm thread.FirstMessage) {
	label := strings.TrimSpace(fm.Text)
	if label == "" {
		return
	}
	now := t.now()
	t.mu.Lock()
	s := t.entryLocked(fm.ThreadID)
	if s.FirstMessage != "" {
		t.mu.Unlock()
		return
	}
	s.FirstMessage = label
	s.UpdatedAt = now
	t.mu.Unlock()

	if t.persist == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := t.persist.SetFirstMessage(pctx, fm.ThreadID, label, now); err != nil {
		logger.Warn("session: persist first message failed", logger.FieldThreadID, fm.ThreadID, logger.FieldError, err)
	}
}

// Get 返回单个会话的副本。
func (t *Tracker) Get(threadID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[threadID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Forget 从列表与持久化中移除会话, 返回是否存在。
func (t *Tracker) Forget(ctx context.Context, threadID string) (bool, error) {
	t.mu.Lock()
	_, ok := t.sessions[threadID]
	delete(t.sessions, threadID)
	t.mu.Unlock()

	if t.persist == nil {
		return ok, nil
	}
	if err := t.persist.Delete(ctx, threadID); err != nil {
		return ok, err
	}
	return ok, nil
}

// List 按最近更新倒序返回会话副本。
func (t *Tracker) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ThreadID, b.ThreadID)
	})
	return out
}
