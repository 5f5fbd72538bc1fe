// Package bus 进程内 pub/sub 总线。
//
// thread 引擎通过总线通知会话列表等外围模块, 两边互不 import:
//   - session:status-update     turn 开始/结束时的会话状态
//   - session:set-first-message 会话的首条用户消息 (标签候选)
//   - thread:changed            线程快照已发布新版本
//
// dashboard/sse.go 订阅 "*" 将全部消息转发给浏览器。
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/multi-agent/thread-engine/pkg/logger"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`  // session:status-update / thread:changed
	From      string          `json:"from"`   // 来源组件 ("thread" / "backend")
	Source    string          `json:"source"` // 关联 thread id
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// Topic 常量。
const (
	TopicSessionStatus       = "session:status-update"
	TopicSessionFirstMessage = "session:set-first-message"
	TopicThreadChanged       = "thread:changed"

	// TopicSession 会话相关 topic 的公共前缀。
	TopicSession = "session"
	// TopicThread 线程相关 topic 的公共前缀。
	TopicThread = "thread"
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("session" / "*")
	Ch     chan Message // 消息通道
}

// subscriberBuffer 每个订阅者的通道容量, 满时丢弃。
const subscriberBuffer = 64

// ========================================
// MessageBus: topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "session" → 收到 session:status-update, session:set-first-message
//   - 订阅 "*" → 收到所有消息
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	dropped     int64
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers {
		if !matchTopic(sub.Filter, msg.Topic) {
			continue
		}
		select {
		case sub.Ch <- msg:
		default:
			// 通道满, 丢弃 (避免阻塞发布者)
			b.dropped++
			logger.Debug("bus: subscriber full, message dropped",
				logger.FieldSubscriber, sub.ID, logger.FieldTopic, msg.Topic, logger.FieldSeq, msg.Seq)
		}
	}
	b.mu.Unlock()
}

// PublishJSON 序列化 payload 后发布。序列化失败只记日志。
func (b *MessageBus) PublishJSON(topic, from, source string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("bus: marshal payload failed", logger.FieldTopic, topic, logger.FieldError, err)
		return
	}
	b.Publish(Message{Topic: topic, From: from, Source: source, Payload: raw})
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("session" / "*")。同 id 重复订阅会替换旧订阅。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.Ch)
	}
	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, subscriberBuffer),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Dropped 返回因订阅者通道满而丢弃的消息数。
func (b *MessageBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "session" 匹配 "session", "session:status-update", "session.x"
//   - 分隔符 ':' 与 '.' 等价
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter {
		sep := topic[len(filter)]
		return sep == '.' || sep == ':'
	}
	return false
}
