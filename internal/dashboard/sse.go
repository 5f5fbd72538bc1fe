// sse.go: 消息总线到 SSE 的桥接。
package dashboard

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// sseHandler 订阅总线 (默认 "*", 可用 ?topic= 过滤), 每条消息一个 SSE 事件, 事件名为 topic。
func (s *Server) sseHandler(c *gin.Context) {
	if s.deps.Bus == nil {
		fail(c, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	filter := c.DefaultQuery("topic", bus.TopicAll)
	clientID := "sse-" + uuid.NewString()
	sub := s.deps.Bus.Subscribe(clientID, filter)
	defer func() {
		s.deps.Bus.Unsubscribe(clientID)
		logger.Info("dashboard: SSE client disconnected", logger.FieldSubscriber, clientID)
	}()
	logger.Info("dashboard: SSE client connected", logger.FieldSubscriber, clientID, logger.FieldTopic, filter)

	// 先发出响应头, 客户端无需等到第一条事件
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	interval := s.deps.SSEKeepalive
	keepalive := time.NewTimer(interval)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return false
			}
			c.SSEvent(msg.Topic, msg)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(interval)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(interval)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
