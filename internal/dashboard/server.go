// Package dashboard 是引擎的 HTTP 读写面: 线程快照、发送消息、审批、会话列表与 SSE。
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/thread-engine/internal/backend"
	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/session"
	"github.com/multi-agent/thread-engine/internal/store"
	"github.com/multi-agent/thread-engine/internal/thread"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// ThreadOpener 创建/恢复后端 thread, *backend.Client 满足它。
type ThreadOpener interface {
	StartThread(ctx context.Context, req backend.StartThreadRequest) (thread.ThreadInfo, error)
	ResumeThread(ctx context.Context, threadID string) (thread.ThreadInfo, error)
	ListThreads(ctx context.Context, limit int, cursor string) (backend.ThreadPage, error)
	Connected() bool
}

// AuditLister 审批审计查询, *store.ApprovalLogStore 满足它。
type AuditLister interface {
	List(ctx context.Context, f store.ApprovalFilter) ([]store.ApprovalLogEntry, error)
}

// Deps 聚合 handler 依赖。Threads / Audit 可为 nil。
type Deps struct {
	Engine       *thread.Engine
	Threads      ThreadOpener
	Sessions     *session.Tracker
	Audit        AuditLister
	Bus          *bus.MessageBus
	SSEKeepalive time.Duration
	AuditLimit   int
}

// Server Dashboard HTTP 服务。
type Server struct {
	router *gin.Engine
	deps   Deps
}

// NewServer 创建服务并注册路由。
func NewServer(deps Deps) *Server {
	if deps.SSEKeepalive <= 0 {
		deps.SSEKeepalive = 30 * time.Second
	}
	if deps.AuditLimit <= 0 {
		deps.AuditLimit = 100
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{router: r, deps: deps}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Serve 监听 addr 直到 ctx 结束, 随后优雅关闭。
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("dashboard: listening", logger.FieldAddr, addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
