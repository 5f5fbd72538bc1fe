// handler.go: 线程、会话、审批审计路由。
package dashboard

import (
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/thread-engine/internal/backend"
	"github.com/multi-agent/thread-engine/internal/session"
	"github.com/multi-agent/thread-engine/internal/store"
	"github.com/multi-agent/thread-engine/internal/thread"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/health", s.health)

	api.GET("/threads", s.listThreads)
	api.POST("/threads", s.startThread)
	api.GET("/threads/:id", s.getThread)
	api.DELETE("/threads/:id", s.closeThread)
	api.POST("/threads/:id/resume", s.resumeThread)
	api.PUT("/threads/:id/overrides", s.setOverrides)
	api.POST("/threads/:id/messages", s.sendMessage)
	api.POST("/threads/:id/interrupt", s.interrupt)
	api.POST("/threads/:id/approvals/:itemId", s.respondApproval)

	api.GET("/backend/threads", s.listBackendThreads)
	api.GET("/sessions", s.listSessions)
	api.DELETE("/sessions/:id", s.forgetSession)
	api.GET("/approvals/audit", s.listApprovalAudit)

	api.GET("/events", s.sseHandler)
}

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

func (s *Server) health(c *gin.Context) {
	connected := false
	if s.deps.Threads != nil {
		connected = s.deps.Threads.Connected()
	}
	st := s.deps.Engine.Store()
	out := gin.H{
		"backendConnected": connected,
		"globalError":      st.GlobalError(),
		"version":          st.Version(),
		"threads":          len(st.ThreadIDs()),
	}
	if s.deps.Bus != nil {
		out["busSeq"] = s.deps.Bus.Seq()
		out["busDropped"] = s.deps.Bus.Dropped()
	}
	success(c, out)
}

// ========================================
// Threads
// ========================================

type threadSummary struct {
	Thread           thread.ThreadInfo `json:"thread"`
	TurnStatus       thread.TurnStatus `json:"turnStatus"`
	CurrentTurnID    string            `json:"currentTurnId,omitempty"`
	ItemCount        int               `json:"itemCount"`
	PendingApprovals int               `json:"pendingApprovals"`
	QueuedMessages   int               `json:"queuedMessages"`
	Error            string            `json:"error,omitempty"`
	Closing          bool              `json:"closing"`
}

func (s *Server) listThreads(c *gin.Context) {
	st := s.deps.Engine.Store()
	snap := st.Snapshot()
	out := make([]threadSummary, 0, len(snap.Threads))
	for _, id := range slices.Sorted(maps.Keys(snap.Threads)) {
		ts := snap.Threads[id]
		out = append(out, threadSummary{
			Thread:           ts.Thread,
			TurnStatus:       ts.TurnStatus,
			CurrentTurnID:    ts.CurrentTurnID,
			ItemCount:        len(ts.ItemOrder),
			PendingApprovals: len(ts.PendingApprovals),
			QueuedMessages:   len(ts.QueuedMessages),
			Error:            ts.Error,
			Closing:          st.IsClosing(id),
		})
	}
	success(c, gin.H{
		"threads":     out,
		"globalError": snap.GlobalError,
		"version":     snap.Version,
	})
}

func (s *Server) getThread(c *gin.Context) {
	id := c.Param("id")
	st := s.deps.Engine.Store()
	ts, ok := st.Thread(id)
	if !ok {
		writeError(c, thread.ErrThreadNotFound)
		return
	}
	success(c, gin.H{
		"state":        ts,
		"items":        ts.OrderedItems(),
		"closing":      st.IsClosing(id),
		"operationSeq": st.OperationSeq(id),
	})
}

type startThreadBody struct {
	Cwd            string `json:"cwd"`
	Model          string `json:"model"`
	ModelProvider  string `json:"modelProvider"`
	Sandbox        string `json:"sandbox"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Effort         string `json:"effort"`
}

func (s *Server) startThread(c *gin.Context) {
	if s.deps.Threads == nil {
		fail(c, http.StatusServiceUnavailable, "unavailable", "agent backend not configured")
		return
	}
	var body startThreadBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	info, err := s.deps.Threads.StartThread(c.Request.Context(), backend.StartThreadRequest{
		Cwd:            body.Cwd,
		Model:          body.Model,
		ModelProvider:  body.ModelProvider,
		Sandbox:        body.Sandbox,
		ApprovalPolicy: body.ApprovalPolicy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if body.Effort != "" || body.ApprovalPolicy != "" {
		overrides := thread.SessionOverrides{ApprovalPolicy: body.ApprovalPolicy, Effort: body.Effort}
		if err := s.deps.Engine.SetSessionOverrides(info.ID, overrides); err != nil {
			logger.Warn("dashboard: set overrides on new thread failed",
				logger.FieldThreadID, info.ID, logger.FieldError, err)
		}
	}
	created(c, info)
}

func (s *Server) resumeThread(c *gin.Context) {
	if s.deps.Threads == nil {
		fail(c, http.StatusServiceUnavailable, "unavailable", "agent backend not configured")
		return
	}
	info, err := s.deps.Threads.ResumeThread(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, info)
}

func (s *Server) setOverrides(c *gin.Context) {
	var body thread.SessionOverrides
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.deps.Engine.SetSessionOverrides(c.Param("id"), body); err != nil {
		writeError(c, err)
		return
	}
	success(c, body)
}

type sendMessageBody struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := s.deps.Engine.SendMessage(c.Request.Context(), c.Param("id"), body.Text, body.Images)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, gin.H{"success": true, "data": res})
		return
	}
	success(c, res)
}

func (s *Server) interrupt(c *gin.Context) {
	if err := s.deps.Engine.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	success(c, gin.H{"threadId": c.Param("id")})
}

type approvalBody struct {
	Decision string `json:"decision"`
}

func (s *Server) respondApproval(c *gin.Context) {
	var body approvalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	decision, err := thread.ParseDecision(body.Decision)
	if err != nil {
		writeError(c, err)
		return
	}
	threadID, itemID := c.Param("id"), c.Param("itemId")
	if err := s.deps.Engine.RespondToApproval(c.Request.Context(), threadID, itemID, decision); err != nil {
		writeError(c, err)
		return
	}
	success(c, gin.H{"threadId": threadID, "itemId": itemID, "decision": decision})
}

func (s *Server) closeThread(c *gin.Context) {
	if err := s.deps.Engine.CloseThread(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	success(c, gin.H{"threadId": c.Param("id")})
}

func (s *Server) listBackendThreads(c *gin.Context) {
	if s.deps.Threads == nil {
		fail(c, http.StatusServiceUnavailable, "unavailable", "agent backend not configured")
		return
	}
	page, err := s.deps.Threads.ListThreads(c.Request.Context(), queryLimit(c, 50), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, page)
}

// ========================================
// Sessions / Audit
// ========================================

func (s *Server) listSessions(c *gin.Context) {
	if s.deps.Sessions == nil {
		success(c, []session.Session{})
		return
	}
	list := s.deps.Sessions.List()
	if limit := queryLimit(c, len(list)); limit < len(list) {
		list = list[:limit]
	}
	success(c, list)
}

func (s *Server) forgetSession(c *gin.Context) {
	if s.deps.Sessions == nil {
		notFound(c, "session not found")
		return
	}
	ok, err := s.deps.Sessions.Forget(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		notFound(c, "session not found")
		return
	}
	success(c, gin.H{"threadId": c.Param("id")})
}

func (s *Server) listApprovalAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		success(c, []store.ApprovalLogEntry{})
		return
	}
	f := store.ApprovalFilter{
		ThreadID: c.Query("threadId"),
		Outcome:  c.Query("outcome"),
		Decision: c.Query("decision"),
		Keyword:  strings.TrimSpace(c.Query("keyword")),
		Limit:    queryLimit(c, s.deps.AuditLimit),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	entries, err := s.deps.Audit.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	success(c, entries)
}
