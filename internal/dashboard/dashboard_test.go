package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/thread-engine/internal/backend"
	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/session"
	"github.com/multi-agent/thread-engine/internal/store"
	"github.com/multi-agent/thread-engine/internal/thread"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStarter struct {
	mu     sync.Mutex
	starts int
}

func (f *fakeStarter) StartTurn(context.Context, string, thread.QueuedMessage, thread.SessionOverrides) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return fmt.Sprintf("turn-%d", f.starts), nil
}

func (f *fakeStarter) InterruptTurn(context.Context, string, string) error { return nil }

type fakeResponder struct {
	mu        sync.Mutex
	responses []thread.ApprovalResponse
}

func (f *fakeResponder) RespondToApproval(_ context.Context, resp thread.ApprovalResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

type fakeOpener struct {
	engine *thread.Engine
	req    backend.StartThreadRequest
}

func (f *fakeOpener) StartThread(_ context.Context, req backend.StartThreadRequest) (thread.ThreadInfo, error) {
	f.req = req
	info := thread.ThreadInfo{ID: "thr-new", Cwd: req.Cwd, Model: req.Model}
	return info, f.engine.AddThread(info)
}

func (f *fakeOpener) ResumeThread(_ context.Context, threadID string) (thread.ThreadInfo, error) {
	if threadID == "gone" {
		return thread.ThreadInfo{}, apperrors.WithCode(apperrors.ErrNotFound, "test", apperrors.CodeNotFound, "no such thread")
	}
	info := thread.ThreadInfo{ID: threadID}
	return info, f.engine.AddThread(info)
}

func (f *fakeOpener) ListThreads(context.Context, int, string) (backend.ThreadPage, error) {
	return backend.ThreadPage{Threads: []thread.ThreadInfo{{ID: "old-1"}}, NextCursor: "c2"}, nil
}

func (f *fakeOpener) Connected() bool { return true }

type fakeAudit struct {
	filter store.ApprovalFilter
}

func (f *fakeAudit) List(_ context.Context, filter store.ApprovalFilter) ([]store.ApprovalLogEntry, error) {
	f.filter = filter
	return []store.ApprovalLogEntry{{ID: 1, ThreadID: filter.ThreadID, Decision: "approve"}}, nil
}

type rig struct {
	engine    *thread.Engine
	starter   *fakeStarter
	responder *fakeResponder
	opener    *fakeOpener
	audit     *fakeAudit
	bus       *bus.MessageBus
	server    *Server
}

func newRig(t *testing.T) *rig {
	t.Helper()
	engine := thread.NewEngine(thread.DefaultOptions())
	r := &rig{
		engine:    engine,
		starter:   &fakeStarter{},
		responder: &fakeResponder{},
		opener:    &fakeOpener{engine: engine},
		audit:     &fakeAudit{},
		bus:       bus.NewMessageBus(),
	}
	engine.SetTurnStarter(r.starter)
	engine.SetApprovalResponder(r.responder)
	engine.SetPublisher(r.bus)
	r.server = NewServer(Deps{
		Engine:       engine,
		Threads:      r.opener,
		Sessions:     session.NewTracker(nil),
		Audit:        r.audit,
		Bus:          r.bus,
		SSEKeepalive: time.Second,
	})
	t.Cleanup(func() {
		for _, id := range engine.Store().ThreadIDs() {
			_ = engine.CloseThread(context.Background(), id)
		}
	})
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *rig) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.server.Engine().ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func (r *rig) addThread(t *testing.T, id string) {
	t.Helper()
	if err := r.engine.AddThread(thread.ThreadInfo{ID: id, Cwd: "/work"}); err != nil {
		t.Fatalf("AddThread: %v", err)
	}
}

func TestListAndGetThreads(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t2")
	r.addThread(t, "t1")

	code, env := r.do(t, http.MethodGet, "/api/threads", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("list: code=%d env=%+v", code, env)
	}
	var list struct {
		Threads []threadSummary `json:"threads"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Threads) != 2 || list.Threads[0].Thread.ID != "t1" || list.Threads[1].Thread.ID != "t2" {
		t.Fatalf("threads = %+v, want t1,t2", list.Threads)
	}
	if list.Threads[0].TurnStatus != thread.TurnIdle {
		t.Fatalf("turnStatus = %q, want idle", list.Threads[0].TurnStatus)
	}

	if code, _ := r.do(t, http.MethodGet, "/api/threads/t1", nil); code != http.StatusOK {
		t.Fatalf("get t1: code=%d", code)
	}
	code, env = r.do(t, http.MethodGet, "/api/threads/missing", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "not_found" {
		t.Fatalf("get missing: code=%d env=%+v", code, env)
	}
}

func TestSendMessageStartsThenQueues(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t1")

	code, env := r.do(t, http.MethodPost, "/api/threads/t1/messages", gin.H{"text": "hello"})
	if code != http.StatusOK {
		t.Fatalf("first send: code=%d env=%+v", code, env)
	}
	var res thread.SendResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Queued || res.TurnID != "turn-1" {
		t.Fatalf("first send result = %+v", res)
	}

	code, env = r.do(t, http.MethodPost, "/api/threads/t1/messages", gin.H{"text": "again"})
	if code != http.StatusAccepted {
		t.Fatalf("second send: code=%d env=%+v", code, env)
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Queued || res.QueueLength != 1 {
		t.Fatalf("second send result = %+v", res)
	}

	if code, _ := r.do(t, http.MethodPost, "/api/threads/t1/messages", gin.H{"text": "  "}); code != http.StatusBadRequest {
		t.Fatalf("empty send: code=%d, want 400", code)
	}
	if code, _ := r.do(t, http.MethodPost, "/api/threads/nope/messages", gin.H{"text": "x"}); code != http.StatusNotFound {
		t.Fatalf("unknown thread send: code=%d, want 404", code)
	}
}

func TestInterruptWithoutTurnConflicts(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t1")

	code, env := r.do(t, http.MethodPost, "/api/threads/t1/interrupt", nil)
	if code != http.StatusConflict || env.Error == nil || env.Error.Code != "conflict" {
		t.Fatalf("interrupt idle: code=%d env=%+v", code, env)
	}
}

func TestRespondApproval(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t1")
	r.engine.Dispatch(thread.Event{
		Kind:     thread.EventTurnStarted,
		ThreadID: "t1",
		TurnID:   "turn-a",
		Params:   map[string]any{"turn": map[string]any{"id": "turn-a"}},
	})
	reqID := int64(9)
	r.engine.Dispatch(thread.Event{
		Kind:      thread.EventCommandApprovalRequest,
		ThreadID:  "t1",
		TurnID:    "turn-a",
		ItemID:    "cmd-1",
		RequestID: &reqID,
		Params:    map[string]any{"command": "ls"},
	})

	if code, _ := r.do(t, http.MethodPost, "/api/threads/t1/approvals/cmd-1", gin.H{"decision": "maybe"}); code != http.StatusBadRequest {
		t.Fatalf("bad decision: code=%d, want 400", code)
	}
	if code, _ := r.do(t, http.MethodPost, "/api/threads/t1/approvals/other", gin.H{"decision": "approve"}); code != http.StatusNotFound {
		t.Fatalf("unknown item: code=%d, want 404", code)
	}

	code, env := r.do(t, http.MethodPost, "/api/threads/t1/approvals/cmd-1", gin.H{"decision": "accept"})
	if code != http.StatusOK {
		t.Fatalf("approve: code=%d env=%+v", code, env)
	}
	r.responder.mu.Lock()
	defer r.responder.mu.Unlock()
	if len(r.responder.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(r.responder.responses))
	}
	got := r.responder.responses[0]
	if got.Decision != thread.DecisionApprove || got.RequestID != 9 {
		t.Fatalf("response = %+v", got)
	}
}

func TestStartResumeAndCloseThread(t *testing.T) {
	r := newRig(t)

	code, env := r.do(t, http.MethodPost, "/api/threads", gin.H{"cwd": "/repo", "model": "m1", "effort": "high"})
	if code != http.StatusCreated {
		t.Fatalf("start: code=%d env=%+v", code, env)
	}
	if r.opener.req.Cwd != "/repo" || r.opener.req.Model != "m1" {
		t.Fatalf("start request = %+v", r.opener.req)
	}
	st, ok := r.engine.Store().Thread("thr-new")
	if !ok {
		t.Fatal("started thread not registered")
	}
	if st.SessionOverrides.Effort != "high" {
		t.Fatalf("overrides = %+v, want effort high", st.SessionOverrides)
	}

	if code, _ := r.do(t, http.MethodPost, "/api/threads/t-old/resume", nil); code != http.StatusOK {
		t.Fatalf("resume: code=%d", code)
	}
	if _, ok := r.engine.Store().Thread("t-old"); !ok {
		t.Fatal("resumed thread not registered")
	}
	if code, _ := r.do(t, http.MethodPost, "/api/threads/gone/resume", nil); code != http.StatusNotFound {
		t.Fatalf("resume missing: code=%d, want 404", code)
	}

	if code, _ := r.do(t, http.MethodDelete, "/api/threads/thr-new", nil); code != http.StatusOK {
		t.Fatalf("close: code=%d", code)
	}
	if _, ok := r.engine.Store().Thread("thr-new"); ok {
		t.Fatal("closed thread still in store")
	}
	if code, _ := r.do(t, http.MethodDelete, "/api/threads/thr-new", nil); code != http.StatusNotFound {
		t.Fatalf("close twice: code=%d, want 404", code)
	}
}

func TestStartThreadWithoutBackend(t *testing.T) {
	r := newRig(t)
	r.server = NewServer(Deps{Engine: r.engine})

	code, env := r.do(t, http.MethodPost, "/api/threads", gin.H{})
	if code != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "unavailable" {
		t.Fatalf("start without backend: code=%d env=%+v", code, env)
	}
	code, env = r.do(t, http.MethodGet, "/api/approvals/audit", nil)
	if code != http.StatusOK || string(env.Data) != "[]" {
		t.Fatalf("audit without store: code=%d data=%s", code, env.Data)
	}
}

func TestSetOverrides(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t1")

	body := thread.SessionOverrides{Model: "m2", ApprovalPolicy: "never"}
	if code, _ := r.do(t, http.MethodPut, "/api/threads/t1/overrides", body); code != http.StatusOK {
		t.Fatalf("set overrides: code=%d", code)
	}
	st, _ := r.engine.Store().Thread("t1")
	if st.SessionOverrides != body {
		t.Fatalf("overrides = %+v, want %+v", st.SessionOverrides, body)
	}
}

func TestApprovalAuditFilter(t *testing.T) {
	r := newRig(t)

	code, env := r.do(t, http.MethodGet,
		"/api/approvals/audit?threadId=t1&outcome=responded&limit=5&since=2026-01-02T03:04:05Z", nil)
	if code != http.StatusOK {
		t.Fatalf("audit: code=%d env=%+v", code, env)
	}
	f := r.audit.filter
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if f.ThreadID != "t1" || f.Outcome != "responded" || f.Limit != 5 || !f.Since.Equal(want) {
		t.Fatalf("filter = %+v", f)
	}

	if code, _ := r.do(t, http.MethodGet, "/api/approvals/audit?since=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad since: code=%d, want 400", code)
	}
}

func TestListBackendThreads(t *testing.T) {
	r := newRig(t)

	code, env := r.do(t, http.MethodGet, "/api/backend/threads?limit=10", nil)
	if code != http.StatusOK {
		t.Fatalf("backend threads: code=%d", code)
	}
	var page backend.ThreadPage
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Threads) != 1 || page.NextCursor != "c2" {
		t.Fatalf("page = %+v", page)
	}
}

func TestSessionsFollowBus(t *testing.T) {
	r := newRig(t)
	tracker := r.server.deps.Sessions
	tracker.Apply(context.Background(), busMessage(t, bus.TopicSessionStatus,
		thread.StatusUpdate{ThreadID: "t1", Status: thread.TurnRunning}))

	code, env := r.do(t, http.MethodGet, "/api/sessions", nil)
	if code != http.StatusOK {
		t.Fatalf("sessions: code=%d", code)
	}
	var list []session.Session
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ThreadID != "t1" || list[0].Status != string(thread.TurnRunning) {
		t.Fatalf("sessions = %+v", list)
	}

	if code, _ := r.do(t, http.MethodDelete, "/api/sessions/t1", nil); code != http.StatusOK {
		t.Fatalf("forget: code=%d", code)
	}
	if code, _ := r.do(t, http.MethodDelete, "/api/sessions/t1", nil); code != http.StatusNotFound {
		t.Fatalf("forget twice: code=%d, want 404", code)
	}
}

func busMessage(t *testing.T, topic string, payload any) bus.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bus.Message{Topic: topic, Payload: raw}
}

func TestHealthReportsBusCounters(t *testing.T) {
	r := newRig(t)
	r.addThread(t, "t1")
	r.bus.PublishJSON(bus.TopicSessionStatus, "engine", "t1",
		thread.StatusUpdate{ThreadID: "t1", Status: thread.TurnIdle})

	code, env := r.do(t, http.MethodGet, "/api/health", nil)
	if code != http.StatusOK {
		t.Fatalf("health: code=%d", code)
	}
	var h struct {
		BackendConnected bool  `json:"backendConnected"`
		Threads          int   `json:"threads"`
		BusSeq           int64 `json:"busSeq"`
		BusDropped       int64 `json:"busDropped"`
	}
	if err := json.Unmarshal(env.Data, &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.BackendConnected || h.Threads != 1 {
		t.Fatalf("health = %+v", h)
	}
	if h.BusSeq != r.bus.Seq() || h.BusSeq < 1 {
		t.Fatalf("busSeq = %d, bus at %d", h.BusSeq, r.bus.Seq())
	}
	if h.BusDropped != 0 {
		t.Fatalf("busDropped = %d, want 0", h.BusDropped)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"thread not found", thread.ErrThreadNotFound, http.StatusNotFound},
		{"approval not found", fmt.Errorf("wrap: %w", thread.ErrApprovalNotFound), http.StatusNotFound},
		{"invalid decision", thread.ErrInvalidDecision, http.StatusBadRequest},
		{"invalid input", apperrors.Wrap(apperrors.ErrInvalidInput, "op", "bad"), http.StatusBadRequest},
		{"closing", thread.ErrThreadClosing, http.StatusConflict},
		{"no starter", thread.ErrNoTurnStarter, http.StatusServiceUnavailable},
		{"closed client", apperrors.ErrClosed, http.StatusServiceUnavailable},
		{"timeout", apperrors.WithCode(apperrors.ErrTimeout, "op", apperrors.CodeTimeout, "slow"), http.StatusGatewayTimeout},
		{"rpc", apperrors.WithCode(errors.New("boom"), "op", apperrors.CodeRPC, "rpc error"), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			writeError(c, tc.err)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestEventsStreamBusMessages(t *testing.T) {
	r := newRig(t)
	srv := httptest.NewServer(r.server.Engine())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?topic=session", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for r.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.bus.PublishJSON(bus.TopicThreadChanged, "engine", "t1", gin.H{"ignored": true})
	r.bus.PublishJSON(bus.TopicSessionStatus, "engine", "t1",
		thread.StatusUpdate{ThreadID: "t1", Status: thread.TurnRunning})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event")
			}
			if strings.HasPrefix(line, "event:") && strings.Contains(line, bus.TopicThreadChanged) {
				t.Fatalf("filtered topic leaked: %q", line)
			}
			if strings.HasPrefix(line, "event:") && strings.Contains(line, bus.TopicSessionStatus) {
				return
			}
		case <-timeout:
			t.Fatal("no session event on stream")
		}
	}
}
