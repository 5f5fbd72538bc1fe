// Package backend 是 app-server 的 JSON-RPC over WebSocket 客户端。
//
// 通知与 server request 一律转成 thread.Event 交给引擎; 引擎反过来通过
// TurnStarter / ApprovalResponder 两个接口驱动本客户端。
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/thread-engine/internal/config"
	"github.com/multi-agent/thread-engine/internal/thread"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
	"github.com/multi-agent/thread-engine/pkg/util"
)

// Sink 是客户端写入的引擎侧接口, *thread.Engine 满足它。
type Sink interface {
	Dispatch(ev thread.Event)
	AddThread(info thread.ThreadInfo) error
	SetGlobalError(message string)
	ClearGlobalError()
}

// Options 客户端参数。
type Options struct {
	URL           string
	Command       string // 非空且 Spawn 时使用
	Port          int
	CallTimeout   time.Duration
	MaxReconnect  int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	ImageDir      string
	Now           func() time.Time
}

// OptionsFromConfig 从全局配置构建客户端参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:          cfg.AppServerEndpoint(),
		Command:      cfg.AppServerCommand,
		Port:         cfg.AppServerPort,
		CallTimeout:  cfg.AppServerCallTimeout(),
		MaxReconnect: cfg.AppServerMaxRetries,
	}
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MaxReconnect < 0 {
		o.MaxReconnect = 0
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.ImageDir == "" {
		o.ImageDir = os.TempDir()
	}
	if o.Command == "" {
		o.Command = "codex"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// serverRequestKinds 引擎会回复的 server request; 其余一律回 method-not-found。
var serverRequestKinds = map[thread.EventKind]bool{
	thread.EventCommandApprovalRequest: true,
	thread.EventFileApprovalRequest:    true,
}

const rpcMethodNotFound = -32601

// Client app-server JSON-RPC 客户端。
type Client struct {
	opts Options
	sink Sink

	// wsMu 只保护 ws 指针与写入序列化。
	ws   *websocket.Conn
	wsMu sync.Mutex

	cmd    *exec.Cmd
	stderr *logger.StderrCollector

	stopped      atomic.Bool
	connected    atomic.Bool
	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc

	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall
}

// New 创建客户端, 需调用 Connect 建立连接。
func New(sink Sink, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts.withDefaults(),
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connected 当前连接是否可用。
func (c *Client) Connected() bool { return c.connected.Load() && !c.stopped.Load() }

// Connect 连接 WebSocket, 启动 readLoop 并发送 initialize。
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return apperrors.WithCode(err, "Client.Connect", apperrors.CodeUnavailable, "ws connect "+c.opts.URL)
	}
	c.replaceConn(conn)
	util.SafeGo(func() { c.readLoop(conn) })
	if err := c.initialize(ctx); err != nil {
		return err
	}
	c.connected.Store(true)
	logger.Info("backend: connected", logger.FieldURL, c.opts.URL)
	return nil
}

// Close 停止客户端: 关闭连接, 失败所有等待中的调用, 终止子进程。
func (c *Client) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.connected.Store(false)
	c.cancel()
	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.wsMu.Unlock()
	c.failPending(apperrors.ErrClosed)
	if c.stderr != nil {
		_ = c.stderr.Close()
	}
	return c.kill()
}

// ========================================
// JSON-RPC 请求/响应
// ========================================

// call 发送请求并等待响应, 受 ctx、调用超时与客户端生命周期三者约束。
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.stopped.Load() {
		return nil, apperrors.Wrap(apperrors.ErrClosed, "Client.call", method)
	}
	id := c.nextID.Add(1)
	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, apperrors.WithCode(err, "Client.call", apperrors.CodeUnavailable, method)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.WithCode(apperrors.ErrTimeout, "Client.call", apperrors.CodeTimeout, method+" timeout")
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), "Client.call", method)
	case <-c.ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrClosed, "Client.call", method)
	}
}

// respond 回复 server request。
func (c *Client) respond(id int64, result any) error {
	return c.writeJSON(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// respondError 对不处理的 server request 回错误, 避免对端一直挂起。
func (c *Client) respondError(id int64, code int, message string) error {
	return c.writeJSON(struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      int64     `json:"id"`
		Error   *rpcError `json:"error"`
	}{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (c *Client) writeJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, "Client.writeJSON", "ws not connected")
	}
	return c.ws.WriteJSON(v)
}

func (c *Client) failPending(cause error) {
	c.pending.Range(func(key, value any) bool {
		if _, loaded := c.pending.LoadAndDelete(key); !loaded {
			return true
		}
		pc := value.(*pendingCall)
		pc.err = apperrors.Wrap(cause, "Client.call", "connection lost")
		close(pc.done)
		return true
	})
}

func (c *Client) initialize(ctx context.Context) error {
	result, err := c.call(ctx, methodInitialize, map[string]any{
		"clientInfo": map[string]any{
			"name":    "thread-engine",
			"version": "1.0",
		},
	})
	if err != nil {
		logger.Error("backend: initialize failed", logger.FieldURL, c.opts.URL, logger.FieldError, err)
		return apperrors.Wrap(err, "Client.initialize", methodInitialize)
	}
	logger.Debug("backend: initialize ok", logger.FieldRaw, util.TruncateRunes(string(result), 200))
	return nil
}

// ========================================
// readLoop
// ========================================

// readLoop 读取 conn 上的消息直到出错:
//   - 响应 (id 且无 method): 交给 pending call
//   - 通知 / server request: 转为 thread.Event 交给引擎
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(conn, err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("backend: unparseable JSON-RPC message",
				logger.FieldError, err,
				logger.FieldRaw, util.TruncateRunes(string(data), 200))
			continue
		}
		if c.handleResponse(msg) {
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleResponse(msg rpcMessage) bool {
	if msg.ID == nil || msg.Method != "" {
		return false
	}
	value, ok := c.pending.LoadAndDelete(*msg.ID)
	if !ok {
		logger.Warn("backend: orphan RPC response", logger.FieldRequestID, *msg.ID)
		return true
	}
	pc := value.(*pendingCall)
	if msg.Error != nil {
		pc.err = &apperrors.AppError{
			Op:      "Client.call",
			Code:    apperrors.CodeRPC,
			Message: fmt.Sprintf("rpc error: %s (code %d)", msg.Error.Message, msg.Error.Code),
		}
	} else {
		pc.result = msg.Result
	}
	close(pc.done)
	return true
}

func (c *Client) handleMessage(msg rpcMessage) {
	if strings.TrimSpace(msg.Method) == "" {
		logger.Debug("backend: message without method ignored")
		return
	}
	params := map[string]any{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("backend: params decode failed", logger.FieldMethod, msg.Method, logger.FieldError, err)
			params = map[string]any{}
		}
	}
	kind := thread.KindFromMethod(msg.Method)
	if msg.ID != nil {
		logger.Debug("backend: server request",
			logger.FieldRequestID, *msg.ID,
			logger.FieldMethod, msg.Method)
		if !serverRequestKinds[kind] {
			if err := c.respondError(*msg.ID, rpcMethodNotFound, "unsupported request: "+msg.Method); err != nil {
				logger.Warn("backend: reject server request failed", logger.FieldMethod, msg.Method, logger.FieldError, err)
			}
			return
		}
	}
	c.sink.Dispatch(thread.NewEvent(kind, params, msg.ID))
}

// onReadError 连接断开: 失败等待中的调用, 通知引擎, 后台重连。
func (c *Client) onReadError(conn *websocket.Conn, err error) {
	if c.stopped.Load() || c.currentConn() != conn {
		return
	}
	if c.reconnecting.Load() {
		// 重连过程中的握手失败由重连循环自己处理
		return
	}
	c.connected.Store(false)
	c.failPending(apperrors.ErrUnavailable)
	logger.Warn("backend: connection lost", logger.FieldURL, c.opts.URL, logger.FieldError, err)

	c.sink.Dispatch(thread.NewEvent(thread.EventServerDisconnected, map[string]any{"message": err.Error()}, nil))
	util.SafeGo(func() { c.reconnect(err) })
}

// ========================================
// thread.TurnStarter / thread.ApprovalResponder
// ========================================

// StartTurn 发送 turn/start, 返回后端分配的 turn id。
func (c *Client) StartTurn(ctx context.Context, threadID string, msg thread.QueuedMessage, overrides thread.SessionOverrides) (string, error) {
	inputs, err := buildTurnInputs(c.opts.ImageDir, msg, c.opts.Now())
	if err != nil {
		return "", apperrors.Wrap(err, "Client.StartTurn", "build input")
	}
	result, err := c.call(ctx, methodTurnStart, turnStartParams{
		ThreadID:       threadID,
		Input:          inputs,
		Effort:         overrides.Effort,
		Model:          overrides.Model,
		ApprovalPolicy: overrides.ApprovalPolicy,
		SandboxPolicy:  overrides.SandboxPolicy,
	})
	if err != nil {
		return "", apperrors.Wrap(err, "Client.StartTurn", methodTurnStart)
	}
	var resp struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrap(err, "Client.StartTurn", "decode turn/start")
	}
	logger.Info("backend: turn started", logger.FieldThreadID, threadID, logger.FieldTurnID, resp.Turn.ID)
	return resp.Turn.ID, nil
}

// InterruptTurn 发送 turn/interrupt。
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	if _, err := c.call(ctx, methodTurnInterrupt, turnInterruptParams{ThreadID: threadID, TurnID: turnID}); err != nil {
		return apperrors.Wrap(err, "Client.InterruptTurn", methodTurnInterrupt)
	}
	return nil
}

// RespondToApproval 用原 request id 回复审批请求。
func (c *Client) RespondToApproval(_ context.Context, resp thread.ApprovalResponse) error {
	decision := wireDecision(resp.Decision)
	if err := c.respond(resp.RequestID, approvalResult{Decision: decision}); err != nil {
		return apperrors.WithCode(err, "Client.RespondToApproval", apperrors.CodeUnavailable, "send approval response")
	}
	logger.Info("backend: approval answered",
		logger.FieldThreadID, resp.ThreadID,
		logger.FieldItemID, resp.ItemID,
		logger.FieldRequestID, resp.RequestID,
		logger.FieldDecision, decision)
	return nil
}

// ========================================
// thread/start, thread/resume, thread/list
// ========================================

type threadEnvelope struct {
	Thread map[string]any   `json:"thread"`
	Items  []map[string]any `json:"items"`
}

// StartThread 创建 thread 并登记到引擎。
func (c *Client) StartThread(ctx context.Context, req StartThreadRequest) (thread.ThreadInfo, error) {
	result, err := c.call(ctx, methodThreadStart, req)
	if err != nil {
		return thread.ThreadInfo{}, apperrors.Wrap(err, "Client.StartThread", methodThreadStart)
	}
	var resp threadEnvelope
	if err := json.Unmarshal(result, &resp); err != nil {
		return thread.ThreadInfo{}, apperrors.Wrap(err, "Client.StartThread", "decode thread/start")
	}
	info := thread.ThreadInfoFromRaw(resp.Thread)
	if info.ID == "" {
		return thread.ThreadInfo{}, apperrors.Newf("Client.StartThread", "thread/start returned empty thread ID (raw: %s)", util.TruncateRunes(string(result), 200))
	}
	if err := c.sink.AddThread(info); err != nil {
		return thread.ThreadInfo{}, err
	}
	logger.Info("backend: thread started", logger.FieldThreadID, info.ID)
	return info, nil
}

// ResumeThread 恢复 thread, 登记后把历史 items 按 item-completed 回放进引擎。
func (c *Client) ResumeThread(ctx context.Context, threadID string) (thread.ThreadInfo, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return thread.ThreadInfo{}, apperrors.Wrap(apperrors.ErrInvalidInput, "Client.ResumeThread", "thread id required")
	}
	result, err := c.call(ctx, methodThreadResume, threadResumeParams{ThreadID: threadID})
	if err != nil {
		return thread.ThreadInfo{}, apperrors.Wrap(err, "Client.ResumeThread", methodThreadResume)
	}
	var resp threadEnvelope
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &resp); err != nil {
			return thread.ThreadInfo{}, apperrors.Wrap(err, "Client.ResumeThread", "decode thread/resume")
		}
	}
	info := thread.ThreadInfoFromRaw(resp.Thread)
	info.ID = util.FirstNonEmpty(info.ID, threadID)
	if err := c.sink.AddThread(info); err != nil {
		return thread.ThreadInfo{}, err
	}
	for _, item := range resp.Items {
		c.sink.Dispatch(thread.NewEvent(thread.EventItemCompleted, map[string]any{
			"threadId": info.ID,
			"item":     item,
		}, nil))
	}
	logger.Info("backend: thread resumed", logger.FieldThreadID, info.ID, logger.FieldCount, len(resp.Items))
	return info, nil
}

// ListThreads thread/list, 不修改引擎状态。
func (c *Client) ListThreads(ctx context.Context, limit int, cursor string) (ThreadPage, error) {
	result, err := c.call(ctx, methodThreadList, threadListParams{Limit: limit, Cursor: cursor})
	if err != nil {
		return ThreadPage{}, apperrors.Wrap(err, "Client.ListThreads", methodThreadList)
	}
	var raw struct {
		Data       []map[string]any `json:"data"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return ThreadPage{}, apperrors.Wrap(err, "Client.ListThreads", "decode thread/list")
	}
	page := ThreadPage{NextCursor: raw.NextCursor, Threads: make([]thread.ThreadInfo, 0, len(raw.Data))}
	for _, t := range raw.Data {
		page.Threads = append(page.Threads, thread.ThreadInfoFromRaw(t))
	}
	return page, nil
}

var (
	_ thread.TurnStarter       = (*Client)(nil)
	_ thread.ApprovalResponder = (*Client)(nil)
	_ Sink                     = (*thread.Engine)(nil)
)
