// protocol.go: app-server JSON-RPC 2.0 信封与方法参数。
//
//   - Client → Server: {jsonrpc,id,method,params} (请求) 或 {jsonrpc,id,result} (回复 server request)
//   - Server → Client: {jsonrpc,id,result|error} (响应), {jsonrpc,method,params} (通知),
//     {jsonrpc,id,method,params} (server request, 如审批)
package backend

import (
	"encoding/json"

	"github.com/multi-agent/thread-engine/internal/thread"
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage 读取侧通用消息。ID 为 nil 表示通知。
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result"`
}

type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// ========================================
// 方法参数
// ========================================

const (
	methodInitialize    = "initialize"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodThreadList    = "thread/list"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
)

// StartThreadRequest thread/start 参数。
type StartThreadRequest struct {
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ModelProvider  string `json:"modelProvider,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

type threadListParams struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ThreadPage thread/list 结果。
type ThreadPage struct {
	Threads    []thread.ThreadInfo `json:"threads"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// userInput turn/start 输入项: text / localImage。
type userInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

type turnStartParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []userInput `json:"input"`
	Effort         string      `json:"effort,omitempty"`
	Model          string      `json:"model,omitempty"`
	ApprovalPolicy string      `json:"approvalPolicy,omitempty"`
	SandboxPolicy  string      `json:"sandboxPolicy,omitempty"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

type approvalResult struct {
	Decision string `json:"decision"`
}

// wireDecision 把引擎决策映射为 app-server 的取值。
func wireDecision(d thread.Decision) string {
	switch d {
	case thread.DecisionApprove:
		return "accept"
	case thread.DecisionApproveForSession:
		return "acceptForSession"
	case thread.DecisionReject:
		return "decline"
	default:
		return "cancel"
	}
}
