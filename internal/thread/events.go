package thread

import (
	"strings"
	"time"
)

// EventKind is a backend notification name with '/' replaced by '-'.
type EventKind string

const (
	EventThreadStarted          EventKind = "thread-started"
	EventTurnStarted            EventKind = "turn-started"
	EventTurnCompleted          EventKind = "turn-completed"
	EventTurnDiffUpdated        EventKind = "turn-diff-updated"
	EventTurnPlanUpdated        EventKind = "turn-plan-updated"
	EventThreadCompacted        EventKind = "thread-compacted"
	EventItemStarted            EventKind = "item-started"
	EventItemCompleted          EventKind = "item-completed"
	EventAgentMessageDelta      EventKind = "item-agentMessage-delta"
	EventReasoningSummaryDelta  EventKind = "item-reasoning-summaryTextDelta"
	EventReasoningPartAdded     EventKind = "item-reasoning-summaryPartAdded"
	EventReasoningTextDelta     EventKind = "item-reasoning-textDelta"
	EventCommandOutputDelta     EventKind = "item-commandExecution-outputDelta"
	EventFileChangeOutputDelta  EventKind = "item-fileChange-outputDelta"
	EventMcpToolCallProgress    EventKind = "item-mcpToolCall-progress"
	EventTokenUsageUpdated      EventKind = "thread-tokenUsage-updated"
	EventCommandApprovalRequest EventKind = "item-commandExecution-requestApproval"
	EventFileApprovalRequest    EventKind = "item-fileChange-requestApproval"
	EventError                  EventKind = "error"
	EventServerDisconnected     EventKind = "app-server-disconnected"
	EventRateLimitExceeded      EventKind = "turn-rateLimitExceeded"
)

// KindFromMethod maps a JSON-RPC method ("item/agentMessage/delta") to its event kind.
func KindFromMethod(method string) EventKind {
	return EventKind(strings.ReplaceAll(strings.TrimSpace(method), "/", "-"))
}

// Event is one backend notification routed to a handler.
// RequestID is set when the backend sent a request that expects a response.
type Event struct {
	Kind       EventKind
	ThreadID   string
	TurnID     string
	ItemID     string
	RequestID  *int64
	Params     map[string]any
	ReceivedAt time.Time
}

// NewEvent builds an Event and lifts the threadId/turnId/itemId correlation fields out of params.
func NewEvent(kind EventKind, params map[string]any, requestID *int64) Event {
	if params == nil {
		params = map[string]any{}
	}
	return Event{
		Kind: kind,
		ThreadID: extractNestedFirstString(params,
			[]string{"threadId"}, []string{"thread_id"}, []string{"thread", "id"}, []string{"conversationId"}),
		TurnID: extractNestedFirstString(params,
			[]string{"turnId"}, []string{"turn_id"}, []string{"turn", "id"}),
		ItemID: extractNestedFirstString(params,
			[]string{"itemId"}, []string{"item_id"}, []string{"item", "id"}, []string{"callId"}),
		RequestID:  requestID,
		Params:     params,
		ReceivedAt: time.Now(),
	}
}
