package thread

import (
	"maps"
	"slices"
)

// TurnStatus is the per-thread turn state machine.
type TurnStatus string

const (
	TurnIdle        TurnStatus = "idle"
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnFailed      TurnStatus = "failed"
	TurnInterrupted TurnStatus = "interrupted"
)

// GitInfo is the repository metadata reported for a thread.
type GitInfo struct {
	SHA       string `json:"sha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	OriginURL string `json:"originUrl,omitempty"`
}

// ThreadInfo is thread metadata. Updates are additive: empty fields never clear a known value.
type ThreadInfo struct {
	ID            string  `json:"id"`
	Cwd           string  `json:"cwd,omitempty"`
	Model         string  `json:"model,omitempty"`
	ModelProvider string  `json:"modelProvider,omitempty"`
	Preview       string  `json:"preview,omitempty"`
	GitInfo       GitInfo `json:"gitInfo"`
}

func (t ThreadInfo) merge(in ThreadInfo) ThreadInfo {
	pick := func(cur, next string) string {
		if next != "" {
			return next
		}
		return cur
	}
	t.Cwd = pick(t.Cwd, in.Cwd)
	t.Model = pick(t.Model, in.Model)
	t.ModelProvider = pick(t.ModelProvider, in.ModelProvider)
	t.Preview = pick(t.Preview, in.Preview)
	t.GitInfo.SHA = pick(t.GitInfo.SHA, in.GitInfo.SHA)
	t.GitInfo.Branch = pick(t.GitInfo.Branch, in.GitInfo.Branch)
	t.GitInfo.OriginURL = pick(t.GitInfo.OriginURL, in.GitInfo.OriginURL)
	return t
}

// ApprovalKind tells which backend request an approval answers.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command"
	ApprovalFileChange ApprovalKind = "fileChange"
)

// PendingApproval is an approval request awaiting a user decision.
// RequestID is the backend's JSON-RPC request id, echoed in the response.
type PendingApproval struct {
	ItemID    string         `json:"itemId"`
	ThreadID  string         `json:"threadId"`
	Type      ApprovalKind   `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	RequestID int64          `json:"requestId"`
	CreatedAt int64          `json:"createdAt"`
}

// TokenCounts is one set of token counters.
type TokenCounts struct {
	TotalTokens           int64 `json:"totalTokens"`
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
}

// TokenUsage holds cumulative counters (Total, never decreasing), the last turn's
// counters and the model context window.
type TokenUsage struct {
	Total         TokenCounts `json:"total"`
	Last          TokenCounts `json:"last"`
	ContextWindow int64       `json:"contextWindow,omitempty"`
}

// TurnTiming holds epoch milliseconds, 0 when unset.
type TurnTiming struct {
	StartedAt   int64 `json:"startedAt,omitempty"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// QueuedMessage is user input submitted while a turn was running.
type QueuedMessage struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Images   []string `json:"images,omitempty"`
	QueuedAt int64    `json:"queuedAt"`
}

// SessionOverrides are per-session settings forwarded with every turn/start.
type SessionOverrides struct {
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxPolicy  string `json:"sandboxPolicy,omitempty"`
	Effort         string `json:"effort,omitempty"`
}

// SingleThreadState is the published state of one thread.
// Values returned by Store readers are shared snapshots and must not be mutated.
type SingleThreadState struct {
	Thread           ThreadInfo            `json:"thread"`
	Items            map[string]ThreadItem `json:"items"`
	ItemOrder        []string              `json:"itemOrder"`
	TurnStatus       TurnStatus            `json:"turnStatus"`
	CurrentTurnID    string                `json:"currentTurnId,omitempty"`
	PendingApprovals []PendingApproval     `json:"pendingApprovals"`
	TokenUsage       TokenUsage            `json:"tokenUsage"`
	TurnTiming       TurnTiming            `json:"turnTiming"`
	QueuedMessages   []QueuedMessage       `json:"queuedMessages"`
	SessionOverrides SessionOverrides      `json:"sessionOverrides"`
	Error            string                `json:"error,omitempty"`
}

func newThreadState(info ThreadInfo) *SingleThreadState {
	return &SingleThreadState{
		Thread:           info,
		Items:            map[string]ThreadItem{},
		ItemOrder:        []string{},
		TurnStatus:       TurnIdle,
		PendingApprovals: []PendingApproval{},
		QueuedMessages:   []QueuedMessage{},
	}
}

// clone copies the containers of st. Item contents are shared until mutateItem clones them.
func (st *SingleThreadState) clone() *SingleThreadState {
	out := *st
	out.Items = maps.Clone(st.Items)
	if out.Items == nil {
		out.Items = map[string]ThreadItem{}
	}
	out.ItemOrder = slices.Clone(st.ItemOrder)
	out.PendingApprovals = slices.Clone(st.PendingApprovals)
	out.QueuedMessages = slices.Clone(st.QueuedMessages)
	return &out
}

// OrderedItems returns the items in render order.
func (st *SingleThreadState) OrderedItems() []ThreadItem {
	out := make([]ThreadItem, 0, len(st.ItemOrder))
	for _, id := range st.ItemOrder {
		if item, ok := st.Items[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

// ========================================
// draft helpers (only called on an unpublished clone)
// ========================================

// insertItem adds item unless its id exists; an existing id is only re-indexed.
func (st *SingleThreadState) insertItem(item ThreadItem) bool {
	if _, ok := st.Items[item.ID]; ok {
		st.ensureIndexed(item.ID)
		return false
	}
	st.Items[item.ID] = item
	st.ItemOrder = append(st.ItemOrder, item.ID)
	return true
}

// putItem inserts or replaces item.
func (st *SingleThreadState) putItem(item ThreadItem) {
	st.Items[item.ID] = item
	st.ensureIndexed(item.ID)
}

func (st *SingleThreadState) ensureIndexed(id string) {
	if !slices.Contains(st.ItemOrder, id) {
		st.ItemOrder = append(st.ItemOrder, id)
	}
}

// removeItem drops id from both Items and ItemOrder.
func (st *SingleThreadState) removeItem(id string) {
	delete(st.Items, id)
	st.ItemOrder = slices.DeleteFunc(st.ItemOrder, func(v string) bool { return v == id })
}

// mutateItem edits a private copy of the item and stores it back.
func (st *SingleThreadState) mutateItem(id string, fn func(item *ThreadItem)) bool {
	item, ok := st.Items[id]
	if !ok {
		return false
	}
	item.Content = cloneContent(item.Content)
	fn(&item)
	item.Type = item.Content.Type()
	st.Items[id] = item
	return true
}

// isDuplicateUserMessage reports whether one of the last window user messages has
// the same text and image count.
func (st *SingleThreadState) isDuplicateUserMessage(msg UserMessageContent, window int) bool {
	if window <= 0 {
		return false
	}
	seen := 0
	for i := len(st.ItemOrder) - 1; i >= 0 && seen < window; i-- {
		item, ok := st.Items[st.ItemOrder[i]]
		if !ok || item.Type != ItemUserMessage {
			continue
		}
		seen++
		prev, ok := item.Content.(UserMessageContent)
		if !ok {
			continue
		}
		if prev.Text == msg.Text && len(prev.Images) == len(msg.Images) {
			return true
		}
	}
	return false
}

func (st *SingleThreadState) hasUserMessage() bool {
	for _, item := range st.Items {
		if item.Type == ItemUserMessage {
			return true
		}
	}
	return false
}

// removeApproval removes the approval for itemID; ok is false when none is pending.
func (st *SingleThreadState) removeApproval(itemID string) (PendingApproval, bool) {
	idx := slices.IndexFunc(st.PendingApprovals, func(a PendingApproval) bool { return a.ItemID == itemID })
	if idx < 0 {
		return PendingApproval{}, false
	}
	removed := st.PendingApprovals[idx]
	st.PendingApprovals = slices.Delete(st.PendingApprovals, idx, idx+1)
	return removed, true
}

func (st *SingleThreadState) hasApproval(itemID string) bool {
	return slices.ContainsFunc(st.PendingApprovals, func(a PendingApproval) bool { return a.ItemID == itemID })
}

// finalizeStreaming clears the streaming flag on every item and moves in-flight items to status.
func (st *SingleThreadState) finalizeStreaming(status ItemStatus) {
	for _, id := range st.ItemOrder {
		item := st.Items[id]
		if !isStreaming(item.Content) && item.Status != StatusInProgress {
			continue
		}
		st.mutateItem(id, func(it *ThreadItem) {
			it.Content = withStreaming(it.Content, false)
			if it.Status == StatusInProgress {
				it.Status = status
			}
		})
	}
}

// endTurn clears per-turn bookkeeping after a terminal transition.
func (st *SingleThreadState) endTurn(status TurnStatus, now int64) {
	st.TurnStatus = status
	st.CurrentTurnID = ""
	st.PendingApprovals = []PendingApproval{}
	st.TurnTiming.CompletedAt = now
}
