package thread

import (
	"github.com/multi-agent/thread-engine/pkg/logger"
)

func newThreadStartedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		raw, _ := ev.Params["thread"].(map[string]any)
		info := ThreadInfoFromRaw(raw)
		if info.ID == "" {
			info.ID = ev.ThreadID
		}
		if info.ID == "" {
			return
		}
		e.store.apply(func(tx *txn) {
			e.upsertThreadLocked(tx, info)
		})
	}
}

// ThreadInfoFromRaw reads the backend's thread object.
func ThreadInfoFromRaw(raw map[string]any) ThreadInfo {
	if raw == nil {
		return ThreadInfo{}
	}
	git, _ := raw["gitInfo"].(map[string]any)
	return ThreadInfo{
		ID:            extractFirstString(raw, "id"),
		Cwd:           extractFirstString(raw, "cwd"),
		Model:         extractFirstString(raw, "model"),
		ModelProvider: extractFirstString(raw, "modelProvider", "model_provider"),
		Preview:       extractFirstString(raw, "preview"),
		GitInfo: GitInfo{
			SHA:       extractFirstString(git, "sha"),
			Branch:    extractFirstString(git, "branch"),
			OriginURL: extractFirstString(git, "originUrl", "origin_url"),
		},
	}
}

func newItemStartedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		raw, ok := ev.Params["item"].(map[string]any)
		if !ok {
			logger.Debug("thread: item-started without item", logger.FieldThreadID, ev.ThreadID)
			return
		}
		item := ToThreadItem(raw, ev.ReceivedAt)
		item.Status = StatusInProgress
		item.Content = withStreaming(item.Content, true)

		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			cur := tx.peek(ev.ThreadID)
			if _, exists := cur.Items[item.ID]; exists {
				if !containsID(cur.ItemOrder, item.ID) {
					tx.thread(ev.ThreadID).ensureIndexed(item.ID)
				}
				return
			}
			e.insertNewItemLocked(tx, ev.ThreadID, item)
		})
	}
}

func newItemCompletedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		raw, ok := ev.Params["item"].(map[string]any)
		if !ok {
			logger.Debug("thread: item-completed without item", logger.FieldThreadID, ev.ThreadID)
			return
		}
		incoming := ToThreadItem(raw, ev.ReceivedAt)

		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			// 先把缓冲中的 delta 落进 item, 合并才不会丢尾部文本
			tx.flushThread(ev.ThreadID)

			d := tx.thread(ev.ThreadID)
			existing, ok := d.Items[incoming.ID]
			if !ok {
				incoming.Content = withStreaming(incoming.Content, false)
				incoming.Status = completedStatus(incoming.Status)
				e.insertNewItemLocked(tx, ev.ThreadID, incoming)
				return
			}
			d.putItem(mergeCompletedItem(existing, incoming))
		})
	}
}

// insertNewItemLocked appends item unless it is an echo of a recent user message.
func (e *Engine) insertNewItemLocked(tx *txn, threadID string, item ThreadItem) {
	cur := tx.peek(threadID)
	msg, isUser := item.Content.(UserMessageContent)
	if isUser && cur.isDuplicateUserMessage(msg, e.opts.UserMessageDedupWindow) {
		logger.Debug("thread: duplicate user message suppressed",
			logger.FieldThreadID, threadID, logger.FieldItemID, item.ID)
		return
	}
	first := isUser && !cur.hasUserMessage()
	tx.thread(threadID).insertItem(item)
	if first {
		e.proposeFirstMessage(tx, threadID, msg.Text)
	}
}

func completedStatus(s ItemStatus) ItemStatus {
	if s == StatusInProgress || s == StatusPending {
		return StatusCompleted
	}
	return s
}

// mergeCompletedItem folds a completion payload into the existing item.
// Locally owned fields (needsApproval, approved, output, applied, snapshotId)
// keep their existing value unless it is unset; everything else prefers the payload.
func mergeCompletedItem(existing, incoming ThreadItem) ThreadItem {
	out := incoming
	out.CreatedAt = existing.CreatedAt
	out.Status = completedStatus(incoming.Status)
	out.Content = mergeContent(existing.Content, incoming.Content)
	out.Content = withStreaming(out.Content, false)
	out.Type = out.Content.Type()
	return out
}

func mergeContent(existing, incoming ItemContent) ItemContent {
	switch in := incoming.(type) {
	case AgentMessageContent:
		if old, ok := existing.(AgentMessageContent); ok && in.Text == "" {
			in.Text = old.Text
		}
		return in
	case CommandExecutionContent:
		old, ok := existing.(CommandExecutionContent)
		if !ok {
			return in
		}
		in.Command = pickString(in.Command, old.Command)
		in.Cwd = pickString(in.Cwd, old.Cwd)
		in.ActionSummary = pickString(in.ActionSummary, old.ActionSummary)
		in.Reason = pickString(in.Reason, old.Reason)
		if in.ExitCode == nil {
			in.ExitCode = clonePtr(old.ExitCode)
		}
		if in.DurationMS == nil {
			in.DurationMS = clonePtr(old.DurationMS)
		}
		if len(in.ProposedAmendment) == 0 {
			in.ProposedAmendment = old.ProposedAmendment
		}
		in.Output = keepString(old.Output, in.Output)
		in.NeedsApproval = old.NeedsApproval || in.NeedsApproval
		in.Approved = keepPtr(old.Approved, in.Approved)
		return in
	case FileChangeContent:
		old, ok := existing.(FileChangeContent)
		if !ok {
			return in
		}
		if len(in.Changes) == 0 {
			in.Changes = old.Changes
		}
		in.Reason = pickString(in.Reason, old.Reason)
		in.Output = keepString(old.Output, in.Output)
		in.NeedsApproval = old.NeedsApproval || in.NeedsApproval
		in.Approved = keepPtr(old.Approved, in.Approved)
		in.Applied = old.Applied || in.Applied
		in.SnapshotID = keepString(old.SnapshotID, in.SnapshotID)
		return in
	case ReasoningContent:
		old, ok := existing.(ReasoningContent)
		if !ok {
			return in
		}
		if len(in.Summary) == 0 {
			in.Summary = old.Summary
		}
		if len(in.Content) == 0 {
			in.Content = old.Content
		}
		return in
	case McpToolContent:
		old, ok := existing.(McpToolContent)
		if !ok {
			return in
		}
		in.Server = pickString(in.Server, old.Server)
		in.Tool = pickString(in.Tool, old.Tool)
		if in.Arguments == nil {
			in.Arguments = old.Arguments
		}
		if in.Result == nil {
			in.Result = old.Result
		}
		if len(in.Progress) == 0 {
			in.Progress = old.Progress
		}
		return in
	default:
		return incoming
	}
}

// pickString prefers the incoming value.
func pickString(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}

// keepString prefers the existing value.
func keepString(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

func keepPtr[T any](existing, incoming *T) *T {
	if existing != nil {
		return clonePtr(existing)
	}
	return clonePtr(incoming)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
