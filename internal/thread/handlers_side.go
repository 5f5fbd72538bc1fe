package thread

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/multi-agent/thread-engine/pkg/logger"
)

// derivedItemID names synthesized per-turn items ("diff-<turnId>"), falling back to a uuid.
func derivedItemID(prefix, turnID string) string {
	if turnID == "" {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + turnID
}

// upsertDerivedLocked inserts or replaces a synthesized item, keeping its original createdAt.
func upsertDerivedLocked(tx *txn, threadID string, item ThreadItem) {
	d := tx.thread(threadID)
	if prev, ok := d.Items[item.ID]; ok {
		item.CreatedAt = prev.CreatedAt
	}
	d.putItem(item)
}

func newTurnDiffUpdatedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		diff := extractFirstString(ev.Params, "diff", "unifiedDiff")
		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			upsertDerivedLocked(tx, ev.ThreadID, newItem(
				derivedItemID("diff", ev.TurnID),
				InfoContent{Title: "Turn diff", Details: diff},
				StatusCompleted,
				ev.ReceivedAt.UnixMilli(),
			))
		})
	}
}

func newTurnPlanUpdatedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		plan := normalizePlan(ev.Params)
		status := StatusCompleted
		for _, step := range plan.Steps {
			if step.Status != PlanStepCompleted && step.Status != PlanStepFailed {
				status = StatusInProgress
				break
			}
		}
		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			upsertDerivedLocked(tx, ev.ThreadID, newItem(
				derivedItemID("plan", ev.TurnID), plan, status, ev.ReceivedAt.UnixMilli()))
		})
	}
}

func parsePlanSteps(raw any) []PlanStep {
	items, ok := raw.([]any)
	if !ok {
		return []PlanStep{}
	}
	out := make([]PlanStep, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step := strings.TrimSpace(extractFirstString(entry, "step", "title", "text", "content"))
		if step == "" {
			continue
		}
		out = append(out, PlanStep{
			Step:   step,
			Status: mapPlanStepStatus(extractFirstString(entry, "status", "state")),
		})
	}
	return out
}

func mapPlanStepStatus(raw string) PlanStepStatus {
	switch compactStatus(raw) {
	case "completed", "complete", "success", "done", "finished":
		return PlanStepCompleted
	case "inprogress", "running", "doing", "active":
		return PlanStepInProgress
	case "failed", "error", "blocked", "cancelled", "canceled":
		return PlanStepFailed
	default:
		return PlanStepPending
	}
}

func newThreadCompactedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			upsertDerivedLocked(tx, ev.ThreadID, newItem(
				derivedItemID("compacted", ev.TurnID),
				InfoContent{Title: "Context compacted", Details: "Earlier conversation was summarized to free up context."},
				StatusCompleted,
				ev.ReceivedAt.UnixMilli(),
			))
		})
	}
}

// ========================================
// approvals
// ========================================

func newApprovalRequestHandler(kind ApprovalKind) handlerFactory {
	return func(e *Engine) func(Event) {
		return func(ev Event) {
			itemID := ev.ItemID
			var requestID int64
			if ev.RequestID != nil {
				requestID = *ev.RequestID
			} else {
				logger.Warn("thread: approval request without request id",
					logger.FieldThreadID, ev.ThreadID, logger.FieldItemID, itemID)
			}
			if itemID == "" {
				itemID = fmt.Sprintf("approval-%d", requestID)
			}
			reason := strings.TrimSpace(extractFirstString(ev.Params, "reason"))

			e.store.apply(func(tx *txn) {
				if !tx.live(ev.ThreadID) {
					return
				}
				d := tx.thread(ev.ThreadID)
				if _, ok := d.Items[itemID]; ok {
					d.mutateItem(itemID, func(it *ThreadItem) {
						it.Content = markNeedsApproval(it.Content, ev.Params, reason)
					})
				} else {
					d.insertItem(newItem(itemID, approvalPlaceholder(kind, ev.Params, reason),
						StatusPending, ev.ReceivedAt.UnixMilli()))
				}
				if d.hasApproval(itemID) {
					logger.Debug("thread: approval already pending",
						logger.FieldThreadID, ev.ThreadID, logger.FieldItemID, itemID)
					return
				}
				d.PendingApprovals = append(d.PendingApprovals, PendingApproval{
					ItemID:    itemID,
					ThreadID:  ev.ThreadID,
					Type:      kind,
					Data:      copyMap(ev.Params),
					RequestID: requestID,
					CreatedAt: ev.ReceivedAt.UnixMilli(),
				})
			})
			logger.Info("thread: approval requested",
				logger.FieldThreadID, ev.ThreadID,
				logger.FieldItemID, itemID,
				logger.FieldRequestID, requestID,
				"kind", string(kind),
			)
		}
	}
}

func markNeedsApproval(content ItemContent, params map[string]any, reason string) ItemContent {
	switch c := content.(type) {
	case CommandExecutionContent:
		c.NeedsApproval = true
		c.Reason = pickString(reason, c.Reason)
		if amendment := extractStringList(params["proposedExecpolicyAmendment"]); len(amendment) > 0 {
			c.ProposedAmendment = amendment
		}
		if c.Command == "" {
			c.Command = strings.TrimSpace(stringOrJoined(params["command"]))
		}
		return c
	case FileChangeContent:
		c.NeedsApproval = true
		c.Reason = pickString(reason, c.Reason)
		return c
	default:
		return content
	}
}

func approvalPlaceholder(kind ApprovalKind, params map[string]any, reason string) ItemContent {
	if kind == ApprovalFileChange {
		return FileChangeContent{
			Changes:       normalizeFileChanges(params["changes"]),
			NeedsApproval: true,
			Reason:        reason,
		}
	}
	return CommandExecutionContent{
		Command:           strings.TrimSpace(stringOrJoined(params["command"])),
		Cwd:               extractFirstString(params, "cwd"),
		NeedsApproval:     true,
		Reason:            reason,
		ProposedAmendment: extractStringList(params["proposedExecpolicyAmendment"]),
	}
}

// ========================================
// errors and connection loss
// ========================================

func newStreamErrorHandler(e *Engine) func(Event) {
	return func(ev Event) {
		message := extractNestedFirstString(ev.Params, []string{"error", "message"}, []string{"message"})
		if message == "" {
			message = "Unknown error"
		}
		errInfo, _ := extractNestedValue(ev.Params, "error", "codexErrorInfo")
		willRetry := extractBool(ev.Params, "willRetry", "will_retry")

		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			d := tx.thread(ev.ThreadID)
			d.insertItem(newItem("error-"+uuid.NewString(), ErrorContent{
				Message:   message,
				ErrorInfo: extractErrorInfo(errInfo),
				WillRetry: willRetry,
			}, StatusFailed, ev.ReceivedAt.UnixMilli()))
			d.Error = message
			if willRetry {
				return
			}
			e.failTurnLocked(tx, ev.ThreadID, message, true)
		})
		logger.Warn("thread: stream error",
			logger.FieldThreadID, ev.ThreadID,
			logger.FieldTurnID, ev.TurnID,
			logger.FieldError, message,
			"will_retry", willRetry,
		)
	}
}

func rateLimitMessage(retryAfter int64, ok bool) string {
	if !ok || retryAfter <= 0 {
		return "Rate limit exceeded. Please try again later."
	}
	return fmt.Sprintf("Rate limit exceeded. Please retry after %d seconds.", retryAfter)
}

func newRateLimitHandler(e *Engine) func(Event) {
	return func(ev Event) {
		retryAfter, ok := extractFirstIntByPaths(ev.Params,
			[]string{"retryAfterSeconds"}, []string{"retryAfter"}, []string{"retry_after"},
			[]string{"error", "retryAfterSeconds"}, []string{"error", "retryAfter"})
		message := rateLimitMessage(retryAfter, ok)

		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			e.failTurnLocked(tx, ev.ThreadID, message, false)
			tx.thread(ev.ThreadID).insertItem(newItem("error-"+uuid.NewString(), ErrorContent{
				Message:   message,
				ErrorInfo: "rateLimitExceeded",
			}, StatusFailed, ev.ReceivedAt.UnixMilli()))
		})
		logger.Warn("thread: rate limit exceeded", logger.FieldThreadID, ev.ThreadID, "retry_after_sec", retryAfter)
	}
}

const (
	disconnectedMessage = "Connection to the agent backend was lost."
	reconnectNotice     = "The connection will be restored automatically."
)

// newServerDisconnectedHandler is store-wide: it ignores the thread guard and visits every live thread.
func newServerDisconnectedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		message := extractFirstString(ev.Params, "message", "reason")
		if message == "" {
			message = disconnectedMessage
		}
		failed := 0
		e.store.apply(func(tx *txn) {
			tx.s.globalError = message
			now := ev.ReceivedAt.UnixMilli()
			for _, id := range tx.ids() {
				if !tx.live(id) {
					continue
				}
				if tx.peek(id).TurnStatus == TurnRunning {
					e.failTurnLocked(tx, id, message, false)
					tx.thread(id).insertItem(newItem("error-"+uuid.NewString(),
						ErrorContent{Message: message, ErrorInfo: "disconnected"}, StatusFailed, now))
					failed++
					continue
				}
				tx.thread(id).insertItem(newItem("info-"+uuid.NewString(),
					InfoContent{Title: "Connection lost", Details: reconnectNotice}, StatusCompleted, now))
			}
		})
		logger.Warn("thread: backend disconnected", logger.FieldError, message, logger.FieldCount, failed)
	}
}
