package thread

import (
	"strings"

	"github.com/multi-agent/thread-engine/pkg/logger"
	"github.com/multi-agent/thread-engine/pkg/util"
)

func newTurnStartedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			e.armWatchdogLocked(tx, ev.ThreadID, ev.TurnID)
			d := tx.thread(ev.ThreadID)
			d.TurnStatus = TurnRunning
			if ev.TurnID != "" {
				d.CurrentTurnID = ev.TurnID
			}
			d.TurnTiming = TurnTiming{StartedAt: ev.ReceivedAt.UnixMilli()}
			d.Error = ""
			e.notifyStatus(tx, ev.ThreadID)
		})
		logger.Info("thread: turn started", logger.FieldThreadID, ev.ThreadID, logger.FieldTurnID, ev.TurnID)
	}
}

func newTurnCompletedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		rawStatus := extractNestedFirstString(ev.Params, []string{"turn", "status"}, []string{"status"})
		status := mapTurnStatus(rawStatus)
		errMsg := extractNestedFirstString(ev.Params,
			[]string{"turn", "error", "message"}, []string{"error", "message"}, []string{"turn", "error"})

		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			cur := tx.peek(ev.ThreadID)
			if cur.CurrentTurnID != "" && ev.TurnID != "" && cur.CurrentTurnID != ev.TurnID {
				logger.Warn("thread: turn id mismatch, completion skipped",
					logger.FieldThreadID, ev.ThreadID,
					"active_turn_id", cur.CurrentTurnID,
					"event_turn_id", ev.TurnID,
				)
				return
			}
			e.stopWatchdogLocked(ev.ThreadID)
			tx.flushThread(ev.ThreadID)

			d := tx.thread(ev.ThreadID)
			if status == TurnFailed {
				d.finalizeStreaming(StatusFailed)
				if errMsg != "" {
					d.Error = errMsg
				}
			} else {
				d.finalizeStreaming(StatusCompleted)
			}
			if turnID := util.FirstNonEmpty(d.CurrentTurnID, ev.TurnID); turnID != "" {
				tx.s.retired[ev.ThreadID] = turnID
			}
			d.endTurn(status, ev.ReceivedAt.UnixMilli())
			delete(tx.s.buffers, ev.ThreadID)
			e.notifyStatus(tx, ev.ThreadID)

			if (status == TurnCompleted || status == TurnInterrupted) && len(d.QueuedMessages) > 0 {
				threadID := ev.ThreadID
				// 提交之后再异步派发, 读者先看到本次完成状态
				tx.after(func() { util.SafeGo(func() { e.dispatchNextQueued(threadID) }) })
			}
		})
		logger.Info("thread: turn completed",
			logger.FieldThreadID, ev.ThreadID,
			logger.FieldTurnID, ev.TurnID,
			logger.FieldStatus, string(status),
		)
	}
}

// mapTurnStatus maps the backend's turn status. Unknown values are logged and treated as completed.
func mapTurnStatus(raw string) TurnStatus {
	switch compactStatus(raw) {
	case "completed", "complete", "done", "success", "succeeded":
		return TurnCompleted
	case "interrupted", "cancelled", "canceled", "aborted":
		return TurnInterrupted
	case "failed", "failure", "error", "errored", "timeout", "timedout":
		return TurnFailed
	case "":
		return TurnCompleted
	default:
		logger.Warn("thread: unknown turn status, treated as completed", logger.FieldStatus, strings.TrimSpace(raw))
		return TurnCompleted
	}
}
