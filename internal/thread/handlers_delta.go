package thread

import (
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// bufferDelta runs write against the thread's delta buffer, then flushes at once
// if this is the item's first fragment or marks the thread dirty for the next tick.
func (e *Engine) bufferDelta(ev Event, write func(b *DeltaBuffer)) {
	if ev.ItemID == "" {
		return
	}
	e.store.apply(func(tx *txn) {
		if !tx.live(ev.ThreadID) {
			return
		}
		if tx.staleDelta(ev) {
			return
		}
		// fullCleanup drops the buffer whenever it bumps opSeq and staleDelta rejects
		// retired turns, so this only trips on a buffer that survived a cleanup.
		b := tx.buffer(ev.ThreadID)
		if b.seq != tx.s.opSeq[ev.ThreadID] {
			return
		}
		write(b)
		if b.markSeen(ev.ItemID) {
			tx.flushThread(ev.ThreadID)
			return
		}
		tx.s.dirty[ev.ThreadID] = b.seq
	})
}

// staleDelta reports whether ev belongs to a turn that already finished or was
// cleaned up, or to a turn other than the active one.
func (tx *txn) staleDelta(ev Event) bool {
	if ev.TurnID == "" {
		return false
	}
	stale := ev.TurnID == tx.s.retired[ev.ThreadID]
	if cur := tx.peek(ev.ThreadID); cur != nil && cur.CurrentTurnID != "" && cur.CurrentTurnID != ev.TurnID {
		stale = true
	}
	if stale {
		logger.Debug("thread: stale delta dropped",
			logger.FieldThreadID, ev.ThreadID,
			logger.FieldTurnID, ev.TurnID,
			logger.FieldEventType, string(ev.Kind),
		)
	}
	return stale
}

func deltaText(ev Event) string {
	return extractFirstString(ev.Params, "delta", "text", "chunk")
}

func newAgentMessageDeltaHandler(e *Engine) func(Event) {
	return func(ev Event) {
		delta := deltaText(ev)
		e.bufferDelta(ev, func(b *DeltaBuffer) { b.appendAgentText(ev.ItemID, delta) })
	}
}

func newCommandOutputDeltaHandler(e *Engine) func(Event) {
	return func(ev Event) {
		delta := deltaText(ev)
		e.bufferDelta(ev, func(b *DeltaBuffer) {
			b.appendOutput(b.commandOutput, ev.ItemID, delta, e.opts.MaxItemOutputBytes)
		})
	}
}

func newFileChangeOutputDeltaHandler(e *Engine) func(Event) {
	return func(ev Event) {
		delta := deltaText(ev)
		e.bufferDelta(ev, func(b *DeltaBuffer) {
			b.appendOutput(b.fileChangeOutput, ev.ItemID, delta, e.opts.MaxItemOutputBytes)
		})
	}
}

func partIndex(ev Event, keys ...string) int {
	for _, key := range keys {
		if idx, ok := extractIntValue(ev.Params[key]); ok && idx >= 0 {
			return int(idx)
		}
	}
	return 0
}

func newReasoningSummaryDeltaHandler(e *Engine) func(Event) {
	return func(ev Event) {
		delta := deltaText(ev)
		idx := partIndex(ev, "summaryIndex", "summary_index", "index")
		e.bufferDelta(ev, func(b *DeltaBuffer) {
			b.appendReasoning(b.reasoningSummary, ev.ItemID, idx, delta)
		})
	}
}

// newReasoningPartAddedHandler opens an empty summary part so later deltas land at its index.
func newReasoningPartAddedHandler(e *Engine) func(Event) {
	return func(ev Event) {
		idx := partIndex(ev, "summaryIndex", "summary_index", "index")
		e.bufferDelta(ev, func(b *DeltaBuffer) {
			b.appendReasoning(b.reasoningSummary, ev.ItemID, idx, "")
		})
	}
}

func newReasoningTextDeltaHandler(e *Engine) func(Event) {
	return func(ev Event) {
		delta := deltaText(ev)
		idx := partIndex(ev, "contentIndex", "content_index", "index")
		e.bufferDelta(ev, func(b *DeltaBuffer) {
			b.appendReasoning(b.reasoningContent, ev.ItemID, idx, delta)
		})
	}
}

func newMcpToolCallProgressHandler(e *Engine) func(Event) {
	return func(ev Event) {
		message := extractFirstString(ev.Params, "message", "progress")
		if message == "" {
			return
		}
		e.bufferDelta(ev, func(b *DeltaBuffer) { b.appendProgress(ev.ItemID, message) })
	}
}
