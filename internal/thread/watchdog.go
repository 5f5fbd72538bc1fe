package thread

import (
	"time"

	"github.com/multi-agent/thread-engine/pkg/logger"
)

// TurnTimedOutMessage is the thread error set when the watchdog fires.
const TurnTimedOutMessage = "Turn timed out"

type watchdog struct {
	timer  *time.Timer
	turnID string
	gen    uint64
}

// armWatchdogLocked replaces the thread's watchdog with a fresh one for turnID.
func (e *Engine) armWatchdogLocked(tx *txn, threadID, turnID string) {
	e.stopWatchdogLocked(threadID)
	s := tx.s
	s.wdGen++
	gen := s.wdGen
	startedAt := time.Now()
	timeout := e.opts.TurnTimeout
	s.watchdogs[threadID] = &watchdog{
		turnID: turnID,
		gen:    gen,
		timer: time.AfterFunc(timeout, func() {
			logger.Warn("thread: watchdog timeout reached",
				logger.FieldThreadID, threadID,
				logger.FieldTurnID, turnID,
				"watchdog_timeout_ms", timeout.Milliseconds(),
				"turn_age_ms", time.Since(startedAt).Milliseconds(),
			)
			e.onWatchdogFired(threadID, gen)
		}),
	}
}

// stopWatchdogLocked must be called with the store lock held.
func (e *Engine) stopWatchdogLocked(threadID string) {
	if wd, ok := e.store.watchdogs[threadID]; ok {
		wd.timer.Stop()
		delete(e.store.watchdogs, threadID)
	}
}

func (e *Engine) onWatchdogFired(threadID string, gen uint64) {
	e.store.apply(func(tx *txn) {
		wd, ok := tx.s.watchdogs[threadID]
		if !ok || wd.gen != gen {
			return
		}
		delete(tx.s.watchdogs, threadID)
		if !tx.live(threadID) {
			return
		}
		if cur := tx.peek(threadID); cur.TurnStatus != TurnRunning {
			return
		}
		e.failTurnLocked(tx, threadID, TurnTimedOutMessage, false)
	})
}

// failTurnLocked is the shared turn-fatal path: full cleanup, failed status,
// no current turn and no pending approvals. flush keeps already-buffered text.
func (e *Engine) failTurnLocked(tx *txn, threadID, message string, flush bool) {
	e.stopWatchdogLocked(threadID)
	if flush {
		tx.flushThread(threadID)
	}
	tx.fullCleanup(threadID)
	d := tx.thread(threadID)
	d.finalizeStreaming(StatusFailed)
	d.endTurn(TurnFailed, tx.nowMS())
	d.Error = message
	e.notifyStatus(tx, threadID)
}

// ActiveWatchdogs returns the number of armed turn watchdogs.
func (e *Engine) ActiveWatchdogs() int {
	e.store.mu.RLock()
	defer e.store.mu.RUnlock()
	return len(e.store.watchdogs)
}
