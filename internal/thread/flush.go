package thread

import (
	"context"
	"time"

	"github.com/multi-agent/thread-engine/pkg/logger"
)

// RunFlushScheduler flushes every dirty thread once per FlushInterval until ctx is done.
func (e *Engine) RunFlushScheduler(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	logger.Info("thread: flush scheduler started", "interval_ms", e.opts.FlushInterval.Milliseconds())
	for {
		select {
		case <-ctx.Done():
			e.flushDirty()
			return nil
		case <-ticker.C:
			e.flushDirty()
		}
	}
}

// flushDirty returns the number of threads flushed.
func (e *Engine) flushDirty() int {
	if !e.store.hasDirty() {
		return 0
	}
	n := 0
	e.store.apply(func(tx *txn) {
		for _, id := range sortedKeys(tx.s.dirty) {
			if tx.live(id) {
				tx.flushThread(id)
				n++
				continue
			}
			delete(tx.s.dirty, id)
		}
	})
	return n
}

// FlushNow synchronously drains the thread's delta buffer.
func (e *Engine) FlushNow(threadID string) {
	e.store.apply(func(tx *txn) {
		if tx.live(threadID) {
			tx.flushThread(threadID)
		}
	})
}
