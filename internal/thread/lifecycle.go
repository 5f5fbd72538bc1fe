package thread

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// SendResult reports what SendMessage did with the message.
type SendResult struct {
	Queued      bool   `json:"queued"`
	MessageID   string `json:"messageId"`
	TurnID      string `json:"turnId,omitempty"`
	QueueLength int    `json:"queueLength"`
}

// guardLocked mirrors the handler guard for user actions, but reports why.
func guardLocked(tx *txn, threadID string) error {
	if _, closing := tx.s.closing[threadID]; closing {
		return ErrThreadClosing
	}
	if tx.peek(threadID) == nil {
		return ErrThreadNotFound
	}
	return nil
}

// AddThread registers a started or resumed thread. Known threads only get their metadata merged.
func (e *Engine) AddThread(info ThreadInfo) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Engine.AddThread", "empty thread id")
	}
	var err error
	e.store.apply(func(tx *txn) {
		if _, closing := tx.s.closing[info.ID]; closing {
			err = ErrThreadClosing
			return
		}
		e.upsertThreadLocked(tx, info)
	})
	return err
}

func (e *Engine) upsertThreadLocked(tx *txn, info ThreadInfo) {
	if _, closing := tx.s.closing[info.ID]; closing {
		return
	}
	if tx.peek(info.ID) != nil {
		d := tx.thread(info.ID)
		d.Thread = d.Thread.merge(info)
		return
	}
	tx.create(info.ID, newThreadState(info))
	logger.Info("thread: registered", logger.FieldThreadID, info.ID, "cwd", info.Cwd, "model", info.Model)
}

// SetSessionOverrides replaces the settings forwarded with the thread's next turns.
func (e *Engine) SetSessionOverrides(threadID string, overrides SessionOverrides) error {
	var err error
	e.store.apply(func(tx *txn) {
		if err = guardLocked(tx, threadID); err != nil {
			return
		}
		tx.thread(threadID).SessionOverrides = overrides
	})
	return err
}

// SendMessage starts a turn when the thread is idle and queues the message while a
// turn runs. Messages already waiting in the queue always start first.
func (e *Engine) SendMessage(ctx context.Context, threadID, text string, images []string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(images) == 0 {
		return SendResult{}, ErrEmptyMessage
	}
	if starter, _, _, _ := e.deps(); starter == nil {
		return SendResult{}, ErrNoTurnStarter
	}
	msg := QueuedMessage{
		ID:       uuid.NewString(),
		Text:     text,
		Images:   slices.Clone(images),
		QueuedAt: e.opts.Now().UnixMilli(),
	}

	var (
		res       SendResult
		err       error
		next      QueuedMessage
		start     bool
		overrides SessionOverrides
	)
	e.store.apply(func(tx *txn) {
		if err = guardLocked(tx, threadID); err != nil {
			return
		}
		running := tx.peek(threadID).TurnStatus == TurnRunning
		if !running && len(tx.peek(threadID).QueuedMessages) == 0 {
			next = msg
			overrides = e.beginLocalTurnLocked(tx, threadID, msg)
			start = true
			res = SendResult{MessageID: msg.ID}
			return
		}
		d := tx.thread(threadID)
		d.QueuedMessages = append(d.QueuedMessages, msg)
		if !running {
			// The deferred dispatch after TurnCompleted has not run yet: start the
			// queue head now so later messages never overtake it.
			next = d.QueuedMessages[0]
			d.QueuedMessages = slices.Delete(d.QueuedMessages, 0, 1)
			overrides = e.beginLocalTurnLocked(tx, threadID, next)
			start = true
		}
		res = SendResult{Queued: true, MessageID: msg.ID, QueueLength: len(d.QueuedMessages)}
	})
	if err != nil {
		return SendResult{}, err
	}
	if res.Queued {
		logger.Info("thread: message queued", logger.FieldThreadID, threadID, logger.FieldCount, res.QueueLength)
	}
	if !start {
		return res, nil
	}
	turnID, err := e.startTurn(ctx, threadID, next, overrides)
	if next.ID != msg.ID {
		// The started turn belongs to the queue head; its failure is already on the thread.
		return res, nil
	}
	res.TurnID = turnID
	return res, err
}

// beginLocalTurnLocked records the user's message and moves the thread to running
// before the backend acknowledges the turn.
func (e *Engine) beginLocalTurnLocked(tx *txn, threadID string, msg QueuedMessage) SessionOverrides {
	d := tx.thread(threadID)
	first := !d.hasUserMessage()
	d.insertItem(newItem("local-"+msg.ID, UserMessageContent{Text: msg.Text, Images: slices.Clone(msg.Images)},
		StatusCompleted, msg.QueuedAt))
	if first {
		e.proposeFirstMessage(tx, threadID, msg.Text)
	}
	d.TurnStatus = TurnRunning
	d.CurrentTurnID = ""
	d.Error = ""
	d.TurnTiming = TurnTiming{StartedAt: tx.nowMS()}
	e.armWatchdogLocked(tx, threadID, "")
	e.notifyStatus(tx, threadID)
	return d.SessionOverrides
}

// startTurn calls the backend outside the store lock. A failure before the
// backend reported the turn fails the thread with the error.
func (e *Engine) startTurn(ctx context.Context, threadID string, msg QueuedMessage, overrides SessionOverrides) (string, error) {
	starter, _, _, _ := e.deps()
	var turnID string
	err := ErrNoTurnStarter
	if starter != nil {
		turnID, err = starter.StartTurn(ctx, threadID, msg, overrides)
	}
	if err != nil {
		message := err.Error()
		e.store.apply(func(tx *txn) {
			if !tx.live(threadID) {
				return
			}
			cur := tx.peek(threadID)
			if cur.TurnStatus != TurnRunning || cur.CurrentTurnID != "" {
				return
			}
			e.failTurnLocked(tx, threadID, message, true)
		})
		logger.Error("thread: start turn failed", logger.FieldThreadID, threadID, logger.FieldError, message)
		return "", apperrors.Wrap(err, "Engine.SendMessage", "start turn")
	}

	e.store.apply(func(tx *txn) {
		if turnID == "" || !tx.live(threadID) {
			return
		}
		cur := tx.peek(threadID)
		if cur.TurnStatus != TurnRunning || cur.CurrentTurnID != "" || tx.s.retired[threadID] == turnID {
			return
		}
		tx.thread(threadID).CurrentTurnID = turnID
		if wd, ok := tx.s.watchdogs[threadID]; ok && wd.turnID == "" {
			wd.turnID = turnID
		}
	})
	logger.Info("thread: turn requested", logger.FieldThreadID, threadID, logger.FieldTurnID, turnID)
	return turnID, nil
}

// dispatchNextQueued starts the oldest queued message, if the thread is still idle.
func (e *Engine) dispatchNextQueued(threadID string) {
	var (
		msg       QueuedMessage
		ok        bool
		overrides SessionOverrides
	)
	e.store.apply(func(tx *txn) {
		if !tx.live(threadID) {
			return
		}
		cur := tx.peek(threadID)
		if cur.TurnStatus == TurnRunning || len(cur.QueuedMessages) == 0 {
			return
		}
		d := tx.thread(threadID)
		msg = d.QueuedMessages[0]
		d.QueuedMessages = slices.Delete(d.QueuedMessages, 0, 1)
		overrides = e.beginLocalTurnLocked(tx, threadID, msg)
		ok = true
	})
	if !ok {
		return
	}
	logger.Info("thread: dispatching queued message", logger.FieldThreadID, threadID, "message_id", msg.ID)

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StartTimeout)
	defer cancel()
	_, _ = e.startTurn(ctx, threadID, msg, overrides)
}

// Interrupt asks the backend to stop the thread's running turn. The state moves
// to interrupted when the backend reports the turn as completed.
func (e *Engine) Interrupt(ctx context.Context, threadID string) error {
	var (
		turnID string
		err    error
	)
	e.store.apply(func(tx *txn) {
		if err = guardLocked(tx, threadID); err != nil {
			return
		}
		cur := tx.peek(threadID)
		if cur.TurnStatus != TurnRunning || cur.CurrentTurnID == "" {
			err = ErrNoActiveTurn
			return
		}
		turnID = cur.CurrentTurnID
	})
	if err != nil {
		return err
	}
	starter, _, _, _ := e.deps()
	if starter == nil {
		return ErrNoTurnStarter
	}
	if err := starter.InterruptTurn(ctx, threadID, turnID); err != nil {
		return apperrors.Wrapf(err, "Engine.Interrupt", "interrupt turn %s", turnID)
	}
	logger.Info("thread: interrupt requested", logger.FieldThreadID, threadID, logger.FieldTurnID, turnID)
	return nil
}

// CloseThread tears the thread down. While it runs the thread is in the closing
// set and every handler for it is a no-op.
func (e *Engine) CloseThread(ctx context.Context, threadID string) error {
	var (
		turnID string
		err    error
	)
	e.store.apply(func(tx *txn) {
		if err = guardLocked(tx, threadID); err != nil {
			return
		}
		tx.s.closing[threadID] = struct{}{}
		e.stopWatchdogLocked(threadID)
		if cur := tx.peek(threadID); cur.TurnStatus == TurnRunning {
			turnID = cur.CurrentTurnID
		}
		tx.fullCleanup(threadID)
	})
	if err != nil {
		return err
	}

	if starter, _, _, _ := e.deps(); starter != nil && turnID != "" {
		if ierr := starter.InterruptTurn(ctx, threadID, turnID); ierr != nil {
			logger.Warn("thread: interrupt on close failed",
				logger.FieldThreadID, threadID, logger.FieldTurnID, turnID, logger.FieldError, ierr)
		}
	}

	e.store.apply(func(tx *txn) {
		tx.remove(threadID)
		delete(tx.s.buffers, threadID)
		delete(tx.s.dirty, threadID)
		delete(tx.s.retired, threadID)
		delete(tx.s.opSeq, threadID)
		delete(tx.s.closing, threadID)
	})
	logger.Info("thread: closed", logger.FieldThreadID, threadID)
	return nil
}

// SetGlobalError sets the store-wide error shown when the backend is unhealthy.
func (e *Engine) SetGlobalError(message string) {
	e.store.apply(func(tx *txn) {
		tx.s.globalError = message
	})
	e.publishChanged("", e.store.Version())
}

// ClearGlobalError resets the store-wide error, typically after a reconnect.
func (e *Engine) ClearGlobalError() {
	if e.store.GlobalError() == "" {
		return
	}
	e.SetGlobalError("")
}
