package thread

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// Decision is the user's answer to an approval request.
type Decision string

const (
	DecisionApprove           Decision = "approve"
	DecisionReject            Decision = "reject"
	DecisionCancel            Decision = "cancel"
	DecisionApproveForSession Decision = "approveForSession"
)

// ParseDecision accepts the engine names and the backend aliases (accept, decline, acceptForSession).
func ParseDecision(s string) (Decision, error) {
	switch compactStatus(s) {
	case "approve", "approved", "accept", "accepted", "allow", "yes":
		return DecisionApprove, nil
	case "reject", "rejected", "decline", "declined", "deny", "denied", "no":
		return DecisionReject, nil
	case "cancel", "cancelled", "canceled", "abort":
		return DecisionCancel, nil
	case "approveforsession", "acceptforsession", "allowforsession":
		return DecisionApproveForSession, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

func (d Decision) valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionCancel, DecisionApproveForSession:
		return true
	}
	return false
}

// Approves reports whether the decision lets the command or change run.
func (d Decision) Approves() bool {
	return d == DecisionApprove || d == DecisionApproveForSession
}

// Approval audit outcomes.
const (
	OutcomeResponded = "responded"
	OutcomeTimedOut  = "timed_out"
)

// ApprovalTimedOutReason is the item reason set by the stale-approval sweep.
const ApprovalTimedOutReason = "Approval request timed out"

// ApprovalRecord is one audited approval outcome.
type ApprovalRecord struct {
	ThreadID  string       `json:"threadId"`
	ItemID    string       `json:"itemId"`
	Type      ApprovalKind `json:"type"`
	Decision  Decision     `json:"decision"`
	Outcome   string       `json:"outcome"`
	RequestID int64        `json:"requestId"`
	Delivered bool         `json:"delivered"`
	Attempts  int          `json:"attempts"`
	Error     string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
}

// RespondToApproval removes the pending approval exactly once, records the decision
// on the item and forwards it to the backend. A failed delivery puts the approval
// back so the caller can retry.
func (e *Engine) RespondToApproval(ctx context.Context, threadID, itemID string, decision Decision) error {
	if !decision.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	_, responder, _, _ := e.deps()
	if responder == nil {
		return ErrNoApprovalResponder
	}

	var (
		removed PendingApproval
		err     error
	)
	e.store.apply(func(tx *txn) {
		if err = guardLocked(tx, threadID); err != nil {
			return
		}
		if !tx.peek(threadID).hasApproval(itemID) {
			err = ErrApprovalNotFound
			return
		}
		d := tx.thread(threadID)
		removed, _ = d.removeApproval(itemID)
		d.mutateItem(itemID, func(it *ThreadItem) {
			it.Content = resolveApproval(it.Content, decision.Approves())
			if it.Status == StatusPending {
				if decision.Approves() {
					it.Status = StatusInProgress
				} else {
					it.Status = StatusFailed
				}
			}
		})
	})
	if err != nil {
		return err
	}

	sendErr := responder.RespondToApproval(ctx, ApprovalResponse{
		ThreadID:  threadID,
		ItemID:    itemID,
		Decision:  decision,
		RequestID: removed.RequestID,
	})
	rec := ApprovalRecord{
		ThreadID:  threadID,
		ItemID:    itemID,
		Type:      removed.Type,
		Decision:  decision,
		Outcome:   OutcomeResponded,
		RequestID: removed.RequestID,
		Delivered: sendErr == nil,
		Attempts:  1,
		At:        e.opts.Now(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
		e.restoreApproval(removed)
	}
	e.recordApproval(ctx, rec)

	if sendErr != nil {
		logger.Error("thread: approval delivery failed",
			logger.FieldThreadID, threadID,
			logger.FieldItemID, itemID,
			logger.FieldRequestID, removed.RequestID,
			logger.FieldError, sendErr,
		)
		return apperrors.Wrap(sendErr, "Engine.RespondToApproval", "deliver decision")
	}
	logger.Info("thread: approval answered",
		logger.FieldThreadID, threadID,
		logger.FieldItemID, itemID,
		logger.FieldDecision, string(decision),
	)
	return nil
}

func resolveApproval(content ItemContent, approved bool) ItemContent {
	switch c := content.(type) {
	case CommandExecutionContent:
		c.NeedsApproval = false
		c.Approved = &approved
		return c
	case FileChangeContent:
		c.NeedsApproval = false
		c.Approved = &approved
		return c
	default:
		return content
	}
}

// restoreApproval re-queues an approval whose answer never reached the backend,
// unless the turn it belonged to has ended meanwhile.
func (e *Engine) restoreApproval(a PendingApproval) {
	e.store.apply(func(tx *txn) {
		if !tx.live(a.ThreadID) {
			return
		}
		cur := tx.peek(a.ThreadID)
		if cur.TurnStatus != TurnRunning || cur.hasApproval(a.ItemID) {
			return
		}
		d := tx.thread(a.ThreadID)
		d.PendingApprovals = append(d.PendingApprovals, a)
		d.mutateItem(a.ItemID, func(it *ThreadItem) {
			switch c := it.Content.(type) {
			case CommandExecutionContent:
				c.NeedsApproval, c.Approved = true, nil
				it.Content = c
			case FileChangeContent:
				c.NeedsApproval, c.Approved = true, nil
				it.Content = c
			}
		})
	})
}

func (e *Engine) recordApproval(ctx context.Context, rec ApprovalRecord) {
	_, _, audit, _ := e.deps()
	if audit == nil {
		return
	}
	if err := audit.RecordApproval(ctx, rec); err != nil {
		logger.Warn("thread: approval audit failed",
			logger.FieldThreadID, rec.ThreadID, logger.FieldItemID, rec.ItemID, logger.FieldError, err)
	}
}

// ========================================
// stale approval sweep
// ========================================

// SweepStaleApprovals fails every approval older than ApprovalTimeout and sends
// the backend a best-effort cancel. Overlapping calls share one sweep.
func (e *Engine) SweepStaleApprovals(ctx context.Context) (int, error) {
	v, err, shared := e.sweeps.Do("sweep", func() (any, error) {
		return e.sweepStaleApprovals(ctx), nil
	})
	if shared {
		logger.Debug("thread: approval sweep joined in-flight run")
	}
	n, _ := v.(int)
	return n, err
}

func (e *Engine) sweepStaleApprovals(ctx context.Context) int {
	cutoff := e.opts.Now().Add(-e.opts.ApprovalTimeout).UnixMilli()
	var stale []PendingApproval

	e.store.apply(func(tx *txn) {
		for _, id := range tx.ids() {
			if !tx.live(id) {
				continue
			}
			expired := func(a PendingApproval) bool { return a.CreatedAt < cutoff }
			if !slices.ContainsFunc(tx.peek(id).PendingApprovals, expired) {
				continue
			}
			d := tx.thread(id)
			kept := d.PendingApprovals[:0]
			for _, a := range d.PendingApprovals {
				if !expired(a) {
					kept = append(kept, a)
					continue
				}
				stale = append(stale, a)
				d.mutateItem(a.ItemID, markApprovalTimedOut)
			}
			d.PendingApprovals = kept
		}
	})
	if len(stale) == 0 {
		return 0
	}
	logger.Warn("thread: stale approvals expired", logger.FieldCount, len(stale))

	_, responder, _, _ := e.deps()
	var g errgroup.Group
	g.SetLimit(4)
	for _, a := range stale {
		g.Go(func() error {
			rec := ApprovalRecord{
				ThreadID:  a.ThreadID,
				ItemID:    a.ItemID,
				Type:      a.Type,
				Decision:  DecisionCancel,
				Outcome:   OutcomeTimedOut,
				RequestID: a.RequestID,
			}
			if responder == nil {
				rec.Error = ErrNoApprovalResponder.Error()
			} else {
				attempts, err := e.cancelWithRetry(ctx, responder, a)
				rec.Attempts = attempts
				rec.Delivered = err == nil
				if err != nil {
					rec.Error = err.Error()
				}
			}
			rec.At = e.opts.Now()
			e.recordApproval(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return len(stale)
}

func markApprovalTimedOut(it *ThreadItem) {
	it.Status = StatusFailed
	switch c := it.Content.(type) {
	case CommandExecutionContent:
		c.NeedsApproval = false
		c.Reason = ApprovalTimedOutReason
		c.IsStreaming = false
		it.Content = c
	case FileChangeContent:
		c.NeedsApproval = false
		c.Reason = ApprovalTimedOutReason
		c.IsStreaming = false
		it.Content = c
	}
}

// cancelWithRetry sends cancel once plus ApprovalCancelRetries retries with
// exponential backoff. It returns the number of attempts made.
func (e *Engine) cancelWithRetry(ctx context.Context, r ApprovalResponder, a PendingApproval) (int, error) {
	resp := ApprovalResponse{ThreadID: a.ThreadID, ItemID: a.ItemID, Decision: DecisionCancel, RequestID: a.RequestID}
	delay := e.opts.ApprovalRetryBase
	maxAttempts := 1 + e.opts.ApprovalCancelRetries
	for attempt := 1; ; attempt++ {
		err := r.RespondToApproval(ctx, resp)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts {
			logger.Warn("thread: approval cancel gave up",
				logger.FieldThreadID, a.ThreadID,
				logger.FieldItemID, a.ItemID,
				logger.FieldAttempt, attempt,
				logger.FieldError, err,
			)
			return attempt, err
		}
		logger.Debug("thread: approval cancel retry",
			logger.FieldItemID, a.ItemID, logger.FieldAttempt, attempt, "delay_ms", delay.Milliseconds())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// RunApprovalSweeper sweeps stale approvals every interval until ctx is done.
func (e *Engine) RunApprovalSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := e.SweepStaleApprovals(ctx); err != nil {
				logger.Warn("thread: approval sweep failed", logger.FieldError, err)
			} else if n > 0 {
				logger.Info("thread: approval sweep done", logger.FieldCount, n)
			}
		}
	}
}
