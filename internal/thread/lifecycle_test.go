package thread

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendMessageStartsTurn(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	overrides := SessionOverrides{Model: "o3", ApprovalPolicy: "on-request"}
	if err := r.engine.SetSessionOverrides("t1", overrides); err != nil {
		t.Fatalf("SetSessionOverrides: %v", err)
	}

	res, err := r.engine.SendMessage(t.Context(), "t1", "  fix the build  ", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Queued || res.TurnID != "turn-1" || res.MessageID == "" {
		t.Errorf("result = %+v", res)
	}

	st := r.state(t, "t1")
	if st.TurnStatus != TurnRunning || st.CurrentTurnID != "turn-1" {
		t.Errorf("status=%q turn=%q", st.TurnStatus, st.CurrentTurnID)
	}
	if n := countUserMessages(st, "fix the build"); n != 1 {
		t.Errorf("local user items = %d, want 1", n)
	}
	if len(r.starter.starts) != 1 || r.starter.starts[0].overrides != overrides {
		t.Errorf("starts = %+v", r.starter.starts)
	}

	// 后端回显同一条用户消息, 不应出现两条
	r.startTurn("t1", "turn-1")
	r.dispatch(EventItemStarted, "t1", "turn-1", "srv-u1", map[string]any{"item": userMessageRaw("srv-u1", "fix the build")})
	if n := countUserMessages(r.state(t, "t1"), "fix the build"); n != 1 {
		t.Errorf("user items after echo = %d, want 1", n)
	}
}

func TestSendWhileRunningQueues(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	if _, err := r.engine.SendMessage(t.Context(), "t1", "first", nil); err != nil {
		t.Fatalf("SendMessage(first): %v", err)
	}
	r.startTurn("t1", "turn-1")

	res, err := r.engine.SendMessage(t.Context(), "t1", "second", []string{"/tmp/a.png"})
	if err != nil {
		t.Fatalf("SendMessage(second): %v", err)
	}
	if !res.Queued || res.QueueLength != 1 || res.TurnID != "" {
		t.Errorf("result = %+v", res)
	}
	st := r.state(t, "t1")
	if st.CurrentTurnID != "turn-1" || st.TurnStatus != TurnRunning {
		t.Errorf("status=%q turn=%q", st.TurnStatus, st.CurrentTurnID)
	}
	if len(st.QueuedMessages) != 1 || st.QueuedMessages[0].Text != "second" || len(st.QueuedMessages[0].Images) != 1 {
		t.Errorf("QueuedMessages = %+v", st.QueuedMessages)
	}
	if n := r.starter.startCount(); n != 1 {
		t.Errorf("StartTurn calls = %d, want 1", n)
	}
}

func TestQueuedMessageDispatchedOnce(t *testing.T) {
	for _, status := range []string{"completed", "interrupted"} {
		t.Run(status, func(t *testing.T) {
			r := newTestRig(t)
			r.addThread(t, "t1")
			if _, err := r.engine.SendMessage(t.Context(), "t1", "first", nil); err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			r.startTurn("t1", "turn-1")
			if _, err := r.engine.SendMessage(t.Context(), "t1", "second", nil); err != nil {
				t.Fatalf("SendMessage: %v", err)
			}

			r.dispatch(EventTurnCompleted, "t1", "turn-1", "", map[string]any{"turn": map[string]any{"id": "turn-1", "status": status}})

			waitFor(t, "queued dispatch", func() bool {
				st, _ := r.engine.Store().Thread("t1")
				return r.starter.startCount() == 2 && len(st.QueuedMessages) == 0 && st.CurrentTurnID == "turn-2"
			})
			time.Sleep(30 * time.Millisecond)
			if n := r.starter.startCount(); n != 2 {
				t.Errorf("StartTurn calls = %d, want 2", n)
			}
			st := r.state(t, "t1")
			if st.TurnStatus != TurnRunning {
				t.Errorf("TurnStatus = %q, want running", st.TurnStatus)
			}
			if n := countUserMessages(st, "second"); n != 1 {
				t.Errorf("user items for queued message = %d, want 1", n)
			}
		})
	}
}

func TestSendAfterCompletionKeepsQueueOrder(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	if _, err := r.engine.SendMessage(t.Context(), "t1", "first", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	r.startTurn("t1", "turn-1")
	if res, err := r.engine.SendMessage(t.Context(), "t1", "queued", nil); err != nil || !res.Queued {
		t.Fatalf("SendMessage(queued) = %+v, %v", res, err)
	}
	r.dispatch(EventTurnCompleted, "t1", "turn-1", "", map[string]any{"turn": map[string]any{"id": "turn-1", "status": "completed"}})

	// Sent before the deferred dispatch gets a chance to run.
	res, err := r.engine.SendMessage(t.Context(), "t1", "late", nil)
	if err != nil {
		t.Fatalf("SendMessage(late): %v", err)
	}
	if !res.Queued || res.QueueLength != 1 {
		t.Errorf("late send = %+v, want queued behind the older message", res)
	}

	waitFor(t, "queued turn started", func() bool { return r.starter.startCount() == 2 })
	time.Sleep(30 * time.Millisecond)
	texts := r.starter.startedTexts()
	if len(texts) != 2 || texts[1] != "queued" {
		t.Fatalf("started turns = %q, want [first queued]", texts)
	}
	st := r.state(t, "t1")
	if len(st.QueuedMessages) != 1 || st.QueuedMessages[0].Text != "late" {
		t.Errorf("QueuedMessages = %+v, want [late]", st.QueuedMessages)
	}
	if st.TurnStatus != TurnRunning {
		t.Errorf("TurnStatus = %q, want running", st.TurnStatus)
	}
}

func TestQueueHeldAfterFailedTurn(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	if _, err := r.engine.SendMessage(t.Context(), "t1", "first", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	r.startTurn("t1", "turn-1")
	if _, err := r.engine.SendMessage(t.Context(), "t1", "second", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	r.dispatch(EventTurnCompleted, "t1", "turn-1", "", map[string]any{"turn": map[string]any{"id": "turn-1", "status": "failed"}})

	time.Sleep(30 * time.Millisecond)
	if n := r.starter.startCount(); n != 1 {
		t.Errorf("StartTurn calls = %d, want 1", n)
	}
	if st := r.state(t, "t1"); len(st.QueuedMessages) != 1 {
		t.Errorf("QueuedMessages = %d, want 1", len(st.QueuedMessages))
	}
}

func TestSendMessageStartFailureFailsThread(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	boom := errors.New("turn/start rejected")
	r.starter.startErr = boom

	_, err := r.engine.SendMessage(t.Context(), "t1", "hello", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	st := r.state(t, "t1")
	if st.TurnStatus != TurnFailed || !strings.Contains(st.Error, "rejected") {
		t.Errorf("status=%q error=%q", st.TurnStatus, st.Error)
	}
	if r.engine.ActiveWatchdogs() != 0 {
		t.Errorf("ActiveWatchdogs = %d, want 0", r.engine.ActiveWatchdogs())
	}
}

func TestSendMessageErrors(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")

	if _, err := r.engine.SendMessage(t.Context(), "missing", "hi", nil); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("unknown thread: err = %v", err)
	}
	if _, err := r.engine.SendMessage(t.Context(), "t1", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty message: err = %v", err)
	}

	bare := NewEngine(DefaultOptions())
	if err := bare.AddThread(ThreadInfo{ID: "t1"}); err != nil {
		t.Fatalf("AddThread: %v", err)
	}
	if _, err := bare.SendMessage(t.Context(), "t1", "hi", nil); !errors.Is(err, ErrNoTurnStarter) {
		t.Errorf("no starter: err = %v", err)
	}
	if err := bare.AddThread(ThreadInfo{ID: " "}); err == nil {
		t.Error("AddThread accepted an empty id")
	}
}

func TestInterrupt(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	if err := r.engine.Interrupt(t.Context(), "t1"); !errors.Is(err, ErrNoActiveTurn) {
		t.Errorf("idle interrupt: err = %v", err)
	}
	r.startTurn("t1", "turn-1")
	if err := r.engine.Interrupt(t.Context(), "t1"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if len(r.starter.interrupts) != 1 || r.starter.interrupts[0] != "t1/turn-1" {
		t.Errorf("interrupts = %v", r.starter.interrupts)
	}
}

func TestCloseThread(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	r.startTurn("t1", "turn-1")
	r.dispatch(EventAgentMessageDelta, "t1", "turn-1", "X", map[string]any{"delta": "a"})
	r.dispatch(EventAgentMessageDelta, "t1", "turn-1", "X", map[string]any{"delta": "b"})

	if err := r.engine.CloseThread(context.Background(), "t1"); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	if _, ok := r.engine.Store().Thread("t1"); ok {
		t.Fatal("thread still in store after close")
	}
	if r.engine.Store().IsClosing("t1") {
		t.Error("thread left in the closing set")
	}
	if r.engine.ActiveWatchdogs() != 0 {
		t.Errorf("ActiveWatchdogs = %d, want 0", r.engine.ActiveWatchdogs())
	}
	if len(r.starter.interrupts) != 1 {
		t.Errorf("interrupts = %v, want the running turn interrupted", r.starter.interrupts)
	}

	r.engine.store.mu.RLock()
	_, seqKept := r.engine.store.opSeq["t1"]
	r.engine.store.mu.RUnlock()
	if seqKept {
		t.Error("operation seq entry left behind after close")
	}

	r.dispatch(EventItemStarted, "t1", "turn-1", "late", map[string]any{"item": userMessageRaw("late", "late")})
	r.engine.FlushNow("t1")
	if _, ok := r.engine.Store().Thread("t1"); ok {
		t.Error("late event resurrected a closed thread")
	}
	if err := r.engine.CloseThread(context.Background(), "t1"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("second close: err = %v", err)
	}
}

func TestEventsIgnoredWhileClosing(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	r.startTurn("t1", "turn-1")
	r.dispatch(EventItemStarted, "t1", "turn-1", "A", map[string]any{"item": map[string]any{"id": "A", "type": "agentMessage", "text": ""}})

	var (
		closing bool
		before  *SingleThreadState
		after   *SingleThreadState
		present bool
	)
	r.starter.onInterrupt = func(threadID, _ string) {
		closing = r.engine.Store().IsClosing(threadID)
		before, _ = r.engine.Store().Thread(threadID)
		r.dispatch(EventItemStarted, threadID, "turn-1", "B", map[string]any{"item": userMessageRaw("B", "during close")})
		r.dispatch(EventAgentMessageDelta, threadID, "turn-1", "A", map[string]any{"delta": "ignored"})
		r.engine.FlushNow(threadID)
		after, present = r.engine.Store().Thread(threadID)
	}

	if err := r.engine.CloseThread(context.Background(), "t1"); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	if !closing {
		t.Fatal("thread not in the closing set while the turn was interrupted")
	}
	if !present {
		t.Fatal("thread removed before teardown finished")
	}
	if after != before {
		t.Error("state changed while the thread was closing")
	}
	if _, ok := after.Items["B"]; ok {
		t.Error("item-started applied to a closing thread")
	}
	if msg, ok := after.Items["A"].Content.(AgentMessageContent); ok && msg.Text != "" {
		t.Errorf("delta applied to a closing thread: %q", msg.Text)
	}
	r.engine.store.mu.RLock()
	_, buffered := r.engine.store.buffers["t1"]
	r.engine.store.mu.RUnlock()
	if buffered {
		t.Error("delta buffer created for a closing thread")
	}
}

func TestWatchdogFailsTurn(t *testing.T) {
	r := newTestRig(t, func(o *Options) { o.TurnTimeout = 30 * time.Millisecond })
	r.addThread(t, "t1")
	r.startTurn("t1", "turn-1")
	req := int64(5)
	r.engine.Dispatch(Event{Kind: EventCommandApprovalRequest, ThreadID: "t1", TurnID: "turn-1", ItemID: "c1", RequestID: &req})

	waitFor(t, "watchdog", func() bool {
		st, _ := r.engine.Store().Thread("t1")
		return st.TurnStatus == TurnFailed
	})
	st := r.state(t, "t1")
	if st.CurrentTurnID != "" {
		t.Errorf("CurrentTurnID = %q, want empty", st.CurrentTurnID)
	}
	if len(st.PendingApprovals) != 0 {
		t.Errorf("PendingApprovals = %d, want 0", len(st.PendingApprovals))
	}
	if st.Error != TurnTimedOutMessage {
		t.Errorf("Error = %q", st.Error)
	}
}

func TestWatchdogClearedByCompletion(t *testing.T) {
	r := newTestRig(t, func(o *Options) { o.TurnTimeout = 30 * time.Millisecond })
	r.addThread(t, "t1")
	r.startTurn("t1", "turn-1")
	r.dispatch(EventTurnCompleted, "t1", "turn-1", "", map[string]any{"turn": map[string]any{"id": "turn-1", "status": "completed"}})

	time.Sleep(80 * time.Millisecond)
	if st := r.state(t, "t1"); st.TurnStatus != TurnCompleted || st.Error != "" {
		t.Errorf("status=%q error=%q, want completed without error", st.TurnStatus, st.Error)
	}
}
