package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type startCall struct {
	threadID  string
	msg       QueuedMessage
	overrides SessionOverrides
}

type fakeStarter struct {
	mu         sync.Mutex
	starts     []startCall
	interrupts []string
	startErr   error
	// onInterrupt runs outside the lock after an InterruptTurn call is recorded.
	onInterrupt func(threadID, turnID string)
}

func (f *fakeStarter) StartTurn(_ context.Context, threadID string, msg QueuedMessage, overrides SessionOverrides) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, startCall{threadID: threadID, msg: msg, overrides: overrides})
	return fmt.Sprintf("turn-%d", len(f.starts)), nil
}

func (f *fakeStarter) InterruptTurn(_ context.Context, threadID, turnID string) error {
	f.mu.Lock()
	f.interrupts = append(f.interrupts, threadID+"/"+turnID)
	hook := f.onInterrupt
	f.mu.Unlock()
	if hook != nil {
		hook(threadID, turnID)
	}
	return nil
}

func (f *fakeStarter) startedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.starts))
	for _, s := range f.starts {
		out = append(out, s.msg.Text)
	}
	return out
}

func (f *fakeStarter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type fakeResponder struct {
	mu        sync.Mutex
	responses []ApprovalResponse
	failFirst int // 前 N 次调用返回错误
}

var errResponder = errors.New("responder unavailable")

func (f *fakeResponder) RespondToApproval(_ context.Context, resp ApprovalResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	if f.failFirst > 0 {
		f.failFirst--
		return errResponder
	}
	return nil
}

func (f *fakeResponder) calls() []ApprovalResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ApprovalResponse(nil), f.responses...)
}

type fakeAudit struct {
	mu      sync.Mutex
	records []ApprovalRecord
}

func (f *fakeAudit) RecordApproval(_ context.Context, rec ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) all() []ApprovalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ApprovalRecord(nil), f.records...)
}

type published struct {
	topic   string
	source  string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishJSON(topic, _, source string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, source: source, payload: payload})
}

func (f *fakePublisher) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type testRig struct {
	engine    *Engine
	clock     *fakeClock
	starter   *fakeStarter
	responder *fakeResponder
	audit     *fakeAudit
	pub       *fakePublisher
}

func newTestRig(t *testing.T, mutate ...func(*Options)) *testRig {
	t.Helper()
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.ApprovalRetryBase = time.Millisecond
	for _, m := range mutate {
		m(&opts)
	}
	r := &testRig{
		engine:    NewEngine(opts),
		clock:     clock,
		starter:   &fakeStarter{},
		responder: &fakeResponder{},
		audit:     &fakeAudit{},
		pub:       &fakePublisher{},
	}
	r.engine.SetTurnStarter(r.starter)
	r.engine.SetApprovalResponder(r.responder)
	r.engine.SetAuditSink(r.audit)
	r.engine.SetPublisher(r.pub)
	t.Cleanup(func() {
		for _, id := range r.engine.Store().ThreadIDs() {
			_ = r.engine.CloseThread(context.Background(), id)
		}
	})
	return r
}

// addThread registers threadID and fails the test on error.
func (r *testRig) addThread(t *testing.T, threadID string) {
	t.Helper()
	if err := r.engine.AddThread(ThreadInfo{ID: threadID, Cwd: "/work"}); err != nil {
		t.Fatalf("AddThread(%s): %v", threadID, err)
	}
}

func (r *testRig) dispatch(kind EventKind, threadID, turnID, itemID string, params map[string]any) {
	r.engine.Dispatch(Event{
		Kind:     kind,
		ThreadID: threadID,
		TurnID:   turnID,
		ItemID:   itemID,
		Params:   params,
	})
}

func (r *testRig) startTurn(threadID, turnID string) {
	r.dispatch(EventTurnStarted, threadID, turnID, "", map[string]any{"turn": map[string]any{"id": turnID}})
}

func (r *testRig) state(t *testing.T, threadID string) *SingleThreadState {
	t.Helper()
	st, ok := r.engine.Store().Thread(threadID)
	if !ok {
		t.Fatalf("thread %s not in store", threadID)
	}
	return st
}

func (r *testRig) item(t *testing.T, threadID, itemID string) ThreadItem {
	t.Helper()
	item, ok := r.state(t, threadID).Items[itemID]
	if !ok {
		t.Fatalf("item %s not in thread %s", itemID, threadID)
	}
	return item
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func userMessageRaw(id, text string) map[string]any {
	return map[string]any{
		"id":      id,
		"type":    "userMessage",
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
}

func countUserMessages(st *SingleThreadState, text string) int {
	n := 0
	for _, item := range st.OrderedItems() {
		if msg, ok := item.Content.(UserMessageContent); ok && msg.Text == text {
			n++
		}
	}
	return n
}
