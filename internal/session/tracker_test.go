package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/thread"
)

type fakePersister struct {
	mu       sync.Mutex
	statuses []string
	labels   []string
	deleted  []string
}

func (p *fakePersister) UpsertStatus(_ context.Context, threadID, status, _, _ string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, threadID+"="+status)
	return nil
}

func (p *fakePersister) SetFirstMessage(_ context.Context, threadID, text string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels = append(p.labels, threadID+"="+text)
	return nil
}

func (p *fakePersister) Delete(_ context.Context, threadID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, threadID)
	return nil
}

func message(t *testing.T, topic string, payload any) bus.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bus.Message{Topic: topic, Payload: raw}
}

func TestFirstMessageWins(t *testing.T) {
	p := &fakePersister{}
	tr := NewTracker(p)
	ctx := context.Background()

	tr.Apply(ctx, message(t, bus.TopicSessionFirstMessage, thread.FirstMessage{ThreadID: "t-1", Text: "  fix the build  "}))
	tr.Apply(ctx, message(t, bus.TopicSessionFirstMessage, thread.FirstMessage{ThreadID: "t-1", Text: "second"}))
	tr.Apply(ctx, message(t, bus.TopicSessionFirstMessage, thread.FirstMessage{ThreadID: "t-2", Text: "   "}))

	s, ok := tr.Get("t-1")
	if !ok || s.FirstMessage != "fix the build" {
		t.Fatalf("t-1 = %+v, %v", s, ok)
	}
	if s.Status != string(thread.TurnIdle) {
		t.Errorf("default status = %q, want idle", s.Status)
	}
	if _, ok := tr.Get("t-2"); ok {
		t.Error("blank label created a session")
	}
	if len(p.labels) != 1 || p.labels[0] != "t-1=fix the build" {
		t.Errorf("persisted labels = %v", p.labels)
	}
}

func TestStatusUpdates(t *testing.T) {
	p := &fakePersister{}
	tr := NewTracker(p)
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	tr.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	tr.Apply(ctx, message(t, bus.TopicSessionStatus, thread.StatusUpdate{ThreadID: "t-1", Status: thread.TurnRunning}))
	tr.Apply(ctx, message(t, bus.TopicSessionStatus, thread.StatusUpdate{ThreadID: "t-2", Status: thread.TurnRunning}))
	tr.Apply(ctx, message(t, bus.TopicSessionStatus, thread.StatusUpdate{ThreadID: "t-1", Status: thread.TurnFailed, Error: "boom"}))
	tr.Apply(ctx, message(t, bus.TopicSessionStatus, []byte("not json")))
	tr.Apply(ctx, message(t, bus.TopicThreadChanged, map[string]any{"threadId": "t-9"}))

	list := tr.List()
	if len(list) != 2 {
		t.Fatalf("List = %+v, want 2 sessions", list)
	}
	if list[0].ThreadID != "t-1" || list[0].Status != "failed" || list[0].Error != "boom" {
		t.Errorf("most recent = %+v", list[0])
	}
	if list[1].ThreadID != "t-2" || list[1].Status != "running" {
		t.Errorf("older = %+v", list[1])
	}
	if len(p.statuses) != 3 {
		t.Errorf("persisted statuses = %v", p.statuses)
	}
}

func TestSeedKeepsLiveEntries(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(context.Background(), message(t, bus.TopicSessionStatus, thread.StatusUpdate{ThreadID: "t-1", Status: thread.TurnRunning}))
	tr.Seed(
		Session{ThreadID: "t-1", Status: "completed"},
		Session{ThreadID: "t-2", Status: "completed", FirstMessage: "old"},
		Session{},
	)
	if s, _ := tr.Get("t-1"); s.Status != "running" {
		t.Errorf("seed overwrote live entry: %+v", s)
	}
	if s, ok := tr.Get("t-2"); !ok || s.FirstMessage != "old" {
		t.Errorf("seeded entry = %+v, %v", s, ok)
	}
	if n := len(tr.List()); n != 2 {
		t.Errorf("List len = %d, want 2", n)
	}
}

func TestRunConsumesBus(t *testing.T) {
	b := bus.NewMessageBus()
	tr := NewTracker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, b) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.PublishJSON(bus.TopicSessionStatus, "thread", "t-1", thread.StatusUpdate{ThreadID: "t-1", Status: thread.TurnRunning})
	b.PublishJSON(bus.TopicSessionFirstMessage, "thread", "t-1", thread.FirstMessage{ThreadID: "t-1", Text: "hello"})

	for time.Now().Before(deadline) {
		if s, ok := tr.Get("t-1"); ok && s.FirstMessage == "hello" && s.Status == "running" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if s, _ := tr.Get("t-1"); s.FirstMessage != "hello" || s.Status != "running" {
		t.Fatalf("session = %+v", s)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscribers after Run = %d, want 0", n)
	}
}

func TestForget(t *testing.T) {
	p := &fakePersister{}
	tr := NewTracker(p)
	tr.Seed(Session{ThreadID: "t1", Status: "completed"})

	ok, err := tr.Forget(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("Forget(t1) = %v, %v; want true, nil", ok, err)
	}
	if _, found := tr.Get("t1"); found {
		t.Fatal("t1 still listed after Forget")
	}
	ok, err = tr.Forget(context.Background(), "t1")
	if err != nil || ok {
		t.Fatalf("second Forget = %v, %v; want false, nil", ok, err)
	}
	if len(p.deleted) != 2 {
		t.Fatalf("persisted deletes = %v, want two calls", p.deleted)
	}
}
