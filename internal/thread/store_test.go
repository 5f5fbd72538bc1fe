package thread

import (
	"testing"

	"github.com/multi-agent/thread-engine/internal/bus"
)

func TestPublishedStateIsNeverMutated(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	r.dispatch(EventAgentMessageDelta, "t1", "", "X", map[string]any{"delta": "first"})
	before := r.state(t, "t1")
	v1 := r.engine.Store().Version()

	r.dispatch(EventAgentMessageDelta, "t1", "", "X", map[string]any{"delta": " second"})
	r.engine.FlushNow("t1")
	r.dispatch(EventItemStarted, "t1", "", "u1", map[string]any{"item": userMessageRaw("u1", "hi")})

	if got := before.Items["X"].Content.(AgentMessageContent).Text; got != "first" {
		t.Errorf("old snapshot text = %q, want first", got)
	}
	if len(before.ItemOrder) != 1 {
		t.Errorf("old snapshot ItemOrder = %v", before.ItemOrder)
	}
	after := r.state(t, "t1")
	if got := after.Items["X"].Content.(AgentMessageContent).Text; got != "first second" {
		t.Errorf("new snapshot text = %q", got)
	}
	if v2 := r.engine.Store().Version(); v2 <= v1 {
		t.Errorf("Version %d did not advance past %d", v2, v1)
	}
}

func TestItemOrderMatchesItems(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		r.dispatch(EventItemStarted, "t1", "", id, map[string]any{
			"item": map[string]any{"id": id, "type": "agentMessage"},
		})
	}
	r.dispatch(EventItemCompleted, "t1", "", "b", map[string]any{
		"item": map[string]any{"id": "b", "type": "agentMessage", "text": "done"},
	})

	st := r.state(t, "t1")
	if len(st.ItemOrder) != len(ids) {
		t.Fatalf("ItemOrder = %v", st.ItemOrder)
	}
	for i, id := range ids {
		if st.ItemOrder[i] != id {
			t.Errorf("ItemOrder[%d] = %q, want %q", i, st.ItemOrder[i], id)
		}
		if _, ok := st.Items[id]; !ok {
			t.Errorf("Items missing %q", id)
		}
	}
}

func TestSnapshotAndChangeNotifications(t *testing.T) {
	r := newTestRig(t)
	r.addThread(t, "t1")
	r.addThread(t, "t2")
	r.engine.SetGlobalError("backend down")

	snap := r.engine.Store().Snapshot()
	if len(snap.Threads) != 2 || snap.GlobalError != "backend down" {
		t.Errorf("snapshot = %+v", snap)
	}
	if ids := r.engine.Store().ThreadIDs(); len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("ThreadIDs = %v", ids)
	}

	r.engine.ClearGlobalError()
	if got := r.engine.Store().GlobalError(); got != "" {
		t.Errorf("GlobalError = %q after clear", got)
	}

	changed := r.pub.byTopic(bus.TopicThreadChanged)
	var sawT1 bool
	for _, m := range changed {
		if m.source == "t1" {
			sawT1 = true
		}
	}
	if !sawT1 {
		t.Errorf("no thread:changed for t1 in %d notifications", len(changed))
	}
}
