package thread

import (
	"slices"
	"strings"

	"github.com/multi-agent/thread-engine/pkg/logger"
	"github.com/multi-agent/thread-engine/pkg/util"
)

// DeltaBuffer accumulates streaming fragments for one thread between flushes.
type DeltaBuffer struct {
	seq uint64 // opSeq at creation

	agentText        map[string]*strings.Builder
	commandOutput    map[string]*cappedText
	fileChangeOutput map[string]*cappedText
	reasoningSummary map[string]indexedParts
	reasoningContent map[string]indexedParts
	mcpProgress      map[string][]string

	order []string            // item ids with pending data, first-arrival order
	seen  map[string]struct{} // item ids that already got their first flush
}

// indexedParts maps a reasoning part index to its accumulated text.
type indexedParts map[int]*strings.Builder

type cappedText struct {
	sb strings.Builder
	w  *util.LimitedWriter
}

func newCappedText(limit int) *cappedText {
	c := &cappedText{}
	c.w = util.NewLimitedWriter(&c.sb, limit)
	return c
}

func newDeltaBuffer(seq uint64) *DeltaBuffer {
	return &DeltaBuffer{
		seq:              seq,
		agentText:        map[string]*strings.Builder{},
		commandOutput:    map[string]*cappedText{},
		fileChangeOutput: map[string]*cappedText{},
		reasoningSummary: map[string]indexedParts{},
		reasoningContent: map[string]indexedParts{},
		mcpProgress:      map[string][]string{},
		seen:             map[string]struct{}{},
	}
}

func (b *DeltaBuffer) touch(itemID string) {
	if !slices.Contains(b.order, itemID) {
		b.order = append(b.order, itemID)
	}
}

// markSeen records itemID and reports whether this was its first fragment.
func (b *DeltaBuffer) markSeen(itemID string) bool {
	if _, ok := b.seen[itemID]; ok {
		return false
	}
	b.seen[itemID] = struct{}{}
	return true
}

func (b *DeltaBuffer) empty() bool {
	return len(b.order) == 0
}

func (b *DeltaBuffer) appendAgentText(itemID, delta string) {
	sb, ok := b.agentText[itemID]
	if !ok {
		sb = &strings.Builder{}
		b.agentText[itemID] = sb
	}
	sb.WriteString(delta)
	b.touch(itemID)
}

func (b *DeltaBuffer) appendOutput(target map[string]*cappedText, itemID, delta string, limit int) {
	c, ok := target[itemID]
	if !ok {
		c = newCappedText(limit)
		target[itemID] = c
	}
	_, _ = c.w.WriteString(delta)
	b.touch(itemID)
}

func (b *DeltaBuffer) appendReasoning(target map[string]indexedParts, itemID string, index int, delta string) {
	parts, ok := target[itemID]
	if !ok {
		parts = indexedParts{}
		target[itemID] = parts
	}
	sb, ok := parts[index]
	if !ok {
		sb = &strings.Builder{}
		parts[index] = sb
	}
	sb.WriteString(delta)
	b.touch(itemID)
}

func (b *DeltaBuffer) appendProgress(itemID, message string) {
	b.mcpProgress[itemID] = append(b.mcpProgress[itemID], message)
	b.touch(itemID)
}

// ========================================
// flush
// ========================================

// buffer returns the thread's buffer, creating it with the current opSeq.
func (tx *txn) buffer(threadID string) *DeltaBuffer {
	b, ok := tx.s.buffers[threadID]
	if !ok {
		b = newDeltaBuffer(tx.s.opSeq[threadID])
		tx.s.buffers[threadID] = b
	}
	return b
}

// flushThread drains the thread's buffer into its draft state.
func (tx *txn) flushThread(threadID string) {
	delete(tx.s.dirty, threadID)
	b, ok := tx.s.buffers[threadID]
	if !ok || b.empty() {
		return
	}
	// Same fence as bufferDelta: cleanup normally removes the buffer outright.
	if b.seq != tx.s.opSeq[threadID] {
		delete(tx.s.buffers, threadID)
		return
	}
	d := tx.thread(threadID)
	if d == nil {
		return
	}
	now := tx.nowMS()
	for _, itemID := range b.order {
		if text, ok := b.agentText[itemID]; ok {
			flushAgentText(d, itemID, text.String(), now)
		}
		if out, ok := b.commandOutput[itemID]; ok {
			flushCommandOutput(d, itemID, out.sb.String(), tx.s.maxOutputBytes, now)
		}
		if out, ok := b.fileChangeOutput[itemID]; ok {
			flushFileChangeOutput(d, itemID, out.sb.String(), tx.s.maxOutputBytes, now)
		}
		summary, hasSummary := b.reasoningSummary[itemID]
		content, hasContent := b.reasoningContent[itemID]
		if hasSummary || hasContent {
			flushReasoning(d, itemID, summary, content, now)
		}
		if progress, ok := b.mcpProgress[itemID]; ok {
			flushMcpProgress(d, itemID, progress, now)
		}
	}
	b.reset()
}

func (b *DeltaBuffer) reset() {
	clear(b.agentText)
	clear(b.commandOutput)
	clear(b.fileChangeOutput)
	clear(b.reasoningSummary)
	clear(b.reasoningContent)
	clear(b.mcpProgress)
	b.order = b.order[:0]
}

// ensureStreamingItem returns true when itemID exists with the wanted type,
// synthesizing a streaming placeholder when it does not exist yet.
func ensureStreamingItem(d *SingleThreadState, itemID string, placeholder ItemContent, now int64) bool {
	item, ok := d.Items[itemID]
	if !ok {
		d.insertItem(newItem(itemID, withStreaming(placeholder, true), StatusInProgress, now))
		return true
	}
	if item.Type != placeholder.Type() {
		logger.Debug("thread: delta type mismatch, skipped",
			logger.FieldItemID, itemID,
			logger.FieldItemType, string(item.Type),
			"delta_type", string(placeholder.Type()),
		)
		return false
	}
	return true
}

func flushAgentText(d *SingleThreadState, itemID, text string, now int64) {
	if !ensureStreamingItem(d, itemID, AgentMessageContent{}, now) {
		return
	}
	d.mutateItem(itemID, func(it *ThreadItem) {
		c := it.Content.(AgentMessageContent)
		c.Text += text
		it.Content = c
	})
}

// appendCapped joins existing and chunk, keeping at most limit bytes (limit <= 0: unlimited).
func appendCapped(existing, chunk string, limit int) string {
	var sb strings.Builder
	w := util.NewLimitedWriter(&sb, limit)
	_, _ = w.WriteString(existing)
	_, _ = w.WriteString(chunk)
	return sb.String()
}

func flushCommandOutput(d *SingleThreadState, itemID, chunk string, limit int, now int64) {
	if !ensureStreamingItem(d, itemID, CommandExecutionContent{}, now) {
		return
	}
	d.mutateItem(itemID, func(it *ThreadItem) {
		c := it.Content.(CommandExecutionContent)
		c.Output = appendCapped(c.Output, chunk, limit)
		it.Content = c
	})
}

func flushFileChangeOutput(d *SingleThreadState, itemID, chunk string, limit int, now int64) {
	if !ensureStreamingItem(d, itemID, FileChangeContent{Changes: []FileChange{}}, now) {
		return
	}
	d.mutateItem(itemID, func(it *ThreadItem) {
		c := it.Content.(FileChangeContent)
		c.Output = appendCapped(c.Output, chunk, limit)
		it.Content = c
	})
}

func flushReasoning(d *SingleThreadState, itemID string, summary, content indexedParts, now int64) {
	if !ensureStreamingItem(d, itemID, ReasoningContent{Summary: []string{}}, now) {
		return
	}
	d.mutateItem(itemID, func(it *ThreadItem) {
		c := it.Content.(ReasoningContent)
		c.Summary = mergeParts(c.Summary, summary)
		c.Content = mergeParts(c.Content, content)
		it.Content = c
	})
}

// mergeParts appends each indexed fragment onto dst[index], growing dst as needed.
func mergeParts(dst []string, parts indexedParts) []string {
	if len(parts) == 0 {
		return dst
	}
	indexes := make([]int, 0, len(parts))
	for idx := range parts {
		if idx >= 0 {
			indexes = append(indexes, idx)
		}
	}
	slices.Sort(indexes)
	for _, idx := range indexes {
		for len(dst) <= idx {
			dst = append(dst, "")
		}
		dst[idx] += parts[idx].String()
	}
	return dst
}

func flushMcpProgress(d *SingleThreadState, itemID string, progress []string, now int64) {
	if !ensureStreamingItem(d, itemID, McpToolContent{}, now) {
		return
	}
	d.mutateItem(itemID, func(it *ThreadItem) {
		c := it.Content.(McpToolContent)
		c.Progress = append(c.Progress, progress...)
		it.Content = c
	})
}
