// tokens.go: token 用量提取与单调合并。
package thread

import (
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// tokenCounterKeys lists camelCase and snake_case spellings per counter.
var tokenCounterKeys = []struct {
	camel, snake string
	field        func(*TokenCounts) *int64
}{
	{"totalTokens", "total_tokens", func(c *TokenCounts) *int64 { return &c.TotalTokens }},
	{"inputTokens", "input_tokens", func(c *TokenCounts) *int64 { return &c.InputTokens }},
	{"cachedInputTokens", "cached_input_tokens", func(c *TokenCounts) *int64 { return &c.CachedInputTokens }},
	{"outputTokens", "output_tokens", func(c *TokenCounts) *int64 { return &c.OutputTokens }},
	{"reasoningOutputTokens", "reasoning_output_tokens", func(c *TokenCounts) *int64 { return &c.ReasoningOutputTokens }},
}

// tokenSectionPaths lists where the total and last sections may live, in priority order.
var (
	totalSectionPaths = [][]string{
		{"tokenUsage", "total"}, {"usage", "total"}, {"info", "total_token_usage"}, {"info", "totalTokenUsage"},
	}
	lastSectionPaths = [][]string{
		{"tokenUsage", "last"}, {"usage", "last"}, {"info", "last_token_usage"}, {"info", "lastTokenUsage"},
	}
)

// mergeTokenUsage folds payload into prev. Total counters only move up and only
// when present; Last counters and the context window are overwritten when present.
func mergeTokenUsage(prev TokenUsage, payload map[string]any) TokenUsage {
	next := prev
	for _, key := range tokenCounterKeys {
		if v, ok := extractFirstIntByPaths(payload, withLeaf(totalSectionPaths, key.camel, key.snake)...); ok {
			dst := key.field(&next.Total)
			*dst = max(*dst, v)
		}
		if v, ok := extractFirstIntByPaths(payload, withLeaf(lastSectionPaths, key.camel, key.snake)...); ok && v >= 0 {
			*key.field(&next.Last) = v
		}
	}
	if window, ok := extractFirstIntByPaths(payload,
		[]string{"tokenUsage", "modelContextWindow"},
		[]string{"usage", "modelContextWindow"},
		[]string{"info", "model_context_window"},
		[]string{"info", "modelContextWindow"},
		[]string{"modelContextWindow"},
	); ok && window > 0 {
		next.ContextWindow = window
	}
	return next
}

func withLeaf(sections [][]string, leaves ...string) [][]string {
	out := make([][]string, 0, len(sections)*len(leaves))
	for _, section := range sections {
		for _, leaf := range leaves {
			path := make([]string, 0, len(section)+1)
			path = append(path, section...)
			out = append(out, append(path, leaf))
		}
	}
	return out
}

func newTokenUsageHandler(e *Engine) func(Event) {
	return func(ev Event) {
		e.store.apply(func(tx *txn) {
			if !tx.live(ev.ThreadID) {
				return
			}
			d := tx.thread(ev.ThreadID)
			prev := d.TokenUsage
			d.TokenUsage = mergeTokenUsage(prev, ev.Params)
			if d.TokenUsage != prev {
				logger.Debug("thread: token usage updated",
					logger.FieldThreadID, ev.ThreadID,
					"prev_total", prev.Total.TotalTokens,
					"next_total", d.TokenUsage.Total.TotalTokens,
					"context_window", d.TokenUsage.ContextWindow,
				)
			}
		})
	}
}
