package thread

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToThreadItem converts a raw backend item payload into a typed ThreadItem.
// It never panics: unknown types degrade to an info item carrying the raw JSON.
func ToThreadItem(raw map[string]any, now time.Time) ThreadItem {
	id := strings.TrimSpace(extractFirstString(raw, "id"))
	if id == "" {
		id = "item-" + uuid.NewString()
	}
	createdAt := now.UnixMilli()
	if ts, ok := extractFirstIntByPaths(raw, []string{"createdAt"}, []string{"created_at"}); ok && ts > 0 {
		createdAt = ts
	}
	status := NormalizeItemStatus(extractFirstString(raw, "status"))

	rawType := strings.TrimSpace(extractFirstString(raw, "type"))
	var content ItemContent
	switch rawType {
	case "userMessage":
		content = normalizeUserMessage(raw)
	case "agentMessage":
		content = AgentMessageContent{Text: extractText(raw["text"])}
	case "commandExecution":
		content = normalizeCommandExecution(raw)
	case "fileChange":
		content = FileChangeContent{Changes: normalizeFileChanges(raw["changes"])}
	case "reasoning":
		content = ReasoningContent{
			Summary: extractTextList(raw["summary"]),
			Content: extractTextList(raw["content"]),
		}
	case "mcpToolCall", "mcpTool":
		content = normalizeMcpTool(raw)
	case "webSearch":
		content = WebSearchContent{Query: extractFirstString(raw, "query")}
	case "imageView":
		content = InfoContent{Title: "Image", Details: extractFirstString(raw, "path", "url")}
	case "enteredReviewMode":
		content = ReviewContent{Phase: "entered", Review: extractFirstString(raw, "review")}
	case "exitedReviewMode":
		content = ReviewContent{Phase: "exited", Review: extractFirstString(raw, "review")}
	case "review":
		content = ReviewContent{Phase: extractFirstString(raw, "phase"), Review: extractFirstString(raw, "review")}
	case "info":
		content = InfoContent{Title: extractFirstString(raw, "title"), Details: extractFirstString(raw, "details")}
	case "error":
		content = ErrorContent{
			Message:   extractFirstString(raw, "message"),
			ErrorInfo: extractErrorInfo(raw["codexErrorInfo"]),
		}
		if status == StatusCompleted {
			status = StatusFailed
		}
	case "plan":
		content = normalizePlan(raw)
	default:
		content = InfoContent{Title: "Unknown item type", Details: dumpRaw(raw)}
	}
	return newItem(id, content, status, createdAt)
}

// NormalizeItemStatus maps free-form backend status strings onto ItemStatus.
// Matching ignores case and the separators '_', '-' and ' '. Anything unrecognized is completed.
func NormalizeItemStatus(s string) ItemStatus {
	switch compactStatus(s) {
	case "pending", "queued", "waiting", "notstarted", "awaitingapproval":
		return StatusPending
	case "inprogress", "running", "started", "open", "active", "streaming":
		return StatusInProgress
	case "failed", "failure", "error", "errored", "declined", "rejected",
		"cancelled", "canceled", "aborted", "interrupted", "timeout", "timedout":
		return StatusFailed
	default:
		return StatusCompleted
	}
}

func compactStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// StringifyCommandAction renders {type|kind|action, command, path, query} descriptors
// as one line, skipping empty fields. Lists are joined with "; ".
func StringifyCommandAction(v any) string {
	switch action := v.(type) {
	case string:
		return strings.TrimSpace(action)
	case []any:
		parts := make([]string, 0, len(action))
		for _, entry := range action {
			if line := StringifyCommandAction(entry); line != "" {
				parts = append(parts, line)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		kind := strings.TrimSpace(extractFirstString(action, "type", "kind", "action"))
		fields := make([]string, 0, 3)
		for _, key := range []string{"command", "path", "query"} {
			if value := strings.TrimSpace(stringOrJoined(action[key])); value != "" {
				fields = append(fields, value)
			}
		}
		rest := strings.Join(fields, " ")
		switch {
		case kind == "":
			return rest
		case rest == "":
			return kind
		default:
			return kind + ": " + rest
		}
	default:
		return ""
	}
}

func stringOrJoined(raw any) string {
	if list, ok := raw.([]any); ok {
		return strings.Join(extractStringList(list), " ")
	}
	if text, ok := raw.(string); ok {
		return text
	}
	return ""
}

func normalizeUserMessage(raw map[string]any) UserMessageContent {
	out := UserMessageContent{}
	parts, ok := raw["content"].([]any)
	if !ok {
		out.Text = extractText(raw["text"])
		out.Images = extractStringList(raw["images"])
		return out
	}
	texts := make([]string, 0, len(parts))
	for _, entry := range parts {
		part, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		switch extractFirstString(part, "type") {
		case "text":
			if text := extractFirstString(part, "text"); text != "" {
				texts = append(texts, text)
			}
		case "image":
			if url := extractFirstString(part, "url", "imageUrl", "image_url"); url != "" {
				out.Images = append(out.Images, url)
			}
		case "localImage":
			if path := extractFirstString(part, "path"); path != "" {
				out.Images = append(out.Images, path)
			}
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

func normalizeCommandExecution(raw map[string]any) CommandExecutionContent {
	out := CommandExecutionContent{
		Command: strings.TrimSpace(stringOrJoined(raw["command"])),
		Cwd:     extractFirstString(raw, "cwd"),
		Output:  extractFirstString(raw, "aggregatedOutput", "output"),
	}
	if code, ok := extractFirstIntByPaths(raw, []string{"exitCode"}, []string{"exit_code"}); ok {
		exit := int(code)
		out.ExitCode = &exit
	}
	if ms, ok := extractFirstIntByPaths(raw, []string{"durationMs"}, []string{"duration_ms"}); ok {
		out.DurationMS = &ms
	}
	for _, key := range []string{"commandActions", "commandAction", "parsedCmd"} {
		if value, ok := raw[key]; ok {
			out.ActionSummary = StringifyCommandAction(value)
			break
		}
	}
	return out
}

func normalizeFileChanges(raw any) []FileChange {
	list, ok := raw.([]any)
	if !ok {
		return []FileChange{}
	}
	out := make([]FileChange, 0, len(list))
	for _, entry := range list {
		change, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		path := extractFirstString(change, "path")
		kind, newPath, oldPath := normalizeFileChangeKind(change["kind"], path)
		out = append(out, FileChange{
			Path:    newPath,
			Kind:    kind,
			OldPath: oldPath,
			Diff:    extractFirstString(change, "diff", "unified_diff"),
		})
	}
	return out
}

// normalizeFileChangeKind accepts a bare kind string or an object {type, movePath}.
// A move becomes a rename whose oldPath is the original path.
func normalizeFileChangeKind(kind any, path string) (normalized, newPath, oldPath string) {
	switch v := kind.(type) {
	case string:
		return canonicalChangeKind(v), path, ""
	case map[string]any:
		if move := strings.TrimSpace(extractFirstString(v, "movePath", "move_path")); move != "" {
			return "rename", move, path
		}
		return canonicalChangeKind(extractFirstString(v, "type", "kind")), path, ""
	default:
		return "modify", path, ""
	}
}

func canonicalChangeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "add", "added", "create", "created":
		return "add"
	case "delete", "deleted", "remove", "removed":
		return "delete"
	case "rename", "renamed", "move", "moved":
		return "rename"
	default:
		return "modify"
	}
}

func normalizeMcpTool(raw map[string]any) McpToolContent {
	out := McpToolContent{
		Server:    extractFirstString(raw, "server"),
		Tool:      extractFirstString(raw, "tool"),
		Arguments: raw["arguments"],
		Result:    raw["result"],
	}
	switch e := raw["error"].(type) {
	case string:
		out.Error = e
	case map[string]any:
		out.Error = extractFirstString(e, "message")
	}
	return out
}

func normalizePlan(raw map[string]any) PlanContent {
	steps := raw["plan"]
	if steps == nil {
		steps = raw["steps"]
	}
	return PlanContent{
		Explanation: strings.TrimSpace(extractFirstString(raw, "explanation")),
		Steps:       parsePlanSteps(steps),
	}
}

func extractTextList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		if text := extractText(raw); text != "" {
			return []string{text}
		}
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		out = append(out, extractText(entry))
	}
	return out
}

func dumpRaw(raw map[string]any) string {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(data)
}
