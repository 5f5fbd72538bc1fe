package thread

import "slices"

// ItemType is the closed set of conversation item variants.
type ItemType string

const (
	ItemUserMessage      ItemType = "userMessage"
	ItemAgentMessage     ItemType = "agentMessage"
	ItemCommandExecution ItemType = "commandExecution"
	ItemFileChange       ItemType = "fileChange"
	ItemReasoning        ItemType = "reasoning"
	ItemMcpTool          ItemType = "mcpTool"
	ItemWebSearch        ItemType = "webSearch"
	ItemReview           ItemType = "review"
	ItemInfo             ItemType = "info"
	ItemError            ItemType = "error"
	ItemPlan             ItemType = "plan"
)

// ItemStatus is the normalized four-way item status.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "inProgress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// ItemContent is implemented only by the content structs in this file.
type ItemContent interface {
	Type() ItemType
	itemContent()
}

// ThreadItem is one unit of conversation content. Content.Type() always equals Type.
type ThreadItem struct {
	ID        string      `json:"id"`
	Type      ItemType    `json:"type"`
	Status    ItemStatus  `json:"status"`
	Content   ItemContent `json:"content"`
	CreatedAt int64       `json:"createdAt"`
}

func newItem(id string, content ItemContent, status ItemStatus, createdAt int64) ThreadItem {
	return ThreadItem{
		ID:        id,
		Type:      content.Type(),
		Status:    status,
		Content:   content,
		CreatedAt: createdAt,
	}
}

type UserMessageContent struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

type AgentMessageContent struct {
	Text        string `json:"text"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
}

type CommandExecutionContent struct {
	Command           string   `json:"command"`
	Cwd               string   `json:"cwd,omitempty"`
	Output            string   `json:"output,omitempty"`
	ExitCode          *int     `json:"exitCode,omitempty"`
	DurationMS        *int64   `json:"durationMs,omitempty"`
	ActionSummary     string   `json:"actionSummary,omitempty"`
	NeedsApproval     bool     `json:"needsApproval,omitempty"`
	Approved          *bool    `json:"approved,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	ProposedAmendment []string `json:"proposedAmendment,omitempty"`
	IsStreaming       bool     `json:"isStreaming,omitempty"`
}

// FileChange is one file touched by a fileChange item. Kind is add, modify, delete or rename.
type FileChange struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	OldPath string `json:"oldPath,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

type FileChangeContent struct {
	Changes       []FileChange `json:"changes"`
	Output        string       `json:"output,omitempty"`
	NeedsApproval bool         `json:"needsApproval,omitempty"`
	Approved      *bool        `json:"approved,omitempty"`
	Applied       bool         `json:"applied,omitempty"`
	SnapshotID    string       `json:"snapshotId,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	IsStreaming   bool         `json:"isStreaming,omitempty"`
}

type ReasoningContent struct {
	Summary     []string `json:"summary"`
	Content     []string `json:"content,omitempty"`
	IsStreaming bool     `json:"isStreaming,omitempty"`
}

type McpToolContent struct {
	Server      string   `json:"server"`
	Tool        string   `json:"tool"`
	Arguments   any      `json:"arguments,omitempty"`
	Result      any      `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
	Progress    []string `json:"progress,omitempty"`
	IsStreaming bool     `json:"isStreaming,omitempty"`
}

type WebSearchContent struct {
	Query string `json:"query"`
}

// ReviewContent Phase is "entered" or "exited".
type ReviewContent struct {
	Phase  string `json:"phase"`
	Review string `json:"review,omitempty"`
}

type InfoContent struct {
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
}

type ErrorContent struct {
	Message   string `json:"message"`
	ErrorInfo string `json:"errorInfo,omitempty"`
	WillRetry bool   `json:"willRetry,omitempty"`
}

// PlanStepStatus is pending, in_progress, completed or failed.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
	PlanStepFailed     PlanStepStatus = "failed"
)

type PlanStep struct {
	Step   string         `json:"step"`
	Status PlanStepStatus `json:"status"`
}

type PlanContent struct {
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps"`
}

func (UserMessageContent) Type() ItemType      { return ItemUserMessage }
func (AgentMessageContent) Type() ItemType     { return ItemAgentMessage }
func (CommandExecutionContent) Type() ItemType { return ItemCommandExecution }
func (FileChangeContent) Type() ItemType       { return ItemFileChange }
func (ReasoningContent) Type() ItemType        { return ItemReasoning }
func (McpToolContent) Type() ItemType          { return ItemMcpTool }
func (WebSearchContent) Type() ItemType        { return ItemWebSearch }
func (ReviewContent) Type() ItemType           { return ItemReview }
func (InfoContent) Type() ItemType             { return ItemInfo }
func (ErrorContent) Type() ItemType            { return ItemError }
func (PlanContent) Type() ItemType             { return ItemPlan }

func (UserMessageContent) itemContent()      {}
func (AgentMessageContent) itemContent()     {}
func (CommandExecutionContent) itemContent() {}
func (FileChangeContent) itemContent()       {}
func (ReasoningContent) itemContent()        {}
func (McpToolContent) itemContent()          {}
func (WebSearchContent) itemContent()        {}
func (ReviewContent) itemContent()           {}
func (InfoContent) itemContent()             {}
func (ErrorContent) itemContent()            {}
func (PlanContent) itemContent()             {}

// isStreaming reports whether the content is still receiving deltas.
func isStreaming(c ItemContent) bool {
	switch v := c.(type) {
	case AgentMessageContent:
		return v.IsStreaming
	case CommandExecutionContent:
		return v.IsStreaming
	case FileChangeContent:
		return v.IsStreaming
	case ReasoningContent:
		return v.IsStreaming
	case McpToolContent:
		return v.IsStreaming
	default:
		return false
	}
}

// withStreaming returns c with its streaming flag set. Non-streaming variants are returned unchanged.
func withStreaming(c ItemContent, streaming bool) ItemContent {
	switch v := c.(type) {
	case AgentMessageContent:
		v.IsStreaming = streaming
		return v
	case CommandExecutionContent:
		v.IsStreaming = streaming
		return v
	case FileChangeContent:
		v.IsStreaming = streaming
		return v
	case ReasoningContent:
		v.IsStreaming = streaming
		return v
	case McpToolContent:
		v.IsStreaming = streaming
		return v
	default:
		return c
	}
}

// cloneContent deep-copies the slices and pointers of c so a draft can edit it
// without touching a published snapshot.
func cloneContent(c ItemContent) ItemContent {
	switch v := c.(type) {
	case UserMessageContent:
		v.Images = slices.Clone(v.Images)
		return v
	case CommandExecutionContent:
		v.ExitCode = clonePtr(v.ExitCode)
		v.DurationMS = clonePtr(v.DurationMS)
		v.Approved = clonePtr(v.Approved)
		v.ProposedAmendment = slices.Clone(v.ProposedAmendment)
		return v
	case FileChangeContent:
		v.Changes = slices.Clone(v.Changes)
		v.Approved = clonePtr(v.Approved)
		return v
	case ReasoningContent:
		v.Summary = slices.Clone(v.Summary)
		v.Content = slices.Clone(v.Content)
		return v
	case McpToolContent:
		v.Progress = slices.Clone(v.Progress)
		return v
	case PlanContent:
		v.Steps = slices.Clone(v.Steps)
		return v
	default:
		return c
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
