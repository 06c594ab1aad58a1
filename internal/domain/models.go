package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn states produced by the orchestrator loop.
const (
	TurnStateIdle                 = "idle"
	TurnStateAwaitingModel        = "awaiting_model"
	TurnStateAwaitingTool         = "awaiting_tool"
	TurnStateAwaitingConfirmation = "awaiting_confirmation"
	TurnStateDone                 = "done"
	TurnStateFailed               = "failed"
)

const (
	SegmentKindProse = "prose"
	SegmentKindTool  = "tool"
	SegmentKindError = "error"
)

const (
	ConfirmationStatusPending   = "pending"
	ConfirmationStatusConfirmed = "confirmed"
	ConfirmationStatusRejected  = "rejected"
)

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ToolOperation records one completed tool invocation: the request that was
// sent to the bridge and the literal result it returned. For a rejected
// confirmation the result is the synthesized rejection record.
type ToolOperation struct {
	ServerID   string `json:"server_id"`
	ToolName   string `json:"tool_name"`
	Parameters Value  `json:"parameters"`
	Result     Value  `json:"result"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// Segment is one atomic unit of a turn's content. Kind selects the variant:
// prose and error segments carry Text, tool segments carry Tool. Segment
// order within a turn is the ground truth for what happened when.
type Segment struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Tool      *ToolOperation `json:"tool,omitempty"`
}

// PendingConfirmation is the transient gate attached to an assistant turn
// while a risk-gated tool call awaits the user's decision. The confirmation
// id is an opaque token issued by the tool bridge.
type PendingConfirmation struct {
	ConfirmationID  string `json:"confirmation_id"`
	ServerID        string `json:"server_id"`
	ToolName        string `json:"tool_name"`
	Method          string `json:"method"`
	RiskLevel       int    `json:"risk_level"`
	RiskDescription string `json:"risk_description"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	Status          string `json:"status"`
}

type Turn struct {
	ID        string               `json:"id"`
	Role      string               `json:"role"`
	State     string               `json:"state,omitempty"`
	Segments  []Segment            `json:"segments"`
	Pending   *PendingConfirmation `json:"pending,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolInfo describes one tool as reported by the bridge catalog. Schema is
// the raw JSON Schema for the tool's parameters; SchemaOK is false when the
// schema did not compile during the last catalog refresh.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      Value  `json:"schema"`
	SchemaOK    bool   `json:"schema_ok"`
}

// ToolCatalog maps server ids to the tools they expose. It is rebuilt
// wholesale on refresh, never patched in place.
type ToolCatalog struct {
	Servers map[string][]ToolInfo `json:"servers"`
}

func (c ToolCatalog) ServerIDs() []string {
	out := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		out = append(out, id)
	}
	return out
}
