package claude

import "encoding/json"

// EventKind identifies the type of a decoded stream event.
type EventKind string

const (
	// EventSystemInit is the session initialization event. It carries the
	// CLI-assigned session id, the model in use, and the available tools.
	EventSystemInit EventKind = "system_init"

	// EventText is a text content block from an assistant message.
	EventText EventKind = "text"

	// EventThinking is a thinking content block from an assistant message.
	EventThinking EventKind = "thinking"

	// EventToolUse is a tool invocation from an assistant message.
	EventToolUse EventKind = "tool_use"

	// EventToolResult is a tool execution result delivered as a user message.
	EventToolResult EventKind = "tool_result"

	// EventResult closes a turn and carries cost, usage, and duration.
	EventResult EventKind = "result"

	// EventUnknown is a well-formed JSON line whose type the decoder does
	// not recognize. The raw line is preserved for diagnostics.
	EventUnknown EventKind = "unknown"
)

// StreamUsage represents token usage reported by the CLI.
type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// InitInfo is the payload of an EventSystemInit event.
type InitInfo struct {
	SessionID string
	Model     string
	Tools     []string
}

// TurnResult is the payload of an EventResult event.
type TurnResult struct {
	Subtype       string
	IsError       bool
	Result        string
	SessionID     string
	DurationMs    int
	DurationAPIMs int
	NumTurns      int
	TotalCostUSD  float64
	Usage         *StreamUsage
}

// ToolResultInfo carries structured details about a completed tool call,
// extracted from the tool_use_result field when present.
type ToolResultInfo struct {
	FilePath   string // File operated on (Read/Edit results)
	NumLines   int    // Lines read (Read results)
	StartLine  int    // Starting line (Read results)
	TotalLines int    // Total lines in file (Read results)
	Edited     bool   // Whether an edit was applied (Edit results)
	NumFiles   int    // Files matched (Glob results)
	ExitCode   *int   // Command exit code (Bash results)
}

// Event is one decoded element of the CLI's output stream. Kind selects
// which payload fields are meaningful.
type Event struct {
	Kind EventKind

	// EventSystemInit
	Init *InitInfo

	// EventText / EventThinking
	Text string

	// EventToolUse
	ToolName  string
	ToolInput string          // brief human-readable description
	RawInput  json.RawMessage // full tool input
	ToolUseID string

	// EventToolResult (ToolUseID is shared with EventToolUse)
	ResultInfo *ToolResultInfo
	IsError    bool

	// EventResult
	Result *TurnResult

	// EventUnknown
	RawLine string
}
