package permission

import (
	"encoding/json"
	"time"
)

// Behavior is the verdict in a permission response.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Request is the helper's question: may this tool run with this input?
// It arrives as <id>.request.json in the permissions directory.
type Request struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is the broker's answer, published as <id>.response.json.
// Pattern is set when the decision also created an always-allow rule.
// Message carries a diagnostic for denials.
type Response struct {
	ID       string   `json:"id"`
	Behavior Behavior `json:"behavior"`
	Pattern  string   `json:"pattern,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Decision is how the embedding client answers a surfaced request.
type Decision struct {
	Behavior Behavior

	// AlwaysAllow persists a rule so future matching requests are
	// auto-approved. Only meaningful with BehaviorAllow.
	AlwaysAllow bool

	// Pattern is the rule pattern for AlwaysAllow on shell tools,
	// e.g. "git *". Empty means exact tool match.
	Pattern string

	// Message is an optional diagnostic included in the response.
	Message string
}
