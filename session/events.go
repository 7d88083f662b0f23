package session

import (
	"github.com/warden-dev/warden-core/claude"
	"github.com/warden-dev/warden-core/permission"
)

// State is the supervisor's lifecycle state.
type State string

const (
	// StateIdle means no turn is in flight; Send is accepted.
	StateIdle State = "idle"

	// StateRunning means a turn is in flight.
	StateRunning State = "running"

	// StateStopping means a cancellation was requested and the supervisor
	// is waiting for the process to confirm exit.
	StateStopping State = "stopping"
)

// EventType identifies a supervisor event.
type EventType string

const (
	EventTurnStarted         EventType = "turn_started"
	EventTextDelta           EventType = "text_delta"
	EventThinkingDelta       EventType = "thinking_delta"
	EventToolUse             EventType = "tool_use"
	EventToolResult          EventType = "tool_result"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionResolved  EventType = "permission_resolved"
	EventTurnCompleted       EventType = "turn_completed"
	EventTurnError           EventType = "turn_error"
	EventSessionCleared      EventType = "session_cleared"
)

// Turn outcomes carried on EventTurnCompleted and recorded in history.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Event is one element of the supervisor's ordered output stream. Type
// selects which payload fields are meaningful.
type Event struct {
	Type      EventType
	TurnIndex int

	// EventTextDelta / EventThinkingDelta
	Text string

	// EventToolUse / EventToolResult
	ToolName    string
	ToolInput   string
	ToolUseID   string
	ToolResult  *claude.ToolResultInfo
	ToolIsError bool

	// EventPermissionRequested / EventPermissionResolved
	Request      *permission.Request
	PermissionID string
	Decision     *permission.Decision

	// EventTurnCompleted
	Outcome    string // OutcomeCompleted or OutcomeCancelled
	CostUSD    float64
	Usage      *claude.StreamUsage
	DurationMs int

	// EventTurnError
	Err error
}
