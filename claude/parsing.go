package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// streamMessage represents a JSON line from the CLI's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		ID      string `json:"id,omitempty"`
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type      string          `json:"type"` // "text", "thinking", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Thinking  string          `json:"thinking,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			ToolUseId string          `json:"toolUseId,omitempty"` // camelCase variant from the CLI
			IsError   bool            `json:"is_error,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
		} `json:"content"`
		Usage *StreamUsage `json:"usage,omitempty"`
	} `json:"message"`
	// ToolUseResult is a top-level field in user messages, separate from
	// message.content. Can be a string (errors) or a structured object.
	ToolUseResult *toolUseResultField `json:"tool_use_result,omitempty"`
	Model         string              `json:"model,omitempty"` // model name on system/init
	Tools         []string            `json:"tools,omitempty"` // tool names on system/init
	Result        string              `json:"result,omitempty"`
	IsError       bool                `json:"is_error,omitempty"`
	SessionID     string              `json:"session_id,omitempty"`
	DurationMs    int                 `json:"duration_ms,omitempty"`
	DurationAPIMs int                 `json:"duration_api_ms,omitempty"`
	NumTurns      int                 `json:"num_turns,omitempty"`
	TotalCostUSD  float64             `json:"total_cost_usd,omitempty"`
	Usage         *StreamUsage        `json:"usage,omitempty"`
}

// toolUseResultData represents the tool_use_result field in user messages.
// Different tool types populate different fields.
type toolUseResultData struct {
	Type string `json:"type,omitempty"`

	// Read tool results
	File *toolUseResultFile `json:"file,omitempty"`

	// Edit tool results
	FilePath        string `json:"filePath,omitempty"`
	StructuredPatch any    `json:"structuredPatch,omitempty"` // presence indicates the edit was applied

	// Glob tool results
	NumFiles  int      `json:"numFiles,omitempty"`
	Filenames []string `json:"filenames,omitempty"`

	// Bash tool results
	ExitCode *int   `json:"exitCode,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// toolUseResultField handles tool_use_result being either a plain string
// (errors/simple results) or a structured object.
type toolUseResultField struct {
	StringValue string
	Data        *toolUseResultData
}

func (f *toolUseResultField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.StringValue = s
		return nil
	}

	var obj toolUseResultData
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	f.Data = &obj
	return nil
}

// toolUseResultFile represents file info in Read tool results.
type toolUseResultFile struct {
	FilePath   string `json:"filePath,omitempty"`
	NumLines   int    `json:"numLines,omitempty"`
	StartLine  int    `json:"startLine,omitempty"`
	TotalLines int    `json:"totalLines,omitempty"`
}

// parseLine parses one complete line of stream-json output into zero or
// more Events. A blank line yields no events and no error. A line that is
// not a JSON object yields an error; the caller decides how to surface it.
func parseLine(line string, log *slog.Logger) ([]Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if !strings.HasPrefix(line, "{") {
		return nil, fmt.Errorf("not a JSON object: %s", truncateForLog(line))
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("malformed stream line: %w", err)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("session initialized", "sessionID", msg.SessionID, "model", msg.Model)
			return []Event{{
				Kind: EventSystemInit,
				Init: &InitInfo{
					SessionID: msg.SessionID,
					Model:     msg.Model,
					Tools:     msg.Tools,
				},
			}}, nil
		}
		// Other system subtypes carry no consumer-facing content.
		log.Debug("system message", "subtype", msg.Subtype)
		return nil, nil

	case "assistant":
		var events []Event
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				if content.Text != "" {
					events = append(events, Event{Kind: EventText, Text: content.Text})
				}
			case "thinking":
				if content.Thinking != "" {
					events = append(events, Event{Kind: EventThinking, Text: content.Thinking})
				}
			case "tool_use":
				inputDesc := extractToolInputDescription(content.Name, content.Input)
				log.Debug("tool use", "tool", content.Name, "id", content.ID, "input", inputDesc)
				events = append(events, Event{
					Kind:      EventToolUse,
					ToolName:  content.Name,
					ToolInput: inputDesc,
					RawInput:  content.Input,
					ToolUseID: content.ID,
				})
			}
		}
		return events, nil

	case "user":
		// User messages in stream-json carry tool results.
		var events []Event
		for _, content := range msg.Message.Content {
			toolUseID := content.ToolUseID
			if toolUseID == "" {
				toolUseID = content.ToolUseId
			}
			if content.Type == "tool_result" || toolUseID != "" {
				resultInfo := extractToolResultInfo(msg.ToolUseResult)
				log.Debug("tool result received", "toolUseID", toolUseID, "isError", content.IsError)
				events = append(events, Event{
					Kind:       EventToolResult,
					ToolUseID:  toolUseID,
					ResultInfo: resultInfo,
					IsError:    content.IsError,
				})
			}
		}
		return events, nil

	case "result":
		log.Debug("result received", "subtype", msg.Subtype, "isError", msg.IsError)
		return []Event{{
			Kind: EventResult,
			Result: &TurnResult{
				Subtype:       msg.Subtype,
				IsError:       msg.IsError,
				Result:        msg.Result,
				SessionID:     msg.SessionID,
				DurationMs:    msg.DurationMs,
				DurationAPIMs: msg.DurationAPIMs,
				NumTurns:      msg.NumTurns,
				TotalCostUSD:  msg.TotalCostUSD,
				Usage:         msg.Usage,
			},
		}}, nil

	default:
		log.Debug("unrecognized message type", "type", msg.Type, "line", truncateForLog(line))
		return []Event{{Kind: EventUnknown, RawLine: line}}, nil
	}
}

// toolInputConfig defines how to extract a description from a tool's input.
type toolInputConfig struct {
	Field       string // JSON field to extract
	ShortenPath bool   // Whether to shorten file paths to just filename
	MaxLen      int    // Maximum length before truncation (0 = no limit)
}

// toolInputConfigs maps tool names to their input extraction configuration.
var toolInputConfigs = map[string]toolInputConfig{
	// File operations - extract file_path and shorten to filename
	"Read":  {Field: "file_path", ShortenPath: true},
	"Edit":  {Field: "file_path", ShortenPath: true},
	"Write": {Field: "file_path", ShortenPath: true},

	// Search operations - extract the pattern/query
	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	// Command execution - show the command with truncation
	"Bash": {Field: "command", MaxLen: 40},

	// Task delegation - show the description
	"Task": {Field: "description"},

	// Web operations - show URL with truncation
	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen is the default max length for tool descriptions.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription extracts a brief, human-readable description
// from tool input, using the toolInputConfigs map.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, exists := inputMap[cfg.Field].(string); exists {
			return formatToolInput(value, cfg.ShortenPath, cfg.MaxLen)
		}
	}

	// Default: return first string value found
	for _, v := range inputMap {
		if s, ok := v.(string); ok && s != "" {
			return truncateString(s, DefaultToolInputMaxLen)
		}
	}
	return ""
}

// formatToolInput formats a tool input value according to the config.
func formatToolInput(value string, shorten bool, maxLen int) string {
	if shorten {
		value = shortenPath(value)
	}
	if maxLen > 0 {
		value = truncateString(value, maxLen)
	}
	return value
}

// truncateString truncates a string to maxLen characters, including "..." suffix.
// A maxLen of 0 means no limit.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return cutOnRuneBoundary(s, maxLen)
	}
	return cutOnRuneBoundary(s, maxLen-3) + "..."
}

// cutOnRuneBoundary returns the longest prefix of s no more than n bytes
// long that does not split a multi-byte rune.
func cutOnRuneBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// shortenPath returns just the filename or last path component.
func shortenPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return cutOnRuneBoundary(s, 200) + "..."
	}
	return s
}

// extractToolResultInfo extracts rich result information from the
// tool_use_result field. Returns nil if no meaningful info is present.
func extractToolResultInfo(field *toolUseResultField) *ToolResultInfo {
	if field == nil || field.Data == nil {
		return nil
	}

	data := field.Data
	info := &ToolResultInfo{}
	hasData := false

	if data.File != nil {
		info.FilePath = data.File.FilePath
		info.NumLines = data.File.NumLines
		info.StartLine = data.File.StartLine
		info.TotalLines = data.File.TotalLines
		hasData = true
	}

	if data.StructuredPatch != nil {
		info.Edited = true
		info.FilePath = data.FilePath
		hasData = true
	}

	if data.NumFiles > 0 {
		info.NumFiles = data.NumFiles
		hasData = true
	} else if len(data.Filenames) > 0 {
		info.NumFiles = len(data.Filenames)
		hasData = true
	}

	if data.ExitCode != nil {
		info.ExitCode = data.ExitCode
		hasData = true
	}

	if !hasData {
		return nil
	}

	return info
}
