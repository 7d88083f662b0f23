package claude

import "encoding/json"

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// StreamInputMessage is the format sent to the CLI via stdin in
// stream-json input mode.
type StreamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"` // "user"
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

// EncodeUserMessage serializes a user text message for the CLI's stdin.
// The result does not include a trailing newline; WriteLine adds one.
func EncodeUserMessage(text string) ([]byte, error) {
	msg := StreamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []ContentBlock{{Type: "text", Text: text}}
	return json.Marshal(msg)
}
