// Package history persists closed conversations to disk. Each conversation
// gets its own JSON record file, and a capped index.json provides a cheap
// listing for browsing without loading full records.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/warden-dev/warden-core/paths"
)

// PreviewMaxLen caps the user-message previews stored in the index.
const PreviewMaxLen = 120

// Turn records one completed prompt/response exchange.
type Turn struct {
	Index          int       `json:"index"`
	UserText       string    `json:"user_text"`
	AssistantText  string    `json:"assistant_text,omitempty"`
	Outcome        string    `json:"outcome"` // "completed", "error", or "cancelled"
	Error          string    `json:"error,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	CheckpointSHA  string    `json:"checkpoint_sha,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// ConversationRecord is the full persisted form of a closed conversation.
type ConversationRecord struct {
	ID        string    `json:"id"`         // internal conversation id
	SessionID string    `json:"session_id"` // CLI session id, if one was captured
	Workspace string    `json:"workspace"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at"`
	Turns     []Turn    `json:"turns"`
}

// TotalCostUSD sums the cost across all turns.
func (r *ConversationRecord) TotalCostUSD() float64 {
	var total float64
	for _, t := range r.Turns {
		total += t.CostUSD
	}
	return total
}

// IndexEntry summarizes one record for the conversation index.
type IndexEntry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	RecordFile   string    `json:"record_file"`
	FirstPreview string    `json:"first_preview,omitempty"`
	LastPreview  string    `json:"last_preview,omitempty"`
	TurnCount    int       `json:"turn_count"`
	TotalCostUSD float64   `json:"total_cost_usd,omitempty"`
	ClosedAt     time.Time `json:"closed_at"`
}

const indexFile = "index.json"

// SaveRecord writes the record to disk and adds it to the index. If the
// index exceeds maxEntries, the oldest entries are evicted and their record
// files removed.
func SaveRecord(record *ConversationRecord, maxEntries int) error {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	filename := record.ID + ".json"
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0644); err != nil {
		return err
	}

	entries, err := LoadIndex()
	if err != nil {
		return err
	}

	// Replace any existing entry for the same conversation
	filtered := entries[:0]
	for _, e := range entries {
		if e.ID != record.ID {
			filtered = append(filtered, e)
		}
	}
	entries = append(filtered, indexEntryFor(record, filename))

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ClosedAt.Before(entries[j].ClosedAt)
	})

	if maxEntries > 0 && len(entries) > maxEntries {
		evicted := entries[:len(entries)-maxEntries]
		entries = entries[len(entries)-maxEntries:]
		for _, e := range evicted {
			os.Remove(filepath.Join(dir, e.RecordFile)) // Best-effort
		}
	}

	return saveIndex(dir, entries)
}

// LoadIndex reads the conversation index, oldest first. A missing index
// yields an empty slice.
func LoadIndex() ([]IndexEntry, error) {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if os.IsNotExist(err) {
		return []IndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadRecord reads a full conversation record by id.
func LoadRecord(id string) (*ConversationRecord, error) {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return nil, err
	}

	var record ConversationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteRecord removes a record file and its index entry.
func DeleteRecord(id string) error {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return err
	}

	entries, err := LoadIndex()
	if err != nil {
		return err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			filtered = append(filtered, e)
		}
	}

	err = os.Remove(filepath.Join(dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return saveIndex(dir, filtered)
}

func saveIndex(dir string, entries []IndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, indexFile), data, 0644)
}

func indexEntryFor(record *ConversationRecord, filename string) IndexEntry {
	entry := IndexEntry{
		ID:           record.ID,
		SessionID:    record.SessionID,
		RecordFile:   filename,
		TurnCount:    len(record.Turns),
		TotalCostUSD: record.TotalCostUSD(),
		ClosedAt:     record.ClosedAt,
	}
	if len(record.Turns) > 0 {
		entry.FirstPreview = preview(record.Turns[0].UserText)
		entry.LastPreview = preview(record.Turns[len(record.Turns)-1].UserText)
	}
	return entry
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > PreviewMaxLen {
		cut := PreviewMaxLen - 3
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
