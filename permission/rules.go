package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AlwaysAllowRule pre-approves a tool. For shell tools a Pattern narrows
// the approval to commands matching a prefix, e.g. "git *".
type AlwaysAllowRule struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern,omitempty"`
}

// RuleStore holds always-allow rules, persisted as YAML. Rules are loaded
// once at startup and flushed on every mutation.
type RuleStore struct {
	mu    sync.Mutex
	path  string
	rules []AlwaysAllowRule
}

// NewRuleStore creates a store backed by the given file path.
func NewRuleStore(path string) *RuleStore {
	return &RuleStore{path: path}
}

// Load reads rules from disk. A missing file is not an error; the store
// starts empty.
func (s *RuleStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.rules = nil
			return nil
		}
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules []AlwaysAllowRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse rules file: %w", err)
	}
	s.rules = rules
	return nil
}

// Add appends a rule and flushes to disk. Duplicate rules are ignored.
func (s *RuleStore) Add(rule AlwaysAllowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r == rule {
			return nil
		}
	}
	s.rules = append(s.rules, rule)
	return s.saveLocked()
}

// Rules returns a copy of the current rules.
func (s *RuleStore) Rules() []AlwaysAllowRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]AlwaysAllowRule, len(s.rules))
	copy(rules, s.rules)
	return rules
}

// Matches reports whether any rule pre-approves the given tool call.
func (s *RuleStore) Matches(toolName string, toolInput json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rule := range s.rules {
		if rule.Tool != toolName {
			continue
		}
		if rule.Pattern == "" {
			return true
		}
		if MatchesCommandPattern(rule.Pattern, commandFromInput(toolInput)) {
			return true
		}
	}
	return false
}

// saveLocked writes the rules file. Caller holds s.mu.
func (s *RuleStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}

	data, err := yaml.Marshal(s.rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	return nil
}

// MatchesCommandPattern reports whether a shell command matches a rule
// pattern. "git *" matches any command whose first token is "git";
// "git push *" matches any command starting with "git push". A pattern
// without a trailing "*" must equal the command exactly. A bare "*"
// matches everything.
func MatchesCommandPattern(pattern, command string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, " *") {
		return pattern == command
	}

	prefixTokens := strings.Fields(strings.TrimSuffix(pattern, " *"))
	commandTokens := strings.Fields(command)
	if len(commandTokens) < len(prefixTokens) {
		return false
	}
	for i, tok := range prefixTokens {
		if commandTokens[i] != tok {
			return false
		}
	}
	return true
}

// commandFromInput extracts the "command" field from tool input, for
// matching shell tool patterns. Returns "" when absent.
func commandFromInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	if cmd, ok := m["command"].(string); ok {
		return cmd
	}
	return ""
}
