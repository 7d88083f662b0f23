// Package config persists process-wide settings as a JSON file under the
// warden config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/warden-dev/warden-core/paths"
)

// Defaults applied when a setting is absent or out of range.
const (
	DefaultPermissionTimeoutSecs = 300
	DefaultMaxIndexEntries       = 200
)

// WSLSettings configures the Windows-to-WSL bridge.
type WSLSettings struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Distro     string `json:"distro,omitempty"`
	NodePath   string `json:"node_path,omitempty"`
	ClaudePath string `json:"claude_path,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Model                 string      `json:"model,omitempty"`                   // model override passed to the CLI
	ThinkingMode          string      `json:"thinking_mode,omitempty"`           // extended thinking trigger phrase
	PermissionBypass      bool        `json:"permission_bypass,omitempty"`       // auto-approve all tool permissions
	PermissionTimeoutSecs int         `json:"permission_timeout_secs,omitempty"` // deny unanswered requests after this
	WSL                   WSLSettings `json:"wsl,omitempty"`
	MaxIndexEntries       int         `json:"max_index_entries,omitempty"` // conversation index cap

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PermissionTimeoutSecs: DefaultPermissionTimeoutSecs,
		MaxIndexEntries:       DefaultMaxIndexEntries,
		filePath:              path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero values after unmarshaling. Not thread-safe;
// only called from Load() before the Config is shared.
func (c *Config) applyDefaults() {
	if c.PermissionTimeoutSecs <= 0 {
		c.PermissionTimeoutSecs = DefaultPermissionTimeoutSecs
	}
	if c.MaxIndexEntries <= 0 {
		c.MaxIndexEntries = DefaultMaxIndexEntries
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.WSL.Enabled && c.WSL.Distro == "" {
		return fmt.Errorf("wsl enabled but no distro configured")
	}
	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file then rename so a crash mid-write cannot
	// truncate the config
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetModel returns the model override, or "" for the CLI default.
func (c *Config) GetModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Model
}

// SetModel sets the model override.
func (c *Config) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Model = model
}

// GetThinkingMode returns the configured extended thinking phrase.
func (c *Config) GetThinkingMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ThinkingMode
}

// SetThinkingMode sets the extended thinking phrase.
func (c *Config) SetThinkingMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ThinkingMode = mode
}

// GetPermissionBypass returns whether permissions are auto-approved.
func (c *Config) GetPermissionBypass() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PermissionBypass
}

// SetPermissionBypass toggles permission auto-approval.
func (c *Config) SetPermissionBypass(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionBypass = enabled
}

// GetPermissionTimeoutSecs returns the permission timeout in seconds.
func (c *Config) GetPermissionTimeoutSecs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PermissionTimeoutSecs
}

// GetWSL returns the WSL bridge settings.
func (c *Config) GetWSL() WSLSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WSL
}

// SetWSL replaces the WSL bridge settings.
func (c *Config) SetWSL(settings WSLSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WSL = settings
}

// GetMaxIndexEntries returns the conversation index cap.
func (c *Config) GetMaxIndexEntries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxIndexEntries
}
