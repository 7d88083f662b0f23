package permission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/warden-dev/warden-core/config"
	"github.com/warden-dev/warden-core/paths"
)

const (
	requestSuffix  = ".request.json"
	responseSuffix = ".response.json"

	// DefaultTimeout is how long a request may stay unanswered before it
	// is denied.
	DefaultTimeout = 5 * time.Minute

	// requestChannelBuffer sizes the channel surfacing requests to the
	// embedding client.
	requestChannelBuffer = 16

	// partialWriteRetryDelay is how long to wait before re-reading a
	// request file that failed to parse. The helper may still be
	// mid-write when the Create event fires.
	partialWriteRetryDelay = 50 * time.Millisecond
)

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// Dir is the permissions directory shared with the helper.
	Dir string

	// Timeout before an unanswered request is denied. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// Bypass auto-approves every request. Each bypass approval is logged.
	Bypass bool
}

// Broker watches the permissions directory, answers requests it can
// decide itself (rules, bypass, malformed, timeout), and surfaces the
// rest on Requests().
type Broker struct {
	dir     string
	timeout time.Duration
	bypass  bool
	rules   *RuleStore
	log     *slog.Logger

	watcher  *fsnotify.Watcher
	requests chan Request

	mu       sync.Mutex
	answered map[string]bool
	timers   map[string]*time.Timer
	closed   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBroker creates a Broker. Call Start to begin watching.
func NewBroker(cfg BrokerConfig, rules *RuleStore, log *slog.Logger) *Broker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		dir:      cfg.Dir,
		timeout:  timeout,
		bypass:   cfg.Bypass,
		rules:    rules,
		log:      log,
		requests: make(chan Request, requestChannelBuffer),
		answered: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}
}

// NewBrokerFromConfig creates a Broker from the user's settings: the
// shared permissions directory, the persisted rules file, and the
// configured timeout and bypass flag. Call Start to begin watching.
func NewBrokerFromConfig(cfg *config.Config, log *slog.Logger) (*Broker, error) {
	dir, err := paths.PermissionsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions directory: %w", err)
	}
	rulesPath, err := paths.RulesFilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rules file: %w", err)
	}
	return NewBroker(BrokerConfig{
		Dir:     dir,
		Timeout: time.Duration(cfg.GetPermissionTimeoutSecs()) * time.Second,
		Bypass:  cfg.GetPermissionBypass(),
	}, NewRuleStore(rulesPath), log), nil
}

// Start creates the directory, begins watching it, and rescans for
// request files that arrived before the watch was in place.
func (b *Broker) Start() error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create permissions directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch permissions directory: %w", err)
	}
	b.watcher = watcher

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.watchLoop()
	}()

	// Rescan after the watch is active so nothing slips between listing
	// and watching
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("failed to scan permissions directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), requestSuffix) {
			b.handleRequestFile(filepath.Join(b.dir, entry.Name()))
		}
	}

	b.log.Info("permission broker started", "dir", b.dir, "timeout", b.timeout, "bypass", b.bypass)
	return nil
}

// Requests returns the channel of requests needing a client decision.
func (b *Broker) Requests() <-chan Request {
	return b.requests
}

// Respond answers a surfaced request with the client's decision. An
// AlwaysAllow decision also persists a rule. Responding to an already
// answered or unknown id is a no-op.
func (b *Broker) Respond(id string, decision Decision) error {
	b.mu.Lock()
	if b.answered[id] || b.timers[id] == nil {
		b.mu.Unlock()
		return nil
	}
	b.answered[id] = true
	b.cancelTimerLocked(id)
	b.mu.Unlock()

	if decision.AlwaysAllow && decision.Behavior == BehaviorAllow {
		// Re-read the request to learn the tool name for the rule
		req, err := b.readRequest(b.requestPath(id))
		if err == nil {
			rule := AlwaysAllowRule{Tool: req.ToolName, Pattern: decision.Pattern}
			if err := b.rules.Add(rule); err != nil {
				b.log.Warn("failed to persist always-allow rule", "error", err)
			} else {
				b.log.Info("persisted always-allow rule", "tool", rule.Tool, "pattern", rule.Pattern)
			}
		}
	}

	return b.writeResponse(Response{
		ID:       id,
		Behavior: decision.Behavior,
		Pattern:  decision.Pattern,
		Message:  decision.Message,
	})
}

// Close stops the watch and releases the watcher. Pending unanswered
// requests are denied so the helper is never left hanging.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var pendingIDs []string
	for id, timer := range b.timers {
		timer.Stop()
		if !b.answered[id] {
			pendingIDs = append(pendingIDs, id)
			b.answered[id] = true
		}
	}
	b.timers = map[string]*time.Timer{}
	b.mu.Unlock()

	for _, id := range pendingIDs {
		b.writeResponse(Response{
			ID:       id,
			Behavior: BehaviorDeny,
			Message:  "permission broker shutting down",
		})
	}

	close(b.stopChan)
	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	close(b.requests)
	return err
}

// watchLoop consumes fsnotify events until Close.
func (b *Broker) watchLoop() {
	for {
		select {
		case <-b.stopChan:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, requestSuffix) {
				continue
			}
			b.handleRequestFile(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("watcher error", "error", err)
		}
	}
}

// handleRequestFile processes one request file: exactly-once per id,
// auto-answer where possible, otherwise surface to the client with a
// deny-on-timeout armed.
func (b *Broker) handleRequestFile(path string) {
	id := strings.TrimSuffix(filepath.Base(path), requestSuffix)
	if id == "" {
		return
	}

	b.mu.Lock()
	if b.closed || b.answered[id] || b.timers[id] != nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	req, err := b.readRequest(path)
	if err != nil {
		// The helper may still be writing; give it one more chance
		time.Sleep(partialWriteRetryDelay)
		req, err = b.readRequest(path)
	}
	if err != nil {
		b.log.Warn("malformed permission request", "id", id, "error", err)
		b.answer(id, Response{
			ID:       id,
			Behavior: BehaviorDeny,
			Message:  fmt.Sprintf("malformed request: %v", err),
		})
		return
	}
	if req.ID == "" {
		req.ID = id
	}

	log := b.log.With("id", req.ID, "tool", req.ToolName)

	if b.bypass {
		log.Info("bypass mode: auto-approving")
		b.answer(req.ID, Response{ID: req.ID, Behavior: BehaviorAllow, Message: "bypass"})
		return
	}

	if b.rules.Matches(req.ToolName, req.ToolInput) {
		log.Info("auto-approved by always-allow rule")
		b.answer(req.ID, Response{ID: req.ID, Behavior: BehaviorAllow})
		return
	}

	// Arm the deny-on-timeout before surfacing, so a client that never
	// answers cannot leave the helper hanging
	b.mu.Lock()
	if b.closed || b.answered[req.ID] {
		b.mu.Unlock()
		return
	}
	b.timers[req.ID] = time.AfterFunc(b.timeout, func() {
		b.timeoutRequest(req.ID)
	})
	b.mu.Unlock()

	log.Debug("surfacing permission request")
	select {
	case b.requests <- req:
	case <-b.stopChan:
	}
}

// timeoutRequest denies a request that went unanswered too long.
func (b *Broker) timeoutRequest(id string) {
	b.mu.Lock()
	if b.closed || b.answered[id] {
		b.mu.Unlock()
		return
	}
	b.answered[id] = true
	delete(b.timers, id)
	b.mu.Unlock()

	b.log.Warn("permission request timed out, denying", "id", id, "timeout", b.timeout)
	b.writeResponse(Response{
		ID:       id,
		Behavior: BehaviorDeny,
		Message:  fmt.Sprintf("no decision within %s", b.timeout),
	})
}

// answer marks an id answered and publishes the response.
func (b *Broker) answer(id string, resp Response) {
	b.mu.Lock()
	if b.answered[id] {
		b.mu.Unlock()
		return
	}
	b.answered[id] = true
	b.cancelTimerLocked(id)
	b.mu.Unlock()

	if err := b.writeResponse(resp); err != nil {
		b.log.Error("failed to write response", "id", id, "error", err)
	}
}

// cancelTimerLocked stops and forgets the timeout timer for id.
// Caller holds b.mu.
func (b *Broker) cancelTimerLocked(id string) {
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
}

func (b *Broker) requestPath(id string) string {
	return filepath.Join(b.dir, id+requestSuffix)
}

func (b *Broker) responsePath(id string) string {
	return filepath.Join(b.dir, id+responseSuffix)
}

// readRequest reads and parses a request file.
func (b *Broker) readRequest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// writeResponse publishes a response atomically: write to a temp file in
// the same directory, then rename. The helper polls for the final name
// and can never see a partial response.
func (b *Broker) writeResponse(resp Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".response-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp response: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close response: %w", err)
	}

	final := b.responsePath(resp.ID)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish response: %w", err)
	}

	b.log.Debug("response published", "id", resp.ID, "behavior", resp.Behavior)
	return nil
}
