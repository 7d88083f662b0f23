package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warden-dev/warden-core/checkpoint"
	"github.com/warden-dev/warden-core/claude"
	"github.com/warden-dev/warden-core/config"
	"github.com/warden-dev/warden-core/history"
	"github.com/warden-dev/warden-core/logger"
	"github.com/warden-dev/warden-core/permission"
)

// Supervisor errors.
var (
	ErrBusy   = errors.New("a turn is already in flight")
	ErrClosed = errors.New("supervisor is closed")
)

// eventBuffer is the capacity of the consumer-facing event channel.
const eventBuffer = 256

// Runner abstracts the CLI process so tests can inject a fake.
//
// *claude.ProcessManager satisfies this interface.
type Runner interface {
	Start() error
	Stop(grace time.Duration)
	IsRunning() bool
	WriteLine(data []byte) error
	Interrupt() error
}

var _ Runner = (*claude.ProcessManager)(nil)

// RunnerFactory creates a runner for a spawn. Tests inject fakes here.
type RunnerFactory func(cfg claude.ProcessConfig, callbacks claude.ProcessCallbacks, log *slog.Logger) Runner

func defaultRunnerFactory(cfg claude.ProcessConfig, callbacks claude.ProcessCallbacks, log *slog.Logger) Runner {
	return claude.NewProcessManager(cfg, callbacks, log)
}

// CheckpointStore is the per-workspace snapshot store the supervisor drives.
//
// *checkpoint.Manager satisfies this interface.
type CheckpointStore interface {
	Init(ctx context.Context) error
	Snapshot(ctx context.Context, label string) (checkpoint.Checkpoint, error)
	Restore(ctx context.Context, sha string) error
	ReRoot(ctx context.Context) error
}

var _ CheckpointStore = (*checkpoint.Manager)(nil)

// Options configures a Supervisor. Config is required; the rest default.
type Options struct {
	Config *config.Config

	// Checkpoints overrides the default per-workspace store (for testing).
	Checkpoints CheckpointStore

	// Broker delivers permission requests upward when set. The supervisor
	// forwards its requests as events but does not own its lifecycle.
	// permission.NewBrokerFromConfig builds one from the user's settings.
	Broker *permission.Broker

	// RunnerFactory overrides process creation (for testing).
	RunnerFactory RunnerFactory
}

// activeTurn tracks the in-flight turn between Send and its terminal event.
type activeTurn struct {
	index         int
	userText      string
	assistant     strings.Builder
	checkpointSHA string
	startedAt     time.Time
}

// Supervisor drives one workspace conversation end to end.
type Supervisor struct {
	workspace   string
	cfg         *config.Config
	checkpoints CheckpointStore
	broker      *permission.Broker
	factory     RunnerFactory
	log         *slog.Logger

	events chan Event

	mu             sync.Mutex
	state          State
	runner         Runner
	decoder        *claude.Decoder
	conversationID string
	sessionID      string
	turnIndex      int
	record         *history.ConversationRecord
	turn           *activeTurn
	restoring      bool
	closed         bool
}

// New creates a Supervisor for the given workspace directory.
func New(workspace string, opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	store := opts.Checkpoints
	if store == nil {
		m, err := checkpoint.NewManager(workspace)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		store = m
	}

	factory := opts.RunnerFactory
	if factory == nil {
		factory = defaultRunnerFactory
	}

	s := &Supervisor{
		workspace:   workspace,
		cfg:         opts.Config,
		checkpoints: store,
		broker:      opts.Broker,
		factory:     factory,
		log:         logger.WithComponent("session"),
		events:      make(chan Event, eventBuffer),
		state:       StateIdle,
	}
	s.startConversationLocked()

	s.decoder = claude.NewDecoder(claude.DecoderCallbacks{
		OnEvent: s.handleStreamEvent,
		OnDecodeError: func(line string, err error) {
			s.log.Warn("skipping undecodable stream line", "error", err, "line", line)
		},
	}, s.log)

	if s.broker != nil {
		go s.pumpPermissions()
	}

	return s, nil
}

// startConversationLocked resets the per-conversation state. Callers hold
// mu, except New before the Supervisor is shared.
func (s *Supervisor) startConversationLocked() {
	s.conversationID = uuid.New().String()
	s.sessionID = ""
	s.turnIndex = 0
	s.record = &history.ConversationRecord{
		ID:        s.conversationID,
		Workspace: s.workspace,
		CreatedAt: time.Now(),
	}
}

// Events returns the supervisor's ordered event stream. Consumers must
// drain it promptly.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the CLI session id captured from the init event, or ""
// before the first turn of a conversation completes initialization.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ConversationID returns the id of the current conversation record.
func (s *Supervisor) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Send submits a user message as a new turn. It snapshots the workspace,
// applies the configured thinking prefix, spawns or reuses the CLI process,
// and writes the message. Completion is reported asynchronously on Events.
//
// Returns ErrBusy unless the supervisor is Idle. A checkpoint or spawn
// failure ends the turn with a turn_error event and is also returned.
func (s *Supervisor) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.restoring {
		s.mu.Unlock()
		return ErrBusy
	}
	turn := &activeTurn{
		index:     s.turnIndex,
		userText:  text,
		startedAt: time.Now(),
	}
	s.turnIndex++
	s.turn = turn
	s.state = StateRunning
	s.mu.Unlock()

	log := s.log.With("conversationID", s.conversationID, "turn", turn.index)
	log.Info("turn started")
	s.emit(Event{Type: EventTurnStarted, TurnIndex: turn.index})

	// Snapshot before the process can touch the workspace. No snapshot,
	// no send.
	if err := s.checkpoints.Init(ctx); err != nil {
		err = fmt.Errorf("checkpoint init failed: %w", err)
		s.failTurn(err)
		return err
	}
	cp, err := s.checkpoints.Snapshot(ctx, fmt.Sprintf("turn %d", turn.index))
	if err != nil {
		err = fmt.Errorf("checkpoint snapshot failed: %w", err)
		s.failTurn(err)
		return err
	}
	turn.checkpointSHA = cp.CommitSHA
	log.Debug("pre-turn checkpoint taken", "sha", cp.CommitSHA, "empty", cp.IsEmpty)

	outgoing := claude.ApplyThinkingMode(claude.ThinkingMode(s.cfg.GetThinkingMode()), text)

	runner, err := s.ensureRunner()
	if err != nil {
		s.failTurn(err)
		return err
	}

	payload, err := claude.EncodeUserMessage(outgoing)
	if err != nil {
		err = fmt.Errorf("encoding user message: %w", err)
		s.failTurn(err)
		return err
	}
	if err := runner.WriteLine(payload); err != nil {
		err = fmt.Errorf("writing to process: %w", err)
		s.failTurn(err)
		return err
	}

	return nil
}

// Cancel aborts the active turn. It discards any buffered partial decoder
// line and asks the process to stop; the turn's terminal event fires once
// exit is confirmed. No-op when no turn is running.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	r := s.runner
	s.mu.Unlock()

	s.log.Info("cancelling turn", "conversationID", s.conversationID)
	s.decoder.Reset()

	if r == nil {
		s.finishTurn(OutcomeCancelled, nil, nil)
		return
	}
	r.Interrupt()
	go r.Stop(claude.DefaultStopGrace)
}

// Clear starts a new conversation: the captured session id is dropped so
// the next turn spawns without a resume flag, the current record is closed
// and persisted, and the checkpoint lineage is re-rooted at the current
// workspace content.
//
// Returns ErrBusy unless the supervisor is Idle.
func (s *Supervisor) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle || s.restoring {
		s.mu.Unlock()
		return ErrBusy
	}
	r := s.runner
	s.runner = nil
	record := s.record
	s.startConversationLocked()
	s.mu.Unlock()

	if r != nil {
		r.Stop(claude.DefaultStopGrace)
	}
	s.persistRecord(record)

	if err := s.checkpoints.ReRoot(ctx); err != nil {
		return fmt.Errorf("re-rooting checkpoints: %w", err)
	}

	s.log.Info("session cleared", "previousConversationID", record.ID)
	s.emit(Event{Type: EventSessionCleared})
	return nil
}

// RestoreCheckpoint hard-resets the workspace to the given checkpoint.
// Refused while a turn is in flight, and turns are refused until the
// restore completes.
func (s *Supervisor) RestoreCheckpoint(ctx context.Context, sha string) error {
	s.mu.Lock()
	if s.state != StateIdle || s.restoring {
		s.mu.Unlock()
		return ErrBusy
	}
	s.restoring = true
	s.mu.Unlock()

	err := s.checkpoints.Restore(ctx, sha)

	s.mu.Lock()
	s.restoring = false
	s.mu.Unlock()
	return err
}

// RespondPermission answers a brokered permission request and reports the
// resolution on the event stream.
func (s *Supervisor) RespondPermission(id string, decision permission.Decision) error {
	if s.broker == nil {
		return fmt.Errorf("no permission broker configured")
	}
	if err := s.broker.Respond(id, decision); err != nil {
		return err
	}
	s.emit(Event{Type: EventPermissionResolved, PermissionID: id, Decision: &decision})
	return nil
}

// Close stops the process and persists the open conversation record. The
// event channel is not closed; no further events are emitted after Close
// returns.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.runner
	s.runner = nil
	record := s.record
	s.mu.Unlock()

	if r != nil {
		r.Stop(claude.DefaultStopGrace)
	}
	s.persistRecord(record)
	return nil
}

// ensureRunner spawns the CLI process if it is not already running. When a
// session id has been captured, the spawn resumes it.
func (s *Supervisor) ensureRunner() (Runner, error) {
	s.mu.Lock()
	if s.runner != nil && s.runner.IsRunning() {
		r := s.runner
		s.mu.Unlock()
		return r, nil
	}

	wsl := s.cfg.GetWSL()
	procCfg := claude.ProcessConfig{
		WorkingDir:      s.workspace,
		ResumeSessionID: s.sessionID,
		Model:           s.cfg.GetModel(),
		WSL: claude.WSLConfig{
			Enabled:    wsl.Enabled,
			Distro:     wsl.Distro,
			NodePath:   wsl.NodePath,
			ClaudePath: wsl.ClaudePath,
		},
	}
	callbacks := claude.ProcessCallbacks{
		OnLine:        s.handleLine,
		OnProcessExit: s.handleProcessExit,
	}
	runner := s.factory(procCfg, callbacks, s.log)
	s.runner = runner
	s.mu.Unlock()

	if err := runner.Start(); err != nil {
		s.mu.Lock()
		if s.runner == runner {
			s.runner = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return runner, nil
}

// handleLine feeds process stdout into the decoder. Called from the
// process reader goroutine.
func (s *Supervisor) handleLine(line string) {
	s.decoder.Feed([]byte(line))
}

// handleStreamEvent translates decoded stream events into supervisor
// events. Called synchronously from the decoder, so ordering is preserved.
func (s *Supervisor) handleStreamEvent(ev claude.Event) {
	s.mu.Lock()
	turn := s.turn
	running := s.state == StateRunning
	s.mu.Unlock()

	switch ev.Kind {
	case claude.EventSystemInit:
		s.mu.Lock()
		s.sessionID = ev.Init.SessionID
		s.record.SessionID = ev.Init.SessionID
		s.record.Model = ev.Init.Model
		s.mu.Unlock()
		s.log.Info("session initialized", "sessionID", ev.Init.SessionID, "model", ev.Init.Model)

	case claude.EventText:
		if !running || turn == nil {
			return
		}
		turn.assistant.WriteString(ev.Text)
		s.emit(Event{Type: EventTextDelta, TurnIndex: turn.index, Text: ev.Text})

	case claude.EventThinking:
		if !running || turn == nil {
			return
		}
		s.emit(Event{Type: EventThinkingDelta, TurnIndex: turn.index, Text: ev.Text})

	case claude.EventToolUse:
		if !running || turn == nil {
			return
		}
		s.emit(Event{
			Type:      EventToolUse,
			TurnIndex: turn.index,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
			ToolUseID: ev.ToolUseID,
		})

	case claude.EventToolResult:
		if !running || turn == nil {
			return
		}
		s.emit(Event{
			Type:        EventToolResult,
			TurnIndex:   turn.index,
			ToolUseID:   ev.ToolUseID,
			ToolResult:  ev.ResultInfo,
			ToolIsError: ev.IsError,
		})

	case claude.EventResult:
		if !running || turn == nil {
			return
		}
		if ev.Result.IsError {
			s.finishTurn(OutcomeError, fmt.Errorf("turn failed: %s", ev.Result.Result), ev.Result)
			return
		}
		s.finishTurn(OutcomeCompleted, nil, ev.Result)

	case claude.EventUnknown:
		// Already logged with the raw line at decode time.
	}
}

// handleProcessExit reacts to the process ending. Called exactly once per
// started process from the process monitor goroutine.
func (s *Supervisor) handleProcessExit(err error, stderrContent string) {
	s.mu.Lock()
	state := s.state
	turnActive := s.turn != nil
	s.runner = nil
	s.mu.Unlock()

	switch {
	case state == StateStopping:
		s.finishTurn(OutcomeCancelled, nil, nil)

	case state == StateRunning && turnActive:
		// Crash mid-turn. Prefer the auth classification when stderr
		// shows one; partial events already dispatched stay delivered.
		exitErr := err
		if classified := claude.ClassifyExit(err, stderrContent); classified != nil {
			exitErr = classified
		} else if exitErr == nil {
			exitErr = fmt.Errorf("process exited before completing the turn")
		} else {
			exitErr = fmt.Errorf("process exited before completing the turn: %w", exitErr)
		}
		s.log.Error("process died mid-turn", "error", err, "stderr", stderrContent)
		s.finishTurn(OutcomeError, exitErr, nil)

	default:
		s.log.Debug("process exited between turns", "error", err)
	}
}

// failTurn ends the active turn with an error outcome.
func (s *Supervisor) failTurn(err error) {
	s.finishTurn(OutcomeError, err, nil)
}

// finishTurn closes the active turn with the given outcome, records it in
// the conversation record, persists the record, and emits the terminal
// event. Safe to call when no turn is active.
func (s *Supervisor) finishTurn(outcome string, turnErr error, result *claude.TurnResult) {
	s.mu.Lock()
	turn := s.turn
	if turn == nil {
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.turn = nil
	s.state = StateIdle

	ht := history.Turn{
		Index:         turn.index,
		UserText:      turn.userText,
		AssistantText: turn.assistant.String(),
		Outcome:       outcome,
		CheckpointSHA: turn.checkpointSHA,
		StartedAt:     turn.startedAt,
		CompletedAt:   time.Now(),
	}
	if turnErr != nil {
		ht.Error = turnErr.Error()
	}
	if result != nil {
		ht.CostUSD = result.TotalCostUSD
		ht.DurationMs = int64(result.DurationMs)
		if result.Usage != nil {
			ht.InputTokens = result.Usage.InputTokens
			ht.OutputTokens = result.Usage.OutputTokens
		}
	}
	s.record.Turns = append(s.record.Turns, ht)
	record := s.record
	s.mu.Unlock()

	s.persistRecord(record)

	ev := Event{TurnIndex: turn.index}
	switch outcome {
	case OutcomeError:
		ev.Type = EventTurnError
		ev.Err = turnErr
	default:
		ev.Type = EventTurnCompleted
		ev.Outcome = outcome
		if result != nil {
			ev.CostUSD = result.TotalCostUSD
			ev.Usage = result.Usage
			ev.DurationMs = result.DurationMs
		}
	}
	s.log.Info("turn finished", "turn", turn.index, "outcome", outcome)
	s.emit(ev)
}

// persistRecord writes the conversation record and index entry to disk.
// Persistence failures are logged, never fatal to the session.
func (s *Supervisor) persistRecord(record *history.ConversationRecord) {
	if record == nil || len(record.Turns) == 0 {
		return
	}
	record.ClosedAt = time.Now()
	if err := history.SaveRecord(record, s.cfg.GetMaxIndexEntries()); err != nil {
		s.log.Error("failed to persist conversation record", "conversationID", record.ID, "error", err)
	}
}

// pumpPermissions forwards brokered requests onto the event stream until
// the broker's channel closes.
func (s *Supervisor) pumpPermissions() {
	for req := range s.broker.Requests() {
		s.emit(Event{
			Type:         EventPermissionRequested,
			PermissionID: req.ID,
			Request:      &req,
		})
	}
}

func (s *Supervisor) emit(ev Event) {
	s.events <- ev
}
