package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultBinary is the Claude CLI binary name resolved from PATH when
// ProcessConfig.Binary is empty.
const DefaultBinary = "claude"

// DefaultStopGrace is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
const DefaultStopGrace = 2 * time.Second

// scrubbedEnv is appended to the child environment so stdout stays pure
// NDJSON with no ANSI escapes mixed in.
var scrubbedEnv = []string{
	"NO_COLOR=1",
	"FORCE_COLOR=0",
	"CLAUDE_NO_COLOR=1",
	"TERM=dumb",
}

// SpawnErrorKind classifies why the CLI process could not be started or
// why it died immediately after starting.
type SpawnErrorKind int

const (
	// SpawnUnknown covers spawn failures with no more specific cause.
	SpawnUnknown SpawnErrorKind = iota

	// SpawnBinaryNotFound means the CLI binary is not on PATH.
	SpawnBinaryNotFound

	// SpawnAuthRequired means the CLI started but refused to serve
	// because no valid credentials are configured.
	SpawnAuthRequired

	// SpawnBridgeMisconfigured means the WSL bridge is enabled but
	// cannot be used as configured.
	SpawnBridgeMisconfigured
)

// String returns a short identifier for the kind.
func (k SpawnErrorKind) String() string {
	switch k {
	case SpawnBinaryNotFound:
		return "binary_not_found"
	case SpawnAuthRequired:
		return "auth_required"
	case SpawnBridgeMisconfigured:
		return "bridge_misconfigured"
	default:
		return "unknown"
	}
}

// SpawnError is a classified process start failure. Hint carries a
// remediation suggestion suitable for showing to the user.
type SpawnError struct {
	Kind SpawnErrorKind
	Hint string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("spawn failed (%s)", e.Kind)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// authFailureMarkers are stderr fragments that identify a credentials
// problem rather than a generic crash.
var authFailureMarkers = []string{
	"invalid api key",
	"please run /login",
	"not logged in",
	"authentication_error",
	"401",
	"unauthorized",
}

// ClassifyExit inspects an immediate process exit and returns a
// *SpawnError when stderr identifies a known startup failure, or nil
// when the exit has no recognizable classification.
func ClassifyExit(exitErr error, stderr string) error {
	lower := strings.ToLower(stderr)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return &SpawnError{
				Kind: SpawnAuthRequired,
				Hint: "run 'claude /login' or set ANTHROPIC_API_KEY",
				Err:  exitErr,
			}
		}
	}
	return nil
}

// readResult holds the result of a read operation for timeout handling.
type readResult struct {
	line string
	err  error
}

// ProcessConfig holds the configuration for starting a Claude CLI process.
type ProcessConfig struct {
	// WorkingDir is the workspace directory the CLI operates in.
	WorkingDir string

	// ResumeSessionID resumes an existing conversation when non-empty.
	// The first turn of a conversation leaves it empty; the id captured
	// from the init event is passed back unchanged on later turns.
	ResumeSessionID string

	// Model overrides the CLI's default model when non-empty.
	Model string

	// Binary overrides the CLI binary name (defaults to DefaultBinary).
	Binary string

	// WSL routes the invocation through a WSL distribution when enabled.
	WSL WSLConfig
}

// ProcessCallbacks defines callbacks the ProcessManager invokes during
// operation.
//
// All callbacks are invoked from the ProcessManager's internal goroutines.
// Implementations should be thread-safe and avoid blocking operations that
// could delay process management.
type ProcessCallbacks struct {
	// OnLine is called for each line read from stdout, including the
	// trailing newline. Called synchronously from the reader goroutine.
	OnLine func(line string)

	// OnProcessExit is called exactly once per started process when it
	// exits, whether the exit was requested via Stop or spontaneous.
	// err is the exit reason (nil for a clean exit); stderrContent is
	// everything the process wrote to stderr.
	OnProcessExit func(err error, stderrContent string)
}

// ProcessManager manages the lifecycle of a Claude CLI process: spawn,
// stdin writes, stdout/stderr consumption, and shutdown.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool
	exitNotified  bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait()
	// again, preventing undefined behavior from double Wait().
	waitDone chan struct{}

	// Context for process goroutines
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewProcessManager creates a ProcessManager with the given configuration
// and callbacks.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// BuildCommandArgs builds the CLI argument list for the given config.
// Exported for testing argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if config.ResumeSessionID != "" {
		args = append(args, "--resume", config.ResumeSessionID)
	}
	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}
	return args
}

// Start spawns the CLI process. It returns a *SpawnError when the failure
// has a recognizable cause. Starting an already-running manager is a no-op.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return nil
	}

	pm.log.Info("starting process")
	startTime := time.Now()

	binary := pm.config.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	args := BuildCommandArgs(pm.config)
	workingDir := pm.config.WorkingDir

	var name string
	if pm.config.WSL.Enabled {
		if pm.config.WSL.Distro == "" {
			return &SpawnError{
				Kind: SpawnBridgeMisconfigured,
				Hint: "set the WSL distribution name in settings",
			}
		}
		if _, err := exec.LookPath(wslBinary); err != nil {
			return &SpawnError{
				Kind: SpawnBridgeMisconfigured,
				Hint: "wsl.exe not found; install WSL or disable the WSL bridge",
				Err:  err,
			}
		}
		name, args = wrapWSLCommand(pm.config.WSL, binary, args)
	} else {
		if _, err := exec.LookPath(binary); err != nil {
			return &SpawnError{
				Kind: SpawnBinaryNotFound,
				Hint: "install the Claude CLI and make sure it is on PATH",
				Err:  err,
			}
		}
		name = binary
	}

	pm.log.Debug("starting process", "command", name+" "+strings.Join(args, " "))
	cmd := exec.Command(name, args...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), scrubbedEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pm.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pm.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pm.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		if errors.Is(err, exec.ErrNotFound) {
			return &SpawnError{
				Kind: SpawnBinaryNotFound,
				Hint: "install the Claude CLI and make sure it is on PATH",
				Err:  err,
			}
		}
		return &SpawnError{Kind: SpawnUnknown, Err: err}
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true
	pm.exitNotified = false

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop shuts the process down: close stdin, SIGTERM, wait up to grace,
// then SIGKILL. It returns once the process has exited and all internal
// goroutines have finished. Safe to call multiple times.
func (pm *ProcessManager) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	pm.mu.Lock()
	wasRunning := pm.running

	// Cancel context first to signal goroutines to exit
	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")

	// Mark as not running immediately to prevent concurrent Stop() from
	// doing duplicate cleanup
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from
	// monitorExit. monitorExit is the sole caller of cmd.Wait() and
	// signals waitDone when it completes.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(grace):
			pm.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	// Wait for goroutines (readOutput, drainStderr, monitorExit) so a
	// quick start/stop cycle cannot leak them
	pm.log.Debug("waiting for goroutines to complete")
	pm.wg.Wait()
	pm.log.Debug("all goroutines completed")

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Pid returns the child's process id, or 0 if not running.
func (pm *ProcessManager) Pid() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		return 0
	}
	return pm.cmd.Process.Pid
}

// WriteLine writes one line to the process stdin, appending a newline if
// data does not already end with one.
func (pm *ProcessManager) WriteLine(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %w", err)
	}

	return nil
}

// Interrupt sends SIGINT to the process to interrupt the current
// operation. The process itself stays alive.
func (pm *ProcessManager) Interrupt() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.log.Debug("interrupt called but process not running")
		return nil
	}

	pm.log.Info("sending SIGINT", "pid", pm.cmd.Process.Pid)

	if err := pm.cmd.Process.Signal(syscall.SIGINT); err != nil {
		pm.log.Error("failed to send SIGINT", "error", err)
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}

	return nil
}

// UpdateConfig replaces the process configuration. Takes effect on the
// next Start().
func (pm *ProcessManager) UpdateConfig(config ProcessConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.config = config
}

// readOutput continuously reads stdout lines and invokes OnLine.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	for {
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			pm.log.Debug("output reader exiting - process not running")
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			select {
			case <-pm.ctx.Done():
				pm.log.Debug("output reader exiting - context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on stdout - process exited")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by monitorExit
			return
		}

		if len(line) == 0 {
			continue
		}

		if pm.callbacks.OnLine != nil {
			pm.callbacks.OnLine(line)
		}
	}
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString() cannot be cancelled (blocking
// I/O). On context cancel, stdin is closed by Stop(), which unblocks the
// read with EOF. The channel is buffered so the goroutine can always send
// its result even after cancel, preventing a leak.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr reads all stderr content and stores it for exit reporting.
// This must run concurrently with the process so stderr is captured
// before cmd.Wait() closes the pipe.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
		pm.log.Debug("captured stderr", "content", truncateForLog(pm.stderrContent))
	}
}

// monitorExit waits for the process to exit and reports it. It is the
// sole caller of cmd.Wait() — Stop() coordinates via the waitDone
// channel instead of calling cmd.Wait() itself.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	pm.log.Debug("process exited", "error", err)

	// Signal that cmd.Wait() has completed before handling exit, so
	// Stop() can proceed while handleExit runs
	if waitDone != nil {
		close(waitDone)
	}

	pm.handleExit(err)
}

// handleExit drains stderr, cleans up, and delivers the single exit
// notification for this process run.
func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()
	if pm.exitNotified {
		pm.mu.Unlock()
		return
	}
	pm.exitNotified = true
	pm.running = false
	stderrDone := pm.stderrDone
	pm.mu.Unlock()

	// Wait for stderr to be fully drained (drainStderr reads it
	// concurrently before cmd.Wait() closes the pipe)
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	pm.mu.Unlock()

	if pm.callbacks.OnProcessExit != nil {
		pm.callbacks.OnProcessExit(err, stderrContent)
	}
}
