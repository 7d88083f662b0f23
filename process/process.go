// Package process finds and cleans up CLI processes left behind after a
// crash. Embedding clients run the cleanup at startup so orphaned child
// processes from a previous run do not keep consuming resources.
package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
	"github.com/warden-dev/warden-core/claude"
	"github.com/warden-dev/warden-core/logger"
)

// ClaudeProcess represents a running Claude CLI process found on the system.
type ClaudeProcess struct {
	PID     int    // Process ID
	Command string // Full command line, or just the executable when unavailable
}

// Indirections for testing.
var (
	listProcesses  = ps.Processes
	commandLineFor = readCommandLine
)

// FindClaudeProcesses enumerates all running processes whose executable
// matches the given CLI binary name ("" means the default). The current
// process is excluded.
func FindClaudeProcesses(binary string) ([]ClaudeProcess, error) {
	if binary == "" {
		binary = claude.DefaultBinary
	}
	log := logger.WithComponent("process")

	procs, err := listProcesses()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var found []ClaudeProcess
	for _, p := range procs {
		if p.Pid() == self {
			continue
		}
		exe := strings.TrimSuffix(p.Executable(), ".exe")
		if exe != binary {
			continue
		}
		cmdline := commandLineFor(p.Pid())
		if cmdline == "" {
			cmdline = p.Executable()
		}
		found = append(found, ClaudeProcess{PID: p.Pid(), Command: cmdline})
	}

	log.Debug("found Claude processes", "count", len(found))
	return found, nil
}

// FindOrphanedClaudeProcesses finds Claude processes whose session id
// (from a --session-id or --resume flag) is not in knownSessionIDs.
func FindOrphanedClaudeProcesses(binary string, knownSessionIDs map[string]bool) ([]ClaudeProcess, error) {
	all, err := FindClaudeProcesses(binary)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []ClaudeProcess
	for _, proc := range all {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned Claude process", "pid", proc.PID, "sessionID", sessionID)
		}
	}

	return orphans, nil
}

// CleanupOrphanedProcesses kills all Claude processes whose session id is
// not in knownSessionIDs. Returns the number of processes killed.
func CleanupOrphanedProcesses(binary string, knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedClaudeProcesses(binary, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned Claude process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}

// KillProcess forcefully terminates a process by PID.
func KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// extractSessionID extracts the session id from a Claude CLI command line.
func extractSessionID(cmdLine string) string {
	// Look for --session-id or --resume followed by the ID
	patterns := []string{"--session-id", "--resume"}
	for _, pattern := range patterns {
		_, after, ok := strings.Cut(cmdLine, pattern)
		if !ok {
			continue
		}

		rest := strings.TrimLeft(after, " =")
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// readCommandLine returns the full command line for a PID, or "" when it
// cannot be determined. go-ps only exposes the executable name, so the
// arguments come from the platform directly.
func readCommandLine(pid int) string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	case "darwin":
		output, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "args=").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(output))
	default:
		return ""
	}
}
