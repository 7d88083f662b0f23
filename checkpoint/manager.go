// Package checkpoint snapshots the user's workspace once per turn and
// restores it on demand.
//
// Snapshots live in a secondary git store: a bare repository under the
// warden data directory pointed at the workspace via --work-tree. The
// user's own .git (if any) is never touched and never sees the snapshot
// history. Every turn produces a commit, empty or not, so checkpoints
// are gapless and any turn boundary can be restored.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	wexec "github.com/warden-dev/warden-core/exec"
	"github.com/warden-dev/warden-core/logger"
	"github.com/warden-dev/warden-core/paths"
)

// ErrNoSuchCheckpoint is returned by Restore for an unknown commit.
var ErrNoSuchCheckpoint = errors.New("no such checkpoint")

// Checkpoint identifies one workspace snapshot.
type Checkpoint struct {
	CommitSHA string    `json:"commit_sha"`
	TurnIndex int       `json:"turn_index"`
	Timestamp time.Time `json:"timestamp"`
	IsEmpty   bool      `json:"is_empty"` // no changes since the previous snapshot
	Label     string    `json:"label,omitempty"`
}

// Manager owns the snapshot store for one workspace. All operations are
// serialized by an internal mutex; concurrent callers see a consistent
// lineage.
type Manager struct {
	mu        sync.Mutex
	executor  wexec.CommandExecutor
	workspace string
	storeDir  string
	turnIndex int
	baseSHA   string
}

// StoreDirFor returns the snapshot store location for a workspace. The
// directory is keyed by a hash of the absolute workspace path so two
// workspaces never share a store.
func StoreDirFor(workspace string) (string, error) {
	checkpoints, err := paths.CheckpointsDir()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(workspace))
	return checkpoints + string(os.PathSeparator) + hex.EncodeToString(sum[:8]), nil
}

// NewManager creates a Manager for the workspace using the real executor.
func NewManager(workspace string) (*Manager, error) {
	return NewManagerWithExecutor(workspace, wexec.NewRealExecutor())
}

// NewManagerWithExecutor creates a Manager with a custom executor,
// primarily for tests.
func NewManagerWithExecutor(workspace string, executor wexec.CommandExecutor) (*Manager, error) {
	storeDir, err := StoreDirFor(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint store: %w", err)
	}
	return &Manager{
		executor:  executor,
		workspace: workspace,
		storeDir:  storeDir,
	}, nil
}

// StoreDir returns the snapshot store directory.
func (m *Manager) StoreDir() string {
	return m.storeDir
}

// gitArgs prefixes a git subcommand with the store and work-tree flags.
func (m *Manager) gitArgs(sub ...string) []string {
	args := []string{"--git-dir", m.storeDir, "--work-tree", m.workspace}
	return append(args, sub...)
}

// git runs a git subcommand against the snapshot store.
func (m *Manager) git(ctx context.Context, sub ...string) ([]byte, error) {
	output, err := m.executor.CombinedOutput(ctx, m.workspace, "git", m.gitArgs(sub...)...)
	if err != nil {
		return output, fmt.Errorf("git %s failed: %s - %w", strings.Join(sub, " "), strings.TrimSpace(string(output)), err)
	}
	return output, nil
}

// Init creates the snapshot store if needed and records the workspace's
// current content as the lineage root. Calling Init on an existing store
// is a no-op beyond ensuring the base exists.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *Manager) initLocked(ctx context.Context) error {
	log := logger.WithComponent("checkpoint")

	if _, err := os.Stat(m.storeDir); os.IsNotExist(err) {
		log.Info("creating snapshot store", "store", m.storeDir, "workspace", m.workspace)
		if err := os.MkdirAll(m.storeDir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}
		if output, err := m.executor.CombinedOutput(ctx, m.workspace, "git", "init", "--bare", m.storeDir); err != nil {
			return fmt.Errorf("git init failed: %s - %w", strings.TrimSpace(string(output)), err)
		}
		// Commits need an identity; keep it local to the store
		if _, err := m.git(ctx, "config", "user.name", "warden"); err != nil {
			return err
		}
		if _, err := m.git(ctx, "config", "user.email", "warden@localhost"); err != nil {
			return err
		}
	}

	if m.baseSHA == "" {
		cp, err := m.snapshotLocked(ctx, "base")
		if err != nil {
			return fmt.Errorf("failed to record base snapshot: %w", err)
		}
		m.baseSHA = cp.CommitSHA
		m.turnIndex = 0
		log.Info("lineage rooted", "base", cp.CommitSHA)
	}
	return nil
}

// ReRoot discards the snapshot history and records the current workspace
// content as a fresh lineage root. Used when the conversation is cleared.
func (m *Manager) ReRoot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.WithComponent("checkpoint").Info("re-rooting lineage", "store", m.storeDir)

	if err := os.RemoveAll(m.storeDir); err != nil {
		return fmt.Errorf("failed to remove snapshot store: %w", err)
	}
	m.baseSHA = ""
	m.turnIndex = 0
	return m.initLocked(ctx)
}

// BaseSHA returns the lineage root commit, or "" before Init.
func (m *Manager) BaseSHA() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseSHA
}

// Snapshot commits the current workspace content. A commit is produced
// even when nothing changed (IsEmpty is set), so every turn has exactly
// one checkpoint.
func (m *Manager) Snapshot(ctx context.Context, label string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := m.snapshotLocked(ctx, label)
	if err != nil {
		return Checkpoint{}, err
	}
	m.turnIndex++
	cp.TurnIndex = m.turnIndex
	return cp, nil
}

func (m *Manager) snapshotLocked(ctx context.Context, label string) (Checkpoint, error) {
	if _, err := m.git(ctx, "add", "-A"); err != nil {
		return Checkpoint{}, err
	}

	statusOut, err := m.executor.Output(ctx, m.workspace, "git", m.gitArgs("status", "--porcelain")...)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("git status failed: %w", err)
	}
	isEmpty := len(strings.TrimSpace(string(statusOut))) == 0

	if label == "" {
		label = "checkpoint"
	}
	if _, err := m.git(ctx, "commit", "--allow-empty", "-m", label); err != nil {
		return Checkpoint{}, err
	}

	shaOut, err := m.executor.Output(ctx, m.workspace, "git", m.gitArgs("rev-parse", "HEAD")...)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("git rev-parse failed: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	logger.WithComponent("checkpoint").Debug("snapshot recorded", "sha", sha, "empty", isEmpty, "label", label)

	return Checkpoint{
		CommitSHA: sha,
		Timestamp: time.Now(),
		IsEmpty:   isEmpty,
		Label:     label,
	}, nil
}

// Restore hard-resets the workspace to the given checkpoint and removes
// untracked files. The result depends only on the target commit, never
// on what was restored before. An unknown sha returns ErrNoSuchCheckpoint
// and leaves the workspace untouched.
func (m *Manager) Restore(ctx context.Context, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sha == "" {
		return ErrNoSuchCheckpoint
	}

	if _, err := m.executor.Output(ctx, m.workspace, "git", m.gitArgs("cat-file", "-e", sha+"^{commit}")...); err != nil {
		return fmt.Errorf("%w: %s", ErrNoSuchCheckpoint, sha)
	}

	logger.WithComponent("checkpoint").Info("restoring checkpoint", "sha", sha)

	if _, err := m.git(ctx, "reset", "--hard", sha); err != nil {
		return err
	}
	if _, err := m.git(ctx, "clean", "-fd"); err != nil {
		return err
	}
	return nil
}

// Head returns the most recent checkpoint commit sha.
func (m *Manager) Head(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.executor.Output(ctx, m.workspace, "git", m.gitArgs("rev-parse", "HEAD")...)
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
