package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	wexec "github.com/warden-dev/warden-core/exec"
	"github.com/warden-dev/warden-core/paths"
)

// setupTestHome points the checkpoint store at a temp directory.
func setupTestHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
}

// hasCall reports whether a recorded call's args contain the subcommand
// sequence.
func hasCall(calls []wexec.MockCall, sub ...string) bool {
	for _, call := range calls {
		if call.Name != "git" {
			continue
		}
		for i := 0; i+len(sub) <= len(call.Args); i++ {
			if slices.Equal(call.Args[i:i+len(sub)], sub) {
				return true
			}
		}
	}
	return false
}

// newTestManager builds a Manager on a MockExecutor with a rev-parse
// rule so snapshots resolve to a fixed sha.
func newTestManager(t *testing.T, sha string) (*Manager, *wexec.MockExecutor) {
	t.Helper()
	setupTestHome(t)

	mock := wexec.NewMockExecutor(nil)
	mock.AddRule(func(dir, name string, args []string) bool {
		return name == "git" && slices.Contains(args, "rev-parse")
	}, wexec.MockResponse{Stdout: []byte(sha + "\n")})

	m, err := NewManagerWithExecutor(t.TempDir(), mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m, mock
}

func TestStoreDirFor_DistinctWorkspaces(t *testing.T) {
	setupTestHome(t)

	a, err := StoreDirFor("/workspaces/alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := StoreDirFor("/workspaces/beta")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected distinct stores for distinct workspaces")
	}

	again, _ := StoreDirFor("/workspaces/alpha")
	if a != again {
		t.Error("expected stable store for the same workspace")
	}
}

func TestInit_RootsLineage(t *testing.T) {
	m, mock := newTestManager(t, "base123")

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.BaseSHA() != "base123" {
		t.Errorf("expected base sha 'base123', got %q", m.BaseSHA())
	}

	calls := mock.GetCalls()
	if !hasCall(calls, "init", "--bare") {
		t.Error("expected git init --bare")
	}
	if !hasCall(calls, "add", "-A") {
		t.Error("expected base snapshot to stage the workspace")
	}
	if !hasCall(calls, "commit", "--allow-empty", "-m", "base") {
		t.Error("expected base commit")
	}
}

func TestInit_Idempotent(t *testing.T) {
	m, mock := newTestManager(t, "base123")
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mock.ClearCalls()

	// Second Init must not re-init or re-root
	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasCall(mock.GetCalls(), "init", "--bare") {
		t.Error("expected no re-init on second Init")
	}
	if hasCall(mock.GetCalls(), "commit") {
		t.Error("expected no new commit on second Init")
	}
}

func TestSnapshot(t *testing.T) {
	m, mock := newTestManager(t, "abc123")
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mock.ClearCalls()

	// Workspace has pending changes
	mock.AddRule(func(dir, name string, args []string) bool {
		return name == "git" && slices.Contains(args, "status")
	}, wexec.MockResponse{Stdout: []byte(" M main.go\n")})

	cp, err := m.Snapshot(ctx, "turn 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cp.CommitSHA != "abc123" {
		t.Errorf("expected sha 'abc123', got %q", cp.CommitSHA)
	}
	if cp.TurnIndex != 1 {
		t.Errorf("expected turn index 1, got %d", cp.TurnIndex)
	}
	if cp.IsEmpty {
		t.Error("expected non-empty checkpoint")
	}
	if cp.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	calls := mock.GetCalls()
	if !hasCall(calls, "add", "-A") {
		t.Error("expected staging before commit")
	}
	if !hasCall(calls, "commit", "--allow-empty", "-m", "turn 1") {
		t.Error("expected labeled commit")
	}
}

func TestSnapshot_EmptyTurn(t *testing.T) {
	m, mock := newTestManager(t, "def456")
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Default mock response for status is empty output: no changes
	cp, err := m.Snapshot(ctx, "turn 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cp.IsEmpty {
		t.Error("expected empty checkpoint when workspace is unchanged")
	}
	if cp.CommitSHA != "def456" {
		t.Errorf("expected a commit even for an empty turn, got %q", cp.CommitSHA)
	}

	if !hasCall(mock.GetCalls(), "commit", "--allow-empty") {
		t.Error("expected --allow-empty commit for unchanged workspace")
	}
}

func TestSnapshot_TurnIndexIncrements(t *testing.T) {
	m, _ := newTestManager(t, "abc123")
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, _ := m.Snapshot(ctx, "")
	second, _ := m.Snapshot(ctx, "")
	if first.TurnIndex != 1 || second.TurnIndex != 2 {
		t.Errorf("expected indices 1 and 2, got %d and %d", first.TurnIndex, second.TurnIndex)
	}
}

func TestRestore(t *testing.T) {
	m, mock := newTestManager(t, "abc123")
	ctx := context.Background()

	if err := m.Restore(ctx, "abc123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := mock.GetCalls()
	if !hasCall(calls, "cat-file", "-e", "abc123^{commit}") {
		t.Error("expected target verification before reset")
	}
	if !hasCall(calls, "reset", "--hard", "abc123") {
		t.Error("expected hard reset to target")
	}
	if !hasCall(calls, "clean", "-fd") {
		t.Error("expected untracked cleanup")
	}
}

func TestRestore_UnknownSHA(t *testing.T) {
	m, mock := newTestManager(t, "abc123")
	ctx := context.Background()

	mock.AddRule(func(dir, name string, args []string) bool {
		return name == "git" && slices.Contains(args, "cat-file")
	}, wexec.MockResponse{Err: errors.New("exit status 1")})

	err := m.Restore(ctx, "nonexistent")
	if !errors.Is(err, ErrNoSuchCheckpoint) {
		t.Fatalf("expected ErrNoSuchCheckpoint, got %v", err)
	}

	// The workspace must be untouched
	if hasCall(mock.GetCalls(), "reset", "--hard") {
		t.Error("expected no reset for unknown checkpoint")
	}
}

func TestRestore_EmptySHA(t *testing.T) {
	m, _ := newTestManager(t, "abc123")

	if err := m.Restore(context.Background(), ""); !errors.Is(err, ErrNoSuchCheckpoint) {
		t.Errorf("expected ErrNoSuchCheckpoint for empty sha, got %v", err)
	}
}

func TestReRoot(t *testing.T) {
	m, mock := newTestManager(t, "root2")
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Snapshot(ctx, "turn 1")
	mock.ClearCalls()

	if err := m.ReRoot(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.BaseSHA() != "root2" {
		t.Errorf("expected fresh base, got %q", m.BaseSHA())
	}
	if !hasCall(mock.GetCalls(), "init", "--bare") {
		t.Error("expected a fresh store after re-root")
	}

	// Turn numbering restarts under the new root
	cp, err := m.Snapshot(ctx, "turn 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.TurnIndex != 1 {
		t.Errorf("expected turn index 1 after re-root, got %d", cp.TurnIndex)
	}
}

func TestHead(t *testing.T) {
	m, _ := newTestManager(t, "headsha")

	sha, err := m.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sha != "headsha" {
		t.Errorf("expected 'headsha', got %q", sha)
	}
}

// requireGit skips when git is not installed.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func writeWorkspaceFile(t *testing.T, workspace, name, content string) {
	t.Helper()
	path := filepath.Join(workspace, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// readWorkspace maps relative file paths to contents, skipping .git.
func readWorkspace(t *testing.T, workspace string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to read workspace: %v", err)
	}
	return files
}

func TestRestore_RealGitContentRoundTrip(t *testing.T) {
	requireGit(t)
	setupTestHome(t)
	ctx := context.Background()

	workspace := t.TempDir()

	// The user's own repository must survive snapshots and restores.
	writeWorkspaceFile(t, workspace, ".git/HEAD", "ref: refs/heads/main\n")

	m, err := NewManager(workspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	writeWorkspaceFile(t, workspace, "a.txt", "turn one")
	writeWorkspaceFile(t, workspace, "sub/b.txt", "nested")
	c1, err := m.Snapshot(ctx, "turn 1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	writeWorkspaceFile(t, workspace, "a.txt", "turn two")
	writeWorkspaceFile(t, workspace, "c.txt", "added later")
	if err := os.Remove(filepath.Join(workspace, "sub", "b.txt")); err != nil {
		t.Fatal(err)
	}
	c2, err := m.Snapshot(ctx, "turn 2")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	want2 := readWorkspace(t, workspace)

	// An untracked stray file must not survive a restore
	writeWorkspaceFile(t, workspace, "scratch.txt", "untracked")

	if err := m.Restore(ctx, c1.CommitSHA); err != nil {
		t.Fatalf("Restore(c1) error = %v", err)
	}
	want1 := map[string]string{"a.txt": "turn one", "sub/b.txt": "nested"}
	if got := readWorkspace(t, workspace); !reflect.DeepEqual(got, want1) {
		t.Errorf("after Restore(c1): got %v, want %v", got, want1)
	}

	// Content depends only on the target, not on restore history
	if err := m.Restore(ctx, c2.CommitSHA); err != nil {
		t.Fatalf("Restore(c2) error = %v", err)
	}
	if got := readWorkspace(t, workspace); !reflect.DeepEqual(got, want2) {
		t.Errorf("after Restore(c2): got %v, want %v", got, want2)
	}

	data, err := os.ReadFile(filepath.Join(workspace, ".git", "HEAD"))
	if err != nil || string(data) != "ref: refs/heads/main\n" {
		t.Errorf("user .git was touched: content %q, err %v", data, err)
	}
}
