package gitinfo

import (
	"os/exec"
	"testing"
	"time"

	"github.com/workspace/session-bridge/internal/bridge"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "initial")
	return dir
}

func TestResolveEmptyCwdLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	state := bridge.SessionState{Branch: "prior"}
	r.Resolve("s1", &state)
	if state.Branch != "prior" {
		t.Errorf("Branch = %q, want prior value kept", state.Branch)
	}
}

func TestResolveMissingDirLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	r := New(time.Second)
	state := bridge.SessionState{Cwd: "/does/not/exist", Branch: "prior"}
	r.Resolve("s1", &state)
	if state.Branch != "prior" {
		t.Errorf("Branch = %q, want prior value kept", state.Branch)
	}
}

func TestResolveOutsideRepositoryLeavesStateUntouched(t *testing.T) {
	gitOrSkip(t)
	t.Parallel()

	r := New(5 * time.Second)
	state := bridge.SessionState{Cwd: t.TempDir(), Branch: "prior", RepoRoot: "/old"}
	r.Resolve("s1", &state)
	if state.Branch != "prior" || state.RepoRoot != "/old" {
		t.Errorf("state mutated outside a repository: %+v", state)
	}
}

func TestResolveInsideRepository(t *testing.T) {
	gitOrSkip(t)
	t.Parallel()

	dir := initRepo(t)
	r := New(5 * time.Second)
	state := bridge.SessionState{Cwd: dir}
	r.Resolve("s1", &state)

	if state.Branch != "main" {
		t.Errorf("Branch = %q, want main", state.Branch)
	}
	if state.RepoRoot == "" {
		t.Error("RepoRoot should be resolved")
	}
	if state.IsWorktree {
		t.Error("primary checkout should not be flagged as a worktree")
	}
	// No upstream configured in a fresh repo.
	if state.AheadCount != 0 || state.BehindCount != 0 {
		t.Errorf("ahead/behind = %d/%d, want 0/0 without upstream", state.AheadCount, state.BehindCount)
	}
}

func TestResolveLinkedWorktree(t *testing.T) {
	gitOrSkip(t)
	t.Parallel()

	dir := initRepo(t)
	worktree := t.TempDir() + "/wt"
	cmd := exec.Command("git", "worktree", "add", "-b", "feature", worktree)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("git worktree unavailable: %v\n%s", err, out)
	}

	r := New(5 * time.Second)
	state := bridge.SessionState{Cwd: worktree}
	r.Resolve("s1", &state)

	if state.Branch != "feature" {
		t.Errorf("Branch = %q, want feature", state.Branch)
	}
	if !state.IsWorktree {
		t.Error("linked worktree should be flagged")
	}
}

func TestNewDefaultsNonPositiveTimeout(t *testing.T) {
	t.Parallel()

	r := New(0)
	if r.timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s default", r.timeout)
	}
}
