// Package gitinfo resolves git metadata (branch, repo root, worktree and
// container detection, ahead/behind counts) for a session's working
// directory by shelling out to git.
package gitinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/workspace/session-bridge/internal/bridge"
)

// Resolver shells out to git with a per-command timeout. It satisfies
// bridge.GitResolver. A working directory outside any repository leaves
// the state untouched.
type Resolver struct {
	timeout time.Duration
}

// New returns a resolver with the given per-command timeout.
func New(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{timeout: timeout}
}

// Resolve refreshes the git fields of state in place.
func (r *Resolver) Resolve(sessionID string, state *bridge.SessionState) {
	cwd := state.Cwd
	if cwd == "" {
		return
	}
	if _, err := os.Stat(cwd); err != nil {
		return
	}

	branch, err := r.git(cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		// Not a repository, or git is unavailable. Leave prior values.
		slog.Debug("gitinfo: branch resolution failed", "sessionID", sessionID, "cwd", cwd, "error", err)
		return
	}
	state.Branch = branch

	if root, err := r.git(cwd, "rev-parse", "--show-toplevel"); err == nil {
		state.RepoRoot = root
	}

	state.IsWorktree = r.isLinkedWorktree(cwd)
	state.IsContainerized = isContainerized()
	state.AheadCount, state.BehindCount = r.aheadBehind(cwd)
}

// isLinkedWorktree reports whether cwd is a linked worktree rather than
// the main checkout: the per-worktree git dir differs from the common one.
func (r *Resolver) isLinkedWorktree(cwd string) bool {
	gitDir, err := r.git(cwd, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	commonDir, err := r.git(cwd, "rev-parse", "--git-common-dir")
	if err != nil {
		return false
	}
	return gitDir != commonDir
}

// aheadBehind counts commits relative to the upstream branch. No upstream
// means zero/zero.
func (r *Resolver) aheadBehind(cwd string) (ahead, behind int) {
	out, err := r.git(cwd, "rev-list", "--left-right", "--count", "@{upstream}...HEAD")
	if err != nil {
		return 0, 0
	}
	// Output is "<behind>\t<ahead>".
	if _, err := fmt.Sscanf(out, "%d\t%d", &behind, &ahead); err != nil {
		return 0, 0
	}
	return ahead, behind
}

// git runs one git command in cwd and returns its trimmed stdout.
func (r *Resolver) git(cwd string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// isContainerized checks the conventional container marker files.
func isContainerized() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}
