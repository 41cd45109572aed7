// Package worktree provisions task workspaces, either as plain directories
// or as git worktrees forked from the parent workspace's branch.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/git"
	"github.com/Strob0t/agenttask/internal/port/workspace"
)

const (
	ModeDir      = "dir"
	ModeWorktree = "worktree"

	branchPrefix = "task/"
)

// Provisioner implements workspace.Provisioner.
type Provisioner struct {
	cfg  config.Workspace
	pool *git.Pool
}

var _ workspace.Provisioner = (*Provisioner)(nil)

// New creates a Provisioner. pool is only used in worktree mode.
func New(cfg config.Workspace, pool *git.Pool) *Provisioner {
	return &Provisioner{cfg: cfg, pool: pool}
}

// Path returns <root>/<id>.
func (p *Provisioner) Path(id string) string {
	return filepath.Join(p.cfg.Root, id)
}

// Branch returns the branch a task's worktree is checked out on.
func Branch(id string) string {
	return branchPrefix + id
}

// ForkOrCreate creates the workspace for id, or returns the existing one.
func (p *Provisioner) ForkOrCreate(ctx context.Context, id string, spec workspace.Spec) (string, error) {
	path := p.Path(id)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if p.cfg.Mode != ModeWorktree {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create workspace %s: %w", id, err)
		}
		return path, nil
	}

	if err := os.MkdirAll(p.cfg.Root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	base, err := p.baseRef(ctx, spec)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}

	args := []string{"worktree", "add", "-b", Branch(id), abs, base}
	if p.branchExists(ctx, Branch(id)) {
		args = []string{"worktree", "add", abs, Branch(id)}
	}
	if _, err := p.pool.Git(ctx, p.cfg.RepoPath, args...); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return "", fmt.Errorf("fork workspace %s: %w", id, err)
		}
		if _, perr := p.pool.Git(ctx, p.cfg.RepoPath, "worktree", "prune"); perr != nil {
			return "", fmt.Errorf("prune stale worktrees: %w", perr)
		}
		if _, err := p.pool.Git(ctx, p.cfg.RepoPath, args...); err != nil {
			return "", fmt.Errorf("fork workspace %s after prune: %w", id, err)
		}
	}
	slog.Info("workspace forked", "task_id", id, "base", base, "path", abs)
	return path, nil
}

// baseRef picks what a new worktree branches from: the parent task's
// branch when the parent is a task, else the trunk branch, else HEAD.
func (p *Provisioner) baseRef(ctx context.Context, spec workspace.Spec) (string, error) {
	if spec.ParentID != "" && p.branchExists(ctx, Branch(spec.ParentID)) {
		return Branch(spec.ParentID), nil
	}
	if spec.TrunkBranch != "" {
		if !p.branchExists(ctx, spec.TrunkBranch) {
			return "", fmt.Errorf("trunk branch %q does not exist", spec.TrunkBranch)
		}
		return spec.TrunkBranch, nil
	}
	return "HEAD", nil
}

func (p *Provisioner) branchExists(ctx context.Context, branch string) bool {
	_, err := p.pool.Git(ctx, p.cfg.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// RunInitHook runs the configured hook inside the workspace, bounded by
// the hook timeout.
func (p *Provisioner) RunInitHook(ctx context.Context, id string) error {
	if len(p.cfg.InitHook) == 0 {
		return nil
	}
	if p.cfg.HookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HookTimeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.cfg.InitHook[0], p.cfg.InitHook[1:]...) //nolint:gosec // hook comes from operator config
	cmd.Dir = p.Path(id)
	cmd.Env = append(os.Environ(), "AGENTTASK_TASK_ID="+id)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("init hook for %s timed out after %s", id, p.cfg.HookTimeout)
		}
		return fmt.Errorf("init hook for %s: %w: %s", id, err, strings.TrimSpace(out.String()))
	}
	slog.Debug("init hook finished", "task_id", id, "duration", time.Since(start))
	return nil
}

// Remove deletes the workspace and, in worktree mode, its branch.
func (p *Provisioner) Remove(ctx context.Context, id string) error {
	path := p.Path(id)
	if p.cfg.Mode == ModeWorktree {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			if _, err := p.pool.Git(ctx, p.cfg.RepoPath, "worktree", "remove", "--force", abs); err != nil {
				slog.Warn("git worktree remove failed, deleting directory", "task_id", id, "error", err)
			}
		}
		if p.branchExists(ctx, Branch(id)) {
			if _, err := p.pool.Git(ctx, p.cfg.RepoPath, "branch", "-D", Branch(id)); err != nil {
				slog.Warn("delete task branch failed", "task_id", id, "error", err)
			}
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", id, err)
	}
	return nil
}
