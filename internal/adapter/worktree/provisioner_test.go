package worktree_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/agenttask/internal/adapter/worktree"
	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/git"
	"github.com/Strob0t/agenttask/internal/port/workspace"
)

func TestDirMode_CreateIsIdempotentAndRemove(t *testing.T) {
	root := t.TempDir()
	p := worktree.New(config.Workspace{Root: root, Mode: worktree.ModeDir}, nil)
	ctx := context.Background()

	path, err := p.ForkOrCreate(ctx, "t1", workspace.Spec{ParentID: "root"})
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(root, "t1") {
		t.Fatalf("path = %s", path)
	}
	if err := os.WriteFile(filepath.Join(path, "note.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	again, err := p.ForkOrCreate(ctx, "t1", workspace.Spec{ParentID: "root"})
	if err != nil || again != path {
		t.Fatalf("second create = %q, %v", again, err)
	}
	if _, err := os.Stat(filepath.Join(path, "note.txt")); err != nil {
		t.Fatal("second create must not wipe the workspace")
	}

	if err := p.Remove(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("workspace still exists")
	}
	if err := p.Remove(ctx, "t1"); err != nil {
		t.Fatalf("removing twice: %v", err)
	}
}

func TestRunInitHook(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	root := t.TempDir()
	cfg := config.Workspace{
		Root:        root,
		Mode:        worktree.ModeDir,
		InitHook:    []string{"sh", "-c", "echo $AGENTTASK_TASK_ID > hook.out"},
		HookTimeout: 10 * time.Second,
	}
	p := worktree.New(cfg, nil)
	ctx := context.Background()
	if _, err := p.ForkOrCreate(ctx, "t1", workspace.Spec{}); err != nil {
		t.Fatal(err)
	}
	if err := p.RunInitHook(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(filepath.Join(root, "t1", "hook.out"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "t1" {
		t.Fatalf("hook output = %q", out)
	}
}

func TestRunInitHook_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cfg := config.Workspace{
		Root:        t.TempDir(),
		Mode:        worktree.ModeDir,
		InitHook:    []string{"sh", "-c", "sleep 5"},
		HookTimeout: 50 * time.Millisecond,
	}
	p := worktree.New(cfg, nil)
	ctx := context.Background()
	if _, err := p.ForkOrCreate(ctx, "t1", workspace.Spec{}); err != nil {
		t.Fatal(err)
	}
	err := p.RunInitHook(ctx, "t1")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestWorktreeMode_ForksFromParentBranch(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	runGit := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	runGit("init", "-q", "-b", "main")
	runGit("commit", "-q", "--allow-empty", "-m", "init")

	cfg := config.Workspace{Root: filepath.Join(t.TempDir(), "ws"), Mode: worktree.ModeWorktree, RepoPath: repo}
	p := worktree.New(cfg, git.NewPool(2))
	ctx := context.Background()

	parentPath, err := p.ForkOrCreate(ctx, "parent", workspace.Spec{ParentID: "root", TrunkBranch: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(parentPath, ".git")); err != nil {
		t.Fatalf("parent is not a worktree: %v", err)
	}
	if _, err := p.ForkOrCreate(ctx, "child", workspace.Spec{ParentID: "parent"}); err != nil {
		t.Fatal(err)
	}

	pool := git.NewPool(1)
	out, err := pool.Git(ctx, repo, "branch", "--list", "task/*")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "task/parent") || !strings.Contains(out, "task/child") {
		t.Fatalf("branches = %q", out)
	}

	if err := p.Remove(ctx, "child"); err != nil {
		t.Fatal(err)
	}
	out, _ = pool.Git(ctx, repo, "branch", "--list", "task/child")
	if out != "" {
		t.Fatalf("child branch not deleted: %q", out)
	}
}

func TestWorktreeMode_UnknownTrunk(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	cfg := config.Workspace{Root: t.TempDir(), Mode: worktree.ModeWorktree, RepoPath: repo}
	p := worktree.New(cfg, git.NewPool(1))
	if _, err := p.ForkOrCreate(context.Background(), "t1", workspace.Spec{TrunkBranch: "nope"}); err == nil {
		t.Fatal("expected error for unknown trunk branch")
	}
}
