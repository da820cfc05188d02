package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apphub-oss/tagging-service/internal/pipeline"
)

// EnsureCheckout guarantees a local working copy of repoURL exists at
// <workspaceRoot>/<repositoryID>, cloning it shallowly on first use and
// otherwise fetching and resetting to the tracked branch. Any subprocess
// failure is wrapped as transient per spec.md §4.5 step 3.
func EnsureCheckout(ctx context.Context, workspaceRoot, repositoryID, repoURL, defaultBranch string) (string, error) {
	branch := defaultBranch
	if branch == "" {
		branch = "main"
	}
	dir := filepath.Join(workspaceRoot, repositoryID)

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
			return "", pipeline.Transient(fmt.Errorf("create workspace root: %w", err))
		}
		if err := runGit(ctx, workspaceRoot, "clone", "--depth", "1", "--branch", branch, repoURL, dir); err != nil {
			return "", pipeline.Transient(fmt.Errorf("clone %s: %w", repoURL, err))
		}
		return dir, nil
	}

	if err := runGit(ctx, dir, "fetch", "--all", "--prune"); err != nil {
		return "", pipeline.Transient(fmt.Errorf("fetch: %w", err))
	}

	if err := runGit(ctx, dir, "rev-parse", "--verify", "origin/"+branch); err == nil {
		if err := runGit(ctx, dir, "reset", "--hard", "origin/"+branch); err != nil {
			return "", pipeline.Transient(fmt.Errorf("reset to origin/%s: %w", branch, err))
		}
		return dir, nil
	}

	if err := runGit(ctx, dir, "pull", "--ff-only"); err != nil {
		return "", pipeline.Transient(fmt.Errorf("fast-forward pull: %w", err))
	}
	return dir, nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
