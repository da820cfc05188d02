package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-oss/tagging-service/internal/pipeline"
)

// newTestOriginRepo creates a local git repository with one commit on
// main, usable as a clone source without any network access.
func newTestOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestEnsureCheckoutClonesOnFirstUse(t *testing.T) {
	origin := newTestOriginRepo(t)
	workspaceRoot := t.TempDir()

	dir, err := EnsureCheckout(context.Background(), workspaceRoot, "repo-1", origin, "main")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
}

func TestEnsureCheckoutReusesExistingClone(t *testing.T) {
	origin := newTestOriginRepo(t)
	workspaceRoot := t.TempDir()

	first, err := EnsureCheckout(context.Background(), workspaceRoot, "repo-1", origin, "main")
	require.NoError(t, err)

	second, err := EnsureCheckout(context.Background(), workspaceRoot, "repo-1", origin, "main")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEnsureCheckoutWrapsFailureAsTransient(t *testing.T) {
	workspaceRoot := t.TempDir()
	_, err := EnsureCheckout(context.Background(), workspaceRoot, "repo-1", "/nonexistent/repo.git", "main")
	require.Error(t, err)
	require.True(t, pipeline.IsTransient(err))
}
