package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPromptSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(path, []byte("{{name}}"), 0o644))

	out, err := RenderPrompt(path, PromptInputs{Extra: map[string]string{"name": "X"}})
	require.NoError(t, err)
	assert.Equal(t, "X", out)
}

func TestRenderPromptIncludesRepoURLAndDefaultBranch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(path, []byte("{{repo_url}} {{default_branch}}"), 0o644))

	out, err := RenderPrompt(path, PromptInputs{RepoURL: "https://example.com/r.git", DefaultBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/r.git main", out)
}

func TestRenderPromptMissingPlaceholderBecomesEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(path, []byte("[{{unknown_key}}]"), 0o644))

	out, err := RenderPrompt(path, PromptInputs{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRenderPromptCachesTemplateContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(path, []byte("{{repository_name}}"), 0o644))

	first, err := RenderPrompt(path, PromptInputs{RepositoryName: "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	require.NoError(t, os.WriteFile(path, []byte("changed-but-ignored"), 0o644))

	second, err := RenderPrompt(path, PromptInputs{RepositoryName: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", second)
}

func TestClipReadmeTruncatesLongContent(t *testing.T) {
	readme := make([]byte, readmeClip+100)
	for i := range readme {
		readme[i] = 'a'
	}
	out := clipReadme(string(readme))
	assert.Contains(t, out, "...")
	assert.True(t, len(out) < len(readme))
}

func TestClipReadmeEmptyFallback(t *testing.T) {
	assert.Equal(t, "README not available.", clipReadme(""))
}
