package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleFilesLocalWalkSkipsNoiseDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "ignored.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))

	samples := SampleFiles(nil, nil, "repo-1", dir)

	for _, s := range samples {
		assert.NotContains(t, s.Path, "node_modules")
	}
	var foundMain bool
	for _, s := range samples {
		if s.Path == "main.go" {
			foundMain = true
		}
	}
	assert.True(t, foundMain)
}

func TestSampleFilesLocalWalkCapsAtTwenty(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 30; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file"+strconv.Itoa(i)+".go"), []byte("x"), 0o644))
	}
	samples := SampleFiles(nil, nil, "repo-1", dir)
	assert.LessOrEqual(t, len(samples), maxSampledFiles)
}

func TestReadSnippetTruncatesWithMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	content := strings.Repeat("a", largeFileCutoff+200)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snippet := readSnippet(path)
	assert.True(t, strings.HasSuffix(snippet, "\n..."))
	assert.LessOrEqual(t, len(snippet), snippetLimit+len("\n..."))
}

func TestReadSnippetUnreadableFileIsEmpty(t *testing.T) {
	snippet := readSnippet(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	assert.Equal(t, "", snippet)
}

func TestReadSnippetLargeFileUsesSmallerReadCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.txt")
	content := strings.Repeat("b", largeFileCutoff+1000)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snippet := readSnippet(path)
	assert.LessOrEqual(t, len(snippet), snippetLimit+len("\n..."))
}
