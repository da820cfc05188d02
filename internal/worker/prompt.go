package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/apphub-oss/tagging-service/internal/catalogclient"
)

var (
	templateMu    sync.Mutex
	templateCache = map[string]string{}

	placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
)

const readmeClip = 4000

// loadTemplate reads and caches the prompt template at path, keyed by its
// absolute form so relative-path callers share one cache entry.
func loadTemplate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve template path: %w", err)
	}

	templateMu.Lock()
	defer templateMu.Unlock()

	if tmpl, ok := templateCache[abs]; ok {
		return tmpl, nil
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	tmpl := string(raw)
	templateCache[abs] = tmpl
	return tmpl, nil
}

// PromptInputs holds everything rendered into the model prompt, plus any
// extra caller-supplied placeholders that don't have a dedicated field.
type PromptInputs struct {
	RepositoryID   string
	RepositoryName string
	Description    string
	RepoURL        string
	DefaultBranch  string
	Readme         string
	ExistingTags   []catalogclient.Tag
	Files          []FileSample
	Extra          map[string]string
}

// RenderPrompt loads the template at templatePath and substitutes
// {{placeholder}} tokens with the value bound to that placeholder's name.
// A placeholder with no bound value renders as an empty string.
func RenderPrompt(templatePath string, inputs PromptInputs) (string, error) {
	tmpl, err := loadTemplate(templatePath)
	if err != nil {
		return "", err
	}

	values := map[string]string{
		"repository_id":   inputs.RepositoryID,
		"repository_name": inputs.RepositoryName,
		"description":     inputs.Description,
		"repo_url":        inputs.RepoURL,
		"default_branch":  inputs.DefaultBranch,
		"readme":          clipReadme(inputs.Readme),
		"existing_tags":   renderExistingTags(inputs.ExistingTags),
		"files":           renderFiles(inputs.Files),
	}
	for k, v := range inputs.Extra {
		values[k] = v
	}

	rendered := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		return values[key]
	})
	return rendered, nil
}

func clipReadme(readme string) string {
	if readme == "" {
		return "README not available."
	}
	if len(readme) > readmeClip {
		return readme[:readmeClip] + "\n..."
	}
	return readme
}

func renderExistingTags(tags []catalogclient.Tag) string {
	if len(tags) == 0 {
		return "No existing tags."
	}
	var b strings.Builder
	for _, t := range tags {
		fmt.Fprintf(&b, "- %s: %s\n", t.Key, t.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFiles(files []FileSample) string {
	if len(files) == 0 {
		return "No sampled files."
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "## %s\n%s\n", f.Path, f.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
