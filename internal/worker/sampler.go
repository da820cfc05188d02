package worker

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/apphub-oss/tagging-service/internal/fileexplorer"
)

// FileSample is one file selected for prompt assembly, with a clipped
// snippet of its contents.
type FileSample struct {
	Path    string
	Snippet string
}

const (
	maxSampledFiles  = 20
	snippetLimit     = 800
	largeFileCutoff  = 200_000
	largeFileReadCap = 2_000
)

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true, "out": true, "venv": true,
}

// SampleFiles asks the file explorer for candidate files and falls back to
// a local depth-first walk of checkoutDir when the explorer call fails.
func SampleFiles(ctx context.Context, explorer *fileexplorer.Client, repositoryID, checkoutDir string) []FileSample {
	if explorer != nil {
		candidates, err := explorer.Search(ctx, repositoryID, maxSampledFiles)
		if err != nil {
			log.Printf("worker: file-explorer search failed for %s, falling back to local discovery: %v", repositoryID, err)
		} else {
			return samplesFromCandidates(candidates, checkoutDir)
		}
	}
	return samplesFromLocalWalk(checkoutDir)
}

func samplesFromCandidates(candidates []fileexplorer.Candidate, checkoutDir string) []FileSample {
	out := make([]FileSample, 0, len(candidates))
	for _, c := range candidates {
		snippet := c.Preview
		if snippet == "" {
			snippet = readSnippet(filepath.Join(checkoutDir, c.Path))
		} else {
			snippet = clipSnippet(snippet)
		}
		out = append(out, FileSample{Path: c.Path, Snippet: snippet})
	}
	return out
}

// samplesFromLocalWalk walks checkoutDir in depth-first, stack-pop order,
// skipping well-known noise directories, collecting up to maxSampledFiles
// paths.
func samplesFromLocalWalk(checkoutDir string) []FileSample {
	var out []FileSample
	type entry struct{ path string }
	stack := []entry{{path: checkoutDir}}

	for len(stack) > 0 && len(out) < maxSampledFiles {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos, err := os.ReadDir(top.path)
		if err != nil {
			continue
		}
		for i := len(infos) - 1; i >= 0; i-- {
			info := infos[i]
			full := filepath.Join(top.path, info.Name())
			if info.IsDir() {
				if skippedDirs[info.Name()] {
					continue
				}
				stack = append(stack, entry{path: full})
				continue
			}
			rel, err := filepath.Rel(checkoutDir, full)
			if err != nil {
				rel = full
			}
			out = append(out, FileSample{Path: rel, Snippet: readSnippet(full)})
			if len(out) >= maxSampledFiles {
				break
			}
		}
	}
	return out
}

// readSnippet reads up to snippetLimit bytes of path as UTF-8. Files
// larger than largeFileCutoff bytes are opened and their first
// largeFileReadCap bytes read instead, then clipped down to snippetLimit.
// Unreadable files yield an empty snippet.
func readSnippet(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	readCap := snippetLimit
	if info.Size() > largeFileCutoff {
		readCap = largeFileReadCap
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, readCap)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return ""
	}
	return clipSnippet(string(buf[:n]))
}

// clipSnippet truncates content longer than snippetLimit with a trailing
// "\n..." marker.
func clipSnippet(content string) string {
	if len(content) <= snippetLimit {
		return content
	}
	return content[:snippetLimit] + "\n..."
}
