// Package catalogclient is the HTTP collaborator client for the external
// catalog service: repository metadata, tag read/write, and the paginated
// repository listing the scheduler walks.
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apphub-oss/tagging-service/internal/models"
)

// Client talks to CATALOG_BASE_URL with the configured bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Client with a bounded HTTP timeout, per spec.md §5's
// requirement that every collaborator call have a bounded total budget.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Tag is a repository tag as returned by the catalog, with optional source
// attribution.
type Tag struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

// RepositoryMetadata is the shape returned by GET /apps/{id}.
type RepositoryMetadata struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	RepoURL        string `json:"repoUrl"`
	RepositoryURL  string `json:"repositoryUrl"`
	DefaultBranch  string `json:"defaultBranch"`
	Readme         string `json:"readme"`
	Description    string `json:"description"`
	Tags           []Tag  `json:"tags"`
}

// EffectiveRepoURL returns RepoURL, falling back to the legacy
// RepositoryURL field.
func (r RepositoryMetadata) EffectiveRepoURL() string {
	if r.RepoURL != "" {
		return r.RepoURL
	}
	return r.RepositoryURL
}

// GetRepository fetches repository metadata by id.
func (c *Client) GetRepository(ctx context.Context, id string) (RepositoryMetadata, error) {
	var meta RepositoryMetadata
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s", id), nil, &meta); err != nil {
		return RepositoryMetadata{}, err
	}
	return meta, nil
}

// TagWrite is one tag to apply, as sent to POST /apps/{id}/tags.
type TagWrite struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// TagRemove identifies a tag to remove by identity.
type TagRemove struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type applyTagsRequest struct {
	Tags   []TagWrite  `json:"tags"`
	Remove []TagRemove `json:"remove"`
}

// ApplyTags posts the additions and removals for a repository's tags in a
// single batch. Removals should be ordered after additions by the caller
// per spec.md §4.5 step 9; this call itself issues exactly one request.
func (c *Client) ApplyTags(ctx context.Context, repoID string, tags []TagWrite, remove []TagRemove) error {
	body := applyTagsRequest{Tags: tags, Remove: remove}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/tags", repoID), body, nil)
}

// ListRepositories implements scheduler.Catalog, paging through GET /apps.
func (c *Client) ListRepositories(ctx context.Context, page, perPage int) ([]models.RepositorySummary, error) {
	var raw []struct {
		ID           string `json:"id"`
		IngestStatus string `json:"ingestStatus"`
	}
	path := fmt.Sprintf("/apps?page=%d&perPage=%d", page, perPage)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.RepositorySummary, 0, len(raw))
	for _, r := range raw {
		out = append(out, models.RepositorySummary{ID: r.ID, IngestStatus: r.IngestStatus})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("catalog returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode catalog response: %w", err)
	}
	return nil
}
