// Package modelclient is the HTTP collaborator client for the external
// model service. Its request/response shapes are modeled on a standard
// chat-completions API (the same shape the openai-go SDK seen elsewhere in
// the retrieval pack exposes), implemented directly against net/http
// rather than a vendored SDK — see DESIGN.md.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to AI_CONNECTOR_BASE_URL.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	retries    int
	baseDelay  time.Duration
}

// New builds a Client bound to model, with the §4.5 retry policy: 2
// retries, base delay 500ms multiplied by attempt number.
func New(baseURL, model string, timeout time.Duration, retries int, baseDelay time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retries:   retries,
		baseDelay: baseDelay,
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat carries the JSON-schema response constraint described in
// spec.md §6.
type ResponseFormat struct {
	Type       string                 `json:"type"`
	JSONSchema map[string]interface{} `json:"json_schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat ResponseFormat `json:"response_format"`
	Messages       []Message      `json:"messages"`
}

// Usage mirrors the usage block on a chat-completions response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// TagsSchema constrains the model's structured output per spec.md §6:
// top-level object with required repository_tags array and optional
// file_tags array of {path, tags:[{key,value,confidence?}]}.
func TagsSchema() map[string]interface{} {
	tagItem := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key":        map[string]interface{}{"type": "string"},
			"value":      map[string]interface{}{"type": "string"},
			"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"key", "value"},
	}
	fileItem := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
			"tags": map[string]interface{}{"type": "array", "items": tagItem},
		},
		"required": []string{"path", "tags"},
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"repository_tags": map[string]interface{}{"type": "array", "items": tagItem},
			"file_tags":       map[string]interface{}{"type": "array", "items": fileItem},
		},
		"required": []string{"repository_tags"},
	}
}

// RawTag is one tag as parsed straight out of the model's JSON content.
type RawTag struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// RawFileTags is one file's tags as parsed from the model's JSON content.
type RawFileTags struct {
	Path string   `json:"path"`
	Tags []RawTag `json:"tags"`
}

type tagsContent struct {
	RepositoryTags []RawTag      `json:"repository_tags"`
	FileTags       []RawFileTags `json:"file_tags"`
}

// Result is the parsed, still-denormalized tag content plus the metrics
// needed for audit recording.
type Result struct {
	RepositoryTags []RawTag
	FileTags       []RawFileTags
	Raw            string
	Usage          *Usage
}

// ErrNoContent and ErrInvalidContent classify the two permanent failure
// modes spec.md §4.5 step 6 names: missing/non-JSON content, or content
// JSON lacking the repository_tags array.
var (
	ErrNoContent      = errors.New("model response has no content")
	ErrInvalidContent = errors.New("model response content is not valid tags JSON")
)

// RequestTags sends one chat-completion request for structured tags,
// retrying network/HTTP-error failures per the configured policy. Any
// network-level or HTTP-error failure after retries exhausted is left for
// the caller to classify as transient; a 200 with unusable content returns
// ErrNoContent/ErrInvalidContent for the caller to classify as permanent.
func (c *Client) RequestTags(ctx context.Context, systemPrompt, userPrompt string) (Result, error) {
	req := chatRequest{
		Model:       c.model,
		Temperature: 0.2,
		ResponseFormat: ResponseFormat{
			Type:       "json_schema",
			JSONSchema: TagsSchema(),
		},
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	var lastErr error
	attempts := c.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.requestOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrNoContent) || errors.Is(err, ErrInvalidContent) {
			return Result{}, err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.baseDelay * time.Duration(attempt)):
			}
		}
	}
	return Result{}, lastErr
}

func (c *Client) requestOnce(ctx context.Context, req chatRequest) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Result{}, ErrNoContent
	}

	var content tagsContent
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &content); err != nil {
		return Result{}, ErrInvalidContent
	}
	if content.RepositoryTags == nil {
		return Result{}, ErrInvalidContent
	}

	return Result{
		RepositoryTags: content.RepositoryTags,
		FileTags:       content.FileTags,
		Raw:            parsed.Choices[0].Message.Content,
		Usage:          parsed.Usage,
	}, nil
}
