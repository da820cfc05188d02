package modelclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTagsRetriesOn503ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"repository_tags\":[{\"key\":\"language\",\"value\":\"go\"}]}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-model", 5*time.Second, 2, 10*time.Millisecond)

	start := time.Now()
	result, err := client.RequestTags(context.Background(), "system", "user")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, result.RepositoryTags, 1)
	assert.Equal(t, "language", result.RepositoryTags[0].Key)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 10, result.Usage.PromptTokens)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond) // baseDelay * attempt(1) backoff before retry
}

func TestRequestTagsFailsAfterExhaustingRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, "test-model", 5*time.Second, 2, time.Millisecond)

	_, err := client.RequestTags(context.Background(), "system", "user")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load()) // 1 initial attempt + 2 retries
}

func TestRequestTagsNoContentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-model", 5*time.Second, 2, time.Millisecond)

	_, err := client.RequestTags(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrNoContent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestTagsInvalidContentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"not json"}}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-model", 5*time.Second, 2, time.Millisecond)

	_, err := client.RequestTags(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrInvalidContent)
	assert.Equal(t, int32(1), calls.Load())
}
