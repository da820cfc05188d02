package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub-oss/tagging-service/internal/catalogclient"
	"github.com/apphub-oss/tagging-service/internal/modelclient"
	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/pipeline"
	"github.com/apphub-oss/tagging-service/internal/queue"
)

func TestToTagPayloadsCarriesConfidenceThrough(t *testing.T) {
	conf := 0.8
	out := toTagPayloads([]modelclient.RawTag{
		{Key: "language", Value: "go", Confidence: &conf},
		{Key: "framework", Value: "chi"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "language", out[0].Key)
	require.NotNil(t, out[0].Confidence)
	assert.Equal(t, 0.8, *out[0].Confidence)
	assert.Nil(t, out[1].Confidence)
}

func TestAwaitModelTokenNoopWithoutLimiter(t *testing.T) {
	p := &Processor{}
	err := p.awaitModelToken(context.Background())
	assert.NoError(t, err)
}

func TestRunPipelineMissingRepoURLIsPermanentWithRepoUrlMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalogclient.RepositoryMetadata{ID: "repo-1", Name: "repo-1"})
	}))
	defer server.Close()

	p := &Processor{catalog: catalogclient.New(server.URL, "", time.Second)}

	_, err := p.runPipeline(context.Background(), queue.Payload{RepositoryID: "repo-1"}, models.JobRun{})
	require.Error(t, err)
	assert.True(t, pipeline.IsPermanent(err))
	assert.Contains(t, err.Error(), "metadata missing repoUrl")
}
