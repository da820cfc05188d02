package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLegacyShape(t *testing.T) {
	raw := []byte(`{"event":"repository.updated","payload":{"repository":{"id":"repo-1","ingestStatus":"ready"}}}`)
	ev, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, "repository.updated", ev.Name)
	assert.Equal(t, "repo-1", ev.RepositoryID)
	assert.Equal(t, "ready", ev.IngestStatus)
}

func TestNormalizeEnvelopeShapeWithRepositoryObject(t *testing.T) {
	raw := []byte(`{"event":{"type":"repository.updated","data":{"repository":{"id":"repo-2","ingestStatus":"ready"}}}}`)
	ev, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, "repo-2", ev.RepositoryID)
	assert.Equal(t, "ready", ev.IngestStatus)
}

func TestNormalizeEnvelopeShapeWithTopLevelRepositoryID(t *testing.T) {
	raw := []byte(`{"event":{"type":"repository.updated","data":{"repositoryId":"repo-3","ingestStatus":"indexing"}}}`)
	ev, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, "repo-3", ev.RepositoryID)
	assert.Equal(t, "indexing", ev.IngestStatus)
}

func TestNormalizeEnvelopeShapeWithNestedEvent(t *testing.T) {
	raw := []byte(`{"event":{"type":"repository.ingestion-event","data":{"event":{"repositoryId":"repo-4","status":"ready"}}}}`)
	ev, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, "repo-4", ev.RepositoryID)
	assert.Equal(t, "ready", ev.IngestStatus)
}

func TestNormalizePrefersRepositoryObjectOverTopLevelFields(t *testing.T) {
	raw := []byte(`{"event":{"type":"repository.updated","data":{"repository":{"id":"repo-5","ingestStatus":"ready"},"repositoryId":"repo-ignored","ingestStatus":"indexing"}}}`)
	ev, ok := Normalize(raw)
	require.True(t, ok)
	assert.Equal(t, "repo-5", ev.RepositoryID)
	assert.Equal(t, "ready", ev.IngestStatus)
}

func TestNormalizeDropsMessageWithNoRepositoryID(t *testing.T) {
	raw := []byte(`{"event":"repository.updated","payload":{}}`)
	_, ok := Normalize(raw)
	assert.False(t, ok)
}

func TestNormalizeDropsMalformedJSON(t *testing.T) {
	_, ok := Normalize([]byte(`not json`))
	assert.False(t, ok)
}
