package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub-oss/tagging-service/internal/queue"
)

type fakeRecency struct {
	recent map[string]bool
	err    error
}

func (f *fakeRecency) HasRecentSuccessfulRun(ctx context.Context, repositoryID string, maxAge time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.recent[repositoryID], nil
}

type fakeEnqueuer struct {
	calls []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, repositoryID string, payload queue.Payload, opts queue.Options) (string, bool, error) {
	f.calls = append(f.calls, repositoryID)
	return "job_" + repositoryID, true, nil
}

func TestHandleMessageLegacyEventReadyNotRecentEnqueues(t *testing.T) {
	recency := &fakeRecency{recent: map[string]bool{}}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	raw := []byte(`{"event":"repository.updated","payload":{"repository":{"id":"r1","ingestStatus":"ready"}}}`)
	a.HandleMessage(context.Background(), raw)

	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, "r1", enqueuer.calls[0])
}

func TestHandleMessageLegacyEventNotReadySuppresses(t *testing.T) {
	recency := &fakeRecency{recent: map[string]bool{}}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	raw := []byte(`{"event":"repository.updated","payload":{"repository":{"id":"r1","ingestStatus":"pending"}}}`)
	a.HandleMessage(context.Background(), raw)

	assert.Empty(t, enqueuer.calls)
}

func TestHandleMessageEnvelopeEventEnqueues(t *testing.T) {
	recency := &fakeRecency{recent: map[string]bool{}}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	raw := []byte(`{"event":{"type":"repository.ingestion-event","data":{"repository":{"id":"r2","ingestStatus":"ready"}}}}`)
	a.HandleMessage(context.Background(), raw)

	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, "r2", enqueuer.calls[0])
}

func TestHandleMessageRecentSuppression(t *testing.T) {
	recency := &fakeRecency{recent: map[string]bool{"r3": true}}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	raw := []byte(`{"event":"repository.updated","payload":{"repository":{"id":"r3","ingestStatus":"ready"}}}`)
	a.HandleMessage(context.Background(), raw)

	assert.Empty(t, enqueuer.calls)
}

func TestHandleMessageIgnoresNonRepositoryEvents(t *testing.T) {
	recency := &fakeRecency{}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	raw := []byte(`{"event":"file.updated","payload":{"repository":{"id":"r1","ingestStatus":"ready"}}}`)
	a.HandleMessage(context.Background(), raw)

	assert.Empty(t, enqueuer.calls)
}

func TestHandleMessageOtherRepositoryEventInvokesListener(t *testing.T) {
	recency := &fakeRecency{}
	enqueuer := &fakeEnqueuer{}
	a := New(recency, enqueuer, "job_", 12*time.Hour)

	var seen NormalizedEvent
	a.OnOtherEvent(func(ev NormalizedEvent) { seen = ev })

	raw := []byte(`{"event":"repository.deleted","payload":{"repository":{"id":"r1","ingestStatus":"ready"}}}`)
	a.HandleMessage(context.Background(), raw)

	assert.Equal(t, "repository.deleted", seen.Name)
	assert.Empty(t, enqueuer.calls)
}
