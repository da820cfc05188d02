package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "job_")
}

func TestEnqueueDedupesByRepositoryID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, admitted1, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, admitted1)

	id2, admitted2, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, admitted2)
	assert.Equal(t, id1, id2)
}

func TestJobIDIsDeterministic(t *testing.T) {
	assert.Equal(t, JobID("job_", "repo-1"), JobID("job_", "repo-1"))
	assert.NotEqual(t, JobID("job_", "repo-1"), JobID("job_", "repo-2"))
}

func TestDequeueWithLeaseReturnsEnqueuedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, _, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)

	leased, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, jobID, leased.JobID)
	assert.Equal(t, "repo-1", leased.Payload.RepositoryID)
	assert.Equal(t, 1, leased.Attempt)
}

func TestDequeueWithLeaseReturnsNilWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	leased, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestAckRemovesMembershipAllowingReenqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, _, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, jobID, TransitionCompleted, ""))

	_, admitted, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestRetryBackoffGrowsAtLeastTwoX(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoff(500*time.Millisecond, 1))
	assert.Equal(t, 1000*time.Millisecond, backoff(500*time.Millisecond, 2))
	assert.Equal(t, 2000*time.Millisecond, backoff(500*time.Millisecond, 3))
}

func TestRetryKeepsJobAMemberUntilAcked(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, _, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	_, err = q.Retry(ctx, jobID, 1, "transient failure")
	require.NoError(t, err)

	_, admitted, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestDiscardedListsFailedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, _, err := q.Enqueue(ctx, "repo-1", Payload{RepositoryID: "repo-1", Trigger: "event"}, DefaultOptions())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, jobID, TransitionFailed, "permanent failure"))

	ids, err := q.Discarded(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, jobID, ids[0])
}
