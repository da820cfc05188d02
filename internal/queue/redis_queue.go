// Package queue implements the at-least-once, deduplicated durable job
// queue described in the job-lifecycle core: admission computes a
// deterministic job id from the repository id, a single worker leases and
// executes a job at a time, and transient failures are retried with
// exponential backoff while permanent failures are discarded outright.
//
// The design generalizes the teacher's ready/inflight/scheduled Redis
// layout (priority-ready lists, an inflight ZSET keyed by lease deadline,
// a scheduled ZSET keyed by run time) down to the single queue this
// service needs, and adds the dedup membership set and bounded
// completed/failed retention lists spec.md §4.2 requires.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Payload is the job body carried through the queue.
type Payload struct {
	RepositoryID string `json:"repositoryId"`
	Trigger      string `json:"trigger"`
	Reason       string `json:"reason,omitempty"`
}

// Options controls retry/backoff/retention for a single enqueue call.
// Enqueue stores the options exactly as given; zero fields are not replaced
// with defaults, so callers wanting the default policy pass DefaultOptions().
type Options struct {
	MaxAttempts      int
	BackoffInitial   time.Duration
	RetainCompleted  int
	RetainFailed     int
}

// DefaultOptions returns the spec's default policy: 3 attempts, exponential
// backoff starting at 500ms with >=2x growth (500, 1000, 2000), retaining up
// to 1000 completed and 2000 failed jobs.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		BackoffInitial:  500 * time.Millisecond,
		RetainCompleted: 1000,
		RetainFailed:    2000,
	}
}

// Transition names published on the events channel.
const (
	TransitionWaiting   = "waiting"
	TransitionActive    = "active"
	TransitionCompleted = "completed"
	TransitionFailed    = "failed"
)

// Event is published for every subscribable transition, carrying at
// minimum the job id and, for failed, the failure reason.
type Event struct {
	Transition string `json:"transition"`
	JobID      string `json:"jobId"`
	Reason     string `json:"reason,omitempty"`
}

// Queue is the Redis-backed job queue.
type Queue struct {
	client        *redis.Client
	dedupPrefix   string
	readyKey      string
	inflightKey   string
	scheduledKey  string
	membersKey    string
	metaPrefix    string
	completedKey  string
	failedKey     string
	eventsChannel string
	visibility    time.Duration
}

// New builds a queue client bound to an existing Redis connection.
func New(client *redis.Client, dedupPrefix string) *Queue {
	if dedupPrefix == "" {
		dedupPrefix = "job_"
	}
	return &Queue{
		client:        client,
		dedupPrefix:   dedupPrefix,
		readyKey:      "tagging:queue:ready",
		inflightKey:   "tagging:queue:inflight",
		scheduledKey:  "tagging:queue:scheduled",
		membersKey:    "tagging:queue:members",
		metaPrefix:    "tagging:queue:meta:",
		completedKey:  "tagging:queue:completed",
		failedKey:     "tagging:queue:failed",
		eventsChannel: "tagging:queue:events",
		visibility:    5 * time.Minute,
	}
}

// JobID derives the deterministic, collision-resistant job id for a
// repository id: a hex-encoded SHA-256 digest with a fixed prefix.
func JobID(prefix, repositoryID string) string {
	sum := sha256.Sum256([]byte(repositoryID))
	return prefix + hex.EncodeToString(sum[:])
}

func (q *Queue) metaKey(jobID string) string { return q.metaPrefix + jobID }

// Enqueue admits a job for repositoryID. If a job with the same
// deterministic id is already queued, active, or delayed, the call is a
// no-op and returns the existing job's id with admitted=false.
func (q *Queue) Enqueue(ctx context.Context, repositoryID string, payload Payload, opts Options) (jobID string, admitted bool, err error) {
	jobID = JobID(q.dedupPrefix, repositoryID)

	isMember, err := q.client.SIsMember(ctx, q.membersKey, jobID).Result()
	if err != nil {
		return jobID, false, fmt.Errorf("check membership: %w", err)
	}
	if isMember {
		return jobID, false, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return jobID, false, fmt.Errorf("marshal payload: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.membersKey, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), map[string]interface{}{
		"payload":         body,
		"attempts":        0,
		"max_attempts":    opts.MaxAttempts,
		"backoff_initial": int64(opts.BackoffInitial),
		"retain_completed": opts.RetainCompleted,
		"retain_failed":    opts.RetainFailed,
	})
	pipe.RPush(ctx, q.readyKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobID, false, fmt.Errorf("enqueue: %w", err)
	}

	q.publish(ctx, Event{Transition: TransitionWaiting, JobID: jobID})
	return jobID, true, nil
}

// Leased is one job handed to the worker along with its decoded payload
// and current attempt count (the attempt this lease represents).
type Leased struct {
	JobID   string
	Payload Payload
	Attempt int
}

// DequeueWithLease pops the next ready job and moves it into the inflight
// set with a visibility timeout so exactly one worker executes it at a
// time; a second dequeue for the same job before Ack/Fail finds nothing
// ready because the ready list no longer holds it.
func (q *Queue) DequeueWithLease(ctx context.Context) (*Leased, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibility).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	var payload Payload
	if raw, ok := meta["payload"]; ok {
		_ = json.Unmarshal([]byte(raw), &payload)
	}
	attempts := 0
	if raw, ok := meta["attempts"]; ok {
		fmt.Sscanf(raw, "%d", &attempts)
	}

	q.publish(ctx, Event{Transition: TransitionActive, JobID: jobID})
	return &Leased{JobID: jobID, Payload: payload, Attempt: attempts + 1}, nil
}

// Ack marks a job as permanently done (succeeded or discarded-as-permanent)
// and removes it from in-flight/dedup tracking, retaining the id in the
// bounded completed or failed list for operator visibility.
func (q *Queue) Ack(ctx context.Context, jobID string, outcome string, reason string) error {
	retainKey := q.completedKey
	limit := 1000
	if outcome == TransitionFailed {
		retainKey = q.failedKey
		limit = 2000
	}
	if meta, err := q.client.HMGet(ctx, q.metaKey(jobID), "retain_completed", "retain_failed").Result(); err == nil {
		if outcome == TransitionFailed {
			if v, ok := meta[1].(string); ok {
				fmt.Sscanf(v, "%d", &limit)
			}
		} else if v, ok := meta[0].(string); ok {
			fmt.Sscanf(v, "%d", &limit)
		}
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.SRem(ctx, q.membersKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.LPush(ctx, retainKey, jobID)
	pipe.LTrim(ctx, retainKey, 0, int64(limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	q.publish(ctx, Event{Transition: outcome, JobID: jobID, Reason: reason})
	return nil
}

// Retry reschedules a job after a transient failure, applying exponential
// backoff (>=2x growth per attempt) measured from the per-job backoff
// configured at enqueue time. The job remains a member so a concurrent
// admission call for the same repository still no-ops until this run's
// retries are exhausted.
func (q *Queue) Retry(ctx context.Context, jobID string, attempt int, reason string) (time.Duration, error) {
	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("load meta: %w", err)
	}
	var initial time.Duration = 500 * time.Millisecond
	if raw, ok := meta["backoff_initial"]; ok {
		var ns int64
		if _, scanErr := fmt.Sscanf(raw, "%d", &ns); scanErr == nil {
			initial = time.Duration(ns)
		}
	}
	delay := backoff(initial, attempt)
	runAt := time.Now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "attempts", attempt)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return delay, fmt.Errorf("retry: %w", err)
	}
	q.publish(ctx, Event{Transition: TransitionWaiting, JobID: jobID, Reason: reason})
	return delay, nil
}

// backoff computes an exponential delay with >=2x growth per attempt:
// attempt 1 -> base, attempt 2 -> 2*base, attempt 3 -> 4*base, ...
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// PromoteScheduled moves due scheduled jobs back into the ready list.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility timeout passed without an
// Ack or Retry, putting them back on the ready list for redelivery.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan inflight: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// ReadyDepth reports the number of jobs awaiting a worker.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Discarded returns up to count job ids most recently discarded as
// permanent failures, newest first.
func (q *Queue) Discarded(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.failedKey, 0, count-1).Result()
}

// Subscribe opens a Redis Pub/Sub subscription on the queue's events
// channel. The returned channel closes when ctx is cancelled or Close is
// called on the subscription.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func() error) {
	sub := q.client.Subscribe(ctx, q.eventsChannel)
	out := make(chan Event)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = q.client.Publish(ctx, q.eventsChannel, body).Err()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
