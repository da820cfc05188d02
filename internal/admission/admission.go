// Package admission implements the event-to-queue path: it subscribes to
// the pub/sub channel, normalizes whichever inbound shape arrived, and
// enqueues a tagging job subject to the recency predicate.
package admission

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/telemetry"
)

// RecencyChecker answers whether a repository was tagged recently enough
// to suppress a new enqueue. Implemented by the audit store.
type RecencyChecker interface {
	HasRecentSuccessfulRun(ctx context.Context, repositoryID string, maxAge time.Duration) (bool, error)
}

// Enqueuer admits a job into the durable queue. Implemented by the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, repositoryID string, payload queue.Payload, opts queue.Options) (jobID string, admitted bool, err error)
}

// Subscriber delivers raw inbound pub/sub messages as plain bytes.
// eventbus.Bus does not implement it directly (its Subscribe yields
// RawMessage values); cmd/api bridges the two with adaptMessages.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, func() error)
}

// Listener receives repository.* events other than the retaggable ones,
// for callers that want to react to other lifecycle signals.
type Listener func(ev NormalizedEvent)

// Admitter wires a subscription to the queue, applying the §4.3 policy.
type Admitter struct {
	recency      RecencyChecker
	enqueuer     Enqueuer
	dedupPrefix  string
	queueOpts    queue.Options
	recencyWindow time.Duration
	listeners    []Listener
}

// New builds an Admitter.
func New(recency RecencyChecker, enqueuer Enqueuer, dedupPrefix string, recencyWindow time.Duration) *Admitter {
	return &Admitter{
		recency:       recency,
		enqueuer:      enqueuer,
		dedupPrefix:   dedupPrefix,
		queueOpts:     queue.DefaultOptions(),
		recencyWindow: recencyWindow,
	}
}

// OnOtherEvent registers a listener invoked for repository.* events that
// are not repository.updated/repository.ingestion-event. Events with those
// two names never reach listeners, including ones that are not ready or
// are suppressed by the recency gate. Listener errors/panics are the
// listener's own concern; the admission loop never blocks on them beyond
// the synchronous call.
func (a *Admitter) OnOtherEvent(l Listener) {
	a.listeners = append(a.listeners, l)
}

// retaggableEvents are the event names that, when ready and not recently
// tagged, trigger an enqueue.
var retaggableEvents = map[string]bool{
	"repository.updated":          true,
	"repository.ingestion-event":  true,
}

// HandleMessage applies the full admission policy to one raw inbound
// message: normalize, filter to repository.* events, and for the two
// retaggable event names, enqueue subject to the recency gate. Malformed
// JSON and events with no usable repository id are logged and dropped.
func (a *Admitter) HandleMessage(ctx context.Context, raw []byte) {
	ev, ok := Normalize(raw)
	if !ok {
		log.Printf("admission: dropping malformed or unaddressed event")
		return
	}
	if !strings.HasPrefix(ev.Name, "repository.") {
		return
	}

	if !retaggableEvents[ev.Name] {
		for _, l := range a.listeners {
			l(ev)
		}
		return
	}

	if ev.IngestStatus != "ready" {
		log.Printf("admission: debug repository=%s event=%s ingestStatus=%q not ready", ev.RepositoryID, ev.Name, ev.IngestStatus)
		return
	}

	recent, err := a.recency.HasRecentSuccessfulRun(ctx, ev.RepositoryID, a.recencyWindow)
	if err != nil {
		log.Printf("admission: recency check failed for %s: %v", ev.RepositoryID, err)
		return
	}
	if recent {
		log.Printf("admission: debug repository=%s suppressed by recency window", ev.RepositoryID)
		return
	}

	jobID, admitted, err := a.enqueuer.Enqueue(ctx, ev.RepositoryID, queue.Payload{
		RepositoryID: ev.RepositoryID,
		Trigger:      models.TriggerEvent,
		Reason:       ev.Name,
	}, a.queueOpts)
	if err != nil {
		log.Printf("admission: enqueue failed for %s: %v", ev.RepositoryID, err)
		return
	}
	if admitted {
		telemetry.JobsEnqueued.Inc()
		log.Printf("admission: enqueued job %s for repository %s (trigger=event)", jobID, ev.RepositoryID)
	} else {
		telemetry.JobsDeduped.Inc()
	}
}

// Run dispatches every message received on messages to HandleMessage
// until ctx is cancelled or messages is closed. Run does not subscribe
// itself; the caller owns the subscription and is responsible for closing
// it (via the close func returned by Subscribe) on shutdown.
func (a *Admitter) Run(ctx context.Context, messages <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				return
			}
			a.HandleMessage(ctx, raw)
		}
	}
}
