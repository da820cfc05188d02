// Package scheduler implements the periodic backstop that backfills work
// lost by the event admission path: it pages through the catalog's
// repository list and enqueues anything eligible that hasn't been tagged
// recently.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/telemetry"
)

// Catalog lists repositories a page at a time. Implemented by catalogclient.Client.
type Catalog interface {
	ListRepositories(ctx context.Context, page, perPage int) ([]models.RepositorySummary, error)
}

// RecencyChecker matches admission.RecencyChecker; duplicated here so this
// package has no dependency on admission.
type RecencyChecker interface {
	HasRecentSuccessfulRun(ctx context.Context, repositoryID string, maxAge time.Duration) (bool, error)
}

// Enqueuer matches admission.Enqueuer.
type Enqueuer interface {
	Enqueue(ctx context.Context, repositoryID string, payload queue.Payload, opts queue.Options) (jobID string, admitted bool, err error)
}

// Scheduler runs the periodic catalog sweep.
type Scheduler struct {
	catalog       Catalog
	recency       RecencyChecker
	enqueuer      Enqueuer
	interval      time.Duration
	recencyWindow time.Duration
	pageSize      int
	running       atomic.Bool
}

// New builds a Scheduler.
func New(catalog Catalog, recency RecencyChecker, enqueuer Enqueuer, interval, recencyWindow time.Duration, pageSize int) *Scheduler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Scheduler{
		catalog:       catalog,
		recency:       recency,
		enqueuer:      enqueuer,
		interval:      interval,
		recencyWindow: recencyWindow,
		pageSize:      pageSize,
	}
}

// Run fires one cycle immediately and then every interval until ctx is
// cancelled. A cycle still in progress when the timer fires is skipped
// (no overlap) via the running guard.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCycleGuarded(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycleGuarded(ctx)
		}
	}
}

func (s *Scheduler) runCycleGuarded(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Printf("scheduler: cycle already in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	n, err := s.RunCycle(ctx)
	if err != nil {
		log.Printf("scheduler: cycle failed: %v", err)
		return
	}
	log.Printf("scheduler: cycle enqueued %d job(s)", n)
}

// RunCycle pages through the catalog and enqueues every eligible
// repository: id present, ingestStatus absent or "ready", and no
// successful run within the recency window.
func (s *Scheduler) RunCycle(ctx context.Context) (int, error) {
	enqueued := 0
	for page := 1; ; page++ {
		repos, err := s.catalog.ListRepositories(ctx, page, s.pageSize)
		if err != nil {
			return enqueued, err
		}
		if len(repos) == 0 {
			return enqueued, nil
		}

		for _, r := range repos {
			if r.ID == "" {
				continue
			}
			if r.IngestStatus != "" && r.IngestStatus != "ready" {
				continue
			}
			recent, err := s.recency.HasRecentSuccessfulRun(ctx, r.ID, s.recencyWindow)
			if err != nil {
				log.Printf("scheduler: recency check failed for %s: %v", r.ID, err)
				continue
			}
			if recent {
				continue
			}
			_, admitted, err := s.enqueuer.Enqueue(ctx, r.ID, queue.Payload{
				RepositoryID: r.ID,
				Trigger:      models.TriggerScheduler,
			}, queue.DefaultOptions())
			if err != nil {
				log.Printf("scheduler: enqueue failed for %s: %v", r.ID, err)
				continue
			}
			if admitted {
				enqueued++
				telemetry.JobsEnqueued.Inc()
			} else {
				telemetry.JobsDeduped.Inc()
			}
		}

		if len(repos) < s.pageSize {
			return enqueued, nil
		}
	}
}
