// Package worker runs the tagging pipeline: checkout, file sampling,
// prompt rendering, model request, normalize/diff, tag application, and
// audit persistence, driven by leases pulled off the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apphub-oss/tagging-service/internal/archive"
	"github.com/apphub-oss/tagging-service/internal/catalogclient"
	"github.com/apphub-oss/tagging-service/internal/config"
	"github.com/apphub-oss/tagging-service/internal/fileexplorer"
	"github.com/apphub-oss/tagging-service/internal/modelclient"
	"github.com/apphub-oss/tagging-service/internal/models"
	"github.com/apphub-oss/tagging-service/internal/notifier"
	"github.com/apphub-oss/tagging-service/internal/pipeline"
	"github.com/apphub-oss/tagging-service/internal/queue"
	"github.com/apphub-oss/tagging-service/internal/ratelimit"
	"github.com/apphub-oss/tagging-service/internal/store"
	"github.com/apphub-oss/tagging-service/internal/telemetry"
)

const systemPrompt = "You extract structured catalog tags from repository and file context. Respond only with the requested JSON."

// Processor drives the worker execution loop: one goroutine promotes
// scheduled jobs and reclaims expired leases on a timer, while a bounded
// pool of goroutines dequeue and execute jobs concurrently.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	store    *store.Store
	catalog  *catalogclient.Client
	explorer *fileexplorer.Client
	model    *modelclient.Client
	notify   *notifier.Notifier
	archiver *archive.Archiver
	limiter  *ratelimit.TokenBucket

	pollInterval time.Duration
}

// New builds a Processor from its collaborators.
func New(
	cfg config.Config,
	q *queue.Queue,
	st *store.Store,
	catalog *catalogclient.Client,
	explorer *fileexplorer.Client,
	model *modelclient.Client,
	notify *notifier.Notifier,
	archiver *archive.Archiver,
	limiter *ratelimit.TokenBucket,
) *Processor {
	return &Processor{
		cfg:          cfg,
		queue:        q,
		store:        st,
		catalog:      catalog,
		explorer:     explorer,
		model:        model,
		notify:       notify,
		archiver:     archiver,
		limiter:      limiter,
		pollInterval: 2 * time.Second,
	}
}

// Run starts the maintenance loop and the worker pool, blocking until ctx
// is cancelled or a worker goroutine returns a non-context error.
//
// On cancellation, workers stop accepting new leases immediately but a job
// already in flight keeps running on a separate context that is only
// cancelled after cfg.ShutdownGrace, so an in-flight pipeline run gets a
// chance to finish rather than being torn down mid-request.
func (p *Processor) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	go func() {
		<-ctx.Done()
		grace := p.cfg.ShutdownGrace
		if grace <= 0 {
			cancelJobs()
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelJobs()
		case <-jobCtx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.runMaintenance(ctx)
		return nil
	})

	workers := p.cfg.TaggingConcurrency
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.runWorkerLoop(ctx, jobCtx)
		})
	}

	return g.Wait()
}

// runMaintenance promotes due scheduled jobs and reclaims expired leases on
// a fixed interval, mirroring the teacher's single-loop maintenance steps
// but split out so it runs once regardless of worker pool size.
func (p *Processor) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), 100); err != nil {
			log.Printf("worker: promote scheduled failed: %v", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			log.Printf("worker: requeue expired failed: %v", err)
		} else if len(reclaimed) > 0 {
			log.Printf("worker: reclaimed %d expired lease(s)", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// runWorkerLoop dequeues on stopCtx, so it stops picking up new jobs as
// soon as shutdown starts, but runs the job itself on jobCtx so an
// in-flight run survives until the grace window (or its own completion)
// closes it out.
func (p *Processor) runWorkerLoop(stopCtx, jobCtx context.Context) error {
	for {
		select {
		case <-stopCtx.Done():
			return nil
		default:
		}

		leased, err := p.queue.DequeueWithLease(stopCtx)
		if err != nil {
			log.Printf("worker: dequeue failed: %v", err)
			if !sleepCtx(stopCtx, p.pollInterval) {
				return nil
			}
			continue
		}
		if leased == nil {
			if !sleepCtx(stopCtx, p.pollInterval) {
				return nil
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(jobCtx, leased)
		telemetry.InFlightGauge.Dec()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// process runs one leased job end to end, then resolves the lease: Ack on
// success or permanent failure, Retry on transient failure (or Ack+failed
// once attempts are exhausted).
func (p *Processor) process(ctx context.Context, leased *queue.Leased) {
	run, err := p.startRun(ctx, leased.Payload.RepositoryID)
	if err != nil {
		log.Printf("worker: start run for %s failed: %v", leased.Payload.RepositoryID, err)
		p.retryOrDiscard(ctx, leased, pipeline.Transient(err), "")
		return
	}

	result, runErr := p.runPipeline(ctx, leased.Payload, run)
	if runErr != nil {
		p.failRun(ctx, run.ID, runErr)
		p.notify.Failed(ctx, notifier.FailedPayload{
			RepositoryID: leased.Payload.RepositoryID,
			RunID:        run.ExternalID,
			Trigger:      leased.Payload.Trigger,
			ErrorMessage: runErr.Error(),
			Transient:    pipeline.IsTransient(runErr),
		})
		p.retryOrDiscard(ctx, leased, runErr, run.ExternalID)
		return
	}

	if err := p.completeRun(ctx, run.ID, result); err != nil {
		log.Printf("worker: seal run %d failed: %v", run.ID, err)
	}
	telemetry.RunsSucceeded.Inc()
	p.notify.Completed(ctx, notifier.CompletedPayload{
		RepositoryID:   leased.Payload.RepositoryID,
		RunID:          run.ExternalID,
		RepositoryTags: len(result.repoApply),
		FileTags:       result.fileTagCount,
		Trigger:        leased.Payload.Trigger,
	})
	if err := p.queue.Ack(ctx, leased.JobID, queue.TransitionCompleted, ""); err != nil {
		log.Printf("worker: ack completed job %s failed: %v", leased.JobID, err)
	}
}

func (p *Processor) startRun(ctx context.Context, repositoryID string) (models.JobRun, error) {
	job, ok, err := p.store.GetJobByRepositoryID(ctx, repositoryID)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		job, err = p.store.UpsertJob(ctx, repositoryID)
		if err != nil {
			return models.JobRun{}, fmt.Errorf("create job: %w", err)
		}
	}
	return p.store.StartRun(ctx, job.ID)
}

// pipelineResult carries through what completeRun and the notifier need
// after a successful run.
type pipelineResult struct {
	prompt           string
	repoApply        []models.TagPayload
	repoRemove       []models.TagPayload
	fileTagCount     int
	promptTokens     *int
	completionTokens *int
	latencyMs        int64
	rawResponse      string
}

// runPipeline implements the checkout -> sample -> prompt -> model ->
// normalize -> diff -> apply sequence. Any failure is already classified
// as a *pipeline.TransientError or *pipeline.PermanentError by the step
// that produced it.
func (p *Processor) runPipeline(ctx context.Context, payload queue.Payload, run models.JobRun) (pipelineResult, error) {
	meta, err := p.catalog.GetRepository(ctx, payload.RepositoryID)
	if err != nil {
		return pipelineResult{}, pipeline.Transient(fmt.Errorf("fetch repository metadata: %w", err))
	}
	repoURL := meta.EffectiveRepoURL()
	if repoURL == "" {
		return pipelineResult{}, pipeline.Permanent(errors.New("metadata missing repoUrl"))
	}

	checkoutDir, err := EnsureCheckout(ctx, p.cfg.WorkspaceRoot, payload.RepositoryID, repoURL, meta.DefaultBranch)
	if err != nil {
		return pipelineResult{}, err // already classified transient by EnsureCheckout
	}

	files := SampleFiles(ctx, p.explorer, payload.RepositoryID, checkoutDir)

	prompt, err := RenderPrompt(p.cfg.PromptTemplatePath, PromptInputs{
		RepositoryID:   meta.ID,
		RepositoryName: meta.Name,
		Description:    meta.Description,
		RepoURL:        repoURL,
		DefaultBranch:  meta.DefaultBranch,
		Readme:         meta.Readme,
		ExistingTags:   meta.Tags,
		Files:          files,
	})
	if err != nil {
		return pipelineResult{}, pipeline.Permanent(fmt.Errorf("render prompt: %w", err))
	}

	if err := p.awaitModelToken(ctx); err != nil {
		return pipelineResult{}, err
	}

	start := time.Now()
	modelResult, err := p.model.RequestTags(ctx, systemPrompt, prompt)
	latency := time.Since(start)
	telemetry.ModelLatency.Observe(float64(latency.Milliseconds()))
	if err != nil {
		if errors.Is(err, modelclient.ErrNoContent) || errors.Is(err, modelclient.ErrInvalidContent) {
			return pipelineResult{}, pipeline.Permanent(err)
		}
		return pipelineResult{}, pipeline.Transient(fmt.Errorf("model request: %w", err))
	}

	repoTags := toTagPayloads(modelResult.RepositoryTags)
	normalizedRepo := pipeline.NormalizeTags(repoTags)

	existing := make([]models.ExistingTag, 0, len(meta.Tags))
	for _, t := range meta.Tags {
		existing = append(existing, models.ExistingTag{Key: t.Key, Value: t.Value, Source: t.Source})
	}
	repoDiff := pipeline.DiffRepositoryTags(normalizedRepo, existing)

	fileTagInputs := make([]models.FileTagPayload, 0, len(modelResult.FileTags))
	for _, ft := range modelResult.FileTags {
		fileTagInputs = append(fileTagInputs, models.FileTagPayload{Path: ft.Path, Tags: toTagPayloads(ft.Tags)})
	}
	normalizedFiles := pipeline.NormalizeFileTags(fileTagInputs)

	if err := p.applyRepositoryTags(ctx, payload.RepositoryID, repoDiff); err != nil {
		return pipelineResult{}, pipeline.Transient(fmt.Errorf("apply repository tags: %w", err))
	}
	fileTagCount, err := p.applyFileTags(ctx, payload.RepositoryID, normalizedFiles)
	if err != nil {
		return pipelineResult{}, pipeline.Transient(fmt.Errorf("apply file tags: %w", err))
	}

	if err := p.persistAssignments(ctx, run.ID, repoDiff.Apply, normalizedFiles); err != nil {
		log.Printf("worker: persist assignments for run %d failed: %v", run.ID, err)
	}

	rawResponseBody, _ := json.Marshal(modelResult)
	p.archiveRun(ctx, run.ExternalID, prompt, rawResponseBody)

	var promptTokens, completionTokens *int
	if modelResult.Usage != nil {
		pt := modelResult.Usage.PromptTokens
		ct := modelResult.Usage.CompletionTokens
		promptTokens, completionTokens = &pt, &ct
	}

	telemetry.TagsApplied.Add(float64(len(repoDiff.Apply) + fileTagCount))

	return pipelineResult{
		prompt:           prompt,
		repoApply:        repoDiff.Apply,
		repoRemove:       repoDiff.Remove,
		fileTagCount:     fileTagCount,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
		latencyMs:        latency.Milliseconds(),
		rawResponse:      string(rawResponseBody),
	}, nil
}

func toTagPayloads(raw []modelclient.RawTag) []models.TagPayload {
	out := make([]models.TagPayload, 0, len(raw))
	for _, r := range raw {
		out = append(out, models.TagPayload{Key: r.Key, Value: r.Value, Confidence: r.Confidence})
	}
	return out
}

// applyRepositoryTags issues additions before removals per spec.md §4.5
// step 9, so a repository is never briefly left with neither the new nor
// old tag during a partial failure.
func (p *Processor) applyRepositoryTags(ctx context.Context, repositoryID string, diff pipeline.RepositoryDiff) error {
	writes := make([]catalogclient.TagWrite, 0, len(diff.Apply))
	for _, t := range diff.Apply {
		writes = append(writes, catalogclient.TagWrite{
			Key: t.Key, Value: t.Value, Source: models.TaggingServiceSource, Confidence: t.Confidence,
		})
	}
	removes := make([]catalogclient.TagRemove, 0, len(diff.Remove))
	for _, t := range diff.Remove {
		removes = append(removes, catalogclient.TagRemove{Key: t.Key, Value: t.Value})
	}
	if len(writes) > 0 {
		if err := p.catalog.ApplyTags(ctx, repositoryID, writes, []catalogclient.TagRemove{}); err != nil {
			return err
		}
	}
	if len(removes) > 0 {
		return p.catalog.ApplyTags(ctx, repositoryID, []catalogclient.TagWrite{}, removes)
	}
	return nil
}

func (p *Processor) applyFileTags(ctx context.Context, repositoryID string, files []models.FileTagPayload) (int, error) {
	count := 0
	for _, f := range files {
		diff := pipeline.DiffFileTags(f.Tags)
		writes := make([]fileexplorer.TagWrite, 0, len(diff.Apply))
		for _, t := range diff.Apply {
			writes = append(writes, fileexplorer.TagWrite{Key: t.Key, Value: t.Value, Confidence: t.Confidence})
		}
		if len(writes) == 0 {
			continue
		}
		if err := p.explorer.ApplyTags(ctx, repositoryID, f.Path, writes); err != nil {
			return count, err
		}
		count += len(writes)
	}
	return count, nil
}

func (p *Processor) persistAssignments(ctx context.Context, runID int64, repoTags []models.TagPayload, files []models.FileTagPayload) error {
	inputs := make([]models.AssignmentInput, 0, len(repoTags))
	for _, t := range repoTags {
		inputs = append(inputs, models.AssignmentInput{
			Scope: models.ScopeRepository, Target: "", Key: t.Key, Value: t.Value, Confidence: t.Confidence,
		})
	}
	for _, f := range files {
		for _, t := range f.Tags {
			inputs = append(inputs, models.AssignmentInput{
				Scope: models.ScopeFile, Target: f.Path, Key: t.Key, Value: t.Value, Confidence: t.Confidence,
			})
		}
	}
	return p.store.RecordAssignments(ctx, runID, inputs)
}

func (p *Processor) archiveRun(ctx context.Context, runExternalID, prompt string, rawResponse []byte) {
	if err := p.archiver.Put(ctx, runExternalID, "prompt.txt", []byte(prompt)); err != nil {
		log.Printf("worker: archive prompt for run %s failed: %v", runExternalID, err)
	}
	if err := p.archiver.Put(ctx, runExternalID, "response.json", rawResponse); err != nil {
		log.Printf("worker: archive response for run %s failed: %v", runExternalID, err)
	}
}

func (p *Processor) completeRun(ctx context.Context, runID int64, result pipelineResult) error {
	raw := result.rawResponse
	_, err := p.store.CompleteRun(ctx, runID, models.CompleteRunParams{
		Status:           models.RunStatusSucceeded,
		Prompt:           &result.prompt,
		PromptTokens:     result.promptTokens,
		CompletionTokens: result.completionTokens,
		LatencyMs:        &result.latencyMs,
		RawResponse:      &raw,
	})
	return err
}

func (p *Processor) failRun(ctx context.Context, runID int64, runErr error) {
	msg := runErr.Error()
	if _, err := p.store.CompleteRun(ctx, runID, models.CompleteRunParams{
		Status:       models.RunStatusFailed,
		ErrorMessage: &msg,
	}); err != nil {
		log.Printf("worker: seal failed run %d failed: %v", runID, err)
	}
	if pipeline.IsTransient(runErr) {
		telemetry.RunsFailedTransient.Inc()
	} else {
		telemetry.RunsFailedPermanent.Inc()
	}
}

// retryOrDiscard resolves a failed lease: permanent failures are discarded
// immediately; transient failures are retried until the lease's attempt
// reaches cfg.QueueMaxAttempts, after which they are discarded as failed too.
func (p *Processor) retryOrDiscard(ctx context.Context, leased *queue.Leased, runErr error, reason string) {
	if reason == "" {
		reason = runErr.Error()
	}
	if pipeline.IsPermanent(runErr) || leased.Attempt >= p.cfg.QueueMaxAttempts {
		if err := p.queue.Ack(ctx, leased.JobID, queue.TransitionFailed, reason); err != nil {
			log.Printf("worker: ack failed job %s failed: %v", leased.JobID, err)
		}
		return
	}
	if _, err := p.queue.Retry(ctx, leased.JobID, leased.Attempt, reason); err != nil {
		log.Printf("worker: schedule retry for job %s failed: %v", leased.JobID, err)
	}
}

// awaitModelToken blocks until the rate limiter admits one model request,
// polling on a short interval bounded by ctx.
func (p *Processor) awaitModelToken(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	for {
		allowed, _, err := p.limiter.Allow(ctx, "model")
		if err != nil {
			return pipeline.Transient(fmt.Errorf("rate limiter: %w", err))
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
