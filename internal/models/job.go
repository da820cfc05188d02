package models

import "time"

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunStatus enumerates the lifecycle of a single JobRun. A run never
// transitions out of succeeded/failed once sealed.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Trigger records why a job was admitted.
const (
	TriggerEvent     = "event"
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
)

// TagScope distinguishes repository-level tags from file-level tags.
const (
	ScopeRepository = "repository"
	ScopeFile       = "file"
)

// Job is the durable, per-repository row owned by the audit store. There is
// exactly one Job per repository id; the admission and retry paths upsert on
// that uniqueness.
type Job struct {
	ID           int64     `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Status       string    `json:"status"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	Runs         int       `json:"runs"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// JobRun is one attempt by the worker pipeline to tag a repository. It is
// created at run start and sealed exactly once on completion.
type JobRun struct {
	ID               int64      `json:"id"`
	ExternalID       string     `json:"externalId"`
	JobID            int64      `json:"jobId"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	Prompt           *string    `json:"prompt,omitempty"`
	PromptTokens     *int       `json:"promptTokens,omitempty"`
	CompletionTokens *int       `json:"completionTokens,omitempty"`
	CostUSD          *float64   `json:"costUsd,omitempty"`
	LatencyMs        *int64     `json:"latencyMs,omitempty"`
	RawResponse      *string    `json:"rawResponse,omitempty"`
}

// TagAssignment is an immutable persisted tag produced by a successful run.
type TagAssignment struct {
	ID         int64     `json:"id"`
	JobRunID   int64     `json:"jobRunId"`
	Scope      string    `json:"scope"`
	Target     string    `json:"target"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence *float64  `json:"confidence,omitempty"`
	AppliedAt  time.Time `json:"appliedAt"`
}

// TagPayload is an in-flight value object carried through normalize, diff,
// and apply. It is never persisted directly; recordAssignments converts it
// into a TagAssignment once a run succeeds.
type TagPayload struct {
	Key        string
	Value      string
	Confidence *float64
}

// FileTagPayload groups an in-flight tag list under the file path it was
// extracted for.
type FileTagPayload struct {
	Path string
	Tags []TagPayload
}

// CompleteRunParams collects the fields sealed onto a run by completeRun.
type CompleteRunParams struct {
	Status           string
	ErrorMessage     *string
	Prompt           *string
	PromptTokens     *int
	CompletionTokens *int
	LatencyMs        *int64
	RawResponse      *string
}

// AssignmentInput is one row to persist via recordAssignments.
type AssignmentInput struct {
	Scope      string
	Target     string
	Key        string
	Value      string
	Confidence *float64
}

// ExistingTag is a tag already attached to a repository in the catalog,
// optionally attributed to a source system.
type ExistingTag struct {
	Key    string
	Value  string
	Source string
}

// TaggingServiceSource is the source attribution this service writes back
// to the catalog and uses to filter which existing tags it may overwrite.
const TaggingServiceSource = "tagging-service"

// RepositorySummary is the minimal per-page shape the catalog's repository
// list endpoint returns, used by the scheduler's backstop sweep.
type RepositorySummary struct {
	ID           string
	IngestStatus string
}

