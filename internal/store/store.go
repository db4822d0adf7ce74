package store

import (
	"context"
	"time"
)

// RunStore persists runs and their lifecycle transitions.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRunsByState(ctx context.Context, state string) ([]*Run, error)

	// MarkRunStarted transitions a run to Running on a runtime and records
	// the worker image facts. Returns ErrConflict if the run is already
	// terminal.
	MarkRunStarted(ctx context.Context, runID, runtimeID, imageRef, imageDigest, imageSource string) error

	// MarkRunCompleted applies the terminal outcome. On an already-terminal
	// run it returns (nil, nil): no state change, and the caller must not
	// publish or retry.
	MarkRunCompleted(ctx context.Context, runID string, completion RunCompletion) (*Run, error)

	// SetRunDisposition overlays a disposition (e.g. obsolete) on a
	// terminal run without redacting terminal facts.
	SetRunDisposition(ctx context.Context, runID, disposition string) error

	// TouchRunActivity refreshes the run's last-activity timestamp.
	TouchRunActivity(ctx context.Context, runID string) error

	// ClaimOldestQueuedRun atomically claims the oldest Queued run for the
	// task, moving it to Running, provided the number of Running runs for
	// the task is below the concurrency limit. Returns ErrNotFound when
	// nothing is claimable.
	ClaimOldestQueuedRun(ctx context.Context, taskID string, concurrencyLimit int) (*Run, error)

	// ReleaseClaimedRun requeues a claimed run whose dispatch failed. Only
	// a Running run not yet bound to a runtime is released.
	ReleaseClaimedRun(ctx context.Context, runID string) error

	CountRunsByTaskAndState(ctx context.Context, taskID, state string) (int, error)
	ListQueuedTaskIDs(ctx context.Context) ([]string, error)
	ListKnownRunIDs(ctx context.Context) ([]string, error)

	// ListRunningWithoutActivitySince returns Running runs whose last
	// activity (or start, if never active) is before the cutoff.
	ListRunningWithoutActivitySince(ctx context.Context, cutoff time.Time) ([]*Run, error)

	// ListRunningStartedBefore returns Running runs started before the cutoff.
	ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*Run, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context) ([]*Task, error)
	UpdateTaskLastGitSync(ctx context.Context, taskID string, syncedAt time.Time) error
	HasActiveRuns(ctx context.Context, taskID string) (bool, error)

	// ListCleanupEligibleTasks returns tasks eligible for retention
	// deletion, newest-protected and active-run-holding tasks excluded.
	ListCleanupEligibleTasks(ctx context.Context, criteria CleanupCriteria) ([]*Task, error)

	// DeleteTaskCascade removes a task and all dependent rows (runs,
	// events, snapshots, projections, artifacts metadata). Returns the
	// total number of rows deleted.
	DeleteTaskCascade(ctx context.Context, taskID string) (int64, error)
}

// CleanupCriteria selects tasks for retention deletion.
type CleanupCriteria struct {
	MaxAgeDays             int  // delete tasks older than this (0 disables)
	DisabledInactivityDays int  // delete disabled tasks inactive this long (0 disables)
	ProtectedDays          int  // never delete tasks younger than this
	ExcludeOpenFindings    bool // skip tasks with open findings
	IgnoreAge              bool // size pressure: any task outside the protected window qualifies
	Limit                  int
}

// RepositoryStore persists repositories.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	ListRepositories(ctx context.Context) ([]*Repository, error)
}

// RuntimeStore persists task runtimes and their heartbeat registrations.
type RuntimeStore interface {
	UpsertTaskRuntime(ctx context.Context, rt *TaskRuntime) error
	GetTaskRuntime(ctx context.Context, id string) (*TaskRuntime, error)
	GetTaskRuntimeByTaskID(ctx context.Context, taskID string) (*TaskRuntime, error)
	ListTaskRuntimes(ctx context.Context) ([]*TaskRuntime, error)
	UpdateTaskRuntimeState(ctx context.Context, id, state, lastError string) error
	DeleteTaskRuntime(ctx context.Context, id string) error

	UpsertRegistration(ctx context.Context, reg *TaskRuntimeRegistration) error
	ListRegistrations(ctx context.Context) ([]*TaskRuntimeRegistration, error)
}

// EventStore persists structured events, log events and the derived views.
type EventStore interface {
	// AppendRunStructuredEvent inserts the event if (runId, sequence) is
	// new; on a duplicate it returns the stored row unchanged.
	AppendRunStructuredEvent(ctx context.Context, event *RunStructuredEvent) (*RunStructuredEvent, error)
	ListRunStructuredEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]*RunStructuredEvent, error)
	MaxStructuredSequence(ctx context.Context, runID string) (int64, error)

	// UpsertRunDiffSnapshot keeps the snapshot with the highest sequence;
	// an older sequence never overwrites a newer one.
	UpsertRunDiffSnapshot(ctx context.Context, snapshot *RunDiffSnapshot) error
	GetRunDiffSnapshot(ctx context.Context, runID string) (*RunDiffSnapshot, error)

	// UpsertRunToolProjection merges a timeline entry: sequenceStart is the
	// min and sequenceEnd the max of the stored and incoming values.
	UpsertRunToolProjection(ctx context.Context, projection *RunToolProjection) error
	ListRunToolProjections(ctx context.Context, runID string) ([]*RunToolProjection, error)

	AppendRunLogEvent(ctx context.Context, event *RunLogEvent) error
	ListRunLogEvents(ctx context.Context, runID string, limit int) ([]*RunLogEvent, error)
}

// CheckpointStore persists per-runtime delivery checkpoints.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, runtimeID string) (int64, error)

	// SaveCheckpoint advances the checkpoint monotonically; a smaller
	// deliveryID than the stored one is a no-op.
	SaveCheckpoint(ctx context.Context, runtimeID string, deliveryID int64) error
	ListCheckpoints(ctx context.Context) (map[string]int64, error)
}

// ArtifactMetaStore persists artifact metadata rows; blob bytes live in the
// filesystem blob store.
type ArtifactMetaStore interface {
	// SaveArtifactMeta replaces the row keyed by (runId, fileName).
	SaveArtifactMeta(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
	SumArtifactBytes(ctx context.Context, runID string) (int64, error)
}

// MaintenanceStore exposes the bulk operations used by retention cleanup.
type MaintenanceStore interface {
	// PruneStructuredEventsBefore deletes aged structured event rows in a
	// bounded batch and returns the number of rows removed.
	PruneStructuredEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	RunStore
	TaskStore
	RepositoryStore
	RuntimeStore
	EventStore
	CheckpointStore
	ArtifactMetaStore
	MaintenanceStore

	Close() error
}
