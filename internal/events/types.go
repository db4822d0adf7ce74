// Package events provides event types and subject utilities for the
// agentplane event system.
package events

// Event types for run lifecycle
const (
	RunCreated       = "run.created"
	RunStateChanged  = "run.state_changed"
	RunCompleted     = "run.completed"
	RunRetryQueued   = "run.retry_queued"
	RunLogAppended   = "run.log"
	RunStatusSubject = "run.status" // Base subject for run status fan-out
)

// Event types for run delta streams (throttled fan-out to subscribers)
const (
	RunDeltaStructured = "run.delta.structured"
	RunDeltaDiff       = "run.delta.diff"
	RunDeltaTool       = "run.delta.tool"
	RunDeltaReasoning  = "run.delta.reasoning"
)

// Event types for runtime fleet state
const (
	RuntimeProvisioned   = "runtime.provisioned"
	RuntimeStateChanged  = "runtime.state_changed"
	RuntimeHeartbeat     = "runtime.heartbeat"
	RuntimeHealthChanged = "runtime.health.changed"
	RuntimeIncident      = "runtime.health.incident"
	RuntimeStopped       = "runtime.stopped"
)

// Event types for aggregate readiness
const (
	ReadinessChanged = "readiness.changed"
)

// Event types for maintenance loops
const (
	RecoverySweepCompleted   = "recovery.sweep_completed"
	RetentionCleanupComplete = "retention.cleanup_completed"
)

// TaskEmbeddingRefresh asks the semantic-embedding consumer to re-index a
// task after a run completes.
const TaskEmbeddingRefresh = "task.embedding_refresh"

// BuildRunStatusSubject creates a run status subject for a specific run
func BuildRunStatusSubject(runID string) string {
	return RunStatusSubject + "." + runID
}

// BuildRunStatusWildcardSubject creates a wildcard subscription for all run status events
func BuildRunStatusWildcardSubject() string {
	return RunStatusSubject + ".*"
}

// BuildRunLogSubject creates a run log subject for a specific run
func BuildRunLogSubject(runID string) string {
	return RunLogAppended + "." + runID
}

// BuildRunLogWildcardSubject creates a wildcard subscription for all run log events
func BuildRunLogWildcardSubject() string {
	return RunLogAppended + ".*"
}

// BuildRunDeltaSubject creates a delta subject for a run from a short delta
// type ("structured", "diff", "tool", "reasoning")
func BuildRunDeltaSubject(deltaType, runID string) string {
	return "run.delta." + deltaType + "." + runID
}

// BuildRunDeltaWildcardSubject creates a wildcard subscription for a delta type across runs
func BuildRunDeltaWildcardSubject(deltaType string) string {
	return "run.delta." + deltaType + ".*"
}

// BuildRuntimeHealthSubject creates a health subject for a specific runtime
func BuildRuntimeHealthSubject(runtimeID string) string {
	return RuntimeHealthChanged + "." + runtimeID
}

// BuildRuntimeHealthWildcardSubject creates a wildcard subscription for all runtime health events
func BuildRuntimeHealthWildcardSubject() string {
	return RuntimeHealthChanged + ".*"
}

// BuildRuntimeStateSubject creates a state subject for a specific runtime
func BuildRuntimeStateSubject(runtimeID string) string {
	return RuntimeStateChanged + "." + runtimeID
}

// BuildRuntimeStateWildcardSubject creates a wildcard subscription for all runtime state events
func BuildRuntimeStateWildcardSubject() string {
	return RuntimeStateChanged + ".*"
}
