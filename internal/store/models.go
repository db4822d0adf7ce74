// Package store defines the persisted entities and the storage interface
// used by the orchestration components.
package store

import "time"

// Run states.
const (
	RunStateQueued          = "QUEUED"
	RunStatePendingApproval = "PENDING_APPROVAL"
	RunStateRunning         = "RUNNING"
	RunStateSucceeded       = "SUCCEEDED"
	RunStateFailed          = "FAILED"
)

// Run dispositions. Obsolete is an overlay applied after a terminal
// transition; the terminal state, summary and timestamps are preserved.
const (
	RunDispositionNone     = ""
	RunDispositionObsolete = "obsolete"
)

// IsTerminalRunState reports whether a run state is terminal.
func IsTerminalRunState(state string) bool {
	return state == RunStateSucceeded || state == RunStateFailed
}

// Failure classes attached to failed runs.
const (
	FailureClassOrphanRecovery     = "OrphanRecovery"
	FailureClassStaleRun           = "StaleRun"
	FailureClassZombieRun          = "ZombieRun"
	FailureClassOverdueRun         = "OverdueRun"
	FailureClassTimeout            = "Timeout"
	FailureClassEnvelopeValidation = "EnvelopeValidation"
	FailureClassWorkspacePrep      = "WorkspacePreparation"
)

// Run is a single execution attempt of a Task against a Repository.
type Run struct {
	ID                    string     `json:"id"`
	RepositoryID          string     `json:"repositoryId"`
	TaskID                string     `json:"taskId"`
	RuntimeID             string     `json:"runtimeId"`
	State                 string     `json:"state"`
	Disposition           string     `json:"disposition,omitempty"`
	Attempt               int        `json:"attempt"`
	Summary               string     `json:"summary,omitempty"`
	OutputJSON            string     `json:"outputJson,omitempty"`
	ResultEnvelopeRef     string     `json:"resultEnvelopeRef,omitempty"`
	FailureClass          string     `json:"failureClass,omitempty"`
	PRURL                 string     `json:"prUrl,omitempty"`
	WorkerImageRef        string     `json:"workerImageRef,omitempty"`
	WorkerImageDigest     string     `json:"workerImageDigest,omitempty"`
	WorkerImageSource     string     `json:"workerImageSource,omitempty"`
	ExecutionMode         string     `json:"executionMode,omitempty"`
	StructuredProtocol    string     `json:"structuredProtocol,omitempty"`
	SessionProfileID      string     `json:"sessionProfileId,omitempty"`
	InstructionStackHash  string     `json:"instructionStackHash,omitempty"`
	MCPConfigSnapshotJSON string     `json:"mcpConfigSnapshotJson,omitempty"`
	AutomationRunID       string     `json:"automationRunId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	EndedAt               *time.Time `json:"endedAt,omitempty"`
	LastActivityAt        *time.Time `json:"lastActivityAt,omitempty"`
}

// RetryPolicy controls automatic retries of failed runs.
type RetryPolicy struct {
	MaxAttempts      int     `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelaySeconds float64 `json:"baseDelaySeconds" yaml:"baseDelaySeconds"`
	Multiplier       float64 `json:"multiplier" yaml:"multiplier"`
}

// Task is the recipe that produces runs.
type Task struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	RepositoryID     string      `json:"repositoryId"`
	Harness          string      `json:"harness,omitempty"`
	Prompt           string      `json:"prompt,omitempty"`
	Command          string      `json:"command,omitempty"`
	RetryPolicy      RetryPolicy `json:"retryPolicy"`
	ArtifactPolicy   string      `json:"artifactPolicy,omitempty"`
	TimeoutSeconds   int         `json:"timeoutSeconds,omitempty"`
	ConcurrencyLimit int         `json:"concurrencyLimit"`
	Cron             string      `json:"cron,omitempty"`
	Enabled          bool        `json:"enabled"`
	HasOpenFindings  bool        `json:"hasOpenFindings,omitempty"`
	LastGitSyncAt    *time.Time  `json:"lastGitSyncAt,omitempty"`
	LastRunAt        *time.Time  `json:"lastRunAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Repository holds git coordinates and local cache metadata.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ShortName     string    `json:"shortName"`
	GitURL        string    `json:"gitUrl"`
	DefaultBranch string    `json:"defaultBranch"`
	LocalPath     string    `json:"localPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TaskRuntime states.
const (
	RuntimeStateProvisioning = "PROVISIONING"
	RuntimeStateReady        = "READY"
	RuntimeStateBusy         = "BUSY"
	RuntimeStateDraining     = "DRAINING"
	RuntimeStateStopped      = "STOPPED"
	RuntimeStateQuarantined  = "QUARANTINED"
)

// TaskRuntime is a containerised worker that hosts run execution for a
// single task. Owned exclusively by the lifecycle manager; everything else
// reads snapshots.
type TaskRuntime struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"taskId"`
	State            string     `json:"state"`
	ActiveRuns       int        `json:"activeRuns"`
	MaxParallelRuns  int        `json:"maxParallelRuns"`
	Endpoint         string     `json:"endpoint"`
	ProxyEndpoint    string     `json:"proxyEndpoint,omitempty"`
	ContainerID      string     `json:"containerId,omitempty"`
	WorkspacePath    string     `json:"workspacePath,omitempty"`
	RuntimeHomePath  string     `json:"runtimeHomePath,omitempty"`
	LastActivityAt   time.Time  `json:"lastActivityAt"`
	InactiveAfterAt  *time.Time `json:"inactiveAfterAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	ColdStartMillis  int64      `json:"coldStartMillis,omitempty"`
	RestartCount     int        `json:"restartCount"`
	InactivityCycles int        `json:"inactivityCycles"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TaskRuntimeRegistration is the heartbeat record for a runtime.
type TaskRuntimeRegistration struct {
	RuntimeID       string    `json:"runtimeId"`
	Endpoint        string    `json:"endpoint"`
	ActiveSlots     int       `json:"activeSlots"`
	MaxSlots        int       `json:"maxSlots"`
	Online          bool      `json:"online"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// RunStructuredEvent is one entry of the per-run append-only ordered log.
type RunStructuredEvent struct {
	RunID         string    `json:"runId"`
	Sequence      int64     `json:"sequence"`
	EventType     string    `json:"eventType"`
	Category      string    `json:"category,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	PayloadJSON   string    `json:"payloadJson,omitempty"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunDiffSnapshot is the latest-wins current diff state of a run.
type RunDiffSnapshot struct {
	RunID         string    `json:"runId"`
	Sequence      int64     `json:"sequence"`
	DiffStat      string    `json:"diffStat,omitempty"`
	DiffPatch     string    `json:"diffPatch,omitempty"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RunToolProjection is a derived tool-timeline entry.
type RunToolProjection struct {
	RunID         string    `json:"runId"`
	ToolCallID    string    `json:"toolCallId"`
	ToolName      string    `json:"toolName,omitempty"`
	Status        string    `json:"status,omitempty"`
	SequenceStart int64     `json:"sequenceStart"`
	SequenceEnd   int64     `json:"sequenceEnd"`
	InputJSON     string    `json:"inputJson,omitempty"`
	OutputJSON    string    `json:"outputJson,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RunLogEvent is a plain log line attached to a run.
type RunLogEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is the metadata row for a persisted blob. Bytes live in the
// filesystem blob store keyed by (runId, fileName).
type Artifact struct {
	RunID       string    `json:"runId"`
	FileName    string    `json:"fileName"`
	SHA256      string    `json:"sha256"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Lease grants exclusive ownership of a named singleton activity.
type Lease struct {
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RunCompletion carries the terminal outcome applied by MarkRunCompleted.
type RunCompletion struct {
	State             string // RunStateSucceeded or RunStateFailed
	Summary           string
	OutputJSON        string
	ResultEnvelopeRef string
	FailureClass      string
	PRURL             string
	Disposition       string
}
