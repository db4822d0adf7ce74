// Package rpc defines the wire contract between the control plane and task
// runtime containers, plus the clients that speak it. Field names are part
// of the wire format and must not change.
package rpc

// JobEventMessage is a single event emitted by a runtime for a run. The
// deliveryId orders events within one runtime and drives checkpointing; the
// sequence orders structured events within one run.
type JobEventMessage struct {
	RunID         string            `json:"runId"`
	DeliveryID    int64             `json:"deliveryId"`
	EventType     string            `json:"eventType"`
	Category      string            `json:"category"`
	Summary       string            `json:"summary"`
	Error         string            `json:"error"`
	PayloadJSON   string            `json:"payloadJson,omitempty"`
	SchemaVersion string            `json:"schemaVersion"`
	Sequence      int64             `json:"sequence"`
	Timestamp     int64             `json:"timestamp"` // unix millis
	Metadata      map[string]string `json:"metadata,omitempty"`
	ArtifactID    string            `json:"artifactId,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	IsLastChunk   bool              `json:"isLastChunk,omitempty"`
	BinaryPayload []byte            `json:"binaryPayload,omitempty"`
}

// Well-known event types.
const (
	EventTypeStarted          = "started"
	EventTypeStructured       = "structured"
	EventTypeLogChunk         = "log_chunk"
	EventTypeCompleted        = "completed"
	EventTypeArtifactManifest = "artifact_manifest"
	EventTypeArtifactChunk    = "artifact_chunk"
	EventTypeArtifactCommit   = "artifact_commit"
)

// TaskRuntimeStatusMessage reports slot occupancy changes from a runtime.
type TaskRuntimeStatusMessage struct {
	TaskRuntimeID string `json:"taskRuntimeId"`
	Status        string `json:"status"`
	ActiveSlots   int    `json:"activeSlots"`
	MaxSlots      int    `json:"maxSlots"`
}

// StartRuntimeCommandRequest submits a run for execution inside a runtime.
type StartRuntimeCommandRequest struct {
	RunID                 string            `json:"runId"`
	TaskID                string            `json:"taskId"`
	RepositoryID          string            `json:"repositoryId"`
	Prompt                string            `json:"prompt,omitempty"`
	Command               string            `json:"command,omitempty"`
	Branch                string            `json:"branch,omitempty"`
	ExecutionMode         string            `json:"executionMode,omitempty"`
	StructuredProtocol    string            `json:"structuredProtocol,omitempty"`
	SessionProfileID      string            `json:"sessionProfileId,omitempty"`
	InstructionStackHash  string            `json:"instructionStackHash,omitempty"`
	MCPConfigSnapshotJSON string            `json:"mcpConfigSnapshotJson,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	TimeoutSeconds        int               `json:"timeoutSeconds,omitempty"`
}

type StartRuntimeCommandResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CommandID    string `json:"commandId,omitempty"`
}

type CancelRuntimeCommandRequest struct {
	RunID string `json:"runId"`
	Force bool   `json:"force,omitempty"`
}

type CancelRuntimeCommandResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type GetRuntimeCommandStatusRequest struct {
	RunID string `json:"runId"`
}

type RuntimeCommandStatusResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Status       string `json:"status,omitempty"`
	Running      bool   `json:"running,omitempty"`
}

type HealthResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ReadEventBacklogRequest pages durable runtime events after a checkpoint.
type ReadEventBacklogRequest struct {
	AfterDeliveryID int64 `json:"afterDeliveryId"`
	MaxEvents       int   `json:"maxEvents"`
}

type ReadEventBacklogResult struct {
	Success      bool               `json:"success"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	HasMore      bool               `json:"hasMore"`
	Events       []*JobEventMessage `json:"events"`
}

// EnsureRepositoryWorkspaceRequest prepares a repository checkout inside the
// runtime. RepositoryKeyHint carries a previously known local path when the
// caller falls back from a refresh.
type EnsureRepositoryWorkspaceRequest struct {
	RepositoryID      string `json:"repositoryId"`
	GitURL            string `json:"gitUrl"`
	DefaultBranch     string `json:"defaultBranch,omitempty"`
	RepositoryKeyHint string `json:"repositoryKeyHint,omitempty"`
}

type EnsureRepositoryWorkspaceResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
}

type RefreshRepositoryWorkspaceRequest struct {
	RepositoryID string `json:"repositoryId"`
	LocalPath    string `json:"localPath"`
}

type RefreshRepositoryWorkspaceResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
}
