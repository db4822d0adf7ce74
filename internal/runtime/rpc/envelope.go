package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultEnvelope is the structured completion payload carried in a
// completed event's metadata["payload"].
type ResultEnvelope struct {
	Status   string            `json:"status"` // "succeeded" or "failed"
	Summary  string            `json:"summary"`
	Error    string            `json:"error,omitempty"`
	RunID    string            `json:"runId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Metadata keys recognized in result envelopes.
const (
	EnvelopeMetaPRURL          = "prUrl"
	EnvelopeMetaGitFailure     = "gitFailure"
	EnvelopeMetaGitWorkflow    = "gitWorkflow"
	EnvelopeMetaRunDisposition = "runDisposition"
	EnvelopeMetaFailureClass   = "failureClass"
)

// ParseResultEnvelope decodes the envelope JSON from a completed event.
func ParseResultEnvelope(payload string) (*ResultEnvelope, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("empty result envelope")
	}
	var envelope ResultEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("Envelope validation failed: %w", err)
	}
	if envelope.Status != "succeeded" && envelope.Status != "failed" {
		return nil, fmt.Errorf("Envelope validation failed: unknown status %q", envelope.Status)
	}
	return &envelope, nil
}

// Meta returns a metadata value or the empty string.
func (e *ResultEnvelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Succeeded reports whether the envelope describes a successful run.
func (e *ResultEnvelope) Succeeded() bool {
	return e.Status == "succeeded"
}

// ClassifyFailure derives a failure class from a completion. The order of
// the rules is load-bearing: an explicit class in the envelope metadata
// always wins, then workspace preparation, envelope validation, and
// timeout heuristics, then no class at all.
func ClassifyFailure(explicitClass, summary, errorText string) string {
	if explicitClass != "" {
		return explicitClass
	}
	if strings.Contains(summary, "Workspace preparation failed") {
		return "WorkspacePreparation"
	}
	if strings.Contains(errorText, "Envelope validation") {
		return "EnvelopeValidation"
	}
	lower := strings.ToLower(errorText)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "cancelled") {
		return "Timeout"
	}
	return ""
}
