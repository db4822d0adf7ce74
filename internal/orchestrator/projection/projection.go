// Package projection derives per-run views (diff snapshot, tool timeline,
// reasoning deltas) from the structured event stream.
package projection

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/store"
)

// Delta identifies which derived view an event updated. The listener uses
// it to pick the right publish throttle window.
type Delta string

const (
	DeltaNone      Delta = ""
	DeltaDiff      Delta = "diff"
	DeltaTool      Delta = "tool"
	DeltaReasoning Delta = "reasoning"
)

// Canonical categories.
const (
	CategoryDiffUpdated    = "diff.updated"
	CategorySessionDiff    = "session.diff"
	CategoryReasoningDelta = "reasoning.delta"
)

// Projector applies structured events to the derived views.
type Projector struct {
	events store.EventStore
	logger *logger.Logger
}

func New(events store.EventStore, log *logger.Logger) *Projector {
	return &Projector{
		events: events,
		logger: log.WithFields(zap.String("component", "projection")),
	}
}

// diffPayload is the portion of a diff event payload the snapshot keeps.
type diffPayload struct {
	DiffStat  string `json:"diffStat"`
	DiffPatch string `json:"diffPatch"`
}

// toolPayload is the portion of a tool event payload the timeline keeps.
type toolPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Status     string          `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
}

// embeddedEnvelope is the shape of a log payload that carries a structured
// projection: {type, schemaVersion, properties}.
type embeddedEnvelope struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion"`
	Properties    json.RawMessage `json:"properties"`
}

// Apply updates derived views from a stored structured event and reports
// which view changed.
func (p *Projector) Apply(ctx context.Context, event *store.RunStructuredEvent) (Delta, error) {
	category, payload, schemaVersion := resolve(event)

	switch {
	case category == CategoryDiffUpdated:
		return p.applyDiff(ctx, event, payload, schemaVersion)
	case category == CategoryReasoningDelta:
		return DeltaReasoning, nil
	default:
		return p.applyTool(ctx, event, payload)
	}
}

// resolve canonicalises the event's category and payload. A log-shaped
// payload of the form {type, schemaVersion, properties} is unwrapped and
// its type mapped to a canonical category.
func resolve(event *store.RunStructuredEvent) (category, payload, schemaVersion string) {
	category = event.Category
	payload = event.PayloadJSON
	schemaVersion = event.SchemaVersion

	if payload != "" {
		var embedded embeddedEnvelope
		if err := json.Unmarshal([]byte(payload), &embedded); err == nil &&
			embedded.Type != "" && len(embedded.Properties) > 0 {
			category = canonicalCategory(embedded.Type)
			payload = string(embedded.Properties)
			if embedded.SchemaVersion != "" {
				schemaVersion = embedded.SchemaVersion
			}
		}
	}

	category = canonicalCategory(category)
	return category, payload, schemaVersion
}

func canonicalCategory(category string) string {
	switch strings.ToLower(category) {
	case CategorySessionDiff, CategoryDiffUpdated:
		return CategoryDiffUpdated
	case "reasoning", "thinking", CategoryReasoningDelta:
		return CategoryReasoningDelta
	default:
		return category
	}
}

func (p *Projector) applyDiff(ctx context.Context, event *store.RunStructuredEvent, payload, schemaVersion string) (Delta, error) {
	if payload == "" {
		return DeltaNone, nil
	}
	var diff diffPayload
	if err := json.Unmarshal([]byte(payload), &diff); err != nil {
		p.logger.WithRunID(event.RunID).Debug("unparseable diff payload", zap.Error(err))
		return DeltaNone, nil
	}
	if diff.DiffStat == "" && diff.DiffPatch == "" {
		return DeltaNone, nil
	}

	err := p.events.UpsertRunDiffSnapshot(ctx, &store.RunDiffSnapshot{
		RunID:         event.RunID,
		Sequence:      event.Sequence,
		DiffStat:      diff.DiffStat,
		DiffPatch:     diff.DiffPatch,
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		return DeltaNone, err
	}
	return DeltaDiff, nil
}

func (p *Projector) applyTool(ctx context.Context, event *store.RunStructuredEvent, payload string) (Delta, error) {
	if payload == "" {
		return DeltaNone, nil
	}
	var tool toolPayload
	if err := json.Unmarshal([]byte(payload), &tool); err != nil {
		return DeltaNone, nil
	}
	if tool.ToolCallID == "" {
		return DeltaNone, nil
	}

	row := &store.RunToolProjection{
		RunID:         event.RunID,
		ToolCallID:    tool.ToolCallID,
		ToolName:      tool.ToolName,
		Status:        tool.Status,
		SequenceStart: event.Sequence,
		SequenceEnd:   event.Sequence,
	}
	if len(tool.Input) > 0 {
		row.InputJSON = string(tool.Input)
	}
	if len(tool.Output) > 0 {
		row.OutputJSON = string(tool.Output)
	}
	if row.Status == "" {
		row.Status = statusFromCategory(event.Category)
	}

	if err := p.events.UpsertRunToolProjection(ctx, row); err != nil {
		return DeltaNone, err
	}
	return DeltaTool, nil
}

func statusFromCategory(category string) string {
	switch {
	case strings.HasSuffix(category, ".begin"), strings.HasSuffix(category, ".start"):
		return "running"
	case strings.HasSuffix(category, ".end"), strings.HasSuffix(category, ".complete"):
		return "completed"
	case strings.HasSuffix(category, ".error"), strings.HasSuffix(category, ".failed"):
		return "failed"
	default:
		return ""
	}
}
