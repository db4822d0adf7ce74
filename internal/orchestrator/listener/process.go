package listener

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/orchestrator/projection"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

// processJobEvent is the single entry point for both backlog replay and
// live hub events. Duplicates (deliveryId at or below the checkpoint) are
// dropped; the checkpoint advances only after durable processing, so a
// crash between the two replays the event and the idempotent writes absorb
// it.
func (l *Listener) processJobEvent(ctx context.Context, runtimeID string, event *rpc.JobEventMessage) {
	if !l.checkpoints.ShouldProcess(ctx, runtimeID, event.DeliveryID) {
		return
	}

	log := l.logger.WithRuntimeID(runtimeID).WithRunID(event.RunID)

	if event.EventType != rpc.EventTypeCompleted {
		l.touchRunActivity(ctx, event.RunID)
	}

	var err error
	switch event.EventType {
	case rpc.EventTypeArtifactManifest:
		l.handleArtifactManifest(ctx, event)
	case rpc.EventTypeArtifactChunk:
		if chunkErr := l.assembler.AppendChunk(ctx, event.RunID, event.ArtifactID, event.BinaryPayload, event.IsLastChunk); chunkErr != nil {
			// An oversize artifact is rejected, not retried; anything else
			// still advances the checkpoint after being logged.
			if !errors.Is(chunkErr, store.ErrArtifactTooLarge) {
				log.Warn("artifact chunk handling failed", zap.Error(chunkErr))
			}
		}
	case rpc.EventTypeArtifactCommit:
		err = l.assembler.Commit(ctx, event.RunID, event.ArtifactID)
	case rpc.EventTypeLogChunk:
		// Fan-out only; log chunks are never written to the store.
		l.publishRunLog(ctx, event)
	case rpc.EventTypeCompleted:
		err = l.handleCompleted(ctx, runtimeID, event)
	default:
		if isStructured(event) {
			err = l.handleStructured(ctx, event)
		} else {
			err = l.handleLogShaped(ctx, event)
		}
	}

	if err != nil {
		// Leave the checkpoint behind the event: the next backfill
		// redelivers it and the idempotent store writes make the retry
		// safe.
		log.Warn("event processing failed, will retry on redelivery",
			zap.Int64("delivery_id", event.DeliveryID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}

	if err := l.checkpoints.Advance(ctx, runtimeID, event.DeliveryID); err != nil {
		log.Warn("failed to persist checkpoint", zap.Error(err))
	}
}

// touchRunActivity refreshes the run's last-activity timestamp so the
// stale-run reaper sees streaming runs as live. Writes are rate-limited
// per run; a hot event stream must not hammer the writer.
func (l *Listener) touchRunActivity(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	key := strings.ToLower(runID)
	now := time.Now()

	l.activityMu.Lock()
	if now.Sub(l.lastTouched[key]) < activityTouchInterval {
		l.activityMu.Unlock()
		return
	}
	l.lastTouched[key] = now
	l.activityMu.Unlock()

	if err := l.stores.TouchRunActivity(ctx, runID); err != nil {
		l.logger.WithRunID(runID).Debug("failed to touch run activity", zap.Error(err))
	}
}

// seedRunSequence primes the run's sequence watermark from the highest
// stored sequence, once per run, so synthetic sequences resolved after a
// restart stay above rows persisted before it.
func (l *Listener) seedRunSequence(ctx context.Context, runID string) {
	key := strings.ToLower(runID)

	l.activityMu.Lock()
	if _, ok := l.seededRunSeqs[key]; ok {
		l.activityMu.Unlock()
		return
	}
	l.seededRunSeqs[key] = struct{}{}
	l.activityMu.Unlock()

	highest, err := l.stores.MaxStructuredSequence(ctx, runID)
	if err != nil {
		l.logger.WithRunID(runID).Debug("failed to load sequence watermark", zap.Error(err))
		return
	}
	if highest > 0 {
		l.sequences.Seed(runID, highest)
	}
}

// forgetRun drops the per-run bookkeeping once the run is terminal.
func (l *Listener) forgetRun(runID string) {
	l.sequences.Forget(runID)
	key := strings.ToLower(runID)
	l.activityMu.Lock()
	delete(l.lastTouched, key)
	delete(l.seededRunSeqs, key)
	l.activityMu.Unlock()
}

// isStructured applies the structured-event detection rule: an explicit
// sequence, any structured field, or the structured event type.
func isStructured(event *rpc.JobEventMessage) bool {
	if event.EventType == rpc.EventTypeStructured {
		return true
	}
	return event.Sequence > 0 || event.Category != "" || event.PayloadJSON != "" || event.SchemaVersion != ""
}

// artifactManifestPayload carries the declared size and filename.
type artifactManifestPayload struct {
	Size     int64  `json:"size"`
	FileName string `json:"fileName"`
}

func (l *Listener) handleArtifactManifest(ctx context.Context, event *rpc.JobEventMessage) {
	var manifest artifactManifestPayload
	if event.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(event.PayloadJSON), &manifest); err != nil {
			l.logger.WithRunID(event.RunID).Debug("unparseable artifact manifest", zap.Error(err))
		}
	}
	if manifest.FileName == "" {
		manifest.FileName = event.Metadata["fileName"]
	}
	l.assembler.OpenManifest(ctx, event.RunID, event.ArtifactID, manifest.FileName, event.ContentType, manifest.Size)
}

func (l *Listener) handleStructured(ctx context.Context, event *rpc.JobEventMessage) error {
	l.seedRunSequence(ctx, event.RunID)

	timestamp := time.UnixMilli(event.Timestamp).UTC()
	sequence := l.sequences.Resolve(event.RunID, event.Sequence, timestamp)

	stored, err := l.stores.AppendRunStructuredEvent(ctx, &store.RunStructuredEvent{
		RunID:         event.RunID,
		Sequence:      sequence,
		EventType:     event.EventType,
		Category:      event.Category,
		Summary:       event.Summary,
		Error:         event.Error,
		PayloadJSON:   event.PayloadJSON,
		SchemaVersion: event.SchemaVersion,
		Timestamp:     timestamp,
	})
	if err != nil {
		return err
	}

	delta, err := l.projector.Apply(ctx, stored)
	if err != nil {
		return err
	}

	l.publishStructuredDelta(ctx, stored, delta)
	return nil
}

func (l *Listener) handleLogShaped(ctx context.Context, event *rpc.JobEventMessage) error {
	message := event.Summary
	if message == "" {
		message = event.Error
	}
	err := l.stores.AppendRunLogEvent(ctx, &store.RunLogEvent{
		RunID:     event.RunID,
		Level:     event.EventType,
		Message:   message,
		Timestamp: time.UnixMilli(event.Timestamp).UTC(),
	})
	if err != nil {
		return err
	}
	l.publishRunLog(ctx, event)
	return nil
}

func (l *Listener) handleCompleted(ctx context.Context, runtimeID string, event *rpc.JobEventMessage) error {
	payload := event.Metadata["payload"]
	if payload == "" {
		payload = event.PayloadJSON
	}

	completion := store.RunCompletion{
		State:   store.RunStateFailed,
		Summary: event.Summary,
	}

	envelope, parseErr := rpc.ParseResultEnvelope(payload)
	if parseErr != nil {
		completion.Summary = "Run completed with an unreadable result envelope"
		completion.FailureClass = store.FailureClassEnvelopeValidation
		l.logger.WithRunID(event.RunID).Warn("result envelope rejected", zap.Error(parseErr))
	} else {
		if envelope.Succeeded() {
			completion.State = store.RunStateSucceeded
		}
		completion.Summary = envelope.Summary
		completion.OutputJSON = payload
		completion.PRURL = envelope.Meta(rpc.EnvelopeMetaPRURL)
		if envelope.Meta(rpc.EnvelopeMetaRunDisposition) == store.RunDispositionObsolete {
			completion.Disposition = store.RunDispositionObsolete
		}
		if completion.State == store.RunStateFailed {
			completion.FailureClass = rpc.ClassifyFailure(
				envelope.Meta(rpc.EnvelopeMetaFailureClass), envelope.Summary, envelope.Error)
		}
	}

	run, err := l.stores.MarkRunCompleted(ctx, event.RunID, completion)
	if err != nil {
		return err
	}
	if run == nil {
		// Already terminal; the duplicate completion is a no-op.
		return nil
	}

	l.assembler.FinalizeRun(ctx, event.RunID)
	l.forgetRun(event.RunID)

	if err := l.stores.UpdateTaskLastGitSync(ctx, run.TaskID, time.Now().UTC()); err != nil {
		l.logger.WithRunID(run.ID).Debug("failed to update task git sync", zap.Error(err))
	}
	if err := l.directory.MarkRuntimeActivity(ctx, runtimeID, -1); err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.WithRuntimeID(runtimeID).Debug("failed to release runtime slot", zap.Error(err))
	}

	l.publishRunCompleted(ctx, run)

	// External consumers re-embed the task's context after each run.
	refresh := bus.NewEvent(events.TaskEmbeddingRefresh, "runtime-listener", map[string]any{
		"taskId": run.TaskID,
		"runId":  run.ID,
	})
	if err := l.bus.Publish(ctx, events.TaskEmbeddingRefresh, refresh); err != nil {
		l.logger.Debug("failed to publish embedding refresh", zap.Error(err))
	}

	if _, err := l.dispatcher.DispatchNextQueuedRunForTask(ctx, run.TaskID); err != nil {
		l.logger.WithRunID(run.ID).Debug("next-queued dispatch failed", zap.Error(err))
	}

	if run.State == store.RunStateFailed {
		l.retries.MaybeSchedule(ctx, run)
	}
	return nil
}

func (l *Listener) processRuntimeStatus(ctx context.Context, status *rpc.TaskRuntimeStatusMessage) {
	err := l.directory.ReportTaskRuntimeHeartbeat(ctx, status.TaskRuntimeID, status.ActiveSlots, status.MaxSlots)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.WithRuntimeID(status.TaskRuntimeID).Debug("heartbeat handling failed", zap.Error(err))
	}

	event := bus.NewEvent(events.RuntimeHeartbeat, "runtime-listener", map[string]any{
		"runtimeId":   status.TaskRuntimeID,
		"status":      status.Status,
		"activeSlots": status.ActiveSlots,
		"maxSlots":    status.MaxSlots,
	})
	if err := l.bus.Publish(ctx, events.RuntimeHeartbeat, event); err != nil {
		l.logger.Debug("failed to publish runtime heartbeat", zap.Error(err))
	}
}

func (l *Listener) publishStructuredDelta(ctx context.Context, event *store.RunStructuredEvent, delta projection.Delta) {
	deltaType := string(delta)
	if deltaType == "" {
		deltaType = "structured"
	}
	if !l.throttle.Allow(event.RunID, deltaType) {
		return
	}

	published := bus.NewEvent(events.RunDeltaStructured, "runtime-listener", map[string]any{
		"runId":     event.RunID,
		"sequence":  event.Sequence,
		"category":  event.Category,
		"deltaType": deltaType,
	})
	if err := l.bus.Publish(ctx, events.BuildRunDeltaSubject(deltaType, event.RunID), published); err != nil {
		l.logger.Debug("failed to publish structured delta", zap.Error(err))
	}
}

func (l *Listener) publishRunLog(ctx context.Context, event *rpc.JobEventMessage) {
	published := bus.NewEvent(events.RunLogAppended, "runtime-listener", map[string]any{
		"runId":   event.RunID,
		"level":   event.EventType,
		"message": event.Summary,
	})
	if err := l.bus.Publish(ctx, events.BuildRunLogSubject(event.RunID), published); err != nil {
		l.logger.Debug("failed to publish run log", zap.Error(err))
	}
}

func (l *Listener) publishRunCompleted(ctx context.Context, run *store.Run) {
	published := bus.NewEvent(events.RunCompleted, "runtime-listener", map[string]any{
		"runId":        run.ID,
		"taskId":       run.TaskID,
		"state":        run.State,
		"disposition":  run.Disposition,
		"failureClass": run.FailureClass,
		"summary":      run.Summary,
	})
	if err := l.bus.Publish(ctx, events.BuildRunStatusSubject(run.ID), published); err != nil {
		l.logger.Debug("failed to publish run completion", zap.Error(err))
	}
}
