package listener

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/store"
)

const maxRetryDelay = 300 * time.Second

// retryScheduler creates follow-up attempts for failed runs. Scheduling is
// fire-and-forget so it never blocks the completion pipeline.
type retryScheduler struct {
	stores     Stores
	dispatcher Dispatcher
	bus        bus.EventBus
	logger     *logger.Logger

	// baseCtx scopes pending retries to the listener lifetime rather than
	// any single connection.
	baseCtx context.Context

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func newRetryScheduler(stores Stores, dispatcher Dispatcher, eventBus bus.EventBus, log *logger.Logger) *retryScheduler {
	return &retryScheduler{
		stores:     stores,
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "retry-scheduler")),
		baseCtx:    context.Background(),
		sleep:      sleepCtx,
	}
}

// RetryDelay computes the backoff before the given attempt's retry:
// base * multiplier^(attempt-1), capped at five minutes.
func RetryDelay(policy store.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelaySeconds
	if base <= 0 {
		base = 1
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := time.Duration(base*math.Pow(multiplier, float64(attempt-1))*float64(time.Second))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// MaybeSchedule starts a retry for a failed run when the task's policy has
// attempts left.
func (r *retryScheduler) MaybeSchedule(ctx context.Context, failed *store.Run) {
	task, err := r.stores.GetTask(ctx, failed.TaskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.WithRunID(failed.ID).Debug("retry policy lookup failed", zap.Error(err))
		}
		return
	}
	if failed.Attempt >= task.RetryPolicy.MaxAttempts {
		return
	}

	delay := RetryDelay(task.RetryPolicy, failed.Attempt)
	r.logger.WithRunID(failed.ID).Info("retry scheduled",
		zap.Int("attempt", failed.Attempt+1),
		zap.Int("max_attempts", task.RetryPolicy.MaxAttempts),
		zap.Duration("delay", delay))

	// Detach from the completion pipeline; cancellation of the listener
	// context abandons pending retries cooperatively.
	go r.run(r.baseCtx, failed, delay)
}

func (r *retryScheduler) run(ctx context.Context, failed *store.Run, delay time.Duration) {
	if !r.sleep(ctx, delay) {
		return
	}

	retry := &store.Run{
		RepositoryID:          failed.RepositoryID,
		TaskID:                failed.TaskID,
		State:                 store.RunStateQueued,
		Attempt:               failed.Attempt + 1,
		ExecutionMode:         failed.ExecutionMode,
		StructuredProtocol:    failed.StructuredProtocol,
		SessionProfileID:      failed.SessionProfileID,
		InstructionStackHash:  failed.InstructionStackHash,
		MCPConfigSnapshotJSON: failed.MCPConfigSnapshotJSON,
		AutomationRunID:       failed.AutomationRunID,
	}
	if err := r.stores.CreateRun(ctx, retry); err != nil {
		r.logger.WithRunID(failed.ID).Warn("failed to create retry run", zap.Error(err))
		return
	}

	event := bus.NewEvent(events.RunRetryQueued, "retry-scheduler", map[string]any{
		"runId":         retry.ID,
		"taskId":        retry.TaskID,
		"attempt":       retry.Attempt,
		"previousRunId": failed.ID,
	})
	if err := r.bus.Publish(ctx, events.BuildRunStatusSubject(retry.ID), event); err != nil {
		r.logger.Debug("failed to publish retry event", zap.Error(err))
	}

	if _, err := r.dispatcher.DispatchNextQueuedRunForTask(ctx, retry.TaskID); err != nil {
		r.logger.WithRunID(retry.ID).Debug("retry dispatch failed, run stays queued", zap.Error(err))
	}
}
