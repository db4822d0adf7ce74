// Package retention performs the periodic, lease-guarded cleanup of aged
// tasks and event rows, with size-pressure deletion when the database
// outgrows its soft limit.
package retention

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/lease"
	"github.com/agentplane/agentplane/internal/store"
)

// LeaseName guards the cleanup so only one orchestrator instance runs it.
const LeaseName = "maintenance-task-cleanup"

const eventPruneBatchSize = 1000

// Reasons reported in the cleanup summary.
const (
	ReasonAgeAndSize = "age-and-size"
	ReasonSizeOnly   = "size-only"
)

// Stores is the slice of the persistence layer cleanup needs.
type Stores interface {
	store.TaskStore
	store.MaintenanceStore
}

// SizeReporter exposes the database size and compaction hooks.
type SizeReporter interface {
	SizeBytes(ctx context.Context) (int64, error)
	Vacuum(ctx context.Context) error
}

// Summary describes one cleanup tick.
type Summary struct {
	Executed       bool   `json:"executed"`
	Reason         string `json:"reason,omitempty"`
	TasksDeleted   int    `json:"tasksDeleted"`
	FailedTasks    int    `json:"failedTasks"`
	InitialBytes   int64  `json:"initialBytes"`
	FinalBytes     int64  `json:"finalBytes"`
	VacuumExecuted bool   `json:"vacuumExecuted"`
}

// Cleaner runs the retention loop.
type Cleaner struct {
	cfg    config.RetentionConfig
	stores Stores
	pool   SizeReporter
	leases *lease.Coordinator
	bus    bus.EventBus
	logger *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.RetentionConfig, stores Stores, pool SizeReporter, leases *lease.Coordinator, eventBus bus.EventBus, log *logger.Logger) *Cleaner {
	return &Cleaner{
		cfg:    cfg,
		stores: stores,
		pool:   pool,
		leases: leases,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "retention")),
		done:   make(chan struct{}),
	}
}

func (c *Cleaner) Start() {
	if !c.cfg.Enabled {
		close(c.done)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
}

func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Cleaner) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := c.RunOnce(ctx)
			if summary.Executed {
				c.logger.Info("retention cleanup finished",
					zap.String("reason", summary.Reason),
					zap.Int("tasks_deleted", summary.TasksDeleted),
					zap.Int("failed_tasks", summary.FailedTasks),
					zap.Int64("initial_bytes", summary.InitialBytes),
					zap.Int64("final_bytes", summary.FinalBytes),
					zap.Bool("vacuum", summary.VacuumExecuted))
			}
		}
	}
}

// RunOnce performs a single cleanup tick under the maintenance lease. A
// tick that loses the lease race reports Executed=false.
func (c *Cleaner) RunOnce(ctx context.Context) Summary {
	var summary Summary

	ttl := 2 * c.cfg.Interval()
	if err := c.leases.Acquire(ctx, LeaseName, ttl); err != nil {
		if !errors.Is(err, store.ErrLeaseHeld) {
			c.logger.Warn("lease acquisition failed", zap.Error(err))
		}
		return summary
	}
	defer func() {
		// Best-effort release; an expired lease is reclaimed anyway.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.leases.Release(releaseCtx, LeaseName); err != nil {
			c.logger.Debug("lease release failed", zap.Error(err))
		}
	}()

	summary.Executed = true
	ageConfigured := c.cfg.RetentionDays > 0 || c.cfg.DisabledInactivityDays > 0

	if size, err := c.pool.SizeBytes(ctx); err == nil {
		summary.InitialBytes = size
	} else {
		c.logger.Debug("size query failed", zap.Error(err))
	}

	var ageRows int64
	ageRows += c.pruneEvents(ctx)
	if ageConfigured {
		ageRows += c.deleteEligibleTasks(ctx, &summary, c.cfg.MaxTasksDeletedPerTick, false)
	}

	pressureRows := c.relieveSizePressure(ctx, &summary)
	deletedRows := ageRows + pressureRows

	// The reason reports which phases actually removed rows; an idle tick
	// falls back to the configured criteria.
	switch {
	case ageRows > 0:
		summary.Reason = ReasonAgeAndSize
	case pressureRows > 0:
		summary.Reason = ReasonSizeOnly
	case ageConfigured:
		summary.Reason = ReasonAgeAndSize
	default:
		summary.Reason = ReasonSizeOnly
	}

	if c.cfg.VacuumMinDeletedRows > 0 && deletedRows >= int64(c.cfg.VacuumMinDeletedRows) {
		if err := c.pool.Vacuum(ctx); err != nil {
			c.logger.Warn("vacuum failed", zap.Error(err))
		} else {
			summary.VacuumExecuted = true
		}
	}

	if size, err := c.pool.SizeBytes(ctx); err == nil {
		summary.FinalBytes = size
	}

	c.publish(ctx, summary)
	return summary
}

// pruneEvents deletes aged structured event rows in bounded batches until
// a batch comes back short.
func (c *Cleaner) pruneEvents(ctx context.Context) int64 {
	if c.cfg.RetentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.RetentionDays)

	var total int64
	for {
		pruned, err := c.stores.PruneStructuredEventsBefore(ctx, cutoff, eventPruneBatchSize)
		if err != nil {
			c.logger.Warn("event prune failed", zap.Error(err))
			return total
		}
		total += pruned
		if pruned < eventPruneBatchSize {
			return total
		}
	}
}

// deleteEligibleTasks cascades away up to limit eligible tasks and returns
// the number of rows removed. With ignoreAge set, any task outside the
// protected window qualifies, used under size pressure.
func (c *Cleaner) deleteEligibleTasks(ctx context.Context, summary *Summary, limit int, ignoreAge bool) int64 {
	if limit <= 0 {
		return 0
	}
	tasks, err := c.stores.ListCleanupEligibleTasks(ctx, store.CleanupCriteria{
		MaxAgeDays:             c.cfg.RetentionDays,
		DisabledInactivityDays: c.cfg.DisabledInactivityDays,
		ProtectedDays:          c.cfg.ProtectedDays,
		ExcludeOpenFindings:    c.cfg.ExcludeOpenFindings,
		IgnoreAge:              ignoreAge,
		Limit:                  limit,
	})
	if err != nil {
		c.logger.Warn("eligible task query failed", zap.Error(err))
		return 0
	}

	var rows int64
	for _, task := range tasks {
		deleted, err := c.stores.DeleteTaskCascade(ctx, task.ID)
		if err != nil {
			summary.FailedTasks++
			c.logger.Warn("task deletion failed",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		summary.TasksDeleted++
		rows += deleted
	}
	return rows
}

// relieveSizePressure deletes eligible tasks in small batches while the
// database sits above the soft limit, stopping at the target size or the
// per-tick deletion cap.
func (c *Cleaner) relieveSizePressure(ctx context.Context, summary *Summary) int64 {
	if c.cfg.SoftLimitBytes <= 0 {
		return 0
	}
	size, err := c.pool.SizeBytes(ctx)
	if err != nil || size < c.cfg.SoftLimitBytes {
		return 0
	}

	target := c.cfg.TargetBytes
	if target <= 0 {
		target = c.cfg.SoftLimitBytes
	}
	batch := c.cfg.PressureBatchSize
	if batch <= 0 {
		batch = 25
	}

	var rows int64
	for size >= target && summary.TasksDeleted < c.cfg.MaxTasksDeletedPerTick {
		before := summary.TasksDeleted
		rows += c.deleteEligibleTasks(ctx, summary, batch, true)
		if summary.TasksDeleted == before {
			// Nothing left eligible; pressure stands until tasks age in.
			break
		}
		size, err = c.pool.SizeBytes(ctx)
		if err != nil {
			break
		}
	}
	return rows
}

func (c *Cleaner) publish(ctx context.Context, summary Summary) {
	event := bus.NewEvent(events.RetentionCleanupComplete, "retention", map[string]any{
		"executed":       summary.Executed,
		"reason":         summary.Reason,
		"tasksDeleted":   summary.TasksDeleted,
		"failedTasks":    summary.FailedTasks,
		"initialBytes":   summary.InitialBytes,
		"finalBytes":     summary.FinalBytes,
		"vacuumExecuted": summary.VacuumExecuted,
	})
	if err := c.bus.Publish(ctx, events.RetentionCleanupComplete, event); err != nil {
		c.logger.Debug("failed to publish cleanup summary", zap.Error(err))
	}
}
