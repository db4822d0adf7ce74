// Package recovery reconciles run and container state after restarts and
// sweeps for runs the runtimes have silently abandoned.
package recovery

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/docker"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

// Stores is the slice of the persistence layer recovery needs.
type Stores interface {
	store.RunStore
	store.RuntimeStore
}

// Containers is the docker surface used for orphan reconciliation and
// forced termination.
type Containers interface {
	ListManagedContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
	KillContainer(ctx context.Context, containerID string, signal string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// Canceller requests cooperative cancellation of a run on its runtime.
type Canceller interface {
	CancelCommand(ctx context.Context, req *rpc.CancelRuntimeCommandRequest) (*rpc.CancelRuntimeCommandResult, error)
}

// CancellerFactory builds a canceller per endpoint. Swapped out in tests.
type CancellerFactory func(endpoint string) Canceller

// SweepResult summarises one recovery pass.
type SweepResult struct {
	OrphanedRuns      int `json:"orphanedRuns"`
	OrphanContainers  int `json:"orphanContainers"`
	StaleRuns         int `json:"staleRuns"`
	ZombieRuns        int `json:"zombieRuns"`
	OverdueRuns       int `json:"overdueRuns"`
	TerminationErrors int `json:"terminationErrors"`
}

// Manager runs the startup reconciliation and the periodic sweep.
type Manager struct {
	cfg        config.RecoveryConfig
	stores     Stores
	containers Containers
	bus        bus.EventBus
	logger     *logger.Logger

	newCanceller CancellerFactory

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.RecoveryConfig, stores Stores, containers Containers, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		stores:     stores,
		containers: containers,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "recovery")),
		done:       make(chan struct{}),
	}
	m.newCanceller = func(endpoint string) Canceller {
		return rpc.NewClient(endpoint, log)
	}
	return m
}

// SetCancellerFactory overrides runtime client construction, used by tests.
func (m *Manager) SetCancellerFactory(factory CancellerFactory) { m.newCanceller = factory }

// Start performs the startup reconciliation, then begins the periodic
// sweep loop when recovery is enabled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RecoverOrphanedRuns(ctx); err != nil {
		return err
	}
	if err := m.ReconcileOrphanedContainers(ctx); err != nil {
		m.logger.Warn("orphan container reconciliation failed", zap.Error(err))
	}

	if !m.cfg.Enabled {
		close(m.done)
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.loop(loopCtx)
	return nil
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// RecoverOrphanedRuns fails every run still marked Running. A run found
// Running at startup has no live connection feeding it; its completion
// event, if any, was lost with the previous process.
func (m *Manager) RecoverOrphanedRuns(ctx context.Context) error {
	running, err := m.stores.ListRunsByState(ctx, store.RunStateRunning)
	if err != nil {
		return err
	}

	for _, run := range running {
		if err := m.failRun(ctx, run, store.FailureClassOrphanRecovery,
			"run orphaned by orchestrator restart"); err != nil {
			m.logger.WithRunID(run.ID).Warn("orphan recovery failed", zap.Error(err))
		}
	}

	if len(running) > 0 {
		m.logger.Info("orphaned runs recovered", zap.Int("count", len(running)))
	}
	return nil
}

// ReconcileOrphanedContainers removes managed containers whose run label
// no database row accounts for.
func (m *Manager) ReconcileOrphanedContainers(ctx context.Context) error {
	containers, err := m.containers.ListManagedContainers(ctx, nil)
	if err != nil {
		return err
	}

	knownIDs, err := m.stores.ListKnownRunIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		known[strings.ToLower(id)] = struct{}{}
	}

	removed := 0
	for _, c := range containers {
		runID := c.Labels[docker.LabelRunID]
		if runID == "" {
			continue
		}
		if _, ok := known[strings.ToLower(runID)]; ok {
			continue
		}
		if err := m.containers.RemoveContainer(ctx, c.ID, true); err != nil {
			m.logger.Warn("failed to remove orphan container",
				zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		removed++
		m.logger.Info("orphan container removed",
			zap.String("container_id", c.ID), zap.String("run_id", runID))
	}

	if removed > 0 {
		m.logger.Info("orphan containers reconciled", zap.Int("removed", removed))
	}
	return nil
}

// Sweep runs one detection pass over the live run population.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	now := time.Now().UTC()

	result.StaleRuns, result.TerminationErrors = m.detectStale(ctx, now)

	zombies, errs := m.detectZombies(ctx, now)
	result.ZombieRuns = zombies
	result.TerminationErrors += errs

	overdue, errs := m.detectOverdue(ctx, now)
	result.OverdueRuns = overdue
	result.TerminationErrors += errs

	event := bus.NewEvent(events.RecoverySweepCompleted, "recovery", map[string]any{
		"staleRuns":         result.StaleRuns,
		"zombieRuns":        result.ZombieRuns,
		"overdueRuns":       result.OverdueRuns,
		"terminationErrors": result.TerminationErrors,
	})
	if err := m.bus.Publish(ctx, events.RecoverySweepCompleted, event); err != nil {
		m.logger.Debug("failed to publish sweep event", zap.Error(err))
	}
	return result
}

// detectStale soft-terminates runs with no activity past the stale
// threshold: cancellation is requested cooperatively, then the run is
// failed.
func (m *Manager) detectStale(ctx context.Context, now time.Time) (count, errs int) {
	cutoff := now.Add(-time.Duration(m.cfg.StaleRunThresholdMinutes) * time.Minute)
	stale, err := m.stores.ListRunningWithoutActivitySince(ctx, cutoff)
	if err != nil {
		m.logger.Warn("stale run query failed", zap.Error(err))
		return 0, 0
	}

	zombieCutoff := now.Add(-time.Duration(m.cfg.ZombieRunThresholdMinutes) * time.Minute)
	for _, run := range stale {
		// Past the zombie threshold the run is handled by the forced path.
		if lastActivity(run).Before(zombieCutoff) {
			continue
		}
		if err := m.terminate(ctx, run, store.FailureClassStaleRun, false); err != nil {
			errs++
			continue
		}
		count++
	}
	return count, errs
}

// detectZombies force-kills runs silent past the zombie threshold.
func (m *Manager) detectZombies(ctx context.Context, now time.Time) (count, errs int) {
	cutoff := now.Add(-time.Duration(m.cfg.ZombieRunThresholdMinutes) * time.Minute)
	zombies, err := m.stores.ListRunningWithoutActivitySince(ctx, cutoff)
	if err != nil {
		m.logger.Warn("zombie run query failed", zap.Error(err))
		return 0, 0
	}

	for _, run := range zombies {
		if err := m.terminate(ctx, run, store.FailureClassZombieRun, true); err != nil {
			errs++
			continue
		}
		count++
	}
	return count, errs
}

// detectOverdue force-kills runs older than the absolute age ceiling,
// regardless of activity.
func (m *Manager) detectOverdue(ctx context.Context, now time.Time) (count, errs int) {
	cutoff := now.Add(-time.Duration(m.cfg.MaxRunAgeHours) * time.Hour)
	overdue, err := m.stores.ListRunningStartedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("overdue run query failed", zap.Error(err))
		return 0, 0
	}

	for _, run := range overdue {
		if err := m.terminate(ctx, run, store.FailureClassOverdueRun, true); err != nil {
			errs++
			continue
		}
		count++
	}
	return count, errs
}

// terminate stops a run's execution and fails it with the given class.
// Soft termination asks the runtime to cancel; forced termination kills
// the container outright.
func (m *Manager) terminate(ctx context.Context, run *store.Run, failureClass string, force bool) error {
	rt, err := m.stores.GetTaskRuntime(ctx, run.RuntimeID)
	if err == nil && rt != nil {
		if force && rt.ContainerID != "" {
			if err := m.containers.KillContainer(ctx, rt.ContainerID, "SIGKILL"); err != nil {
				m.logger.WithRunID(run.ID).Warn("container kill failed", zap.Error(err))
			}
		} else if !force && rt.Endpoint != "" {
			cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, cancelErr := m.newCanceller(rt.Endpoint).CancelCommand(cancelCtx, &rpc.CancelRuntimeCommandRequest{RunID: run.ID})
			cancel()
			if cancelErr != nil {
				m.logger.WithRunID(run.ID).Debug("cancel request failed", zap.Error(cancelErr))
			}
		}
	}

	return m.failRun(ctx, run, failureClass, terminationSummary(failureClass))
}

func terminationSummary(failureClass string) string {
	switch failureClass {
	case store.FailureClassStaleRun:
		return "run terminated after prolonged inactivity"
	case store.FailureClassZombieRun:
		return "run force-terminated as unresponsive"
	case store.FailureClassOverdueRun:
		return "run terminated after exceeding the maximum age"
	default:
		return "run terminated by recovery"
	}
}

// failRun applies the terminal outcome and publishes the completion. A
// run that raced to terminal in the meantime is left alone.
func (m *Manager) failRun(ctx context.Context, run *store.Run, failureClass, summary string) error {
	updated, err := m.stores.MarkRunCompleted(ctx, run.ID, store.RunCompletion{
		State:        store.RunStateFailed,
		Summary:      summary,
		FailureClass: failureClass,
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	event := bus.NewEvent(events.RunCompleted, "recovery", map[string]any{
		"runId":        updated.ID,
		"taskId":       updated.TaskID,
		"state":        updated.State,
		"failureClass": updated.FailureClass,
		"summary":      updated.Summary,
	})
	if err := m.bus.Publish(ctx, events.BuildRunStatusSubject(updated.ID), event); err != nil {
		m.logger.Debug("failed to publish recovery completion", zap.Error(err))
	}

	m.logger.WithRunID(run.ID).Info("run failed by recovery",
		zap.String("failure_class", failureClass))
	return nil
}

func lastActivity(run *store.Run) time.Time {
	if run.LastActivityAt != nil {
		return *run.LastActivityAt
	}
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}
