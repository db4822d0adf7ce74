// Package lifecycle owns the set of task runtimes and their containers. It
// is the only writer of TaskRuntime state; every other component reads
// snapshots through the directory methods.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/docker"
	"github.com/agentplane/agentplane/internal/store"
)

// Port the runtime control server listens on inside the container.
const runtimePort = 8700

// Weights on the operations gate. Image operations take the whole gate so
// a pull never runs concurrently with container churn.
const (
	gateCapacity        = 2
	imageOpWeight       = 2
	containerOpWeight   = 1
	scaleDownTickPeriod = time.Minute
)

// Manager creates, tracks, and tears down task runtime containers.
type Manager struct {
	cfg         config.RuntimeConfig
	stopTimeout time.Duration

	docker *docker.Client
	stores Stores
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	runtimes map[string]*store.TaskRuntime // keyed by lower-cased runtime id

	ops *semaphore.Weighted

	startWindow *startWindow

	imageDigest string
	imageMu     sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Stores is the slice of the persistence layer the manager needs.
type Stores interface {
	store.RuntimeStore
	store.TaskStore
	store.RepositoryStore
}

func NewManager(cfg config.RuntimeConfig, dockerCfg config.DockerConfig, dockerClient *docker.Client, stores Stores, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		stopTimeout: dockerCfg.StopTimeoutDuration(),
		docker:      dockerClient,
		stores:      stores,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "runtime-lifecycle")),
		runtimes:    make(map[string]*store.TaskRuntime),
		ops:         semaphore.NewWeighted(gateCapacity),
		startWindow: newStartWindow(
			time.Duration(cfg.StartWindowSeconds)*time.Second,
			cfg.MaxStartsPerWindow,
			cfg.MaxFailedStarts,
			time.Duration(cfg.CooldownSeconds)*time.Second,
		),
		done: make(chan struct{}),
	}
}

// Start loads persisted runtimes into the directory and begins the idle
// scale-down loop.
func (m *Manager) Start(ctx context.Context) error {
	persisted, err := m.stores.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("load persisted runtimes: %w", err)
	}

	m.mu.Lock()
	for _, rt := range persisted {
		m.runtimes[runtimeKey(rt.ID)] = rt
	}
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.scaleDownLoop(loopCtx)

	m.logger.Info("runtime lifecycle manager started", zap.Int("known_runtimes", len(persisted)))
	return nil
}

// Stop halts background loops. Containers are left running; recovery deals
// with them on the next startup.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// ListTaskRuntimes returns a snapshot of all known runtimes.
func (m *Manager) ListTaskRuntimes() []*store.TaskRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*store.TaskRuntime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		copied := *rt
		result = append(result, &copied)
	}
	return result
}

// GetTaskRuntime returns a snapshot of a runtime, or nil if unknown.
func (m *Manager) GetTaskRuntime(id string) *store.TaskRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.runtimes[runtimeKey(id)]
	if !ok {
		return nil
	}
	copied := *rt
	return &copied
}

// GetTaskRuntimeByTaskID returns the runtime owned by a task, or nil. A
// live runtime always wins over a Stopped or Quarantined leftover, so map
// iteration order never decides which row a caller sees.
func (m *Manager) GetTaskRuntimeByTaskID(taskID string) *store.TaskRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fallback *store.TaskRuntime
	for _, rt := range m.runtimes {
		if !strings.EqualFold(rt.TaskID, taskID) {
			continue
		}
		if rt.State != store.RuntimeStateStopped && rt.State != store.RuntimeStateQuarantined {
			copied := *rt
			return &copied
		}
		if fallback == nil || rt.ID < fallback.ID {
			copied := *rt
			fallback = &copied
		}
	}
	return fallback
}

// ReportTaskRuntimeHeartbeat refreshes the in-memory view from a heartbeat
// and persists the registration row.
func (m *Manager) ReportTaskRuntimeHeartbeat(ctx context.Context, id string, activeSlots, maxSlots int) error {
	now := time.Now().UTC()

	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(id)]
	if ok {
		rt.ActiveRuns = activeSlots
		if maxSlots > 0 {
			rt.MaxParallelRuns = maxSlots
		}
		rt.LastActivityAt = now
		if rt.State == store.RuntimeStateProvisioning {
			rt.State = store.RuntimeStateReady
		}
		if rt.State == store.RuntimeStateReady && activeSlots > 0 {
			rt.State = store.RuntimeStateBusy
		}
		if rt.State == store.RuntimeStateBusy && activeSlots == 0 {
			rt.State = store.RuntimeStateReady
		}
	}
	m.mu.Unlock()

	if !ok {
		return store.ErrNotFound
	}

	if err := m.persistRuntime(ctx, id); err != nil {
		return err
	}
	return m.stores.UpsertRegistration(ctx, &store.TaskRuntimeRegistration{
		RuntimeID:       id,
		ActiveSlots:     activeSlots,
		MaxSlots:        maxSlots,
		Online:          true,
		LastHeartbeatAt: now,
	})
}

// SetTaskRuntimeDraining toggles the draining flag. A draining runtime
// finishes its active runs but accepts no new ones.
func (m *Manager) SetTaskRuntimeDraining(ctx context.Context, id string, draining bool) error {
	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(id)]
	if ok {
		if draining {
			rt.State = store.RuntimeStateDraining
		} else if rt.State == store.RuntimeStateDraining {
			if rt.ActiveRuns > 0 {
				rt.State = store.RuntimeStateBusy
			} else {
				rt.State = store.RuntimeStateReady
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return store.ErrNotFound
	}

	m.publishStateChange(id)
	return m.persistRuntime(ctx, id)
}

// QuarantineTaskRuntime drains the runtime and marks it Quarantined. A
// quarantined runtime is left for operator inspection; the dispatcher and
// health remediation both ignore it.
func (m *Manager) QuarantineTaskRuntime(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(id)]
	if ok {
		rt.State = store.RuntimeStateQuarantined
		rt.LastError = reason
	}
	m.mu.Unlock()

	if !ok {
		return store.ErrNotFound
	}

	m.publishStateChange(id)
	return m.persistRuntime(ctx, id)
}

// MarkRuntimeActivity bumps lastActivity, used when a run is placed.
func (m *Manager) MarkRuntimeActivity(ctx context.Context, id string, activeDelta int) error {
	m.mu.Lock()
	rt, ok := m.runtimes[runtimeKey(id)]
	if ok {
		rt.ActiveRuns += activeDelta
		if rt.ActiveRuns < 0 {
			rt.ActiveRuns = 0
		}
		rt.LastActivityAt = time.Now().UTC()
		if rt.State == store.RuntimeStateReady && rt.ActiveRuns > 0 {
			rt.State = store.RuntimeStateBusy
		}
		if rt.State == store.RuntimeStateBusy && rt.ActiveRuns == 0 {
			rt.State = store.RuntimeStateReady
		}
	}
	m.mu.Unlock()

	if !ok {
		return store.ErrNotFound
	}
	return m.persistRuntime(ctx, id)
}

// ScaleDownIdleTaskRuntimes stops runtimes that have sat idle past the
// configured timeout, keeping the minimum warm count alive.
func (m *Manager) ScaleDownIdleTaskRuntimes(ctx context.Context) {
	idleCutoff := time.Now().UTC().Add(-m.cfg.IdleTimeout())

	m.mu.RLock()
	var idle []*store.TaskRuntime
	live := 0
	for _, rt := range m.runtimes {
		switch rt.State {
		case store.RuntimeStateReady, store.RuntimeStateBusy, store.RuntimeStateDraining:
			live++
		}
		if rt.ActiveRuns == 0 &&
			(rt.State == store.RuntimeStateReady || rt.State == store.RuntimeStateDraining) &&
			rt.LastActivityAt.Before(idleCutoff) {
			copied := *rt
			idle = append(idle, &copied)
		}
	}
	m.mu.RUnlock()

	for _, rt := range idle {
		if live <= m.cfg.MinWarmRuntimes {
			return
		}
		if err := m.StopTaskRuntime(ctx, rt.ID); err != nil {
			m.logger.WithRuntimeID(rt.ID).Warn("idle scale-down failed", zap.Error(err))
			continue
		}
		live--
		m.logger.WithRuntimeID(rt.ID).Info("idle runtime stopped",
			zap.Time("last_activity", rt.LastActivityAt))
	}
}

func (m *Manager) scaleDownLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(scaleDownTickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ScaleDownIdleTaskRuntimes(ctx)
		}
	}
}

// retireStoppedRuntimes drops Stopped leftovers for a task. Called before
// a replacement is provisioned so at most one runtime row exists per task.
func (m *Manager) retireStoppedRuntimes(ctx context.Context, taskID string) {
	m.mu.Lock()
	var retired []string
	for key, rt := range m.runtimes {
		if strings.EqualFold(rt.TaskID, taskID) && rt.State == store.RuntimeStateStopped {
			retired = append(retired, rt.ID)
			delete(m.runtimes, key)
		}
	}
	m.mu.Unlock()

	for _, id := range retired {
		if err := m.stores.DeleteTaskRuntime(ctx, id); err != nil {
			m.logger.WithRuntimeID(id).Warn("failed to delete stopped runtime row", zap.Error(err))
		}
	}
}

// persistRuntime writes the current in-memory row for id to the store.
func (m *Manager) persistRuntime(ctx context.Context, id string) error {
	m.mu.RLock()
	rt, ok := m.runtimes[runtimeKey(id)]
	var copied store.TaskRuntime
	if ok {
		copied = *rt
	}
	m.mu.RUnlock()

	if !ok {
		return store.ErrNotFound
	}
	return m.stores.UpsertTaskRuntime(ctx, &copied)
}

func (m *Manager) publishStateChange(id string) {
	rt := m.GetTaskRuntime(id)
	if rt == nil {
		return
	}
	event := bus.NewEvent(events.RuntimeStateChanged, "runtime-lifecycle", map[string]any{
		"runtimeId":  rt.ID,
		"taskId":     rt.TaskID,
		"state":      rt.State,
		"activeRuns": rt.ActiveRuns,
	})
	if err := m.bus.Publish(context.Background(), events.BuildRuntimeStateSubject(rt.ID), event); err != nil {
		m.logger.Debug("failed to publish runtime state change", zap.Error(err))
	}
}

func runtimeKey(id string) string {
	return strings.ToLower(id)
}
