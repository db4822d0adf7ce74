package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/docker"
	"github.com/agentplane/agentplane/internal/store"
)

// startWindow gates runtime scale-out by counting start attempts and failed
// starts over a rolling window. When either limit is hit the gate closes
// for a cooldown.
type startWindow struct {
	mu            sync.Mutex
	window        time.Duration
	maxStarts     int
	maxFailures   int
	cooldown      time.Duration
	attempts      []time.Time
	failures      []time.Time
	cooldownUntil time.Time
}

func newStartWindow(window time.Duration, maxStarts, maxFailures int, cooldown time.Duration) *startWindow {
	return &startWindow{
		window:      window,
		maxStarts:   maxStarts,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

func (w *startWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Before(w.cooldownUntil) {
		return false
	}
	w.attempts = pruneBefore(w.attempts, now.Add(-w.window))
	w.failures = pruneBefore(w.failures, now.Add(-w.window))

	if w.maxStarts > 0 && len(w.attempts) >= w.maxStarts {
		w.cooldownUntil = now.Add(w.cooldown)
		return false
	}
	if w.maxFailures > 0 && len(w.failures) >= w.maxFailures {
		w.cooldownUntil = now.Add(w.cooldown)
		return false
	}
	return true
}

func (w *startWindow) recordAttempt() {
	w.mu.Lock()
	w.attempts = append(w.attempts, time.Now())
	w.mu.Unlock()
}

func (w *startWindow) recordFailure() {
	w.mu.Lock()
	w.failures = append(w.failures, time.Now())
	w.mu.Unlock()
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// CanProvision reports whether the scale-out gate currently admits a new
// runtime start.
func (m *Manager) CanProvision() bool {
	m.mu.RLock()
	count := len(m.runtimes)
	m.mu.RUnlock()

	if m.cfg.MaxRuntimes > 0 && count >= m.cfg.MaxRuntimes {
		return false
	}
	return m.startWindow.allow()
}

// EnsureTaskRuntimeImageAvailable resolves and pulls the configured runtime
// image. Called once at startup in the background; holds the full gate so
// no container operation runs while the pull is in flight.
func (m *Manager) EnsureTaskRuntimeImageAvailable(ctx context.Context) error {
	if err := m.ops.Acquire(ctx, imageOpWeight); err != nil {
		return err
	}
	defer m.ops.Release(imageOpWeight)

	if err := m.docker.PullImage(ctx, m.cfg.Image); err != nil {
		return fmt.Errorf("ensure runtime image: %w", err)
	}

	digest, err := m.docker.ImageDigest(ctx, m.cfg.Image)
	if err != nil {
		m.logger.Warn("failed to resolve image digest", zap.Error(err))
	}
	m.imageMu.Lock()
	m.imageDigest = digest
	m.imageMu.Unlock()

	return nil
}

// ResolvedImage returns the configured image ref and its digest, if known.
func (m *Manager) ResolvedImage() (ref, digest string) {
	m.imageMu.Lock()
	defer m.imageMu.Unlock()
	return m.cfg.Image, m.imageDigest
}

// EnsureRuntimeForTask returns the task's runtime, provisioning a container
// when none exists. There is at most one runtime per task. initiatingRunID
// is stamped on the container labels for the orphan reconciler.
func (m *Manager) EnsureRuntimeForTask(ctx context.Context, task *store.Task, repo *store.Repository, initiatingRunID string) (*store.TaskRuntime, error) {
	if existing := m.GetTaskRuntimeByTaskID(task.ID); existing != nil &&
		existing.State != store.RuntimeStateStopped && existing.State != store.RuntimeStateQuarantined {
		return existing, nil
	}

	if !m.CanProvision() {
		return nil, store.ErrNoCapacity
	}
	m.startWindow.recordAttempt()

	rt, err := m.provision(ctx, task, repo, initiatingRunID)
	if err != nil {
		m.startWindow.recordFailure()
		return nil, err
	}
	return rt, nil
}

func (m *Manager) provision(ctx context.Context, task *store.Task, repo *store.Repository, initiatingRunID string) (*store.TaskRuntime, error) {
	if err := m.ops.Acquire(ctx, containerOpWeight); err != nil {
		return nil, err
	}
	defer m.ops.Release(containerOpWeight)

	m.retireStoppedRuntimes(ctx, task.ID)

	coldStart := time.Now()
	id := uuid.New().String()
	workspacePath := filepath.Join(m.cfg.WorkspaceBasePath, id)
	homePath := filepath.Join(m.cfg.RuntimeHomeBasePath, id)

	rt := &store.TaskRuntime{
		ID:              id,
		TaskID:          task.ID,
		State:           store.RuntimeStateProvisioning,
		MaxParallelRuns: m.cfg.MaxParallelRuns,
		WorkspacePath:   workspacePath,
		RuntimeHomePath: homePath,
		LastActivityAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.runtimes[runtimeKey(id)] = rt
	m.mu.Unlock()

	repoID := ""
	if repo != nil {
		repoID = repo.ID
	}
	containerID, err := m.docker.CreateContainer(ctx, docker.ContainerConfig{
		Name:  fmt.Sprintf("agentplane-runtime-%s", id[:8]),
		Image: m.cfg.Image,
		Labels: map[string]string{
			docker.LabelManagedBy: docker.LabelManagedByValue,
			docker.LabelRunID:     initiatingRunID,
			docker.LabelTaskID:    task.ID,
			docker.LabelRepoID:    repoID,
		},
		Mounts: []docker.MountConfig{
			{Source: workspacePath, Target: "/workspace"},
			{Source: homePath, Target: "/home/agent"},
		},
	})
	if err != nil {
		m.failProvision(ctx, id, err)
		return nil, fmt.Errorf("create runtime container: %w", err)
	}

	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		m.failProvision(ctx, id, err)
		return nil, fmt.Errorf("start runtime container: %w", err)
	}

	ip, err := m.docker.GetContainerIP(ctx, containerID)
	if err != nil {
		m.failProvision(ctx, id, err)
		return nil, fmt.Errorf("resolve runtime endpoint: %w", err)
	}
	endpoint := fmt.Sprintf("http://%s:%d", ip, runtimePort)

	m.mu.Lock()
	if current, ok := m.runtimes[runtimeKey(id)]; ok {
		current.ContainerID = containerID
		current.Endpoint = endpoint
		current.State = store.RuntimeStateReady
		current.ColdStartMillis = time.Since(coldStart).Milliseconds()
		current.LastActivityAt = time.Now().UTC()
		rt = current
	}
	m.mu.Unlock()

	if err := m.persistRuntime(ctx, id); err != nil {
		return nil, err
	}

	event := bus.NewEvent(events.RuntimeProvisioned, "runtime-lifecycle", map[string]any{
		"runtimeId":       id,
		"taskId":          task.ID,
		"endpoint":        endpoint,
		"coldStartMillis": rt.ColdStartMillis,
	})
	if err := m.bus.Publish(ctx, events.BuildRuntimeStateSubject(id), event); err != nil {
		m.logger.Debug("failed to publish runtime provisioned", zap.Error(err))
	}

	m.logger.WithRuntimeID(id).Info("runtime provisioned",
		zap.String("task_id", task.ID),
		zap.String("endpoint", endpoint),
		zap.Int64("cold_start_ms", rt.ColdStartMillis))

	snapshot := *rt
	return &snapshot, nil
}

// failProvision records a provisioning failure. The runtime stays in
// Provisioning with lastError set until a later attempt replaces it.
func (m *Manager) failProvision(ctx context.Context, id string, cause error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[runtimeKey(id)]; ok {
		rt.LastError = cause.Error()
	}
	m.mu.Unlock()
	if err := m.persistRuntime(ctx, id); err != nil {
		m.logger.WithRuntimeID(id).Warn("failed to persist provisioning failure", zap.Error(err))
	}
}

// RestartTaskRuntime stops and starts the runtime's existing container.
func (m *Manager) RestartTaskRuntime(ctx context.Context, id string) error {
	rt := m.GetTaskRuntime(id)
	if rt == nil {
		return store.ErrNotFound
	}
	if rt.ContainerID == "" {
		return fmt.Errorf("runtime %s has no container", id)
	}

	if err := m.ops.Acquire(ctx, containerOpWeight); err != nil {
		return err
	}
	defer m.ops.Release(containerOpWeight)

	if err := m.docker.StopContainer(ctx, rt.ContainerID, m.stopTimeout); err != nil {
		return err
	}
	if err := m.docker.StartContainer(ctx, rt.ContainerID); err != nil {
		return err
	}

	m.mu.Lock()
	if current, ok := m.runtimes[runtimeKey(id)]; ok {
		current.RestartCount++
		current.State = store.RuntimeStateProvisioning
		current.ActiveRuns = 0
		current.LastActivityAt = time.Now().UTC()
		current.LastError = ""
	}
	m.mu.Unlock()

	m.publishStateChange(id)
	return m.persistRuntime(ctx, id)
}

// RecycleTaskRuntime removes the container and provisions a fresh one for
// the same task with the currently resolved image.
func (m *Manager) RecycleTaskRuntime(ctx context.Context, id string) error {
	rt := m.GetTaskRuntime(id)
	if rt == nil {
		return store.ErrNotFound
	}

	task, err := m.stores.GetTask(ctx, rt.TaskID)
	if err != nil {
		return fmt.Errorf("load task for recycle: %w", err)
	}
	var repo *store.Repository
	if task.RepositoryID != "" {
		repo, _ = m.stores.GetRepository(ctx, task.RepositoryID)
	}

	if err := m.removeRuntime(ctx, rt); err != nil {
		return err
	}

	_, err = m.provision(ctx, task, repo, "")
	return err
}

// StopTaskRuntime stops the container and marks the runtime Stopped. The
// container id is released.
func (m *Manager) StopTaskRuntime(ctx context.Context, id string) error {
	rt := m.GetTaskRuntime(id)
	if rt == nil {
		return store.ErrNotFound
	}

	if rt.ContainerID != "" {
		if err := m.ops.Acquire(ctx, containerOpWeight); err != nil {
			return err
		}
		err := m.docker.StopContainer(ctx, rt.ContainerID, m.stopTimeout)
		if err == nil {
			err = m.docker.RemoveContainer(ctx, rt.ContainerID, false)
		}
		m.ops.Release(containerOpWeight)
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	if current, ok := m.runtimes[runtimeKey(id)]; ok {
		current.State = store.RuntimeStateStopped
		current.ContainerID = ""
		current.Endpoint = ""
		current.ActiveRuns = 0
	}
	m.mu.Unlock()

	event := bus.NewEvent(events.RuntimeStopped, "runtime-lifecycle", map[string]any{
		"runtimeId": id,
		"taskId":    rt.TaskID,
	})
	if err := m.bus.Publish(ctx, events.BuildRuntimeStateSubject(id), event); err != nil {
		m.logger.Debug("failed to publish runtime stopped", zap.Error(err))
	}

	return m.persistRuntime(ctx, id)
}

// removeRuntime force-removes the container and drops the runtime row.
func (m *Manager) removeRuntime(ctx context.Context, rt *store.TaskRuntime) error {
	if rt.ContainerID != "" {
		if err := m.ops.Acquire(ctx, containerOpWeight); err != nil {
			return err
		}
		err := m.docker.RemoveContainer(ctx, rt.ContainerID, true)
		m.ops.Release(containerOpWeight)
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.runtimes, runtimeKey(rt.ID))
	m.mu.Unlock()

	return m.stores.DeleteTaskRuntime(ctx, rt.ID)
}
