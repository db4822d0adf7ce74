// Package dispatcher places runs onto task runtimes and drains the queued
// backlog.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/lifecycle"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

// Stores is the slice of the persistence layer the dispatcher needs.
type Stores interface {
	store.RunStore
	store.TaskStore
	store.RepositoryStore
}

// RuntimeClientFactory builds an RPC client for a runtime endpoint. Swapped
// out in tests.
type RuntimeClientFactory func(endpoint string) RuntimeClient

// RuntimeClient is the subset of the runtime RPC the dispatcher calls.
type RuntimeClient interface {
	StartCommand(ctx context.Context, req *rpc.StartRuntimeCommandRequest) (*rpc.StartRuntimeCommandResult, error)
}

// Dispatcher selects runtimes for runs and submits them.
type Dispatcher struct {
	cfg       config.RuntimeConfig
	stores    Stores
	lifecycle *lifecycle.Manager
	bus       bus.EventBus
	logger    *logger.Logger

	newClient RuntimeClientFactory

	mu      sync.Mutex
	clients map[string]RuntimeClient // keyed by endpoint
}

func New(cfg config.RuntimeConfig, stores Stores, lm *lifecycle.Manager, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		stores:    stores,
		lifecycle: lm,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
		clients:   make(map[string]RuntimeClient),
	}
	d.newClient = func(endpoint string) RuntimeClient {
		return rpc.NewClient(endpoint, log)
	}
	return d
}

// SetClientFactory overrides how runtime clients are constructed.
func (d *Dispatcher) SetClientFactory(factory RuntimeClientFactory) {
	d.newClient = factory
	d.mu.Lock()
	d.clients = make(map[string]RuntimeClient)
	d.mu.Unlock()
}

func (d *Dispatcher) client(endpoint string) RuntimeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[endpoint]; ok {
		return c
	}
	c := d.newClient(endpoint)
	d.clients[endpoint] = c
	return c
}

// Dispatch places a run on a runtime: pick a Ready or Busy, non-draining
// runtime with a free slot, or provision a new one if the scale-out gate
// allows. On acceptance the run's worker image facts are recorded. A
// failed dispatch returns the error to the caller, which releases the
// claim so the run is re-picked on the next drain tick.
func (d *Dispatcher) Dispatch(ctx context.Context, repo *store.Repository, task *store.Task, run *store.Run) error {
	rt := d.selectRuntime(task.ID)
	if rt == nil {
		var err error
		rt, err = d.lifecycle.EnsureRuntimeForTask(ctx, task, repo, run.ID)
		if err != nil {
			if errors.Is(err, store.ErrNoCapacity) {
				d.logger.WithRunID(run.ID).Debug("scale-out gate closed, run stays queued")
				return err
			}
			return fmt.Errorf("provision runtime for task %s: %w", task.ID, err)
		}
	}

	req := &rpc.StartRuntimeCommandRequest{
		RunID:                 run.ID,
		TaskID:                task.ID,
		RepositoryID:          run.RepositoryID,
		Prompt:                task.Prompt,
		Command:               task.Command,
		ExecutionMode:         run.ExecutionMode,
		StructuredProtocol:    run.StructuredProtocol,
		SessionProfileID:      run.SessionProfileID,
		InstructionStackHash:  run.InstructionStackHash,
		MCPConfigSnapshotJSON: run.MCPConfigSnapshotJSON,
		TimeoutSeconds:        task.TimeoutSeconds,
	}
	if repo != nil {
		branch := buildBranchName(repo, task.ID, run.ID)
		if err := rpc.ValidateBranchName(branch, run.ID); err != nil {
			return fmt.Errorf("branch for run %s: %w", run.ID, err)
		}
		req.Branch = branch
	}

	result, err := d.client(rt.Endpoint).StartCommand(ctx, req)
	if err != nil {
		return fmt.Errorf("submit run %s to runtime %s: %w", run.ID, rt.ID, err)
	}
	if !result.Success {
		return fmt.Errorf("runtime %s rejected run %s: %s", rt.ID, run.ID, result.ErrorMessage)
	}

	imageRef, imageDigest := d.lifecycle.ResolvedImage()
	if err := d.stores.MarkRunStarted(ctx, run.ID, rt.ID, imageRef, imageDigest, "pull"); err != nil {
		return fmt.Errorf("mark run %s started: %w", run.ID, err)
	}
	if err := d.lifecycle.MarkRuntimeActivity(ctx, rt.ID, 1); err != nil {
		d.logger.WithRuntimeID(rt.ID).Debug("failed to bump runtime activity", zap.Error(err))
	}

	d.publishRunState(ctx, run.ID, task.ID, store.RunStateRunning)
	d.logger.WithRunID(run.ID).Info("run dispatched",
		zap.String("runtime_id", rt.ID),
		zap.String("task_id", task.ID),
		zap.Int("attempt", run.Attempt))
	return nil
}

// DispatchNextQueuedRunForTask atomically claims the oldest queued run for
// the task, honoring the task's concurrency limit, and dispatches it.
// Returns false when nothing was claimed.
func (d *Dispatcher) DispatchNextQueuedRunForTask(ctx context.Context, taskID string) (bool, error) {
	task, err := d.stores.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	run, err := d.stores.ClaimOldestQueuedRun(ctx, taskID, task.ConcurrencyLimit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var repo *store.Repository
	if run.RepositoryID != "" {
		repo, err = d.stores.GetRepository(ctx, run.RepositoryID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	if err := d.Dispatch(ctx, repo, task, run); err != nil {
		// Undo the claim so the run goes back to Queued for the next
		// drain tick.
		if releaseErr := d.stores.ReleaseClaimedRun(ctx, run.ID); releaseErr != nil &&
			!errors.Is(releaseErr, store.ErrNotFound) {
			d.logger.WithRunID(run.ID).Warn("failed to release claimed run", zap.Error(releaseErr))
		}
		d.logger.WithRunID(run.ID).Warn("dispatch failed, run requeued", zap.Error(err))
		return false, nil
	}
	return true, nil
}

// selectRuntime ranks the task's candidate runtimes by least active runs,
// then oldest activity. Draining, stopped, and quarantined runtimes never
// take new runs.
func (d *Dispatcher) selectRuntime(taskID string) *store.TaskRuntime {
	var candidates []*store.TaskRuntime
	for _, rt := range d.lifecycle.ListTaskRuntimes() {
		if !strings.EqualFold(rt.TaskID, taskID) {
			continue
		}
		if rt.State != store.RuntimeStateReady && rt.State != store.RuntimeStateBusy {
			continue
		}
		if rt.Endpoint == "" || rt.ActiveRuns >= rt.MaxParallelRuns {
			continue
		}
		candidates = append(candidates, rt)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveRuns != candidates[j].ActiveRuns {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt)
	})
	return candidates[0]
}

func (d *Dispatcher) publishRunState(ctx context.Context, runID, taskID, state string) {
	event := bus.NewEvent(events.RunStateChanged, "dispatcher", map[string]any{
		"runId":  runID,
		"taskId": taskID,
		"state":  state,
	})
	if err := d.bus.Publish(ctx, events.BuildRunStatusSubject(runID), event); err != nil {
		d.logger.Debug("failed to publish run state", zap.Error(err))
	}
}

func taskIDPrefix(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// buildBranchName produces the branch the runtime works on:
// agent/<repoShortName>/<taskId-prefix>/<runId>. The short name is
// sanitized so the result always satisfies the branch contract.
func buildBranchName(repo *store.Repository, taskID, runID string) string {
	short := strings.ReplaceAll(strings.TrimSpace(repo.ShortName), "/", "-")
	if short == "" {
		short = "repo"
	}
	return fmt.Sprintf("agent/%s/%s/%s", short, taskIDPrefix(taskID), runID)
}

// Drainer periodically picks up queued runs, one dispatch attempt per task
// per tick, stopping early when nothing is accepted.
type Drainer struct {
	dispatcher *Dispatcher
	stores     Stores
	interval   time.Duration
	logger     *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDrainer(d *Dispatcher, stores Stores, interval time.Duration, log *logger.Logger) *Drainer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Drainer{
		dispatcher: d,
		stores:     stores,
		interval:   interval,
		logger:     log.WithFields(zap.String("component", "queue-drainer")),
		done:       make(chan struct{}),
	}
}

func (dr *Drainer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	dr.cancel = cancel
	go dr.loop(ctx)
}

func (dr *Drainer) Stop() {
	if dr.cancel != nil {
		dr.cancel()
		<-dr.done
	}
}

func (dr *Drainer) loop(ctx context.Context) {
	defer close(dr.done)

	ticker := time.NewTicker(dr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dr.DrainOnce(ctx)
		}
	}
}

// DrainOnce makes one dispatch attempt per task with queued runs. Errors
// are logged and never abort the tick.
func (dr *Drainer) DrainOnce(ctx context.Context) {
	taskIDs, err := dr.stores.ListQueuedTaskIDs(ctx)
	if err != nil {
		dr.logger.Warn("failed to list queued tasks", zap.Error(err))
		return
	}

	accepted := 0
	for _, taskID := range taskIDs {
		ok, err := dr.dispatcher.DispatchNextQueuedRunForTask(ctx, taskID)
		if err != nil {
			dr.logger.Warn("queue drain dispatch error",
				zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if ok {
			accepted++
		}
	}

	if accepted > 0 {
		dr.logger.Debug("queue drain tick", zap.Int("accepted", accepted))
	}
}
