// Package listener maintains one streaming subscription per live task
// runtime, replays the durable backlog on reconnect, and turns runtime job
// events into durable run state.
package listener

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/artifacts"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/orchestrator/projection"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

// Stores is the slice of the persistence layer the listener needs.
type Stores interface {
	store.RunStore
	store.TaskStore
	store.RepositoryStore
	store.EventStore
	store.CheckpointStore
	store.ArtifactMetaStore
}

// RuntimeDirectory is the view of the lifecycle manager the listener uses.
type RuntimeDirectory interface {
	ListTaskRuntimes() []*store.TaskRuntime
	ReportTaskRuntimeHeartbeat(ctx context.Context, id string, activeSlots, maxSlots int) error
	MarkRuntimeActivity(ctx context.Context, id string, activeDelta int) error
}

// Dispatcher is the completion-path hook into run placement.
type Dispatcher interface {
	DispatchNextQueuedRunForTask(ctx context.Context, taskID string) (bool, error)
}

// RuntimeAPI is the unary runtime RPC surface the listener calls.
type RuntimeAPI interface {
	CheckHealth(ctx context.Context) *rpc.HealthResult
	ReadEventBacklog(ctx context.Context, req *rpc.ReadEventBacklogRequest) (*rpc.ReadEventBacklogResult, error)
}

// ClientFactory builds a unary client per endpoint; SubscribeFunc opens the
// streaming hub. Both are swapped out in tests.
type (
	ClientFactory func(endpoint string) RuntimeAPI
	SubscribeFunc func(ctx context.Context, endpoint string, runIDs []string, callbacks rpc.EventStreamCallbacks, log *logger.Logger) (*rpc.EventStream, error)
)

// Listener supervises the per-runtime connections.
type Listener struct {
	cfg        config.ListenerConfig
	stores     Stores
	directory  RuntimeDirectory
	dispatcher Dispatcher
	projector  *projection.Projector
	bus        bus.EventBus
	logger     *logger.Logger

	checkpoints *checkpointTracker
	sequences   *sequencer
	throttle    *publishThrottle
	assembler   *artifactAssembler
	retries     *retryScheduler

	newClient ClientFactory
	subscribe SubscribeFunc

	mu          sync.Mutex
	connections map[string]*connection // keyed by lower-cased runtime id

	activityMu    sync.Mutex
	lastTouched   map[string]time.Time // keyed by lower-cased run id
	seededRunSeqs map[string]struct{}  // runs whose sequence watermark is primed

	cancel context.CancelFunc
	done   chan struct{}
}

// How often at most a streaming run's last-activity timestamp is written.
const activityTouchInterval = 30 * time.Second

func New(
	cfg config.ListenerConfig,
	stores Stores,
	directory RuntimeDirectory,
	dispatcher Dispatcher,
	projector *projection.Projector,
	blobs *artifacts.BlobStore,
	artifactCfg config.ArtifactsConfig,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Listener {
	l := &Listener{
		cfg:         cfg,
		stores:      stores,
		directory:   directory,
		dispatcher:  dispatcher,
		projector:   projector,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "runtime-listener")),
		checkpoints: newCheckpointTracker(stores),
		sequences:   newSequencer(),
		throttle:    newPublishThrottle(cfg.DiffThrottle(), cfg.ToolThrottle()),
		assembler:   newArtifactAssembler(blobs, stores, artifactCfg.MaxBytesPerFile, artifactCfg.MaxBytesPerRun, log),
		connections: make(map[string]*connection),

		lastTouched:   make(map[string]time.Time),
		seededRunSeqs: make(map[string]struct{}),

		done: make(chan struct{}),
	}
	l.retries = newRetryScheduler(stores, dispatcher, eventBus, log)
	l.newClient = func(endpoint string) RuntimeAPI {
		return rpc.NewClient(endpoint, log)
	}
	l.subscribe = rpc.Subscribe
	return l
}

// SetClientFactory and SetSubscribeFunc override transport construction,
// used by tests.
func (l *Listener) SetClientFactory(factory ClientFactory) { l.newClient = factory }
func (l *Listener) SetSubscribeFunc(fn SubscribeFunc)      { l.subscribe = fn }

// Start loads checkpoints and begins the directory poll loop.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.checkpoints.Load(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.retries.baseCtx = loopCtx
	go l.pollLoop(loopCtx)

	l.logger.Info("runtime event listener started",
		zap.Duration("poll_interval", l.cfg.PollInterval()))
	return nil
}

// Stop tears down every connection and halts the poll loop.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}

	l.mu.Lock()
	conns := make([]*connection, 0, len(l.connections))
	for _, c := range l.connections {
		conns = append(conns, c)
	}
	l.connections = make(map[string]*connection)
	l.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.PollInterval())
	defer ticker.Stop()

	// First reconcile immediately so restarts reattach without waiting a
	// full poll interval.
	l.ReconcileConnections(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.ReconcileConnections(ctx)
		}
	}
}

// ReconcileConnections ensures exactly one connection per live runtime
// with an endpoint, tearing down connections whose runtime went away or
// moved endpoints.
func (l *Listener) ReconcileConnections(ctx context.Context) {
	desired := make(map[string]*store.TaskRuntime)
	for _, rt := range l.directory.ListTaskRuntimes() {
		switch rt.State {
		case store.RuntimeStateReady, store.RuntimeStateBusy, store.RuntimeStateDraining:
			if rt.Endpoint != "" {
				desired[strings.ToLower(rt.ID)] = rt
			}
		}
	}

	l.mu.Lock()
	var toStop []*connection
	for key, conn := range l.connections {
		rt, keep := desired[key]
		if !keep || rt.Endpoint != conn.endpoint {
			toStop = append(toStop, conn)
			delete(l.connections, key)
			continue
		}
		delete(desired, key)
	}

	var toStart []*store.TaskRuntime
	for _, rt := range desired {
		toStart = append(toStart, rt)
	}
	l.mu.Unlock()

	for _, conn := range toStop {
		l.logger.WithRuntimeID(conn.runtimeID).Info("tearing down runtime connection",
			zap.String("endpoint", conn.endpoint))
		conn.stop()
	}

	for _, rt := range toStart {
		conn := newConnection(l, rt.ID, rt.Endpoint, rt.ProxyEndpoint)
		l.mu.Lock()
		l.connections[strings.ToLower(rt.ID)] = conn
		l.mu.Unlock()
		conn.start(ctx)
	}
}

// ConnectionStates returns a snapshot of each connection's state, keyed by
// runtime id.
func (l *Listener) ConnectionStates() map[string]ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make(map[string]ConnectionState, len(l.connections))
	for _, conn := range l.connections {
		result[conn.runtimeID] = conn.state()
	}
	return result
}
