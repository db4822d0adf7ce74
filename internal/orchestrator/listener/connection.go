package listener

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/runtime/rpc"
)

// ConnectionState is the per-runtime connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "Disconnected"
	StateProbing        ConnectionState = "Probing"
	StateBackfillReplay ConnectionState = "BackfillReplay"
	StateSubscribed     ConnectionState = "Subscribed"
)

// connection supervises one runtime's stream: probe, backfill, subscribe,
// wait for disconnect, back off, repeat.
type connection struct {
	listener      *Listener
	runtimeID     string
	endpoint      string
	proxyEndpoint string

	mu      sync.Mutex
	current ConnectionState

	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(l *Listener, runtimeID, endpoint, proxyEndpoint string) *connection {
	return &connection{
		listener:      l,
		runtimeID:     runtimeID,
		endpoint:      endpoint,
		proxyEndpoint: proxyEndpoint,
		current:       StateDisconnected,
		done:          make(chan struct{}),
	}
}

func (c *connection) state() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *connection) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go c.supervise(ctx)
}

func (c *connection) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *connection) supervise(ctx context.Context) {
	defer close(c.done)

	log := c.listener.logger.WithRuntimeID(c.runtimeID)
	backoff := c.listener.cfg.BackoffInitial()
	maxBackoff := c.listener.cfg.BackoffMax()
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		endpoint, ok := c.probe(ctx)
		if !ok {
			consecutiveFailures++
			// Connection churn is normal; only every 3rd consecutive
			// failure is worth a warning.
			if consecutiveFailures%3 == 0 {
				log.Warn("runtime endpoint unreachable",
					zap.String("endpoint", c.endpoint),
					zap.Int("consecutive_failures", consecutiveFailures),
					zap.Duration("backoff", backoff))
			}
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		if err := c.backfill(ctx, endpoint); err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			log.Warn("backlog replay failed", zap.Error(err))
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		consecutiveFailures = 0
		backoff = c.listener.cfg.BackoffInitial()

		if err := c.streamUntilDisconnect(ctx, endpoint); err != nil && ctx.Err() == nil {
			log.Debug("hub session ended", zap.Error(err))
		}
		c.setState(StateDisconnected)
	}
}

// probe checks endpoint reachability within the probe budget, trying the
// primary endpoint first and the proxy as fallback. Returns the endpoint
// that answered.
func (c *connection) probe(ctx context.Context) (string, bool) {
	c.setState(StateProbing)

	budget := c.listener.cfg.ProbeTimeout()
	for _, endpoint := range []string{c.endpoint, c.proxyEndpoint} {
		if endpoint == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, budget)
		result := c.listener.newClient(endpoint).CheckHealth(probeCtx)
		cancel()
		if result.Success {
			return endpoint, true
		}
	}
	return "", false
}

// backfill replays the runtime's durable backlog from the persisted
// checkpoint, page by page, before any live event is accepted.
func (c *connection) backfill(ctx context.Context, endpoint string) error {
	c.setState(StateBackfillReplay)

	client := c.listener.newClient(endpoint)
	pageSize := c.listener.cfg.BacklogPageSize

	for {
		after := c.listener.checkpoints.Get(ctx, c.runtimeID)
		page, err := client.ReadEventBacklog(ctx, &rpc.ReadEventBacklogRequest{
			AfterDeliveryID: after,
			MaxEvents:       pageSize,
		})
		if err != nil {
			return err
		}
		if !page.Success {
			return errBacklog(page.ErrorMessage)
		}

		for _, event := range page.Events {
			c.listener.processJobEvent(ctx, c.runtimeID, event)
		}

		if !page.HasMore {
			return nil
		}
	}
}

func (c *connection) streamUntilDisconnect(ctx context.Context, endpoint string) error {
	stream, err := c.listener.subscribe(ctx, endpoint, nil, rpc.EventStreamCallbacks{
		OnJobEvent: func(event *rpc.JobEventMessage) {
			c.listener.processJobEvent(ctx, c.runtimeID, event)
		},
		OnTaskRuntimeStatusChanged: func(status *rpc.TaskRuntimeStatusMessage) {
			c.listener.processRuntimeStatus(ctx, status)
		},
	}, c.listener.logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	c.setState(StateSubscribed)
	c.listener.logger.WithRuntimeID(c.runtimeID).Info("subscribed to runtime event hub",
		zap.String("endpoint", endpoint))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stream.Done():
		return stream.Err()
	}
}

type errBacklog string

func (e errBacklog) Error() string {
	if e == "" {
		return "backlog read failed"
	}
	return "backlog read failed: " + string(e)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
