package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// EventStreamCallbacks receives messages pushed by the runtime event hub.
type EventStreamCallbacks struct {
	OnJobEvent                 func(event *JobEventMessage)
	OnTaskRuntimeStatusChanged func(status *TaskRuntimeStatusMessage)
}

// hubFrame is the envelope the hub wraps every pushed message in.
type hubFrame struct {
	Type          string                    `json:"type"`
	JobEvent      *JobEventMessage          `json:"jobEvent,omitempty"`
	RuntimeStatus *TaskRuntimeStatusMessage `json:"runtimeStatus,omitempty"`
}

// subscribeRequest is sent once after connecting. An empty runIds slice
// subscribes to every run on the runtime.
type subscribeRequest struct {
	Type   string   `json:"type"`
	RunIDs []string `json:"runIds,omitempty"`
}

// EventStream is a live subscription to a runtime's event hub.
type EventStream struct {
	conn      *websocket.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	readErr   error
	logger    *logger.Logger
}

// Subscribe connects to the runtime event hub and dispatches pushed
// messages to the callbacks until the connection drops or Close is called.
// Callbacks run on the single read goroutine, in delivery order.
func Subscribe(ctx context.Context, endpoint string, runIDs []string, callbacks EventStreamCallbacks, log *logger.Logger) (*EventStream, error) {
	wsURL := websocketURL(endpoint) + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event hub: %w", err)
	}

	if err := conn.WriteJSON(subscribeRequest{Type: "subscribe", RunIDs: runIDs}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}

	stream := &EventStream{
		conn:    conn,
		closeCh: make(chan struct{}),
		logger:  log.WithFields(zap.String("component", "runtime-event-stream")),
	}

	go func() {
		defer stream.Close()
		for {
			var frame hubFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					stream.readErr = err
					stream.logger.Debug("event stream read error", zap.Error(err))
				}
				return
			}

			switch frame.Type {
			case "jobEvent":
				if callbacks.OnJobEvent != nil && frame.JobEvent != nil {
					callbacks.OnJobEvent(frame.JobEvent)
				}
			case "runtimeStatus":
				if callbacks.OnTaskRuntimeStatusChanged != nil && frame.RuntimeStatus != nil {
					callbacks.OnTaskRuntimeStatusChanged(frame.RuntimeStatus)
				}
			}
		}
	}()

	return stream, nil
}

// Done is closed when the stream ends, whether by Close or disconnect.
func (s *EventStream) Done() <-chan struct{} {
	return s.closeCh
}

// Err reports the read error that ended the stream, if any.
func (s *EventStream) Err() error {
	return s.readErr
}

// Close tears down the connection. Safe to call more than once.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close event stream connection", zap.Error(err))
		}
	})
}

func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return "ws://" + endpoint
	}
}
