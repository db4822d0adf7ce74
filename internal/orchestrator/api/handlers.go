package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/orchestrator/health"
	"github.com/agentplane/agentplane/internal/orchestrator/listener"
	"github.com/agentplane/agentplane/internal/store"
)

// Fleet is the lifecycle surface the admin API drives.
type Fleet interface {
	ListTaskRuntimes() []*store.TaskRuntime
	GetTaskRuntime(id string) *store.TaskRuntime
	SetTaskRuntimeDraining(ctx context.Context, id string, draining bool) error
	RestartTaskRuntime(ctx context.Context, id string) error
	RecycleTaskRuntime(ctx context.Context, id string) error
}

// Health is the supervisor view the admin API reads.
type Health interface {
	ReadinessBlocked() bool
	RuntimeHealth(runtimeID string) string
	Incidents() []health.Incident
}

// Connections reports per-runtime streaming connection states.
type Connections interface {
	ConnectionStates() map[string]listener.ConnectionState
}

// Handler contains the admin API handlers.
type Handler struct {
	fleet       Fleet
	health      Health
	connections Connections
	logger      *logger.Logger
}

func NewHandler(fleet Fleet, healthView Health, connections Connections, log *logger.Logger) *Handler {
	return &Handler{
		fleet:       fleet,
		health:      healthView,
		connections: connections,
		logger:      log.WithFields(zap.String("component", "admin-api")),
	}
}

// Healthz reports process liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports aggregate readiness; it returns 503 while the fleet sits
// in a readiness-blocked state.
// GET /readyz
func (h *Handler) Readyz(c *gin.Context) {
	if h.health.ReadinessBlocked() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "blocked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ListRuntimes returns a snapshot of the runtime fleet.
// GET /api/v1/runtimes
func (h *Handler) ListRuntimes(c *gin.Context) {
	connections := h.connections.ConnectionStates()

	runtimes := h.fleet.ListTaskRuntimes()
	items := make([]RuntimeResponse, 0, len(runtimes))
	for _, rt := range runtimes {
		items = append(items, runtimeResponse(rt, h.health.RuntimeHealth(rt.ID), connections))
	}

	c.JSON(http.StatusOK, RuntimeListResponse{Runtimes: items, Total: len(items)})
}

// GetRuntime returns one runtime's snapshot.
// GET /api/v1/runtimes/:runtimeId
func (h *Handler) GetRuntime(c *gin.Context) {
	rt := h.fleet.GetTaskRuntime(c.Param("runtimeId"))
	if rt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "runtime not found"})
		return
	}
	c.JSON(http.StatusOK, runtimeResponse(rt, h.health.RuntimeHealth(rt.ID), h.connections.ConnectionStates()))
}

// ListIncidents returns the recent remediation incidents, oldest first.
// GET /api/v1/incidents
func (h *Handler) ListIncidents(c *gin.Context) {
	incidents := h.health.Incidents()
	c.JSON(http.StatusOK, IncidentListResponse{Incidents: incidents, Total: len(incidents)})
}

// DrainRuntime puts a runtime into draining.
// POST /api/v1/runtimes/:runtimeId/drain
func (h *Handler) DrainRuntime(c *gin.Context) {
	h.runtimeAction(c, "drain", func(ctx context.Context, id string) error {
		return h.fleet.SetTaskRuntimeDraining(ctx, id, true)
	})
}

// RestartRuntime restarts a runtime's container in place.
// POST /api/v1/runtimes/:runtimeId/restart
func (h *Handler) RestartRuntime(c *gin.Context) {
	h.runtimeAction(c, "restart", h.fleet.RestartTaskRuntime)
}

// RecycleRuntime replaces a runtime with a freshly provisioned one.
// POST /api/v1/runtimes/:runtimeId/recycle
func (h *Handler) RecycleRuntime(c *gin.Context) {
	h.runtimeAction(c, "recycle", h.fleet.RecycleTaskRuntime)
}

func (h *Handler) runtimeAction(c *gin.Context, action string, fn func(ctx context.Context, id string) error) {
	runtimeID := c.Param("runtimeId")
	if err := fn(c.Request.Context(), runtimeID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.logger.WithRuntimeID(runtimeID).Warn("runtime action failed",
			zap.String("action", action), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runtimeId": runtimeID, "action": action})
}
