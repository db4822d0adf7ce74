// Package health classifies task runtimes, remediates unhealthy ones, and
// gates the service's aggregate readiness.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

// Runtime health states.
const (
	StateHealthy     = "Healthy"
	StateDegraded    = "Degraded"
	StateUnhealthy   = "Unhealthy"
	StateRecovering  = "Recovering"
	StateOffline     = "Offline"
	StateQuarantined = "Quarantined"
)

// Remediation actions.
const (
	ActionRestart    = "restart"
	ActionRecreate   = "recreate"
	ActionQuarantine = "quarantine"
)

// Incident severities.
const (
	SeveritySuccess = "Success"
	SeverityWarning = "Warning"
	SeverityError   = "Error"
)

// Incident records one remediation attempt or health transition.
type Incident struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestampUtc"`
	RuntimeID string    `json:"runtimeId"`
	Status    string    `json:"status"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
}

// Directory is the lifecycle surface the supervisor remediates through.
type Directory interface {
	ListTaskRuntimes() []*store.TaskRuntime
	RestartTaskRuntime(ctx context.Context, id string) error
	RecycleTaskRuntime(ctx context.Context, id string) error
	SetTaskRuntimeDraining(ctx context.Context, id string, draining bool) error
	QuarantineTaskRuntime(ctx context.Context, id string, reason string) error
}

// Prober checks a runtime endpoint. Swapped out in tests.
type Prober func(ctx context.Context, endpoint string) *rpc.HealthResult

// entry is the supervisor's per-runtime bookkeeping.
type entry struct {
	state                    string
	consecutiveProbeFailures int
	restartAttempts          int
	recentRemediationFails   int
	lastRemediationAt        time.Time
	lastSeenAt               time.Time
	cooldownNoted            bool
}

// Supervisor runs the probing cycle.
type Supervisor struct {
	cfg           config.HealthConfig
	directory     Directory
	registrations store.RuntimeStore
	bus           bus.EventBus
	logger        *logger.Logger
	probe         Prober

	mu      sync.Mutex
	entries map[string]*entry // keyed by lower-cased runtime id

	incidents *incidentRing

	readinessMu      sync.Mutex
	degradedSince    time.Time
	readinessBlocked bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.HealthConfig, directory Directory, registrations store.RuntimeStore, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		directory:     directory,
		registrations: registrations,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "health-supervisor")),
		entries:       make(map[string]*entry),
		incidents:     newIncidentRing(incidentRingCapacity),
		done:          make(chan struct{}),
	}
	s.probe = func(ctx context.Context, endpoint string) *rpc.HealthResult {
		return rpc.NewClient(endpoint, log).CheckHealth(ctx)
	}
	return s
}

// SetProber overrides endpoint probing, used by tests.
func (s *Supervisor) SetProber(p Prober) { s.probe = p }

func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one probing pass over every known runtime.
func (s *Supervisor) Cycle(ctx context.Context) {
	runtimes := s.directory.ListTaskRuntimes()

	heartbeats := make(map[string]*store.TaskRuntimeRegistration)
	if regs, err := s.registrations.ListRegistrations(ctx); err == nil {
		for _, reg := range regs {
			heartbeats[strings.ToLower(reg.RuntimeID)] = reg
		}
	} else {
		s.logger.Debug("failed to list registrations", zap.Error(err))
	}

	now := time.Now().UTC()
	total := 0
	gated := 0

	for _, rt := range runtimes {
		if rt.State == store.RuntimeStateStopped {
			continue
		}
		total++
		state := s.evaluate(ctx, rt, heartbeats[strings.ToLower(rt.ID)], now)
		switch state {
		case StateUnhealthy, StateOffline, StateQuarantined:
			gated++
		}
	}

	s.updateReadiness(ctx, gated, total, now)
	s.pruneEntries(runtimes, heartbeats, now)
}

// evaluate classifies one runtime and remediates when needed, returning
// the resulting health state.
func (s *Supervisor) evaluate(ctx context.Context, rt *store.TaskRuntime, heartbeat *store.TaskRuntimeRegistration, now time.Time) string {
	key := strings.ToLower(rt.ID)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{state: StateHealthy}
		s.entries[key] = e
	}
	e.lastSeenAt = now
	s.mu.Unlock()

	if rt.State == store.RuntimeStateQuarantined {
		s.transition(ctx, rt.ID, e, StateQuarantined, "runtime quarantined")
		return StateQuarantined
	}

	offline := heartbeat != nil && !heartbeat.Online
	heartbeatHealthy := heartbeat != nil && heartbeat.Online &&
		now.Sub(heartbeat.LastHeartbeatAt) <= s.cfg.HeartbeatStaleAfter()

	probeHealthy := false
	if rt.Endpoint != "" {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		result := s.probe(probeCtx, rt.Endpoint)
		cancel()
		probeHealthy = result.Success
	}

	s.mu.Lock()
	if heartbeatHealthy && probeHealthy {
		e.consecutiveProbeFailures = 0
		e.restartAttempts = 0
		e.recentRemediationFails = 0
		s.mu.Unlock()
		s.transition(ctx, rt.ID, e, StateHealthy, "")
		return StateHealthy
	}

	if !probeHealthy {
		e.consecutiveProbeFailures++
	}
	failures := e.consecutiveProbeFailures
	s.mu.Unlock()

	if failures >= s.cfg.ProbeFailureThreshold || !heartbeatHealthy {
		target := StateUnhealthy
		reason := unhealthyReason(heartbeatHealthy)
		if offline {
			target = StateOffline
			reason = "runtime reported offline"
		}
		s.transition(ctx, rt.ID, e, target, reason)
		s.remediate(ctx, rt, e, now)
		s.mu.Lock()
		state := e.state
		s.mu.Unlock()
		return state
	}

	s.transition(ctx, rt.ID, e, StateDegraded, unhealthyReason(heartbeatHealthy))
	return StateDegraded
}

func unhealthyReason(heartbeatHealthy bool) string {
	if !heartbeatHealthy {
		return "heartbeat stale or offline"
	}
	return "endpoint probe failing"
}

// remediate applies the escalation ladder, at most once per cooldown.
func (s *Supervisor) remediate(ctx context.Context, rt *store.TaskRuntime, e *entry, now time.Time) {
	s.mu.Lock()
	if now.Sub(e.lastRemediationAt) < s.cfg.RemediationCooldown() {
		noted := e.cooldownNoted
		e.cooldownNoted = true
		pending := ActionRestart
		if e.restartAttempts >= s.cfg.RestartLimit {
			pending = strings.ToLower(s.cfg.UnhealthyAction)
		}
		s.mu.Unlock()
		// One warning per suppression stretch, not one per cycle.
		if !noted {
			s.appendIncident(ctx, rt.ID, e, pending, SeverityWarning,
				"remediation suppressed by cooldown", "", false)
		}
		return
	}
	e.cooldownNoted = false
	e.lastRemediationAt = now
	restartAttempts := e.restartAttempts
	s.mu.Unlock()

	if restartAttempts < s.cfg.RestartLimit {
		s.attemptRestart(ctx, rt, e, "restart attempts remaining")
		return
	}

	switch strings.ToLower(s.cfg.UnhealthyAction) {
	case ActionRestart:
		s.attemptRestart(ctx, rt, e, "configured action restart")
	case ActionRecreate:
		err := s.directory.RecycleTaskRuntime(ctx, rt.ID)
		if err == nil {
			s.mu.Lock()
			e.restartAttempts = 0
			s.mu.Unlock()
			s.transition(ctx, rt.ID, e, StateRecovering, "runtime recreated")
		} else {
			s.mu.Lock()
			e.recentRemediationFails++
			s.mu.Unlock()
		}
		s.recordIncident(ctx, rt.ID, e, ActionRecreate, err)
	case ActionQuarantine:
		err := s.directory.SetTaskRuntimeDraining(ctx, rt.ID, true)
		if err == nil {
			err = s.directory.QuarantineTaskRuntime(ctx, rt.ID, "quarantined by health supervisor")
		}
		if err == nil {
			s.transition(ctx, rt.ID, e, StateQuarantined, "quarantined after exhausting restarts")
		}
		s.recordIncident(ctx, rt.ID, e, ActionQuarantine, err)
	}
}

func (s *Supervisor) attemptRestart(ctx context.Context, rt *store.TaskRuntime, e *entry, reason string) {
	err := s.directory.RestartTaskRuntime(ctx, rt.ID)

	s.mu.Lock()
	e.restartAttempts++
	if err != nil {
		e.recentRemediationFails++
	}
	s.mu.Unlock()

	if err == nil {
		s.transition(ctx, rt.ID, e, StateRecovering, reason)
	}
	s.recordIncident(ctx, rt.ID, e, ActionRestart, err)
}

func (s *Supervisor) recordIncident(ctx context.Context, runtimeID string, e *entry, action string, actionErr error) {
	severity := SeveritySuccess
	if action == ActionQuarantine {
		// Quarantine takes capacity out of the fleet even when it works.
		severity = SeverityWarning
	}
	message := ""
	if actionErr != nil {
		severity = SeverityError
		message = actionErr.Error()
	}
	s.appendIncident(ctx, runtimeID, e, action, severity,
		"unhealthy runtime remediation", message, actionErr == nil)
}

func (s *Supervisor) appendIncident(ctx context.Context, runtimeID string, e *entry, action, severity, reason, message string, success bool) {
	s.mu.Lock()
	status := e.state
	s.mu.Unlock()

	incident := Incident{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		RuntimeID: runtimeID,
		Status:    status,
		Severity:  severity,
		Reason:    reason,
		Action:    action,
		Success:   success,
		Message:   message,
	}
	s.incidents.Append(incident)

	event := bus.NewEvent(events.RuntimeIncident, "health-supervisor", map[string]any{
		"incidentId": incident.ID,
		"runtimeId":  runtimeID,
		"action":     action,
		"success":    incident.Success,
		"severity":   severity,
		"reason":     reason,
		"message":    incident.Message,
	})
	if err := s.bus.Publish(ctx, events.RuntimeIncident, event); err != nil {
		s.logger.Debug("failed to publish incident", zap.Error(err))
	}

	s.logger.WithRuntimeID(runtimeID).Info("incident recorded",
		zap.String("action", action),
		zap.String("severity", severity),
		zap.Bool("success", incident.Success),
		zap.String("message", incident.Message))
}

// transition updates the entry state and publishes on change.
func (s *Supervisor) transition(ctx context.Context, runtimeID string, e *entry, state, reason string) {
	s.mu.Lock()
	previous := e.state
	e.state = state
	s.mu.Unlock()

	if previous == state {
		return
	}

	event := bus.NewEvent(events.RuntimeHealthChanged, "health-supervisor", map[string]any{
		"runtimeId": runtimeID,
		"previous":  previous,
		"state":     state,
		"reason":    reason,
	})
	if err := s.bus.Publish(ctx, events.BuildRuntimeHealthSubject(runtimeID), event); err != nil {
		s.logger.Debug("failed to publish health change", zap.Error(err))
	}
}

// updateReadiness flips ReadinessBlocked when the gated ratio holds above
// the threshold for the configured stretch of time.
func (s *Supervisor) updateReadiness(ctx context.Context, gated, total int, now time.Time) {
	degraded := false
	if total > 0 && s.cfg.ReadinessDegradeRatio > 0 {
		degraded = float64(gated)/float64(total) >= s.cfg.ReadinessDegradeRatio
	}

	s.readinessMu.Lock()
	if !degraded {
		s.degradedSince = time.Time{}
	} else if s.degradedSince.IsZero() {
		s.degradedSince = now
	}
	shouldBlock := degraded && !s.degradedSince.IsZero() &&
		now.Sub(s.degradedSince) >= time.Duration(s.cfg.ReadinessDegradeSeconds)*time.Second
	changed := shouldBlock != s.readinessBlocked
	s.readinessBlocked = shouldBlock
	s.readinessMu.Unlock()

	if !changed {
		return
	}

	event := bus.NewEvent(events.ReadinessChanged, "health-supervisor", map[string]any{
		"readinessBlocked": shouldBlock,
		"gatedRuntimes":    gated,
		"totalRuntimes":    total,
	})
	if err := s.bus.Publish(ctx, events.ReadinessChanged, event); err != nil {
		s.logger.Debug("failed to publish readiness change", zap.Error(err))
	}
	s.logger.Info("readiness gate changed",
		zap.Bool("blocked", shouldBlock),
		zap.Int("gated", gated),
		zap.Int("total", total))
}

// ReadinessBlocked reports the current readiness gate.
func (s *Supervisor) ReadinessBlocked() bool {
	s.readinessMu.Lock()
	defer s.readinessMu.Unlock()
	return s.readinessBlocked
}

// Incidents returns the incident buffer, oldest first.
func (s *Supervisor) Incidents() []Incident {
	return s.incidents.Snapshot()
}

// RuntimeHealth returns the supervisor's view of a runtime, or "" when
// unknown.
func (s *Supervisor) RuntimeHealth(runtimeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[strings.ToLower(runtimeID)]; ok {
		return e.state
	}
	return ""
}

// pruneEntries drops bookkeeping for runtimes absent from both the
// directory and the registration list beyond the retention window.
func (s *Supervisor) pruneEntries(runtimes []*store.TaskRuntime, heartbeats map[string]*store.TaskRuntimeRegistration, now time.Time) {
	known := make(map[string]struct{}, len(runtimes))
	for _, rt := range runtimes {
		known[strings.ToLower(rt.ID)] = struct{}{}
	}
	for key := range heartbeats {
		known[key] = struct{}{}
	}

	retention := time.Duration(s.cfg.StateRetentionMinutes) * time.Minute

	s.mu.Lock()
	for key, e := range s.entries {
		if _, ok := known[key]; ok {
			continue
		}
		if now.Sub(e.lastSeenAt) > retention {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}
