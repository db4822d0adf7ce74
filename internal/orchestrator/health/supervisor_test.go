package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// fakeDirectory records remediation calls against an in-memory fleet.
type fakeDirectory struct {
	mu       sync.Mutex
	runtimes []*store.TaskRuntime

	restarts    []string
	recycles    []string
	drains      []string
	quarantines []string

	restartErr error
}

func (f *fakeDirectory) ListTaskRuntimes() []*store.TaskRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.TaskRuntime, 0, len(f.runtimes))
	for _, rt := range f.runtimes {
		copied := *rt
		out = append(out, &copied)
	}
	return out
}

func (f *fakeDirectory) RestartTaskRuntime(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return f.restartErr
}

func (f *fakeDirectory) RecycleTaskRuntime(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycles = append(f.recycles, id)
	return nil
}

func (f *fakeDirectory) SetTaskRuntimeDraining(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains = append(f.drains, id)
	return nil
}

func (f *fakeDirectory) QuarantineTaskRuntime(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantines = append(f.quarantines, id)
	for _, rt := range f.runtimes {
		if rt.ID == id {
			rt.State = store.RuntimeStateQuarantined
		}
	}
	return nil
}

// fakeRegistrations implements the store.RuntimeStore slice the supervisor
// reads; only ListRegistrations matters.
type fakeRegistrations struct {
	store.RuntimeStore
	regs []*store.TaskRuntimeRegistration
}

func (f *fakeRegistrations) ListRegistrations(context.Context) ([]*store.TaskRuntimeRegistration, error) {
	return f.regs, nil
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		ProbeIntervalSeconds:    10,
		HeartbeatStaleSeconds:   60,
		ProbeFailureThreshold:   3,
		RestartLimit:            2,
		RemediationCooldownSecs: 300,
		UnhealthyAction:         "quarantine",
		ReadinessDegradeRatio:   0.5,
		ReadinessDegradeSeconds: 0,
		StateRetentionMinutes:   30,
	}
}

func newTestSupervisor(t *testing.T, cfg config.HealthConfig, dir *fakeDirectory, regs *fakeRegistrations, probeHealthy *bool) *Supervisor {
	log := newTestLogger(t)
	s := New(cfg, dir, regs, bus.NewMemoryEventBus(log), log)
	s.SetProber(func(context.Context, string) *rpc.HealthResult {
		if *probeHealthy {
			return &rpc.HealthResult{Success: true}
		}
		return &rpc.HealthResult{Success: false, ErrorMessage: "connection refused"}
	})
	return s
}

func liveRuntime(id string) *store.TaskRuntime {
	return &store.TaskRuntime{
		ID:       id,
		TaskID:   "task-" + id,
		State:    store.RuntimeStateReady,
		Endpoint: "http://10.0.0.1:8700",
	}
}

func freshHeartbeat(id string) *store.TaskRuntimeRegistration {
	return &store.TaskRuntimeRegistration{
		RuntimeID:       id,
		Online:          true,
		LastHeartbeatAt: time.Now().UTC(),
	}
}

func TestSupervisor_HealthyRuntime(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{regs: []*store.TaskRuntimeRegistration{freshHeartbeat("rt-1")}}
	probeHealthy := true
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	s.Cycle(context.Background())

	if got := s.RuntimeHealth("rt-1"); got != StateHealthy {
		t.Errorf("Expected Healthy, got %q", got)
	}
	if len(dir.restarts) != 0 {
		t.Errorf("Healthy runtime must not be remediated, got %v", dir.restarts)
	}
}

func TestSupervisor_DegradedBeforeThreshold(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{regs: []*store.TaskRuntimeRegistration{freshHeartbeat("rt-1")}}
	probeHealthy := false
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	// Two failed probes stay below the threshold of three.
	s.Cycle(context.Background())
	s.Cycle(context.Background())

	if got := s.RuntimeHealth("rt-1"); got != StateDegraded {
		t.Errorf("Expected Degraded below the probe threshold, got %q", got)
	}
	if len(dir.restarts) != 0 {
		t.Errorf("Degraded runtime must not be remediated, got %v", dir.restarts)
	}
}

func TestSupervisor_StaleHeartbeatIsUnhealthy(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	stale := &store.TaskRuntimeRegistration{
		RuntimeID:       "rt-1",
		Online:          true,
		LastHeartbeatAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	regs := &fakeRegistrations{regs: []*store.TaskRuntimeRegistration{stale}}
	probeHealthy := true
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	s.Cycle(context.Background())

	// A stale heartbeat alone trips unhealthy, then restart remediation.
	if len(dir.restarts) != 1 {
		t.Fatalf("Expected one restart, got %v", dir.restarts)
	}
	if got := s.RuntimeHealth("rt-1"); got != StateRecovering {
		t.Errorf("Expected Recovering after successful restart, got %q", got)
	}
}

func TestSupervisor_RemediationCooldown(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	// Every cycle classifies unhealthy, but only the first may remediate
	// inside the cooldown window.
	for i := 0; i < 5; i++ {
		s.Cycle(context.Background())
	}

	if len(dir.restarts) != 1 {
		t.Errorf("Expected exactly one remediation within the cooldown, got %d", len(dir.restarts))
	}
}

func TestSupervisor_EscalatesAfterRestartLimit(t *testing.T) {
	cfg := testHealthConfig()
	cfg.RemediationCooldownSecs = 0
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, cfg, dir, regs, &probeHealthy)

	// Restart twice (the limit), then escalate to the configured action.
	for i := 0; i < 3; i++ {
		s.Cycle(context.Background())
	}

	if len(dir.restarts) != 2 {
		t.Errorf("Expected 2 restarts before escalation, got %d", len(dir.restarts))
	}
	if len(dir.quarantines) != 1 {
		t.Errorf("Expected quarantine escalation, got %d", len(dir.quarantines))
	}
	if len(dir.drains) != 1 {
		t.Errorf("Expected drain before quarantine, got %d", len(dir.drains))
	}
	if got := s.RuntimeHealth("rt-1"); got != StateQuarantined {
		t.Errorf("Expected Quarantined, got %q", got)
	}
}

func TestSupervisor_RecreateResetsRestartBudget(t *testing.T) {
	cfg := testHealthConfig()
	cfg.RemediationCooldownSecs = 0
	cfg.UnhealthyAction = "recreate"
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, cfg, dir, regs, &probeHealthy)

	// Two restarts, one recreate, then the restart ladder starts over.
	for i := 0; i < 4; i++ {
		s.Cycle(context.Background())
	}

	if len(dir.recycles) != 1 {
		t.Errorf("Expected 1 recreate, got %d", len(dir.recycles))
	}
	if len(dir.restarts) != 3 {
		t.Errorf("Expected restart budget reset after recreate, got %d restarts", len(dir.restarts))
	}
}

func TestSupervisor_RecoveryClearsCounters(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{regs: []*store.TaskRuntimeRegistration{freshHeartbeat("rt-1")}}
	probeHealthy := false
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	s.Cycle(context.Background())
	s.Cycle(context.Background())

	probeHealthy = true
	regs.regs = []*store.TaskRuntimeRegistration{freshHeartbeat("rt-1")}
	s.Cycle(context.Background())

	if got := s.RuntimeHealth("rt-1"); got != StateHealthy {
		t.Errorf("Expected Healthy after recovery, got %q", got)
	}

	// Counters reset: two more failures classify Degraded, not Unhealthy.
	probeHealthy = false
	s.Cycle(context.Background())
	s.Cycle(context.Background())
	if got := s.RuntimeHealth("rt-1"); got != StateDegraded {
		t.Errorf("Expected Degraded after counter reset, got %q", got)
	}
}

func TestSupervisor_ReadinessGate(t *testing.T) {
	cfg := testHealthConfig()
	dir := &fakeDirectory{
		runtimes: []*store.TaskRuntime{
			liveRuntime("rt-1"),
			liveRuntime("rt-2"),
		},
		// Remediation failing keeps both runtimes gated.
		restartErr: fmt.Errorf("restart unavailable"),
	}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, cfg, dir, regs, &probeHealthy)

	if s.ReadinessBlocked() {
		t.Fatal("Readiness must start unblocked")
	}

	// Both runtimes unhealthy: ratio 1.0 over threshold 0.5; the degrade
	// window is zero so blocking is immediate.
	s.Cycle(context.Background())
	if !s.ReadinessBlocked() {
		t.Error("Expected readiness blocked with the whole fleet unhealthy")
	}

	probeHealthy = true
	regs.regs = []*store.TaskRuntimeRegistration{freshHeartbeat("rt-1"), freshHeartbeat("rt-2")}
	s.Cycle(context.Background())
	if s.ReadinessBlocked() {
		t.Error("Expected readiness unblocked after recovery")
	}
}

func TestSupervisor_IncidentsRecorded(t *testing.T) {
	dir := &fakeDirectory{
		runtimes:   []*store.TaskRuntime{liveRuntime("rt-1")},
		restartErr: fmt.Errorf("docker restart failed"),
	}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	s.Cycle(context.Background())

	incidents := s.Incidents()
	if len(incidents) != 1 {
		t.Fatalf("Expected 1 incident, got %d", len(incidents))
	}
	if incidents[0].RuntimeID != "rt-1" {
		t.Errorf("Unexpected incident runtime: %q", incidents[0].RuntimeID)
	}
	if incidents[0].Action != ActionRestart {
		t.Errorf("Unexpected incident action: %q", incidents[0].Action)
	}
	if incidents[0].Success {
		t.Error("Expected failed incident")
	}
	if incidents[0].Severity != SeverityError {
		t.Errorf("Expected Error severity on a failed remediation, got %q", incidents[0].Severity)
	}
	if incidents[0].Message == "" {
		t.Error("Expected error message on failed incident")
	}
}

func TestSupervisor_IncidentSeverities(t *testing.T) {
	cfg := testHealthConfig()
	cfg.RemediationCooldownSecs = 0
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, cfg, dir, regs, &probeHealthy)

	// Two restarts, then the quarantine escalation.
	for i := 0; i < 3; i++ {
		s.Cycle(context.Background())
	}

	incidents := s.Incidents()
	if len(incidents) != 3 {
		t.Fatalf("Expected 3 incidents, got %d", len(incidents))
	}
	for _, incident := range incidents[:2] {
		if incident.Severity != SeveritySuccess || !incident.Success {
			t.Errorf("Expected successful restart incident, got %+v", incident)
		}
	}
	// A quarantine that works is still a loss of capacity.
	last := incidents[2]
	if last.Action != ActionQuarantine || !last.Success {
		t.Fatalf("Expected successful quarantine incident, got %+v", last)
	}
	if last.Severity != SeverityWarning {
		t.Errorf("Expected Warning severity for quarantine, got %q", last.Severity)
	}
}

func TestSupervisor_CooldownSuppressionRecordsWarning(t *testing.T) {
	dir := &fakeDirectory{runtimes: []*store.TaskRuntime{liveRuntime("rt-1")}}
	regs := &fakeRegistrations{}
	probeHealthy := false
	s := newTestSupervisor(t, testHealthConfig(), dir, regs, &probeHealthy)

	// The first cycle remediates; the cooldown swallows the rest, with a
	// single warning for the whole suppression stretch.
	for i := 0; i < 5; i++ {
		s.Cycle(context.Background())
	}

	incidents := s.Incidents()
	if len(incidents) != 2 {
		t.Fatalf("Expected restart plus one suppression warning, got %d incidents", len(incidents))
	}
	if incidents[0].Action != ActionRestart || incidents[0].Severity != SeveritySuccess {
		t.Errorf("Unexpected first incident: %+v", incidents[0])
	}
	suppressed := incidents[1]
	if suppressed.Severity != SeverityWarning {
		t.Errorf("Expected Warning severity for suppression, got %q", suppressed.Severity)
	}
	if suppressed.Success {
		t.Error("A suppressed remediation is not a success")
	}
	if suppressed.Reason != "remediation suppressed by cooldown" {
		t.Errorf("Unexpected suppression reason: %q", suppressed.Reason)
	}
}

func TestIncidentRing_BoundedFIFO(t *testing.T) {
	ring := newIncidentRing(3)

	for i := 0; i < 5; i++ {
		ring.Append(Incident{ID: fmt.Sprintf("incident-%d", i)})
	}

	got := ring.Snapshot()
	if len(got) != 3 {
		t.Fatalf("Expected ring capped at 3, got %d", len(got))
	}
	// Oldest entries evicted first.
	for i, incident := range got {
		want := fmt.Sprintf("incident-%d", i+2)
		if incident.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, incident.ID)
		}
	}
}
