package tasks

import (
	"fmt"
	"testing"
	"time"

	"github.com/taskmesh/controlplane/internal/access"
	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/types"
	"github.com/taskmesh/controlplane/internal/workspace"
)

// stubAcquirer hands out a fresh fake instance id on every acquire;
// release is a no-op. Good enough to drive the Manager's scheduling
// logic without a real registry.Registry.
type stubAcquirer struct{ num int }

func (s *stubAcquirer) AcquireAgent(kind types.Kind, agentType string, version int) (types.AgentInstance, error) {
	s.num++
	return types.AgentInstance{ID: types.InstanceID{Kind: kind, Type: agentType, Num: s.num, Version: 1}}, nil
}

func (s *stubAcquirer) ReleaseAgent(id types.InstanceID) error { return nil }

func newTestManager(t *testing.T, onStart OnTaskStart) (*Manager, string) {
	t.Helper()
	taskLog, err := eventlog.Open(t.TempDir() + "/task_state.log")
	if err != nil {
		t.Fatalf("open task log: %v", err)
	}
	t.Cleanup(func() { taskLog.Close() })
	agentLog, err := eventlog.Open(t.TempDir() + "/agent_state.log")
	if err != nil {
		t.Fatalf("open agent log: %v", err)
	}
	t.Cleanup(func() { agentLog.Close() })

	ac := access.NewRegistry()
	m := New(ac, taskLog, agentLog, nil, &stubAcquirer{}, onStart, Options{})

	const admin = "admin"
	m.RegisterAdminAgent(admin)
	m.RegisterAgentType(types.KindOperator, "poet")
	return m, admin
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestImmediateOneShotTask runs a one-shot task through to completion
// and checks it shows up in history as such.
func TestImmediateOneShotTask(t *testing.T) {
	one := 1
	onStart := func(run types.TaskRun, acq AgentAcquirer, cb RunCallbacks) {
		inst, _ := acq.AcquireAgent(run.Config.AgentKind, run.Config.AgentType, 0)
		cb.OnAgentAcquired(run.ID.String(), inst.ID.String())
		cb.OnAgentComplete(fmt.Sprintf("a poem about %s", run.Input), run.ID.String(), inst.ID.String())
	}
	m, admin := newTestManager(t, onStart)

	_, err := m.CreateTaskConfig(types.TaskConfigInput{
		Kind: types.KindOperator, Type: "poem_generation",
		RunImmediately: true, IntervalMs: 0, MaxRepeats: &one,
		AgentKind: types.KindOperator, AgentType: "poet",
		ConcurrencyMode: types.ConcurrencyNone,
	}, admin, admin)
	if err != nil {
		t.Fatalf("CreateTaskConfig: %v", err)
	}

	run, err := m.CreateTaskRun(types.KindOperator, "poem_generation", "bee", admin)
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	runID := run.ID.String()

	m.runSchedulerTick()
	waitFor(t, time.Second, func() bool {
		got, err := m.GetTaskRun(runID, admin)
		return err == nil && got.Status == types.RunCompleted
	})

	got, err := m.GetTaskRun(runID, admin)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(got.History))
	}
	h := got.History[0]
	if h.Status != types.TerminalCompleted || h.RunNumber != 1 {
		t.Fatalf("unexpected history entry: %+v", h)
	}
}

// TestRetryOnFailure verifies a failed run is retried up to its
// configured retry count before finally completing.
func TestRetryOnFailure(t *testing.T) {
	attempt := 0
	onStart := func(run types.TaskRun, acq AgentAcquirer, cb RunCallbacks) {
		inst, _ := acq.AcquireAgent(run.Config.AgentKind, run.Config.AgentType, 0)
		cb.OnAgentAcquired(run.ID.String(), inst.ID.String())
		attempt++
		if attempt <= 2 {
			cb.OnAgentError(fmt.Errorf("transient failure %d", attempt), run.ID.String(), inst.ID.String())
			return
		}
		cb.OnAgentComplete("ok on third try", run.ID.String(), inst.ID.String())
	}
	m, admin := newTestManager(t, onStart)

	two := 2
	_, err := m.CreateTaskConfig(types.TaskConfigInput{
		Kind: types.KindOperator, Type: "poem_generation",
		RunImmediately: true, IntervalMs: 0, MaxRetries: &two, RetryDelayMs: 0,
		AgentKind: types.KindOperator, AgentType: "poet",
		ConcurrencyMode: types.ConcurrencyNone,
	}, admin, admin)
	if err != nil {
		t.Fatalf("CreateTaskConfig: %v", err)
	}

	run, err := m.CreateTaskRun(types.KindOperator, "poem_generation", "bee", admin)
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	runID := run.ID.String()

	for i := 0; i < 3; i++ {
		waitFor(t, time.Second, func() bool { return m.queue.Len() > 0 })
		m.runSchedulerTick()
		waitFor(t, time.Second, func() bool {
			got, err := m.GetTaskRun(runID, admin)
			return err == nil && len(got.History) == i+1
		})
	}

	got, err := m.GetTaskRun(runID, admin)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if got.Status != types.RunCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.ErrorCount != 2 || got.CompletedRuns != 3 {
		t.Fatalf("expected errorCount=2 completedRuns=3, got %d/%d", got.ErrorCount, got.CompletedRuns)
	}
	if len(got.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(got.History))
	}
	if got.History[0].Status != types.TerminalFailed || got.History[0].RetryAttempt != 0 {
		t.Fatalf("unexpected first entry: %+v", got.History[0])
	}
	if got.History[1].Status != types.TerminalFailed || got.History[1].RetryAttempt != 1 {
		t.Fatalf("unexpected second entry: %+v", got.History[1])
	}
	if got.History[2].Status != types.TerminalCompleted || got.History[2].RetryAttempt != 2 {
		t.Fatalf("unexpected third entry: %+v", got.History[2])
	}
}

// TestUpdateTaskConfigPermissionDenied verifies an unauthorized update
// is rejected and leaves the config untouched.
func TestUpdateTaskConfigPermissionDenied(t *testing.T) {
	m, admin := newTestManager(t, nil)

	_, err := m.CreateTaskConfig(types.TaskConfigInput{
		Kind: types.KindOperator, Type: "poem_generation",
		AgentKind: types.KindOperator, AgentType: "poet",
		ConcurrencyMode: types.ConcurrencyNone,
	}, admin, admin)
	if err != nil {
		t.Fatalf("CreateTaskConfig: %v", err)
	}

	_, err = m.UpdateTaskConfig(types.TaskConfigInput{
		Kind: types.KindOperator, Type: "poem_generation",
		AgentKind: types.KindOperator, AgentType: "poet",
		ConcurrencyMode: types.ConcurrencyNone,
	}, "intruder")
	if types.KindOf(err) != types.ErrPermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	hist, ok := m.configs[types.TypeKey{Kind: types.KindOperator, Type: "poem_generation"}]
	if !ok {
		t.Fatalf("original task config missing after denied update")
	}
	if hist.latest().Version != 1 {
		t.Fatalf("permission-denied update must have left no side effects")
	}
}

// TestRestartRestoresConfigsNotRuns verifies that restoring a Manager
// from persisted state brings back TaskConfigs but not in-flight runs.
func TestRestartRestoresConfigsNotRuns(t *testing.T) {
	dir := t.TempDir()
	ws, err := workspace.Open(dir, "default")
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	defer ws.Close()

	taskLog, err := eventlog.Open(t.TempDir() + "/task_state.log")
	if err != nil {
		t.Fatalf("open task log: %v", err)
	}
	defer taskLog.Close()
	agentLog, err := eventlog.Open(t.TempDir() + "/agent_state.log")
	if err != nil {
		t.Fatalf("open agent log: %v", err)
	}
	defer agentLog.Close()

	ac := access.NewRegistry()
	m := New(ac, taskLog, agentLog, ws, &stubAcquirer{}, nil, Options{})
	const admin = "admin"
	m.RegisterAdminAgent(admin)
	m.RegisterAgentType(types.KindOperator, "poet")

	if _, err := m.CreateTaskConfig(types.TaskConfigInput{
		Kind: types.KindOperator, Type: "poem_generation",
		AgentKind: types.KindOperator, AgentType: "poet", ConcurrencyMode: types.ConcurrencyNone,
	}, admin, admin); err != nil {
		t.Fatalf("CreateTaskConfig: %v", err)
	}
	if _, err := m.CreateTaskRun(types.KindOperator, "poem_generation", "bee", admin); err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	m2 := New(access.NewRegistry(), taskLog, agentLog, ws, &stubAcquirer{}, nil, Options{})
	if err := m2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	cfgs := 0
	for range m2.configs {
		cfgs++
	}
	if cfgs != 1 {
		t.Fatalf("expected 1 restored task config, got %d", cfgs)
	}
	if len(m2.runs) != 0 {
		t.Fatalf("expected no restored runs, got %d", len(m2.runs))
	}
}
