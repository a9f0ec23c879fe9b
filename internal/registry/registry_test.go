package registry

import (
	"testing"

	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := eventlog.Open(t.TempDir() + "/agent_state.log")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(toolcatalog.New(), log, nil, Callbacks{})
}

// TestPoolSaturatesThenDrains exercises a pool reaching its max size,
// rejecting a further acquire, then reusing a released slot.
func TestPoolSaturatesThenDrains(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateAgentConfig(types.AgentConfigInput{
		Kind: types.KindOperator, Type: "poet", MaxPoolSize: 2, AutoPopulatePool: false,
	})
	if err != nil {
		t.Fatalf("CreateAgentConfig: %v", err)
	}

	a1, err := r.AcquireAgent(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	a2, err := r.AcquireAgent(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatal("expected distinct agent ids")
	}

	if _, err := r.AcquireAgent(types.KindOperator, "poet", 0); types.KindOf(err) != types.ErrPoolExhausted {
		t.Fatalf("expected PoolExhausted, got %v", err)
	}

	if err := r.ReleaseAgent(a1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	a4, err := r.AcquireAgent(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if a4.ID != a1.ID {
		t.Fatalf("expected to reacquire %s, got %s", a1.ID, a4.ID)
	}
}

// TestVersioningRetiresStalePool verifies that once an updated
// config's predecessor has drained of live instances, the cleanup tick
// retires both its pool and its config entry.
func TestVersioningRetiresStalePool(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateAgentConfig(types.AgentConfigInput{
		Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1, AutoPopulatePool: true,
	})
	if err != nil {
		t.Fatalf("CreateAgentConfig: %v", err)
	}

	stats, err := r.GetPoolStats(types.KindOperator, "poet")
	if err != nil {
		t.Fatalf("GetPoolStats: %v", err)
	}
	if stats.Free != 1 || stats.Total != 1 {
		t.Fatalf("expected one idle auto-populated agent, got %+v", stats)
	}

	if _, err := r.UpdateAgentConfig(types.AgentConfigInput{
		Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1, AutoPopulatePool: true,
	}); err != nil {
		t.Fatalf("UpdateAgentConfig: %v", err)
	}

	r.runCleanupTick()

	cfg, err := r.GetAgentConfig(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("GetAgentConfig: %v", err)
	}
	if cfg.Version != 2 {
		t.Fatalf("expected latest version 2, got %d", cfg.Version)
	}

	if _, err := r.AcquireAgent(types.KindOperator, "poet", 1); types.KindOf(err) != types.ErrNotFound {
		t.Fatalf("expected v1 pool to be retired (NotFound), got %v", err)
	}

	if _, err := r.GetAgentConfig(types.KindOperator, "poet", 1); types.KindOf(err) != types.ErrNotFound {
		t.Fatalf("expected v1 config entry to be retired (NotFound), got %v", err)
	}
}

func TestMaxPoolSizeZeroMeansNoPooling(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 0})

	a1, err := r.AcquireAgent(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a2, err := r.AcquireAgent(types.KindOperator, "poet", 0)
	if err != nil {
		t.Fatalf("second acquire with maxPoolSize=0 should succeed (unbounded on demand): %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatal("expected distinct instances")
	}

	if err := r.ReleaseAgent(a1.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	stats, _ := r.GetPoolStats(types.KindOperator, "poet")
	if stats.Free != 0 {
		t.Fatalf("maxPoolSize=0 releases should destroy immediately, got %d free", stats.Free)
	}
}

func TestReleaseUnknownAgentIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1})
	a1, _ := r.AcquireAgent(types.KindOperator, "poet", 0)

	if err := r.ReleaseAgent(a1.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := r.ReleaseAgent(a1.ID); types.KindOf(err) != types.ErrNotFound {
		t.Fatalf("second release of same id should be NotFound (idempotence law), got %v", err)
	}
}

func TestCreateAgentConfigDuplicateType(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1})

	_, err := r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1})
	if types.KindOf(err) != types.ErrDuplicateType {
		t.Fatalf("expected DuplicateType, got %v", err)
	}
}

func TestCreateAgentConfigUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	r.catalog.RegisterFactory(types.KindOperator, toolcatalog.StaticFactory{{Name: "search"}})

	_, err := r.CreateAgentConfig(types.AgentConfigInput{
		Kind: types.KindOperator, Type: "poet", Tools: []string{"bogus"},
	})
	if types.KindOf(err) != types.ErrUnknownTool {
		t.Fatalf("expected UnknownTool, got %v", err)
	}
}

func TestOnAgentAvailableFiresOnReleaseAndCreate(t *testing.T) {
	var fired []int
	r := newTestRegistry(t)
	r.callbacks.OnAgentAvailable = func(kind types.Kind, agentType string, version, count int) {
		fired = append(fired, count)
	}

	r.CreateAgentConfig(types.AgentConfigInput{
		Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1, AutoPopulatePool: true,
	})
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("expected one available callback with count 1 from auto-populate, got %v", fired)
	}

	a, _ := r.AcquireAgent(types.KindOperator, "poet", 0)
	r.ReleaseAgent(a.ID)
	if len(fired) != 2 {
		t.Fatalf("expected available callback on release too, got %v", fired)
	}
}

func TestGetActiveAgentsFilter(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 2})
	r.AcquireAgent(types.KindOperator, "poet", 0)
	r.AcquireAgent(types.KindOperator, "poet", 0)

	active := r.GetActiveAgents(types.ActiveAgentFilter{Kind: types.KindOperator, Type: "poet"})
	if len(active) != 2 {
		t.Fatalf("expected 2 active agents, got %d", len(active))
	}
}

func TestUpdateAgentConfigNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.UpdateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "ghost"})
	if types.KindOf(err) != types.ErrNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCleanupHaltsWhenAllInstancesStillInUse(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1, AutoPopulatePool: true})
	a, _ := r.AcquireAgent(types.KindOperator, "poet", 1)
	r.UpdateAgentConfig(types.AgentConfigInput{Kind: types.KindOperator, Type: "poet", MaxPoolSize: 1})

	r.runCleanupTick()

	// The in-use v1 instance must survive the tick; only release
	// destroys it since it's not free.
	if _, err := r.GetAgent(a.ID); err != nil {
		t.Fatalf("expected in-use stale instance to survive cleanup tick: %v", err)
	}
}
