package tasks

import (
	"time"

	"github.com/taskmesh/controlplane/internal/types"
)

// AgentAcquirer is the narrow seam the Manager holds instead of a
// *registry.Registry reference, so the Manager never depends on
// Registry's concrete types, only on this two-method interface.
type AgentAcquirer interface {
	AcquireAgent(kind types.Kind, agentType string, version int) (types.AgentInstance, error)
	ReleaseAgent(id types.InstanceID) error
}

// RunCallbacks are the four run-lifecycle callbacks the Manager hands
// to the external onTaskStart hook. The external side (the worker
// runtime that actually spawns and drives an agent process) uses the
// AgentAcquirer passed alongside these callbacks to acquire a worker.
// It calls OnAwaitingAgentAcquired if no worker could be acquired;
// otherwise OnAgentAcquired, followed by exactly one of OnAgentComplete
// or OnAgentError.
type RunCallbacks struct {
	OnAwaitingAgentAcquired func(runID string)
	OnAgentAcquired         func(runID, agentID string)
	OnAgentComplete         func(output, runID, agentID string)
	OnAgentError            func(err error, runID, agentID string)
}

// OnTaskStart is invoked once per dispatched run; the external side
// drives the worker and reports back via cb.
type OnTaskStart func(run types.TaskRun, acquirer AgentAcquirer, cb RunCallbacks)

// runState is the mutable, lock-protected record for one TaskRun. The
// exported types.TaskRun snapshot is derived from it on read.
//
// createdAt/waitingSince are scheduling bookkeeping only, not part of
// the spec's TaskRun fields, used to order AgentAvailable's scan of
// WAITING runs oldest-first.
type runState struct {
	run           types.TaskRun
	createdAt     time.Time
	waitingSince  time.Time
	intervalTimer *time.Timer
	retryTimer    *time.Timer
	occupancyTO   *time.Timer
}

// effectiveMaxRetries returns the retry cap, treating a nil MaxRetries
// as zero retries (one shot), resolving the spec's Open Question in
// favor of maxRetries as authoritative over maxRepeats.
func effectiveMaxRetries(cfg types.TaskConfig) int {
	if cfg.MaxRetries == nil {
		return 0
	}
	return *cfg.MaxRetries
}

// shouldStopAfterComplete decides whether a successful attempt ends
// the run's life or returns it to WAITING for the next interval tick.
func shouldStopAfterComplete(run types.TaskRun) bool {
	if run.Config.MaxRepeats != nil && run.CompletedRuns >= *run.Config.MaxRepeats {
		return true
	}
	return run.Config.IntervalMs <= 0
}
