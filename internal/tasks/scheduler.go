package tasks

import (
	"time"

	"github.com/taskmesh/controlplane/internal/types"
)

// StartScheduler launches the periodic scheduler tick (~100ms) that
// drains the scheduled-start queue one run per tick.
func (m *Manager) StartScheduler() {
	go func() {
		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runSchedulerTick()
			case <-m.stopScheduler:
				return
			}
		}
	}()
}

// StopScheduler halts the scheduler goroutine started by StartScheduler.
func (m *Manager) StopScheduler() {
	close(m.stopScheduler)
}

// runSchedulerTick pops and dispatches a single scheduled run.
func (m *Manager) runSchedulerTick() {
	entry, ok := m.queue.Pop()
	if !ok {
		return
	}

	if err := m.ac.Require(runResource(entry.runID), entry.actingAgent, types.PermFull); err != nil {
		return
	}

	m.mu.Lock()
	rs, ok := m.runs[entry.runID]
	if !ok {
		m.mu.Unlock()
		return
	}

	limit := rs.run.Config.ConcurrencyMode.PoolSize()
	if m.activeCountLocked(rs.run.Config.TypeKey(), rs.run.ConfigVersion) >= limit {
		rs.run.Status = types.RunWaiting
		rs.waitingSince = time.Now()
		m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
		m.mu.Unlock()
		return
	}

	now := time.Now()
	rs.run.Status = types.RunExecuting
	rs.run.LastRunAt = &now
	if rs.run.Config.IntervalMs > 0 {
		next := now.Add(time.Duration(rs.run.Config.IntervalMs) * time.Millisecond)
		rs.run.NextRunAt = &next
	}
	run := rs.run
	m.taskLog.Emit(types.EventTaskRunUpdate, run)
	m.emitPoolChangeLocked(run.Config.TypeKey())
	m.mu.Unlock()

	cb := RunCallbacks{
		OnAwaitingAgentAcquired: func(runID string) { m.handleAwaitingAgentAcquired(runID) },
		OnAgentAcquired:         func(runID, agentID string) { m.handleAgentAcquired(runID, agentID) },
		OnAgentComplete:         func(output, runID, agentID string) { m.handleAgentComplete(output, runID, agentID) },
		OnAgentError:            func(err error, runID, agentID string) { m.handleAgentError(err, runID, agentID) },
	}

	go m.onTaskStart(run, m.acquirer, cb)
}

func (m *Manager) handleAwaitingAgentAcquired(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunExecuting {
		return
	}
	rs.run.Status = types.RunWaiting
	rs.waitingSince = time.Now()
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
}

func (m *Manager) handleAgentAcquired(runID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunExecuting {
		return
	}
	now := time.Now()
	rs.run.OccupiedBy = agentID
	rs.run.OccupiedSince = &now
	m.ac.Grant(runResource(runID), "", agentID, types.PermFull)

	rs.occupancyTO = time.AfterFunc(m.occupancyTimeout, func() { m.forceReleaseOccupancy(runID, agentID) })

	if m.agentLog != nil {
		m.agentLog.Emit(types.EventAssignmentAssign, map[string]string{"runId": runID, "agentId": agentID})
	}
}

// handleAgentComplete records a successful attempt. A report for a run
// that is no longer EXECUTING under this agent is a late report and is
// ignored.
func (m *Manager) handleAgentComplete(output, runID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunExecuting || rs.run.OccupiedBy != agentID {
		return
	}
	m.stopOccupancyTimerLocked(rs)

	rs.run.CompletedRuns++
	entry := types.HistoryEntry{
		RunID: runID, Timestamp: time.Now(), Status: types.TerminalCompleted,
		Output: output, RunNumber: rs.run.CompletedRuns, RetryAttempt: rs.run.CurrentRetryAttempt,
		AgentID: agentID, ExecutionTime: occupiedDuration(rs.run),
	}
	m.appendHistoryLocked(rs, entry)

	m.releaseOccupantBestEffort(agentID)
	m.emitUnassign(runID, agentID)
	rs.run.OccupiedBy = ""
	rs.run.OccupiedSince = nil
	rs.run.CurrentRetryAttempt = 0

	if shouldStopAfterComplete(rs.run) {
		rs.run.Status = types.RunCompleted
	} else {
		rs.run.Status = types.RunWaiting
		rs.waitingSince = time.Now()
		interval := time.Duration(rs.run.Config.IntervalMs) * time.Millisecond
		rs.intervalTimer = time.AfterFunc(interval, func() { m.reScheduleAfterWait(runID) })
	}
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	m.emitPoolChangeLocked(rs.run.Config.TypeKey())
}

// handleAgentError records a failed attempt and applies the retry
// policy (maxRetries authoritative, per the resolved Open Question).
func (m *Manager) handleAgentError(err error, runID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunExecuting || rs.run.OccupiedBy != agentID {
		return
	}
	m.stopOccupancyTimerLocked(rs)

	rs.run.ErrorCount++
	rs.run.CompletedRuns++
	entry := types.HistoryEntry{
		RunID: runID, Timestamp: time.Now(), Status: types.TerminalFailed,
		Error: err.Error(), RunNumber: rs.run.CompletedRuns, RetryAttempt: rs.run.CurrentRetryAttempt,
		AgentID: agentID, ExecutionTime: occupiedDuration(rs.run),
	}
	m.appendHistoryLocked(rs, entry)

	m.releaseOccupantBestEffort(agentID)
	m.emitUnassign(runID, agentID)
	rs.run.OccupiedBy = ""
	rs.run.OccupiedSince = nil

	if rs.run.CurrentRetryAttempt >= effectiveMaxRetries(rs.run.Config) {
		rs.run.Status = types.RunFailed
	} else {
		rs.run.CurrentRetryAttempt++
		rs.run.Status = types.RunWaiting
		rs.waitingSince = time.Now()
		delay := time.Duration(rs.run.Config.RetryDelayMs) * time.Millisecond
		rs.retryTimer = time.AfterFunc(delay, func() { m.reScheduleAfterWait(runID) })
	}
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	m.emitPoolChangeLocked(rs.run.Config.TypeKey())
}

// forceReleaseOccupancy fires from the occupancy-timeout one-shot: it
// force-releases a run still held after occupancyTimeoutMs, defending
// against a worker that never reports back. A subsequent late report
// for this attempt finds the run no longer EXECUTING and is ignored.
func (m *Manager) forceReleaseOccupancy(runID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunExecuting || rs.run.OccupiedBy != agentID {
		return
	}
	m.releaseOccupantBestEffort(agentID)
	m.emitUnassign(runID, agentID)
	rs.run.OccupiedBy = ""
	rs.run.OccupiedSince = nil
	rs.run.Status = types.RunWaiting
	rs.waitingSince = time.Now()
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
}

// reScheduleAfterWait fires from an interval or retry timer: if the run
// is still WAITING (not stopped/destroyed meanwhile), move it back to
// the scheduled-start queue.
func (m *Manager) reScheduleAfterWait(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok || rs.run.Status != types.RunWaiting {
		return
	}
	rs.run.Status = types.RunScheduled
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	m.queue.Push(runID, rs.run.CreatedBy)
}

func (m *Manager) stopOccupancyTimerLocked(rs *runState) {
	if rs.occupancyTO != nil {
		rs.occupancyTO.Stop()
		rs.occupancyTO = nil
	}
}

// appendHistoryLocked appends entry to rs's in-memory ring (bounded by
// maxHistoryEntries) and, if configured, the SQLite index. Caller holds
// m.mu.
func (m *Manager) appendHistoryLocked(rs *runState, entry types.HistoryEntry) {
	rs.run.History = append(rs.run.History, entry)
	if len(rs.run.History) > m.maxHistoryEntries {
		rs.run.History = rs.run.History[len(rs.run.History)-m.maxHistoryEntries:]
	}
	m.taskLog.Emit(types.EventHistoryEntryCreate, entry)
	if m.agentLog != nil {
		m.agentLog.Emit(types.EventAssignmentHistoryEntry, entry)
	}
	if m.history != nil {
		m.history.Append(entry)
	}
}

func occupiedDuration(run types.TaskRun) time.Duration {
	if run.OccupiedSince == nil {
		return 0
	}
	return time.Since(*run.OccupiedSince)
}
