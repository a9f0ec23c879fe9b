// Package tasks implements the Task Manager: the task definition
// history, the run map and scheduled-start queue, interval timers,
// retry policy, history, and the access-control gate in front of every
// public operation.
package tasks

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/controlplane/internal/access"
	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/stringutils"
	"github.com/taskmesh/controlplane/internal/types"
	"github.com/taskmesh/controlplane/internal/utils"
	"github.com/taskmesh/controlplane/internal/workspace"
)

const definitionsFile = "task_manager.jsonl"
const ownerTag = "manager"

// rootResource is the AC resource id guarding root-level operations
// (createTaskConfig, getPoolStats).
const rootResource = "taskmanager:root"

const (
	defaultOccupancyTimeout  = 30 * time.Minute
	defaultMaxHistoryEntries = 200
	schedulerTick            = 100 * time.Millisecond
)

func configResource(key types.TypeKey) string {
	return fmt.Sprintf("taskconfig:%s", key)
}

func runResource(runID string) string {
	return fmt.Sprintf("taskrun:%s", runID)
}

// Options configures a Manager beyond its required collaborators.
type Options struct {
	OccupancyTimeout  time.Duration
	MaxHistoryEntries int
	History           *HistoryStore // optional SQLite-backed history index
}

// Manager is the Task Manager. It holds no reference to Registry types,
// only to the narrower AgentAcquirer interface (run.go), which keeps
// Registry and Manager from depending on each other's concrete types.
type Manager struct {
	mu sync.Mutex

	ac       *access.Registry
	taskLog  *eventlog.Logger // task_state.log: task_* events
	agentLog *eventlog.Logger // agent_state.log: assignment_* events, shared with the Registry
	ws       *workspace.Store

	acquirer    AgentAcquirer
	onTaskStart OnTaskStart

	occupancyTimeout  time.Duration
	maxHistoryEntries int
	history           *HistoryStore

	configs              map[types.TypeKey]*configHistory
	registeredAgentTypes map[types.TypeKey]bool

	runs  map[string]*runState
	queue *startQueue

	stopScheduler chan struct{}
}

// New constructs a Manager. ws and opts.History may be nil (persistence
// and history indexing disabled respectively).
func New(ac *access.Registry, taskLog, agentLog *eventlog.Logger, ws *workspace.Store, acquirer AgentAcquirer, onTaskStart OnTaskStart, opts Options) *Manager {
	if ws != nil {
		ws.RegisterOwner(definitionsFile, ownerTag)
	}
	occupancyTimeout := opts.OccupancyTimeout
	if occupancyTimeout <= 0 {
		occupancyTimeout = defaultOccupancyTimeout
	}
	maxHistory := opts.MaxHistoryEntries
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistoryEntries
	}
	return &Manager{
		ac:                   ac,
		taskLog:              taskLog,
		agentLog:             agentLog,
		ws:                   ws,
		acquirer:             acquirer,
		onTaskStart:          onTaskStart,
		occupancyTimeout:     occupancyTimeout,
		maxHistoryEntries:    maxHistory,
		history:              opts.History,
		configs:              make(map[types.TypeKey]*configHistory),
		registeredAgentTypes: make(map[types.TypeKey]bool),
		runs:                 make(map[string]*runState),
		queue:                newStartQueue(),
		stopScheduler:        make(chan struct{}),
	}
}

// RegisterAgentType declares (kind,agentType) as a valid TaskConfig
// target. Called from the Registry's OnAgentConfigCreated callback.
func (m *Manager) RegisterAgentType(kind types.Kind, agentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeredAgentTypes[types.TypeKey{Kind: kind, Type: agentType}] = true
	m.taskLog.Emit(types.EventAgentTypeRegister, map[string]string{"kind": string(kind), "type": agentType})
}

// RegisterAdminAgent grants FULL on the manager root resource.
func (m *Manager) RegisterAdminAgent(agentID string) {
	m.ac.Grant(rootResource, agentID, agentID, types.PermFull)
}

// CreateTaskConfig materializes version 1 of (kind,type).
func (m *Manager) CreateTaskConfig(in types.TaskConfigInput, ownerAgentID, actingAgent string) (types.TaskConfig, error) {
	if err := m.ac.Require(rootResource, actingAgent, types.PermWrite); err != nil {
		return types.TaskConfig{}, err
	}
	if stringutils.IsEmpty(string(in.Kind)) || stringutils.IsEmpty(in.Type) {
		return types.TaskConfig{}, types.NewError(types.ErrIllegalState, "kind and type are required")
	}
	if !utils.IsValidTypeName(in.Type) {
		return types.TaskConfig{}, types.NewError(types.ErrIllegalState, "type %q exceeds %d characters", in.Type, utils.MaxTypeNameLength)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.TypeKey{Kind: in.Kind, Type: in.Type}
	if _, exists := m.configs[key]; exists {
		return types.TaskConfig{}, types.NewError(types.ErrDuplicateType, "task config already exists for %s", key)
	}
	agentKey := types.TypeKey{Kind: in.AgentKind, Type: in.AgentType}
	if !m.registeredAgentTypes[agentKey] {
		return types.TaskConfig{}, types.NewError(types.ErrUnknownAgentType, "agent type %s is not registered", agentKey)
	}

	cfg := &types.TaskConfig{
		Kind: in.Kind, Type: in.Type, Version: 1,
		InputTemplate: in.InputTemplate, Description: in.Description,
		IntervalMs: in.IntervalMs, RunImmediately: in.RunImmediately,
		MaxRetries: in.MaxRetries, RetryDelayMs: in.RetryDelayMs, MaxRepeats: in.MaxRepeats,
		AgentKind: in.AgentKind, AgentType: in.AgentType,
		ConcurrencyMode: in.ConcurrencyMode, OwnerAgentID: ownerAgentID,
		CreatedAt: time.Now(),
	}
	m.configs[key] = &configHistory{versions: []*types.TaskConfig{cfg}}

	m.ac.Grant(configResource(key), ownerAgentID, ownerAgentID, types.PermReadExecute)

	if err := m.persistLocked(); err != nil {
		return types.TaskConfig{}, err
	}
	m.taskLog.Emit(types.EventTaskConfigCreate, cfg)
	return *cfg, nil
}

// UpdateTaskConfig produces version v+1 of (kind,type). Caller must
// hold READ+WRITE on the previous config id.
func (m *Manager) UpdateTaskConfig(in types.TaskConfigInput, actingAgent string) (types.TaskConfig, error) {
	key := types.TypeKey{Kind: in.Kind, Type: in.Type}
	if err := m.ac.Require(configResource(key), actingAgent, types.PermReadWrite); err != nil {
		return types.TaskConfig{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hist, ok := m.configs[key]
	if !ok {
		return types.TaskConfig{}, types.NewError(types.ErrNotFound, "no task config for %s", key)
	}
	prev := hist.latest()
	cfg := &types.TaskConfig{
		Kind: in.Kind, Type: in.Type, Version: prev.Version + 1,
		InputTemplate: in.InputTemplate, Description: in.Description,
		IntervalMs: in.IntervalMs, RunImmediately: in.RunImmediately,
		MaxRetries: in.MaxRetries, RetryDelayMs: in.RetryDelayMs, MaxRepeats: in.MaxRepeats,
		AgentKind: in.AgentKind, AgentType: in.AgentType,
		ConcurrencyMode: in.ConcurrencyMode, OwnerAgentID: prev.OwnerAgentID,
		CreatedAt: time.Now(),
	}
	hist.versions = append(hist.versions, cfg)

	if err := m.persistLocked(); err != nil {
		return types.TaskConfig{}, err
	}
	m.taskLog.Emit(types.EventTaskConfigUpdate, cfg)
	return *cfg, nil
}

// DestroyTaskConfig removes every version of (kind,type). Fails with
// IllegalState if any non-terminal run still references it.
func (m *Manager) DestroyTaskConfig(kind types.Kind, taskType, actingAgent string) error {
	key := types.TypeKey{Kind: kind, Type: taskType}
	if err := m.ac.Require(configResource(key), actingAgent, types.PermReadWrite); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[key]; !ok {
		return types.NewError(types.ErrNotFound, "no task config for %s", key)
	}
	for _, rs := range m.runs {
		if rs.run.Config.Kind == kind && rs.run.Config.Type == taskType && !rs.run.Status.IsTerminal() {
			return types.NewError(types.ErrIllegalState, "task config %s has active runs", key)
		}
	}

	delete(m.configs, key)
	m.ac.Revoke(configResource(key))

	if err := m.persistLocked(); err != nil {
		return err
	}
	m.taskLog.Emit(types.EventTaskConfigDestroy, map[string]string{"kind": string(kind), "type": taskType})
	return nil
}

// CreateTaskRun instantiates the latest TaskConfig for (kind,type) with
// a concrete input. If the config has RunImmediately, the run is
// enqueued to the scheduled-start queue.
func (m *Manager) CreateTaskRun(kind types.Kind, taskType, input, actingAgent string) (types.TaskRun, error) {
	key := types.TypeKey{Kind: kind, Type: taskType}
	if err := m.ac.Require(configResource(key), actingAgent, types.PermReadExecute); err != nil {
		return types.TaskRun{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hist, ok := m.configs[key]
	if !ok {
		return types.TaskRun{}, types.NewError(types.ErrNotFound, "no task config for %s", key)
	}
	cfg := *hist.latest()

	hist.runsCreated++
	runID := types.InstanceID{Kind: kind, Type: taskType, Num: hist.runsCreated, Version: cfg.Version}
	run := types.TaskRun{
		ID: runID, ConfigVersion: cfg.Version, Config: cfg,
		Status: types.RunCreated, Input: input, CreatedBy: actingAgent,
	}
	rs := &runState{run: run, createdAt: time.Now()}
	m.runs[runID.String()] = rs

	m.ac.Grant(runResource(runID.String()), actingAgent, actingAgent, types.PermFull)
	m.taskLog.Emit(types.EventTaskRunCreate, run)

	if cfg.RunImmediately {
		rs.run.Status = types.RunScheduled
		m.queue.Push(runID.String(), actingAgent)
		m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	}

	return rs.run, nil
}

// ScheduleStartTaskRun marks runID SCHEDULED and enqueues it, subject
// to the (kind,type,version) concurrency cap. If the cap is already
// met, the request is silently ignored and the run keeps its prior
// status.
func (m *Manager) ScheduleStartTaskRun(runID, actingAgent string) error {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermFull); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return types.NewError(types.ErrNotFound, "no task run %s", runID)
	}

	limit := rs.run.Config.ConcurrencyMode.PoolSize()
	if m.activeCountLocked(rs.run.Config.TypeKey(), rs.run.Config.Version) >= limit {
		return nil
	}

	rs.run.Status = types.RunScheduled
	m.queue.Push(runID, actingAgent)
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	return nil
}

// StopTaskRun cooperatively stops a run: a no-op if already STOPPED;
// force-releases occupancy if EXECUTING, without interrupting the
// external worker.
func (m *Manager) StopTaskRun(runID, actingAgent string) error {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermFull); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	if rs.run.Status == types.RunStopped {
		return nil
	}

	m.cancelTimersLocked(rs)
	m.queue.Remove(runID)
	if rs.run.OccupiedBy != "" {
		m.releaseOccupantBestEffort(rs.run.OccupiedBy)
		m.emitUnassign(runID, rs.run.OccupiedBy)
	}
	rs.run.OccupiedBy = ""
	rs.run.OccupiedSince = nil
	rs.run.Status = types.RunStopped
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	m.emitPoolChangeLocked(rs.run.Config.TypeKey())
	return nil
}

// DestroyTaskRun removes a run and its AC entry.
func (m *Manager) DestroyTaskRun(runID, actingAgent string) error {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermWrite); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	m.cancelTimersLocked(rs)
	m.queue.Remove(runID)
	delete(m.runs, runID)
	m.ac.Revoke(runResource(runID))
	m.taskLog.Emit(types.EventTaskRunDestroy, map[string]string{"runId": runID})
	return nil
}

// UpdateTaskRun replaces a run's input payload.
func (m *Manager) UpdateTaskRun(runID, input, actingAgent string) (types.TaskRun, error) {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermFull); err != nil {
		return types.TaskRun{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return types.TaskRun{}, types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	rs.run.Input = input
	m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	return rs.run, nil
}

// GetAllTaskRuns returns every run, requiring READ on the manager root.
func (m *Manager) GetAllTaskRuns(actingAgent string) ([]types.TaskRun, error) {
	if err := m.ac.Require(rootResource, actingAgent, types.PermRead); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.TaskRun, 0, len(m.runs))
	for _, rs := range m.runs {
		out = append(out, rs.run)
	}
	return out, nil
}

// GetTaskRun returns one run by id, requiring READ on the run.
func (m *Manager) GetTaskRun(runID, actingAgent string) (types.TaskRun, error) {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermRead); err != nil {
		return types.TaskRun{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.runs[runID]
	if !ok {
		return types.TaskRun{}, types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	return rs.run, nil
}

// GetTaskRunHistory returns history entries for runID, via the SQLite
// index when present, else the run's in-memory ring.
func (m *Manager) GetTaskRunHistory(runID, actingAgent string, opts types.HistoryQueryOptions) ([]types.HistoryEntry, error) {
	if err := m.ac.Require(runResource(runID), actingAgent, types.PermRead); err != nil {
		return nil, err
	}
	if m.history != nil {
		return m.history.Query(runID, opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[runID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	var out []types.HistoryEntry
	for i := len(rs.run.History) - 1; i >= 0; i-- {
		e := rs.run.History[i]
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset >= len(out) {
		out = nil
	} else if opts.Offset > 0 {
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetPoolStats summarizes active-run counts against the concurrency
// cap for (kind,type)'s latest version.
func (m *Manager) GetPoolStats(kind types.Kind, taskType, actingAgent string) (types.PoolStats, error) {
	if err := m.ac.Require(rootResource, actingAgent, types.PermRead); err != nil {
		return types.PoolStats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.TypeKey{Kind: kind, Type: taskType}
	hist, ok := m.configs[key]
	if !ok {
		return types.PoolStats{}, types.NewError(types.ErrNotFound, "no task config for %s", key)
	}
	cfg := hist.latest()
	active := m.activeCountLocked(key, cfg.Version)
	limit := cfg.ConcurrencyMode.PoolSize()
	return types.PoolStats{
		Kind: kind, Type: taskType, Total: limit, InUse: active, Free: limit - active,
		PerVersion: []types.VersionPoolStats{{Version: cfg.Version, Live: limit, Free: limit - active, InUse: active}},
	}, nil
}

// IsTaskRunOccupied reports whether runID currently has an assigned
// agent. Not AC-gated: a read-only monitoring helper.
func (m *Manager) IsTaskRunOccupied(runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[runID]
	if !ok {
		return false, types.NewError(types.ErrNotFound, "no task run %s", runID)
	}
	return rs.run.OccupiedBy != "", nil
}

// AgentAvailable is the Registry's OnAgentAvailable callback: it scans
// WAITING runs targeting (kind,agentType) oldest-first and moves up to
// count of them into the scheduled-start queue.
func (m *Manager) AgentAvailable(kind types.Kind, agentType string, version, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*runState
	for _, rs := range m.runs {
		if rs.run.Status == types.RunWaiting && rs.run.Config.AgentKind == kind && rs.run.Config.AgentType == agentType {
			candidates = append(candidates, rs)
		}
	}
	sortByWaitingSince(candidates)

	for i := 0; i < len(candidates) && i < count; i++ {
		rs := candidates[i]
		rs.run.Status = types.RunScheduled
		m.queue.Push(rs.run.ID.String(), rs.run.CreatedBy)
		m.taskLog.Emit(types.EventTaskRunUpdate, rs.run)
	}
}

// sortByWaitingSince orders runs oldest-first by insertion sort (the
// candidate lists here are the WAITING runs of a single agent type).
func sortByWaitingSince(runs []*runState) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].waitingSince.After(runs[j].waitingSince); j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}

// activeCountLocked counts EXECUTING runs for (key,version). Caller
// holds m.mu.
func (m *Manager) activeCountLocked(key types.TypeKey, version int) int {
	n := 0
	for _, rs := range m.runs {
		if rs.run.Config.TypeKey() == key && rs.run.ConfigVersion == version && rs.run.Status == types.RunExecuting {
			n++
		}
	}
	return n
}

// emitPoolChangeLocked emits the task-log's pool_change snapshot for
// (kind,type), mirroring the Registry's aggregate-stats event so
// monitors can track both engines from the same event shape. Caller
// holds m.mu.
func (m *Manager) emitPoolChangeLocked(key types.TypeKey) {
	hist, ok := m.configs[key]
	if !ok {
		return
	}
	cfg := hist.latest()
	active := m.activeCountLocked(key, cfg.Version)
	limit := cfg.ConcurrencyMode.PoolSize()
	m.taskLog.Emit(types.EventPoolChange, types.PoolStats{
		Kind: key.Kind, Type: key.Type, Total: limit, InUse: active, Free: limit - active,
		PerVersion: []types.VersionPoolStats{{Version: cfg.Version, Live: limit, Free: limit - active, InUse: active}},
	})
}

func (m *Manager) cancelTimersLocked(rs *runState) {
	if rs.intervalTimer != nil {
		rs.intervalTimer.Stop()
	}
	if rs.retryTimer != nil {
		rs.retryTimer.Stop()
	}
	if rs.occupancyTO != nil {
		rs.occupancyTO.Stop()
	}
}

func (m *Manager) releaseOccupantBestEffort(agentID string) {
	id, err := types.ParseInstanceID(agentID)
	if err != nil {
		return
	}
	m.acquirer.ReleaseAgent(id)
}

func (m *Manager) emitUnassign(runID, agentID string) {
	if m.agentLog == nil {
		return
	}
	m.agentLog.Emit(types.EventAssignmentUnassign, map[string]string{"runId": runID, "agentId": agentID})
}

// persistLocked rewrites the full task config set to the workspace.
// Caller holds m.mu.
func (m *Manager) persistLocked() error {
	if m.ws == nil {
		return nil
	}
	var records []json.RawMessage
	for _, hist := range m.configs {
		for _, cfg := range hist.versions {
			line, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			records = append(records, line)
		}
	}
	return m.ws.WriteDefinitions(ownerTag, definitionsFile, records)
}

// Restore replays persisted TaskConfig snapshots with persist=false.
// TaskRuns are never persisted, so no runs reappear.
func (m *Manager) Restore() error {
	if m.ws == nil {
		return nil
	}
	records, err := m.ws.ReadDefinitions(definitionsFile)
	if err != nil {
		return types.NewError(types.ErrRestoreFailed, "%v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, line := range records {
		var cfg types.TaskConfig
		if err := json.Unmarshal(line, &cfg); err != nil {
			return types.NewError(types.ErrRestoreFailed, "unparsable task config line: %v", err)
		}
		key := types.TypeKey{Kind: cfg.Kind, Type: cfg.Type}
		hist, ok := m.configs[key]
		if !ok {
			hist = &configHistory{}
			m.configs[key] = hist
		}
		c := cfg
		hist.versions = append(hist.versions, &c)
		m.ac.Grant(configResource(key), cfg.OwnerAgentID, cfg.OwnerAgentID, types.PermReadExecute)
	}
	return nil
}
