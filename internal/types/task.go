package types

import "time"

// ConcurrencyMode bounds how many runs of a TaskConfig may execute at
// once.
type ConcurrencyMode string

const (
	ConcurrencyExclusive ConcurrencyMode = "EXCLUSIVE" // poolSize = 1
	ConcurrencyNone      ConcurrencyMode = "NONE"       // large cap
)

// NonePoolCap is the effectively-unbounded concurrency cap used for
// ConcurrencyNone.
const NonePoolCap = 100

// PoolSize returns the effective concurrency cap for this mode.
func (m ConcurrencyMode) PoolSize() int {
	if m == ConcurrencyExclusive {
		return 1
	}
	return NonePoolCap
}

// TaskConfig is the template from which task runs are instantiated.
type TaskConfig struct {
	Kind            Kind            `json:"kind"`
	Type            string          `json:"type"`
	Version         int             `json:"version"`
	InputTemplate   string          `json:"inputTemplate"`
	Description     string          `json:"description"`
	IntervalMs      int64           `json:"intervalMs"`
	RunImmediately  bool            `json:"runImmediately"`
	MaxRetries      *int            `json:"maxRetries,omitempty"`
	RetryDelayMs    int64           `json:"retryDelayMs"`
	MaxRepeats      *int            `json:"maxRepeats,omitempty"`
	AgentKind       Kind            `json:"agentKind"`
	AgentType       string          `json:"agentType"`
	ConcurrencyMode ConcurrencyMode `json:"concurrencyMode"`
	OwnerAgentID    string          `json:"ownerAgentId"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func (c TaskConfig) ConfigID() ConfigID {
	return ConfigID{Kind: c.Kind, Type: c.Type, Version: c.Version}
}

func (c TaskConfig) TypeKey() TypeKey {
	return TypeKey{Kind: c.Kind, Type: c.Type}
}

// AgentTypeKey returns the (agentKind,agentType) this config targets.
func (c TaskConfig) AgentTypeKey() TypeKey {
	return TypeKey{Kind: c.AgentKind, Type: c.AgentType}
}

// TaskConfigInput is the caller-supplied subset used for create/update.
type TaskConfigInput struct {
	Kind            Kind
	Type            string
	InputTemplate   string
	Description     string
	IntervalMs      int64
	RunImmediately  bool
	MaxRetries      *int
	RetryDelayMs    int64
	MaxRepeats      *int
	AgentKind       Kind
	AgentType       string
	ConcurrencyMode ConcurrencyMode
}

// RunStatus is the lifecycle state of a TaskRun.
type RunStatus string

const (
	RunCreated   RunStatus = "CREATED"
	RunScheduled RunStatus = "SCHEDULED"
	RunExecuting RunStatus = "EXECUTING"
	RunWaiting   RunStatus = "WAITING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunStopped   RunStatus = "STOPPED"
	RunRemoved   RunStatus = "REMOVED"
)

// IsTerminal reports whether status is one that no further scheduling
// applies to (COMPLETED/FAILED/STOPPED/REMOVED).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped, RunRemoved:
		return true
	}
	return false
}

// TerminalStatus is the subset of RunStatus a HistoryEntry records.
type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "COMPLETED"
	TerminalFailed    TerminalStatus = "FAILED"
	TerminalStopped   TerminalStatus = "STOPPED"
)

// HistoryEntry is an append-only record of one terminal outcome of an
// attempt at a run.
type HistoryEntry struct {
	RunID         string         `json:"runId"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        TerminalStatus `json:"terminalStatus"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	RunNumber     int            `json:"runNumber"`
	RetryAttempt  int            `json:"retryAttempt"`
	AgentID       string         `json:"agentId"`
	ExecutionTime time.Duration  `json:"executionTimeMs"`
}

// TaskRun is a single instantiation of a TaskConfig with a concrete
// input.
type TaskRun struct {
	ID                 InstanceID `json:"id"`
	ConfigVersion      int        `json:"configVersion"`
	Config             TaskConfig `json:"config"` // snapshot at creation
	Status             RunStatus  `json:"status"`
	Input              string     `json:"input"`
	OccupiedBy         string     `json:"occupiedBy,omitempty"`
	OccupiedSince      *time.Time `json:"occupiedSince,omitempty"`
	CurrentRetryAttempt int       `json:"currentRetryAttempt"`
	ErrorCount         int        `json:"errorCount"`
	CompletedRuns      int        `json:"completedRuns"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt          *time.Time `json:"nextRunAt,omitempty"`
	History            []HistoryEntry `json:"history"`
	CreatedBy          string     `json:"createdBy"`
}

// HistoryQueryOptions narrows GetTaskRunHistory.
type HistoryQueryOptions struct {
	Limit  int
	Offset int
	Status TerminalStatus // empty means "any"
}
