package types

import "time"

const (
	KindSupervisor Kind = "supervisor"
	KindOperator   Kind = "operator"
)

// AgentConfig is the template from which agent instances are
// materialized. One exists per (kind,type,version); only the highest
// version for a (kind,type) is "current".
type AgentConfig struct {
	Kind             Kind      `json:"kind"`
	Type             string    `json:"type"`
	Version          int       `json:"version"`
	Instructions     string    `json:"instructions"`
	Description      string    `json:"description"`
	Tools            []string  `json:"tools"`
	MaxPoolSize      int       `json:"maxPoolSize"`
	AutoPopulatePool bool      `json:"autoPopulatePool"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (c AgentConfig) ConfigID() ConfigID {
	return ConfigID{Kind: c.Kind, Type: c.Type, Version: c.Version}
}

func (c AgentConfig) TypeKey() TypeKey {
	return TypeKey{Kind: c.Kind, Type: c.Type}
}

// AgentConfigInput is the caller-supplied subset of AgentConfig used to
// create or update a config; Kind/Type name the (kind,type) to create or
// update, and Version is always derived, never supplied (an explicit
// per-field builder, never a generic recursive merge).
type AgentConfigInput struct {
	Kind             Kind
	Type             string
	Instructions     string
	Description      string
	Tools            []string
	MaxPoolSize      int
	AutoPopulatePool bool
}

// AgentInstance is a live worker instance materialized from a config.
type AgentInstance struct {
	ID            InstanceID `json:"id"`
	ConfigVersion int        `json:"configVersion"`
	InUse         bool       `json:"inUse"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// PoolStats summarizes the live/free counts for a (kind,type), broken
// down per version.
type PoolStats struct {
	Kind       Kind                   `json:"kind"`
	Type       string                 `json:"type"`
	Total      int                    `json:"total"`
	Free       int                    `json:"free"`
	InUse      int                    `json:"inUse"`
	PerVersion []VersionPoolStats     `json:"perVersion"`
}

type VersionPoolStats struct {
	Version int `json:"version"`
	Live    int `json:"live"`
	Free    int `json:"free"`
	InUse   int `json:"inUse"`
}

// ActiveAgentFilter narrows GetActiveAgents queries.
type ActiveAgentFilter struct {
	Kind    Kind
	Type    string
	Version int // 0 means "any version"
}
