// Package registry implements the Agent Registry: the configuration
// history and live instance pool per (kind,type,version), with
// acquire/release semantics, deferred destruction of stale versions,
// and the events that drive the Task Manager's scheduler.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/stringutils"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
	"github.com/taskmesh/controlplane/internal/utils"
	"github.com/taskmesh/controlplane/internal/workspace"
)

// Callbacks is the narrow surface the Registry uses to announce itself
// to the Task Manager: the Registry holds only this interface, never a
// *tasks.Manager, avoiding a cyclic package dependency.
type Callbacks struct {
	// OnAgentConfigCreated is invoked once a new (kind,type) exists, so
	// the Task Manager can register it as a valid task target.
	OnAgentConfigCreated func(kind types.Kind, agentType string)
	// OnAgentAvailable is invoked when instances become available for
	// acquisition: on release (pool grew by one free slot) and on
	// config creation (pool initialized / auto-populated).
	OnAgentAvailable func(kind types.Kind, agentType string, version, count int)
}

const definitionsFile = "agent_registry.jsonl"
const ownerTag = "registry"

// typeState is the full per-(kind,type) history: dense config versions
// 1..N and one pool per version that still has live instances or is the
// current version.
type typeState struct {
	configs []*types.AgentConfig // index 0 == version 1
	pools   map[int]*versionPool // version -> pool
	retired map[int]bool         // version -> config fully retired (no live instances, not latest)
}

func (s *typeState) latestVersion() int {
	return len(s.configs)
}

func (s *typeState) config(version int) *types.AgentConfig {
	if version < 1 || version > len(s.configs) {
		return nil
	}
	return s.configs[version-1]
}

// Registry is the Agent Registry.
type Registry struct {
	mu        sync.Mutex
	catalog   *toolcatalog.Catalog
	log       *eventlog.Logger
	ws        *workspace.Store
	callbacks Callbacks

	types map[types.TypeKey]*typeState

	staleMu     sync.Mutex
	staleMarked map[staleKey]struct{}
	stopCleanup chan struct{}
}

type staleKey struct {
	Type    types.TypeKey
	Version int
}

// New constructs a Registry. ws may be nil (restoration/persistence
// disabled).
func New(catalog *toolcatalog.Catalog, log *eventlog.Logger, ws *workspace.Store, cb Callbacks) *Registry {
	if ws != nil {
		ws.RegisterOwner(definitionsFile, ownerTag)
	}
	r := &Registry{
		catalog:     catalog,
		log:         log,
		ws:          ws,
		callbacks:   cb,
		types:       make(map[types.TypeKey]*typeState),
		staleMarked: make(map[staleKey]struct{}),
		stopCleanup: make(chan struct{}),
	}
	return r
}

// RegisterToolsFactory binds an available-tool source to kind.
func (r *Registry) RegisterToolsFactory(kind types.Kind, factory toolcatalog.Factory) error {
	if err := r.catalog.RegisterFactory(kind, factory); err != nil {
		return err
	}
	names := make([]string, 0)
	for _, d := range r.catalog.Tools(kind) {
		names = append(names, d.Name)
	}
	return r.log.Emit(types.EventAvailableToolsRegister, map[string]interface{}{
		"kind":  kind,
		"tools": names,
	})
}

// CreateAgentConfig materializes version 1 of (kind,type).
func (r *Registry) CreateAgentConfig(in types.AgentConfigInput) (types.AgentConfig, error) {
	if stringutils.IsEmpty(string(in.Kind)) || stringutils.IsEmpty(in.Type) {
		return types.AgentConfig{}, types.NewError(types.ErrIllegalState, "kind and type are required")
	}
	if !utils.IsValidTypeName(in.Type) {
		return types.AgentConfig{}, types.NewError(types.ErrIllegalState, "type %q exceeds %d characters", in.Type, utils.MaxTypeNameLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: in.Kind, Type: in.Type}
	if _, exists := r.types[key]; exists {
		return types.AgentConfig{}, types.NewError(types.ErrDuplicateType, "agent config already exists for %s", key)
	}

	if err := r.catalog.Validate(in.Kind, in.Tools); err != nil {
		return types.AgentConfig{}, err
	}

	cfg := &types.AgentConfig{
		Kind: in.Kind, Type: in.Type, Version: 1,
		Instructions: in.Instructions, Description: in.Description,
		Tools: in.Tools, MaxPoolSize: in.MaxPoolSize,
		AutoPopulatePool: in.AutoPopulatePool, CreatedAt: time.Now(),
	}

	state := &typeState{configs: []*types.AgentConfig{cfg}, pools: make(map[int]*versionPool)}
	pool := newVersionPool(in.MaxPoolSize)
	state.pools[1] = pool
	r.types[key] = state

	if in.AutoPopulatePool && in.MaxPoolSize > 0 {
		r.autoPopulateLocked(key, 1, pool)
	}

	if err := r.persistLocked(); err != nil {
		return types.AgentConfig{}, err
	}

	r.log.Emit(types.EventAgentConfigCreate, cfg)
	r.emitPoolChangeLocked(key)

	if r.callbacks.OnAgentConfigCreated != nil {
		r.callbacks.OnAgentConfigCreated(in.Kind, in.Type)
	}
	if r.callbacks.OnAgentAvailable != nil && len(pool.free) > 0 {
		r.callbacks.OnAgentAvailable(in.Kind, in.Type, 1, len(pool.free))
	}

	return *cfg, nil
}

// autoPopulateLocked creates maxPoolSize-liveCount instances, all free.
// Caller holds r.mu.
func (r *Registry) autoPopulateLocked(key types.TypeKey, version int, pool *versionPool) {
	toCreate := pool.maxPoolSize - len(pool.live)
	for i := 0; i < toCreate; i++ {
		pool.createdCount++
		num := pool.createdCount
		inst := &types.AgentInstance{
			ID:            types.InstanceID{Kind: key.Kind, Type: key.Type, Num: num, Version: version},
			ConfigVersion: version,
			InUse:         false,
			CreatedAt:     time.Now(),
		}
		pool.live[num] = inst
		pool.free = append(pool.free, num)
		r.log.Emit(types.EventAgentCreate, inst)
	}
}

// UpdateAgentConfig produces version v+1 of (kind,type).
func (r *Registry) UpdateAgentConfig(in types.AgentConfigInput) (types.AgentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: in.Kind, Type: in.Type}
	state, ok := r.types[key]
	if !ok {
		return types.AgentConfig{}, types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}

	if err := r.catalog.Validate(in.Kind, in.Tools); err != nil {
		return types.AgentConfig{}, err
	}

	prevVersion := state.latestVersion()
	newVersion := prevVersion + 1

	cfg := &types.AgentConfig{
		Kind: in.Kind, Type: in.Type, Version: newVersion,
		Instructions: in.Instructions, Description: in.Description,
		Tools: in.Tools, MaxPoolSize: in.MaxPoolSize,
		AutoPopulatePool: in.AutoPopulatePool, CreatedAt: time.Now(),
	}
	state.configs = append(state.configs, cfg)

	pool := newVersionPool(in.MaxPoolSize)
	state.pools[newVersion] = pool
	if in.AutoPopulatePool && in.MaxPoolSize > 0 {
		r.autoPopulateLocked(key, newVersion, pool)
	}

	// Mark the previous version stale so the cleanup tick can retire it.
	if prevPool, ok := state.pools[prevVersion]; ok && len(prevPool.live) > 0 {
		r.markStale(key, prevVersion)
	}

	if err := r.persistLocked(); err != nil {
		return types.AgentConfig{}, err
	}

	r.log.Emit(types.EventAgentConfigUpdate, cfg)
	r.emitPoolChangeLocked(key)

	if r.callbacks.OnAgentAvailable != nil && len(pool.free) > 0 {
		r.callbacks.OnAgentAvailable(in.Kind, in.Type, newVersion, len(pool.free))
	}

	return *cfg, nil
}

func (r *Registry) markStale(key types.TypeKey, version int) {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	r.staleMarked[staleKey{Type: key, Version: version}] = struct{}{}
}

// AcquireAgent returns a free instance of (kind,type,version), creating
// one if the pool has spare capacity. version==0 means "latest".
func (r *Registry) AcquireAgent(kind types.Kind, agentType string, version int) (types.AgentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: kind, Type: agentType}
	state, ok := r.types[key]
	if !ok {
		return types.AgentInstance{}, types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}
	if version == 0 {
		version = state.latestVersion()
	}
	pool, ok := state.pools[version]
	if !ok {
		return types.AgentInstance{}, types.NewError(types.ErrNotFound, "no pool for %s v%d", key, version)
	}

	if num, ok := pool.popFree(); ok {
		inst := pool.live[num]
		inst.InUse = true
		r.log.Emit(types.EventAgentAcquire, inst)
		r.emitPoolChangeLocked(key)
		return *inst, nil
	}

	if pool.atCapacity() {
		return types.AgentInstance{}, types.NewError(types.ErrPoolExhausted, "pool exhausted for %s v%d (max %d)", key, version, pool.maxPoolSize)
	}

	pool.createdCount++
	num := pool.createdCount
	inst := &types.AgentInstance{
		ID:            types.InstanceID{Kind: kind, Type: agentType, Num: num, Version: version},
		ConfigVersion: version,
		InUse:         true,
		CreatedAt:     time.Now(),
	}
	pool.live[num] = inst
	r.log.Emit(types.EventAgentCreate, inst)
	r.log.Emit(types.EventAgentAcquire, inst)
	r.emitPoolChangeLocked(key)
	return *inst, nil
}

// ReleaseAgent returns id to the free set if its version is current and
// pooling is enabled; otherwise it is destroyed immediately.
func (r *Registry) ReleaseAgent(id types.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: id.Kind, Type: id.Type}
	state, ok := r.types[key]
	if !ok {
		return types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}
	pool, ok := state.pools[id.Version]
	if !ok {
		return types.NewError(types.ErrNotFound, "no pool for %s v%d", key, id.Version)
	}
	inst, ok := pool.live[id.Num]
	if !ok || !inst.InUse {
		return types.NewError(types.ErrNotFound, "agent %s is not currently acquired", id)
	}

	isLatest := id.Version == state.latestVersion()
	if isLatest && pool.poolEnabled() {
		inst.InUse = false
		pool.free = append(pool.free, id.Num)
		r.log.Emit(types.EventAgentRelease, inst)
		if r.callbacks.OnAgentAvailable != nil {
			r.callbacks.OnAgentAvailable(id.Kind, id.Type, id.Version, len(pool.free))
		}
	} else {
		delete(pool.live, id.Num)
		r.log.Emit(types.EventAgentDestroy, inst)
		if len(pool.live) == 0 && !isLatest {
			r.retireVersionLocked(key, id.Version)
		}
	}

	r.emitPoolChangeLocked(key)
	return nil
}

// retireVersionLocked drops a stale, fully-drained version's pool and
// marks its config entry retired: GetAgentConfig stops serving it and
// persistLocked stops rewriting it, per the invariant that older
// versions exist only while live instances reference them.
// Caller holds r.mu.
func (r *Registry) retireVersionLocked(key types.TypeKey, version int) {
	state := r.types[key]
	delete(state.pools, version)
	if state.retired == nil {
		state.retired = make(map[int]bool)
	}
	state.retired[version] = true

	r.staleMu.Lock()
	delete(r.staleMarked, staleKey{Type: key, Version: version})
	r.staleMu.Unlock()
}

// GetAllAgentConfigs returns the current (latest-version) config for
// every registered (kind,type).
func (r *Registry) GetAllAgentConfigs() []types.AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.AgentConfig, 0, len(r.types))
	for _, state := range r.types {
		out = append(out, *state.config(state.latestVersion()))
	}
	return out
}

// GetAgentConfig returns a specific version (or the latest if version
// is 0) of (kind,type).
func (r *Registry) GetAgentConfig(kind types.Kind, agentType string, version int) (types.AgentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: kind, Type: agentType}
	state, ok := r.types[key]
	if !ok {
		return types.AgentConfig{}, types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}
	if version == 0 {
		version = state.latestVersion()
	}
	if state.retired[version] {
		return types.AgentConfig{}, types.NewError(types.ErrNotFound, "no agent config version %d for %s", version, key)
	}
	cfg := state.config(version)
	if cfg == nil {
		return types.AgentConfig{}, types.NewError(types.ErrNotFound, "no agent config version %d for %s", version, key)
	}
	return *cfg, nil
}

// GetActiveAgents returns live instances matching filter; zero-value
// fields in filter mean "any".
func (r *Registry) GetActiveAgents(filter types.ActiveAgentFilter) []types.AgentInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.AgentInstance
	for key, state := range r.types {
		if filter.Kind != "" && filter.Kind != key.Kind {
			continue
		}
		if filter.Type != "" && filter.Type != key.Type {
			continue
		}
		for version, pool := range state.pools {
			if filter.Version != 0 && filter.Version != version {
				continue
			}
			for _, inst := range pool.live {
				out = append(out, *inst)
			}
		}
	}
	return out
}

// GetAgent returns a single live instance by id.
func (r *Registry) GetAgent(id types.InstanceID) (types.AgentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: id.Kind, Type: id.Type}
	state, ok := r.types[key]
	if !ok {
		return types.AgentInstance{}, types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}
	pool, ok := state.pools[id.Version]
	if !ok {
		return types.AgentInstance{}, types.NewError(types.ErrNotFound, "no pool for %s v%d", key, id.Version)
	}
	inst, ok := pool.live[id.Num]
	if !ok {
		return types.AgentInstance{}, types.NewError(types.ErrNotFound, "no agent %s", id)
	}
	return *inst, nil
}

// GetPoolStats summarizes the pool for (kind,type) across all tracked
// versions.
func (r *Registry) GetPoolStats(kind types.Kind, agentType string) (types.PoolStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.TypeKey{Kind: kind, Type: agentType}
	state, ok := r.types[key]
	if !ok {
		return types.PoolStats{}, types.NewError(types.ErrNotFound, "no agent config for %s", key)
	}
	return r.statsLocked(key, state), nil
}

func (r *Registry) statsLocked(key types.TypeKey, state *typeState) types.PoolStats {
	stats := types.PoolStats{Kind: key.Kind, Type: key.Type}
	for version, pool := range state.pools {
		vs := pool.stats(version)
		stats.PerVersion = append(stats.PerVersion, vs)
		stats.Total += vs.Live
		stats.Free += vs.Free
		stats.InUse += vs.InUse
	}
	return stats
}

func (r *Registry) emitPoolChangeLocked(key types.TypeKey) {
	state := r.types[key]
	r.log.Emit(types.EventPoolChange, r.statsLocked(key, state))
}

// persistLocked rewrites the full agent config set to the workspace.
// Caller holds r.mu. A persist failure is surfaced but never rolls back
// in-memory state: the next successful persist reconciles.
func (r *Registry) persistLocked() error {
	if r.ws == nil {
		return nil
	}
	var records []json.RawMessage
	for _, state := range r.types {
		for _, cfg := range state.configs {
			if state.retired[cfg.Version] {
				continue
			}
			line, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			records = append(records, line)
		}
	}
	return r.ws.WriteDefinitions(ownerTag, definitionsFile, records)
}

// Restore replays persisted AgentConfig snapshots with persist=false,
// reconstructing config history (and empty pools, since instances are
// never persisted) without re-triggering workspace writes.
func (r *Registry) Restore() error {
	if r.ws == nil {
		return nil
	}
	records, err := r.ws.ReadDefinitions(definitionsFile)
	if err != nil {
		return types.NewError(types.ErrRestoreFailed, "%v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range records {
		var cfg types.AgentConfig
		if err := json.Unmarshal(line, &cfg); err != nil {
			return types.NewError(types.ErrRestoreFailed, "unparsable agent config line: %v", err)
		}
		key := types.TypeKey{Kind: cfg.Kind, Type: cfg.Type}
		state, ok := r.types[key]
		if !ok {
			state = &typeState{pools: make(map[int]*versionPool)}
			r.types[key] = state
		}
		c := cfg
		// Retired versions are not persisted; fill their slots with
		// retired placeholders so configs stays dense and version-indexed.
		for v := len(state.configs) + 1; v < cfg.Version; v++ {
			if state.retired == nil {
				state.retired = make(map[int]bool)
			}
			state.configs = append(state.configs, &types.AgentConfig{Kind: cfg.Kind, Type: cfg.Type, Version: v})
			state.retired[v] = true
		}
		state.configs = append(state.configs, &c)
		if cfg.Version == state.latestVersion() {
			state.pools[cfg.Version] = newVersionPool(cfg.MaxPoolSize)
		}
		if r.callbacks.OnAgentConfigCreated != nil {
			r.callbacks.OnAgentConfigCreated(cfg.Kind, cfg.Type)
		}
	}
	return nil
}
