package registry

import (
	"time"

	"github.com/taskmesh/controlplane/internal/types"
)

// cleanupInterval is the background tick period for destroying idle
// instances of stale (non-latest) versions.
const cleanupInterval = 1 * time.Second

// StartCleanup launches the stale-version cleanup tick in a goroutine.
// Call Stop to halt it.
func (r *Registry) StartCleanup() {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.runCleanupTick()
			case <-r.stopCleanup:
				return
			}
		}
	}()
}

// Stop halts the cleanup goroutine started by StartCleanup.
func (r *Registry) Stop() {
	close(r.stopCleanup)
}

// runCleanupTick walks the marked set once: for each stale version,
// destroy every free (non-in-use) instance; if the version's live set
// empties as a result, retire the version record. A version that still
// has in-use instances stays marked and is walked again on the next
// tick; the tick returns at once when nothing is marked.
func (r *Registry) runCleanupTick() {
	r.staleMu.Lock()
	if len(r.staleMarked) == 0 {
		r.staleMu.Unlock()
		return
	}
	marked := make([]staleKey, 0, len(r.staleMarked))
	for k := range r.staleMarked {
		marked = append(marked, k)
	}
	r.staleMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	progressed := false
	for _, k := range marked {
		state, ok := r.types[k.Type]
		if !ok {
			r.staleMu.Lock()
			delete(r.staleMarked, k)
			r.staleMu.Unlock()
			continue
		}
		pool, ok := state.pools[k.Version]
		if !ok {
			r.staleMu.Lock()
			delete(r.staleMarked, k)
			r.staleMu.Unlock()
			continue
		}

		for _, num := range pool.free {
			inst := pool.live[num]
			delete(pool.live, num)
			r.log.Emit(types.EventAgentDestroy, inst)
			progressed = true
		}
		pool.free = nil

		if len(pool.live) == 0 {
			r.retireVersionLocked(k.Type, k.Version)
			progressed = true
		}
		r.emitPoolChangeLocked(k.Type)
	}

	if !progressed {
		// No stale entry could make progress (all instances still
		// in-use); they stay marked for the next tick.
		return
	}
}
