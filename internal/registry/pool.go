package registry

import "github.com/taskmesh/controlplane/internal/types"

// versionPool tracks the live/free instances for one (kind,type,version),
// naming each new instance with a monotonically increasing counter.
type versionPool struct {
	maxPoolSize  int
	createdCount int                          // monotonic, for naming the next instance
	live         map[int]*types.AgentInstance // instance num -> instance
	free         []int                        // free instance nums, insertion order (FIFO)
}

func newVersionPool(maxPoolSize int) *versionPool {
	return &versionPool{
		maxPoolSize: maxPoolSize,
		live:        make(map[int]*types.AgentInstance),
	}
}

// poolEnabled reports whether pooling is on. It is false for
// maxPoolSize==0 ("no pooling": every acquire creates on demand, every
// release destroys immediately).
func (p *versionPool) poolEnabled() bool {
	return p.maxPoolSize != 0
}

func (p *versionPool) atCapacity() bool {
	return p.poolEnabled() && len(p.live) >= p.maxPoolSize
}

// popFree removes and returns the front of the free list (FIFO),
// or (0, false) if empty.
func (p *versionPool) popFree() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	num := p.free[0]
	p.free = p.free[1:]
	return num, true
}

func (p *versionPool) removeFree(num int) {
	for i, n := range p.free {
		if n == num {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// stats summarizes this pool for PoolStats.
func (p *versionPool) stats(version int) types.VersionPoolStats {
	inUse := 0
	for _, inst := range p.live {
		if inst.InUse {
			inUse++
		}
	}
	return types.VersionPoolStats{
		Version: version,
		Live:    len(p.live),
		Free:    len(p.free),
		InUse:   inUse,
	}
}
