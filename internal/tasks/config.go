package tasks

import "github.com/taskmesh/controlplane/internal/types"

// configHistory tracks every version of one (kind,type) TaskConfig, and
// the run counter / live runs created against it, mirroring the
// registry's typeState shape for the same versioning invariant
// (dense 1..N sequence, latest = current).
type configHistory struct {
	versions    []*types.TaskConfig
	runsCreated int // monotonic, for the next runNum
}

func (h *configHistory) latest() *types.TaskConfig {
	if len(h.versions) == 0 {
		return nil
	}
	return h.versions[len(h.versions)-1]
}

func (h *configHistory) at(version int) *types.TaskConfig {
	if version <= 0 || version > len(h.versions) {
		return nil
	}
	return h.versions[version-1]
}
