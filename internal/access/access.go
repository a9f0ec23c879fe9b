// Package access implements the control plane's resource access-control
// layer: a registry mapping (resourceId, principalId) to permission bits.
package access

import (
	"sync"

	"github.com/taskmesh/controlplane/internal/types"
)

// Registry is a concurrency-safe (resourceId, principalId) -> bits map.
// Grounded on the mutex-guarded-map idiom used throughout the pack
// (task queue, connection limiter): a small set of lock/check/mutate
// methods around one map, no generic ACL framework.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*resource
}

type resource struct {
	ownerID string
	bits    map[string]types.Permission // principalID -> bits
}

// NewRegistry creates an empty access-control registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*resource)}
}

// Grant creates the resource (if absent, recording ownerID as its
// owner) and adds bits to principalID's entry. Bits are ORed into any
// the principal already holds; other principals' bits are untouched.
func (r *Registry) Grant(resourceID, ownerID, principalID string, bits types.Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[resourceID]
	if !ok {
		res = &resource{ownerID: ownerID, bits: make(map[string]types.Permission)}
		r.resources[resourceID] = res
	}
	res.bits[principalID] |= bits
}

// Check reports whether principalID holds every bit in want on
// resourceID. A missing resource or principal entry checks false.
func (r *Registry) Check(resourceID, principalID string, want types.Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[resourceID]
	if !ok {
		return false
	}
	return res.bits[principalID].Has(want)
}

// Require returns a *types.Error (kind PermissionDenied) unless
// principalID holds every bit in want on resourceID.
func (r *Registry) Require(resourceID, principalID string, want types.Permission) error {
	if r.Check(resourceID, principalID, want) {
		return nil
	}
	return types.NewError(types.ErrPermissionDenied, "principal %q lacks required permission on resource %q", principalID, resourceID)
}

// Revoke removes resourceID and every principal entry for it.
func (r *Registry) Revoke(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, resourceID)
}

// Owner returns the owner principal recorded for resourceID, or "" if
// the resource does not exist.
func (r *Registry) Owner(resourceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resources[resourceID]; ok {
		return res.ownerID
	}
	return ""
}

// Exists reports whether resourceID has ever been granted.
func (r *Registry) Exists(resourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[resourceID]
	return ok
}
