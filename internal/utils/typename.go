// Package utils provides small validation helpers shared across the
// control plane's components.
package utils

// MaxTypeNameLength bounds an agent or task type name.
const MaxTypeNameLength = 64

// IsValidTypeName reports whether name is an acceptable (kind,type) type
// component: non-empty and no longer than MaxTypeNameLength. Shared by
// both AgentConfig and TaskConfig validation.
func IsValidTypeName(name string) bool {
	return len(name) > 0 && len(name) <= MaxTypeNameLength
}
