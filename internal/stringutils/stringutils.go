// Package stringutils provides small string-validation helpers shared
// across the control plane's input checks.
package stringutils

import "strings"

// IsEmpty returns true if the string is empty or contains only whitespace.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
