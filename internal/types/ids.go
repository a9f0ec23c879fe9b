package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes agents from tasks at the identifier level. Both
// agent kind (supervisor/operator) and task kind use this type; the
// data model is identical per spec.
type Kind string

// ConfigID identifies a (kind,type,version) configuration:
// "{kind}:{type}:v{version}".
type ConfigID struct {
	Kind    Kind
	Type    string
	Version int
}

func (c ConfigID) String() string {
	return fmt.Sprintf("%s:%s:v%d", c.Kind, c.Type, c.Version)
}

// ParseConfigID parses "{kind}:{type}:v{version}".
func ParseConfigID(s string) (ConfigID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ConfigID{}, NewError(ErrIllegalState, "malformed config id %q", s)
	}
	v, err := parseVersion(parts[2])
	if err != nil {
		return ConfigID{}, NewError(ErrIllegalState, "malformed config id %q: %v", s, err)
	}
	return ConfigID{Kind: Kind(parts[0]), Type: parts[1], Version: v}, nil
}

// InstanceID identifies a live agent instance or task run:
// "{kind}:{type}[n]:v{version}".
type InstanceID struct {
	Kind    Kind
	Type    string
	Num     int
	Version int
}

func (i InstanceID) String() string {
	return fmt.Sprintf("%s:%s[%d]:v%d", i.Kind, i.Type, i.Num, i.Version)
}

// ConfigID returns the configuration identifier this instance was
// created against.
func (i InstanceID) ConfigID() ConfigID {
	return ConfigID{Kind: i.Kind, Type: i.Type, Version: i.Version}
}

// ParseInstanceID parses "{kind}:{type}[n]:v{version}".
func ParseInstanceID(s string) (InstanceID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return InstanceID{}, NewError(ErrIllegalState, "malformed instance id %q", s)
	}
	typePart := parts[1]
	open := strings.IndexByte(typePart, '[')
	if open < 0 || !strings.HasSuffix(typePart, "]") {
		return InstanceID{}, NewError(ErrIllegalState, "malformed instance id %q", s)
	}
	num, err := strconv.Atoi(typePart[open+1 : len(typePart)-1])
	if err != nil {
		return InstanceID{}, NewError(ErrIllegalState, "malformed instance id %q: %v", s, err)
	}
	v, err := parseVersion(parts[2])
	if err != nil {
		return InstanceID{}, NewError(ErrIllegalState, "malformed instance id %q: %v", s, err)
	}
	return InstanceID{Kind: Kind(parts[0]), Type: typePart[:open], Num: num, Version: v}, nil
}

func parseVersion(s string) (int, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, fmt.Errorf("version must start with 'v', got %q", s)
	}
	return strconv.Atoi(strings.TrimPrefix(s, "v"))
}

// TypeKey groups a (kind,type) pair, the granularity at which configs
// and pools are tracked.
type TypeKey struct {
	Kind Kind
	Type string
}

func (k TypeKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Type)
}
