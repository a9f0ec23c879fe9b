// Package bootconfig loads the control plane's YAML boot configuration:
// workspace location, HTTP listen address, embedded NATS port, and
// feature switches.
package bootconfig

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/controlplane/internal/control"
)

// AgentRegistrySwitches is the agentRegistry block of the feature
// switches.
type AgentRegistrySwitches struct {
	MutableAgentConfigs bool `yaml:"mutableAgentConfigs"`
	Restoration         bool `yaml:"restoration"`
}

// TaskManagerSwitches is the taskManager block of the feature switches.
type TaskManagerSwitches struct {
	Restoration bool `yaml:"restoration"`
}

// FeatureSwitches toggles optional behavior for the Agent Registry and
// Task Manager: whether agent configs may be mutated after creation,
// and whether each component replays its persisted state on boot.
type FeatureSwitches struct {
	AgentRegistry AgentRegistrySwitches `yaml:"agentRegistry"`
	TaskManager   TaskManagerSwitches   `yaml:"taskManager"`
}

// Config is the top-level boot configuration file
// (configs/controlplane.yaml).
type Config struct {
	WorkspaceRoot string          `yaml:"workspaceRoot"`
	Workspace     string          `yaml:"workspace"`
	HTTPAddr      string          `yaml:"httpAddr"`
	NATSPort      int             `yaml:"natsPort"`
	Features      FeatureSwitches `yaml:"features"`
}

// applyDefaults fills in any field left zero-valued by the file with a
// sane default, so a minimal config only needs to name the workspace.
func (c *Config) applyDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "./data"
	}
	if c.Workspace == "" {
		c.Workspace = "default"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.NATSPort == 0 {
		c.NATSPort = 4222
	}
}

// ToControlSwitches converts the file's feature switches to the shape
// control.NewDispatcher expects. Kept as a distinct YAML-tagged type
// from control.FeatureSwitches so the dispatcher package stays free of
// a yaml.v3 dependency it has no other need for.
func (f FeatureSwitches) ToControlSwitches() control.FeatureSwitches {
	var out control.FeatureSwitches
	out.AgentRegistry.MutableAgentConfigs = f.AgentRegistry.MutableAgentConfigs
	out.AgentRegistry.Restoration = f.AgentRegistry.Restoration
	out.TaskManager.Restoration = f.TaskManager.Restoration
	return out
}

// Load reads and parses path, applying defaults for any unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}
