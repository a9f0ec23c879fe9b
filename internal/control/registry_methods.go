package control

import (
	"github.com/taskmesh/controlplane/internal/registry"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
)

// registerRegistryMethods binds the Agent Registry's query/mutation
// surface to method names. mutableAgentConfigs=false omits
// createAgentConfig/updateAgentConfig entirely, hiding config-mutating
// methods from the tool surface.
func registerRegistryMethods(d *Dispatcher, reg *registry.Registry, catalog *toolcatalog.Catalog, switches FeatureSwitches) {
	t := d.registryMethods

	register(t, "getAvailableTools", func(_ string, params map[string]interface{}) (interface{}, error) {
		kind := types.Kind(stringParam(params, "kind"))
		return catalog.Tools(kind), nil
	})

	if switches.AgentRegistry.MutableAgentConfigs {
		register(t, "createAgentConfig", func(_ string, params map[string]interface{}) (interface{}, error) {
			return reg.CreateAgentConfig(agentConfigInputFromParams(params))
		})
		register(t, "updateAgentConfig", func(_ string, params map[string]interface{}) (interface{}, error) {
			return reg.UpdateAgentConfig(agentConfigInputFromParams(params))
		})
	}

	register(t, "getAllAgentConfigs", func(_ string, _ map[string]interface{}) (interface{}, error) {
		return reg.GetAllAgentConfigs(), nil
	})

	register(t, "getAgentConfig", func(_ string, params map[string]interface{}) (interface{}, error) {
		return reg.GetAgentConfig(types.Kind(stringParam(params, "kind")), stringParam(params, "type"), intParam(params, "version"))
	})

	register(t, "getAgentConfigVersion", func(_ string, params map[string]interface{}) (interface{}, error) {
		return reg.GetAgentConfig(types.Kind(stringParam(params, "kind")), stringParam(params, "type"), intParam(params, "version"))
	})

	register(t, "getActiveAgents", func(_ string, params map[string]interface{}) (interface{}, error) {
		filter := types.ActiveAgentFilter{
			Kind:    types.Kind(stringParam(params, "kind")),
			Type:    stringParam(params, "type"),
			Version: intParam(params, "version"),
		}
		return reg.GetActiveAgents(filter), nil
	})

	register(t, "getAgent", func(_ string, params map[string]interface{}) (interface{}, error) {
		id, err := types.ParseInstanceID(stringParam(params, "id"))
		if err != nil {
			return nil, err
		}
		return reg.GetAgent(id)
	})

	register(t, "getPoolStats", func(_ string, params map[string]interface{}) (interface{}, error) {
		return reg.GetPoolStats(types.Kind(stringParam(params, "kind")), stringParam(params, "type"))
	})
}

func agentConfigInputFromParams(params map[string]interface{}) types.AgentConfigInput {
	return types.AgentConfigInput{
		Kind:             types.Kind(stringParam(params, "kind")),
		Type:             stringParam(params, "type"),
		Instructions:     stringParam(params, "instructions"),
		Description:      stringParam(params, "description"),
		Tools:            stringSliceParam(params, "tools"),
		MaxPoolSize:      intParam(params, "maxPoolSize"),
		AutoPopulatePool: boolParam(params, "autoPopulatePool"),
	}
}
