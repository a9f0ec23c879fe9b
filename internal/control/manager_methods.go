package control

import (
	"github.com/taskmesh/controlplane/internal/tasks"
	"github.com/taskmesh/controlplane/internal/types"
)

// registerManagerMethods binds the Task Manager's surface to method
// names. createTaskConfig needs an explicit ownerAgentId distinct from
// the caller's identity, so it is read as its own param alongside
// actingAgent.
func registerManagerMethods(d *Dispatcher, mgr *tasks.Manager, _ FeatureSwitches) {
	t := d.managerMethods

	register(t, "createTaskConfig", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		owner := stringParam(params, "ownerAgentId")
		if owner == "" {
			owner = actingAgent
		}
		return mgr.CreateTaskConfig(taskConfigInputFromParams(params), owner, actingAgent)
	})

	register(t, "updateTaskConfig", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return mgr.UpdateTaskConfig(taskConfigInputFromParams(params), actingAgent)
	})

	register(t, "destroyTaskConfig", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return nil, mgr.DestroyTaskConfig(types.Kind(stringParam(params, "kind")), stringParam(params, "type"), actingAgent)
	})

	register(t, "createTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return mgr.CreateTaskRun(types.Kind(stringParam(params, "kind")), stringParam(params, "type"), stringParam(params, "input"), actingAgent)
	})

	register(t, "scheduleStartTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return nil, mgr.ScheduleStartTaskRun(stringParam(params, "runId"), actingAgent)
	})

	register(t, "stopTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return nil, mgr.StopTaskRun(stringParam(params, "runId"), actingAgent)
	})

	register(t, "destroyTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return nil, mgr.DestroyTaskRun(stringParam(params, "runId"), actingAgent)
	})

	register(t, "updateTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return mgr.UpdateTaskRun(stringParam(params, "runId"), stringParam(params, "input"), actingAgent)
	})

	register(t, "getAllTaskRuns", func(actingAgent string, _ map[string]interface{}) (interface{}, error) {
		return mgr.GetAllTaskRuns(actingAgent)
	})

	register(t, "getTaskRun", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return mgr.GetTaskRun(stringParam(params, "runId"), actingAgent)
	})

	register(t, "getTaskRunHistory", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		opts := types.HistoryQueryOptions{
			Limit:  intParam(params, "limit"),
			Offset: intParam(params, "offset"),
			Status: types.TerminalStatus(stringParam(params, "status")),
		}
		return mgr.GetTaskRunHistory(stringParam(params, "runId"), actingAgent, opts)
	})

	register(t, "getPoolStats", func(actingAgent string, params map[string]interface{}) (interface{}, error) {
		return mgr.GetPoolStats(types.Kind(stringParam(params, "kind")), stringParam(params, "type"), actingAgent)
	})

	register(t, "isTaskRunOccupied", func(_ string, params map[string]interface{}) (interface{}, error) {
		return mgr.IsTaskRunOccupied(stringParam(params, "runId"))
	})
}

func taskConfigInputFromParams(params map[string]interface{}) types.TaskConfigInput {
	in := types.TaskConfigInput{
		Kind:           types.Kind(stringParam(params, "kind")),
		Type:           stringParam(params, "type"),
		InputTemplate:  stringParam(params, "inputTemplate"),
		Description:    stringParam(params, "description"),
		IntervalMs:     int64Param(params, "intervalMs"),
		RunImmediately: boolParam(params, "runImmediately"),
		RetryDelayMs:   int64Param(params, "retryDelayMs"),
		AgentKind:      types.Kind(stringParam(params, "agentKind")),
		AgentType:      stringParam(params, "agentType"),
		ConcurrencyMode: types.ConcurrencyMode(stringParam(params, "concurrencyMode")),
	}
	if v, ok := intParamOK(params, "maxRetries"); ok {
		in.MaxRetries = &v
	}
	if v, ok := intParamOK(params, "maxRepeats"); ok {
		in.MaxRepeats = &v
	}
	return in
}
