// Package control implements the supervisor-facing operation surface:
// a tagged-union dispatcher over the Agent Registry and the Task
// Manager, routing each request by a name-to-handler map per component.
package control

import (
	"github.com/taskmesh/controlplane/internal/registry"
	"github.com/taskmesh/controlplane/internal/tasks"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
)

// Component names a request's target. "Registry methods" and "Manager
// methods" are two groups sharing a single `method` field, but one name
// (getPoolStats) is defined by both components with different
// semantics (agent pools vs. task-run pools); Component is the explicit
// discriminator that resolves that collision (see DESIGN.md).
type Component string

const (
	ComponentRegistry Component = "registry"
	ComponentManager  Component = "manager"
)

// Handler executes one operation. params carries the method's
// arguments as decoded JSON; actingAgent is the caller's identity for
// access-control checks.
type Handler func(actingAgent string, params map[string]interface{}) (interface{}, error)

// Request is one supervisor call: {component, method, actingAgent, params}.
type Request struct {
	Component   Component
	Method      string
	ActingAgent string
	Params      map[string]interface{}
}

// Response is the tagged union's result shape: { method, success, data }.
// Errors surface as ErrorInfo rather than a Go error so the transport
// glue (httpapi) can serialize them uniformly.
type Response struct {
	Method  string      `json:"method"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is the wire form of a types.Error.
type ErrorInfo struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// FeatureSwitches toggles optional Dispatcher behavior: whether agent
// configs may be mutated after creation, and whether each component
// restores persisted state on boot.
type FeatureSwitches struct {
	AgentRegistry struct {
		MutableAgentConfigs bool
		Restoration         bool
	}
	TaskManager struct {
		Restoration bool
	}
}

// Dispatcher is the supervisor's single entry point, wired to both the
// Registry and the Manager without either needing to know the other's
// wire format.
type Dispatcher struct {
	registryMethods map[string]Handler
	managerMethods  map[string]Handler
}

// NewDispatcher builds a Dispatcher from already-constructed Registry
// and Manager instances, wiring every supported method.
func NewDispatcher(reg *registry.Registry, mgr *tasks.Manager, catalog *toolcatalog.Catalog, switches FeatureSwitches) *Dispatcher {
	d := &Dispatcher{
		registryMethods: make(map[string]Handler),
		managerMethods:  make(map[string]Handler),
	}
	registerRegistryMethods(d, reg, catalog, switches)
	registerManagerMethods(d, mgr, switches)
	return d
}

// Dispatch routes req to the bound handler and always returns a
// Response (never a bare error): any error the handler returns is
// converted to ErrorInfo so the transport layer serializes uniformly.
func (d *Dispatcher) Dispatch(req Request) Response {
	var table map[string]Handler
	switch req.Component {
	case ComponentRegistry:
		table = d.registryMethods
	case ComponentManager:
		table = d.managerMethods
	default:
		return errorResponse(req.Method, types.NewError(types.ErrIllegalState, "unknown component %q", req.Component))
	}

	handler, ok := table[req.Method]
	if !ok {
		return errorResponse(req.Method, types.NewError(types.ErrIllegalState, "unknown method %q for component %q", req.Method, req.Component))
	}

	data, err := handler(req.ActingAgent, req.Params)
	if err != nil {
		return errorResponse(req.Method, err)
	}
	return Response{Method: req.Method, Success: true, Data: data}
}

func errorResponse(method string, err error) Response {
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.ErrIllegalState
	}
	return Response{
		Method:  method,
		Success: false,
		Error:   &ErrorInfo{Kind: kind, Message: err.Error()},
	}
}

func register(table map[string]Handler, method string, h Handler) {
	table[method] = h
}
