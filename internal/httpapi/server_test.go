package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskmesh/controlplane/internal/access"
	"github.com/taskmesh/controlplane/internal/control"
	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/registry"
	"github.com/taskmesh/controlplane/internal/tasks"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
)

type stubFactory struct{}

func (stubFactory) Tools() []toolcatalog.ToolDescriptor { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	catalog := toolcatalog.New()
	catalog.RegisterFactory(types.KindOperator, stubFactory{})

	agentLog, err := eventlog.Open(t.TempDir() + "/agent_state.log")
	if err != nil {
		t.Fatalf("open agent log: %v", err)
	}
	t.Cleanup(func() { agentLog.Close() })
	taskLog, err := eventlog.Open(t.TempDir() + "/task_state.log")
	if err != nil {
		t.Fatalf("open task log: %v", err)
	}
	t.Cleanup(func() { taskLog.Close() })

	ac := access.NewRegistry()
	var mgr *tasks.Manager
	reg := registry.New(catalog, agentLog, nil, registry.Callbacks{
		OnAgentConfigCreated: func(kind types.Kind, agentType string) { mgr.RegisterAgentType(kind, agentType) },
		OnAgentAvailable: func(kind types.Kind, agentType string, version, count int) {
			mgr.AgentAvailable(kind, agentType, version, count)
		},
	})
	onStart := func(run types.TaskRun, acq tasks.AgentAcquirer, cb tasks.RunCallbacks) {}
	mgr = tasks.New(ac, taskLog, agentLog, nil, reg, onStart, tasks.Options{})
	mgr.RegisterAdminAgent("admin")

	var switches control.FeatureSwitches
	switches.AgentRegistry.MutableAgentConfigs = true
	d := control.NewDispatcher(reg, mgr, catalog, switches)

	return New(":0", d)
}

func postDispatch(t *testing.T, s *Server, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest("POST", "/v1/dispatch", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestDispatchCreateAgentConfigOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rr := postDispatch(t, s, dispatchRequest{
		Component:   control.ComponentRegistry,
		Method:      "createAgentConfig",
		ActingAgent: "admin",
		Params:      map[string]interface{}{"kind": "operator", "type": "poet"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp control.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error: %+v", resp.Error)
	}
}

func TestDispatchUnknownMethodOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rr := postDispatch(t, s, dispatchRequest{
		Component:   control.ComponentRegistry,
		Method:      "doesNotExist",
		ActingAgent: "admin",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestSecurityHeadersStripped(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/health", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Header().Get("Server") != "controlplane" {
		t.Fatalf("expected generic Server header, got %q", rr.Header().Get("Server"))
	}
}
