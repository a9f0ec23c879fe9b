package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taskmesh/controlplane/internal/access"
	"github.com/taskmesh/controlplane/internal/bootconfig"
	"github.com/taskmesh/controlplane/internal/control"
	"github.com/taskmesh/controlplane/internal/eventlog"
	"github.com/taskmesh/controlplane/internal/httpapi"
	"github.com/taskmesh/controlplane/internal/registry"
	"github.com/taskmesh/controlplane/internal/tasks"
	"github.com/taskmesh/controlplane/internal/toolcatalog"
	"github.com/taskmesh/controlplane/internal/types"
	"github.com/taskmesh/controlplane/internal/workspace"
)

func main() {
	configPath := flag.String("config", "configs/controlplane.yaml", "boot configuration file")
	flag.Parse()

	cfg, err := bootconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load boot config: %v\n", err)
		os.Exit(1)
	}

	ws, err := workspace.Open(cfg.WorkspaceRoot, cfg.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open workspace: %v\n", err)
		os.Exit(1)
	}
	defer ws.Close()

	logsDir := filepath.Join(cfg.WorkspaceRoot, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logs directory: %v\n", err)
		os.Exit(1)
	}

	wsHub := eventlog.NewWSHub()

	var fanouts []eventlog.Fanout
	fanouts = append(fanouts, wsHub)

	var broker *eventlog.EmbeddedBroker
	if cfg.NATSPort >= 0 {
		broker, err = eventlog.StartEmbeddedBroker(cfg.NATSPort, "controlplane.events")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: embedded NATS broker unavailable: %v\n", err)
		} else {
			defer broker.Close()
			fanouts = append(fanouts, broker)
			fmt.Printf("  NATS broker ready at %s\n", broker.ClientURL())
		}
	}

	agentLog, err := eventlog.Open(filepath.Join(logsDir, "agent_state.log"), fanouts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open agent event log: %v\n", err)
		os.Exit(1)
	}
	defer agentLog.Close()

	taskLog, err := eventlog.Open(filepath.Join(logsDir, "task_state.log"), fanouts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task event log: %v\n", err)
		os.Exit(1)
	}
	defer taskLog.Close()

	historyPath := filepath.Join(cfg.WorkspaceRoot, "workspaces", cfg.Workspace, "history.db")
	history, err := tasks.OpenHistoryStore(historyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history store: %v\n", err)
		os.Exit(1)
	}

	catalog := toolcatalog.New()

	ac := access.NewRegistry()

	var mgr *tasks.Manager
	reg := registry.New(catalog, agentLog, ws, registry.Callbacks{
		OnAgentConfigCreated: func(kind types.Kind, agentType string) {
			mgr.RegisterAgentType(kind, agentType)
		},
		OnAgentAvailable: func(kind types.Kind, agentType string, version, count int) {
			mgr.AgentAvailable(kind, agentType, version, count)
		},
	})

	onTaskStart := func(run types.TaskRun, acq tasks.AgentAcquirer, cb tasks.RunCallbacks) {
		// The external worker runtime owns acquiring/running agents for a
		// TaskRun; this control plane only tracks state transitions.
	}
	mgr = tasks.New(ac, taskLog, agentLog, ws, reg, onTaskStart, tasks.Options{
		OccupancyTimeout:  5 * time.Minute,
		MaxHistoryEntries: 100,
		History:           history,
	})
	mgr.RegisterAdminAgent("admin")

	if cfg.Features.AgentRegistry.Restoration {
		if err := reg.Restore(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to restore agent registry: %v\n", err)
		}
	}
	if cfg.Features.TaskManager.Restoration {
		if err := mgr.Restore(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to restore task manager: %v\n", err)
		}
	}

	dispatcher := control.NewDispatcher(reg, mgr, catalog, cfg.Features.ToControlSwitches())

	srv := httpapi.New(cfg.HTTPAddr, dispatcher)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	fmt.Printf("  Control plane listening on %s (workspace %q)\n", cfg.HTTPAddr, cfg.Workspace)

	select {
	case err := <-serverErr:
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	case <-shutdown:
		fmt.Println("Shutting down (signal received)...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "HTTP shutdown error: %v\n", err)
	}

	fmt.Println("Goodbye!")
}
