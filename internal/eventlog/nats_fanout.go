package eventlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
	"github.com/taskmesh/controlplane/internal/types"
)

// EmbeddedBroker runs an in-process NATS server and publishes every
// event record it is handed to a fixed subject, giving external
// monitors a live push feed alongside the durable JSONL file.
type EmbeddedBroker struct {
	mu      sync.Mutex
	server  *natsserver.Server
	conn    *nc.Conn
	subject string
}

// StartEmbeddedBroker boots an embedded NATS server on port (0 selects
// the NATS default port 4222, -1 picks a free port) and returns a broker
// ready to Publish on subject.
func StartEmbeddedBroker(port int, subject string) (*EmbeddedBroker, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoSigs: true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventlog: start embedded nats: %w", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("eventlog: embedded nats did not become ready")
	}

	conn, err := nc.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("eventlog: connect to embedded nats: %w", err)
	}

	return &EmbeddedBroker{server: srv, conn: conn, subject: subject}, nil
}

// Publish implements Fanout. Marshal and publish errors are silently
// discarded: a dropped live-feed message never affects the durable
// JSONL record already appended by Logger.
func (b *EmbeddedBroker) Publish(record types.EventRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Publish(b.subject, data)
	}
}

// ClientURL returns the connect URL for the embedded broker, for
// monitors that want to subscribe directly.
func (b *EmbeddedBroker) ClientURL() string {
	return b.server.ClientURL()
}

// Close drains the connection and shuts the embedded server down.
func (b *EmbeddedBroker) Close() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	b.server.Shutdown()
}
