// Package eventlog implements the two singleton structured loggers
// (agent-events, task-events): each owns a rotating JSONL file under
// logs/, writes a `@log_init` record as the first line of every fresh
// file, and fans every subsequent record out to best-effort live
// transports for external monitors.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/controlplane/internal/types"
)

// Fanout receives every record a Logger emits, after it has been
// durably appended to the JSONL file. Implementations must not block
// significantly; Logger does not retry a failed fan-out.
type Fanout interface {
	Publish(record types.EventRecord)
}

// Logger owns one rotating JSONL file and emits structured records to
// it in wall-clock order: each Emit call appends to the file, the
// system of record, then fans the record out to any live transports.
type Logger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       *bufio.Writer
	fanouts []Fanout
}

// Open rotates any existing file at path to "<name>.<unix-seconds>.log"
// (<name> being path without its ".log" extension),
// then opens a fresh file and writes the `@log_init` marker as its
// first line.
func Open(path string, fanouts ...Fanout) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		rotated := fmt.Sprintf("%s.%d.log", trimLogExt(path), time.Now().Unix())
		if err := os.Rename(path, rotated); err != nil {
			return nil, fmt.Errorf("eventlog: rotate existing log: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log file: %w", err)
	}

	l := &Logger{path: path, file: f, w: bufio.NewWriter(f), fanouts: fanouts}

	initRecord := types.EventRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      types.LogInitKind,
		Data:      nil,
	}
	if err := l.appendLocked(initRecord); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func trimLogExt(path string) string {
	const ext = ".log"
	if len(path) > len(ext) && path[len(path)-len(ext):] == ext {
		return path[:len(path)-len(ext)]
	}
	return path
}

// Emit writes one record (assigning its ID and timestamp) and fans it
// out to every registered Fanout. Ordering guarantee: the append is
// serialized under l.mu, so records preserve the wall-clock order of
// the calls that produced them.
func (l *Logger) Emit(kind types.EventKind, data interface{}) error {
	rec := types.EventRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      kind,
		Data:      data,
	}

	l.mu.Lock()
	err := l.appendLocked(rec)
	l.mu.Unlock()

	if err != nil {
		return err
	}

	for _, fo := range l.fanouts {
		fo.Publish(rec)
	}
	return nil
}

// appendLocked must be called with l.mu held.
func (l *Logger) appendLocked(rec types.EventRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: marshal record: %w", err)
	}
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("eventlog: write record: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("eventlog: write newline: %w", err)
	}
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
