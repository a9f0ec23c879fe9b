// internal/tasks/store.go
package tasks

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmesh/controlplane/internal/types"
)

// HistoryStore indexes completed history entries into SQLite so
// getTaskRunHistory can page and filter without walking every run's
// in-memory ring. Uses the pure-Go modernc.org/sqlite driver so the
// binary needs no cgo toolchain.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (creating if absent) the SQLite history index
// at path and ensures its schema exists.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &HistoryStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_entries (
			run_id          TEXT NOT NULL,
			timestamp       TIMESTAMP NOT NULL,
			status          TEXT NOT NULL,
			output          TEXT,
			error           TEXT,
			run_number      INTEGER NOT NULL,
			retry_attempt   INTEGER NOT NULL,
			agent_id        TEXT,
			execution_ms    INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_run_id ON history_entries(run_id)`)
	return err
}

// Append indexes one history entry.
func (s *HistoryStore) Append(entry types.HistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO history_entries (run_id, timestamp, status, output, error, run_number, retry_attempt, agent_id, execution_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RunID, entry.Timestamp, entry.Status, entry.Output, entry.Error,
		entry.RunNumber, entry.RetryAttempt, entry.AgentID, entry.ExecutionTime.Milliseconds(),
	)
	return err
}

// Query returns history entries for runID, newest first, honoring
// opts.Status/Limit/Offset.
func (s *HistoryStore) Query(runID string, opts types.HistoryQueryOptions) ([]types.HistoryEntry, error) {
	q := `SELECT run_id, timestamp, status, output, error, run_number, retry_attempt, agent_id, execution_ms
		FROM history_entries WHERE run_id = ?`
	args := []any{runID}

	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, opts.Status)
	}
	q += ` ORDER BY run_number DESC`
	if opts.Limit > 0 || opts.Offset > 0 {
		// SQLite needs a LIMIT before OFFSET; -1 means "no limit".
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		q += ` LIMIT ?`
		args = append(args, limit)
		if opts.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.HistoryEntry
	for rows.Next() {
		var e types.HistoryEntry
		var execMs int64
		var output, errStr, agentID sql.NullString
		if err := rows.Scan(&e.RunID, &e.Timestamp, &e.Status, &output, &errStr, &e.RunNumber, &e.RetryAttempt, &agentID, &execMs); err != nil {
			return nil, err
		}
		e.Output = output.String
		e.Error = errStr.String
		e.AgentID = agentID.String
		e.ExecutionTime = time.Duration(execMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
