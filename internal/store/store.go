// Package store persists everything that outlives a single process
// apart from block definitions (which the registry owns): pipelines,
// runs with their per-node results and ordered execution logs,
// notifications, and per-user memory.
//
// One SQLite database holds all tables. Memory writes are serialized
// per user so concurrent runs for the same user cannot interleave
// partial updates.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"

	"blocksmith/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	user_prompt TEXT,
	document TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pipelines_user ON pipelines(user_id);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	trigger_data TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS node_results (
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	block_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	error_kind TEXT,
	error TEXT,
	started_at DATETIME,
	finished_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, node_id)
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	node_id TEXT,
	status TEXT NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_run ON execution_logs(run_id, id);

CREATE TABLE IF NOT EXISTS user_memory (
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS memory_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	pipeline_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	memory TEXT NOT NULL,
	results TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memory_snapshots_user ON memory_snapshots(user_id, id);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL DEFAULT '',
	run_id TEXT,
	kind TEXT NOT NULL DEFAULT 'info',
	title TEXT,
	body TEXT NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, id);
`

// Store is the pipeline/run/memory database.
type Store struct {
	db     *sql.DB
	dbPath string

	// memLocks serializes memory writes per user.
	memLocks *xsync.MapOf[string, *userLock]
}

// Open opens (creating if absent) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	logging.Store("store open: %s", dbPath)
	return &Store{
		db:       db,
		dbPath:   dbPath,
		memLocks: xsync.NewMapOf[string, *userLock](),
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats summarizes store contents.
type Stats struct {
	Pipelines     int `json:"pipelines"`
	Runs          int `json:"runs"`
	NodeResults   int `json:"node_results"`
	LogRecords    int `json:"log_records"`
	MemoryKeys    int `json:"memory_keys"`
	Notifications int `json:"notifications"`
}

// String renders the stats human-readable.
func (s Stats) String() string {
	return fmt.Sprintf("Store[pipelines=%d runs=%d results=%d logs=%d memory=%d notifications=%d]",
		s.Pipelines, s.Runs, s.NodeResults, s.LogRecords, s.MemoryKeys, s.Notifications)
}

// GetStats counts rows per table.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"pipelines", &stats.Pipelines},
		{"runs", &stats.Runs},
		{"node_results", &stats.NodeResults},
		{"execution_logs", &stats.LogRecords},
		{"user_memory", &stats.MemoryKeys},
		{"notifications", &stats.Notifications},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return stats, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return stats, nil
}
