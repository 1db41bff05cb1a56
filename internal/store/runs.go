package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// RUNS
// =============================================================================

// Run statuses persisted to the runs table.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// RunRecord is one row of run history.
type RunRecord struct {
	RunID       string                 `json:"run_id"`
	PipelineID  string                 `json:"pipeline_id"`
	UserID      string                 `json:"user_id"`
	Status      string                 `json:"status"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Duration    time.Duration          `json:"duration"`
}

// BeginRun inserts the initial running row.
func (s *Store) BeginRun(ctx context.Context, rec RunRecord) error {
	trigger, err := marshalMaybe(rec.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}
	if rec.Status == "" {
		rec.Status = RunRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pipeline_id, user_id, status, trigger_data, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.PipelineID, rec.UserID, rec.Status, trigger, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.RunID, err)
	}
	return nil
}

// FinishRun records the terminal status and duration of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, duration_ms = ? WHERE run_id = ?`,
		status, time.Now().UTC(), duration.Milliseconds(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun loads one run row.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline_id, user_id, status, trigger_data, started_at, finished_at, duration_ms
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns run history newest first. Empty filter values match
// everything.
func (s *Store) ListRuns(ctx context.Context, userID, pipelineID, status string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, pipeline_id, user_id, status, trigger_data, started_at, finished_at, duration_ms
		FROM runs WHERE 1=1`
	args := []interface{}{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if pipelineID != "" {
		query += " AND pipeline_id = ?"
		args = append(args, pipelineID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var trigger sql.NullString
	var startedAt time.Time
	var finishedAt sql.NullTime
	var durationMs int64

	err := row.Scan(&rec.RunID, &rec.PipelineID, &rec.UserID, &rec.Status,
		&trigger, &startedAt, &finishedAt, &durationMs)
	if err != nil {
		return nil, err
	}

	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &rec.TriggerData); err != nil {
			return nil, fmt.Errorf("run %s: malformed trigger data: %w", rec.RunID, err)
		}
	}
	rec.StartedAt = startedAt
	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	}
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}

// =============================================================================
// NODE RESULTS
// =============================================================================

// SaveNodeResults writes every node result of a run in one transaction.
func (s *Store) SaveNodeResults(ctx context.Context, runID string, results map[string]*core.NodeResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin node result write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO node_results
		(run_id, node_id, block_id, status, output, error_kind, error, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare node result write: %w", err)
	}
	defer stmt.Close()

	for nodeID, r := range results {
		output, err := marshalMaybe(r.Output)
		if err != nil {
			return fmt.Errorf("node %s: failed to marshal output: %w", nodeID, err)
		}
		_, err = stmt.ExecContext(ctx, runID, nodeID, r.BlockID, string(r.Status),
			output, r.ErrorKind, r.ErrorText, r.StartedAt, r.FinishedAt, r.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to write result for node %s: %w", nodeID, err)
		}
	}
	return tx.Commit()
}

// GetNodeResults loads all node results of a run keyed by node id.
func (s *Store) GetNodeResults(ctx context.Context, runID string) (map[string]*core.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, block_id, status, output, error_kind, error, started_at, finished_at, duration_ms
		FROM node_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*core.NodeResult)
	for rows.Next() {
		var r core.NodeResult
		var output, errorKind, errorText sql.NullString
		var startedAt, finishedAt sql.NullTime
		var durationMs int64
		if err := rows.Scan(&r.NodeID, &r.BlockID, &r.Status, &output,
			&errorKind, &errorText, &startedAt, &finishedAt, &durationMs); err != nil {
			return nil, err
		}
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &r.Output); err != nil {
				return nil, fmt.Errorf("node %s: malformed output: %w", r.NodeID, err)
			}
		}
		r.ErrorKind = errorKind.String
		r.ErrorText = errorText.String
		r.StartedAt = startedAt.Time
		r.FinishedAt = finishedAt.Time
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out[r.NodeID] = &r
	}
	return out, rows.Err()
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

// AppendLogBatch inserts an ordered batch of log records for a run. The
// autoincrement id preserves insertion order for readback.
func (s *Store) AppendLogBatch(ctx context.Context, runID string, records []core.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_logs (run_id, kind, node_id, status, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log write: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx, runID, string(rec.Kind), rec.NodeID,
			rec.Status, rec.Error, rec.Duration.Milliseconds(), rec.At)
		if err != nil {
			return fmt.Errorf("failed to append log record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logging.StoreDebug("appended %d log records for run %s", len(records), runID)
	return nil
}

// GetRunLog reads a run's log back in insertion order.
func (s *Store) GetRunLog(ctx context.Context, runID string) ([]core.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, node_id, status, error, duration_ms, at
		FROM execution_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run log: %w", err)
	}
	defer rows.Close()

	var out []core.LogRecord
	for rows.Next() {
		var rec core.LogRecord
		var nodeID, errText sql.NullString
		var durationMs int64
		if err := rows.Scan(&rec.Kind, &nodeID, &rec.Status, &errText, &durationMs, &rec.At); err != nil {
			return nil, err
		}
		rec.NodeID = nodeID.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// marshalMaybe renders an optional JSON column; nil maps persist as NULL.
func marshalMaybe(m map[string]interface{}) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
