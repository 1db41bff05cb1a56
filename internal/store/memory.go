package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// PER-USER MEMORY
// =============================================================================

// userLock serializes memory writes for one user. Loaded lazily and never
// evicted; the universe of users in one deployment is small.
type userLock struct {
	mu sync.Mutex
}

func (s *Store) lockFor(userID string) *userLock {
	l, _ := s.memLocks.LoadOrCompute(userID, func() *userLock {
		return &userLock{}
	})
	return l
}

// LoadMemory reads the full memory snapshot for a user. A user with no
// stored memory gets an empty map, not an error.
func (s *Store) LoadMemory(ctx context.Context, userID string) (map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM user_memory WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory for %s: %w", userID, err)
	}
	defer rows.Close()

	memory := make(map[string]interface{})
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// A corrupt row should not poison the whole run; surface the
			// raw text instead.
			logging.Store("memory key %s/%s holds non-JSON value, passing through as string", userID, key)
			value = raw
		}
		memory[key] = value
	}
	return memory, rows.Err()
}

// SaveMemory persists the end-of-run memory snapshot. Writes for the same
// user are serialized so two concurrent runs cannot interleave partial
// updates; last completed run wins per key. Alongside the live rows a
// snapshot row is kept for history, annotated with the run's results.
func (s *Store) SaveMemory(ctx context.Context, userID string, state *core.RunState) error {
	lock := s.lockFor(userID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	memory := state.MemorySnapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin memory write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO user_memory (user_id, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare memory write: %w", err)
	}
	defer stmt.Close()

	for key, value := range memory {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("memory key %s: failed to marshal: %w", key, err)
		}
		if _, err := stmt.ExecContext(ctx, userID, key, string(raw)); err != nil {
			return fmt.Errorf("memory key %s: failed to write: %w", key, err)
		}
	}

	snapshot, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("failed to marshal memory snapshot: %w", err)
	}
	results, err := json.Marshal(state.Results())
	if err != nil {
		return fmt.Errorf("failed to marshal result annotations: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_snapshots (user_id, pipeline_id, run_id, memory, results)
		VALUES (?, ?, ?, ?, ?)`,
		userID, state.PipelineID, state.RunID, string(snapshot), string(results))
	if err != nil {
		return fmt.Errorf("failed to write memory snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory write: %w", err)
	}

	logging.StoreDebug("saved %d memory keys for %s (run %s)", len(memory), userID, state.RunID)
	return nil
}

// GetMemoryValue reads one memory key.
func (s *Store) GetMemoryValue(ctx context.Context, userID, key string) (interface{}, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_memory WHERE user_id = ? AND key = ?`, userID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("memory key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory key %s: %w", key, err)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw, nil
	}
	return value, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notification is an outbound message produced by a run (the notify seed
// block and run-failure reporting both land here).
type Notification struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// AddNotification appends one notification.
func (s *Store) AddNotification(ctx context.Context, n Notification) error {
	if n.Kind == "" {
		n.Kind = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, run_id, kind, title, body)
		VALUES (?, ?, ?, ?, ?)`,
		n.UserID, nullIfEmpty(n.RunID), n.Kind, n.Title, n.Body)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, run_id, kind, title, body, read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY id DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var runID, title sql.NullString
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &runID, &n.Kind, &title, &n.Body, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.RunID = runID.String
		n.Title = title.String
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flags the given notifications as read.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET read = 1 WHERE user_id = ? AND id = ?`, userID, id); err != nil {
			return fmt.Errorf("failed to mark notification %d read: %w", id, err)
		}
	}
	return tx.Commit()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
