package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"blocksmith/internal/core"
)

// =============================================================================
// PIPELINES
// =============================================================================
// Pipelines persist as their full JSON document plus a few promoted
// columns for listing. The document is authoritative; the columns are
// derived on every save.

// PipelineRecord is one stored pipeline with its ownership metadata.
type PipelineRecord struct {
	Pipeline  *core.Pipeline `json:"pipeline"`
	UserID    string         `json:"user_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SavePipeline upserts a pipeline for a user. The pipeline must pass
// its own validation; the store never persists a cyclic or malformed
// document.
func (s *Store) SavePipeline(ctx context.Context, userID string, p *core.Pipeline) error {
	if p == nil {
		return core.NewValidation(core.SubkindStageSchema, "nil pipeline")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pipelines (id, user_id, name, user_prompt, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?,
		        COALESCE((SELECT created_at FROM pipelines WHERE id = ?), CURRENT_TIMESTAMP),
		        CURRENT_TIMESTAMP)`,
		p.ID, userID, p.Name, p.UserPrompt, string(doc), p.ID)
	if err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", p.ID, err)
	}
	return nil
}

// GetPipeline loads one pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id string) (*PipelineRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, document, created_at, updated_at FROM pipelines WHERE id = ?", id)

	var rec PipelineRecord
	var doc string
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&rec.UserID, &doc, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("pipeline", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", id, err)
	}

	var p core.Pipeline
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("pipeline %s: malformed document: %w", id, err)
	}
	rec.Pipeline = &p
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}

// ListPipelines returns pipelines, optionally filtered by user, newest
// first.
func (s *Store) ListPipelines(ctx context.Context, userID string) ([]*PipelineRecord, error) {
	query := "SELECT user_id, document, created_at, updated_at FROM pipelines"
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY updated_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*PipelineRecord
	for rows.Next() {
		var rec PipelineRecord
		var doc string
		var createdAt, updatedAt sql.NullTime
		if err := rows.Scan(&rec.UserID, &doc, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var p core.Pipeline
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("malformed pipeline document: %w", err)
		}
		rec.Pipeline = &p
		rec.CreatedAt = createdAt.Time
		rec.UpdatedAt = updatedAt.Time
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeletePipeline removes a pipeline. Run history is kept.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.NewNotFound("pipeline", id)
	}
	return nil
}
