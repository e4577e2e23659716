package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/flowline/internal/engine"
)

// RecordRun upserts a terminal run record. Node-level detail travels as
// one JSONB document alongside the indexed summary columns.
func (s *Store) RecordRun(ctx context.Context, run *engine.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, status, cost, error, record, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cost = EXCLUDED.cost,
			error = EXCLUDED.error,
			record = EXCLUDED.record,
			ended_at = EXCLUDED.ended_at`,
		run.ID, run.WorkflowID, string(run.Status), run.Cost, run.Error,
		doc, run.CreatedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	var doc []byte
	err := s.db.QueryRow(ctx,
		`SELECT record FROM runs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	var run engine.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the most recent run records for a workflow.
func (s *Store) ListRuns(ctx context.Context, workflowID string, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT record FROM runs
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run engine.Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
