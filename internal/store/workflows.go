package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/flowline/internal/workflow"
)

// SaveWorkflow upserts a workflow spec. The graph is stored as JSONB so
// the schema survives spec evolution.
func (s *Store) SaveWorkflow(ctx context.Context, spec *workflow.Spec) error {
	doc, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", spec.ID, err)
	}
	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, name, spec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			spec = EXCLUDED.spec,
			updated_at = EXCLUDED.updated_at`,
		spec.ID, spec.Name, doc, now,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", spec.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow spec by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Spec, error) {
	var doc []byte
	err := s.db.QueryRow(ctx,
		`SELECT spec FROM workflows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}

	var spec workflow.Spec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &spec, nil
}

// ListWorkflows returns all stored workflow specs.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Spec, error) {
	rows, err := s.db.Query(ctx,
		`SELECT spec FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var specs []*workflow.Spec
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var spec workflow.Spec
		if err := json.Unmarshal(doc, &spec); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}

// DeleteWorkflow removes a workflow spec by ID. Run records are kept.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}
