package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/flowline/internal/invoke"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveAgent upserts an agent descriptor.
func (s *Store) SaveAgent(ctx context.Context, d *invoke.Descriptor) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (ref, name, endpoint, api_key, pricing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (ref) DO UPDATE SET
			name = EXCLUDED.name,
			endpoint = EXCLUDED.endpoint,
			api_key = EXCLUDED.api_key,
			pricing = EXCLUDED.pricing,
			updated_at = EXCLUDED.updated_at`,
		d.Ref, d.Name, d.Endpoint, d.APIKey, d.Pricing, now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", d.Ref, err)
	}
	return nil
}

// GetAgent retrieves a single agent descriptor by ref.
func (s *Store) GetAgent(ctx context.Context, ref string) (*invoke.Descriptor, error) {
	row := s.db.QueryRow(ctx, `
		SELECT ref, COALESCE(name,''), endpoint, COALESCE(api_key,''), COALESCE(pricing,'')
		FROM agents WHERE ref = $1`, ref)

	var d invoke.Descriptor
	err := row.Scan(&d.Ref, &d.Name, &d.Endpoint, &d.APIKey, &d.Pricing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", ref, err)
	}
	return &d, nil
}

// ListAgents returns all registered agent descriptors.
func (s *Store) ListAgents(ctx context.Context) ([]*invoke.Descriptor, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ref, COALESCE(name,''), endpoint, COALESCE(api_key,''), COALESCE(pricing,'')
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*invoke.Descriptor
	for rows.Next() {
		var d invoke.Descriptor
		if err := rows.Scan(&d.Ref, &d.Name, &d.Endpoint, &d.APIKey, &d.Pricing); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &d)
	}
	return agents, nil
}

// DeleteAgent removes an agent descriptor by ref.
func (s *Store) DeleteAgent(ctx context.Context, ref string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agents WHERE ref = $1`, ref)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", ref, ErrNotFound)
	}
	return nil
}
