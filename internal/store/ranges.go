package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// The Store doubles as the cold tier's range store: offloaded batches are
// rows in agentdb_range_batches, keyed by instance, table, and revision
// range.

// List returns the cold ranges held for a table, ordered by ascending
// revision.
func (s *Store) List(ctx context.Context, instance, table string) ([]data.RevRange, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT lo, hi FROM agentdb_range_batches
        WHERE instance = $1 AND table_name = $2 ORDER BY lo`, instance, table)
	if err != nil {
		return nil, fmt.Errorf("list ranges: %w", err)
	}
	defer rows.Close()

	var out []data.RevRange
	for rows.Next() {
		var rng data.RevRange
		if err := rows.Scan(&rng.Lo, &rng.Hi); err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		out = append(out, rng)
	}
	return out, rows.Err()
}

// Get fetches and decodes one batch.
func (s *Store) Get(ctx context.Context, instance, table string, rng data.RevRange) ([]data.Record, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `
        SELECT rows FROM agentdb_range_batches
        WHERE instance = $1 AND table_name = $2 AND lo = $3 AND hi = $4`,
		instance, table, rng.Lo, rng.Hi).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("get range %d-%d: %w", rng.Lo, rng.Hi, err)
	}
	var records []data.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode range %d-%d: %w", rng.Lo, rng.Hi, err)
	}
	return records, nil
}

// Put stores one batch, replacing any batch already held for the range.
func (s *Store) Put(ctx context.Context, instance, table string, rng data.RevRange, records []data.Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode range %d-%d: %w", rng.Lo, rng.Hi, err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO agentdb_range_batches (instance, table_name, lo, hi, rows, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (instance, table_name, lo, hi) DO UPDATE SET rows = EXCLUDED.rows`,
		instance, table, rng.Lo, rng.Hi, raw)
	if err != nil {
		return fmt.Errorf("put range %d-%d: %w", rng.Lo, rng.Hi, err)
	}
	return nil
}

// Delete drops one batch; deleting an absent batch is a no-op.
func (s *Store) Delete(ctx context.Context, instance, table string, rng data.RevRange) error {
	if _, err := s.DB.ExecContext(ctx, `
        DELETE FROM agentdb_range_batches
        WHERE instance = $1 AND table_name = $2 AND lo = $3 AND hi = $4`,
		instance, table, rng.Lo, rng.Hi); err != nil {
		return fmt.Errorf("delete range %d-%d: %w", rng.Lo, rng.Hi, err)
	}
	return nil
}
