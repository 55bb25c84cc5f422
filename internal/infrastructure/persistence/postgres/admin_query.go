package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RunReadOnlyQuery executes an operator-supplied query inside a
// read-only transaction and returns column names plus row values.
// The transaction access mode is the backstop; callers additionally
// reject non-SELECT statements before reaching here.
func (s *Store) RunReadOnlyQuery(ctx context.Context, query string) ([]string, [][]any, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to lose

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var values [][]any
	for rows.Next() {
		row, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row: %w", err)
		}
		values = append(values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return columns, values, nil
}
