package db

import (
	"context"
	"fmt"
)

// UpsertPosition writes the snapshot for its symbol.
func (d *Database) UpsertPosition(ctx context.Context, p PositionSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		p.Symbol, p.Status, string(p.Data), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeletePosition removes the snapshot for symbol. Missing rows are not an error.
func (d *Database) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// ListPositions returns every stored snapshot ordered by symbol.
func (d *Database) ListPositions(ctx context.Context) ([]PositionSnapshot, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT symbol, status, data, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionSnapshot
	for rows.Next() {
		var (
			p       PositionSnapshot
			data    string
			updated int64
		)
		if err := rows.Scan(&p.Symbol, &p.Status, &data, &updated); err != nil {
			return nil, err
		}
		p.Data = []byte(data)
		p.UpdatedAt = fromMillis(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}
