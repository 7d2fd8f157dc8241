package position

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joehajt/tradingbotappweb/pkg/db"
)

// Store persists position snapshots. *db.Database satisfies it.
type Store interface {
	UpsertPosition(ctx context.Context, p db.PositionSnapshot) error
	DeletePosition(ctx context.Context, symbol string) error
	ListPositions(ctx context.Context) ([]db.PositionSnapshot, error)
}

func snapshot(p *Position) (db.PositionSnapshot, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return db.PositionSnapshot{}, fmt.Errorf("marshal %s: %w", p.Symbol, err)
	}
	return db.PositionSnapshot{
		Symbol:    p.Symbol,
		Status:    string(p.Status),
		Data:      data,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

func fromSnapshot(s db.PositionSnapshot) (*Position, error) {
	var p Position
	if err := json.Unmarshal(s.Data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", s.Symbol, err)
	}
	if p.Symbol == "" {
		p.Symbol = s.Symbol
	}
	return &p, nil
}
