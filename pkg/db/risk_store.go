package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const upsertRiskState = `
INSERT INTO risk_state (id, daily_loss, day_key, weekly_loss, week_key, consecutive_losses,
    cooldown_until, trades_today, last_margin_ratio, last_margin_check, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    daily_loss = excluded.daily_loss,
    day_key = excluded.day_key,
    weekly_loss = excluded.weekly_loss,
    week_key = excluded.week_key,
    consecutive_losses = excluded.consecutive_losses,
    cooldown_until = excluded.cooldown_until,
    trades_today = excluded.trades_today,
    last_margin_ratio = excluded.last_margin_ratio,
    last_margin_check = excluded.last_margin_check,
    updated_at = excluded.updated_at`

// LoadRiskState returns the persisted ledger row or ErrNotFound on a fresh database.
func (d *Database) LoadRiskState(ctx context.Context) (RiskState, error) {
	var s RiskState
	var cooldown, marginAt, updated int64
	err := d.DB.QueryRowContext(ctx, `
		SELECT daily_loss, day_key, weekly_loss, week_key, consecutive_losses,
		       cooldown_until, trades_today, last_margin_ratio, last_margin_check, updated_at
		FROM risk_state WHERE id = 1`).Scan(
		&s.DailyLoss, &s.DayKey, &s.WeeklyLoss, &s.WeekKey, &s.ConsecutiveLosses,
		&cooldown, &s.TradesToday, &s.LastMarginRatio, &marginAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RiskState{}, ErrNotFound
	}
	if err != nil {
		return RiskState{}, fmt.Errorf("load risk state: %w", err)
	}
	s.CooldownUntil = fromMillis(cooldown)
	s.LastMarginCheck = fromMillis(marginAt)
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

// SaveRiskState upserts the ledger row and, when trade is non-nil, appends it
// to the bounded history. Both happen in one transaction.
func (d *Database) SaveRiskState(ctx context.Context, s RiskState, trade *TradeRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := execRiskState(ctx, tx, s); err != nil {
		return err
	}
	if trade != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_trades (symbol, direction, entry_price, exit_price, quantity, pnl, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			trade.Symbol, trade.Direction, trade.EntryPrice, trade.ExitPrice, trade.Quantity, trade.PnL, toMillis(trade.ClosedAt),
		); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM risk_trades WHERE id NOT IN (
				SELECT id FROM risk_trades ORDER BY id DESC LIMIT ?)`, HistoryLimit,
		); err != nil {
			return fmt.Errorf("trim trades: %w", err)
		}
	}
	return tx.Commit()
}

// SaveMarginCheck stores the latest ratio and, when alert is non-nil, appends it
// to the bounded alert history.
func (d *Database) SaveMarginCheck(ctx context.Context, s RiskState, alert *MarginAlertRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := execRiskState(ctx, tx, s); err != nil {
		return err
	}
	if alert != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO margin_alerts (level, ratio, threshold, message, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			alert.Level, alert.Ratio, alert.Threshold, alert.Message, toMillis(alert.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert margin alert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM margin_alerts WHERE id NOT IN (
				SELECT id FROM margin_alerts ORDER BY id DESC LIMIT ?)`, HistoryLimit,
		); err != nil {
			return fmt.Errorf("trim margin alerts: %w", err)
		}
	}
	return tx.Commit()
}

func execRiskState(ctx context.Context, tx *sql.Tx, s RiskState) error {
	if _, err := tx.ExecContext(ctx, upsertRiskState,
		s.DailyLoss, s.DayKey, s.WeeklyLoss, s.WeekKey, s.ConsecutiveLosses,
		toMillis(s.CooldownUntil), s.TradesToday, s.LastMarginRatio, toMillis(s.LastMarginCheck), toMillis(s.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert risk state: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit outcomes, oldest first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, direction, entry_price, exit_price, quantity, pnl, closed_at
		FROM (SELECT * FROM risk_trades ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			t        TradeRecord
			closedAt int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Direction, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnL, &closedAt); err != nil {
			return nil, err
		}
		t.ClosedAt = fromMillis(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentMarginAlerts returns up to limit alerts, oldest first.
func (d *Database) RecentMarginAlerts(ctx context.Context, limit int) ([]MarginAlertRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, level, ratio, threshold, COALESCE(message, ''), created_at
		FROM (SELECT * FROM margin_alerts ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query margin alerts: %w", err)
	}
	defer rows.Close()

	var out []MarginAlertRecord
	for rows.Next() {
		var (
			a         MarginAlertRecord
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.Level, &a.Ratio, &a.Threshold, &a.Message, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
