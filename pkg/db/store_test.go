package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestRiskStateRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.LoadRiskState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	state := RiskState{
		DailyLoss:         120,
		DayKey:            "2026-03-02",
		WeeklyLoss:        300,
		WeekKey:           "2026-W10",
		ConsecutiveLosses: 2,
		CooldownUntil:     now.Add(time.Hour),
		TradesToday:       4,
		UpdatedAt:         now,
	}
	require.NoError(t, d.SaveRiskState(ctx, state, &TradeRecord{Symbol: "BTCUSDT", Direction: "long", PnL: -60, ClosedAt: now}))

	got, err := d.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.DailyLoss, got.DailyLoss)
	assert.Equal(t, state.WeekKey, got.WeekKey)
	assert.Equal(t, 2, got.ConsecutiveLosses)
	assert.True(t, state.CooldownUntil.Equal(got.CooldownUntil))
	assert.True(t, got.LastMarginCheck.IsZero())

	trades, err := d.RecentTrades(ctx, HistoryLimit)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, -60.0, trades[0].PnL)
	assert.True(t, now.Equal(trades[0].ClosedAt))
}

func TestTradeHistoryIsBounded(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < HistoryLimit+5; i++ {
		rec := &TradeRecord{Symbol: fmt.Sprintf("S%dUSDT", i), Direction: "long", PnL: float64(i), ClosedAt: time.Now()}
		require.NoError(t, d.SaveRiskState(ctx, RiskState{}, rec))
	}

	trades, err := d.RecentTrades(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, trades, HistoryLimit)
	assert.Equal(t, 5.0, trades[0].PnL)
	assert.Equal(t, float64(HistoryLimit+4), trades[len(trades)-1].PnL)
}

func TestMarginCheckPersistsAlert(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, d.SaveMarginCheck(ctx, RiskState{LastMarginRatio: 1.2, LastMarginCheck: now}, &MarginAlertRecord{
		Level: "warning", Ratio: 1.2, Threshold: 1.5, Message: "low margin", CreatedAt: now,
	}))
	require.NoError(t, d.SaveMarginCheck(ctx, RiskState{LastMarginRatio: 3, LastMarginCheck: now}, nil))

	state, err := d.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, state.LastMarginRatio)

	alerts, err := d.RecentMarginAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "warning", alerts[0].Level)
	assert.Equal(t, "low margin", alerts[0].Message)
}

func TestPositionSnapshots(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertPosition(ctx, PositionSnapshot{Symbol: "ETHUSDT", Status: "active", Data: []byte(`{"a":1}`), UpdatedAt: time.Now()}))
	require.NoError(t, d.UpsertPosition(ctx, PositionSnapshot{Symbol: "BTCUSDT", Status: "opening", Data: []byte(`{}`), UpdatedAt: time.Now()}))
	require.NoError(t, d.UpsertPosition(ctx, PositionSnapshot{Symbol: "ETHUSDT", Status: "breakeven_set", Data: []byte(`{"a":2}`), UpdatedAt: time.Now()}))

	list, err := d.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "breakeven_set", list[1].Status)
	assert.JSONEq(t, `{"a":2}`, string(list[1].Data))

	require.NoError(t, d.DeletePosition(ctx, "ETHUSDT"))
	require.NoError(t, d.DeletePosition(ctx, "ETHUSDT"))
	list, err = d.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, ApplyMigrations(d))
	ok, err := columnExists(d.DB, "risk_state", "last_margin_ratio")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveRiskStateRollsBackOnTradeInsertFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	d := &Database{DB: mockDB}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO risk_state").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO risk_trades").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = d.SaveRiskState(context.Background(), RiskState{}, &TradeRecord{Symbol: "BTCUSDT", Direction: "long", PnL: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert trade")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRiskStateWrapsQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	d := &Database{DB: mockDB}

	mock.ExpectQuery("SELECT daily_loss").WillReturnError(errors.New("locked"))

	_, err = d.LoadRiskState(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPositionWrapsError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	d := &Database{DB: mockDB}

	mock.ExpectExec("INSERT INTO positions").WillReturnError(errors.New("readonly"))
	err = d.UpsertPosition(context.Background(), PositionSnapshot{Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFileDatabaseUsesWAL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "engine.db")
	d, err := New(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	var mode string
	require.NoError(t, d.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, d.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, BusyTimeoutMillis, timeout)

	require.NoError(t, ApplyMigrations(d))
	require.NoError(t, d.UpsertPosition(ctx, PositionSnapshot{Symbol: "BTCUSDT", Status: "active", Data: []byte(`{}`), UpdatedAt: time.Now()}))
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New(context.Background(), "")
	assert.Error(t, err)
}
