package db

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// HistoryLimit bounds the trade and margin alert tables.
const HistoryLimit = 100

// RiskState is the single persisted row of loss-window bookkeeping.
type RiskState struct {
	DailyLoss         float64
	DayKey            string
	WeeklyLoss        float64
	WeekKey           string
	ConsecutiveLosses int
	CooldownUntil     time.Time
	TradesToday       int
	LastMarginRatio   float64
	LastMarginCheck   time.Time
	UpdatedAt         time.Time
}

// TradeRecord is one closed trade outcome.
type TradeRecord struct {
	ID         int64
	Symbol     string
	Direction  string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	ClosedAt   time.Time
}

// MarginAlertRecord is one persisted margin warning.
type MarginAlertRecord struct {
	ID        int64
	Level     string
	Ratio     float64
	Threshold float64
	Message   string
	CreatedAt time.Time
}

// PositionSnapshot is the serialized state of a monitored position.
type PositionSnapshot struct {
	Symbol    string
	Status    string
	Data      []byte
	UpdatedAt time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
