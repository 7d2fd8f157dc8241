package risk

import (
	"time"

	"github.com/joehajt/tradingbotappweb/pkg/db"
)

// Rule names reported in a denied Decision.
const (
	RuleCooldown        = "cooldown"
	RuleDailyLossLimit  = "daily_loss_limit"
	RuleWeeklyLossLimit = "weekly_loss_limit"
)

// Margin alert levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Config defines the ledger limits. A limit <= 0 disables its rule.
type Config struct {
	DailyLossLimit       float64        `json:"daily_loss_limit"`
	WeeklyLossLimit      float64        `json:"weekly_loss_limit"`
	MaxConsecutiveLosses int            `json:"max_consecutive_losses"`
	Cooldown             time.Duration  `json:"cooldown"`
	MinMarginRatio       float64        `json:"min_margin_ratio"`
	CriticalMarginRatio  float64        `json:"critical_margin_ratio"`
	Location             *time.Location `json:"-"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DailyLossLimit:       500,
		WeeklyLossLimit:      2000,
		MaxConsecutiveLosses: 3,
		Cooldown:             time.Hour,
		MinMarginRatio:       1.5,
		CriticalMarginRatio:  1.1,
		Location:             time.UTC,
	}
}

// Decision is the result of CanTrade.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Rule    string  `json:"rule,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Current float64 `json:"current,omitempty"`
	Limit   float64 `json:"limit,omitempty"`
}

// Outcome is a closed trade reported to the ledger. PnL is net of fees.
type Outcome struct {
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	ClosedAt   time.Time `json:"closed_at"`
}

// State is the loss-window bookkeeping.
type State struct {
	DailyLoss         float64   `json:"daily_loss"`
	DayKey            string    `json:"day_key"`
	WeeklyLoss        float64   `json:"weekly_loss"`
	WeekKey           string    `json:"week_key"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	TradesToday       int       `json:"trades_today"`
	LastMarginRatio   float64   `json:"last_margin_ratio"`
	LastMarginCheck   time.Time `json:"last_margin_check"`
}

// MarginAlert is raised when the account margin ratio drops below a threshold.
type MarginAlert struct {
	Level     string    `json:"level"`
	Ratio     float64   `json:"ratio"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is the operator view of the ledger.
type Stats struct {
	State        State         `json:"state"`
	Limits       Config        `json:"limits"`
	Decision     Decision      `json:"decision"`
	TotalPnL     float64       `json:"total_pnl"`
	WinRate      float64       `json:"win_rate"`
	RecentTrades []Outcome     `json:"recent_trades"`
	MarginAlerts []MarginAlert `json:"margin_alerts"`
}

func (s State) record(updatedAt time.Time) db.RiskState {
	return db.RiskState{
		DailyLoss:         s.DailyLoss,
		DayKey:            s.DayKey,
		WeeklyLoss:        s.WeeklyLoss,
		WeekKey:           s.WeekKey,
		ConsecutiveLosses: s.ConsecutiveLosses,
		CooldownUntil:     s.CooldownUntil,
		TradesToday:       s.TradesToday,
		LastMarginRatio:   s.LastMarginRatio,
		LastMarginCheck:   s.LastMarginCheck,
		UpdatedAt:         updatedAt,
	}
}

func stateFromRecord(r db.RiskState) State {
	return State{
		DailyLoss:         r.DailyLoss,
		DayKey:            r.DayKey,
		WeeklyLoss:        r.WeeklyLoss,
		WeekKey:           r.WeekKey,
		ConsecutiveLosses: r.ConsecutiveLosses,
		CooldownUntil:     r.CooldownUntil,
		TradesToday:       r.TradesToday,
		LastMarginRatio:   r.LastMarginRatio,
		LastMarginCheck:   r.LastMarginCheck,
	}
}

func (o Outcome) record() *db.TradeRecord {
	return &db.TradeRecord{
		Symbol:     o.Symbol,
		Direction:  o.Direction,
		EntryPrice: o.EntryPrice,
		ExitPrice:  o.ExitPrice,
		Quantity:   o.Quantity,
		PnL:        o.PnL,
		ClosedAt:   o.ClosedAt,
	}
}

func outcomeFromRecord(r db.TradeRecord) Outcome {
	return Outcome{
		Symbol:     r.Symbol,
		Direction:  r.Direction,
		EntryPrice: r.EntryPrice,
		ExitPrice:  r.ExitPrice,
		Quantity:   r.Quantity,
		PnL:        r.PnL,
		ClosedAt:   r.ClosedAt,
	}
}
