package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/pkg/db"
)

const (
	maxMarginRatio       = 1e9
	rolloverWriteTimeout = 5 * time.Second
)

// Store persists ledger state. *db.Database implements it.
type Store interface {
	LoadRiskState(ctx context.Context) (db.RiskState, error)
	SaveRiskState(ctx context.Context, s db.RiskState, trade *db.TradeRecord) error
	SaveMarginCheck(ctx context.Context, s db.RiskState, alert *db.MarginAlertRecord) error
	RecentTrades(ctx context.Context, limit int) ([]db.TradeRecord, error)
	RecentMarginAlerts(ctx context.Context, limit int) ([]db.MarginAlertRecord, error)
}

// Ledger gates new trades on loss windows, loss streaks and cooldowns.
// All methods are safe for concurrent use.
type Ledger struct {
	cfg    Config
	store  Store
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	history []Outcome
	alerts  []MarginAlert
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New loads ledger state from store.
func New(ctx context.Context, cfg Config, store Store, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := newLedger(cfg, store, logger, opts)
	if store == nil {
		return l, nil
	}

	rec, err := store.LoadRiskState(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load risk state: %w", err)
	default:
		l.state = stateFromRecord(rec)
	}

	trades, err := store.RecentTrades(ctx, db.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load trade history: %w", err)
	}
	for _, t := range trades {
		l.history = append(l.history, outcomeFromRecord(t))
	}

	alerts, err := store.RecentMarginAlerts(ctx, db.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load margin alerts: %w", err)
	}
	for _, a := range alerts {
		l.alerts = append(l.alerts, MarginAlert{Level: a.Level, Ratio: a.Ratio, Threshold: a.Threshold, Message: a.Message, CreatedAt: a.CreatedAt})
	}

	l.rollAndPersist(ctx, l.now())
	l.logger.Info("risk ledger loaded",
		zap.Float64("daily_loss", l.state.DailyLoss),
		zap.Float64("weekly_loss", l.state.WeeklyLoss),
		zap.Int("consecutive_losses", l.state.ConsecutiveLosses),
		zap.Int("history", len(l.history)),
	)
	return l, nil
}

// NewInMemory creates a ledger without persistence.
func NewInMemory(cfg Config, logger *zap.Logger, opts ...Option) *Ledger {
	l := newLedger(cfg, nil, logger, opts)
	l.roll(l.now())
	return l
}

func newLedger(cfg Config, store Store, logger *zap.Logger, opts []Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &Ledger{
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logger.Named("risk"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanTrade evaluates the rules in order; the first failing rule wins.
func (l *Ledger) CanTrade() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rollAndPersist(context.Background(), now)
	return l.decide(now)
}

func (l *Ledger) decide(now time.Time) Decision {
	s := l.state
	if now.Before(s.CooldownUntil) {
		remaining := s.CooldownUntil.Sub(now).Round(time.Second)
		return Decision{
			Rule:    RuleCooldown,
			Reason:  fmt.Sprintf("cooldown after %d consecutive losses, %s remaining", s.ConsecutiveLosses, remaining),
			Current: float64(s.ConsecutiveLosses),
			Limit:   float64(l.cfg.MaxConsecutiveLosses),
		}
	}
	if l.cfg.DailyLossLimit > 0 && s.DailyLoss >= l.cfg.DailyLossLimit {
		return Decision{
			Rule:    RuleDailyLossLimit,
			Reason:  fmt.Sprintf("daily loss limit reached: %.2f/%.2f", s.DailyLoss, l.cfg.DailyLossLimit),
			Current: s.DailyLoss,
			Limit:   l.cfg.DailyLossLimit,
		}
	}
	if l.cfg.WeeklyLossLimit > 0 && s.WeeklyLoss >= l.cfg.WeeklyLossLimit {
		return Decision{
			Rule:    RuleWeeklyLossLimit,
			Reason:  fmt.Sprintf("weekly loss limit reached: %.2f/%.2f", s.WeeklyLoss, l.cfg.WeeklyLossLimit),
			Current: s.WeeklyLoss,
			Limit:   l.cfg.WeeklyLossLimit,
		}
	}
	return Decision{Allowed: true}
}

// RecordTrade books a closed trade. Losing outcomes grow the loss windows and
// the streak; a non-losing outcome resets the streak. The in-memory state is
// updated even when persistence fails so the gate stays closed.
func (l *Ledger) RecordTrade(ctx context.Context, o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if o.ClosedAt.IsZero() {
		o.ClosedAt = now
	}
	l.roll(now)

	l.state.TradesToday++
	if o.PnL < 0 {
		loss := -o.PnL
		l.state.DailyLoss += loss
		l.state.WeeklyLoss += loss
		l.state.ConsecutiveLosses++
		if l.cfg.MaxConsecutiveLosses > 0 && l.state.ConsecutiveLosses >= l.cfg.MaxConsecutiveLosses {
			l.state.CooldownUntil = now.Add(l.cfg.Cooldown)
			l.logger.Warn("loss streak cooldown armed",
				zap.Int("consecutive_losses", l.state.ConsecutiveLosses),
				zap.Time("until", l.state.CooldownUntil),
			)
		}
	} else {
		l.state.ConsecutiveLosses = 0
	}

	l.history = append(l.history, o)
	if len(l.history) > db.HistoryLimit {
		l.history = append([]Outcome(nil), l.history[len(l.history)-db.HistoryLimit:]...)
	}

	l.logger.Info("trade recorded",
		zap.String("symbol", o.Symbol),
		zap.Float64("pnl", o.PnL),
		zap.Float64("daily_loss", l.state.DailyLoss),
		zap.Float64("weekly_loss", l.state.WeeklyLoss),
		zap.Int("consecutive_losses", l.state.ConsecutiveLosses),
	)

	if l.store == nil {
		return nil
	}
	if err := l.store.SaveRiskState(ctx, l.state.record(now), o.record()); err != nil {
		return fmt.Errorf("persist trade outcome: %w", err)
	}
	return nil
}

// CheckMargin records ratio and returns an alert when it is below a threshold.
// It never affects CanTrade.
func (l *Ledger) CheckMargin(ctx context.Context, ratio float64) *MarginAlert {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.state.LastMarginRatio = ratio
	if math.IsInf(ratio, 1) {
		// no open exposure; keep the value JSON and SQLite friendly
		l.state.LastMarginRatio = maxMarginRatio
	}
	l.state.LastMarginCheck = now

	var alert *MarginAlert
	switch {
	case l.cfg.CriticalMarginRatio > 0 && ratio < l.cfg.CriticalMarginRatio:
		alert = &MarginAlert{
			Level:     LevelCritical,
			Ratio:     ratio,
			Threshold: l.cfg.CriticalMarginRatio,
			Message:   fmt.Sprintf("margin ratio %.2f below critical level %.2f", ratio, l.cfg.CriticalMarginRatio),
			CreatedAt: now,
		}
	case l.cfg.MinMarginRatio > 0 && ratio < l.cfg.MinMarginRatio:
		alert = &MarginAlert{
			Level:     LevelWarning,
			Ratio:     ratio,
			Threshold: l.cfg.MinMarginRatio,
			Message:   fmt.Sprintf("margin ratio %.2f below %.2f", ratio, l.cfg.MinMarginRatio),
			CreatedAt: now,
		}
	}

	var rec *db.MarginAlertRecord
	if alert != nil {
		l.alerts = append(l.alerts, *alert)
		if len(l.alerts) > db.HistoryLimit {
			l.alerts = append([]MarginAlert(nil), l.alerts[len(l.alerts)-db.HistoryLimit:]...)
		}
		rec = &db.MarginAlertRecord{Level: alert.Level, Ratio: alert.Ratio, Threshold: alert.Threshold, Message: alert.Message, CreatedAt: now}
	}

	if l.store != nil {
		if err := l.store.SaveMarginCheck(ctx, l.state.record(now), rec); err != nil {
			l.logger.Error("persist margin check failed", zap.Error(err))
		}
	}
	return alert
}

// Stats returns a snapshot for the operator.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollAndPersist(context.Background(), now)

	st := Stats{
		State:        l.state,
		Limits:       l.cfg,
		Decision:     l.decide(now),
		RecentTrades: append([]Outcome(nil), l.history...),
		MarginAlerts: append([]MarginAlert(nil), l.alerts...),
	}
	wins := 0
	for _, o := range l.history {
		st.TotalPnL += o.PnL
		if o.PnL > 0 {
			wins++
		}
	}
	if len(l.history) > 0 {
		st.WinRate = float64(wins) / float64(len(l.history))
	}
	return st
}

// rollAndPersist rolls the windows and stores the reset right away so a
// restart never sees the previous window's keys. Caller holds l.mu.
func (l *Ledger) rollAndPersist(ctx context.Context, now time.Time) {
	if !l.roll(now) || l.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, rolloverWriteTimeout)
	defer cancel()
	if err := l.store.SaveRiskState(sctx, l.state.record(now), nil); err != nil {
		l.logger.Error("persist window rollover failed", zap.Error(err))
	}
}

// roll resets windows whose key no longer matches now and reports whether
// anything changed. Caller holds l.mu.
func (l *Ledger) roll(now time.Time) bool {
	day, week := windowKeys(now.In(l.cfg.Location))
	changed := false
	if l.state.DayKey != day {
		changed = true
		if l.state.DayKey != "" {
			l.logger.Info("daily window reset",
				zap.String("previous", l.state.DayKey),
				zap.Float64("daily_loss", l.state.DailyLoss),
				zap.Int("trades", l.state.TradesToday),
			)
		}
		l.state.DayKey = day
		l.state.DailyLoss = 0
		l.state.TradesToday = 0
	}
	if l.state.WeekKey != week {
		changed = true
		if l.state.WeekKey != "" {
			l.logger.Info("weekly window reset",
				zap.String("previous", l.state.WeekKey),
				zap.Float64("weekly_loss", l.state.WeeklyLoss),
			)
		}
		l.state.WeekKey = week
		l.state.WeeklyLoss = 0
	}
	return changed
}

func windowKeys(t time.Time) (day, week string) {
	y, w := t.ISOWeek()
	return t.Format("2006-01-02"), fmt.Sprintf("%d-W%02d", y, w)
}
