package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/metrics"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Tracker is the part of the position monitor the engine needs.
type Tracker interface {
	Has(symbol string) bool
	Get(symbol string) (position.Position, bool)
	Track(ctx context.Context, p *position.Position) error
	Positions() []position.Position
	Running() bool
}

// RiskGate decides whether a new entry is allowed.
type RiskGate interface {
	CanTrade() risk.Decision
}

// Notifier is the operator channel.
type Notifier interface {
	Notify(channelID, text string)
}

// demoFiller is implemented by simulated venues that can book a fill
// without an order.
type demoFiller interface {
	ApplyFill(symbol string, side common.Side, qty, price float64)
}

// Impl implements Service.
type Impl struct {
	gw       common.Gateway
	risk     RiskGate
	monitor  Tracker
	bus      *events.Bus
	notifier Notifier
	metrics  *metrics.Metrics
	settings Settings
	timeout  time.Duration
	logger   *zap.Logger
	meta     SystemStatus

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	accountMu sync.Mutex
	modeSet   bool
	leverage  map[string]int
}

// Config holds the collaborators for NewImpl.
type Config struct {
	Gateway     common.Gateway
	Risk        RiskGate
	Monitor     Tracker
	Bus         *events.Bus
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Settings    Settings
	CallTimeout time.Duration
	Logger      *zap.Logger
	Meta        SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Settings.Leverage <= 0 {
		cfg.Settings.Leverage = 1
	}
	if cfg.Settings.PositionMode == "" {
		cfg.Settings.PositionMode = common.PositionModeOneWay
	}
	meta := cfg.Meta
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	meta.Demo = cfg.Settings.Demo
	if meta.Mode == "" {
		meta.Mode = "live"
		if cfg.Settings.Demo {
			meta.Mode = "demo"
		}
	}
	return &Impl{
		gw:       cfg.Gateway,
		risk:     cfg.Risk,
		monitor:  cfg.Monitor,
		bus:      cfg.Bus,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		settings: cfg.Settings,
		timeout:  cfg.CallTimeout,
		logger:   logger.Named("engine"),
		meta:     meta,
		inflight: make(map[string]struct{}),
		leverage: make(map[string]int),
	}
}

var _ Service = (*Impl)(nil)

// Execute implements Service.
func (e *Impl) Execute(ctx context.Context, intent signal.TradeIntent) (*position.Position, error) {
	start := time.Now()
	p, err := e.execute(ctx, intent)
	result := "ok"
	if err != nil {
		result = "error"
		if kind := tradeerr.KindOf(err); kind != "" {
			result = string(kind)
		}
		e.logger.Warn("execution failed",
			zap.String("symbol", intent.Symbol),
			zap.String("direction", string(intent.Direction)),
			zap.Error(err))
	}
	e.metrics.Execution(result, time.Since(start))
	return p, err
}

func (e *Impl) execute(ctx context.Context, intent signal.TradeIntent) (*position.Position, error) {
	const op = "engine.Execute"

	if err := intent.Validate(); err != nil {
		return nil, tradeerr.Wrap(tradeerr.InvariantViolation, op, err)
	}
	if !e.acquire(intent.Symbol) {
		return nil, tradeerr.New(tradeerr.InvariantViolation, op, "entry already in flight for "+intent.Symbol)
	}
	defer e.release(intent.Symbol)

	if e.monitor.Has(intent.Symbol) {
		return nil, tradeerr.New(tradeerr.InvariantViolation, op, intent.Symbol+" already has an open position")
	}

	if d := e.risk.CanTrade(); !d.Allowed {
		e.metrics.RiskDenied(d.Rule)
		return nil, tradeerr.New(tradeerr.RiskDenied, op,
			fmt.Sprintf("%s: %s (current %.2f, limit %.2f)", d.Rule, d.Reason, d.Current, d.Limit))
	}

	price, err := e.price(ctx, intent.Symbol)
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.ExchangeUnavailable, op, err)
	}
	if reason := outrun(intent, price); reason != "" {
		e.metrics.RiskDenied(ruleStaleSignal)
		return nil, tradeerr.New(tradeerr.RiskDenied, op,
			fmt.Sprintf("%s: %s (price %g)", ruleStaleSignal, reason, price))
	}

	rules, qty, err := e.size(ctx, intent.Symbol, price)
	if err != nil {
		return nil, err
	}

	if err := e.prepareAccount(ctx, intent.Symbol); err != nil {
		return nil, err
	}

	entry, err := e.enter(ctx, intent, qty, price)
	if err != nil {
		return nil, err
	}

	targets := remainingTargets(intent, entry.price)
	if len(targets) < len(intent.Targets) {
		e.logger.Warn("entry filled past targets, dropping them",
			zap.String("symbol", intent.Symbol),
			zap.Float64("fill", entry.price),
			zap.Int("dropped", len(intent.Targets)-len(targets)))
	}
	p, err := position.New(position.Params{
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		EntryPrice:      entry.price,
		Quantity:        entry.qty,
		Leverage:        e.settings.Leverage,
		Targets:         targets,
		StopLoss:        intent.StopLoss,
		BreakevenTarget: e.settings.BreakevenTarget,
		EntryOrderID:    entry.orderID,
		Filled:          entry.filled,
		Demo:            e.settings.Demo,
		Rules:           rules,
	})
	if err != nil {
		e.logger.Error("entry placed but position invalid, flattening",
			zap.String("symbol", intent.Symbol),
			zap.String("order_id", entry.orderID),
			zap.Error(err))
		if ferr := e.flatten(ctx, intent, entry); ferr != nil {
			e.notify(fmt.Sprintf("🚨 %s entry filled at %g but could not be tracked or closed: %v", intent.Symbol, entry.price, ferr))
			err = fmt.Errorf("%w; flatten failed: %v", err, ferr)
		}
		return nil, tradeerr.Wrap(tradeerr.InvariantViolation, op, err)
	}
	if err := e.monitor.Track(ctx, p); err != nil {
		e.logger.Error("entry placed but not tracked",
			zap.String("symbol", intent.Symbol),
			zap.String("order_id", entry.orderID),
			zap.Error(err))
		return nil, tradeerr.Wrap(tradeerr.InvariantViolation, op, err)
	}

	out, ok := e.monitor.Get(intent.Symbol)
	if !ok {
		out = p.Clone()
	}
	e.bus.Publish(events.EventPositionOpened, out)
	e.logger.Info("position opened",
		zap.String("symbol", out.Symbol),
		zap.String("direction", string(out.Direction)),
		zap.Float64("entry", out.EntryPrice),
		zap.Float64("qty", out.Quantity),
		zap.String("status", string(out.Status)),
		zap.Bool("demo", out.Demo))
	e.notify(openedMessage(out))
	return &out, nil
}

func (e *Impl) price(ctx context.Context, symbol string) (float64, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	price, err := e.gw.GetPrice(cctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("get price: %w", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("get price: non-positive price %v", price)
	}
	return price, nil
}

const ruleStaleSignal = "stale_signal"

// outrun reports why the market has already moved past the signal's levels.
func outrun(intent signal.TradeIntent, price float64) string {
	if len(intent.Targets) > 0 && !intent.Direction.Profits(intent.Targets[0], price) {
		return fmt.Sprintf("target 1 (%g) already reached", intent.Targets[0])
	}
	if intent.StopLoss > 0 && !intent.Direction.Profits(price, intent.StopLoss) {
		return fmt.Sprintf("stop loss (%g) already breached", intent.StopLoss)
	}
	return ""
}

// remainingTargets drops targets that the entry fill already passed.
func remainingTargets(intent signal.TradeIntent, fillPrice float64) []float64 {
	out := make([]float64, 0, len(intent.Targets))
	for _, tp := range intent.Targets {
		if intent.Direction.Profits(tp, fillPrice) {
			out = append(out, tp)
		}
	}
	return out
}

// flatten closes a filled entry that cannot be monitored.
func (e *Impl) flatten(ctx context.Context, intent signal.TradeIntent, entry fill) error {
	side := intent.Direction.EntrySide().Opposite()
	if e.settings.Demo {
		if f, ok := e.gw.(demoFiller); ok {
			f.ApplyFill(intent.Symbol, side, entry.qty, entry.price)
		}
		return nil
	}
	if !entry.filled {
		cctx, cancel := e.callCtx(ctx)
		err := e.gw.CancelOrder(cctx, intent.Symbol, entry.orderID)
		cancel()
		if err != nil && !errors.Is(err, common.ErrOrderNotFound) {
			return fmt.Errorf("cancel entry: %w", err)
		}
		return nil
	}
	req := common.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Qty:        entry.qty,
		ClientID:   uuid.NewString(),
		ReduceOnly: true,
	}
	if e.settings.PositionMode == common.PositionModeHedge {
		req.ReduceOnly = false
		req.PositionSide = "LONG"
		if intent.Direction == signal.Short {
			req.PositionSide = "SHORT"
		}
	}
	cctx, cancel := e.callCtx(ctx)
	_, err := e.gw.SubmitOrder(cctx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("close entry: %w", err)
	}
	return nil
}

// size converts the configured amount into a contract quantity.
func (e *Impl) size(ctx context.Context, symbol string, price float64) (common.SymbolRules, float64, error) {
	const op = "engine.size"
	s := e.settings

	notional := s.Amount
	if s.UsePercentage {
		cctx, cancel := e.callCtx(ctx)
		balance, err := e.gw.GetBalance(cctx)
		cancel()
		if err != nil {
			return common.SymbolRules{}, 0, tradeerr.Wrap(tradeerr.ExchangeUnavailable, op, fmt.Errorf("get balance: %w", err))
		}
		notional = balance * s.Amount / 100
	}
	notional *= float64(s.Leverage)
	if s.MaxPositionSize > 0 && notional > s.MaxPositionSize {
		notional = s.MaxPositionSize
	}

	cctx, cancel := e.callCtx(ctx)
	rules, err := e.gw.GetSymbolRules(cctx, symbol)
	cancel()
	if err != nil {
		return common.SymbolRules{}, 0, tradeerr.FromExchange(op, fmt.Errorf("symbol rules: %w", err))
	}

	qty := common.FloorToStep(notional/price, rules.LotSize)
	if qty <= 0 || qty < rules.MinQty || qty*price < rules.MinNotional {
		return rules, 0, tradeerr.New(tradeerr.ExchangeRejected, op,
			fmt.Sprintf("quantity %g below minimum (min qty %g, min notional %g)", qty, rules.MinQty, rules.MinNotional))
	}
	return rules, qty, nil
}

// prepareAccount sets the position mode once and the leverage once per symbol.
func (e *Impl) prepareAccount(ctx context.Context, symbol string) error {
	const op = "engine.prepareAccount"
	e.accountMu.Lock()
	defer e.accountMu.Unlock()

	if !e.modeSet {
		cctx, cancel := e.callCtx(ctx)
		err := e.gw.SetPositionMode(cctx, e.settings.PositionMode)
		cancel()
		if err != nil {
			return tradeerr.FromExchange(op, fmt.Errorf("set position mode: %w", err))
		}
		e.modeSet = true
	}
	if e.leverage[symbol] == e.settings.Leverage {
		return nil
	}
	cctx, cancel := e.callCtx(ctx)
	err := e.gw.SetLeverage(cctx, symbol, e.settings.Leverage)
	cancel()
	if err != nil {
		return tradeerr.FromExchange(op, fmt.Errorf("set leverage: %w", err))
	}
	e.leverage[symbol] = e.settings.Leverage
	return nil
}

type fill struct {
	orderID string
	price   float64
	qty     float64
	filled  bool
}

// enter places the entry order, or simulates it in demo mode.
func (e *Impl) enter(ctx context.Context, intent signal.TradeIntent, qty, price float64) (fill, error) {
	const op = "engine.enter"
	side := intent.Direction.EntrySide()

	if e.settings.Demo {
		if f, ok := e.gw.(demoFiller); ok {
			f.ApplyFill(intent.Symbol, side, qty, price)
		}
		return fill{orderID: "DEMO-" + uuid.NewString(), price: price, qty: qty, filled: true}, nil
	}

	req := common.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     side,
		Type:     common.OrderTypeMarket,
		Qty:      qty,
		ClientID: uuid.NewString(),
	}
	if e.settings.PositionMode == common.PositionModeHedge {
		req.PositionSide = "LONG"
		if intent.Direction == signal.Short {
			req.PositionSide = "SHORT"
		}
	}
	cctx, cancel := e.callCtx(ctx)
	res, err := e.gw.SubmitOrder(cctx, req)
	cancel()
	if err != nil {
		return fill{}, tradeerr.FromExchange(op, fmt.Errorf("entry order: %w", err))
	}

	f := fill{orderID: res.ExchangeOrderID, price: price, qty: qty}
	if res.Status == common.StatusFilled {
		f.filled = true
		if res.AvgPrice > 0 {
			f.price = res.AvgPrice
		}
		if res.ExecutedQty > 0 {
			f.qty = res.ExecutedQty
		}
	}
	return f, nil
}

// GetSystemStatus implements Service.
func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now().UTC()
	status.Uptime = time.Since(status.StartedAt).Round(time.Second).String()
	status.OpenPositions = len(e.monitor.Positions())
	status.Monitoring = e.monitor.Running()
	status.Risk = e.risk.CanTrade()
	return &status
}

func (e *Impl) acquire(symbol string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[symbol]; busy {
		return false
	}
	e.inflight[symbol] = struct{}{}
	return true
}

func (e *Impl) release(symbol string) {
	e.inflightMu.Lock()
	delete(e.inflight, symbol)
	e.inflightMu.Unlock()
}

func (e *Impl) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Impl) notify(text string) {
	if e.notifier != nil {
		e.notifier.Notify("", text)
	}
}

func openedMessage(p position.Position) string {
	mode := ""
	if p.Demo {
		mode = " [DEMO]"
	}
	msg := fmt.Sprintf("🚀 %s %s opened%s\nEntry: %g\nQty: %g", p.Symbol, p.Direction, mode, p.EntryPrice, p.Quantity)
	for _, t := range p.Targets {
		msg += fmt.Sprintf("\nTarget %d: %g (%g)", t.Index, t.Price, t.Quantity)
	}
	if p.StopLoss > 0 {
		msg += fmt.Sprintf("\nStop Loss: %g", p.StopLoss)
	}
	return msg
}
