package position

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

type passResult int

const (
	resultSkipped passResult = iota
	resultKept
	resultClosed
	resultDropped
)

// reconcileEntry runs one symbol's pass under its lock. A panic is contained
// to this symbol.
func (m *Monitor) reconcileEntry(ctx context.Context, e *entry) (symbol string, res passResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return "", resultSkipped, nil
	}
	symbol = e.pos.Symbol
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ReconcileError("panic")
			m.logger.Error("reconcile panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res, err = resultKept, fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = m.step(ctx, e)
	return symbol, res, err
}

func (m *Monitor) step(ctx context.Context, e *entry) (passResult, error) {
	p := e.pos
	switch p.Status {
	case StatusOpening:
		return m.stepOpening(ctx, e)
	case StatusActive, StatusBreakevenSet:
		err := m.stepLive(ctx, p)
		if p.Status != StatusClosing {
			m.save(ctx, p)
			return resultKept, err
		}
		res, cerr := m.stepClosing(ctx, e)
		return res, errors.Join(err, cerr)
	case StatusClosing:
		return m.stepClosing(ctx, e)
	default:
		m.drop(ctx, e)
		return resultClosed, nil
	}
}

// stepOpening waits for the entry order to fill.
func (m *Monitor) stepOpening(ctx context.Context, e *entry) (passResult, error) {
	p := e.pos
	info, err := m.orderStatus(ctx, p.Symbol, p.EntryOrderID)
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		info = common.OrderInfo{Status: common.StatusExpired}
	case err != nil:
		m.metrics.ReconcileError("entry")
		return resultKept, fmt.Errorf("entry status: %w", err)
	}

	switch {
	case info.Status == common.StatusFilled || (info.Status.Final() && info.ExecutedQty > 0):
		m.activate(ctx, p, info)
		m.save(ctx, p)
		return resultKept, nil
	case info.Status.Final():
		m.logger.Warn("entry order did not fill, dropping position",
			zap.String("symbol", p.Symbol),
			zap.String("order_id", p.EntryOrderID),
			zap.String("status", string(info.Status)))
		m.drop(ctx, e)
		m.notify("❌ %s entry order %s ended %s, position dropped", p.Symbol, p.EntryOrderID, info.Status)
		return resultDropped, nil
	default:
		return resultKept, nil
	}
}

func (m *Monitor) activate(ctx context.Context, p *Position, info common.OrderInfo) {
	if info.AvgPrice > 0 {
		p.EntryPrice = info.AvgPrice
	}
	if info.ExecutedQty > 0 && math.Abs(info.ExecutedQty-p.Quantity) > qtyEpsilon {
		p.Quantity = info.ExecutedQty
		p.InitialQuantity = info.ExecutedQty
		p.reallocate()
	}
	p.Status = StatusActive
	m.logger.Info("entry filled",
		zap.String("symbol", p.Symbol),
		zap.Float64("price", p.EntryPrice),
		zap.Float64("qty", p.Quantity))
	m.notify("✅ %s %s entry filled at %g, qty %g", p.Symbol, p.Direction, p.EntryPrice, p.Quantity)

	if err := m.placePending(ctx, p); err != nil {
		m.logger.Warn("protection incomplete, will retry", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

// stepLive is the per-pass walk for an Active or BreakevenSet position.
func (m *Monitor) stepLive(ctx context.Context, p *Position) error {
	price, err := m.price(ctx, p)
	if err != nil {
		return err
	}

	m.cancelStale(ctx, p)
	var errs []error
	if err := m.placePending(ctx, p); err != nil {
		errs = append(errs, err)
	}
	if p.StopOrderID == "" && p.StopBreached(price) {
		if err := m.exitAtMarket(ctx, p, p.Quantity, price); err != nil {
			errs = append(errs, fmt.Errorf("stop exit: %w", err))
		} else {
			m.notify("🛑 %s stop %g reached at %g, closed at market", p.Symbol, p.StopLoss, price)
		}
	}
	if !p.Flat() {
		if err := m.checkTargets(ctx, p, price); err != nil {
			errs = append(errs, err)
		}
		m.checkBreakeven(ctx, p)
	}
	if err := m.reconcileOrders(ctx, p); err != nil {
		errs = append(errs, err)
	}
	if !p.Flat() {
		if err := m.checkExchange(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Flat() {
		p.Status = StatusClosing
		m.logger.Info("position flat, closing", zap.String("symbol", p.Symbol))
	}
	return errors.Join(errs...)
}

func (m *Monitor) price(ctx context.Context, p *Position) (float64, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	price, err := m.gw.GetPrice(cctx, p.Symbol)
	if err != nil {
		p.PriceFailures++
		m.metrics.ReconcileError("price")
		if p.PriceFailures > m.cfg.PriceFailureThreshold && !p.PriceAlerted {
			p.PriceAlerted = true
			m.notify("⚠️ %s price unavailable for %d checks: %v", p.Symbol, p.PriceFailures, err)
		}
		return 0, fmt.Errorf("get price: %w", err)
	}
	if p.PriceAlerted {
		m.notify("✅ %s price feed recovered at %g", p.Symbol, price)
	}
	p.PriceFailures = 0
	p.PriceAlerted = false
	p.LastPrice = price
	return price, nil
}

// checkTargets walks unfilled targets in ladder order. A target without a
// resting TP order is taken at market.
func (m *Monitor) checkTargets(ctx context.Context, p *Position, price float64) error {
	for i := range p.Targets {
		t := &p.Targets[i]
		if t.Filled {
			continue
		}
		if !p.Reached(price, t.Price) {
			break
		}
		if t.OrderID == "" {
			qty := math.Min(t.Quantity, p.Quantity)
			if qty > qtyEpsilon {
				if err := m.exitAtMarket(ctx, p, qty, price); err != nil {
					return fmt.Errorf("target %d exit: %w", t.Index, err)
				}
			}
			t.Filled = true
		}
		if !t.Hit {
			m.markHit(p, t, price)
		}
		if p.Flat() {
			break
		}
	}
	return nil
}

func (m *Monitor) markHit(p *Position, t *Target, price float64) {
	t.Hit = true
	t.HitAt = m.now()
	m.metrics.TargetHit()
	m.bus.Publish(events.EventPositionTargetHit, map[string]any{
		"symbol": p.Symbol,
		"target": t.Index,
		"price":  t.Price,
		"market": price,
	})
	m.logger.Info("target hit",
		zap.String("symbol", p.Symbol),
		zap.Int("target", t.Index),
		zap.Float64("price", t.Price))
	m.notify("🎯 %s target %d (%g) hit at %g", p.Symbol, t.Index, t.Price, price)
}

func (m *Monitor) checkBreakeven(ctx context.Context, p *Position) {
	if !m.cfg.AutoBreakeven || p.BreakevenArmed {
		return
	}
	idx := p.BreakevenTarget
	if idx < 1 || idx > len(p.Targets) || !p.Targets[idx-1].Hit {
		return
	}
	m.armBreakeven(ctx, p, fmt.Sprintf("target %d hit", idx))
}

// reconcileOrders picks up fills of resting TP and SL orders. Each order's
// execution is booked once, however many passes observe it.
func (m *Monitor) reconcileOrders(ctx context.Context, p *Position) error {
	var errs []error
	for i := range p.Targets {
		t := &p.Targets[i]
		if t.OrderID == "" || t.Filled {
			continue
		}
		info, err := m.orderStatus(ctx, p.Symbol, t.OrderID)
		if errors.Is(err, common.ErrOrderNotFound) {
			t.OrderID, t.Booked = "", 0
			continue
		}
		if err != nil {
			m.metrics.ReconcileError("order")
			errs = append(errs, fmt.Errorf("target %d status: %w", t.Index, err))
			continue
		}
		px := orDefault(info.AvgPrice, t.Price)
		switch {
		case info.Status == common.StatusFilled:
			t.Booked = p.bookFill(orDefault(info.ExecutedQty, t.Quantity), t.Booked, px)
			t.Filled = true
			if !t.Hit {
				m.markHit(p, t, px)
			}
		case info.Status.Final():
			if info.ExecutedQty > 0 {
				p.bookFill(info.ExecutedQty, t.Booked, px)
				t.Quantity = math.Max(t.Quantity-info.ExecutedQty, 0)
			}
			t.OrderID, t.Booked = "", 0
		case info.ExecutedQty > t.Booked:
			t.Booked = p.bookFill(info.ExecutedQty, t.Booked, px)
		}
	}

	if p.StopOrderID != "" {
		info, err := m.orderStatus(ctx, p.Symbol, p.StopOrderID)
		px := orDefault(info.AvgPrice, p.StopLoss)
		switch {
		case errors.Is(err, common.ErrOrderNotFound):
			p.StopOrderID, p.StopBooked = "", 0
		case err != nil:
			m.metrics.ReconcileError("order")
			errs = append(errs, fmt.Errorf("stop status: %w", err))
		case info.Status == common.StatusFilled:
			p.bookFill(orDefault(info.ExecutedQty, p.Quantity+p.StopBooked), p.StopBooked, px)
			p.StopOrderID, p.StopBooked = "", 0
			m.logger.Info("stop filled", zap.String("symbol", p.Symbol), zap.Float64("price", px))
			m.notify("🛑 %s stop filled at %g", p.Symbol, px)
		case info.Status.Final():
			if info.ExecutedQty > 0 {
				p.bookFill(info.ExecutedQty, p.StopBooked, px)
			}
			p.StopOrderID, p.StopBooked = "", 0
		case info.ExecutedQty > p.StopBooked:
			p.StopBooked = p.bookFill(info.ExecutedQty, p.StopBooked, px)
		}
	}
	return errors.Join(errs...)
}

// checkExchange adopts the exchange quantity when it is smaller than ours.
func (m *Monitor) checkExchange(ctx context.Context, p *Position) error {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	op, err := m.gw.GetOpenPosition(cctx, p.Symbol)
	if err != nil {
		m.metrics.ReconcileError("position")
		return fmt.Errorf("open position: %w", err)
	}
	amt := math.Abs(op.Amount)
	switch {
	case amt <= qtyEpsilon:
		m.logger.Warn("position closed outside the engine",
			zap.String("symbol", p.Symbol),
			zap.Float64("local_qty", p.Quantity))
		p.adopt(p.Quantity, p.LastPrice)
		m.notify("ℹ️ %s closed on the exchange", p.Symbol)
	case amt < p.Quantity-qtyEpsilon:
		m.logger.Warn("adopting smaller exchange quantity",
			zap.String("symbol", p.Symbol),
			zap.Float64("local_qty", p.Quantity),
			zap.Float64("exchange_qty", amt))
		p.adopt(p.Quantity-amt, p.LastPrice)
	}
	return nil
}

// stepClosing cancels leftovers and finalizes once the exchange is flat.
func (m *Monitor) stepClosing(ctx context.Context, e *entry) (passResult, error) {
	p := e.pos
	m.cancelResting(ctx, p)
	if left := len(p.RestingOrders()); left > 0 {
		m.metrics.ReconcileError("close")
		m.save(ctx, p)
		return resultKept, fmt.Errorf("%d order(s) still resting after cancel", left)
	}

	cctx, cancel := m.callCtx(ctx)
	op, err := m.gw.GetOpenPosition(cctx, p.Symbol)
	cancel()
	if err != nil {
		m.metrics.ReconcileError("close")
		m.save(ctx, p)
		return resultKept, fmt.Errorf("confirm close: %w", err)
	}
	if math.Abs(op.Amount) > qtyEpsilon {
		if sameSide(p, op.Amount) && p.Flat() {
			amt := math.Abs(op.Amount)
			p.reopen(amt)
			m.logger.Warn("exchange still holds the position, resuming monitoring",
				zap.String("symbol", p.Symbol),
				zap.Float64("exchange_qty", amt))
			m.notify("⚠️ %s still open on the exchange (%g), monitoring resumed", p.Symbol, amt)
			m.save(ctx, p)
			return resultKept, nil
		}
		m.save(ctx, p)
		return resultKept, fmt.Errorf("exchange still reports %g open", op.Amount)
	}

	p.Status = StatusClosed
	p.UpdatedAt = m.now()
	outcome := risk.Outcome{
		Symbol:     p.Symbol,
		Direction:  string(p.Direction),
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice(),
		Quantity:   p.ExitQuantity,
		PnL:        p.RealizedPnL,
		ClosedAt:   p.UpdatedAt,
	}
	if m.ledger != nil {
		lctx, lcancel := m.storeCtx(ctx)
		if err := m.ledger.RecordTrade(lctx, outcome); err != nil {
			m.logger.Error("record trade failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		lcancel()
	}
	m.drop(ctx, e)

	m.metrics.PositionClosed(p.RealizedPnL)
	m.bus.Publish(events.EventPositionClosed, p.Clone())
	m.logger.Info("position closed",
		zap.String("symbol", p.Symbol),
		zap.Float64("exit", outcome.ExitPrice),
		zap.Float64("pnl", p.RealizedPnL))
	m.notify("🏁 %s closed, avg exit %g, PnL %.2f", p.Symbol, outcome.ExitPrice, p.RealizedPnL)
	return resultClosed, nil
}

func (m *Monitor) cancelResting(ctx context.Context, p *Position) {
	m.cancelStale(ctx, p)
	for _, o := range p.RestingOrders() {
		stale := o.Kind == common.KindStopLoss && o.ExchangeOrderID != p.StopOrderID
		if o.Kind == common.KindEntry || stale || !m.cancelOrder(ctx, p.Symbol, o.ExchangeOrderID) {
			continue
		}
		if o.Kind == common.KindStopLoss {
			p.StopOrderID, p.StopBooked = "", 0
			continue
		}
		for i := range p.Targets {
			if p.Targets[i].OrderID == o.ExchangeOrderID {
				p.Targets[i].OrderID, p.Targets[i].Booked = "", 0
			}
		}
	}
}

// checkMargin feeds the ledger and notifies when the alert level changes.
func (m *Monitor) checkMargin(ctx context.Context, report *Report) {
	cctx, cancel := m.callCtx(ctx)
	ratio, err := m.gw.GetMarginRatio(cctx)
	cancel()
	if err != nil {
		m.metrics.ReconcileError("margin")
		m.logger.Warn("margin ratio unavailable", zap.Error(err))
		return
	}
	if !math.IsInf(ratio, 0) && !math.IsNaN(ratio) {
		report.MarginRatio = ratio
	}
	m.metrics.Margin(ratio)
	if m.ledger == nil {
		return
	}

	alert := m.ledger.CheckMargin(ctx, ratio)
	level := ""
	if alert != nil {
		level = alert.Level
	}
	if level == m.marginLevel {
		return
	}
	prev := m.marginLevel
	m.marginLevel = level
	if alert != nil {
		m.bus.Publish(events.EventRiskAlert, alert)
		m.notify("⚠️ %s", alert.Message)
	} else if prev != "" {
		m.notify("✅ margin ratio back to %.2f", ratio)
	}
}

// cancelStale retries cancels of replaced stops that may still rest.
func (m *Monitor) cancelStale(ctx context.Context, p *Position) {
	if len(p.StaleStops) == 0 {
		return
	}
	kept := p.StaleStops[:0]
	for _, id := range p.StaleStops {
		if !m.cancelOrder(ctx, p.Symbol, id) {
			kept = append(kept, id)
		}
	}
	p.StaleStops = kept
	if len(kept) == 0 {
		p.StaleStops = nil
	}
}

func sameSide(p *Position, amount float64) bool {
	if p.Direction == signal.Short {
		return amount < 0
	}
	return amount > 0
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
