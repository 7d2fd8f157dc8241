package position

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// placePending submits any stop or take-profit order that should be resting
// but is not.
func (m *Monitor) placePending(ctx context.Context, p *Position) error {
	if p.Flat() {
		return nil
	}
	var errs []error
	wantStop := m.cfg.AutoTPSL || p.BreakevenArmed
	breached := p.LastPrice > 0 && p.StopBreached(p.LastPrice)
	if wantStop && p.StopLoss > 0 && p.StopOrderID == "" && !breached {
		if err := m.placeStop(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if !m.cfg.AutoTPSL {
		return errors.Join(errs...)
	}
	for i := range p.Targets {
		t := &p.Targets[i]
		if t.Hit || t.Filled || t.OrderID != "" || t.Quantity <= qtyEpsilon {
			continue
		}
		req := m.exitRequest(p, common.OrderTypeTakeProfitMarket, t.Quantity)
		req.StopPrice = t.Price
		res, err := m.submit(ctx, req)
		if err != nil {
			m.metrics.ReconcileError("protection")
			errs = append(errs, fmt.Errorf("place target %d: %w", t.Index, err))
			continue
		}
		t.OrderID, t.Booked = res.ExchangeOrderID, 0
		m.logger.Debug("take profit placed",
			zap.String("symbol", p.Symbol),
			zap.Int("target", t.Index),
			zap.Float64("price", t.Price),
			zap.String("order_id", t.OrderID))
	}
	return errors.Join(errs...)
}

func (m *Monitor) placeStop(ctx context.Context, p *Position) error {
	req := m.exitRequest(p, common.OrderTypeStopMarket, p.Quantity)
	req.StopPrice = p.StopLoss
	res, err := m.submit(ctx, req)
	if err != nil {
		m.metrics.ReconcileError("protection")
		return fmt.Errorf("place stop %g: %w", p.StopLoss, err)
	}
	p.StopOrderID, p.StopBooked = res.ExchangeOrderID, 0
	m.logger.Debug("stop placed",
		zap.String("symbol", p.Symbol),
		zap.Float64("price", p.StopLoss),
		zap.String("order_id", p.StopOrderID))
	return nil
}

// armBreakeven moves the stop to entry. It runs at most once per position;
// a stop that fails to place stays pending and placePending retries it. An
// old stop whose cancel fails is kept in StaleStops and cancelled later.
func (m *Monitor) armBreakeven(ctx context.Context, p *Position, reason string) {
	be := p.BreakevenPrice(m.cfg.BreakevenOffsetPct)
	if p.StopOrderID != "" {
		if !m.cancelOrder(ctx, p.Symbol, p.StopOrderID) {
			m.logger.Warn("old stop may still rest, will retry cancel", zap.String("symbol", p.Symbol), zap.String("order_id", p.StopOrderID))
			p.StaleStops = append(p.StaleStops, p.StopOrderID)
		}
		p.StopOrderID, p.StopBooked = "", 0
	}
	p.StopLoss = be
	p.BreakevenArmed = true
	p.Status = StatusBreakevenSet
	if err := m.placeStop(ctx, p); err != nil {
		m.logger.Warn("breakeven stop not placed, will retry", zap.String("symbol", p.Symbol), zap.Error(err))
	}

	m.metrics.BreakevenArmed()
	m.bus.Publish(events.EventPositionBreakeven, map[string]any{
		"symbol": p.Symbol,
		"stop":   be,
		"reason": reason,
	})
	m.logger.Info("breakeven armed",
		zap.String("symbol", p.Symbol),
		zap.Float64("stop", be),
		zap.String("reason", reason))
	m.notify("🔒 %s stop moved to breakeven %g (%s)", p.Symbol, be, reason)
}

// exitAtMarket reduces the position by qty and books the fill.
func (m *Monitor) exitAtMarket(ctx context.Context, p *Position, qty, price float64) error {
	res, err := m.submit(ctx, m.exitRequest(p, common.OrderTypeMarket, qty))
	if err != nil {
		m.metrics.ReconcileError("exit")
		return err
	}
	p.realize(orDefault(res.ExecutedQty, qty), orDefault(res.AvgPrice, price))
	return nil
}

func (m *Monitor) exitRequest(p *Position, typ common.OrderType, qty float64) common.OrderRequest {
	req := common.OrderRequest{
		Symbol:     p.Symbol,
		Side:       p.CloseSide(),
		Type:       typ,
		Qty:        qty,
		ReduceOnly: true,
	}
	if m.cfg.PositionMode == common.PositionModeHedge {
		req.ReduceOnly = false
		req.PositionSide = "LONG"
		if p.Direction == signal.Short {
			req.PositionSide = "SHORT"
		}
	}
	return req
}

func (m *Monitor) submit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.gw.SubmitOrder(cctx, req)
}

func (m *Monitor) orderStatus(ctx context.Context, symbol, id string) (common.OrderInfo, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.gw.GetOrderStatus(cctx, symbol, id)
}

// cancelOrder reports whether the order is gone. Unknown orders count as gone.
func (m *Monitor) cancelOrder(ctx context.Context, symbol, id string) bool {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	err := m.gw.CancelOrder(cctx, symbol, id)
	if err == nil || errors.Is(err, common.ErrOrderNotFound) {
		return true
	}
	m.logger.Warn("cancel failed", zap.String("symbol", symbol), zap.String("order_id", id), zap.Error(err))
	return false
}
