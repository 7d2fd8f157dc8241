package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

type fakeOrder struct {
	req  common.OrderRequest
	info common.OrderInfo
}

// fakeGateway fills market orders at the current price and leaves
// conditional orders resting until fill is called.
type fakeGateway struct {
	mu        sync.Mutex
	prices    map[string]float64
	priceErr  map[string]error
	panicOn   string
	amounts   map[string]float64
	orders    map[string]*fakeOrder
	submitted []common.OrderRequest
	canceled  []string
	submitErr error
	cancelErr map[string]error
	statusErr map[string]int
	margin    float64
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices:    map[string]float64{},
		priceErr:  map[string]error{},
		amounts:   map[string]float64{},
		orders:    map[string]*fakeOrder{},
		cancelErr: map[string]error{},
		statusErr: map[string]int{},
		margin:    math.Inf(1),
	}
}

func (g *fakeGateway) setPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	delete(g.priceErr, symbol)
}

func (g *fakeGateway) failPrice(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priceErr[symbol] = errors.New("connection reset")
}

func (g *fakeGateway) setAmount(symbol string, amt float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.amounts[symbol] = amt
}

// fill executes a resting order at price.
func (g *fakeGateway) fill(id string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.orders[id]
	o.info.Status = common.StatusFilled
	o.info.AvgPrice = price
	o.info.ExecutedQty = g.apply(o.req)
}

func (g *fakeGateway) apply(req common.OrderRequest) float64 {
	qty := req.Qty
	amt := g.amounts[req.Symbol]
	if req.ReduceOnly {
		qty = math.Min(qty, math.Abs(amt))
	}
	if req.Side == common.SideBuy {
		g.amounts[req.Symbol] = amt + qty
	} else {
		g.amounts[req.Symbol] = amt - qty
	}
	return qty
}

// failStatus makes the next n status queries for id fail.
func (g *fakeGateway) failStatus(id string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusErr[id] = n
}

func (g *fakeGateway) failCancel(id string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.cancelErr, id)
		return
	}
	g.cancelErr[id] = err
}

func (g *fakeGateway) submissions(typ common.OrderType) []common.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.OrderRequest
	for _, r := range g.submitted {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGateway) cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

func (g *fakeGateway) GetPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if symbol == g.panicOn {
		panic("feed exploded")
	}
	if err := g.priceErr[symbol]; err != nil {
		return 0, err
	}
	p, ok := g.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (g *fakeGateway) GetSymbolRules(context.Context, string) (common.SymbolRules, error) {
	return common.SymbolRules{TickSize: 0.1, LotSize: 0.001, MinQty: 0.001, MinNotional: 5}, nil
}

func (g *fakeGateway) GetBalance(context.Context) (float64, error) { return 10000, nil }

func (g *fakeGateway) GetMarginRatio(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.margin, nil
}

func (g *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (g *fakeGateway) SetPositionMode(context.Context, common.PositionMode) error { return nil }

func (g *fakeGateway) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	if g.submitErr != nil {
		return common.OrderResult{}, g.submitErr
	}
	g.seq++
	id := fmt.Sprintf("o%d", g.seq)
	o := &fakeOrder{req: req, info: common.OrderInfo{
		ExchangeOrderID: id,
		Symbol:          req.Symbol,
		Status:          common.StatusNew,
		Type:            req.Type,
		Side:            req.Side,
		OrigQty:         req.Qty,
		StopPrice:       req.StopPrice,
	}}
	if req.Type == common.OrderTypeMarket {
		o.info.Status = common.StatusFilled
		o.info.AvgPrice = g.prices[req.Symbol]
		o.info.ExecutedQty = g.apply(req)
	}
	g.orders[id] = o
	return common.OrderResult{
		ExchangeOrderID: id,
		Status:          o.info.Status,
		AvgPrice:        o.info.AvgPrice,
		ExecutedQty:     o.info.ExecutedQty,
	}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, id)
	if err := g.cancelErr[id]; err != nil {
		return err
	}
	o, ok := g.orders[id]
	if !ok || o.info.Status.Final() {
		return fmt.Errorf("cancel %s: %w", id, common.ErrOrderNotFound)
	}
	o.info.Status = common.StatusCanceled
	return nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, _ string, id string) (common.OrderInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr[id] > 0 {
		g.statusErr[id]--
		return common.OrderInfo{}, errors.New("i/o timeout")
	}
	o, ok := g.orders[id]
	if !ok {
		return common.OrderInfo{}, common.ErrOrderNotFound
	}
	return o.info, nil
}

func (g *fakeGateway) GetOpenPosition(_ context.Context, symbol string) (common.OpenPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return common.OpenPosition{Symbol: symbol, Amount: g.amounts[symbol]}, nil
}

type fakeLedger struct {
	mu         sync.Mutex
	outcomes   []risk.Outcome
	alertBelow float64
}

func (l *fakeLedger) RecordTrade(_ context.Context, o risk.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *fakeLedger) CheckMargin(_ context.Context, ratio float64) *risk.MarginAlert {
	if ratio < l.alertBelow {
		return &risk.MarginAlert{Level: risk.LevelWarning, Ratio: ratio, Threshold: l.alertBelow, Message: "margin ratio low"}
	}
	return nil
}

func (l *fakeLedger) recorded() []risk.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]risk.Outcome(nil), l.outcomes...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(_ string, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *fakeNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.texts {
		if strings.Contains(t, substr) {
			c++
		}
	}
	return c
}
