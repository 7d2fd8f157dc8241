// Package paper simulates a futures venue for demo mode: balance, resting
// orders and fills are kept in memory while prices come from a real feed.
package paper

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// PriceSource supplies marks for simulated fills.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// RulesSource optionally supplies real contract rules. A PriceSource that also
// implements it is used for both.
type RulesSource interface {
	GetSymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error)
}

// Config tunes the simulation.
type Config struct {
	InitialBalance  float64
	FeeRate         float64 // decimal, e.g. 0.0004 = 4 bps
	MaintMarginRate float64 // maintenance margin as a fraction of notional
	DefaultRules    common.SymbolRules
}

func (c Config) withDefaults() Config {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	if c.MaintMarginRate <= 0 {
		c.MaintMarginRate = 0.004
	}
	if c.DefaultRules.LotSize <= 0 {
		c.DefaultRules = common.SymbolRules{TickSize: 0.01, LotSize: 0.001, MinQty: 0.001, MinNotional: 5}
	}
	return c
}

type paperPosition struct {
	amount     float64 // signed
	entryPrice float64
	leverage   int
}

type paperOrder struct {
	req       common.OrderRequest
	id        string
	status    common.OrderStatus
	avgPrice  float64
	executed  float64
	updatedAt time.Time
}

// Gateway implements common.Gateway without touching a venue.
type Gateway struct {
	prices PriceSource
	rules  RulesSource
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]*paperPosition
	orders    map[string]*paperOrder
	leverage  map[string]int
	mode      common.PositionMode
}

var _ common.Gateway = (*Gateway)(nil)

// New builds a paper gateway over prices.
func New(prices PriceSource, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		prices:    prices,
		cfg:       cfg,
		logger:    logger.Named("paper"),
		balance:   cfg.InitialBalance,
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		leverage:  make(map[string]int),
		mode:      common.PositionModeOneWay,
	}
	if rs, ok := prices.(RulesSource); ok {
		g.rules = rs
	}
	return g
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return g.prices.GetPrice(ctx, symbol)
}

func (g *Gateway) GetSymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error) {
	if g.rules != nil {
		return g.rules.GetSymbolRules(ctx, symbol)
	}
	r := g.cfg.DefaultRules
	r.Symbol = symbol
	return r, nil
}

// GetBalance returns the simulated wallet balance.
func (g *Gateway) GetBalance(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

// GetMarginRatio returns equity over maintenance margin for open simulated positions.
func (g *Gateway) GetMarginRatio(ctx context.Context) (float64, error) {
	g.mu.Lock()
	symbols := make([]string, 0, len(g.positions))
	for sym := range g.positions {
		symbols = append(symbols, sym)
	}
	g.mu.Unlock()

	marks := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		p, err := g.prices.GetPrice(ctx, sym)
		if err != nil {
			return 0, err
		}
		marks[sym] = p
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	equity := g.balance
	maint := 0.0
	for sym, pos := range g.positions {
		mark, ok := marks[sym]
		if !ok {
			continue
		}
		equity += (mark - pos.entryPrice) * pos.amount
		maint += math.Abs(pos.amount) * mark * g.cfg.MaintMarginRate
	}
	if maint == 0 {
		return math.Inf(1), nil
	}
	return equity / maint, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	g.leverage[symbol] = leverage
	g.mu.Unlock()
	return nil
}

func (g *Gateway) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	g.mu.Lock()
	g.mode = mode
	g.mu.Unlock()
	return nil
}

// SubmitOrder fills market orders at the current price and rests the rest.
func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, reject(-4003, "Quantity less than or equal to zero.")
	}
	if req.Type.Conditional() && req.StopPrice <= 0 {
		return common.OrderResult{}, reject(-1102, "Mandatory parameter 'stopPrice' was not sent.")
	}
	if req.Type == common.OrderTypeLimit && req.Price <= 0 {
		return common.OrderResult{}, reject(-1102, "Mandatory parameter 'price' was not sent.")
	}

	var mark float64
	if req.Type == common.OrderTypeMarket {
		p, err := g.prices.GetPrice(ctx, req.Symbol)
		if err != nil {
			return common.OrderResult{}, err
		}
		mark = p
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.ReduceOnly && g.reducible(req.Symbol, req.Side) <= 0 {
		return common.OrderResult{}, reject(-2022, "ReduceOnly Order is rejected.")
	}

	o := &paperOrder{
		req:       req,
		id:        "paper-" + uuid.NewString(),
		status:    common.StatusNew,
		updatedAt: time.Now(),
	}
	g.orders[o.id] = o

	if req.Type == common.OrderTypeMarket {
		g.fill(o, mark)
	}
	g.logger.Debug("order accepted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Float64("qty", req.Qty),
		zap.String("status", string(o.status)),
	)

	return common.OrderResult{
		ExchangeOrderID: o.id,
		Status:          o.status,
		ClientID:        req.ClientID,
		AvgPrice:        o.avgPrice,
		ExecutedQty:     o.executed,
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok || o.req.Symbol != symbol || o.status.Final() {
		return fmt.Errorf("cancel %s: %w", exchangeOrderID, common.ErrOrderNotFound)
	}
	o.status = common.StatusCanceled
	o.updatedAt = time.Now()
	return nil
}

// GetOrderStatus reports an order, first triggering it if the current price
// crossed its trigger.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	g.mu.Lock()
	o, ok := g.orders[exchangeOrderID]
	resting := ok && !o.status.Final() && o.req.Type != common.OrderTypeMarket
	g.mu.Unlock()
	if !ok || o.req.Symbol != symbol {
		return common.OrderInfo{}, fmt.Errorf("order %s: %w", exchangeOrderID, common.ErrOrderNotFound)
	}

	if resting {
		mark, err := g.prices.GetPrice(ctx, symbol)
		if err != nil {
			return common.OrderInfo{}, err
		}
		g.mu.Lock()
		if !o.status.Final() && triggered(o.req, mark) {
			if o.req.ReduceOnly && g.reducible(symbol, o.req.Side) <= 0 {
				o.status = common.StatusExpired
				o.updatedAt = time.Now()
			} else {
				fillPrice := mark
				if o.req.Type == common.OrderTypeLimit {
					fillPrice = o.req.Price
				}
				g.fill(o, fillPrice)
			}
		}
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return common.OrderInfo{
		ExchangeOrderID: o.id,
		Symbol:          o.req.Symbol,
		Status:          o.status,
		Type:            o.req.Type,
		Side:            o.req.Side,
		OrigQty:         o.req.Qty,
		ExecutedQty:     o.executed,
		AvgPrice:        o.avgPrice,
		StopPrice:       o.req.StopPrice,
		UpdatedAt:       o.updatedAt,
	}, nil
}

func (g *Gateway) GetOpenPosition(ctx context.Context, symbol string) (common.OpenPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := common.OpenPosition{Symbol: symbol, Leverage: g.leverage[symbol]}
	if pos, ok := g.positions[symbol]; ok {
		out.Amount = pos.amount
		out.EntryPrice = pos.entryPrice
	}
	return out, nil
}

// ApplyFill books a fill that happened outside SubmitOrder, such as a
// simulated demo entry.
func (g *Gateway) ApplyFill(symbol string, side common.Side, qty, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyFill(symbol, side, qty, price)
}

// fill executes o at price. Caller holds g.mu.
func (g *Gateway) fill(o *paperOrder, price float64) {
	qty := o.req.Qty
	if o.req.ReduceOnly {
		qty = math.Min(qty, g.reducible(o.req.Symbol, o.req.Side))
	}
	g.applyFill(o.req.Symbol, o.req.Side, qty, price)
	o.status = common.StatusFilled
	o.executed = qty
	o.avgPrice = price
	o.updatedAt = time.Now()
}

// applyFill updates the position and wallet. Caller holds g.mu.
func (g *Gateway) applyFill(symbol string, side common.Side, qty, price float64) {
	signed := qty
	if side == common.SideSell {
		signed = -qty
	}
	g.balance -= qty * price * g.cfg.FeeRate

	pos, ok := g.positions[symbol]
	if !ok {
		g.positions[symbol] = &paperPosition{amount: signed, entryPrice: price, leverage: g.leverage[symbol]}
		return
	}

	if pos.amount*signed > 0 {
		total := pos.amount + signed
		pos.entryPrice = (pos.entryPrice*math.Abs(pos.amount) + price*qty) / math.Abs(total)
		pos.amount = total
		return
	}

	closing := math.Min(math.Abs(signed), math.Abs(pos.amount))
	direction := 1.0
	if pos.amount < 0 {
		direction = -1.0
	}
	g.balance += (price - pos.entryPrice) * closing * direction

	remaining := pos.amount + signed
	switch {
	case math.Abs(remaining) < 1e-12:
		delete(g.positions, symbol)
	case remaining*pos.amount < 0:
		// flipped through zero
		pos.amount = remaining
		pos.entryPrice = price
	default:
		pos.amount = remaining
	}
}

// reducible returns how much an order on side can reduce the position. Caller holds g.mu.
func (g *Gateway) reducible(symbol string, side common.Side) float64 {
	pos, ok := g.positions[symbol]
	if !ok {
		return 0
	}
	if (side == common.SideSell && pos.amount > 0) || (side == common.SideBuy && pos.amount < 0) {
		return math.Abs(pos.amount)
	}
	return 0
}

func triggered(req common.OrderRequest, mark float64) bool {
	switch req.Type {
	case common.OrderTypeStopMarket:
		if req.Side == common.SideSell {
			return mark <= req.StopPrice
		}
		return mark >= req.StopPrice
	case common.OrderTypeTakeProfitMarket:
		if req.Side == common.SideSell {
			return mark >= req.StopPrice
		}
		return mark <= req.StopPrice
	case common.OrderTypeLimit:
		if req.Side == common.SideBuy {
			return mark <= req.Price
		}
		return mark >= req.Price
	}
	return false
}

func reject(code int, msg string) error {
	return &common.APIError{Venue: "paper", StatusCode: http.StatusBadRequest, Code: code, Msg: msg}
}
