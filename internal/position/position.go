package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Status is the lifecycle stage of a tracked position.
type Status string

const (
	StatusOpening      Status = "opening"
	StatusActive       Status = "active"
	StatusBreakevenSet Status = "breakeven_set"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
)

// Live reports whether the position is filled and being managed.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusBreakevenSet
}

// qtyEpsilon absorbs float noise when comparing quantities.
const qtyEpsilon = 1e-9

// Target is one rung of the take-profit ladder.
type Target struct {
	Index    int       `json:"index"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Hit      bool      `json:"hit"`
	HitAt    time.Time `json:"hit_at,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	Filled   bool      `json:"filled"`
	// Booked is how much of OrderID's execution has been realized.
	Booked float64 `json:"booked,omitempty"`
}

// Position is a live trade owned by the Monitor.
type Position struct {
	Symbol          string           `json:"symbol"`
	Direction       signal.Direction `json:"direction"`
	EntryPrice      float64          `json:"entry_price"`
	Quantity        float64          `json:"quantity"`
	InitialQuantity float64          `json:"initial_quantity"`
	Leverage        int              `json:"leverage"`
	Targets         []Target         `json:"targets"`
	StopLoss        float64          `json:"stop_loss"`
	StopOrderID     string           `json:"stop_order_id,omitempty"`
	StopBooked      float64          `json:"stop_booked,omitempty"`
	StaleStops      []string         `json:"stale_stops,omitempty"`
	BreakevenArmed  bool             `json:"breakeven_armed"`
	BreakevenTarget int              `json:"breakeven_target"`
	Status          Status           `json:"status"`
	EntryOrderID    string           `json:"entry_order_id"`
	RealizedPnL     float64          `json:"realized_pnl"`
	ExitNotional    float64          `json:"exit_notional"`
	ExitQuantity    float64          `json:"exit_quantity"`
	AdoptedQty      float64          `json:"adopted_qty,omitempty"`
	AdoptedNotional float64          `json:"adopted_notional,omitempty"`
	PriceFailures   int              `json:"price_failures"`
	PriceAlerted    bool             `json:"price_alerted,omitempty"`
	LastPrice       float64          `json:"last_price"`
	LotSize         float64          `json:"lot_size,omitempty"`
	TickSize        float64          `json:"tick_size,omitempty"`
	OpenedAt        time.Time        `json:"opened_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Demo            bool             `json:"demo"`
}

// Params describes a freshly entered position.
type Params struct {
	Symbol          string
	Direction       signal.Direction
	EntryPrice      float64
	Quantity        float64
	Leverage        int
	Targets         []float64
	StopLoss        float64
	BreakevenTarget int
	EntryOrderID    string
	Filled          bool
	Demo            bool
	Rules           common.SymbolRules
	OpenedAt        time.Time
}

// New builds a Position and splits its quantity across the target ladder.
func New(p Params) (*Position, error) {
	if p.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if p.Direction != signal.Long && p.Direction != signal.Short {
		return nil, fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		return nil, fmt.Errorf("entry %v and quantity %v must be positive", p.EntryPrice, p.Quantity)
	}
	prev := p.EntryPrice
	for i, tp := range p.Targets {
		if !p.Direction.Profits(tp, prev) {
			return nil, fmt.Errorf("target %d (%v) is not beyond %v for %s", i+1, tp, prev, p.Direction)
		}
		prev = tp
	}
	if p.StopLoss != 0 && !p.Direction.Profits(p.EntryPrice, p.StopLoss) {
		return nil, fmt.Errorf("stop loss %v is on the wrong side of entry %v", p.StopLoss, p.EntryPrice)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}

	status := StatusOpening
	if p.Filled {
		status = StatusActive
	}
	return &Position{
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		EntryPrice:      p.EntryPrice,
		Quantity:        p.Quantity,
		InitialQuantity: p.Quantity,
		Leverage:        p.Leverage,
		Targets:         AllocateTargets(p.Targets, p.Quantity, p.Rules.LotSize),
		StopLoss:        p.StopLoss,
		BreakevenTarget: p.BreakevenTarget,
		Status:          status,
		EntryOrderID:    p.EntryOrderID,
		LotSize:         p.Rules.LotSize,
		TickSize:        p.Rules.TickSize,
		OpenedAt:        p.OpenedAt,
		UpdatedAt:       p.OpenedAt,
		Demo:            p.Demo,
	}, nil
}

// AllocateTargets gives each target floor(qty/n) rounded down to step and
// puts the remainder on the last one.
func AllocateTargets(prices []float64, qty, step float64) []Target {
	if len(prices) == 0 {
		return nil
	}
	n := len(prices)
	per := common.FloorToStep(qty/float64(n), step)
	targets := make([]Target, n)
	for i, price := range prices {
		targets[i] = Target{Index: i + 1, Price: price, Quantity: per}
	}
	last := qty - per*float64(n-1)
	if step > 0 {
		last = common.RoundToStep(last, step)
	}
	targets[n-1].Quantity = last
	return targets
}

// Clone returns a deep copy safe to hand outside the monitor.
func (p *Position) Clone() Position {
	c := *p
	c.Targets = append([]Target(nil), p.Targets...)
	c.StaleStops = append([]string(nil), p.StaleStops...)
	return c
}

// EntrySide is the side that opened the position.
func (p *Position) EntrySide() common.Side { return p.Direction.EntrySide() }

// CloseSide is the side of every reducing order.
func (p *Position) CloseSide() common.Side { return p.Direction.EntrySide().Opposite() }

// Reached reports whether price has reached level in the profit direction.
func (p *Position) Reached(price, level float64) bool {
	if p.Direction == signal.Short {
		return price <= level
	}
	return price >= level
}

// StopBreached reports whether price has reached the stop.
func (p *Position) StopBreached(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == signal.Short {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// Flat reports whether nothing remains open locally.
func (p *Position) Flat() bool { return p.Quantity <= qtyEpsilon }

// RestingOrders lists the orders believed to rest on the exchange.
func (p *Position) RestingOrders() []common.OrderRef {
	var out []common.OrderRef
	if p.Status == StatusOpening && p.EntryOrderID != "" {
		out = append(out, common.OrderRef{ExchangeOrderID: p.EntryOrderID, Symbol: p.Symbol, Kind: common.KindEntry, Price: p.EntryPrice, Qty: p.Quantity, Status: common.StatusNew})
	}
	for _, t := range p.Targets {
		if t.OrderID == "" || t.Filled {
			continue
		}
		out = append(out, common.OrderRef{ExchangeOrderID: t.OrderID, Symbol: p.Symbol, Kind: common.KindTakeProfit, Price: t.Price, Qty: t.Quantity, Status: common.StatusNew})
	}
	if p.StopOrderID != "" {
		out = append(out, common.OrderRef{ExchangeOrderID: p.StopOrderID, Symbol: p.Symbol, Kind: common.KindStopLoss, Price: p.StopLoss, Qty: p.Quantity, Status: common.StatusNew})
	}
	for _, id := range p.StaleStops {
		out = append(out, common.OrderRef{ExchangeOrderID: id, Symbol: p.Symbol, Kind: common.KindStopLoss, Status: common.StatusNew})
	}
	return out
}

// realize books an exit of qty at price and reduces the remaining quantity.
func (p *Position) realize(qty, price float64) {
	if qty <= 0 {
		return
	}
	qty = math.Min(qty, p.Quantity)
	p.Quantity -= qty
	if p.Quantity < qtyEpsilon {
		p.Quantity = 0
	}
	p.ExitQuantity += qty
	p.ExitNotional += qty * price
	p.RealizedPnL = p.pnl()
}

// adopt realizes a reduction seen only on the exchange. The quantity is
// remembered so a later order fill for it is re-priced rather than booked twice.
func (p *Position) adopt(qty, price float64) {
	qty = math.Min(qty, p.Quantity)
	if qty <= 0 {
		return
	}
	p.realize(qty, price)
	p.AdoptedQty += qty
	p.AdoptedNotional += qty * price
}

// bookFill realizes an order's execution beyond what was already booked for
// it and returns the new booked total. Adopted quantity is consumed first.
func (p *Position) bookFill(executed, booked, price float64) float64 {
	delta := executed - booked
	if delta <= qtyEpsilon {
		return booked
	}
	if p.AdoptedQty > qtyEpsilon {
		n := math.Min(delta, p.AdoptedQty)
		avg := p.AdoptedNotional / p.AdoptedQty
		p.ExitNotional += n * (price - avg)
		p.AdoptedQty -= n
		p.AdoptedNotional -= n * avg
		if p.AdoptedQty < qtyEpsilon {
			p.AdoptedQty, p.AdoptedNotional = 0, 0
		}
		p.RealizedPnL = p.pnl()
		delta -= n
	}
	p.realize(delta, price)
	return executed
}

// reopen takes qty back out of the exits at their average price after the
// exchange turned out to still hold it.
func (p *Position) reopen(qty float64) {
	if qty <= 0 {
		return
	}
	avg := p.ExitPrice()
	undo := math.Min(qty, p.ExitQuantity)
	p.ExitQuantity -= undo
	p.ExitNotional -= undo * avg
	if p.ExitQuantity < qtyEpsilon {
		p.ExitQuantity, p.ExitNotional = 0, 0
	}
	if p.AdoptedQty > qtyEpsilon {
		n := math.Min(undo, p.AdoptedQty)
		p.AdoptedNotional -= n * (p.AdoptedNotional / p.AdoptedQty)
		p.AdoptedQty -= n
	}
	p.Quantity += qty
	p.RealizedPnL = p.pnl()
	p.Status = StatusActive
	if p.BreakevenArmed {
		p.Status = StatusBreakevenSet
	}
}

func (p *Position) pnl() float64 {
	gross := p.ExitNotional - p.EntryPrice*p.ExitQuantity
	if p.Direction == signal.Short {
		return -gross
	}
	return gross
}

// ExitPrice is the quantity-weighted average of every exit so far.
func (p *Position) ExitPrice() float64 {
	if p.ExitQuantity <= 0 {
		return 0
	}
	return p.ExitNotional / p.ExitQuantity
}

// BreakevenPrice is entry shifted offsetPct percent to the profit side,
// rounded to tick and never worse than the current stop.
func (p *Position) BreakevenPrice(offsetPct float64) float64 {
	shift := p.EntryPrice * offsetPct / 100
	be := p.EntryPrice + shift
	if p.Direction == signal.Short {
		be = p.EntryPrice - shift
	}
	if p.TickSize > 0 {
		be = common.RoundToStep(be, p.TickSize)
	}
	if p.StopLoss > 0 {
		if p.Direction == signal.Short {
			be = math.Min(be, p.StopLoss)
		} else {
			be = math.Max(be, p.StopLoss)
		}
	}
	return be
}

// reallocate re-splits unhit target quantities after the entry filled for a
// different size than requested.
func (p *Position) reallocate() {
	prices := make([]float64, len(p.Targets))
	for i, t := range p.Targets {
		prices[i] = t.Price
	}
	p.Targets = AllocateTargets(prices, p.Quantity, p.LotSize)
}
