package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the engine submits.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Conditional reports whether the order rests until a trigger price is crossed.
func (t OrderType) Conditional() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Final reports whether the order can no longer fill.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// PositionMode is the futures account position mode.
type PositionMode string

const (
	PositionModeOneWay PositionMode = "one_way"
	PositionModeHedge  PositionMode = "hedge"
)

// OrderKind tags what an order is for inside a position lifecycle.
type OrderKind string

const (
	KindEntry      OrderKind = "entry"
	KindTakeProfit OrderKind = "tp"
	KindStopLoss   OrderKind = "sl"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT
	StopPrice    float64 // required for STOP_MARKET/TAKE_PROFIT_MARKET
	TimeInForce  TimeInForce
	ClientID     string // optional client order id
	ReduceOnly   bool
	PositionSide string // LONG/SHORT for hedge mode futures
	WorkingType  string // MARK_PRICE or CONTRACT_PRICE
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
	AvgPrice        float64
	ExecutedQty     float64
}

// OrderInfo is the exchange view of a single order.
type OrderInfo struct {
	ExchangeOrderID string
	Symbol          string
	Status          OrderStatus
	Type            OrderType
	Side            Side
	OrigQty         float64
	ExecutedQty     float64
	AvgPrice        float64
	StopPrice       float64
	UpdatedAt       time.Time
}

// OrderRef is a transient handle to an order a component submitted.
type OrderRef struct {
	ExchangeOrderID string      `json:"order_id"`
	ClientID        string      `json:"client_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Kind            OrderKind   `json:"kind"`
	Price           float64     `json:"price"`
	Qty             float64     `json:"qty"`
	Status          OrderStatus `json:"status"`
}

// SymbolRules are the quantization rules for a contract.
type SymbolRules struct {
	Symbol      string
	TickSize    float64
	LotSize     float64 // quantity step
	MinQty      float64
	MinNotional float64
}

// OpenPosition is the exchange view of a position. Amount is signed: negative for shorts.
type OpenPosition struct {
	Symbol     string
	Amount     float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}
