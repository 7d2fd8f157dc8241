package common

import "context"

// Gateway abstracts a trading venue. Every call is fallible.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	GetBalance(ctx context.Context) (float64, error)
	GetMarginRatio(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, mode PositionMode) error
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderInfo, error)
	GetOpenPosition(ctx context.Context, symbol string) (OpenPosition, error)
}
