// Package engine turns a validated trade intent into an entry order and a
// monitored position. The API and ingestion layers only talk to it through
// Service.
package engine

import (
	"context"

	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/signal"
)

// Service defines the execution operations.
type Service interface {
	// Execute validates, risk-checks, sizes and enters intent, then hands the
	// resulting position to the monitor.
	Execute(ctx context.Context, intent signal.TradeIntent) (*position.Position, error)

	// GetSystemStatus reports mode, uptime and monitor state.
	GetSystemStatus(ctx context.Context) *SystemStatus
}
