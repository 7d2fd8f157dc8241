package engine

import (
	"time"

	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Settings are the sizing and account parameters applied to every entry.
type Settings struct {
	Leverage        int                 `json:"leverage"`
	Amount          float64             `json:"amount"`
	UsePercentage   bool                `json:"use_percentage"`
	MaxPositionSize float64             `json:"max_position_size"`
	PositionMode    common.PositionMode `json:"position_mode"`
	BreakevenTarget int                 `json:"breakeven_target"`
	Demo            bool                `json:"demo"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode          string        `json:"mode"`
	Demo          bool          `json:"demo"`
	Venue         string        `json:"venue"`
	Version       string        `json:"version"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        string        `json:"uptime"`
	ServerTime    time.Time     `json:"server_time"`
	OpenPositions int           `json:"open_positions"`
	Monitoring    bool          `json:"monitoring"`
	Risk          risk.Decision `json:"risk"`
}
