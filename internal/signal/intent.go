package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Direction is the side of a trade intent.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// EntrySide is the order side that opens the position.
func (d Direction) EntrySide() common.Side {
	if d == Short {
		return common.SideSell
	}
	return common.SideBuy
}

// Profits reports whether price lies on the profit side of ref.
func (d Direction) Profits(price, ref float64) bool {
	if d == Short {
		return price < ref
	}
	return price > ref
}

// TradeIntent is a parsed, immutable trading instruction.
type TradeIntent struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Entry     float64   `json:"entry"`
	EntryLow  float64   `json:"entry_low,omitempty"`
	EntryHigh float64   `json:"entry_high,omitempty"`
	Targets   []float64 `json:"targets,omitempty"`
	StopLoss  float64   `json:"stop_loss,omitempty"`
}

// HasRange reports whether the entry was given as a zone.
func (t TradeIntent) HasRange() bool {
	return t.EntryLow > 0 && t.EntryHigh > 0
}

// Validate checks the direction-consistency of the ladder and stop.
func (t TradeIntent) Validate() error {
	if t.Symbol == "" {
		return errors.New("symbol is required")
	}
	if t.Direction != Long && t.Direction != Short {
		return fmt.Errorf("invalid direction %q", t.Direction)
	}
	if t.Entry <= 0 {
		return fmt.Errorf("entry must be positive, got %v", t.Entry)
	}
	if t.HasRange() && (t.EntryLow > t.EntryHigh || t.Entry < t.EntryLow || t.Entry > t.EntryHigh) {
		return fmt.Errorf("entry %v outside zone %v-%v", t.Entry, t.EntryLow, t.EntryHigh)
	}
	prev := t.Entry
	for i, tp := range t.Targets {
		if !t.Direction.Profits(tp, prev) {
			return fmt.Errorf("target %d (%v) is not beyond %v for %s", i+1, tp, prev, t.Direction)
		}
		prev = tp
	}
	if t.StopLoss != 0 && (t.StopLoss < 0 || !t.Direction.Profits(t.Entry, t.StopLoss)) {
		return fmt.Errorf("stop loss %v is on the wrong side of entry %v for %s", t.StopLoss, t.Entry, t.Direction)
	}
	return nil
}

// Render produces canonical signal text that Parse maps back to t.
func Render(t TradeIntent) string {
	var b strings.Builder
	b.WriteString("#")
	b.WriteString(t.Symbol)
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(string(t.Direction)))
	b.WriteString("\nEntry: ")
	if t.HasRange() {
		b.WriteString(formatPrice(t.EntryLow))
		b.WriteString(" - ")
		b.WriteString(formatPrice(t.EntryHigh))
	} else {
		b.WriteString(formatPrice(t.Entry))
	}
	for i, tp := range t.Targets {
		fmt.Fprintf(&b, "\nTarget %d: %s", i+1, formatPrice(tp))
	}
	if t.StopLoss > 0 {
		b.WriteString("\nStop Loss: ")
		b.WriteString(formatPrice(t.StopLoss))
	}
	return b.String()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
