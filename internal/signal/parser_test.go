package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalSignal(t *testing.T) {
	got, ok := Parse("#BTCUSDT LONG Entry: 50000 Target 1: 52000 Target 2: 54000 Stop Loss: 49000")
	require.True(t, ok)
	assert.Equal(t, TradeIntent{
		Symbol:    "BTCUSDT",
		Direction: Long,
		Entry:     50000,
		Targets:   []float64{52000, 54000},
		StopLoss:  49000,
	}, got)
	assert.NoError(t, got.Validate())
}

func TestParseVariants(t *testing.T) {
	tests := []struct {
		name string
		text string
		want TradeIntent
	}{
		{
			name: "entry zone with decoration",
			text: "🚀🚀 #ETH/USDT 🔥\nSHORT Entry Zone: 3100 - 3000\nTP1: 2900\nTP2: 2800\nSL: 3200",
			want: TradeIntent{Symbol: "ETHUSDT", Direction: Short, Entry: 3050, EntryLow: 3000, EntryHigh: 3100, Targets: []float64{2900, 2800}, StopLoss: 3200},
		},
		{
			name: "hashtag ticker and buy keyword",
			text: "#SOL buy now\nentry 150.5\ntarget 1 160\ntarget 2 170\nstop 140",
			want: TradeIntent{Symbol: "SOLUSDT", Direction: Long, Entry: 150.5, Targets: []float64{160, 170}, StopLoss: 140},
		},
		{
			name: "usd suffix normalized",
			text: "XRPUSD sell entry: 0.62 tp 1: 0.58",
			want: TradeIntent{Symbol: "XRPUSDT", Direction: Short, Entry: 0.62, Targets: []float64{0.58}},
		},
		{
			name: "polish keywords",
			text: "#ADAUSDT KUPNO Wejście: 0.45 Cel 1: 0.5 Cel 2: 0.55",
			want: TradeIntent{Symbol: "ADAUSDT", Direction: Long, Entry: 0.45, Targets: []float64{0.5, 0.55}},
		},
		{
			name: "polish sell",
			text: "#DOTUSDT sprzedaż wejście 7 cel 1: 6.5",
			want: TradeIntent{Symbol: "DOTUSDT", Direction: Short, Entry: 7, Targets: []float64{6.5}},
		},
		{
			name: "long-term is not a direction",
			text: "Long-Term outlook is bullish but #BNBUSDT SHORT Entry: 600 Target 1: 580",
			want: TradeIntent{Symbol: "BNBUSDT", Direction: Short, Entry: 600, Targets: []float64{580}},
		},
		{
			name: "targets reordered and filtered",
			text: "#BTCUSDT LONG Entry: 50000 Target 1: 54000 Target 2: 52000 Target 3: 52000 Target 4: 48000 Stop Loss: 51000",
			want: TradeIntent{Symbol: "BTCUSDT", Direction: Long, Entry: 50000, Targets: []float64{52000, 54000}},
		},
		{
			name: "thousands separators",
			text: "#BTCUSDT LONG Entry: 50,000 - 51,000.5 TP1: 52,500 TP2: 1,050,000 SL: 48,000",
			want: TradeIntent{Symbol: "BTCUSDT", Direction: Long, Entry: 50500.25, EntryLow: 50000, EntryHigh: 51000.5, Targets: []float64{52500, 1050000}, StopLoss: 48000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestParseRejectsNonSignals(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"chatter", "good morning everyone, markets look calm"},
		{"no direction", "#BTCUSDT Entry: 50000 Target 1: 52000"},
		{"no entry", "#BTCUSDT LONG Target 1: 52000"},
		{"zero entry", "#BTCUSDT LONG Entry: 0"},
		{"no symbol", "long entry: 100 target 1: 110"},
		{"only long-term", "#BTCUSDT Long-Term Entry: 50000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.text)
			assert.False(t, ok)
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	text := "#ETHUSDT SHORT Entry Zone: 3100 - 3000 TP1: 2900 SL: 3200"
	first, ok := Parse(text)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := Parse(text)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	intents := []TradeIntent{
		{Symbol: "BTCUSDT", Direction: Long, Entry: 50000, Targets: []float64{52000, 54000}, StopLoss: 49000},
		{Symbol: "ETHUSDT", Direction: Short, Entry: 3050, EntryLow: 3000, EntryHigh: 3100, Targets: []float64{2900}, StopLoss: 3200},
		{Symbol: "DOGEUSDT", Direction: Long, Entry: 0.1234},
	}
	for _, in := range intents {
		t.Run(in.Symbol, func(t *testing.T) {
			text := Render(in)
			got, ok := Parse(text)
			require.True(t, ok, text)
			assert.Equal(t, in, got)

			// parsing rendered output again is a fixed point
			assert.Equal(t, text, Render(got))
		})
	}
}

func TestValidate(t *testing.T) {
	base := TradeIntent{Symbol: "BTCUSDT", Direction: Long, Entry: 100, Targets: []float64{110, 120}, StopLoss: 90}
	require.NoError(t, base.Validate())

	bad := []TradeIntent{
		{Direction: Long, Entry: 100},
		{Symbol: "BTCUSDT", Direction: "up", Entry: 100},
		{Symbol: "BTCUSDT", Direction: Long, Entry: -1},
		{Symbol: "BTCUSDT", Direction: Long, Entry: 100, Targets: []float64{120, 110}},
		{Symbol: "BTCUSDT", Direction: Short, Entry: 100, Targets: []float64{110}},
		{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 105},
		{Symbol: "BTCUSDT", Direction: Long, Entry: 100, EntryLow: 101, EntryHigh: 120},
	}
	for _, in := range bad {
		assert.Error(t, in.Validate(), "%+v", in)
	}
}
