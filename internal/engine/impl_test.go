package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/paper"
)

type fixedPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fixedPrices) GetPrice(_ context.Context, sym string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[sym]
	if !ok {
		return 0, errors.New("no price for " + sym)
	}
	return p, nil
}

// recordingGateway counts account calls and can hold entry orders until released.
type recordingGateway struct {
	*paper.Gateway

	mu        sync.Mutex
	submits   []common.OrderRequest
	modeCalls int
	levCalls  int

	hold    chan struct{}
	entered chan struct{}
	onEntry func()
}

func (g *recordingGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	g.submits = append(g.submits, req)
	hold, onEntry := g.hold, g.onEntry
	g.mu.Unlock()
	if onEntry != nil && req.Type == common.OrderTypeMarket && !req.ReduceOnly {
		onEntry()
	}
	if hold != nil && req.Type == common.OrderTypeMarket && !req.ReduceOnly {
		g.entered <- struct{}{}
		<-hold
	}
	return g.Gateway.SubmitOrder(ctx, req)
}

func (g *recordingGateway) SetPositionMode(ctx context.Context, mode common.PositionMode) error {
	g.mu.Lock()
	g.modeCalls++
	g.mu.Unlock()
	return g.Gateway.SetPositionMode(ctx, mode)
}

func (g *recordingGateway) SetLeverage(ctx context.Context, symbol string, lev int) error {
	g.mu.Lock()
	g.levCalls++
	g.mu.Unlock()
	return g.Gateway.SetLeverage(ctx, symbol, lev)
}

func (g *recordingGateway) entries() []common.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.OrderRequest
	for _, r := range g.submits {
		if r.Type == common.OrderTypeMarket && !r.ReduceOnly {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	prices  *fixedPrices
	gw      *recordingGateway
	ledger  *risk.Ledger
	monitor *position.Monitor
	bus     *events.Bus
	engine  *Impl
}

func defaultSettings() Settings {
	return Settings{
		Leverage:        10,
		Amount:          100,
		PositionMode:    common.PositionModeOneWay,
		BreakevenTarget: 1,
	}
}

func newEnv(t *testing.T, settings Settings, riskCfg risk.Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	prices := &fixedPrices{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 2500}}
	gw := &recordingGateway{Gateway: paper.New(prices, paper.Config{InitialBalance: 1000}, logger)}
	ledger := risk.NewInMemory(riskCfg, logger)
	bus := events.NewBus()
	mon := position.NewMonitor(gw, ledger, position.Config{
		Interval:      time.Hour,
		AutoTPSL:      true,
		AutoBreakeven: true,
		CallTimeout:   time.Second,
	}, logger, position.WithBus(bus))
	eng := NewImpl(Config{
		Gateway:     gw,
		Risk:        ledger,
		Monitor:     mon,
		Bus:         bus,
		Settings:    settings,
		CallTimeout: time.Second,
		Logger:      logger,
		Meta:        SystemStatus{Venue: "paper", Version: "test"},
	})
	return &testEnv{prices: prices, gw: gw, ledger: ledger, monitor: mon, bus: bus, engine: eng}
}

func (f *fixedPrices) set(sym string, price float64) {
	f.mu.Lock()
	f.prices[sym] = price
	f.mu.Unlock()
}

func btcIntent() signal.TradeIntent {
	return signal.TradeIntent{
		Symbol:    "BTCUSDT",
		Direction: signal.Long,
		Entry:     50000,
		Targets:   []float64{52000, 54000},
		StopLoss:  48000,
	}
}

func TestExecuteOpensAndTracksPosition(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	opened, unsubscribe := env.bus.Subscribe(2, events.EventPositionOpened)
	defer unsubscribe()

	p, err := env.engine.Execute(context.Background(), btcIntent())
	require.NoError(t, err)

	assert.Equal(t, position.StatusActive, p.Status)
	assert.Equal(t, 50000.0, p.EntryPrice)
	assert.Equal(t, 0.02, p.Quantity)
	assert.Equal(t, 10, p.Leverage)
	assert.NotEmpty(t, p.StopOrderID)
	require.Len(t, p.Targets, 2)
	assert.Equal(t, 0.01, p.Targets[0].Quantity)
	assert.True(t, env.monitor.Has("BTCUSDT"))

	entries := env.gw.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, common.SideBuy, entries[0].Side)
	assert.NotEmpty(t, entries[0].ClientID)

	select {
	case msg := <-opened:
		assert.Equal(t, events.EventPositionOpened, msg.Event)
	default:
		t.Fatal("expected position.opened")
	}
}

func TestDuplicateSymbolSendsNoOrder(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	ctx := context.Background()

	_, err := env.engine.Execute(ctx, btcIntent())
	require.NoError(t, err)

	_, err = env.engine.Execute(ctx, btcIntent())
	assert.Equal(t, tradeerr.InvariantViolation, tradeerr.KindOf(err))
	assert.Len(t, env.gw.entries(), 1)
}

func TestConcurrentExecuteYieldsOnePosition(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	env.gw.hold = make(chan struct{})
	env.gw.entered = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Execute(ctx, btcIntent())
		done <- err
	}()
	<-env.gw.entered

	_, err := env.engine.Execute(ctx, btcIntent())
	assert.Equal(t, tradeerr.InvariantViolation, tradeerr.KindOf(err))
	assert.Contains(t, err.Error(), "in flight")

	close(env.gw.hold)
	require.NoError(t, <-done)
	assert.Len(t, env.gw.entries(), 1)
	assert.Len(t, env.monitor.Positions(), 1)
}

func TestDemoModeSimulatesEntry(t *testing.T) {
	settings := defaultSettings()
	settings.Demo = true
	env := newEnv(t, settings, risk.DefaultConfig())
	ctx := context.Background()

	p, err := env.engine.Execute(ctx, btcIntent())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.EntryOrderID, "DEMO-"))
	assert.True(t, p.Demo)
	assert.Equal(t, position.StatusActive, p.Status)
	assert.Empty(t, env.gw.entries())
	assert.Equal(t, 1, env.gw.modeCalls)
	assert.Equal(t, 1, env.gw.levCalls)

	held, err := env.gw.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, held.Amount, 1e-12)

	status := env.engine.GetSystemStatus(ctx)
	assert.Equal(t, "demo", status.Mode)
	assert.Equal(t, 1, status.OpenPositions)
	assert.True(t, status.Risk.Allowed)
}

func TestAccountSetupIsCached(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	ctx := context.Background()

	_, err := env.engine.Execute(ctx, btcIntent())
	require.NoError(t, err)
	_, err = env.engine.Execute(ctx, signal.TradeIntent{Symbol: "ETHUSDT", Direction: signal.Short, Entry: 2500, Targets: []float64{2400}})
	require.NoError(t, err)

	assert.Equal(t, 1, env.gw.modeCalls)
	assert.Equal(t, 2, env.gw.levCalls)
}

func TestRiskDeniedSendsNoOrder(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.DailyLossLimit = 100
	env := newEnv(t, defaultSettings(), cfg)
	ctx := context.Background()
	require.NoError(t, env.ledger.RecordTrade(ctx, risk.Outcome{Symbol: "ETHUSDT", PnL: -150, ClosedAt: time.Now()}))

	_, err := env.engine.Execute(ctx, btcIntent())
	assert.Equal(t, tradeerr.RiskDenied, tradeerr.KindOf(err))
	assert.Contains(t, err.Error(), risk.RuleDailyLossLimit)
	assert.Empty(t, env.gw.entries())
	assert.False(t, env.monitor.Has("BTCUSDT"))
}

func TestSizingBelowMinimumIsRejected(t *testing.T) {
	settings := defaultSettings()
	settings.Amount = 0.1
	settings.Leverage = 1
	env := newEnv(t, settings, risk.DefaultConfig())

	_, err := env.engine.Execute(context.Background(), btcIntent())
	assert.Equal(t, tradeerr.ExchangeRejected, tradeerr.KindOf(err))
	assert.Contains(t, err.Error(), "below minimum")
	assert.Empty(t, env.gw.entries())
}

func TestPercentageSizingIsCapped(t *testing.T) {
	settings := defaultSettings()
	settings.UsePercentage = true
	settings.Amount = 10
	settings.Leverage = 20
	settings.MaxPositionSize = 500
	env := newEnv(t, settings, risk.DefaultConfig())

	p, err := env.engine.Execute(context.Background(), btcIntent())
	require.NoError(t, err)
	assert.Equal(t, 0.01, p.Quantity)
}

func TestInvalidIntentIsRejected(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	intent := btcIntent()
	intent.Targets = []float64{49000}

	_, err := env.engine.Execute(context.Background(), intent)
	assert.Equal(t, tradeerr.InvariantViolation, tradeerr.KindOf(err))
	assert.Empty(t, env.gw.entries())
}

func TestMissingPriceIsUnavailable(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	intent := btcIntent()
	intent.Symbol = "XRPUSDT"
	intent.Entry = 0.5
	intent.Targets = []float64{0.6}
	intent.StopLoss = 0.4

	_, err := env.engine.Execute(context.Background(), intent)
	assert.Equal(t, tradeerr.ExchangeUnavailable, tradeerr.KindOf(err))
}

func TestPriceBeyondSignalLevelsSendsNoOrder(t *testing.T) {
	cases := []struct {
		name  string
		price float64
		want  string
	}{
		{"past first target", 53000, "target 1"},
		{"through stop", 47500, "stop loss"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, defaultSettings(), risk.DefaultConfig())
			env.prices.set("BTCUSDT", tc.price)

			_, err := env.engine.Execute(context.Background(), btcIntent())
			assert.Equal(t, tradeerr.RiskDenied, tradeerr.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
			assert.Empty(t, env.gw.entries())
			assert.False(t, env.monitor.Has("BTCUSDT"))

			open, err := env.gw.GetOpenPosition(context.Background(), "BTCUSDT")
			require.NoError(t, err)
			assert.Zero(t, open.Amount)
		})
	}
}

func TestFillPastTargetDropsItAndTracks(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	env.gw.onEntry = func() { env.prices.set("BTCUSDT", 52500) }

	p, err := env.engine.Execute(context.Background(), btcIntent())
	require.NoError(t, err)
	assert.Equal(t, 52500.0, p.EntryPrice)
	require.Len(t, p.Targets, 1)
	assert.Equal(t, 54000.0, p.Targets[0].Price)
	assert.InDelta(t, p.Quantity, p.Targets[0].Quantity, 1e-9)
	assert.True(t, env.monitor.Has("BTCUSDT"))
}

func TestFillThroughStopIsFlattened(t *testing.T) {
	env := newEnv(t, defaultSettings(), risk.DefaultConfig())
	env.gw.onEntry = func() { env.prices.set("BTCUSDT", 47000) }

	_, err := env.engine.Execute(context.Background(), btcIntent())
	assert.Equal(t, tradeerr.InvariantViolation, tradeerr.KindOf(err))
	assert.Len(t, env.gw.entries(), 1)
	assert.False(t, env.monitor.Has("BTCUSDT"))

	open, err := env.gw.GetOpenPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, open.Amount)
}
