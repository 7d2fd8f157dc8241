package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/metrics"
	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Ledger receives closed trades and margin readings.
type Ledger interface {
	RecordTrade(ctx context.Context, o risk.Outcome) error
	CheckMargin(ctx context.Context, ratio float64) *risk.MarginAlert
}

// Notifier is the operator channel. Delivery is best effort.
type Notifier interface {
	Notify(channelID, text string)
}

// Config controls the monitor loop and the protection it places.
type Config struct {
	Interval              time.Duration
	PriceFailureThreshold int
	AutoTPSL              bool
	AutoBreakeven         bool
	BreakevenOffsetPct    float64
	CallTimeout           time.Duration
	PositionMode          common.PositionMode
	NotifyChannel         string
}

// Report summarizes one reconciliation pass.
type Report struct {
	At          time.Time         `json:"at"`
	Checked     int               `json:"checked"`
	Closed      []string          `json:"closed,omitempty"`
	Dropped     []string          `json:"dropped,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
	MarginRatio float64           `json:"margin_ratio,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// entry guards one symbol. Every mutation of pos happens under mu.
type entry struct {
	mu      sync.Mutex
	pos     *Position
	removed bool
}

// Monitor owns the live positions and drives them through their lifecycle.
type Monitor struct {
	gw       common.Gateway
	ledger   Ledger
	store    Store
	notifier Notifier
	bus      *events.Bus
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	passMu      sync.Mutex
	marginLevel string

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithStore persists snapshots after every mutation.
func WithStore(s Store) Option { return func(m *Monitor) { m.store = s } }

// WithNotifier sends lifecycle messages to the operator.
func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

// WithBus publishes lifecycle events.
func WithBus(b *events.Bus) Option { return func(m *Monitor) { m.bus = b } }

// WithMetrics records pass and position metrics.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a stopped monitor.
func NewMonitor(gw common.Gateway, ledger Ledger, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.PriceFailureThreshold <= 0 {
		cfg.PriceFailureThreshold = 3
	}
	m := &Monitor{
		gw:      gw,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger.Named("position"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts monitoring p. A filled position gets its protection orders
// right away; anything that fails is retried by the next pass.
func (m *Monitor) Track(ctx context.Context, p *Position) error {
	const op = "position.Track"
	if p == nil || p.Symbol == "" {
		return tradeerr.New(tradeerr.InvalidRequest, op, "position has no symbol")
	}
	e := &entry{pos: p}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.entries[p.Symbol]; ok {
		m.mu.Unlock()
		return tradeerr.New(tradeerr.InvariantViolation, op, p.Symbol+" is already tracked")
	}
	m.entries[p.Symbol] = e
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetOpenPositions(count)
	m.logger.Info("tracking position",
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.String("status", string(p.Status)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("qty", p.Quantity),
		zap.Bool("demo", p.Demo))

	if p.Status.Live() {
		if err := m.placePending(ctx, p); err != nil {
			m.logger.Warn("protection incomplete, will retry", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	m.save(ctx, p)
	return nil
}

// Has reports whether symbol is tracked.
func (m *Monitor) Has(symbol string) bool {
	return m.lookup(symbol) != nil
}

// Get returns a copy of the tracked position.
func (m *Monitor) Get(symbol string) (Position, bool) {
	e := m.lookup(symbol)
	if e == nil {
		return Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Position{}, false
	}
	return e.pos.Clone(), true
}

// Positions returns copies of every tracked position sorted by symbol.
func (m *Monitor) Positions() []Position {
	entries := m.snapshotEntries()
	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.pos.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Remove stops tracking symbol. Exchange orders are left untouched.
func (m *Monitor) Remove(symbol string) error {
	e := m.lookup(symbol)
	if e == nil {
		return tradeerr.New(tradeerr.NotFound, "position.Remove", "no position for "+symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return tradeerr.New(tradeerr.NotFound, "position.Remove", "no position for "+symbol)
	}
	m.drop(context.Background(), e)
	m.logger.Info("position removed by operator", zap.String("symbol", symbol))
	return nil
}

// ForceBreakeven arms breakeven now. Already armed positions are returned unchanged.
func (m *Monitor) ForceBreakeven(ctx context.Context, symbol string) (Position, error) {
	const op = "position.ForceBreakeven"
	e := m.lookup(symbol)
	if e == nil {
		return Position{}, tradeerr.New(tradeerr.NotFound, op, "no position for "+symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Position{}, tradeerr.New(tradeerr.NotFound, op, "no position for "+symbol)
	}
	p := e.pos
	if !p.Status.Live() {
		return Position{}, tradeerr.New(tradeerr.InvariantViolation, op, fmt.Sprintf("%s is %s", symbol, p.Status))
	}
	if !p.BreakevenArmed {
		m.armBreakeven(ctx, p, "operator request")
		m.save(ctx, p)
	}
	return p.Clone(), nil
}

// Restore reloads persisted snapshots. Symbols already tracked are kept as they are.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snaps, err := m.store.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}
	restored := 0
	m.mu.Lock()
	for _, s := range snaps {
		p, err := fromSnapshot(s)
		if err != nil {
			m.logger.Error("skipping unreadable snapshot", zap.String("symbol", s.Symbol), zap.Error(err))
			continue
		}
		if p.Status == StatusClosed {
			continue
		}
		if _, ok := m.entries[p.Symbol]; ok {
			continue
		}
		m.entries[p.Symbol] = &entry{pos: p}
		restored++
	}
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetOpenPositions(count)
	m.logger.Info("positions restored", zap.Int("count", restored))
	return restored, nil
}

// Start runs a pass every Interval until Stop or ctx ends. Calling it twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		if !closed(m.done) {
			return
		}
		m.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.loop(ctx, done)
	m.logger.Info("monitor started", zap.Duration("interval", m.cfg.Interval))
}

// Stop cancels the loop and waits for the in-flight pass.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("monitor stopped")
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.cancel != nil && !closed(m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.ReconcileOnce(ctx)
			if len(report.Errors) > 0 {
				m.logger.Debug("pass finished with errors", zap.Int("checked", report.Checked), zap.Int("errors", len(report.Errors)))
			}
		}
	}
}

// ReconcileOnce runs one pass over every tracked symbol, then checks margin.
func (m *Monitor) ReconcileOnce(ctx context.Context) Report {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	start := time.Now()
	report := Report{At: m.now(), Errors: map[string]string{}}
	for _, e := range m.snapshotEntries() {
		symbol, res, err := m.reconcileEntry(ctx, e)
		if res == resultSkipped {
			continue
		}
		report.Checked++
		switch res {
		case resultClosed:
			report.Closed = append(report.Closed, symbol)
		case resultDropped:
			report.Dropped = append(report.Dropped, symbol)
		}
		if err != nil {
			report.Errors[symbol] = err.Error()
			m.logger.Warn("reconcile failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	m.checkMargin(ctx, &report)

	report.Duration = time.Since(start)
	m.metrics.ReconcilePass(report.Duration)
	m.metrics.SetOpenPositions(m.count())
	return report
}

func (m *Monitor) lookup(symbol string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[symbol]
}

func (m *Monitor) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// snapshotEntries copies the entry set so per-symbol locks are never taken under m.mu.
func (m *Monitor) snapshotEntries() []*entry {
	m.mu.RLock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pos.Symbol < out[j].pos.Symbol })
	return out
}

// drop forgets the entry and its snapshot. Caller holds e.mu.
func (m *Monitor) drop(ctx context.Context, e *entry) {
	m.mu.Lock()
	if cur, ok := m.entries[e.pos.Symbol]; ok && cur == e {
		delete(m.entries, e.pos.Symbol)
	}
	count := len(m.entries)
	m.mu.Unlock()
	e.removed = true
	m.metrics.SetOpenPositions(count)

	if m.store == nil {
		return
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.DeletePosition(sctx, e.pos.Symbol); err != nil {
		m.logger.Error("delete snapshot failed", zap.String("symbol", e.pos.Symbol), zap.Error(err))
	}
}

// save stamps and persists p. Caller holds the entry lock.
func (m *Monitor) save(ctx context.Context, p *Position) {
	p.UpdatedAt = m.now()
	if m.store == nil {
		return
	}
	snap, err := snapshot(p)
	if err != nil {
		m.logger.Error("snapshot failed", zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.UpsertPosition(sctx, snap); err != nil {
		m.logger.Error("persist snapshot failed", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

// callCtx bounds a single exchange call.
func (m *Monitor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

// storeCtx outlives shutdown cancellation so the last state still lands on disk.
func (m *Monitor) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (m *Monitor) notify(format string, args ...any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(m.cfg.NotifyChannel, fmt.Sprintf(format, args...))
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
