// Package ingest funnels signal text from every source through one serializer
// into the execution engine.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/metrics"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
)

// Source names used in jobs and metrics.
const (
	SourceAPI    = "api"
	SourceStream = "stream"
	SourceRedis  = "redis"
)

// Job is one unit of work for the bridge. Text is parsed unless Intent is set.
type Job struct {
	Source  string
	Channel string
	MsgID   int64
	Text    string
	Intent  *signal.TradeIntent
}

// Result is what a job produced.
type Result struct {
	Intent   *signal.TradeIntent `json:"intent,omitempty"`
	Position *position.Position  `json:"position,omitempty"`
	Executed bool                `json:"executed"`
}

// Executor runs a trade intent.
type Executor interface {
	Execute(ctx context.Context, intent signal.TradeIntent) (*position.Position, error)
}

// Notifier is the operator channel.
type Notifier interface {
	Notify(channelID, text string)
}

// Sink accepts jobs from asynchronous sources.
type Sink interface {
	Enqueue(ctx context.Context, job Job) error
}

// Source is a long-running producer of jobs.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// BridgeConfig controls queueing and auto execution.
type BridgeConfig struct {
	QueueSize      int
	AutoExecute    bool
	ForwardChannel string
}

type request struct {
	ctx   context.Context
	job   Job
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// Bridge serializes parse-then-execute work from all sources.
type Bridge struct {
	exec     Executor
	bus      *events.Bus
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      BridgeConfig
	logger   *zap.Logger
	jobs     chan request
}

// BridgeOption customizes a Bridge.
type BridgeOption func(*Bridge)

// WithBus publishes signal.received events.
func WithBus(bus *events.Bus) BridgeOption { return func(b *Bridge) { b.bus = bus } }

// WithNotifier reports async outcomes to the forward channel.
func WithNotifier(n Notifier) BridgeOption { return func(b *Bridge) { b.notifier = n } }

// WithMetrics counts signals by source and result.
func WithMetrics(m *metrics.Metrics) BridgeOption { return func(b *Bridge) { b.metrics = m } }

// NewBridge creates a bridge. Run must be started to drain it.
func NewBridge(exec Executor, cfg BridgeConfig, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	b := &Bridge{
		exec:   exec,
		cfg:    cfg,
		logger: logger.Named("ingest"),
		jobs:   make(chan request, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drains the queue until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started", zap.Int("queue", cap(b.jobs)), zap.Bool("auto_execute", b.cfg.AutoExecute))
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-b.jobs:
			b.handle(ctx, req)
		}
	}
}

// Submit runs job and waits for its result. It always executes a parsed signal.
func (b *Bridge) Submit(ctx context.Context, job Job) (Result, error) {
	req := request{ctx: ctx, job: job, reply: make(chan reply, 1)}
	select {
	case b.jobs <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Enqueue queues job for asynchronous handling. It blocks until there is room or ctx ends.
func (b *Bridge) Enqueue(ctx context.Context, job Job) error {
	select {
	case b.jobs <- request{job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) handle(runCtx context.Context, req request) {
	if req.reply != nil {
		res, err := b.process(req.ctx, req.job, true)
		req.reply <- reply{res: res, err: err}
		return
	}
	res, err := b.process(runCtx, req.job, false)
	b.report(req.job, res, err)
}

func (b *Bridge) process(ctx context.Context, job Job, sync bool) (Result, error) {
	const op = "ingest.process"
	source := job.Source
	if source == "" {
		source = SourceAPI
	}

	intent := job.Intent
	if intent == nil {
		parsed, ok := signal.Parse(job.Text)
		if !ok {
			b.metrics.Signal(source, "not_a_signal")
			return Result{}, tradeerr.New(tradeerr.NotASignal, op, "no trading signal found")
		}
		intent = &parsed
	}
	b.metrics.Signal(source, "parsed")
	b.bus.Publish(events.EventSignalReceived, map[string]any{
		"source":  source,
		"channel": job.Channel,
		"id":      job.MsgID,
		"intent":  intent,
	})
	b.logger.Info("signal received",
		zap.String("source", source),
		zap.String("channel", job.Channel),
		zap.String("symbol", intent.Symbol),
		zap.String("direction", string(intent.Direction)))

	res := Result{Intent: intent}
	if !sync && !b.cfg.AutoExecute {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	p, err := b.exec.Execute(ctx, *intent)
	if err != nil {
		return res, err
	}
	res.Position = p
	res.Executed = true
	return res, nil
}

// report tells the operator what an async job did. Chatter is only logged.
func (b *Bridge) report(job Job, res Result, err error) {
	if tradeerr.Is(err, tradeerr.NotASignal) {
		b.logger.Debug("ignored message", zap.String("channel", job.Channel), zap.Int64("id", job.MsgID))
		return
	}
	if b.notifier == nil {
		return
	}
	origin := job.Source
	if job.Channel != "" {
		origin = job.Source + "/" + job.Channel
	}

	var text string
	switch {
	case err != nil && res.Intent == nil:
		text = fmt.Sprintf("❌ message from %s failed: %v", origin, err)
	case err != nil:
		text = fmt.Sprintf("❌ signal from %s not executed: %v\n\n%s", origin, err, signal.Render(*res.Intent))
	case !res.Executed:
		text = fmt.Sprintf("📥 signal from %s (auto-execute off)\n\n%s", origin, signal.Render(*res.Intent))
	default:
		text = fmt.Sprintf("✅ signal from %s executed: %s %s qty %g at %g",
			origin, res.Position.Symbol, res.Position.Direction, res.Position.Quantity, res.Position.EntryPrice)
	}
	b.notifier.Notify(b.cfg.ForwardChannel, text)
}
