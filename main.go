package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joehajt/tradingbotappweb/internal/api"
	"github.com/joehajt/tradingbotappweb/internal/engine"
	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/ingest"
	"github.com/joehajt/tradingbotappweb/internal/metrics"
	"github.com/joehajt/tradingbotappweb/internal/notify"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/risk"
	"github.com/joehajt/tradingbotappweb/pkg/config"
	"github.com/joehajt/tradingbotappweb/pkg/db"
	exfutusdt "github.com/joehajt/tradingbotappweb/pkg/exchanges/binance/futures_usdt"
	exchange "github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/paper"
	"github.com/joehajt/tradingbotappweb/pkg/logger"
)

func main() {
	issue := flag.String("token", "", "print an operator API token for `name` and exit")
	ttl := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of a token printed by -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *issue != "" {
		token, err := api.IssueToken(cfg.JWTSecret, *issue, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("fatal", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v1.0-dev"
	}
	log.Info("starting signal engine",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.Bool("demo", cfg.Exchange.Demo),
		zap.String("db", cfg.DBPath))

	// Persistence
	database, err := db.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Exchange gateway selection
	futures := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:    cfg.Exchange.BinanceAPIKey,
		APISecret: cfg.Exchange.BinanceAPISecret,
		Testnet:   cfg.Exchange.BinanceTestnet,
		BaseURL:   cfg.Exchange.BinanceBaseURL,
		PriceTTL:  time.Second,
	}, log)
	var gateway exchange.Gateway = futures
	venue := "binance-usdtfut"
	if cfg.Exchange.Demo {
		// Real marks and contract rules, simulated account.
		gateway = paper.New(futures, paper.Config{
			InitialBalance: cfg.Exchange.DemoBalance,
			FeeRate:        0.0004,
		}, log)
		venue = "paper"
		log.Info("demo mode: orders are simulated", zap.Float64("balance", cfg.Exchange.DemoBalance))
	} else {
		futures.TimeSync().Start(ctx)
	}

	// Observability
	bus := events.NewBus()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(registry)

	var senders []notify.Sender
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramBotToken))
	}
	senders = append(senders, notify.NewLogSender(log))
	notifier := notify.New(senders, cfg.Notify.TelegramChatID, cfg.Notify.BufferSize, log)

	// Risk ledger
	loc, err := time.LoadLocation(cfg.Risk.Timezone)
	if err != nil {
		return fmt.Errorf("risk timezone %q: %w", cfg.Risk.Timezone, err)
	}
	ledger, err := risk.New(ctx, risk.Config{
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
		WeeklyLossLimit:      cfg.Risk.WeeklyLossLimit,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		Cooldown:             cfg.Risk.Cooldown,
		MinMarginRatio:       cfg.Risk.MinMarginRatio,
		CriticalMarginRatio:  cfg.Risk.CriticalMarginRatio,
		Location:             loc,
	}, database, log)
	if err != nil {
		return fmt.Errorf("load risk ledger: %w", err)
	}

	// Position monitor, seeded from the last snapshots
	positionMode := exchange.PositionMode(cfg.Trading.PositionMode)
	monitor := position.NewMonitor(gateway, ledger, position.Config{
		Interval:              cfg.Monitor.Interval,
		PriceFailureThreshold: cfg.Monitor.PriceFailureThreshold,
		AutoTPSL:              cfg.Trading.AutoTPSL,
		AutoBreakeven:         cfg.Trading.AutoBreakeven,
		BreakevenOffsetPct:    cfg.Trading.BreakevenOffsetPct,
		CallTimeout:           cfg.Exchange.CallTimeout,
		PositionMode:          positionMode,
	}, log,
		position.WithStore(database),
		position.WithNotifier(notifier),
		position.WithBus(bus),
		position.WithMetrics(mtr),
	)
	restored, err := monitor.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	if restored > 0 {
		notifier.Notify("", fmt.Sprintf("♻️ restored %d monitored position(s)", restored))
	}

	// Execution engine
	eng := engine.NewImpl(engine.Config{
		Gateway:  gateway,
		Risk:     ledger,
		Monitor:  monitor,
		Bus:      bus,
		Notifier: notifier,
		Metrics:  mtr,
		Settings: engine.Settings{
			Leverage:        cfg.Trading.Leverage,
			Amount:          cfg.Trading.Amount,
			UsePercentage:   cfg.Trading.UsePercentage,
			MaxPositionSize: cfg.Trading.MaxPositionSize,
			PositionMode:    positionMode,
			BreakevenTarget: cfg.Trading.BreakevenTarget,
			Demo:            cfg.Exchange.Demo,
		},
		CallTimeout: cfg.Exchange.CallTimeout,
		Logger:      log,
		Meta:        engine.SystemStatus{Venue: venue, Version: version},
	})

	// Ingestion
	bridge := ingest.NewBridge(eng, ingest.BridgeConfig{
		QueueSize:      cfg.Ingest.QueueSize,
		AutoExecute:    cfg.Trading.AutoExecute,
		ForwardChannel: cfg.Notify.ForwardChannel,
	}, log, ingest.WithBus(bus), ingest.WithNotifier(notifier), ingest.WithMetrics(mtr))
	relay := ingest.NewAuthRelay(cfg.Ingest.AuthTimeout, bus, notifier, log)

	var sources []ingest.Source
	if cfg.Ingest.StreamURL != "" {
		sources = append(sources, ingest.NewStreamSource(ingest.StreamConfig{
			URL:      cfg.Ingest.StreamURL,
			Token:    cfg.Ingest.StreamToken,
			Channels: cfg.Ingest.StreamChannels,
		}, bridge, relay, notifier, log))
	}
	if cfg.Ingest.RedisAddr != "" {
		redisSource := ingest.NewRedisSource(ingest.RedisConfig{
			Addr:     cfg.Ingest.RedisAddr,
			Password: cfg.Ingest.RedisPassword,
			DB:       cfg.Ingest.RedisDB,
			Channels: cfg.Ingest.RedisChannels,
		}, bridge, log)
		defer redisSource.Close()
		sources = append(sources, redisSource)
	}

	server := api.NewServer(api.Config{
		Engine:      eng,
		Signals:     bridge,
		Positions:   monitor,
		Risk:        ledger,
		Auth:        relay,
		Bus:         bus,
		Gatherer:    registry,
		Logger:      log,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimitRPS,
		RateBurst:   cfg.RateBurst,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx) })
	for _, src := range sources {
		g.Go(func() error {
			// A dead source must not take the API and monitor down with it.
			if err := src.Run(gctx); err != nil {
				log.Error("signal source stopped", zap.String("source", src.Name()), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return server.Run(gctx, ":"+cfg.Port) })

	if cfg.Monitor.AutoStart {
		monitor.Start(gctx)
	}
	g.Go(func() error {
		<-gctx.Done()
		monitor.Stop()
		return nil
	})

	log.Info("signal engine ready",
		zap.String("venue", venue),
		zap.Int("sources", len(sources)),
		zap.Bool("monitoring", monitor.Running()))

	err = g.Wait()
	delivered, failed, dropped := notifier.Stats()
	log.Info("signal engine stopped",
		zap.Uint64("notifications_delivered", delivered),
		zap.Uint64("notifications_failed", failed),
		zap.Uint64("notifications_dropped", dropped),
		zap.Uint64("events_dropped", bus.Dropped()))
	return err
}
