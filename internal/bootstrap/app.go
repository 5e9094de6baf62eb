// Package bootstrap assembles the application: configuration, telemetry,
// storage, broker connectivity and the trading engine, plus lifecycle
// management around them.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gridbot/internal/alert"
	"gridbot/internal/broker"
	"gridbot/internal/buyqueue"
	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/engine"
	"gridbot/internal/inventory"
	"gridbot/internal/ladder"
	"gridbot/internal/lifecycle"
	"gridbot/internal/marketdata"
	"gridbot/internal/metrics"
	"gridbot/internal/mock"
	"gridbot/internal/recon"
	"gridbot/internal/store"
	"gridbot/pkg/logging"
	"gridbot/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// App holds every assembled component.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Telemetry  *telemetry.Telemetry
	Store      *store.SQLiteStore
	Ledger     *inventory.Ledger
	Ladder     *ladder.Ladder
	Broker     core.IBroker
	MarketData core.IMarketData
	Lifecycle  *lifecycle.Manager
	Alerter    *alert.Manager
	Recon      *recon.Engine
	Engine     *engine.Engine
	Metrics    *metrics.Server
}

// NewApp builds the full dependency graph from a config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("gridbot")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	logger.Info("Configuration loaded", "config", cfg.String())

	lad, err := ladder.LoadCSV(cfg.App.LadderFile, decimal.NewFromFloat(cfg.Trading.StepRatio))
	if err != nil {
		return nil, fmt.Errorf("ladder: %w", err)
	}
	logger.Info("Ladder loaded",
		"levels", lad.Size(), "step", lad.StepRatio(), "file", cfg.App.LadderFile)

	st, err := store.NewSQLiteStore(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("lot store: %w", err)
	}

	alerter := alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		alerter.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		alerter.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}

	var brk core.IBroker
	var md core.IMarketData
	switch cfg.App.Mode {
	case "live":
		brk = broker.NewClient(broker.Config{
			BaseURL:   cfg.Broker.BaseURL,
			StreamURL: cfg.Broker.QuoteWS,
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
		}, logger)
		md = marketdata.NewMonitor(cfg.Broker.QuoteWS, cfg.App.Symbol,
			time.Duration(cfg.Trading.PriceMaxStale)*time.Second, logger)
	case "paper":
		paper := mock.NewPaperBroker("paper")
		brk = paper
		// The simulated feed drives resting-order fills as well.
		md = mock.NewFeed(cfg.App.Symbol, decimal.NewFromInt(100), time.Second, paper)
	default:
		return nil, fmt.Errorf("unknown mode: %s", cfg.App.Mode)
	}

	ledger := inventory.NewLedger(st, logger)
	profit := decimal.NewFromFloat(cfg.Trading.ProfitRatio)

	lcm := lifecycle.NewManager(brk, logger, func(title, message string) {
		alerter.Notify(context.Background(), alert.Payload{
			Level: alert.LevelError, Title: title, Message: message,
		})
	})

	queue := buyqueue.NewMaintainer(lcm, brk, lad, ledger, cfg.App.Symbol, cfg.Trading.QueueDepth, logger)

	eng := engine.New(engine.Config{
		Symbol:             cfg.App.Symbol,
		ProfitRatio:        profit,
		EntryBuffer:        decimal.NewFromFloat(cfg.Trading.EntryBuffer),
		EntryTimeout:       time.Duration(cfg.Trading.OrderWaitTimeout) * time.Second,
		ConditionalTimeout: time.Duration(cfg.Trading.OrderWaitTimeout) * time.Second,
		PollInterval:       time.Duration(cfg.Trading.StatusPoll) * time.Second,
		EventQueueSize:     cfg.Trading.EventQueueSize,
	}, brk, md, lcm, lad, ledger, queue, alerter, logger)

	rec := recon.NewEngine(brk, lad, st, ledger, eng, cfg.App.Symbol, profit, logger)
	eng.SetReconciler(func(ctx context.Context) error {
		_, err := rec.Run(ctx)
		return err
	})

	app := &App{
		Cfg:        cfg,
		Logger:     logger,
		Telemetry:  tel,
		Store:      st,
		Ledger:     ledger,
		Ladder:     lad,
		Broker:     brk,
		MarketData: md,
		Lifecycle:  lcm,
		Alerter:    alerter,
		Recon:      rec,
		Engine:     eng,
	}
	app.Metrics = metrics.NewServer(cfg.System.MetricsPort, logger, app.healthSnapshot)
	app.Metrics.SetReconcileTrigger(eng.TriggerReconcile)
	return app, nil
}

// Run reconciles against the broker and then trades until a signal or a
// fatal error. Reconciliation failures are fatal: trading never starts from
// an unverified state.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.shutdown()

	if err := a.MarketData.Start(ctx); err != nil {
		return fmt.Errorf("market data: %w", err)
	}

	report, err := a.Recon.Run(ctx)
	if err != nil {
		a.Alerter.Send(ctx, alert.LevelCritical, "Reconciliation failed: "+err.Error())
		return fmt.Errorf("reconciliation: %w", err)
	}
	a.Logger.Info("Reconciliation complete",
		"rebuilt", report.RebuiltLots,
		"archived", report.ArchivedLots,
		"orphans", report.OrphanLots,
		"repaired_sells", report.RepairedSells,
		"next_level", report.NextLevel)

	a.Metrics.UpdateStatus("mode", a.Cfg.App.Mode)
	a.Metrics.UpdateStatus("symbol", a.Cfg.App.Symbol)
	a.Metrics.UpdateStatus("broker", a.Broker.GetName())
	a.Metrics.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Engine.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		a.Engine.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Metrics != nil {
		if err := a.Metrics.Stop(shutdownCtx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.MarketData.Stop(); err != nil {
		a.Logger.Warn("Market data shutdown failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Lot store close failed", "error", err)
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}

func (a *App) healthSnapshot() (bool, map[string]interface{}) {
	running, waiting := a.Engine.WatchStats()
	detail := map[string]interface{}{
		"halted":        strconv.FormatBool(a.Engine.Halted()),
		"next_level":    a.Ledger.NextLevel(),
		"open_lots":     len(a.Ledger.OpenLots()),
		"watch_workers": running,
		"watch_backlog": waiting,
	}
	if report := a.Recon.LastReport(); report != nil {
		detail["reconciled_at"] = report.CompletedAt.Format(time.RFC3339)
	}
	return !a.Engine.Halted(), detail
}
