package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seoulquant/kisbot/internal/account"
	"github.com/seoulquant/kisbot/internal/broker"
	"github.com/seoulquant/kisbot/internal/config"
	"github.com/seoulquant/kisbot/internal/dashboard"
	"github.com/seoulquant/kisbot/internal/engine"
	"github.com/seoulquant/kisbot/internal/models"
	"github.com/seoulquant/kisbot/internal/ratelimit"
	"github.com/seoulquant/kisbot/internal/scanner"
	"github.com/seoulquant/kisbot/internal/schedule"
	"github.com/seoulquant/kisbot/internal/storage"
	"github.com/seoulquant/kisbot/internal/strategy"
	"github.com/seoulquant/kisbot/internal/telemetry"
	"github.com/seoulquant/kisbot/internal/token"
)

// liveConfirmDelay gives the operator a window to abort a live session.
const liveConfirmDelay = 10 * time.Second

func main() {
	var (
		configPath      string
		mode            string
		strategyName    string
		dryRun          bool
		skipMarketHours bool
		dashboardPort   int
		journalPath     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&mode, "mode", "paper", "Trading mode: live or paper")
	flag.StringVar(&strategyName, "strategy", "swing", "Trading strategy: swing or daytrading")
	flag.BoolVar(&dryRun, "dry-run", false, "Simulate orders without transmitting them")
	flag.BoolVar(&skipMarketHours, "skip-market-hours", false, "Ignore market hours (validation runs)")
	flag.IntVar(&dashboardPort, "dashboard", 0, "Dashboard port (0 disables)")
	flag.StringVar(&journalPath, "journal", "journal.json", "Trade journal path")
	flag.Parse()

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	kind := models.AccountKind(mode)
	if !kind.Valid() {
		logger.Fatalf("invalid -mode %q: must be live or paper", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}
	if skipMarketHours {
		cfg.Schedule.SkipMarketHours = true
	}
	if dryRun {
		cfg.Engine.DryRun = true
	}

	acct, err := cfg.Account(kind)
	if err != nil {
		logger.Fatalf("Account configuration: %v", err)
	}

	logger.Printf("Starting trading bot: %s account, %s strategy", kind, strategyName)
	if kind == models.KindLive && !cfg.Engine.DryRun {
		logger.Printf("LIVE TRADING - real money at risk. Starting in %v, Ctrl-C to abort...", liveConfirmDelay)
		time.Sleep(liveConfirmDelay)
	} else if cfg.Engine.DryRun {
		logger.Println("DRY RUN - orders are simulated, nothing is transmitted")
	} else {
		logger.Println("PAPER TRADING - no real money at risk")
	}

	if err := run(cfg, acct, kind, strategyName, dashboardPort, journalPath, logger); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

func run(cfg *config.Config, acct *models.Account, kind models.AccountKind,
	strategyName string, dashboardPort int, journalPath string, logger *log.Logger) error {

	cal, err := schedule.NewCalendar(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	signalFile := cfg.Signal.File
	if strategyName == "daytrading" && signalFile == config.DefaultStopSignal {
		signalFile = config.DayTradingStopSignal
	}
	controller := schedule.NewController(cal, signalFile,
		log.New(os.Stdout, "[SCHED] ", log.LstdFlags))
	controller.ClearSignal()

	tokens := token.NewService(cfg.Token.CacheDir, cal.Location(),
		log.New(os.Stdout, "[TOKEN] ", log.LstdFlags))

	limiter := ratelimit.ForKind(kind == models.KindLive)
	client := broker.NewClient(acct, tokens.Source(acct), limiter,
		log.New(os.Stdout, "[API] ", log.LstdFlags)).WithDryRun(cfg.Engine.DryRun)

	var book broker.Broker = broker.NewCircuitBreakerBroker(client)

	accounts := account.NewManager(book, cfg.GetRefreshInterval(),
		log.New(os.Stdout, "[ACCT] ", log.LstdFlags))
	client.SetFillListener(accounts)

	// The mock environment has no ranking feed; paper sessions borrow a
	// read-only live client for market scans when live credentials exist.
	ranking := rankingSource(cfg, kind, tokens, client, logger)

	provider := scanner.NewProvider(ranking, scanner.Filter{
		MinPrice:       cfg.Engine.Candidate.MinPrice,
		MaxPrice:       cfg.Engine.Candidate.MaxPrice,
		MinChangeRate:  cfg.Engine.Candidate.MinChangeRate,
		MinVolumeRatio: cfg.Engine.Candidate.MinVolumeRatio,
	}, nil, log.New(os.Stdout, "[SCAN] ", log.LstdFlags))

	strat, err := strategy.New(strategyName, book)
	if err != nil {
		return err
	}

	journal, err := storage.NewJournal(journalPath)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	hub := telemetry.NewHub(log.New(os.Stdout, "[EVENT] ", log.LstdFlags))

	carryover := engine.PolicyMinimal
	if strategyName == "daytrading" {
		carryover = engine.PolicyDayTrading
	}
	eng := engine.New(book, accounts, provider, strat, controller, hub, journal, engine.Config{
		MaxPositions:        cfg.Engine.MaxPositions,
		PositionSizeRatio:   cfg.Engine.PositionSizeRatio,
		ConfidenceThreshold: cfg.Engine.BuyConfidenceThreshold,
		StopLossRate:        cfg.Engine.StopLossRate,
		TakeProfitRate:      cfg.Engine.TakeProfitRate,
		Carryover:           carryover,
	}, log.New(os.Stdout, "[ENGINE] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dashboardPort > 0 {
		dashLogger := logrus.New()
		dash := dashboard.NewServer(dashboard.Config{
			Port:      dashboardPort,
			AuthToken: os.Getenv("DASHBOARD_TOKEN"),
		}, journal, accounts, cal, dashLogger)
		go func() {
			if err := dash.Start(); err != nil {
				dashLogger.WithError(err).Warn("dashboard server stopped")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = dash.Shutdown(shutdownCtx)
		}()
	}

	// First Ctrl-C requests a cooperative stop; a second aborts.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, finishing current cycle...")
		if err := controller.RequestStop(false); err != nil {
			logger.Printf("failed to write stop signal, aborting hard: %v", err)
			cancel()
			return
		}
		<-sigChan
		logger.Println("Second signal, aborting now")
		cancel()
	}()
	defer controller.ClearSignal()

	return eng.Run(ctx)
}

// rankingSource picks where candidate scans come from. Live sessions use
// their own client; paper sessions get a read-only client against the live
// endpoint, falling back to their own (ranking-less) client when live
// credentials are not configured.
func rankingSource(cfg *config.Config, kind models.AccountKind, tokens *token.Service,
	own *broker.Client, logger *log.Logger) scanner.RankingSource {

	if kind == models.KindLive {
		return own
	}
	liveAcct, err := cfg.Account(models.KindLive)
	if err != nil {
		logger.Printf("live credentials unavailable, ranking feed disabled: %v", err)
		return own
	}
	limiter := ratelimit.ForKind(true)
	return broker.NewClient(liveAcct, tokens.Source(liveAcct), limiter,
		log.New(os.Stdout, "[RANK] ", log.LstdFlags)).ReadOnly()
}
