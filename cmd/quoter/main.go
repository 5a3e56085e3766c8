package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/quoter/api"
	"github.com/gregtusar/quoter/internal/config"
	"github.com/gregtusar/quoter/pkg/coinbase"
	"github.com/gregtusar/quoter/pkg/liveorders"
	"github.com/gregtusar/quoter/pkg/oms"
	"github.com/gregtusar/quoter/pkg/orderbook"
	"github.com/gregtusar/quoter/pkg/ratelimit"
	"github.com/gregtusar/quoter/pkg/state"
	"github.com/gregtusar/quoter/pkg/storage"
	"github.com/gregtusar/quoter/pkg/strategy"
	"github.com/gregtusar/quoter/pkg/stream"
	"github.com/gregtusar/quoter/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var (
	cfgFile    string
	keepQuotes bool
	logger     *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "quoter",
		Short:        "Market-making core for Coinbase Advanced Trade",
		Long:         `Keeps a ladder of resting quotes in line with the order book, reconciling live orders against the desired ladder under the exchange rate limits.`,
		RunE:         runQuoter,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().BoolVar(&keepQuotes, "keep-quotes", false, "leave resting orders on the book at shutdown")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		RunE:  checkConfig,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func checkConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok: %d product(s)\n", len(cfg.Products))
	for _, p := range cfg.Products {
		fmt.Fprintf(out, "  %s tick=%s lot=%s inventory_target=%s\n", p.Symbol, p.TickSize, p.LotSize, p.InventoryTarget)
	}
	fmt.Fprintf(out, "credentials: %s\n", credentialKind(cfg.Coinbase))
	return nil
}

func credentialKind(cb config.CoinbaseConfig) string {
	switch {
	case cb.PrivateKey != "" && cb.APIKeyName != "":
		return "jwt"
	case cb.APIKey != "" && cb.APISecret != "":
		return "legacy"
	default:
		return "missing"
	}
}

func setupLogger(cfg config.LoggingConfig) (*logrus.Logger, func(), error) {
	l := logrus.New()
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File == "" {
		return l, func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return l, func() { f.Close() }, nil
}

// quoter is everything wired for one symbol.
type quoter struct {
	symbol string
	live   *liveorders.Set
	maker  *trader.MarketMaker
}

func runQuoter(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	var closeLog func()
	logger, closeLog, err = setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth, err := coinbase.NewAuthenticator(coinbase.Credentials{
		Type:       coinbase.AuthType(cfg.Coinbase.AuthType),
		APIKey:     cfg.Coinbase.APIKey,
		APISecret:  cfg.Coinbase.APISecret,
		Passphrase: cfg.Coinbase.Passphrase,
		KeyName:    cfg.Coinbase.APIKeyName,
		PrivateKey: cfg.Coinbase.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("coinbase credentials: %w", err)
	}

	baseURL := cfg.Coinbase.BaseURL
	if baseURL == "" && cfg.Coinbase.Sandbox {
		baseURL = coinbase.SandboxURL
	}
	inventory := make(map[string]decimal.Decimal, len(cfg.Products))
	for _, p := range cfg.Products {
		inventory[p.Symbol] = p.InventoryTarget
	}
	client := coinbase.NewClient(coinbase.ClientOptions{
		BaseURL:           baseURL,
		Timeout:           cfg.OMS.RequestTimeout,
		RequestsPerSecond: cfg.Coinbase.RequestsPerSecond,
		Burst:             cfg.Coinbase.Burst,
		InventoryTarget:   inventory,
	}, auth, logger)

	feedOpts := func(url string) coinbase.FeedOptions {
		return coinbase.FeedOptions{URL: url, PingInterval: cfg.Stream.PingInterval, ReadTimeout: cfg.Stream.ReadTimeout}
	}
	marketFeed := coinbase.NewMarketFeed(feedOpts(cfg.Coinbase.MarketDataURL), auth, logger)
	userFeed := coinbase.NewUserFeed(feedOpts(cfg.Coinbase.UserDataURL), auth, logger)

	policy, err := orderbook.ParseGapPolicy(cfg.Book.GapPolicy)
	if err != nil {
		return err
	}
	gate := state.NewGate()
	books := orderbook.NewEngine(orderbook.Options{
		Depth:         cfg.Book.Depth,
		DefaultPolicy: policy,
		Policies:      map[string]orderbook.GapPolicy{coinbase.Exchange: policy},
	}, logger)

	limits, err := cfg.OMS.RateLimits()
	if err != nil {
		return err
	}
	tracker := ratelimit.NewTracker(coinbase.Exchange, limits)
	latency := oms.NewLatencyMonitor(cfg.OMS.LatencyAlpha)

	var checkpoint *storage.Checkpointer
	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
		checkpoint, err = storage.NewCheckpointer(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer checkpoint.Close()
	}

	sets := make(map[string]*liveorders.Set, len(cfg.Products))
	for _, p := range cfg.Products {
		sets[p.Symbol] = liveorders.NewSet(liveorders.Options{
			Exchange:  coinbase.Exchange,
			Symbol:    p.Symbol,
			ShadowTTL: cfg.OMS.ShadowTTL,
			PollGrace: cfg.OMS.PollGrace,
			Gate:      gate,
		}, logger)
	}

	supervisor := stream.NewSupervisor(stream.Options{
		Exchange:         coinbase.Exchange,
		Symbols:          cfg.Symbols(),
		PollInterval:     cfg.Stream.PollInterval,
		StaleAfter:       cfg.Book.StaleAfter,
		RequestTimeout:   cfg.OMS.RequestTimeout,
		ReconnectInitial: cfg.Stream.ReconnectInitial,
		ReconnectMax:     cfg.Stream.ReconnectMax,
		HealthyAfter:     cfg.Stream.HealthyAfter,
		ResyncTries:      cfg.Stream.ResyncTries,
	}, stream.Deps{
		Market:        marketFeed,
		Private:       userFeed,
		Poller:        client,
		Books:         books,
		Live:          sets,
		Gate:          gate,
		OnPollLatency: latency.Observe,
	}, logger)

	quoters := make([]quoter, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		q, err := buildQuoter(cfg, p, sets[p.Symbol], client, supervisor, books, tracker, latency, gate, checkpoint)
		if err != nil {
			return err
		}
		quoters = append(quoters, q)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range quoters {
		g.Go(func() error {
			q.live.Run(gctx)
			return nil
		})
	}

	if checkpoint != nil {
		for _, q := range quoters {
			cp, err := checkpoint.Restore(gctx, q.live, coinbase.Exchange, q.symbol)
			if err != nil {
				logger.WithError(err).WithField("symbol", q.symbol).Warn("Failed to restore checkpoint")
				continue
			}
			logger.WithFields(logrus.Fields{
				"symbol":   q.symbol,
				"orders":   len(cp.Orders),
				"saved_at": cp.SavedAt,
			}).Info("Restored checkpoint, awaiting first poll")
		}
	}

	g.Go(func() error { return supervisor.Run(gctx) })
	for _, q := range quoters {
		g.Go(func() error { return q.maker.Run(gctx) })
	}

	if cfg.Server.Port > 0 {
		apiQuoters := make([]api.Quoter, 0, len(quoters))
		for _, q := range quoters {
			apiQuoters = append(apiQuoters, q.maker)
		}
		server := api.NewServer(api.Deps{
			Health:  supervisor,
			Books:   books,
			Budgets: tracker,
			Quoters: apiQuoters,
		}, logger, strconv.Itoa(cfg.Server.Port))
		g.Go(func() error { return server.Start(gctx) })
	}

	logger.WithField("symbols", cfg.Symbols()).Info("Quoter is running. Press Ctrl+C to stop.")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.WithError(runErr).WithField("alert", "quoter_stopped").Error("Quoter stopped on error")
	} else {
		logger.Info("Received shutdown signal")
		runErr = nil
	}

	if !keepQuotes {
		withdrawQuotes(client, quoters)
	}
	logger.Info("Quoter stopped")
	return runErr
}

func buildQuoter(cfg *config.Config, p config.ProductConfig, live *liveorders.Set, client *coinbase.Client,
	supervisor *stream.Supervisor, books *orderbook.Engine, tracker *ratelimit.Tracker,
	latency *oms.LatencyMonitor, gate *state.Gate, checkpoint *storage.Checkpointer) (quoter, error) {
	pending := oms.NewPendingSet()
	engine := oms.NewEngine(oms.Config{
		Exchange:              coinbase.Exchange,
		Symbol:                p.Symbol,
		InnerCount:            cfg.OMS.InnerCount,
		TickSize:              p.TickSize,
		LotSize:               p.LotSize,
		PriceDeadband:         cfg.OMS.PriceDeadband,
		AmendPriceTolerance:   cfg.OMS.AmendPriceTolerance,
		SizeTolerancePct:      cfg.OMS.SizeTolerancePct,
		OuterBuffer:           cfg.OMS.OuterBuffer,
		LatencyThreshold:      cfg.OMS.LatencyThreshold,
		MaxPosition:           cfg.OMS.MaxPosition,
		InventoryExtremeRatio: cfg.OMS.InventoryExtremeRatio,
		PostOnly:              cfg.OMS.PostOnly,
		Costs:                 cfg.OMS.Costs,
	}, pending, logger)

	dispatcher := oms.NewDispatcher(client, tracker, live, pending, latency, oms.DispatcherOptions{
		Exchange:         coinbase.Exchange,
		Symbol:           p.Symbol,
		Concurrency:      cfg.OMS.Concurrency,
		Timeout:          cfg.OMS.RequestTimeout,
		OnUnknownOutcome: supervisor.RequestPoll,
	}, logger)

	ladderCfg := cfg.Strategy
	ladderCfg.TickSize = p.TickSize
	ladder, err := strategy.NewLadder(ladderCfg)
	if err != nil {
		return quoter{}, fmt.Errorf("%s: %w", p.Symbol, err)
	}

	deps := trader.Deps{
		Books:      books,
		Live:       live,
		Tracker:    tracker,
		Engine:     engine,
		Dispatcher: dispatcher,
		Latency:    latency,
		Strategy:   ladder,
		Gate:       gate,
	}
	if checkpoint != nil {
		deps.Checkpoint = checkpoint
	}
	maker := trader.NewMarketMaker(trader.Options{
		Exchange:         coinbase.Exchange,
		Symbol:           p.Symbol,
		CycleInterval:    cfg.Trader.CycleInterval,
		StaleHaltAfter:   cfg.Trader.StaleHaltAfter,
		UnknownHaltCount: cfg.Trader.UnknownHaltCount,
		UnknownWindow:    cfg.Trader.UnknownWindow,
	}, deps, logger)

	return quoter{symbol: p.Symbol, live: live, maker: maker}, nil
}

// withdrawQuotes cancels every resting order of the quoted symbols. The
// process context is already done, so it gets its own deadline.
func withdrawQuotes(client *coinbase.Client, quoters []quoter) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, q := range quoters {
		res, err := client.CancelAll(ctx, q.symbol, nil)
		log := logger.WithFields(logrus.Fields{
			"symbol":    q.symbol,
			"cancelled": len(res.Cancelled),
		})
		if err != nil {
			log.WithError(err).WithField("alert", "withdraw_failed").Error("Failed to withdraw quotes at shutdown")
			continue
		}
		log.Info("Withdrew quotes")
	}
}
