package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"

	"github.com/tradeflow-labs/signal-engine/internal/config"
	"github.com/tradeflow-labs/signal-engine/internal/engine"
	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/exchange/adapters"
	"github.com/tradeflow-labs/signal-engine/internal/guard"
	"github.com/tradeflow-labs/signal-engine/internal/logger"
	"github.com/tradeflow-labs/signal-engine/internal/monitoring"
	"github.com/tradeflow-labs/signal-engine/internal/notifications"
	"github.com/tradeflow-labs/signal-engine/internal/position"
	"github.com/tradeflow-labs/signal-engine/internal/risk"
	"github.com/tradeflow-labs/signal-engine/internal/router"
	"github.com/tradeflow-labs/signal-engine/internal/safety"
	sigpkg "github.com/tradeflow-labs/signal-engine/internal/signal"
	"github.com/tradeflow-labs/signal-engine/internal/state"
)

const snapshotInterval = 30 * time.Second

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file (e.g., engine.json)")
		envFile    = flag.String("env", ".env", "Environment file path (default: .env)")
		listenAddr = flag.String("listen", "", "Listen address override (e.g., :8080)")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Please specify a config file with -config flag")
	}

	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: Could not load .env file (%v), checking environment variables...", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	fileLog, err := logger.NewLogger("engine", cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer fileLog.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to set up exchanges: %v", err)
	}

	sink := buildSink(cfg)

	protector := safety.NewProtector(safety.ProtectorConfig{
		RateCapacity:     cfg.Safety.RateCapacity,
		RatePerSecond:    cfg.Safety.RatePerSecond,
		FailureThreshold: cfg.Safety.FailureThreshold,
		SuccessThreshold: cfg.Safety.SuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout(),
	})
	protector.OnBreakerChange(func(name string, from, to safety.BreakerState) {
		fileLog.Warning("circuit breaker for %s: %s -> %s", name, from, to)
	})

	initialBackoff, maxBackoff, callTimeout := cfg.RouterBackoffs()
	orderRouter := router.New(registry, protector, sink, fileLog, router.Config{
		MaxAttempts:    cfg.Router.MaxAttempts,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
		BackoffFactor:  cfg.Router.BackoffFactor,
		CallTimeout:    callTimeout,
	})

	pollInterval, closeTimeout, reconcileInterval := cfg.SupervisorIntervals()
	supervisor := position.NewSupervisor(registry, orderRouter, sink, fileLog, position.Config{
		PollInterval:      pollInterval,
		CloseTimeout:      closeTimeout,
		ReconcileInterval: reconcileInterval,
	})

	eng := engine.New(
		sigpkg.NewNormalizer(cfg.ExchangeNames(), cfg.Symbols),
		guard.New(cfg.GuardSettings()),
		registry,
		orderRouter,
		supervisor,
		risk.NewSizer(cfg.RiskProfile()),
		risk.NewCalculator(cfg.Risk.Interval, cfg.Risk.LookbackWindow, cfg.Risk.PeriodsPerYear, cfg.VolCacheTTL()),
		sink,
		fileLog,
		engine.Config{QuoteAsset: cfg.QuoteAsset},
	)

	// Restore supervision of positions left open by the previous run.
	store := state.NewStore(cfg.StateFile)
	snapshot, err := store.Load()
	if err != nil {
		log.Fatalf("Failed to load state snapshot: %v", err)
	}
	if len(snapshot.Positions) > 0 {
		fmt.Printf("Restoring %d open position(s) from %s\n", len(snapshot.Positions), cfg.StateFile)
		eng.Restore(snapshot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go snapshotLoop(ctx, store, eng, fileLog)

	var stream *exchange.PriceStream
	if cfg.Stream.Enabled {
		stream = exchange.NewPriceStream(exchange.StreamConfig{
			URL:      cfg.Stream.URL,
			Exchange: cfg.Stream.Exchange,
			Symbols:  cfg.Symbols,
		}, func(tick exchange.Tick) {
			eng.PushTick(tick.Exchange, tick.Symbol, tick.Price)
		})
		if err := stream.Start(ctx); err != nil {
			log.Fatalf("Failed to start price stream: %v", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newWebhookServer(eng, cfg.Server.WebhookSecret, fileLog).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Webhook server failed: %v", err)
		}
	}()

	printStartupInfo(cfg, registry, fileLog)

	<-ctx.Done()
	fmt.Println("\nShutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fileLog.Error("webhook server shutdown: %v", err)
	}
	if stream != nil {
		stream.Stop()
	}

	eng.Shutdown()
	if err := store.Save(eng.SnapshotPositions()); err != nil {
		fileLog.Error("final state snapshot failed: %v", err)
	}
	fmt.Println("Engine stopped")
}

// buildRegistry creates an adapter for every configured exchange.
func buildRegistry(cfg *config.Config) (*exchange.Registry, error) {
	factory := adapters.NewFactory()
	registry := exchange.NewRegistry()
	for _, ex := range cfg.Exchanges {
		adapter, err := factory.CreateAdapter(cfg.AdapterConfig(ex))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ex.Name, err)
		}
		registry.Register(strings.ToLower(strings.TrimSpace(ex.Name)), adapter)
	}
	return registry, nil
}

// buildSink assembles the event fan-out: metrics always, Telegram when
// configured.
func buildSink(cfg *config.Config) events.Sink {
	sinks := events.MultiSink{monitoring.MetricsSink{}}
	if n := cfg.Notifications; n != nil && n.Enabled && n.TelegramToken != "" && n.TelegramChat != "" {
		telegram := notifications.NewTelegramNotifier(n.TelegramToken, n.TelegramChat)
		sinks = append(sinks, notifications.NewEventSink(telegram))
	}
	return sinks
}

// snapshotLoop persists the supervised positions periodically so a crash
// loses at most one interval of position state.
func snapshotLoop(ctx context.Context, store *state.Store, eng *engine.Engine, fileLog *logger.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(eng.SnapshotPositions()); err != nil {
				fileLog.Error("state snapshot failed: %v", err)
			}
		}
	}
}

func printStartupInfo(cfg *config.Config, registry *exchange.Registry, fileLog *logger.Logger) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("SIGNAL ENGINE")
	t.SetStyle(table.StyleRounded)

	symbols := "all"
	if len(cfg.Symbols) > 0 {
		symbols = strings.Join(cfg.Symbols, ", ")
	}
	t.AppendRows([]table.Row{
		{"Exchanges", strings.Join(registry.Names(), ", ")},
		{"Symbols", symbols},
		{"Risk per trade", fmt.Sprintf("%.2f%%", cfg.Risk.RiskPerTrade*100)},
		{"Conflict policy", cfg.Guard.ConflictPolicy},
		{"Webhook", cfg.Server.ListenAddr + "/webhook"},
		{"Log file", fileLog.Path()},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, WidthMax: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 30, WidthMax: 45, Align: text.AlignLeft},
	})
	t.Render()
	fmt.Println()
}

// loadEnvFile loads environment variables from a file when it exists.
func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}
