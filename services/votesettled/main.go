package votesettled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"votesettle/observability/logging"
	telemetry "votesettle/observability/otel"
	"votesettle/services/votesettled/store"
	"votesettle/services/votesettled/wallet"
	"votesettle/storage"
)

// Main initialises and runs the vote settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/votesettled/config.yaml", "path to votesettled configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("VOTESETTLE_ENV"))
	logger := logging.Setup("votesettled", env, cfg.LoggingOptions())

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("votesettled", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var kv storage.Database
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		kv = ldb
	} else {
		logger.Warn("journal_path not set; request journal is in-memory and will not survive restarts")
		kv = storage.NewMemDB()
	}
	defer kv.Close()

	detector := wallet.NewDetector()
	if path := strings.TrimSpace(cfg.CapabilitiesPath); path != "" {
		detector, err = wallet.LoadDetector(path)
		if err != nil {
			return fmt.Errorf("load capabilities: %w", err)
		}
	}

	rpcOpts := []wallet.RPCOption{
		wallet.WithAuthToken(cfg.Provider.AuthToken),
		wallet.WithRateLimit(cfg.Provider.RatePerSecond, cfg.Provider.Burst),
	}
	if endpoint := strings.TrimSpace(cfg.Ledger.Endpoint); endpoint != "" {
		waiter, closeLedger, err := wallet.DialReceiptWaiter(endpoint, cfg.Ledger.PollInterval.Duration)
		if err != nil {
			return err
		}
		defer closeLedger()
		rpcOpts = append(rpcOpts, wallet.WithConfirmationWaiter(waiter))
	}
	provider := wallet.NewRPCProvider(cfg.Provider.Endpoint, cfg.Provider.From, cfg.Provider.ChainID,
		wallet.ProviderInfo{Name: cfg.Provider.Name, Flags: cfg.Provider.Flags}, rpcOpts...)

	policy, err := cfg.EnginePolicy()
	if err != nil {
		return err
	}
	journal := NewJournal(kv, nil)
	hub := NewHub(0)
	engine := NewEngine(
		WithProvider(provider),
		WithStore(store.New(db, nil)),
		WithDetector(detector),
		WithJournal(journal),
		WithEvents(hub),
		WithPolicy(policy),
		WithLogger(logger),
	)
	if cfg.PauseOnStart {
		engine.Pause()
	}
	recovered, err := engine.Recover(context.Background())
	if err != nil {
		logger.Error("request recovery incomplete", slog.Any("error", err))
	}
	if recovered > 0 {
		logger.Warn("rolled back interrupted requests", slog.Int("count", recovered))
	}

	voterAuth, err := NewVoterAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	adminAuth, err := NewAdminAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return err
	}
	server := NewServer(ServerConfig{
		Engine:    engine,
		Events:    hub,
		Journal:   journal,
		VoterAuth: voterAuth,
		AdminAuth: adminAuth,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("votesettled listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		engine.Pause()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		engine.Wait()
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
