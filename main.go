package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/chainclient"
	"github.com/speedrun-hq/sentinel/pkg/config"
	"github.com/speedrun-hq/sentinel/pkg/emergency"
	"github.com/speedrun-hq/sentinel/pkg/events"
	"github.com/speedrun-hq/sentinel/pkg/gasfunder"
	"github.com/speedrun-hq/sentinel/pkg/health"
	"github.com/speedrun-hq/sentinel/pkg/lock"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/monitor"
	"github.com/speedrun-hq/sentinel/pkg/orchestrator"
	"github.com/speedrun-hq/sentinel/pkg/scanner"
	"github.com/speedrun-hq/sentinel/pkg/store"
	"github.com/speedrun-hq/sentinel/pkg/tasks"
	"github.com/speedrun-hq/sentinel/pkg/transfer"
)

const (
	gasTrackerInterval = 15 * time.Second
	gasPriceTTL        = 30 * time.Second
	taskErrorBuffer    = 64
	shutdownTimeout    = 10 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := chainclient.NewPool(chainclient.PoolConfig{
		URLs: cfg.RPCURLs,
		Dial: chainclient.NewDialer(int64(cfg.Network.ChainID)),
		Breaker: chainclient.BreakerSettings{
			Enabled:      cfg.CircuitBreaker.Enabled,
			Threshold:    cfg.CircuitBreaker.Threshold,
			Window:       cfg.CircuitBreaker.WindowDuration,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		},
		Shuffle: true,
		Logger:  appLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create RPC pool: %v", err)
	}
	defer pool.Close()

	ds, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to open datastore: %v", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		appLogger.Info("Publishing events to kafka topic %s", cfg.Kafka.Topic)
	}
	journal := events.NewJournal(ds, publisher, appLogger)
	defer journal.Close()

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		redisLocker, err := lock.NewRedis(ctx, lock.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			log.Fatalf("Failed to create redis locker: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
		appLogger.Info("Using redis locks as %s", redisLocker.Owner())
	}

	gasTracker := chainclient.NewGasTracker(pool, cfg.Network.Name, gasTrackerInterval, gasPriceTTL, appLogger)
	gasTracker.Start(ctx)
	defer gasTracker.Stop()

	walletScanner := scanner.New(pool, cfg.Tokens, cfg.Scan.Timeout, appLogger)

	fundingSigner, err := blockchain.NewSigner(cfg.FundingWallet.PrivateKey)
	if err != nil {
		log.Fatalf("Failed to load funding wallet key: %v", err)
	}
	funder := gasfunder.New(pool, fundingSigner, journal, gasfunder.Config{
		TargetBalance:    cfg.Funding.TargetBalance,
		SafetyMargin:     cfg.Funding.SafetyMargin,
		GasMultiplier:    cfg.Funding.GasMultiplier,
		FallbackGasPrice: cfg.Funding.FallbackGasPrice,
		ConfirmTimeout:   cfg.Transfer.ConfirmTimeout,
	}, appLogger, gasfunder.WithGasPrices(gasTracker))

	signers := make([]*blockchain.Signer, 0, len(cfg.ProtectedWallets))
	wallets := make([]common.Address, 0, len(cfg.ProtectedWallets))
	for _, w := range cfg.ProtectedWallets {
		signer, err := blockchain.NewSigner(w.PrivateKey)
		if err != nil {
			log.Fatalf("Failed to load key for wallet %s: %v", w, err)
		}
		signers = append(signers, signer)
		wallets = append(wallets, w.Address)
	}

	executor := transfer.NewExecutor(pool, walletScanner, funder, journal, signers, transfer.Config{
		SafeWallet:      cfg.SafeWallet,
		Thresholds:      cfg.Thresholds,
		MaxRetries:      cfg.Transfer.MaxRetries,
		MaxGasErrors:    cfg.Transfer.MaxGasErrors,
		MaxDuration:     cfg.Transfer.MaxDuration,
		ConfirmTimeout:  cfg.Transfer.ConfirmTimeout,
		FundingCooldown: cfg.Transfer.FundingCooldown,
		TokenGasLimit:   cfg.Transfer.TokenGasLimit,
	}, appLogger)

	txMonitor := monitor.New(pool, journal, monitor.Config{
		Interval:            cfg.Monitor.Interval,
		MaxWait:             cfg.Monitor.MaxWait,
		MaxAttempts:         cfg.Monitor.MaxAttempts,
		GasFailureAdvisory:  cfg.Monitor.GasFailureAdvisory,
		FailureHistoryLimit: cfg.Monitor.FailureHistoryLimit,
		MaxFailures:         cfg.Monitor.MaxAttempts,
	}, appLogger)

	service := orchestrator.New(orchestrator.Config{
		Wallets:      wallets,
		Tokens:       cfg.Tokens,
		Thresholds:   cfg.Thresholds,
		TickInterval: cfg.Schedule.TickInterval,
		RoundOffset:  cfg.Schedule.RoundOffset,
		TickBudget:   cfg.Schedule.TickBudget,
		Emergency: emergency.Config{
			Interval:    cfg.Emergency.Interval,
			MaxDuration: cfg.Emergency.MaxDuration,
			Thresholds:  cfg.Thresholds,
		},
	}, orchestrator.Deps{
		Scanner:   walletScanner,
		Transfers: executor,
		Monitor:   txMonitor,
		Funder:    funder,
		Pool:      pool,
		Store:     journal,
		Locker:    locker,
		Registry:  tasks.NewRegistry(cfg.MaxBackgroundTasks, taskErrorBuffer, appLogger),
		Slot:      emergency.NewSlot(),
	}, appLogger)

	server := health.NewServer(health.Config{
		Port:          cfg.HTTP.Port,
		APIKey:        cfg.HTTP.APIKey,
		MetricsAPIKey: cfg.HTTP.MetricsAPIKey,
	}, service, journal.Ping, appLogger)

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	go func() {
		if err := server.Start(); err != nil {
			appLogger.Error("HTTP server failed: %v", err)
			cancel()
		}
	}()

	// Start the service
	appLogger.Notice("Protecting %d wallets on %s, safe wallet %s", len(wallets), cfg.Network.Name, cfg.SafeWallet.Hex())
	service.Start(ctx)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Failed to shut down HTTP server: %v", err)
	}
	service.Stop()
	appLogger.Info("Sentinel stopped")
}

// openStore returns the Postgres store when DATABASE_URL is set, the in-memory store otherwise
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Datastore, error) {
	if cfg.DatabaseURL == "" {
		log.Notice("DATABASE_URL not set, history is kept in memory only")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, errors.Join(err, pg.Close())
	}
	return pg, nil
}
