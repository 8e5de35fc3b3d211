package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/chains"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

// blockedAddresses can never be used as the safe wallet
var blockedAddresses = []common.Address{
	{},
	common.HexToAddress("0x0000000000000000000000000000000000000001"),
	common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
}

// Config holds the configuration for the sentinel service
type Config struct {
	Network            chains.Network
	RPCURLs            []string
	ProtectedWallets   []WalletConfig
	SafeWallet         common.Address
	FundingWallet      WalletConfig
	Tokens             []models.Token
	Thresholds         models.Thresholds
	Funding            FundingConfig
	Scan               ScanConfig
	Schedule           ScheduleConfig
	Emergency          EmergencyConfig
	Transfer           TransferConfig
	Monitor            MonitorConfig
	MaxBackgroundTasks int
	CircuitBreaker     CircuitBreakerConfig
	HTTP               HTTPConfig
	DatabaseURL        string
	Redis              RedisConfig
	Kafka              KafkaConfig
	LoggerConfig       LoggerConfig
}

// WalletConfig is an address with its signing key
type WalletConfig struct {
	Address    common.Address
	PrivateKey string
}

// String never prints the key
func (w WalletConfig) String() string {
	return w.Address.Hex()
}

// FundingConfig holds the gas funder settings
type FundingConfig struct {
	TargetBalance    *big.Int
	SafetyMargin     *big.Int
	GasMultiplier    float64
	FallbackGasPrice *big.Int
}

// ScanConfig holds the scanner settings
type ScanConfig struct {
	Timeout time.Duration
}

// ScheduleConfig holds the tick settings
type ScheduleConfig struct {
	TickInterval time.Duration
	RoundOffset  time.Duration
	TickBudget   time.Duration
}

// EmergencyConfig holds the emergency loop settings
type EmergencyConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// TransferConfig holds the transfer loop settings
type TransferConfig struct {
	MaxRetries      int
	MaxGasErrors    int
	MaxDuration     time.Duration
	ConfirmTimeout  time.Duration
	FundingCooldown time.Duration
	TokenGasLimit   uint64
}

// MonitorConfig holds the transaction monitor settings
type MonitorConfig struct {
	Interval            time.Duration
	MaxWait             time.Duration
	MaxAttempts         int
	GasFailureAdvisory  int
	FailureHistoryLimit int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// HTTPConfig holds the trigger server configuration
type HTTPConfig struct {
	Port          string
	APIKey        string
	MetricsAPIKey string
}

// RedisConfig holds the lock backend configuration, disabled when Addr is empty
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds the event sink configuration, disabled when Brokers is empty
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	networkName := GetEnvNetwork()
	network, ok := chains.GetNetwork(networkName)
	if !ok {
		return nil, fmt.Errorf("invalid NETWORK value: %s", networkName)
	}
	rpcURLs := GetEnvRPCURLs()
	if len(rpcURLs) == 0 {
		rpcURLs = network.DefaultRPCURLs
	}

	protected, err := GetEnvProtectedWallets()
	if err != nil {
		return nil, err
	}
	wallets := make([]WalletConfig, 0, len(protected))
	for _, addr := range protected {
		wallets = append(wallets, WalletConfig{Address: addr, PrivateKey: GetEnvWalletPrivateKey(addr)})
	}

	safeWallet, err := GetEnvSafeWallet()
	if err != nil {
		return nil, err
	}
	fundingWallet, err := GetEnvFundingWallet()
	if err != nil {
		return nil, err
	}
	tokens, err := GetEnvTokens()
	if err != nil {
		return nil, err
	}

	thresholds, err := loadThresholds()
	if err != nil {
		return nil, err
	}
	funding, err := loadFunding()
	if err != nil {
		return nil, err
	}

	scanTimeout, err := GetEnvScanTimeout()
	if err != nil {
		return nil, err
	}
	schedule, err := loadSchedule()
	if err != nil {
		return nil, err
	}
	emergency, err := loadEmergency()
	if err != nil {
		return nil, err
	}
	transfer, err := loadTransfer()
	if err != nil {
		return nil, err
	}
	monitor, err := loadMonitor()
	if err != nil {
		return nil, err
	}

	maxTasks, err := GetEnvMaxBackgroundTasks()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}
	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}
	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}
	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	httpPort, err := GetEnvHTTPPort()
	if err != nil {
		return nil, err
	}
	redisDB, err := GetEnvRedisDB()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}
	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network:          network,
		RPCURLs:          rpcURLs,
		ProtectedWallets: wallets,
		SafeWallet:       safeWallet,
		FundingWallet: WalletConfig{
			Address:    fundingWallet,
			PrivateKey: GetEnvFundingPrivateKey(),
		},
		Tokens:             tokens,
		Thresholds:         thresholds,
		Funding:            funding,
		Scan:               ScanConfig{Timeout: scanTimeout},
		Schedule:           schedule,
		Emergency:          emergency,
		Transfer:           transfer,
		Monitor:            monitor,
		MaxBackgroundTasks: maxTasks,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		HTTP: HTTPConfig{
			Port:          httpPort,
			APIKey:        os.Getenv("API_KEY"),
			MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Brokers: GetEnvKafkaBrokers(),
			Topic:   GetEnvKafkaTopic(),
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadThresholds() (models.Thresholds, error) {
	emergency, err := GetEnvEmergencyThreshold()
	if err != nil {
		return models.Thresholds{}, err
	}
	multiplier, err := GetEnvHandoffMultiplier()
	if err != nil {
		return models.Thresholds{}, err
	}
	reserve, err := GetEnvNativeReserve()
	if err != nil {
		return models.Thresholds{}, err
	}
	gasMinimum, err := GetEnvGasMinimum()
	if err != nil {
		return models.Thresholds{}, err
	}
	return models.Thresholds{
		Emergency:     emergency,
		Handoff:       new(big.Int).Mul(emergency, big.NewInt(int64(multiplier))),
		NativeReserve: reserve,
		GasMinimum:    gasMinimum,
	}, nil
}

func loadFunding() (FundingConfig, error) {
	target, err := GetEnvFundingTargetBalance()
	if err != nil {
		return FundingConfig{}, err
	}
	margin, err := GetEnvFundingSafetyMargin()
	if err != nil {
		return FundingConfig{}, err
	}
	multiplier, err := GetEnvFundingGasMultiplier()
	if err != nil {
		return FundingConfig{}, err
	}
	fallback, err := GetEnvFallbackGasPrice()
	if err != nil {
		return FundingConfig{}, err
	}
	return FundingConfig{
		TargetBalance:    target,
		SafetyMargin:     margin,
		GasMultiplier:    multiplier,
		FallbackGasPrice: fallback,
	}, nil
}

func loadSchedule() (ScheduleConfig, error) {
	interval, err := GetEnvTickInterval()
	if err != nil {
		return ScheduleConfig{}, err
	}
	offset, err := GetEnvRoundOffset()
	if err != nil {
		return ScheduleConfig{}, err
	}
	budget, err := GetEnvTickBudget()
	if err != nil {
		return ScheduleConfig{}, err
	}
	return ScheduleConfig{TickInterval: interval, RoundOffset: offset, TickBudget: budget}, nil
}

func loadEmergency() (EmergencyConfig, error) {
	interval, err := GetEnvEmergencyInterval()
	if err != nil {
		return EmergencyConfig{}, err
	}
	maxDuration, err := GetEnvEmergencyMaxDuration()
	if err != nil {
		return EmergencyConfig{}, err
	}
	return EmergencyConfig{Interval: interval, MaxDuration: maxDuration}, nil
}

func loadTransfer() (TransferConfig, error) {
	maxRetries, err := GetEnvMaxTransferRetries()
	if err != nil {
		return TransferConfig{}, err
	}
	maxGasErrors, err := GetEnvMaxGasErrors()
	if err != nil {
		return TransferConfig{}, err
	}
	maxDuration, err := GetEnvTransferMaxDuration()
	if err != nil {
		return TransferConfig{}, err
	}
	confirmTimeout, err := GetEnvConfirmTimeout()
	if err != nil {
		return TransferConfig{}, err
	}
	cooldown, err := GetEnvFundingCooldown()
	if err != nil {
		return TransferConfig{}, err
	}
	gasLimit, err := GetEnvTokenGasLimit()
	if err != nil {
		return TransferConfig{}, err
	}
	return TransferConfig{
		MaxRetries:      maxRetries,
		MaxGasErrors:    maxGasErrors,
		MaxDuration:     maxDuration,
		ConfirmTimeout:  confirmTimeout,
		FundingCooldown: cooldown,
		TokenGasLimit:   gasLimit,
	}, nil
}

func loadMonitor() (MonitorConfig, error) {
	interval, err := GetEnvMonitorInterval()
	if err != nil {
		return MonitorConfig{}, err
	}
	maxWait, err := GetEnvMonitorMaxWait()
	if err != nil {
		return MonitorConfig{}, err
	}
	attempts, err := GetEnvMonitorMaxAttempts()
	if err != nil {
		return MonitorConfig{}, err
	}
	advisory, err := GetEnvGasFailureAdvisory()
	if err != nil {
		return MonitorConfig{}, err
	}
	history, err := GetEnvFailureHistoryLimit()
	if err != nil {
		return MonitorConfig{}, err
	}
	return MonitorConfig{
		Interval:            interval,
		MaxWait:             maxWait,
		MaxAttempts:         attempts,
		GasFailureAdvisory:  advisory,
		FailureHistoryLimit: history,
	}, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.SafeWallet == (common.Address{}) {
		return fmt.Errorf("SAFE_WALLET environment variable is required")
	}
	for _, blocked := range blockedAddresses {
		if cfg.SafeWallet == blocked {
			return fmt.Errorf("SAFE_WALLET %s is a blocked address", cfg.SafeWallet.Hex())
		}
	}

	if cfg.FundingWallet.Address == (common.Address{}) {
		return fmt.Errorf("GAS_FUNDING_WALLET environment variable is required")
	}
	if cfg.FundingWallet.PrivateKey == "" {
		return fmt.Errorf("GAS_FUNDING_WALLET_PRIVATE_KEY environment variable is required")
	}
	if err := checkKey(cfg.FundingWallet); err != nil {
		return fmt.Errorf("GAS_FUNDING_WALLET_PRIVATE_KEY: %v", err)
	}

	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("TOKENS environment variable is required")
	}

	if len(cfg.ProtectedWallets) == 0 {
		return fmt.Errorf("PROTECTED_WALLETS environment variable is required")
	}
	for _, w := range cfg.ProtectedWallets {
		if w.Address == cfg.SafeWallet {
			return fmt.Errorf("SAFE_WALLET must not be a protected wallet")
		}
		if w.Address == cfg.FundingWallet.Address {
			return fmt.Errorf("GAS_FUNDING_WALLET must not be a protected wallet")
		}
		if w.PrivateKey == "" {
			return fmt.Errorf("%s%s environment variable is required", walletKeyPrefix, w.Address.Hex())
		}
		if err := checkKey(w); err != nil {
			return fmt.Errorf("%s%s: %v", walletKeyPrefix, w.Address.Hex(), err)
		}
	}

	if len(cfg.RPCURLs) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.Thresholds.Emergency.Sign() <= 0 {
		return fmt.Errorf("EMERGENCY_THRESHOLD must be greater than 0")
	}
	if cfg.Thresholds.NativeReserve != nil && cfg.Thresholds.NativeReserve.Cmp(cfg.Thresholds.Emergency) > 0 {
		return fmt.Errorf("NATIVE_RESERVE must not exceed EMERGENCY_THRESHOLD")
	}
	if cfg.Schedule.TickBudget > cfg.Schedule.TickInterval {
		return fmt.Errorf("TICK_BUDGET must not exceed TICK_INTERVAL")
	}
	return nil
}

// checkKey verifies that the key of w controls w.Address
func checkKey(w WalletConfig) error {
	signer, err := blockchain.NewSigner(w.PrivateKey)
	if err != nil {
		return err
	}
	if signer.Address != w.Address {
		return fmt.Errorf("key does not match address %s", w.Address.Hex())
	}
	return nil
}
