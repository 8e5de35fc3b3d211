package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/models"
)

const (
	// DefaultNetwork is the default blockchain network to watch
	DefaultNetwork = "amoy"

	// DefaultEmergencyThreshold is the native balance above which a wallet enters emergency
	DefaultEmergencyThreshold = "0.01"

	// DefaultHandoffMultiplier scales the emergency threshold into the hand-off level
	DefaultHandoffMultiplier = 10

	// DefaultNativeReserve is the dust level: wallets at or below it are empty and their native balance is not swept
	DefaultNativeReserve = "0.0002"

	// DefaultGasMinimum is the balance above which gas errors are treated as transient
	DefaultGasMinimum = "0.001"

	// DefaultFundingTargetBalance is the native balance the funder tops wallets up to
	DefaultFundingTargetBalance = "0.001"

	// DefaultFundingSafetyMargin is kept on the funding wallet on top of the amount sent
	DefaultFundingSafetyMargin = "0.0005"

	// DefaultFundingGasMultiplier is applied to the suggested gas price for funding transfers
	DefaultFundingGasMultiplier = 1.2

	// DefaultFallbackGasPrice is used when the node cannot suggest one
	DefaultFallbackGasPrice = "3000000000" // 3 Gwei

	DefaultScanTimeout          = 6 * time.Second
	DefaultTickInterval         = 60 * time.Second
	DefaultRoundOffset          = 30 * time.Second
	DefaultTickBudget           = 59 * time.Second
	DefaultEmergencyInterval    = 5 * time.Second
	DefaultEmergencyMaxDuration = 600 * time.Second
	DefaultTransferMaxDuration  = 3 * time.Minute
	DefaultConfirmTimeout       = 20 * time.Second
	DefaultFundingCooldown      = 5 * time.Second
	DefaultMonitorInterval      = 5 * time.Second
	DefaultMonitorMaxWait       = 20 * time.Second

	// DefaultMaxTransferRetries defines the retry ceiling of one transfer loop
	DefaultMaxTransferRetries = 3

	// DefaultMaxGasErrors defines the consecutive gas error ceiling of one transfer loop
	DefaultMaxGasErrors = 3

	// DefaultTokenGasLimit is used when gas estimation for a token transfer fails
	DefaultTokenGasLimit = 65000

	// DefaultMonitorMaxAttempts is the number of receipt polls per monitored transaction
	DefaultMonitorMaxAttempts = 2

	// DefaultGasFailureAdvisory is the number of gas failures after which the monitor advises funding
	DefaultGasFailureAdvisory = 3

	// DefaultFailureHistoryLimit is the number of recent failures the monitor inspects
	DefaultFailureHistoryLimit = 10

	// DefaultMaxBackgroundTasks bounds concurrently running background tasks
	DefaultMaxBackgroundTasks = 16

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before an endpoint circuit trips
	DefaultCircuitBreakerThreshold = 3

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 60 * time.Second

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 5 * time.Minute

	// DefaultHTTPPort defines the default port for the trigger and metrics server
	DefaultHTTPPort = "8080"

	// DefaultKafkaTopic is the topic lifecycle events are published to
	DefaultKafkaTopic = "sentinel.events"

	// DefaultLogLevel defines the default log level
	DefaultLogLevel = "info"

	// DefaultLogColoring defines whether log output is colored
	DefaultLogColoring = true

	// walletKeyPrefix is the prefix of per wallet private key variables
	walletKeyPrefix = "WALLET_PRIVATE_KEY_"
)

// GetEnvNetwork returns the configured network name
func GetEnvNetwork() string {
	network := os.Getenv("NETWORK")
	if network == "" {
		return DefaultNetwork
	}
	return strings.ToLower(strings.TrimSpace(network))
}

// GetEnvRPCURLs returns the configured endpoint list, empty when unset
func GetEnvRPCURLs() []string {
	return splitList(os.Getenv("RPC_URLS"))
}

// GetEnvProtectedWallets returns the monitored wallet addresses
func GetEnvProtectedWallets() ([]common.Address, error) {
	raw := splitList(os.Getenv("PROTECTED_WALLETS"))
	wallets := make([]common.Address, 0, len(raw))
	seen := make(map[common.Address]bool)
	for _, w := range raw {
		if !common.IsHexAddress(w) {
			return nil, fmt.Errorf("invalid PROTECTED_WALLETS entry: %s, must be a valid Ethereum address", w)
		}
		addr := common.HexToAddress(w)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		wallets = append(wallets, addr)
	}
	return wallets, nil
}

// GetEnvWalletPrivateKey returns WALLET_PRIVATE_KEY_<address>, trying the address as
// checksummed, lower case and without the 0x prefix
func GetEnvWalletPrivateKey(wallet common.Address) string {
	hex := wallet.Hex()
	candidates := []string{
		hex,
		strings.ToLower(hex),
		strings.TrimPrefix(hex, "0x"),
		strings.TrimPrefix(strings.ToLower(hex), "0x"),
	}
	for _, c := range candidates {
		if key := os.Getenv(walletKeyPrefix + c); key != "" {
			return key
		}
	}
	return ""
}

// GetEnvSafeWallet returns the sweep destination, zero when unset
func GetEnvSafeWallet() (common.Address, error) {
	return getEnvAddress("SAFE_WALLET")
}

// GetEnvFundingWallet returns the gas funding wallet, zero when unset
func GetEnvFundingWallet() (common.Address, error) {
	return getEnvAddress("GAS_FUNDING_WALLET")
}

// GetEnvFundingPrivateKey returns the gas funding wallet key
func GetEnvFundingPrivateKey() string {
	return os.Getenv("GAS_FUNDING_WALLET_PRIVATE_KEY")
}

// GetEnvTokens parses TOKENS as SYMBOL:ADDRESS[:DECIMALS] entries in priority order
func GetEnvTokens() ([]models.Token, error) {
	raw := splitList(os.Getenv("TOKENS"))
	tokens := make([]models.Token, 0, len(raw))
	for _, entry := range raw {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid TOKENS entry: %s, must be SYMBOL:ADDRESS[:DECIMALS]", entry)
		}
		symbol := strings.TrimSpace(parts[0])
		if symbol == "" {
			return nil, fmt.Errorf("invalid TOKENS entry: %s, symbol is empty", entry)
		}
		address := strings.TrimSpace(parts[1])
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("invalid TOKENS entry: %s, %s is not a valid Ethereum address", entry, address)
		}
		decimals := int64(blockchain.NativeDecimals)
		if len(parts) == 3 {
			d, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
			if err != nil || d < 0 || d > 36 {
				return nil, fmt.Errorf("invalid TOKENS entry: %s, decimals must be an integer between 0 and 36", entry)
			}
			decimals = d
		}
		tokens = append(tokens, models.Token{
			Symbol:   strings.ToUpper(symbol),
			Address:  common.HexToAddress(address),
			Decimals: int32(decimals),
		})
	}
	return tokens, nil
}

// GetEnvEmergencyThreshold returns EMERGENCY_THRESHOLD in wei
func GetEnvEmergencyThreshold() (*big.Int, error) {
	return getEnvEther("EMERGENCY_THRESHOLD", DefaultEmergencyThreshold)
}

// GetEnvHandoffMultiplier returns HANDOFF_MULTIPLIER
func GetEnvHandoffMultiplier() (int, error) {
	return getEnvInt("HANDOFF_MULTIPLIER", DefaultHandoffMultiplier, 1)
}

// GetEnvNativeReserve returns NATIVE_RESERVE in wei
func GetEnvNativeReserve() (*big.Int, error) {
	return getEnvEther("NATIVE_RESERVE", DefaultNativeReserve)
}

// GetEnvGasMinimum returns GAS_MINIMUM in wei
func GetEnvGasMinimum() (*big.Int, error) {
	return getEnvEther("GAS_MINIMUM", DefaultGasMinimum)
}

// GetEnvFundingTargetBalance returns FUNDING_TARGET_BALANCE in wei
func GetEnvFundingTargetBalance() (*big.Int, error) {
	return getEnvEther("FUNDING_TARGET_BALANCE", DefaultFundingTargetBalance)
}

// GetEnvFundingSafetyMargin returns FUNDING_SAFETY_MARGIN in wei
func GetEnvFundingSafetyMargin() (*big.Int, error) {
	return getEnvEther("FUNDING_SAFETY_MARGIN", DefaultFundingSafetyMargin)
}

// GetEnvFundingGasMultiplier returns FUNDING_GAS_MULTIPLIER
func GetEnvFundingGasMultiplier() (float64, error) {
	value := os.Getenv("FUNDING_GAS_MULTIPLIER")
	if value == "" {
		return DefaultFundingGasMultiplier, nil
	}
	m, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid FUNDING_GAS_MULTIPLIER value: %s, must be a number", value)
	}
	if m < 1 {
		return 0, fmt.Errorf("FUNDING_GAS_MULTIPLIER must be greater than or equal to 1")
	}
	return m, nil
}

// GetEnvFallbackGasPrice returns FALLBACK_GAS_PRICE in wei
func GetEnvFallbackGasPrice() (*big.Int, error) {
	value := os.Getenv("FALLBACK_GAS_PRICE")
	if value == "" {
		value = DefaultFallbackGasPrice
	}

	price := new(big.Int)
	if _, ok := price.SetString(value, 10); !ok {
		return nil, fmt.Errorf("invalid FALLBACK_GAS_PRICE value: %s, must be a valid integer string", value)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("FALLBACK_GAS_PRICE must be greater than 0")
	}
	return price, nil
}

// GetEnvScanTimeout returns SCAN_TIMEOUT
func GetEnvScanTimeout() (time.Duration, error) {
	return getEnvDuration("SCAN_TIMEOUT", DefaultScanTimeout)
}

// GetEnvTickInterval returns TICK_INTERVAL
func GetEnvTickInterval() (time.Duration, error) {
	return getEnvDuration("TICK_INTERVAL", DefaultTickInterval)
}

// GetEnvRoundOffset returns ROUND_OFFSET
func GetEnvRoundOffset() (time.Duration, error) {
	return getEnvDuration("ROUND_OFFSET", DefaultRoundOffset)
}

// GetEnvTickBudget returns TICK_BUDGET
func GetEnvTickBudget() (time.Duration, error) {
	return getEnvDuration("TICK_BUDGET", DefaultTickBudget)
}

// GetEnvEmergencyInterval returns EMERGENCY_INTERVAL
func GetEnvEmergencyInterval() (time.Duration, error) {
	return getEnvDuration("EMERGENCY_INTERVAL", DefaultEmergencyInterval)
}

// GetEnvEmergencyMaxDuration returns EMERGENCY_MAX_DURATION
func GetEnvEmergencyMaxDuration() (time.Duration, error) {
	return getEnvDuration("EMERGENCY_MAX_DURATION", DefaultEmergencyMaxDuration)
}

// GetEnvMaxTransferRetries returns MAX_TRANSFER_RETRIES
func GetEnvMaxTransferRetries() (int, error) {
	return getEnvInt("MAX_TRANSFER_RETRIES", DefaultMaxTransferRetries, 0)
}

// GetEnvMaxGasErrors returns MAX_GAS_ERRORS
func GetEnvMaxGasErrors() (int, error) {
	return getEnvInt("MAX_GAS_ERRORS", DefaultMaxGasErrors, 1)
}

// GetEnvTransferMaxDuration returns TRANSFER_MAX_DURATION
func GetEnvTransferMaxDuration() (time.Duration, error) {
	return getEnvDuration("TRANSFER_MAX_DURATION", DefaultTransferMaxDuration)
}

// GetEnvConfirmTimeout returns CONFIRM_TIMEOUT
func GetEnvConfirmTimeout() (time.Duration, error) {
	return getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout)
}

// GetEnvFundingCooldown returns FUNDING_COOLDOWN
func GetEnvFundingCooldown() (time.Duration, error) {
	return getEnvDuration("FUNDING_COOLDOWN", DefaultFundingCooldown)
}

// GetEnvTokenGasLimit returns TOKEN_GAS_LIMIT
func GetEnvTokenGasLimit() (uint64, error) {
	limit, err := getEnvInt("TOKEN_GAS_LIMIT", DefaultTokenGasLimit, 21000)
	return uint64(limit), err
}

// GetEnvMonitorInterval returns MONITOR_INTERVAL
func GetEnvMonitorInterval() (time.Duration, error) {
	return getEnvDuration("MONITOR_INTERVAL", DefaultMonitorInterval)
}

// GetEnvMonitorMaxWait returns MONITOR_MAX_WAIT
func GetEnvMonitorMaxWait() (time.Duration, error) {
	return getEnvDuration("MONITOR_MAX_WAIT", DefaultMonitorMaxWait)
}

// GetEnvMonitorMaxAttempts returns MONITOR_MAX_ATTEMPTS
func GetEnvMonitorMaxAttempts() (int, error) {
	return getEnvInt("MONITOR_MAX_ATTEMPTS", DefaultMonitorMaxAttempts, 1)
}

// GetEnvGasFailureAdvisory returns GAS_FAILURE_ADVISORY
func GetEnvGasFailureAdvisory() (int, error) {
	return getEnvInt("GAS_FAILURE_ADVISORY", DefaultGasFailureAdvisory, 1)
}

// GetEnvFailureHistoryLimit returns FAILURE_HISTORY_LIMIT
func GetEnvFailureHistoryLimit() (int, error) {
	return getEnvInt("FAILURE_HISTORY_LIMIT", DefaultFailureHistoryLimit, 1)
}

// GetEnvMaxBackgroundTasks returns MAX_BACKGROUND_TASKS
func GetEnvMaxBackgroundTasks() (int, error) {
	return getEnvInt("MAX_BACKGROUND_TASKS", DefaultMaxBackgroundTasks, 1)
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold, 1)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
}

// GetEnvHTTPPort returns the trigger server port from environment variables
func GetEnvHTTPPort() (string, error) {
	port := os.Getenv("HTTP_PORT")
	if port == "" {
		return DefaultHTTPPort, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid HTTP_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvRedisDB returns REDIS_DB
func GetEnvRedisDB() (int, error) {
	return getEnvInt("REDIS_DB", 0, 0)
}

// GetEnvKafkaBrokers returns KAFKA_BROKERS, empty when the event sink is disabled
func GetEnvKafkaBrokers() []string {
	return splitList(os.Getenv("KAFKA_BROKERS"))
}

// GetEnvKafkaTopic returns KAFKA_TOPIC
func GetEnvKafkaTopic() string {
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		return DefaultKafkaTopic
	}
	return topic
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	value := os.Getenv("LOG_LEVEL")
	if value == "" {
		value = DefaultLogLevel
	}
	level, err := logger.ParseLevel(value)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be debug, info, notice or error", value)
	}
	return level, nil
}

// GetEnvLogColoring returns whether log output is colored
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

func getEnvAddress(name string) (common.Address, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, value)
	}
	return common.HexToAddress(value), nil
}

// getEnvEther parses a decimal native amount into wei
func getEnvEther(name, def string) (*big.Int, error) {
	value := os.Getenv(name)
	if value == "" {
		value = def
	}
	wei, err := blockchain.ParseEther(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %s, must be a non-negative decimal amount", name, value)
	}
	return wei, nil
}

func getEnvInt(name string, def, min int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be greater than or equal to %d", name, min)
	}
	return n, nil
}

// getEnvDuration accepts a Go duration ("20s", "3m") or a bare number of seconds
func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("%s must be greater than 0", name)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a duration", name, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return d, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
