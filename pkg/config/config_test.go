package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well known development keys, never funded on a real network
const (
	protectedKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	protectedAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	fundingKey       = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	fundingAddress   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	safeAddress      = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	tokenAddress     = "0x0000000000000000000000000000000000001234"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NETWORK", "amoy")
	t.Setenv("RPC_URLS", "https://rpc-1.test, https://rpc-2.test")
	t.Setenv("PROTECTED_WALLETS", protectedAddress)
	t.Setenv("WALLET_PRIVATE_KEY_"+protectedAddress, protectedKey)
	t.Setenv("SAFE_WALLET", safeAddress)
	t.Setenv("GAS_FUNDING_WALLET", fundingAddress)
	t.Setenv("GAS_FUNDING_WALLET_PRIVATE_KEY", "0x"+fundingKey)
	t.Setenv("TOKENS", "wkeydao:"+tokenAddress+",USDT:0x0000000000000000000000000000000000005678:6")
}

func TestLoadConfig(t *testing.T) {
	setValidEnv(t)

	cfg, err := loadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 80002, cfg.Network.ChainID)
	assert.Equal(t, []string{"https://rpc-1.test", "https://rpc-2.test"}, cfg.RPCURLs)
	require.Len(t, cfg.ProtectedWallets, 1)
	assert.Equal(t, common.HexToAddress(protectedAddress), cfg.ProtectedWallets[0].Address)
	assert.Equal(t, common.HexToAddress(safeAddress), cfg.SafeWallet)

	require.Len(t, cfg.Tokens, 2)
	assert.Equal(t, "WKEYDAO", cfg.Tokens[0].Symbol)
	assert.Equal(t, int32(18), cfg.Tokens[0].Decimals)
	assert.Equal(t, "USDT", cfg.Tokens[1].Symbol)
	assert.Equal(t, int32(6), cfg.Tokens[1].Decimals)

	assert.Equal(t, "0.01", blockchain.FormatEther(cfg.Thresholds.Emergency))
	assert.Equal(t, "0.1", blockchain.FormatEther(cfg.Thresholds.Handoff))
	assert.Equal(t, "0.0002", blockchain.FormatEther(cfg.Thresholds.NativeReserve))
	assert.Equal(t, "0.001", blockchain.FormatEther(cfg.Thresholds.GasMinimum))
	assert.Equal(t, "0.001", blockchain.FormatEther(cfg.Funding.TargetBalance))
	assert.Equal(t, "0.0005", blockchain.FormatEther(cfg.Funding.SafetyMargin))
	assert.Equal(t, "3000000000", cfg.Funding.FallbackGasPrice.String())

	assert.Equal(t, 6*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Schedule.TickInterval)
	assert.Equal(t, 20*time.Second, cfg.Transfer.ConfirmTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Transfer.MaxDuration)
	assert.Equal(t, uint64(65000), cfg.Transfer.TokenGasLimit)
	assert.Equal(t, 3, cfg.Transfer.MaxGasErrors)
	assert.Equal(t, 2, cfg.Monitor.MaxAttempts)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, DefaultKafkaTopic, cfg.Kafka.Topic)
}

func TestLoadConfigDefaultsRPCFromNetwork(t *testing.T) {
	setValidEnv(t)
	t.Setenv("RPC_URLS", "")
	t.Setenv("NETWORK", "polygon")

	cfg, err := loadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 137, cfg.Network.ChainID)
	assert.NotEmpty(t, cfg.RPCURLs)
}

func TestLoadConfigRejectsStartup(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		errMsg string
	}{
		{"missing safe wallet", "SAFE_WALLET", "", "SAFE_WALLET"},
		{"blocked safe wallet", "SAFE_WALLET", "0x0000000000000000000000000000000000000001", "blocked"},
		{"safe wallet is protected", "SAFE_WALLET", protectedAddress, "must not be a protected wallet"},
		{"missing funding wallet", "GAS_FUNDING_WALLET", "", "GAS_FUNDING_WALLET"},
		{"missing funding key", "GAS_FUNDING_WALLET_PRIVATE_KEY", "", "GAS_FUNDING_WALLET_PRIVATE_KEY"},
		{"funding key mismatch", "GAS_FUNDING_WALLET_PRIVATE_KEY", protectedKey, "does not match"},
		{"missing tokens", "TOKENS", "", "TOKENS"},
		{"invalid token address", "TOKENS", "USDT:0x123", "not a valid Ethereum address"},
		{"missing protected wallets", "PROTECTED_WALLETS", "", "PROTECTED_WALLETS"},
		{"missing wallet key", "WALLET_PRIVATE_KEY_" + protectedAddress, "", "WALLET_PRIVATE_KEY_"},
		{"unknown network", "NETWORK", "solana", "NETWORK"},
		{"bad threshold", "EMERGENCY_THRESHOLD", "-1", "EMERGENCY_THRESHOLD"},
		{"zero threshold", "EMERGENCY_THRESHOLD", "0", "EMERGENCY_THRESHOLD"},
		{"reserve above threshold", "NATIVE_RESERVE", "0.5", "NATIVE_RESERVE"},
		{"bad duration", "SCAN_TIMEOUT", "soon", "SCAN_TIMEOUT"},
		{"bad log level", "LOG_LEVEL", "loud", "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := loadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWalletConfigStringHidesKey(t *testing.T) {
	w := WalletConfig{Address: common.HexToAddress(protectedAddress), PrivateKey: protectedKey}
	assert.NotContains(t, w.String(), protectedKey)
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
		isErr    bool
	}{
		{"", DefaultConfirmTimeout, false},
		{"30", 30 * time.Second, false},
		{"3m", 3 * time.Minute, false},
		{"0", 0, true},
		{"-5s", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CONFIRM_TIMEOUT", tt.value)
			d, err := GetEnvConfirmTimeout()
			if tt.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestGetEnvLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	level, err := GetEnvLogLevel()
	require.NoError(t, err)
	assert.Equal(t, logger.DebugLevel, level)
}

func TestGetEnvWalletPrivateKeyLowercase(t *testing.T) {
	addr := common.HexToAddress(safeAddress)
	t.Setenv("WALLET_PRIVATE_KEY_0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc", "abc")
	assert.Equal(t, "abc", GetEnvWalletPrivateKey(addr))
}

func TestGetEnvProtectedWalletsDeduplicates(t *testing.T) {
	t.Setenv("PROTECTED_WALLETS", protectedAddress+","+protectedAddress)
	wallets, err := GetEnvProtectedWallets()
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}
