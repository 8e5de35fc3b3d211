package transfer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/blockchain/mocks"
	"github.com/speedrun-hq/sentinel/pkg/gasfunder"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/speedrun-hq/sentinel/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well known development key #0, never funded on a real network
const walletKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	safeWallet = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	usdt       = models.Token{Symbol: "USDT", Address: common.HexToAddress("0x00000000000000000000000000000000000000a1"), Decimals: 6}
	xpd        = models.Token{Symbol: "XPD", Address: common.HexToAddress("0x00000000000000000000000000000000000000a2"), Decimals: 9}

	errGas = errors.New("insufficient funds for gas * price + value")
)

func ether(t *testing.T, amount string) *big.Int {
	t.Helper()
	wei, err := blockchain.ParseEther(amount)
	require.NoError(t, err)
	return wei
}

// chainBalances reads balances straight from the mock chain
type chainBalances struct {
	client *mocks.Client
	tokens []models.Token
}

func (c *chainBalances) Scan(_ context.Context, wallet common.Address) (*models.WalletSnapshot, error) {
	snapshot := &models.WalletSnapshot{
		Wallet:     wallet,
		Native:     models.NewAmount(c.client.Balance(wallet), blockchain.NativeDecimals),
		CapturedAt: time.Now(),
	}
	for _, token := range c.tokens {
		snapshot.Tokens = append(snapshot.Tokens, models.TokenBalance{
			Token:   token,
			Balance: models.NewAmount(c.client.TokenBalance(token.Address, wallet), token.Decimals),
		})
	}
	return snapshot, nil
}

func (c *chainBalances) NativeBalance(_ context.Context, wallet common.Address) (*big.Int, error) {
	return c.client.Balance(wallet), nil
}

type fakeFunder struct {
	calls  int
	err    error
	onFund func()
}

func (f *fakeFunder) Fund(_ context.Context, target common.Address, _ string) (models.FundResult, error) {
	f.calls++
	if f.err != nil {
		return models.FundResult{Target: target, Amount: "0", Error: f.err.Error()}, f.err
	}
	if f.onFund != nil {
		f.onFund()
	}
	hash := common.HexToHash("0xf0")
	return models.FundResult{Success: true, Target: target, Hash: &hash, Amount: "0.001", Status: models.TxSuccess}, nil
}

type fixture struct {
	client   *mocks.Client
	store    *store.Memory
	funder   *fakeFunder
	wallet   common.Address
	executor *Executor
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	signer, err := blockchain.NewSigner(walletKey)
	require.NoError(t, err)

	cfg := Config{
		SafeWallet: safeWallet,
		Thresholds: models.Thresholds{
			Emergency:     ether(t, "0.01"),
			Handoff:       ether(t, "0.1"),
			NativeReserve: ether(t, "0.0002"),
			GasMinimum:    ether(t, "0.001"),
		},
		MaxRetries:      3,
		MaxGasErrors:    3,
		MaxDuration:     5 * time.Second,
		ConfirmTimeout:  time.Second,
		FundingCooldown: time.Millisecond,
		TokenGasLimit:   65000,
		ReceiptPoll:     5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client := mocks.NewClient()
	ds := store.NewMemory()
	funder := &fakeFunder{}
	balances := &chainBalances{client: client, tokens: []models.Token{usdt, xpd}}
	return &fixture{
		client:   client,
		store:    ds,
		funder:   funder,
		wallet:   signer.Address,
		executor: NewExecutor(blockchain.StaticSource{C: client}, balances, funder, ds, []*blockchain.Signer{signer}, cfg, nil),
	}
}

func TestRunTransferLoopEmptyWallet(t *testing.T) {
	tests := []struct {
		name   string
		native string
	}{
		{"zero balance", "0"},
		{"native at reserve", "0.0002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.client.SetBalance(f.wallet, ether(t, tt.native))

			for i := 0; i < 2; i++ {
				result := f.executor.RunTransferLoop(context.Background(), f.wallet, models.KindAll)
				assert.True(t, result.Success)
				assert.True(t, result.Completed)
				assert.Equal(t, models.ReasonWalletEmpty, result.Reason)
				assert.Empty(t, result.Transactions)
			}
			assert.Equal(t, 0, f.client.SendAttempts())
		})
	}
}

func TestRunTransferLoopSweepsToken(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.5"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.True(t, result.Completed)
	assert.Equal(t, models.ReasonWalletEmpty, result.Reason)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, models.TxSuccess, result.Transactions[0].Status)
	assert.Equal(t, "5", result.Transactions[0].Amount)
	assert.Empty(t, result.MonitorTasks)
	assert.Equal(t, "5000000", f.client.TokenBalance(usdt.Address, safeWallet).String())

	// the whole native balance is offered as fee, tip equal to cap
	tx := f.client.Sent[0]
	assert.Equal(t, "10000000000000", tx.GasFeeCap().String())
	assert.Equal(t, tx.GasFeeCap(), tx.GasTipCap())
	assert.Equal(t, uint64(50000), tx.Gas())

	rec, ok := f.store.Transaction(tx.Hash())
	require.True(t, ok)
	assert.Equal(t, models.TxSuccess, rec.Status)
}

func TestRunTransferLoopSweepsNative(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.05"))

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, models.KindNative)

	assert.True(t, result.Completed)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, models.KindNative, result.Transactions[0].TokenKind)
	// 0.05 minus 21000 gas at 1 gwei
	assert.Equal(t, "0.049979", result.Transactions[0].Amount)
	assert.Equal(t, ether(t, "0.049979"), f.client.Balance(safeWallet))
}

func TestRunTransferLoopGasEstimateFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.client.EstimateErr = errors.New("execution reverted")
	f.client.SetBalance(f.wallet, ether(t, "0.0065"))
	f.client.SetTokenBalance(xpd.Address, f.wallet, big.NewInt(1_000_000_000))

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, models.KindAll)

	assert.True(t, result.Completed)
	require.Len(t, f.client.Sent, 1)
	assert.Equal(t, uint64(65000), f.client.Sent[0].Gas())
	assert.Equal(t, "100000000000", f.client.Sent[0].GasFeeCap().String())
}

func TestRunTransferLoopMaxGasErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.0001"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))
	f.client.SendErrs = []error{errGas, errGas, errGas, errGas}
	f.funder.err = gasfunder.ErrFundingInsufficient

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.False(t, result.Success)
	assert.False(t, result.Completed)
	assert.Equal(t, models.ReasonMaxGasErrors, result.Reason)
	assert.Equal(t, 3, result.GasErrors)
	assert.Equal(t, 3, f.client.SendAttempts())
	assert.Equal(t, 2, f.funder.calls)
}

func TestRunTransferLoopPendingOnConfirmTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ConfirmTimeout = 30 * time.Millisecond
		cfg.MaxRetries = 0
	})
	f.client.AutoMine = false
	f.client.SetBalance(f.wallet, ether(t, "0.0001"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.Equal(t, models.ReasonMaxRetries, result.Reason)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, models.TxPending, result.Transactions[0].Status)
	require.Len(t, result.MonitorTasks, 1)
	assert.Equal(t, result.Transactions[0].Hash, result.MonitorTasks[0].Hash)
	assert.Equal(t, models.TxPending, result.MonitorTasks[0].Status)

	rec, ok := f.store.Transaction(result.Transactions[0].Hash)
	require.True(t, ok)
	assert.Equal(t, models.TxPending, rec.Status)
}

func TestRunTransferLoopIgnoresGasErrorAboveMinimum(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.5"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))
	f.client.SendErrs = []error{errGas}

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.Retries)
	assert.Equal(t, 0, result.GasErrors)
	assert.Equal(t, 0, f.funder.calls)
	assert.Equal(t, 2, f.client.SendAttempts())
}

func TestRunTransferLoopFundsGasAndRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.0001"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))
	f.client.SendErrs = []error{errGas}
	f.funder.onFund = func() { f.client.SetBalance(f.wallet, ether(t, "0.0011")) }

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.True(t, result.Completed)
	assert.Equal(t, models.ReasonWalletEmpty, result.Reason)
	assert.Equal(t, 1, f.funder.calls)
	assert.Equal(t, "5000000", f.client.TokenBalance(usdt.Address, safeWallet).String())
}

func TestRunTransferLoopGasFundFailed(t *testing.T) {
	tests := []struct {
		name   string
		funder func(f *fixture)
	}{
		{
			name:   "funding transaction fails",
			funder: func(f *fixture) { f.funder.err = errors.New("failed to send funding transaction") },
		},
		{
			name: "funding not visible after cooldown",
			// the fake reports success without moving any balance
			funder: func(f *fixture) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.client.SetBalance(f.wallet, ether(t, "0.0001"))
			f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))
			f.client.SendErrs = []error{errGas}
			tt.funder(f)

			result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

			assert.Equal(t, models.ReasonGasFundFailed, result.Reason)
			assert.Equal(t, 1, f.client.SendAttempts())
		})
	}
}

func TestRunTransferLoopAbortsOnOtherErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(f.wallet, ether(t, "0.5"))
	f.client.SetTokenBalance(usdt.Address, f.wallet, big.NewInt(5_000_000))
	f.client.SendErrs = []error{errors.New("execution reverted: paused")}

	result := f.executor.RunTransferLoop(context.Background(), f.wallet, usdt.Kind())

	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "execution reverted: paused")
	assert.Equal(t, 1, f.client.SendAttempts())

	errs, err := f.store.ListRecentErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, blockchain.ErrorTypeContract, errs[0].ErrorType)
}

func TestRunTransferLoopUnknownWallet(t *testing.T) {
	f := newFixture(t, nil)
	result := f.executor.RunTransferLoop(context.Background(), safeWallet, models.KindAll)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "no signing key")
}

func TestRunTransferLoopCanceled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.executor.RunTransferLoop(ctx, f.wallet, models.KindAll)
	assert.False(t, result.Success)
	assert.Equal(t, context.Canceled.Error(), result.Reason)
	assert.Equal(t, 0, f.client.SendAttempts())
}

func TestOrderTokens(t *testing.T) {
	balances := []models.TokenBalance{{Token: usdt}, {Token: xpd}}

	ordered := orderTokens(balances, xpd.Kind())
	assert.Equal(t, "XPD", ordered[0].Token.Symbol)
	assert.Equal(t, "USDT", ordered[1].Token.Symbol)

	ordered = orderTokens(balances, models.KindAll)
	assert.Equal(t, "USDT", ordered[0].Token.Symbol)
	assert.Equal(t, "XPD", ordered[1].Token.Symbol)
}
