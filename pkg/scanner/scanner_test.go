package scanner

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/blockchain/mocks"
	"github.com/speedrun-hq/sentinel/pkg/chainclient"
	"github.com/speedrun-hq/sentinel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wkey   = models.Token{Symbol: "WKEYDAO", Address: common.HexToAddress("0x0000000000000000000000000000000000001001"), Decimals: 18}
	usdt   = models.Token{Symbol: "USDT", Address: common.HexToAddress("0x0000000000000000000000000000000000001002"), Decimals: 6}
)

// slowClient blocks balance reads until the context ends
type slowClient struct {
	*mocks.Client
}

func (s slowClient) BalanceAt(ctx context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newPool(t *testing.T, clients map[string]blockchain.Client, urls ...string) *chainclient.Pool {
	t.Helper()
	pool, err := chainclient.NewPool(chainclient.PoolConfig{
		URLs: urls,
		Dial: func(_ context.Context, url string) (blockchain.Client, error) {
			return clients[url], nil
		},
	})
	require.NoError(t, err)
	return pool
}

func fundedClient() *mocks.Client {
	c := mocks.NewClient()
	c.SetBalance(wallet, big.NewInt(20_000_000_000_000_000)) // 0.02
	c.SetTokenBalance(wkey.Address, wallet, big.NewInt(5_000_000_000_000_000_000))
	return c
}

func TestScan(t *testing.T) {
	client := fundedClient()
	pool := newPool(t, map[string]blockchain.Client{"a": client}, "a")
	s := New(pool, []models.Token{wkey, usdt}, time.Second, nil)

	snapshot, err := s.Scan(context.Background(), wallet)
	require.NoError(t, err)

	assert.Equal(t, wallet, snapshot.Wallet)
	assert.Equal(t, "0.02", snapshot.Native.Formatted)
	assert.Equal(t, "a", snapshot.Endpoint)
	require.Len(t, snapshot.Tokens, 2)
	assert.Equal(t, "WKEYDAO", snapshot.Tokens[0].Token.Symbol)
	assert.Equal(t, "5", snapshot.Tokens[0].Balance.Formatted)
	assert.True(t, snapshot.Tokens[1].Balance.IsZero())
	assert.False(t, snapshot.CapturedAt.IsZero())
}

func TestScanFailsOverToNextEndpoint(t *testing.T) {
	broken := fundedClient()
	broken.FailBalance = 100
	healthy := fundedClient()
	pool := newPool(t, map[string]blockchain.Client{"a": broken, "b": healthy}, "a", "b")
	s := New(pool, []models.Token{wkey}, time.Second, nil)

	snapshot, err := s.Scan(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, "b", snapshot.Endpoint)
	assert.Equal(t, "0.02", snapshot.Native.Formatted)
	assert.Equal(t, "b", pool.Current(), "failed endpoint rotated to the back")
}

func TestScanNativeFailureIsFatal(t *testing.T) {
	a := fundedClient()
	a.FailBalance = 100
	b := fundedClient()
	b.FailBalance = 100
	pool := newPool(t, map[string]blockchain.Client{"a": a, "b": b}, "a", "b")
	s := New(pool, []models.Token{wkey}, time.Second, nil)

	_, err := s.Scan(context.Background(), wallet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mocks.ErrMock))
	assert.False(t, errors.Is(err, ErrScanTimeout))
}

func TestScanTokenFailureReadsAsZero(t *testing.T) {
	a := fundedClient()
	a.FailToken = 100
	b := fundedClient()
	b.FailToken = 100
	pool := newPool(t, map[string]blockchain.Client{"a": a, "b": b}, "a", "b")
	s := New(pool, []models.Token{wkey}, time.Second, nil)

	snapshot, err := s.Scan(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, snapshot.Tokens[0].Balance.IsZero())
	assert.Equal(t, "0.02", snapshot.Native.Formatted)
}

func TestScanTimeout(t *testing.T) {
	pool := newPool(t, map[string]blockchain.Client{"a": slowClient{mocks.NewClient()}}, "a")
	s := New(pool, []models.Token{wkey}, 20*time.Millisecond, nil)

	_, err := s.Scan(context.Background(), wallet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScanTimeout))
}

func TestNativeBalance(t *testing.T) {
	pool := newPool(t, map[string]blockchain.Client{"a": fundedClient()}, "a")
	s := New(pool, nil, time.Second, nil)

	balance, err := s.NativeBalance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, "20000000000000000", balance.String())
}
