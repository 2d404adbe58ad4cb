package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settlement "github.com/utilpay/settlement"
)

// fakeBackend implements Backend for tests
type fakeBackend struct {
	mu sync.Mutex

	chainID      *big.Int
	nonce        uint64
	estimates    []uint64
	estimateErrs []error
	estimateN    int
	tip          *big.Int
	baseFee      *big.Int
	sendErr      error
	notFound     int
	receiptCalls int
	allowance    *big.Int
	allowanceOf  []common.Address

	sent []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID: big.NewInt(8453),
		tip:     big.NewInt(1e9),
		baseFee: big.NewInt(10e9),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }

// CallContract answers allowance reads with the configured allowance
func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// allowance(owner, spender): selector then two padded addresses
	if len(msg.Data) >= 36 {
		b.allowanceOf = append(b.allowanceOf, common.BytesToAddress(msg.Data[4:36]))
	}
	value := b.allowance
	if value == nil {
		value = big.NewInt(0)
	}
	return common.LeftPadBytes(value.Bytes(), 32), nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.estimateN
	b.estimateN++
	if i < len(b.estimateErrs) && b.estimateErrs[i] != nil {
		return 0, b.estimateErrs[i]
	}
	if i < len(b.estimates) {
		return b.estimates[i], nil
	}
	return 21000, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return b.tip, nil }

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	if b.receiptCalls <= b.notFound {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func newTestEthClient(t *testing.T, backend *fakeBackend) *EthClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c, err := NewEthClient(context.Background(), backend, "0x"+hex.EncodeToString(crypto.FromECDSA(key)),
		WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), c.Address())
	return c
}

func paymentCalls(t *testing.T) []settlement.ContractCall {
	t.Helper()
	g, err := NewGateway(&fakeClient{}, testSettlement, testToken, nil)
	require.NoError(t, err)
	calls, err := g.BuildPaymentCalls("REF0000001", big.NewInt(1_000_000), settlement.GoodAirtime, testWallet)
	require.NoError(t, err)
	return calls
}

func refundCalls(t *testing.T) []settlement.ContractCall {
	t.Helper()
	g, err := NewGateway(&fakeClient{}, testSettlement, testToken, nil)
	require.NoError(t, err)
	calls, err := g.BuildRefundCalls("REF0000001", big.NewInt(1_000_000), testWallet)
	require.NoError(t, err)
	return calls
}

func TestNewEthClient_InvalidKey(t *testing.T) {
	_, err := NewEthClient(context.Background(), newFakeBackend(), "not-hex")
	assert.Error(t, err)
}

func TestEthClient_EstimateFee(t *testing.T) {
	t.Run("buffers estimates and falls back for dependent calls", func(t *testing.T) {
		backend := newFakeBackend()
		backend.estimates = []uint64{50000}
		backend.estimateErrs = []error{nil, errors.New("execution reverted: insufficient allowance")}
		c := newTestEthClient(t, backend)

		fee, err := c.EstimateFee(context.Background(), refundCalls(t))
		require.NoError(t, err)

		assert.Equal(t, []uint64{60000, DefaultFallbackGasLimit}, fee.GasLimits)
		assert.Equal(t, big.NewInt(1e9), fee.MaxPriorityFeePerGas)
		assert.Equal(t, big.NewInt(21e9), fee.MaxFeePerGas)
	})

	t.Run("first call failure aborts", func(t *testing.T) {
		backend := newFakeBackend()
		backend.estimateErrs = []error{errors.New("execution reverted")}
		c := newTestEthClient(t, backend)

		_, err := c.EstimateFee(context.Background(), refundCalls(t))
		assert.Error(t, err)
	})

	t.Run("payer approval is read from chain", func(t *testing.T) {
		backend := newFakeBackend()
		backend.allowance = big.NewInt(1_000_000)
		backend.estimates = []uint64{50000}
		c := newTestEthClient(t, backend)

		fee, err := c.EstimateFee(context.Background(), paymentCalls(t))
		require.NoError(t, err)

		assert.Equal(t, []uint64{0, 60000}, fee.GasLimits)
		assert.Equal(t, 1, backend.estimateN, "only the payment is estimated")
		assert.Equal(t, []common.Address{common.HexToAddress(testWallet)}, backend.allowanceOf)
	})

	t.Run("insufficient payer allowance aborts", func(t *testing.T) {
		backend := newFakeBackend()
		backend.allowance = big.NewInt(999_999)
		c := newTestEthClient(t, backend)

		_, err := c.EstimateFee(context.Background(), paymentCalls(t))
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
		assert.Zero(t, backend.estimateN)
	})

	t.Run("no calls", func(t *testing.T) {
		c := newTestEthClient(t, newFakeBackend())
		_, err := c.EstimateFee(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestEthClient_Execute(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 7
	c := newTestEthClient(t, backend)

	calls := refundCalls(t)
	fee, err := c.EstimateFee(context.Background(), calls)
	require.NoError(t, err)

	hash, err := c.Execute(context.Background(), calls, fee)
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	signer := types.LatestSignerForChainID(backend.chainID)
	for i, tx := range backend.sent {
		assert.Equal(t, uint64(7+i), tx.Nonce())
		assert.Equal(t, fee.GasLimits[i], tx.Gas())
		assert.Equal(t, fee.MaxFeePerGas, tx.GasFeeCap())

		sender, err := types.Sender(signer, tx)
		require.NoError(t, err)
		assert.Equal(t, c.Address(), sender.Hex())
	}
	assert.Equal(t, common.HexToAddress(testToken), *backend.sent[0].To())
	assert.Equal(t, common.HexToAddress(testSettlement), *backend.sent[1].To())
	assert.Equal(t, backend.sent[1].Hash().Hex(), hash)
}

func TestEthClient_Execute_PaymentSkipsPayerApproval(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 3
	backend.allowance = big.NewInt(1_000_000)
	c := newTestEthClient(t, backend)

	calls := paymentCalls(t)
	fee, err := c.EstimateFee(context.Background(), calls)
	require.NoError(t, err)

	hash, err := c.Execute(context.Background(), calls, fee)
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, common.HexToAddress(testSettlement), *tx.To())
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, common.LeftPadBytes(common.HexToAddress(testWallet).Bytes(), 32), tx.Data()[len(tx.Data())-32:],
		"payer is the last payment argument")
}

func TestEthClient_Execute_ConcurrentNoncesDoNotInterleave(t *testing.T) {
	backend := newFakeBackend()
	c := newTestEthClient(t, backend)
	calls := refundCalls(t)
	fee := &FeeBounds{GasLimits: []uint64{60000, 60000}, MaxFeePerGas: big.NewInt(2), MaxPriorityFeePerGas: big.NewInt(1)}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Execute(context.Background(), calls, fee)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, backend.sent, 10)
	for i, tx := range backend.sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestEthClient_Execute_MismatchedFee(t *testing.T) {
	c := newTestEthClient(t, newFakeBackend())
	_, err := c.Execute(context.Background(), paymentCalls(t), &FeeBounds{GasLimits: []uint64{1}})
	assert.Error(t, err)
}

func TestEthClient_WaitForTransaction(t *testing.T) {
	t.Run("retries until mined", func(t *testing.T) {
		backend := newFakeBackend()
		backend.notFound = 2
		c := newTestEthClient(t, backend)

		receipt, err := c.WaitForTransaction(context.Background(), "0x01")
		require.NoError(t, err)
		assert.True(t, receipt.IsSuccess())
		assert.Equal(t, uint64(42), receipt.BlockNumber)
		assert.Equal(t, 3, backend.receiptCalls)
	})

	t.Run("context bounds the wait", func(t *testing.T) {
		backend := newFakeBackend()
		backend.notFound = 1 << 30
		c := newTestEthClient(t, backend)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := c.WaitForTransaction(ctx, "0x01")
		assert.Error(t, err)
	})
}
