package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
)

// ErrInsufficientAllowance means an owner has not approved enough for a call
var ErrInsufficientAllowance = errors.New("insufficient allowance")

// Backend is the subset of *ethclient.Client used to sign and send calls
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthClientOption configures an EthClient
type EthClientOption func(*EthClient)

// WithFallbackGasLimit sets the gas limit used for dependent calls
func WithFallbackGasLimit(gas uint64) EthClientOption {
	return func(c *EthClient) {
		c.fallbackGas = gas
	}
}

// WithPollInterval sets the initial receipt polling interval
func WithPollInterval(d time.Duration) EthClientOption {
	return func(c *EthClient) {
		c.pollInterval = d
	}
}

// WithClientLogger sets the logger
func WithClientLogger(log logrus.FieldLogger) EthClientOption {
	return func(c *EthClient) {
		c.log = log
	}
}

// EthClient signs calls with a single service account and sends them as
// EIP-1559 transactions. Calls owned by another account, such as a user's
// token approval, are verified on chain and never signed. Execute holds a
// lock for the whole batch so concurrent flows never interleave nonces.
type EthClient struct {
	mu sync.Mutex

	backend      Backend
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	fallbackGas  uint64
	gasBuffer    uint64
	pollInterval time.Duration
	log          logrus.FieldLogger

	abis sync.Map // string(abi json) -> abi.ABI
}

// DialEthClient connects to rpcURL and returns a client signing with privateKeyHex
func DialEthClient(ctx context.Context, rpcURL, privateKeyHex string, opts ...EthClientOption) (*EthClient, error) {
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewEthClient(ctx, backend, privateKeyHex, opts...)
}

// NewEthClient creates a client over an existing backend
func NewEthClient(ctx context.Context, backend Backend, privateKeyHex string, opts ...EthClientOption) (*EthClient, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &EthClient{
		backend:      backend,
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      chainID,
		fallbackGas:  DefaultFallbackGasLimit,
		gasBuffer:    DefaultGasBufferPercent,
		pollInterval: time.Second,
		log:          discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the signing account
func (c *EthClient) Address() string {
	return c.address.Hex()
}

// EstimateFee estimates each call the service sends. The first sent call
// must estimate cleanly; later calls fall back to a fixed limit when their
// estimate reverts because they depend on state written earlier in the
// batch. Calls owned by another account are checked, not estimated.
func (c *EthClient) EstimateFee(ctx context.Context, calls []settlement.ContractCall) (*FeeBounds, error) {
	if len(calls) == 0 {
		return nil, errors.New("no calls to estimate")
	}

	fee := &FeeBounds{GasLimits: make([]uint64, len(calls))}
	sent := 0
	for i, call := range calls {
		if c.ownedByOther(call) {
			if err := c.checkAllowance(ctx, call); err != nil {
				return nil, err
			}
			continue
		}

		to, data, err := c.pack(call)
		if err != nil {
			return nil, err
		}

		gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data})
		switch {
		case err != nil && sent == 0:
			return nil, fmt.Errorf("estimate %s: %w", call.Method, err)
		case err != nil:
			c.log.WithError(err).WithField("method", call.Method).Debug("dependent call estimate reverted, using fallback gas")
			fee.GasLimits[i] = c.fallbackGas
		default:
			fee.GasLimits[i] = gas * (100 + c.gasBuffer) / 100
		}
		sent++
	}
	if sent == 0 {
		return nil, errors.New("no calls for the service account to send")
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	maxFee := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		maxFee.Add(maxFee, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	fee.MaxPriorityFeePerGas = tip
	fee.MaxFeePerGas = maxFee
	return fee, nil
}

// Execute signs and sends calls with sequential nonces
func (c *EthClient) Execute(ctx context.Context, calls []settlement.ContractCall, fee *FeeBounds) (string, error) {
	if fee == nil || len(fee.GasLimits) != len(calls) {
		return "", errors.New("fee bounds do not match calls")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	signer := types.LatestSignerForChainID(c.chainID)
	var lastHash string
	for i, call := range calls {
		if c.ownedByOther(call) {
			continue
		}
		to, data, err := c.pack(call)
		if err != nil {
			return "", err
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: fee.MaxPriorityFeePerGas,
			GasFeeCap: fee.MaxFeePerGas,
			Gas:       fee.GasLimits[i],
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		})

		signedTx, err := types.SignTx(tx, signer, c.privateKey)
		if err != nil {
			return "", fmt.Errorf("failed to sign transaction: %w", err)
		}
		if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
			return "", fmt.Errorf("failed to send %s: %w", call.Method, err)
		}

		lastHash = signedTx.Hash().Hex()
		c.log.WithFields(logrus.Fields{
			"method":  call.Method,
			"nonce":   nonce,
			"tx_hash": lastHash,
		}).Debug("transaction sent")
		nonce++
	}
	if lastHash == "" {
		return "", errors.New("no calls for the service account to send")
	}
	return lastHash, nil
}

func (c *EthClient) ownedByOther(call settlement.ContractCall) bool {
	return call.Owner != "" && !strings.EqualFold(call.Owner, c.address.Hex())
}

// checkAllowance verifies an approval the owner granted from its own wallet
func (c *EthClient) checkAllowance(ctx context.Context, call settlement.ContractCall) error {
	if call.Method != FunctionApprove || len(call.Args) != 2 {
		return fmt.Errorf("cannot send %s for %s", call.Method, call.Owner)
	}
	spender, ok := call.Args[0].(common.Address)
	if !ok {
		return fmt.Errorf("approve spender has type %T", call.Args[0])
	}
	want, ok := call.Args[1].(*big.Int)
	if !ok {
		return fmt.Errorf("approve amount has type %T", call.Args[1])
	}
	if !common.IsHexAddress(call.Contract) {
		return fmt.Errorf("invalid contract address %q", call.Contract)
	}

	parsed, err := c.parseABI(call.ABI)
	if err != nil {
		return err
	}
	owner := common.HexToAddress(call.Owner)
	data, err := parsed.Pack(FunctionAllowance, owner, spender)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", FunctionAllowance, err)
	}

	token := common.HexToAddress(call.Contract)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.address, To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	values, err := parsed.Unpack(FunctionAllowance, out)
	if err != nil {
		return fmt.Errorf("decode allowance: %w", err)
	}
	have, ok := values[0].(*big.Int)
	if !ok {
		return fmt.Errorf("allowance has type %T", values[0])
	}
	if have.Cmp(want) < 0 {
		return fmt.Errorf("%w: %s approved %s of %s", ErrInsufficientAllowance, owner.Hex(), have, want)
	}
	return nil
}

// WaitForTransaction polls for the receipt with exponential backoff and no
// elapsed-time limit; ctx bounds the wait
func (c *EthClient) WaitForTransaction(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	hash := common.HexToHash(txHash)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.pollInterval
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				c.log.WithError(err).WithField("tx_hash", txHash).Debug("receipt lookup failed")
			}
			return err
		}
		receipt = r
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}

	out := &TransactionReceipt{
		Status: receipt.Status,
		TxHash: receipt.TxHash.Hex(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (c *EthClient) pack(call settlement.ContractCall) (common.Address, []byte, error) {
	if !common.IsHexAddress(call.Contract) {
		return common.Address{}, nil, fmt.Errorf("invalid contract address %q", call.Contract)
	}

	parsed, err := c.parseABI(call.ABI)
	if err != nil {
		return common.Address{}, nil, err
	}

	data, err := parsed.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to pack %s: %w", call.Method, err)
	}
	return common.HexToAddress(call.Contract), data, nil
}

func (c *EthClient) parseABI(raw []byte) (*abi.ABI, error) {
	key := string(raw)
	if cached, ok := c.abis.Load(key); ok {
		return cached.(*abi.ABI), nil
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	c.abis.Store(key, &parsed)
	return &parsed, nil
}
