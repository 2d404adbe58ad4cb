package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	settlement "github.com/utilpay/settlement"
)

// SwapResult is stored as the result of a completed swap job
type SwapResult struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	FromToken   string `json:"fromToken"`
	ToToken     string `json:"toToken"`
	Amount      string `json:"amount"`
}

// SwapExecutor swaps settled proceeds through a router contract. Assets are
// resolved to token addresses by symbol.
type SwapExecutor struct {
	client    Client
	router    string
	tokens    map[string]string
	recipient string
}

// NewSwapExecutor creates an executor. Proceeds are sent to recipient, or
// to the signing account when recipient is empty.
func NewSwapExecutor(client Client, router string, tokens map[string]string, recipient string) (*SwapExecutor, error) {
	if !common.IsHexAddress(router) {
		return nil, fmt.Errorf("invalid swap router address %q", router)
	}
	normalized := make(map[string]string, len(tokens))
	for symbol, addr := range tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid token address %q for %s", addr, symbol)
		}
		normalized[strings.ToUpper(symbol)] = addr
	}
	if recipient == "" {
		recipient = client.Address()
	}
	return &SwapExecutor{client: client, router: router, tokens: normalized, recipient: recipient}, nil
}

// ExecuteSwap approves the router and swaps amount of from into to, waiting
// for the swap to be mined
func (s *SwapExecutor) ExecuteSwap(ctx context.Context, from, to string, amount *big.Int) (json.RawMessage, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid swap amount")
	}
	fromToken, ok := s.tokens[strings.ToUpper(from)]
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", from)
	}
	toToken, ok := s.tokens[strings.ToUpper(to)]
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", to)
	}

	calls := []settlement.ContractCall{
		{
			Contract: fromToken,
			ABI:      ERC20ABI,
			Method:   FunctionApprove,
			Args:     []interface{}{common.HexToAddress(s.router), amount},
		},
		{
			Contract: s.router,
			ABI:      SwapRouterABI,
			Method:   FunctionSwap,
			Args: []interface{}{
				common.HexToAddress(fromToken),
				common.HexToAddress(toToken),
				amount,
				common.HexToAddress(s.recipient),
			},
		},
	}

	fee, err := s.client.EstimateFee(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("estimate swap: %w", err)
	}
	txHash, err := s.client.Execute(ctx, calls, fee)
	if err != nil {
		return nil, fmt.Errorf("execute swap: %w", err)
	}

	receipt, err := s.client.WaitForTransaction(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("wait for swap %s: %w", txHash, err)
	}
	if !receipt.IsSuccess() {
		return nil, fmt.Errorf("swap transaction %s reverted", txHash)
	}

	return json.Marshal(SwapResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
		FromToken:   fromToken,
		ToToken:     toToken,
		Amount:      amount.String(),
	})
}
