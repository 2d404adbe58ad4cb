// Package chain submits settlement calls to an EVM chain: the approve and
// payment/refund pair for purchases and the approve and swap pair for
// post-settlement swaps.
package chain

import (
	"context"
	"math/big"

	settlement "github.com/utilpay/settlement"
)

// Client is the chain client consumed by the gateway
type Client interface {
	// Address returns the signing account
	Address() string

	// EstimateFee estimates gas for every call and the current fee caps
	EstimateFee(ctx context.Context, calls []settlement.ContractCall) (*FeeBounds, error)

	// Execute signs and sends calls in order and returns the hash of the last one
	Execute(ctx context.Context, calls []settlement.ContractCall, fee *FeeBounds) (string, error)

	// WaitForTransaction blocks until the transaction is mined or ctx ends
	WaitForTransaction(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// FeeBounds carries a gas limit per call and the EIP-1559 fee caps
type FeeBounds struct {
	GasLimits            []uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// TransactionReceipt represents a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// IsSuccess reports whether the transaction executed without reverting
func (r *TransactionReceipt) IsSuccess() bool {
	return r != nil && r.Status == TxStatusSuccess
}
