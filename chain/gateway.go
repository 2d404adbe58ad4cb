package chain

import (
	"context"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/amount"
	"github.com/utilpay/settlement/refcode"
)

// Gateway implements settlement.Gateway for one network. Every invocation
// is an approval of the payment token followed by the settlement entrypoint,
// both built from the same amount limbs.
type Gateway struct {
	client             Client
	settlementContract string
	paymentToken       string
	log                logrus.FieldLogger
}

// NewGateway creates a gateway for a settlement contract and its payment token
func NewGateway(client Client, settlementContract, paymentToken string, log logrus.FieldLogger) (*Gateway, error) {
	if !common.IsHexAddress(settlementContract) {
		return nil, fmt.Errorf("invalid settlement contract address %q", settlementContract)
	}
	if !common.IsHexAddress(paymentToken) {
		return nil, fmt.Errorf("invalid payment token address %q", paymentToken)
	}
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Gateway{
		client:             client,
		settlementContract: settlementContract,
		paymentToken:       paymentToken,
		log:                log,
	}, nil
}

// BuildPaymentCalls returns the payer's approve(settlement, amount) and
// payment(refcode, low, high, goodType, payer). The approval is granted
// from the payer's wallet; the client verifies it instead of sending it.
func (g *Gateway) BuildPaymentCalls(referenceCode string, value *big.Int, goodType settlement.GoodType, payer string) ([]settlement.ContractCall, error) {
	if !common.IsHexAddress(payer) {
		return nil, fmt.Errorf("invalid payer address %q", payer)
	}
	tag, err := refcode.ToBytes32(string(goodType))
	if err != nil {
		return nil, fmt.Errorf("encode good type: %w", err)
	}
	payerAddr := common.HexToAddress(payer)
	calls, err := g.buildCalls(referenceCode, value, func(ref [32]byte, low, high *big.Int) settlement.ContractCall {
		return settlement.ContractCall{
			Contract: g.settlementContract,
			ABI:      SettlementABI,
			Method:   FunctionPayment,
			Args:     []interface{}{ref, low, high, tag, payerAddr},
		}
	})
	if err != nil {
		return nil, err
	}
	calls[0].Owner = payerAddr.Hex()
	return calls, nil
}

// BuildRefundCalls returns approve(settlement, amount) from the service
// account and refund(refcode, low, high, recipient)
func (g *Gateway) BuildRefundCalls(referenceCode string, value *big.Int, recipient string) ([]settlement.ContractCall, error) {
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid refund recipient %q", recipient)
	}
	recipientAddr := common.HexToAddress(recipient)
	return g.buildCalls(referenceCode, value, func(ref [32]byte, low, high *big.Int) settlement.ContractCall {
		return settlement.ContractCall{
			Contract: g.settlementContract,
			ABI:      SettlementABI,
			Method:   FunctionRefund,
			Args:     []interface{}{ref, low, high, recipientAddr},
		}
	})
}

func (g *Gateway) buildCalls(referenceCode string, value *big.Int, entrypoint func(ref [32]byte, low, high *big.Int) settlement.ContractCall) ([]settlement.ContractCall, error) {
	ref, err := refcode.ToBytes32(referenceCode)
	if err != nil {
		return nil, fmt.Errorf("encode reference code: %w", err)
	}

	low, high, err := amount.Split(value)
	if err != nil {
		return nil, err
	}
	// The allowance is rebuilt from the limbs so it matches the entrypoint exactly
	allowance, err := amount.Join(low, high)
	if err != nil {
		return nil, err
	}

	approve := settlement.ContractCall{
		Contract: g.paymentToken,
		ABI:      ERC20ABI,
		Method:   FunctionApprove,
		Args:     []interface{}{common.HexToAddress(g.settlementContract), allowance},
	}
	return []settlement.ContractCall{approve, entrypoint(ref, low, high)}, nil
}

// Submit estimates fees first; an estimation failure aborts with nothing sent
func (g *Gateway) Submit(ctx context.Context, calls []settlement.ContractCall) (string, error) {
	fee, err := g.client.EstimateFee(ctx, calls)
	if err != nil {
		return "", fmt.Errorf("%w: %w", settlement.ErrFeeEstimation, err)
	}

	txHash, err := g.client.Execute(ctx, calls, fee)
	if err != nil {
		return "", fmt.Errorf("execute calls: %w", err)
	}

	g.log.WithFields(logrus.Fields{
		"tx_hash": txHash,
		"calls":   len(calls),
	}).Info("calls submitted")
	return txHash, nil
}

// Confirm waits for the receipt with no timeout of its own
func (g *Gateway) Confirm(ctx context.Context, txHash string) (bool, error) {
	receipt, err := g.client.WaitForTransaction(ctx, txHash)
	if err != nil {
		return false, fmt.Errorf("wait for %s: %w", txHash, err)
	}
	return receipt.IsSuccess(), nil
}
