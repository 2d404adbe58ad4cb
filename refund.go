package settlement

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utilpay/settlement/refcode"
)

// RefundOrchestrator submits compensating refunds for failed purchases.
// The ledger claim makes the precondition check and the refund exclusive
// per reference code, so concurrent callers execute at most one refund.
type RefundOrchestrator struct {
	mu sync.RWMutex

	ledger  Ledger
	mainnet Gateway
	testnet Gateway
	alerter Alerter
	log     logrus.FieldLogger

	afterRefundHooks []AfterRefundHook
}

// NewRefundOrchestrator creates a refund orchestrator. testnet may be nil.
func NewRefundOrchestrator(ledger Ledger, mainnet, testnet Gateway, alerter Alerter, log logrus.FieldLogger) *RefundOrchestrator {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &RefundOrchestrator{
		ledger:  ledger,
		mainnet: mainnet,
		testnet: testnet,
		alerter: alerter,
		log:     log,
	}
}

// OnAfterRefund registers a hook called after every refund attempt
func (r *RefundOrchestrator) OnAfterRefund(hook AfterRefundHook) *RefundOrchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterRefundHooks = append(r.afterRefundHooks, hook)
	return r
}

// Refund refunds the charged chain amount of a failed transaction.
// Precondition failures return a client *SettlementError without any chain
// interaction. A failed refund call alerts the operator and returns an
// error with code refund_failed.
func (r *RefundOrchestrator) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	start := time.Now()
	result, err := r.refund(ctx, req)

	r.mu.RLock()
	hooks := r.afterRefundHooks
	r.mu.RUnlock()

	resultCtx := RefundResultContext{Ctx: ctx, Request: req, Result: result, Error: err, Duration: time.Since(start)}
	for _, hook := range hooks {
		hook(resultCtx)
	}
	return result, err
}

func (r *RefundOrchestrator) refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ref := req.ReferenceCode
	log := r.log.WithFields(logrus.Fields{"reference_code": ref, "mainnet": req.IsMainnet})

	if err := refcode.Validate(ref); err != nil {
		return nil, NewSettlementError(ErrCodeValidationFailed, "Invalid reference code", err, nil)
	}

	gateway := r.testnet
	if req.IsMainnet {
		gateway = r.mainnet
	}
	if gateway == nil {
		return nil, NewSettlementError(ErrCodeUnsupportedNetwork, "Refunds are not available on this network", ErrUnsupportedNetwork, nil)
	}

	txn, err := r.ledger.ClaimRefund(ctx, ref)
	if err != nil {
		if perr := refundPreconditionError(err); perr != nil {
			log.WithField("code", perr.Code).Info("refund precondition failed")
			return &RefundResult{Status: false, Message: perr.Message}, perr
		}
		return nil, fmt.Errorf("claim refund: %w", err)
	}

	// Claimed. From here the refund runs to completion regardless of the caller.
	ctx = detach(ctx)

	if req.ChainAmount != nil && req.ChainAmount.Cmp(txn.ChainAmount) != 0 {
		r.release(ctx, log, ref)
		log.WithFields(logrus.Fields{
			"requested": req.ChainAmount.String(),
			"charged":   txn.ChainAmount.String(),
		}).Warn("refund amount does not match charged amount")
		return &RefundResult{Status: false, Message: "Refund amount does not match the charged amount"},
			NewSettlementError(ErrCodeNotEligible, "Refund amount does not match the charged amount", ErrNotEligible,
				map[string]interface{}{"charged": txn.ChainAmount.String()})
	}

	calls, err := gateway.BuildRefundCalls(ref, txn.ChainAmount, txn.WalletAddress)
	if err != nil {
		r.release(ctx, log, ref)
		return r.fail(ctx, txn, "", err)
	}

	txHash, err := gateway.Submit(ctx, calls)
	if err != nil {
		r.release(ctx, log, ref)
		return r.fail(ctx, txn, "", err)
	}

	log = log.WithField("tx_hash", txHash)
	ok, err := gateway.Confirm(ctx, txHash)
	if err != nil {
		// Outcome unknown: keep the claim so nobody refunds twice
		return r.fail(ctx, txn, txHash, err)
	}
	if !ok {
		r.release(ctx, log, ref)
		return r.fail(ctx, txn, txHash, ErrChainRejected)
	}

	if err := r.ledger.MarkRefunded(ctx, ref); err != nil {
		log.WithError(err).Error("refund executed but not recorded")
		r.alert(ctx, Alert{
			Severity:      "critical",
			ReferenceCode: ref,
			Message:       "refund executed on chain but ledger update failed",
			Details:       map[string]interface{}{"tx_hash": txHash, "error": err.Error()},
		})
	}

	log.Info("refund processed")
	return &RefundResult{Status: true, Message: "Refund processed", ChainTxHash: txHash}, nil
}

func (r *RefundOrchestrator) release(ctx context.Context, log logrus.FieldLogger, ref string) {
	if err := r.ledger.ReleaseRefund(ctx, ref); err != nil {
		log.WithError(err).Error("failed to release refund claim")
	}
}

func (r *RefundOrchestrator) fail(ctx context.Context, txn *Transaction, txHash string, cause error) (*RefundResult, error) {
	details := map[string]interface{}{
		"wallet_address": txn.WalletAddress,
		"chain_amount":   txn.ChainAmount.String(),
		"payment_tx":     txn.ChainTxHash,
		"error":          cause.Error(),
	}
	if txHash != "" {
		details["refund_tx"] = txHash
	}

	r.log.WithFields(logrus.Fields(details)).WithField("reference_code", txn.ReferenceCode).Error("refund failed")
	r.alert(ctx, Alert{
		Severity:      "critical",
		ReferenceCode: txn.ReferenceCode,
		Message:       "refund failed, user has paid and received nothing",
		Details:       details,
	})

	return &RefundResult{Status: false, Message: msgRefundFailed, ChainTxHash: txHash},
		NewSettlementError(ErrCodeRefundFailed, msgRefundFailed, fmt.Errorf("%w: %v", ErrRefundFailed, cause), details)
}

func (r *RefundOrchestrator) alert(ctx context.Context, alert Alert) {
	if r.alerter == nil {
		return
	}
	alert.Timestamp = time.Now()
	if err := r.alerter.Alert(ctx, alert); err != nil {
		r.log.WithError(err).WithField("reference_code", alert.ReferenceCode).Error("failed to send operator alert")
	}
}
