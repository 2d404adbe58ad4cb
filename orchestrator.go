package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/utilpay/settlement/amount"
	"github.com/utilpay/settlement/refcode"
)

const (
	msgPurchaseSuccessful = "Purchase successful"
	msgTransactionFailed  = "Transaction failed"
	msgRefundFailed       = "Refund failed. Our team will be notified"
	msgRefundProcessed    = "Your refund has been processed"
)

// OrchestratorConfig holds the required collaborators and rules
type OrchestratorConfig struct {
	ProductionNetwork Network
	MinFiatAmount     decimal.Decimal
	FeeBps            int64
	SwapFromAsset     string
	SwapToAsset       string

	Ledger  Ledger
	Quotes  QuoteProvider
	Refunds *RefundOrchestrator
}

// Option configures optional Orchestrator collaborators
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithReplayStore replaces the default in-process replay cache
func WithReplayStore(store ReplayStore) Option {
	return func(o *Orchestrator) {
		o.replay = store
	}
}

// WithSwapQueue enables swap jobs after successful purchases
func WithSwapQueue(queue SwapQueue) Option {
	return func(o *Orchestrator) {
		o.swaps = queue
	}
}

// WithAlerter sets the operator alerter
func WithAlerter(alerter Alerter) Option {
	return func(o *Orchestrator) {
		o.alerter = alerter
	}
}

// WithRefCodeGenerator replaces the reference code generator
func WithRefCodeGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		o.newRefCode = gen
	}
}

// WithClock replaces time.Now for record timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator drives a purchase from chain payment through fulfillment to
// settlement or refund. It is good-type agnostic: gateways are registered
// per network and fulfillment adapters per good type.
type Orchestrator struct {
	mu sync.RWMutex

	gateways map[Network]Gateway
	adapters map[GoodType]FulfillmentAdapter

	ledger     Ledger
	quotes     QuoteProvider
	refunds    *RefundOrchestrator
	swaps      SwapQueue
	replay     ReplayStore
	alerter    Alerter
	log        logrus.FieldLogger
	rules      ValidationRules
	feeBps     int64
	swapFrom   string
	swapTo     string
	newRefCode func() string
	now        func() time.Time

	// Lifecycle hooks
	beforePurchaseHooks    []BeforePurchaseHook
	afterPurchaseHooks     []AfterPurchaseHook
	onPurchaseFailureHooks []OnPurchaseFailureHook
	stateChangeHooks       []StateChangeHook
}

// NewOrchestrator creates an orchestrator with no gateways or adapters
func NewOrchestrator(cfg OrchestratorConfig, opts ...Option) *Orchestrator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	o := &Orchestrator{
		gateways: make(map[Network]Gateway),
		adapters: make(map[GoodType]FulfillmentAdapter),
		ledger:   cfg.Ledger,
		quotes:   cfg.Quotes,
		refunds:  cfg.Refunds,
		rules: ValidationRules{
			ProductionNetwork: cfg.ProductionNetwork,
			MinFiatAmount:     cfg.MinFiatAmount,
		},
		feeBps:     cfg.FeeBps,
		swapFrom:   cfg.SwapFromAsset,
		swapTo:     cfg.SwapToAsset,
		replay:     NewReplayCache(time.Hour),
		log:        discard,
		newRefCode: refcode.Generate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register registers the settlement gateway for a network
func (o *Orchestrator) Register(network Network, gateway Gateway) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gateways[network] = gateway
	return o
}

// RegisterAdapter registers a fulfillment adapter under its good type
func (o *Orchestrator) RegisterAdapter(adapter FulfillmentAdapter) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adapters[adapter.GoodType()] = adapter
	return o
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (o *Orchestrator) OnBeforePurchase(hook BeforePurchaseHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.beforePurchaseHooks = append(o.beforePurchaseHooks, hook)
	return o
}

func (o *Orchestrator) OnAfterPurchase(hook AfterPurchaseHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.afterPurchaseHooks = append(o.afterPurchaseHooks, hook)
	return o
}

func (o *Orchestrator) OnPurchaseFailure(hook OnPurchaseFailureHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPurchaseFailureHooks = append(o.onPurchaseFailureHooks, hook)
	return o
}

func (o *Orchestrator) OnStateChange(hook StateChangeHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateChangeHooks = append(o.stateChangeHooks, hook)
	return o
}

// ============================================================================
// Purchase
// ============================================================================

// Purchase runs the full settlement flow for one request. Validation and
// precondition failures are returned as *SettlementError with no side
// effects. Once the chain has been reached the outcome is reported in the
// result and replays of the same reference code return that result.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	start := time.Now()

	if err := ValidatePurchase(req, o.rules); err != nil {
		return nil, err
	}

	if req.ReferenceCode == "" {
		req.ReferenceCode = o.newRefCode()
	} else if err := refcode.Validate(req.ReferenceCode); err != nil {
		return nil, NewSettlementError(ErrCodeValidationFailed, "Invalid reference code", err, nil)
	}

	o.mu.RLock()
	gateway := o.gateways[req.Network]
	adapter := o.adapters[req.GoodType]
	beforeHooks := o.beforePurchaseHooks
	afterHooks := o.afterPurchaseHooks
	failureHooks := o.onPurchaseFailureHooks
	o.mu.RUnlock()

	if gateway == nil {
		return nil, NewSettlementError(ErrCodeUnsupportedNetwork,
			fmt.Sprintf("No gateway for network %s", req.Network), ErrUnsupportedNetwork, nil)
	}
	if adapter == nil {
		return nil, NewSettlementError(ErrCodeUnsupportedGoodType,
			fmt.Sprintf("No adapter for good type %s", req.GoodType), ErrUnsupportedGoodType, nil)
	}

	hookCtx := PurchaseContext{Ctx: ctx, Request: req, Timestamp: start}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewSettlementError(ErrCodeValidationFailed, result.Reason, nil, nil)
		}
	}

	result, err := o.purchaseOnce(ctx, req, gateway, adapter)
	if err != nil {
		failureCtx := PurchaseFailureContext{PurchaseContext: hookCtx, Error: err, Duration: time.Since(start)}
		for _, hook := range failureHooks {
			hook(failureCtx)
		}
		return nil, err
	}

	resultCtx := PurchaseResultContext{PurchaseContext: hookCtx, Result: *result, Duration: time.Since(start)}
	for _, hook := range afterHooks {
		if hookErr := hook(resultCtx); hookErr != nil {
			o.log.WithError(hookErr).Warn("after purchase hook failed")
		}
	}
	return result, nil
}

// purchaseOnce deduplicates by reference code before running the flow
func (o *Orchestrator) purchaseOnce(ctx context.Context, req PurchaseRequest, gateway Gateway, adapter FulfillmentAdapter) (*PurchaseResult, error) {
	key := req.ReferenceCode

	status, cached, err := o.replay.CheckAndMark(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}

	switch status {
	case ReplayCached:
		o.log.WithField("reference_code", key).Info("returning cached purchase result")
		return cached, nil
	case ReplayInFlight:
		result, err := o.replay.WaitForResult(ctx, key)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// The in-flight attempt failed before reaching the chain
		return o.purchaseOnce(ctx, req, gateway, adapter)
	}

	result, committed, err := o.execute(ctx, req, gateway, adapter)
	if committed {
		if cerr := o.replay.Complete(detach(ctx), key, result); cerr != nil {
			o.log.WithError(cerr).WithField("reference_code", key).Error("failed to cache purchase result")
		}
	} else if ferr := o.replay.Fail(detach(ctx), key); ferr != nil {
		o.log.WithError(ferr).WithField("reference_code", key).Warn("failed to release replay marker")
	}
	return result, err
}

// execute runs the state machine. committed is true once anything may have
// reached the chain; from then on the result is final for the code. The
// ledger reservation taken before submission keeps the code final across
// replay cache expiry and across replicas.
func (o *Orchestrator) execute(ctx context.Context, req PurchaseRequest, gateway Gateway, adapter FulfillmentAdapter) (result *PurchaseResult, committed bool, err error) {
	ref := req.ReferenceCode
	log := o.log.WithFields(logrus.Fields{
		"reference_code": ref,
		"good_type":      req.GoodType,
		"wallet_address": req.WalletAddress,
	})

	exists, err := o.ledger.ReferenceExists(ctx, ref)
	if err != nil {
		return nil, false, fmt.Errorf("check reference: %w", err)
	}
	if exists {
		return nil, false, NewSettlementError(ErrCodeDuplicateReference,
			"Reference code already used", ErrDuplicateReference, nil)
	}

	rate, err := o.quotes.Rate(ctx)
	if err == nil && rate.Sign() <= 0 {
		err = ErrQuoteUnavailable
	}
	if err != nil {
		log.WithError(err).Warn("price quote unavailable")
		return nil, false, NewSettlementError(ErrCodeQuoteUnavailable,
			"Price quote unavailable, please try again", fmt.Errorf("%w: %v", ErrQuoteUnavailable, err), nil)
	}

	chainAmount, err := amount.ToChainAmount(req.FiatAmount, rate, o.feeBps)
	if err != nil {
		return nil, false, NewSettlementError(ErrCodeValidationFailed, "Invalid amount", err, nil)
	}

	calls, err := gateway.BuildPaymentCalls(ref, chainAmount, req.GoodType, req.WalletAddress)
	if err != nil {
		return nil, false, fmt.Errorf("build payment calls: %w", err)
	}

	err = o.ledger.ReserveSubmission(ctx, &ChainSubmission{
		ReferenceCode: ref,
		WalletAddress: req.WalletAddress,
		ChainAmount:   chainAmount,
		CreatedAt:     o.now(),
	})
	if errors.Is(err, ErrDuplicateReference) {
		return nil, false, NewSettlementError(ErrCodeDuplicateReference,
			"Reference code already used", ErrDuplicateReference, nil)
	}
	if err != nil {
		return nil, false, fmt.Errorf("reserve submission: %w", err)
	}

	o.transition(ctx, ref, req.GoodType, StateInitiated, StateChainSubmitted)
	txHash, err := gateway.Submit(ctx, calls)
	if err != nil {
		log.WithError(err).Warn("payment submission failed")
		o.transition(ctx, ref, req.GoodType, StateChainSubmitted, StateChainRejected)
		failed := &PurchaseResult{Status: false, ReferenceCode: ref, State: StateChainRejected, Message: msgTransactionFailed}
		if !errors.Is(err, ErrFeeEstimation) {
			return failed, true, nil
		}
		// Nothing was broadcast, so the code stays reusable
		if rerr := o.ledger.ReleaseSubmission(detach(ctx), ref); rerr != nil {
			log.WithError(rerr).Error("failed to release submission reservation")
			return failed, true, nil
		}
		return failed, false, nil
	}

	log = log.WithField("tx_hash", txHash)
	if err := o.ledger.RecordSubmissionHash(detach(ctx), ref, txHash); err != nil {
		log.WithError(err).Error("failed to record submission hash")
	}
	ok, err := gateway.Confirm(ctx, txHash)
	if err != nil {
		log.WithError(err).Error("payment confirmation interrupted")
		o.alert(ctx, "critical", ref, "payment confirmation interrupted, settlement outcome unknown",
			map[string]interface{}{"tx_hash": txHash, "error": err.Error()})
		return &PurchaseResult{
			Status:        false,
			ReferenceCode: ref,
			ChainTxHash:   txHash,
			State:         StateChainSubmitted,
			Message:       "We could not confirm your transaction. Our team will be notified",
		}, true, nil
	}
	if !ok {
		log.Warn("payment rejected by chain")
		o.transition(ctx, ref, req.GoodType, StateChainSubmitted, StateChainRejected)
		return &PurchaseResult{
			Status:        false,
			ReferenceCode: ref,
			ChainTxHash:   txHash,
			State:         StateChainRejected,
			Message:       msgTransactionFailed,
		}, true, nil
	}
	o.transition(ctx, ref, req.GoodType, StateChainSubmitted, StateChainConfirmed)

	// Funds have moved. Records must be written even if the caller goes away.
	dctx := detach(ctx)
	now := o.now()
	pending := &PendingTransaction{
		ReferenceCode: ref,
		ChainTxHash:   txHash,
		WalletAddress: req.WalletAddress,
		GoodType:      req.GoodType,
		FiatAmount:    req.FiatAmount,
		ChainAmount:   chainAmount,
		Status:        PendingStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.ledger.InsertPending(dctx, pending); err != nil {
		log.WithError(err).Error("failed to record pending transaction")
		o.alert(dctx, "critical", ref, "payment confirmed but pending record could not be written",
			map[string]interface{}{"tx_hash": txHash, "error": err.Error()})
		return &PurchaseResult{
			Status:        false,
			ReferenceCode: ref,
			ChainTxHash:   txHash,
			State:         StateChainConfirmed,
			Message:       "Your payment was received but could not be recorded. Our team will be notified",
		}, true, nil
	}

	// The vendor call is bounded by the adapter's own timeout, not the session
	o.transition(ctx, ref, req.GoodType, StateChainConfirmed, StateFulfillmentRequested)
	fulfillment, err := adapter.Buy(dctx, FulfillmentRequest{
		ReferenceCode: ref,
		ChainTxHash:   txHash,
		WalletAddress: req.WalletAddress,
		FiatAmount:    req.FiatAmount,
		Metadata:      req.FulfillmentMetadata,
	})
	outcome := fulfillment.Outcome
	if err != nil {
		log.WithError(err).Warn("fulfillment request failed")
		outcome = OutcomeError
	}

	txn := &Transaction{
		ReferenceCode: ref,
		ChainTxHash:   txHash,
		WalletAddress: req.WalletAddress,
		GoodType:      req.GoodType,
		FiatAmount:    req.FiatAmount,
		ChainAmount:   chainAmount,
		Refunded:      false,
		Metadata:      req.FulfillmentMetadata,
		CreatedAt:     o.now(),
	}

	if outcome == OutcomeSuccess {
		return o.settle(dctx, log, txn), true, nil
	}

	log.WithFields(logrus.Fields{
		"outcome":       outcome,
		"vendor_status": fulfillment.VendorStatus,
	}).Warn("fulfillment failed, refunding")
	return o.compensate(dctx, log, txn, outcome), true, nil
}

// settle records a successful fulfillment and schedules the swap
func (o *Orchestrator) settle(ctx context.Context, log logrus.FieldLogger, txn *Transaction) *PurchaseResult {
	o.transition(ctx, txn.ReferenceCode, txn.GoodType, StateFulfillmentRequested, StateFulfillmentSucceeded)

	if err := o.ledger.UpdatePendingStatus(ctx, txn.ReferenceCode, PendingStatusCompleted); err != nil {
		log.WithError(err).Error("failed to complete pending transaction")
	}

	txn.Status = TransactionStatusSuccess
	if err := o.ledger.InsertTransaction(ctx, txn); err != nil {
		log.WithError(err).Error("failed to record transaction")
		o.alert(ctx, "warning", txn.ReferenceCode, "fulfilled purchase could not be recorded",
			map[string]interface{}{"tx_hash": txn.ChainTxHash, "error": err.Error()})
	}

	o.transition(ctx, txn.ReferenceCode, txn.GoodType, StateFulfillmentSucceeded, StateSettled)
	o.enqueueSwap(ctx, log, txn)

	return &PurchaseResult{
		Status:        true,
		ReferenceCode: txn.ReferenceCode,
		ChainTxHash:   txn.ChainTxHash,
		State:         StateSettled,
		Message:       msgPurchaseSuccessful,
	}
}

// compensate records a failed fulfillment and refunds synchronously
func (o *Orchestrator) compensate(ctx context.Context, log logrus.FieldLogger, txn *Transaction, outcome FulfillmentOutcome) *PurchaseResult {
	ref := txn.ReferenceCode
	o.transition(ctx, ref, txn.GoodType, StateFulfillmentRequested, StateFulfillmentFailed)

	if err := o.ledger.UpdatePendingStatus(ctx, ref, PendingStatusFailed); err != nil {
		log.WithError(err).Error("failed to fail pending transaction")
	}

	refundFailed := &PurchaseResult{
		Status:        false,
		ReferenceCode: ref,
		ChainTxHash:   txn.ChainTxHash,
		State:         StateRefundFailed,
		Message:       msgRefundFailed,
	}

	txn.Status = TransactionStatusFailed
	if err := o.ledger.InsertTransaction(ctx, txn); err != nil {
		log.WithError(err).Error("failed to record failed transaction")
		o.alert(ctx, "critical", ref, "failed purchase could not be recorded, refund not attempted",
			map[string]interface{}{"tx_hash": txn.ChainTxHash, "error": err.Error()})
		o.transition(ctx, ref, txn.GoodType, StateFulfillmentFailed, StateRefundFailed)
		return refundFailed
	}

	o.transition(ctx, ref, txn.GoodType, StateFulfillmentFailed, StateRefundRequested)
	if o.refunds == nil {
		o.alert(ctx, "critical", ref, "no refund orchestrator configured", nil)
		o.transition(ctx, ref, txn.GoodType, StateRefundRequested, StateRefundFailed)
		return refundFailed
	}

	refund, err := o.refunds.Refund(ctx, RefundRequest{
		ReferenceCode: ref,
		ChainAmount:   txn.ChainAmount,
		IsMainnet:     true,
	})
	if err != nil || refund == nil || !refund.Status {
		var se *SettlementError
		if !errors.As(err, &se) || se.Code != ErrCodeRefundFailed {
			// Chain failures are escalated by the refund orchestrator itself
			o.alert(ctx, "critical", ref, "refund could not be started",
				map[string]interface{}{"tx_hash": txn.ChainTxHash, "error": fmt.Sprint(err)})
		}
		o.transition(ctx, ref, txn.GoodType, StateRefundRequested, StateRefundFailed)
		return refundFailed
	}

	o.transition(ctx, ref, txn.GoodType, StateRefundRequested, StateRefunded)
	return &PurchaseResult{
		Status:        false,
		ReferenceCode: ref,
		ChainTxHash:   txn.ChainTxHash,
		State:         StateRefunded,
		Message:       fmt.Sprintf("%s. %s", failureReason(outcome), msgRefundProcessed),
	}
}

func (o *Orchestrator) enqueueSwap(ctx context.Context, log logrus.FieldLogger, txn *Transaction) {
	if o.swaps == nil {
		return
	}
	job := &SwapJob{
		Status:        SwapStatusPending,
		Amount:        new(big.Int).Set(txn.ChainAmount),
		FromAsset:     o.swapFrom,
		ToAsset:       o.swapTo,
		WalletAddress: txn.WalletAddress,
		ReferenceCode: txn.ReferenceCode,
	}
	if err := o.swaps.Enqueue(ctx, job); err != nil {
		log.WithError(err).Warn("failed to enqueue swap job")
	}
}

func (o *Orchestrator) transition(ctx context.Context, ref string, goodType GoodType, from, to State) {
	o.log.WithFields(logrus.Fields{
		"reference_code": ref,
		"from":           from,
		"to":             to,
	}).Debug("state transition")

	o.mu.RLock()
	hooks := o.stateChangeHooks
	o.mu.RUnlock()

	change := StateChangeContext{
		Ctx:           ctx,
		ReferenceCode: ref,
		GoodType:      goodType,
		From:          from,
		To:            to,
		Timestamp:     time.Now(),
	}
	for _, hook := range hooks {
		hook(change)
	}
}

func (o *Orchestrator) alert(ctx context.Context, severity, ref, message string, details map[string]interface{}) {
	if o.alerter == nil {
		o.log.WithField("reference_code", ref).Error(message)
		return
	}
	err := o.alerter.Alert(detach(ctx), Alert{
		Severity:      severity,
		ReferenceCode: ref,
		Message:       message,
		Details:       details,
		Timestamp:     time.Now(),
	})
	if err != nil {
		o.log.WithError(err).WithField("reference_code", ref).Error("failed to send operator alert")
	}
}

func failureReason(outcome FulfillmentOutcome) string {
	switch outcome {
	case OutcomeInsufficientBalance:
		return "Service temporarily unavailable"
	case OutcomeInvalidRecipient:
		return "Invalid recipient details"
	default:
		return "Purchase could not be completed"
	}
}
