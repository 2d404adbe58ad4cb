package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/ledger"
)

type harness struct {
	orchestrator *settlement.Orchestrator
	refunds      *settlement.RefundOrchestrator
	ledger       *ledger.MemoryLedger
	gateway      *mockGateway
	adapter      *mockAdapter
	quotes       *mockQuotes
	alerter      *mockAlerter
	swaps        *mockSwapQueue

	mu          sync.Mutex
	transitions []settlement.State
}

func newHarness(t *testing.T, opts ...settlement.Option) *harness {
	t.Helper()
	h := &harness{
		ledger:  ledger.NewMemoryLedger(),
		gateway: newMockGateway(),
		adapter: newMockAdapter(settlement.GoodAirtime),
		quotes:  &mockQuotes{rate: decimal.NewFromInt(100)},
		alerter: &mockAlerter{},
		swaps:   &mockSwapQueue{},
	}
	h.refunds = settlement.NewRefundOrchestrator(h.ledger, h.gateway, nil, h.alerter, nil)
	h.orchestrator = h.replica(opts...)
	h.orchestrator.OnStateChange(func(ctx settlement.StateChangeContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.transitions) == 0 {
			h.transitions = append(h.transitions, ctx.From)
		}
		h.transitions = append(h.transitions, ctx.To)
	})
	return h
}

// replica builds another orchestrator over the same ledger, chain and
// vendor, with its own replay cache
func (h *harness) replica(opts ...settlement.Option) *settlement.Orchestrator {
	opts = append([]settlement.Option{
		settlement.WithAlerter(h.alerter),
		settlement.WithSwapQueue(h.swaps),
	}, opts...)
	o := settlement.NewOrchestrator(settlement.OrchestratorConfig{
		ProductionNetwork: testNetwork,
		MinFiatAmount:     decimal.NewFromInt(100),
		FeeBps:            500,
		SwapFromAsset:     "STRK",
		SwapToAsset:       "USDT",
		Ledger:            h.ledger,
		Quotes:            h.quotes,
		Refunds:           h.refunds,
	}, opts...)
	o.Register(testNetwork, h.gateway)
	o.RegisterAdapter(h.adapter)
	return o
}

func (h *harness) states() []settlement.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]settlement.State(nil), h.transitions...)
}

func airtimeRequest(ref string) settlement.PurchaseRequest {
	return settlement.PurchaseRequest{
		ReferenceCode: ref,
		Network:       testNetwork,
		GoodType:      settlement.GoodAirtime,
		WalletAddress: testWallet,
		FiatAmount:    decimal.NewFromInt(5000),
		FulfillmentMetadata: settlement.FulfillmentMetadata{
			PhoneNumber:   "08012345678",
			MobileNetwork: "MTN",
		},
	}
}

func rowCounts(t *testing.T, l *ledger.MemoryLedger) (pending, final int) {
	t.Helper()
	p, err := l.ListPending(context.Background(), settlement.PendingFilter{})
	require.NoError(t, err)
	f, err := l.ListTransactions(context.Background(), settlement.TransactionFilter{})
	require.NoError(t, err)
	return len(p), len(f)
}

func TestPurchase_SettlesSuccessfulFulfillment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orchestrator.Purchase(ctx, airtimeRequest("AbC123xyz_"))
	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, settlement.StateSettled, result.State)
	assert.Equal(t, "AbC123xyz_", result.ReferenceCode)
	assert.NotEmpty(t, result.ChainTxHash)

	// 5000 / 100 * 1.05 = 52.5 units at 18 decimals
	want, _ := new(big.Int).SetString("52500000000000000000", 10)
	require.Equal(t, 1, h.gateway.paymentCount())
	assert.Equal(t, 0, want.Cmp(h.gateway.payments[0]))
	assert.Equal(t, []string{testWallet}, h.gateway.payers)

	pending, final := rowCounts(t, h.ledger)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, final)

	p, err := h.ledger.GetPending(ctx, "AbC123xyz_")
	require.NoError(t, err)
	assert.Equal(t, settlement.PendingStatusCompleted, p.Status)

	txn, err := h.ledger.GetTransaction(ctx, "AbC123xyz_")
	require.NoError(t, err)
	assert.Equal(t, settlement.TransactionStatusSuccess, txn.Status)
	assert.False(t, txn.Refunded)
	assert.Equal(t, result.ChainTxHash, txn.ChainTxHash)
	assert.Equal(t, "08012345678", txn.Metadata.PhoneNumber)

	require.Len(t, h.adapter.requests, 1)
	assert.Equal(t, result.ChainTxHash, h.adapter.requests[0].ChainTxHash)
	assert.Equal(t, "AbC123xyz_", h.adapter.requests[0].ReferenceCode)

	require.Len(t, h.swaps.jobs, 1)
	assert.Equal(t, 0, want.Cmp(h.swaps.jobs[0].Amount))
	assert.Equal(t, "STRK", h.swaps.jobs[0].FromAsset)
	assert.Equal(t, "USDT", h.swaps.jobs[0].ToAsset)

	assert.Equal(t, []settlement.State{
		settlement.StateInitiated,
		settlement.StateChainSubmitted,
		settlement.StateChainConfirmed,
		settlement.StateFulfillmentRequested,
		settlement.StateFulfillmentSucceeded,
		settlement.StateSettled,
	}, h.states())
	assert.Zero(t, h.refundsOnChain())
}

func (h *harness) refundsOnChain() int {
	return h.gateway.refundCount()
}

func TestPurchase_MintsReferenceCode(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator.Purchase(context.Background(), airtimeRequest(""))
	require.NoError(t, err)
	assert.Len(t, result.ReferenceCode, 10)

	txn, err := h.ledger.GetTransaction(context.Background(), result.ReferenceCode)
	require.NoError(t, err)
	require.NotNil(t, txn)
}

func TestPurchase_FulfillmentFailureRefunds(t *testing.T) {
	tests := []struct {
		name    string
		outcome settlement.FulfillmentOutcome
		err     error
	}{
		{"insufficient balance", settlement.OutcomeInsufficientBalance, nil},
		{"invalid recipient", settlement.OutcomeInvalidRecipient, nil},
		{"vendor transport error", settlement.OutcomeError, errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.adapter.outcome = tt.outcome
			h.adapter.err = tt.err
			ctx := context.Background()

			result, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
			require.NoError(t, err)
			assert.False(t, result.Status)
			assert.Equal(t, settlement.StateRefunded, result.State)
			assert.Contains(t, strings.ToLower(result.Message), "refund")

			txn, err := h.ledger.GetTransaction(ctx, "REF0000001")
			require.NoError(t, err)
			assert.Equal(t, settlement.TransactionStatusFailed, txn.Status)
			assert.True(t, txn.Refunded)

			p, err := h.ledger.GetPending(ctx, "REF0000001")
			require.NoError(t, err)
			assert.Equal(t, settlement.PendingStatusFailed, p.Status)

			require.Equal(t, 1, h.gateway.refundCount())
			assert.Equal(t, 0, h.gateway.payments[0].Cmp(h.gateway.refunds[0]), "refund must use the charged amount")
			assert.Empty(t, h.swaps.jobs)
			assert.Zero(t, h.alerter.count())

			states := h.states()
			assert.Equal(t, settlement.StateRefunded, states[len(states)-1])
			assert.Contains(t, states, settlement.StateFulfillmentFailed)
			assert.Contains(t, states, settlement.StateRefundRequested)
		})
	}
}

func TestPurchase_RefundFailureAlertsOperator(t *testing.T) {
	h := newHarness(t)
	h.adapter.outcome = settlement.OutcomeInsufficientBalance
	h.gateway.refundSubmitErr = errors.New("nonce too low")
	ctx := context.Background()

	result, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, result.Status)
	assert.Equal(t, settlement.StateRefundFailed, result.State)

	txn, err := h.ledger.GetTransaction(ctx, "REF0000001")
	require.NoError(t, err)
	assert.Equal(t, settlement.TransactionStatusFailed, txn.Status)
	assert.False(t, txn.Refunded)

	require.Equal(t, 1, h.alerter.count(), "refund failure must reach the operator exactly once")
	assert.Equal(t, "critical", h.alerter.alerts[0].Severity)
	assert.Equal(t, "REF0000001", h.alerter.alerts[0].ReferenceCode)

	// The claim was released, so an operator can retry
	h.gateway.setRefundSubmitErr(nil)
	refund, err := h.refunds.Refund(ctx, settlement.RefundRequest{ReferenceCode: "REF0000001", IsMainnet: true})
	require.NoError(t, err)
	assert.True(t, refund.Status)
}

func TestPurchase_ChainRejectionLeavesNoRows(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmOK = false

	result, err := h.orchestrator.Purchase(context.Background(), airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, result.Status)
	assert.Equal(t, settlement.StateChainRejected, result.State)

	pending, final := rowCounts(t, h.ledger)
	assert.Zero(t, pending)
	assert.Zero(t, final)
	assert.Zero(t, h.adapter.calls())
	assert.Zero(t, h.gateway.refundCount())
}

func TestPurchase_FeeEstimationFailureKeepsCodeReusable(t *testing.T) {
	h := newHarness(t)
	h.gateway.paymentSubmitErr = fmt.Errorf("%w: execution reverted", settlement.ErrFeeEstimation)
	ctx := context.Background()

	result, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, result.Status)
	assert.Equal(t, settlement.StateChainRejected, result.State)
	assert.Zero(t, h.gateway.paymentCount())

	sub, err := h.ledger.GetSubmission(ctx, "REF0000001")
	require.NoError(t, err)
	assert.Nil(t, sub, "nothing was broadcast")

	h.gateway.paymentSubmitErr = nil
	result, err = h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, 1, h.gateway.paymentCount())
}

func TestPurchase_SubmissionFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	h.gateway.paymentSubmitErr = errors.New("replacement transaction underpriced")
	ctx := context.Background()

	first, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, first.Status)

	h.gateway.paymentSubmitErr = nil
	second, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Zero(t, h.gateway.paymentCount())
}

func TestPurchase_ConfirmationErrorAlerts(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmErr = errors.New("rpc unavailable")

	result, err := h.orchestrator.Purchase(context.Background(), airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, result.Status)
	assert.Equal(t, settlement.StateChainSubmitted, result.State)
	assert.NotEmpty(t, result.ChainTxHash)
	assert.Equal(t, 1, h.alerter.count())
	assert.Zero(t, h.adapter.calls())
}

func TestPurchase_UnknownOutcomeBlocksReplayOnAnotherReplica(t *testing.T) {
	h := newHarness(t)
	h.gateway.confirmDelay = time.Second

	// The session deadline fires while the payment is still pending
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.False(t, first.Status)
	assert.Equal(t, settlement.StateChainSubmitted, first.State)
	require.Equal(t, 1, h.gateway.paymentCount())

	sub, err := h.ledger.GetSubmission(context.Background(), "REF0000001")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, first.ChainTxHash, sub.ChainTxHash)
	assert.Equal(t, testWallet, sub.WalletAddress)

	h.gateway.mu.Lock()
	h.gateway.confirmDelay = 0
	h.gateway.mu.Unlock()

	_, err = h.replica().Purchase(context.Background(), airtimeRequest("REF0000001"))
	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrDuplicateReference)
	assert.Equal(t, 1, h.gateway.paymentCount())
	assert.Zero(t, h.adapter.calls())
}

func TestPurchase_UnknownOutcomeBlocksReplayAfterCacheExpiry(t *testing.T) {
	h := newHarness(t, settlement.WithReplayStore(settlement.NewReplayCache(10*time.Millisecond)))
	h.gateway.confirmErr = errors.New("rpc unavailable")
	ctx := context.Background()

	first, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.Equal(t, settlement.StateChainSubmitted, first.State)

	time.Sleep(30 * time.Millisecond)
	h.gateway.mu.Lock()
	h.gateway.confirmErr = nil
	h.gateway.mu.Unlock()

	_, err = h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.Error(t, err)
	var se *settlement.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, settlement.ErrCodeDuplicateReference, se.Code)
	assert.Equal(t, 1, h.gateway.paymentCount())
}

func TestPurchase_ReplicasRacingOneCodePayOnce(t *testing.T) {
	h := newHarness(t)
	h.adapter.delay = 20 * time.Millisecond
	replicas := []*settlement.Orchestrator{h.orchestrator, h.replica(), h.replica(), h.replica()}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		settled   int
		rejected  int
		otherErrs []error
	)
	for _, o := range replicas {
		wg.Add(1)
		go func(o *settlement.Orchestrator) {
			defer wg.Done()
			result, err := o.Purchase(context.Background(), airtimeRequest("REF0000001"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, settlement.ErrDuplicateReference):
				rejected++
			case err != nil:
				otherErrs = append(otherErrs, err)
			case result.Status:
				settled++
			}
		}(o)
	}
	wg.Wait()

	assert.Empty(t, otherErrs)
	assert.Equal(t, 1, settled)
	assert.Equal(t, len(replicas)-1, rejected)
	assert.Equal(t, 1, h.gateway.paymentCount())
}

func TestPurchase_FulfillmentOutlivesSessionDeadline(t *testing.T) {
	h := newHarness(t)
	h.adapter.delay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, settlement.StateSettled, result.State)
	assert.Equal(t, []error{nil}, h.adapter.contextErrs())
	assert.Zero(t, h.gateway.refundCount())
}

func TestPurchase_ReplayReturnsCachedResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)
	second, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.gateway.paymentCount())
	assert.Equal(t, 1, h.adapter.calls())

	pending, final := rowCounts(t, h.ledger)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, final)
}

func TestPurchase_ConcurrentReplaysReachChainOnce(t *testing.T) {
	h := newHarness(t)
	h.adapter.delay = 50 * time.Millisecond

	const n = 8
	results := make([]*settlement.PurchaseResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orchestrator.Purchase(context.Background(), airtimeRequest("REF0000001"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Status)
		assert.Equal(t, results[0].ChainTxHash, results[i].ChainTxHash)
	}
	assert.Equal(t, 1, h.gateway.paymentCount())
	assert.Equal(t, 1, h.adapter.calls())
}

func TestPurchase_DuplicateReferenceRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.InsertTransaction(ctx, &settlement.Transaction{
		ReferenceCode: "REF0000001",
		Status:        settlement.TransactionStatusSuccess,
		ChainAmount:   big.NewInt(1),
	}))

	_, err := h.orchestrator.Purchase(ctx, airtimeRequest("REF0000001"))
	require.Error(t, err)

	var se *settlement.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, settlement.ErrCodeDuplicateReference, se.Code)
	assert.ErrorIs(t, err, settlement.ErrDuplicateReference)
	assert.Zero(t, h.gateway.paymentCount())
}

func TestPurchase_RejectsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*settlement.PurchaseRequest)
		code   string
	}{
		{"wrong network", func(r *settlement.PurchaseRequest) { r.Network = "eip155:84532" }, settlement.ErrCodeWrongNetwork},
		{"amount too low", func(r *settlement.PurchaseRequest) { r.FiatAmount = decimal.NewFromInt(99) }, settlement.ErrCodeAmountTooLow},
		{"short phone", func(r *settlement.PurchaseRequest) { r.PhoneNumber = "0801234" }, settlement.ErrCodeInvalidRecipientFields},
		{"missing wallet", func(r *settlement.PurchaseRequest) { r.WalletAddress = "" }, settlement.ErrCodeValidationFailed},
		{"unknown good type", func(r *settlement.PurchaseRequest) { r.GoodType = "GiftCard" }, settlement.ErrCodeUnsupportedGoodType},
		{"no adapter", func(r *settlement.PurchaseRequest) {
			r.GoodType = settlement.GoodUtility
			r.MeterNumber = "45011234567"
			r.PlanID = "01"
		}, settlement.ErrCodeUnsupportedGoodType},
		{"bad reference code", func(r *settlement.PurchaseRequest) { r.ReferenceCode = "has space" }, settlement.ErrCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var failures int
			h.orchestrator.OnPurchaseFailure(func(settlement.PurchaseFailureContext) { failures++ })

			req := airtimeRequest("REF0000001")
			tt.mutate(&req)
			result, err := h.orchestrator.Purchase(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, result)

			var se *settlement.SettlementError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.True(t, settlement.IsClientError(err))

			assert.Zero(t, h.quotes.calls)
			assert.Zero(t, h.gateway.paymentCount())
			assert.Zero(t, h.adapter.calls())
			pending, final := rowCounts(t, h.ledger)
			assert.Zero(t, pending)
			assert.Zero(t, final)
			assert.Empty(t, h.states())
			assert.Zero(t, failures, "validation errors happen before hooks run")
		})
	}
}

func TestPurchase_QuoteUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		quotes *mockQuotes
	}{
		{"provider error", &mockQuotes{err: errors.New("429 too many requests")}},
		{"zero rate", &mockQuotes{rate: decimal.Zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := settlement.NewOrchestrator(settlement.OrchestratorConfig{
				ProductionNetwork: testNetwork,
				FeeBps:            500,
				Ledger:            h.ledger,
				Quotes:            tt.quotes,
				Refunds:           h.refunds,
			})
			o.Register(testNetwork, h.gateway)
			o.RegisterAdapter(h.adapter)

			var failed settlement.PurchaseFailureContext
			o.OnPurchaseFailure(func(ctx settlement.PurchaseFailureContext) { failed = ctx })

			_, err := o.Purchase(context.Background(), airtimeRequest("REF0000001"))
			require.Error(t, err)
			assert.ErrorIs(t, err, settlement.ErrQuoteUnavailable)
			assert.False(t, settlement.IsClientError(err))
			assert.Zero(t, h.gateway.paymentCount())
			assert.Equal(t, err, failed.Error)

			// The code was not consumed
			tt.quotes.err = nil
			tt.quotes.rate = decimal.NewFromInt(100)
			result, err := o.Purchase(context.Background(), airtimeRequest("REF0000001"))
			require.NoError(t, err)
			assert.True(t, result.Status)
		})
	}
}

func TestPurchase_Hooks(t *testing.T) {
	t.Run("before hook aborts", func(t *testing.T) {
		h := newHarness(t)
		h.orchestrator.OnBeforePurchase(func(ctx settlement.PurchaseContext) (*settlement.BeforeHookResult, error) {
			return &settlement.BeforeHookResult{Abort: true, Reason: "wallet blocked"}, nil
		})

		_, err := h.orchestrator.Purchase(context.Background(), airtimeRequest("REF0000001"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wallet blocked")
		assert.Zero(t, h.gateway.paymentCount())
	})

	t.Run("after hook sees the result", func(t *testing.T) {
		h := newHarness(t)
		var seen settlement.PurchaseResultContext
		h.orchestrator.OnAfterPurchase(func(ctx settlement.PurchaseResultContext) error {
			seen = ctx
			return errors.New("ignored")
		})

		result, err := h.orchestrator.Purchase(context.Background(), airtimeRequest("REF0000001"))
		require.NoError(t, err)
		assert.Equal(t, *result, seen.Result)
		assert.Equal(t, settlement.GoodAirtime, seen.Request.GoodType)
	})
}

func TestPurchase_WithoutSwapQueue(t *testing.T) {
	h := newHarness(t)
	o := settlement.NewOrchestrator(settlement.OrchestratorConfig{
		ProductionNetwork: testNetwork,
		FeeBps:            500,
		Ledger:            h.ledger,
		Quotes:            h.quotes,
		Refunds:           h.refunds,
	}, settlement.WithRefCodeGenerator(func() string { return "FIXEDCODE1" }))
	o.Register(testNetwork, h.gateway)
	o.RegisterAdapter(h.adapter)

	result, err := o.Purchase(context.Background(), airtimeRequest(""))
	require.NoError(t, err)
	assert.True(t, result.Status)
	assert.Equal(t, "FIXEDCODE1", result.ReferenceCode)
}
