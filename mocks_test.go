package settlement_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	settlement "github.com/utilpay/settlement"
)

const (
	testNetwork = settlement.Network("eip155:8453")
	testWallet  = "0x9999999999999999999999999999999999999999"
)

// mockGateway records every submission. Payment and refund submissions are
// told apart by the entrypoint method of the second call.
type mockGateway struct {
	mu sync.Mutex

	paymentSubmitErr error
	refundSubmitErr  error
	confirmOK        bool
	confirmErr       error
	confirmDelay     time.Duration

	payments   []*big.Int
	payers     []string
	refunds    []*big.Int
	recipients []string
	hashes     int
}

func newMockGateway() *mockGateway {
	return &mockGateway{confirmOK: true}
}

func (g *mockGateway) BuildPaymentCalls(ref string, amount *big.Int, goodType settlement.GoodType, payer string) ([]settlement.ContractCall, error) {
	return []settlement.ContractCall{
		{Contract: "token", Method: "approve", Args: []interface{}{amount}, Owner: payer},
		{Contract: "settlement", Method: "payment", Args: []interface{}{ref, new(big.Int).Set(amount), string(goodType), payer}},
	}, nil
}

func (g *mockGateway) BuildRefundCalls(ref string, amount *big.Int, recipient string) ([]settlement.ContractCall, error) {
	return []settlement.ContractCall{
		{Contract: "token", Method: "approve", Args: []interface{}{amount}},
		{Contract: "settlement", Method: "refund", Args: []interface{}{ref, new(big.Int).Set(amount), recipient}},
	}, nil
}

func (g *mockGateway) Submit(_ context.Context, calls []settlement.ContractCall) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := calls[len(calls)-1]
	amount := entry.Args[1].(*big.Int)
	switch entry.Method {
	case "payment":
		if g.paymentSubmitErr != nil {
			return "", g.paymentSubmitErr
		}
		g.payments = append(g.payments, amount)
		g.payers = append(g.payers, entry.Args[3].(string))
	case "refund":
		if g.refundSubmitErr != nil {
			return "", g.refundSubmitErr
		}
		g.refunds = append(g.refunds, amount)
		g.recipients = append(g.recipients, entry.Args[2].(string))
	}
	g.hashes++
	return fmt.Sprintf("0x%064x", g.hashes), nil
}

func (g *mockGateway) Confirm(ctx context.Context, _ string) (bool, error) {
	if g.confirmDelay > 0 {
		select {
		case <-time.After(g.confirmDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmOK, g.confirmErr
}

func (g *mockGateway) paymentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payments)
}

func (g *mockGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func (g *mockGateway) setRefundSubmitErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundSubmitErr = err
}

type mockAdapter struct {
	mu       sync.Mutex
	goodType settlement.GoodType
	outcome  settlement.FulfillmentOutcome
	err      error
	delay    time.Duration
	requests []settlement.FulfillmentRequest
	ctxErrs  []error
}

func newMockAdapter(goodType settlement.GoodType) *mockAdapter {
	return &mockAdapter{goodType: goodType, outcome: settlement.OutcomeSuccess}
}

func (a *mockAdapter) GoodType() settlement.GoodType { return a.goodType }

func (a *mockAdapter) Buy(ctx context.Context, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	if a.err != nil {
		return settlement.FulfillmentResult{Outcome: settlement.OutcomeError}, a.err
	}
	return settlement.FulfillmentResult{Outcome: a.outcome, VendorStatus: string(a.outcome)}, nil
}

func (a *mockAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *mockAdapter) contextErrs() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.ctxErrs...)
}

type mockQuotes struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	err   error
	calls int
}

func (q *mockQuotes) Rate(context.Context) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.rate, q.err
}

type mockAlerter struct {
	mu     sync.Mutex
	alerts []settlement.Alert
}

func (a *mockAlerter) Alert(_ context.Context, alert settlement.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *mockAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type mockSwapQueue struct {
	mu   sync.Mutex
	jobs []settlement.SwapJob
}

func (q *mockSwapQueue) Enqueue(_ context.Context, job *settlement.SwapJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, *job)
	return nil
}
