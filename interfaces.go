package settlement

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// Gateway builds and submits the approve + entrypoint call pair to the
// settlement contract of one network
type Gateway interface {
	// BuildPaymentCalls returns the payer's approval and the payment call
	// that pulls amount from payer
	BuildPaymentCalls(referenceCode string, amount *big.Int, goodType GoodType, payer string) ([]ContractCall, error)

	// BuildRefundCalls returns the service approval and the refund call
	// that pays amount back to recipient
	BuildRefundCalls(referenceCode string, amount *big.Int, recipient string) ([]ContractCall, error)

	// Submit estimates fees and submits calls in order. An estimation
	// failure aborts without submitting anything.
	Submit(ctx context.Context, calls []ContractCall) (string, error)

	// Confirm blocks until the chain reports the outcome of txHash.
	// It has no internal timeout; ctx bounds the wait.
	Confirm(ctx context.Context, txHash string) (bool, error)
}

// FulfillmentAdapter delivers one good type through the vendor
type FulfillmentAdapter interface {
	GoodType() GoodType
	Buy(ctx context.Context, req FulfillmentRequest) (FulfillmentResult, error)
}

// Ledger is the transaction datastore. All writes are keyed by reference code.
type Ledger interface {
	// InsertPending fails with ErrDuplicateReference if the code exists
	InsertPending(ctx context.Context, pending *PendingTransaction) error
	UpdatePendingStatus(ctx context.Context, referenceCode string, status PendingStatus) error
	GetPending(ctx context.Context, referenceCode string) (*PendingTransaction, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]PendingTransaction, error)

	// InsertTransaction fails with ErrDuplicateReference if the code exists
	InsertTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, referenceCode string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// ReserveSubmission records that a payment for the code is about to be
	// sent. It fails with ErrDuplicateReference if the code is reserved.
	ReserveSubmission(ctx context.Context, sub *ChainSubmission) error

	// RecordSubmissionHash attaches the broadcast hash to a reservation
	RecordSubmissionHash(ctx context.Context, referenceCode, txHash string) error

	// ReleaseSubmission drops a reservation whose payment was never sent
	ReleaseSubmission(ctx context.Context, referenceCode string) error

	// ReferenceExists reports whether any submission, pending or final row
	// uses the code
	ReferenceExists(ctx context.Context, referenceCode string) (bool, error)

	// ClaimRefund atomically checks the refund preconditions and claims the
	// transaction. It returns ErrTransactionNotFound, ErrAlreadyRefunded,
	// ErrNotEligible or ErrRefundInProgress when a precondition fails.
	ClaimRefund(ctx context.Context, referenceCode string) (*Transaction, error)

	// MarkRefunded sets refunded=true and status=failed and clears the claim
	MarkRefunded(ctx context.Context, referenceCode string) error

	// ReleaseRefund clears a claim without marking the transaction refunded
	ReleaseRefund(ctx context.Context, referenceCode string) error
}

// SwapQueue accepts swap jobs for background processing
type SwapQueue interface {
	Enqueue(ctx context.Context, job *SwapJob) error
}

// QuoteProvider returns the fiat price of one unit of the payment asset
type QuoteProvider interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Alerter escalates failures that need an operator
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// ReplayStatus represents the result of checking the replay store
type ReplayStatus int

const (
	// ReplayNotFound means no cached result and no in-flight purchase.
	ReplayNotFound ReplayStatus = iota
	// ReplayCached means a result was cached for the reference code.
	ReplayCached
	// ReplayInFlight means another request is processing the reference code.
	ReplayInFlight
)

// ReplayStore deduplicates purchase submissions by reference code.
// Implementations may be in-memory or distributed (Redis).
type ReplayStore interface {
	// CheckAndMark atomically checks for a cached result and marks the key
	// in-flight when neither a result nor an in-flight marker exists.
	CheckAndMark(ctx context.Context, key string) (ReplayStatus, *PurchaseResult, error)

	// WaitForResult blocks until the in-flight request for key finishes.
	// A nil result means it failed without caching.
	WaitForResult(ctx context.Context, key string) (*PurchaseResult, error)

	// Complete caches result for key and releases waiters
	Complete(ctx context.Context, key string, result *PurchaseResult) error

	// Fail removes the in-flight marker so the key may be retried
	Fail(ctx context.Context, key string) error
}
