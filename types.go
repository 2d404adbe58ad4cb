package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Network identifies a chain using CAIP-2 format (e.g. "eip155:1").
type Network string

// GoodType tags the real-world good being purchased
type GoodType string

const (
	GoodAirtime GoodType = "Airtime"
	GoodData    GoodType = "Data"
	GoodCable   GoodType = "Cable"
	GoodUtility GoodType = "Utility"
)

// Valid reports whether g is one of the supported good types
func (g GoodType) Valid() bool {
	switch g {
	case GoodAirtime, GoodData, GoodCable, GoodUtility:
		return true
	}
	return false
}

// PendingStatus is the lifecycle status of a PendingTransaction
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusCompleted PendingStatus = "completed"
	PendingStatusFailed    PendingStatus = "failed"
)

// TransactionStatus is the final fulfillment status of a Transaction
type TransactionStatus string

const (
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// SwapStatus is the lifecycle status of a SwapJob
type SwapStatus string

const (
	SwapStatusPending    SwapStatus = "pending"
	SwapStatusProcessing SwapStatus = "processing"
	SwapStatusCompleted  SwapStatus = "completed"
	SwapStatusFailed     SwapStatus = "failed"
)

// State is a step of the purchase state machine
type State string

const (
	StateInitiated            State = "initiated"
	StateChainSubmitted       State = "chain_submitted"
	StateChainConfirmed       State = "chain_confirmed"
	StateChainRejected        State = "chain_rejected"
	StateFulfillmentRequested State = "fulfillment_requested"
	StateFulfillmentSucceeded State = "fulfillment_succeeded"
	StateFulfillmentFailed    State = "fulfillment_failed"
	StateSettled              State = "settled"
	StateRefundRequested      State = "refund_requested"
	StateRefunded             State = "refunded"
	StateRefundFailed         State = "refund_failed"
)

// Terminal reports whether no further transitions can occur from s
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRefunded, StateRefundFailed, StateChainRejected:
		return true
	}
	return false
}

// FulfillmentMetadata holds the good-type specific recipient fields.
// Which fields are required depends on the GoodType.
type FulfillmentMetadata struct {
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	MeterNumber     string `json:"meterNumber,omitempty"`
	SmartcardNumber string `json:"smartcardNumber,omitempty"`
	MobileNetwork   string `json:"mobileNetwork,omitempty"`
	Provider        string `json:"provider,omitempty"`
	PlanID          string `json:"planId,omitempty"`
}

// PendingTransaction is written once the chain payment is confirmed and
// before the vendor is called.
type PendingTransaction struct {
	ReferenceCode string          `json:"referenceCode"`
	ChainTxHash   string          `json:"chainTxHash"`
	WalletAddress string          `json:"walletAddress"`
	GoodType      GoodType        `json:"goodType"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	ChainAmount   *big.Int        `json:"chainAmount"`
	Status        PendingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ChainSubmission reserves a reference code before its payment is sent.
// It outlives replay caches and replicas, so a code whose payment may be
// on chain is never paid again. ChainTxHash is empty until the payment
// has been broadcast.
type ChainSubmission struct {
	ReferenceCode string    `json:"referenceCode"`
	ChainTxHash   string    `json:"chainTxHash,omitempty"`
	WalletAddress string    `json:"walletAddress"`
	ChainAmount   *big.Int  `json:"chainAmount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Transaction is the final record of a purchase once the fulfillment
// outcome is known.
type Transaction struct {
	ReferenceCode string              `json:"referenceCode"`
	ChainTxHash   string              `json:"chainTxHash"`
	WalletAddress string              `json:"walletAddress"`
	GoodType      GoodType            `json:"goodType"`
	FiatAmount    decimal.Decimal     `json:"fiatAmount"`
	ChainAmount   *big.Int            `json:"chainAmount"`
	Status        TransactionStatus   `json:"status"`
	Refunded      bool                `json:"refunded"`
	Metadata      FulfillmentMetadata `json:"metadata"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// SwapJob converts settled proceeds into the target asset.
// LeaseID and LeaseExpiry are set while a worker holds the job.
type SwapJob struct {
	ID            string          `json:"id"`
	Status        SwapStatus      `json:"status"`
	Amount        *big.Int        `json:"amount"`
	FromAsset     string          `json:"fromAsset"`
	ToAsset       string          `json:"toAsset"`
	WalletAddress string          `json:"walletAddress"`
	ReferenceCode string          `json:"referenceCode"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	LeaseID       string          `json:"leaseId,omitempty"`
	LeaseExpiry   *time.Time      `json:"leaseExpiry,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ContractCall is a single contract invocation. Calls are submitted as an
// ordered list.
type ContractCall struct {
	Contract string
	ABI      []byte
	Method   string
	Args     []interface{}

	// Owner is the account that authorizes the call when it is not the
	// service signer. Such calls are made from the owner's wallet; the
	// chain client checks their effect and does not send them.
	Owner string
}

// PurchaseRequest is the goodType-agnostic input of a purchase.
// ReferenceCode is optional; when set it acts as the replay key.
type PurchaseRequest struct {
	ReferenceCode string          `json:"referenceCode,omitempty"`
	Network       Network         `json:"network"`
	GoodType      GoodType        `json:"goodType"`
	WalletAddress string          `json:"walletAddress"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	FulfillmentMetadata
}

// PurchaseResult is the user-facing outcome of a purchase
type PurchaseResult struct {
	Status        bool   `json:"status"`
	ReferenceCode string `json:"referenceCode,omitempty"`
	ChainTxHash   string `json:"chainTxHash,omitempty"`
	State         State  `json:"state"`
	Message       string `json:"message,omitempty"`
}

// RefundRequest asks for a compensating refund of a failed purchase.
// ChainAmount is optional and must match the charged amount when set.
type RefundRequest struct {
	ReferenceCode string   `json:"referenceCode"`
	ChainAmount   *big.Int `json:"chainAmount,omitempty"`
	IsMainnet     bool     `json:"isMainnet"`
}

// RefundResult is the outcome of a refund attempt
type RefundResult struct {
	Status      bool   `json:"status"`
	Message     string `json:"message"`
	ChainTxHash string `json:"chainTxHash,omitempty"`
}

// FulfillmentOutcome classifies a vendor response
type FulfillmentOutcome string

const (
	OutcomeSuccess             FulfillmentOutcome = "success"
	OutcomeInsufficientBalance FulfillmentOutcome = "insufficient_balance"
	OutcomeInvalidRecipient    FulfillmentOutcome = "invalid_recipient"
	OutcomeError               FulfillmentOutcome = "error"
)

// FulfillmentRequest is passed to a FulfillmentAdapter.
// ReferenceCode and ChainTxHash are sent as correlation headers.
type FulfillmentRequest struct {
	ReferenceCode string
	ChainTxHash   string
	WalletAddress string
	FiatAmount    decimal.Decimal
	Metadata      FulfillmentMetadata
}

// FulfillmentResult is the classified vendor response
type FulfillmentResult struct {
	Outcome      FulfillmentOutcome `json:"outcome"`
	VendorStatus string             `json:"vendorStatus,omitempty"`
	OrderID      string             `json:"orderId,omitempty"`
	Raw          json.RawMessage    `json:"raw,omitempty"`
}

// TransactionFilter selects transactions by wallet and/or status
type TransactionFilter struct {
	WalletAddress string
	Status        TransactionStatus
}

// PendingFilter selects pending transactions by wallet and/or status
type PendingFilter struct {
	WalletAddress string
	Status        PendingStatus
}

// Alert is an operator-level notification
type Alert struct {
	Severity      string                 `json:"severity"`
	ReferenceCode string                 `json:"referenceCode"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// detach returns a context that keeps ctx values but ignores its
// cancellation. Used once funds are committed.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
