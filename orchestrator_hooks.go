package settlement

import (
	"context"
	"time"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// PurchaseContext contains information passed to purchase hooks
type PurchaseContext struct {
	Ctx       context.Context
	Request   PurchaseRequest
	Timestamp time.Time
}

// PurchaseResultContext contains the purchase result and context
type PurchaseResultContext struct {
	PurchaseContext
	Result   PurchaseResult
	Duration time.Duration
}

// PurchaseFailureContext contains a purchase error and context
type PurchaseFailureContext struct {
	PurchaseContext
	Error    error
	Duration time.Duration
}

// StateChangeContext describes a single state machine transition
type StateChangeContext struct {
	Ctx           context.Context
	ReferenceCode string
	GoodType      GoodType
	From          State
	To            State
	Timestamp     time.Time
}

// RefundResultContext contains a refund outcome and context.
// Error is set when the refund did not succeed.
type RefundResultContext struct {
	Ctx      context.Context
	Request  RefundRequest
	Result   *RefundResult
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the purchase is rejected with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforePurchaseHook is called after validation and before any side effect
// If it returns a result with Abort=true, the purchase is rejected
type BeforePurchaseHook func(PurchaseContext) (*BeforeHookResult, error)

// AfterPurchaseHook is called when a purchase produced a result
// Any error returned will be logged but will not affect the result
type AfterPurchaseHook func(PurchaseResultContext) error

// OnPurchaseFailureHook is called when a purchase returned an error
type OnPurchaseFailureHook func(PurchaseFailureContext)

// StateChangeHook is called on every state machine transition
type StateChangeHook func(StateChangeContext)

// AfterRefundHook is called after every refund attempt
type AfterRefundHook func(RefundResultContext)
