package settlement

import (
	"errors"
	"fmt"
)

// SettlementError represents a settlement-specific error with a stable code
// and a user-facing message
type SettlementError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrCodeValidationFailed       = "validation_failed"
	ErrCodeWrongNetwork           = "wrong_network"
	ErrCodeAmountTooLow           = "amount_too_low"
	ErrCodeInvalidRecipientFields = "invalid_recipient_fields"
	ErrCodeQuoteUnavailable       = "quote_unavailable"
	ErrCodeChainFailed            = "chain_failed"
	ErrCodeFeeEstimationFailed    = "fee_estimation_failed"
	ErrCodeTransactionNotFound    = "transaction_not_found"
	ErrCodeAlreadyRefunded        = "already_refunded"
	ErrCodeNotEligible            = "not_eligible"
	ErrCodeRefundInProgress       = "refund_in_progress"
	ErrCodeDuplicateReference     = "duplicate_reference"
	ErrCodeRefundFailed           = "refund_failed"
	ErrCodeUnsupportedGoodType    = "unsupported_good_type"
	ErrCodeUnsupportedNetwork     = "unsupported_network"
)

var (
	ErrWrongNetwork           = errors.New("settlement: network is not the production chain")
	ErrAmountTooLow           = errors.New("settlement: amount below minimum")
	ErrInvalidRecipientFields = errors.New("settlement: invalid recipient fields")
	ErrQuoteUnavailable       = errors.New("settlement: price quote unavailable")
	ErrFeeEstimation          = errors.New("settlement: fee estimation failed")
	ErrChainRejected          = errors.New("settlement: chain rejected transaction")
	ErrTransactionNotFound    = errors.New("settlement: transaction not found")
	ErrAlreadyRefunded        = errors.New("settlement: transaction already refunded")
	ErrNotEligible            = errors.New("settlement: transaction not eligible for refund")
	ErrRefundInProgress       = errors.New("settlement: refund already in progress")
	ErrDuplicateReference     = errors.New("settlement: duplicate reference code")
	ErrRefundFailed           = errors.New("settlement: refund failed")
	ErrUnsupportedGoodType    = errors.New("settlement: unsupported good type")
	ErrUnsupportedNetwork     = errors.New("settlement: unsupported network")
	ErrSwapJobNotFound        = errors.New("settlement: swap job not found")
	ErrSwapJobNotClaimable    = errors.New("settlement: swap job not claimable")
	ErrLeaseLost              = errors.New("settlement: swap job lease lost")
)

// NewSettlementError creates a new settlement error
func NewSettlementError(code, message string, err error, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
		Err:     err,
	}
}

// IsClientError reports whether err is a validation or precondition failure
// that must not be retried
func IsClientError(err error) bool {
	var se *SettlementError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeValidationFailed, ErrCodeWrongNetwork, ErrCodeAmountTooLow,
		ErrCodeInvalidRecipientFields, ErrCodeTransactionNotFound, ErrCodeAlreadyRefunded,
		ErrCodeNotEligible, ErrCodeRefundInProgress, ErrCodeDuplicateReference,
		ErrCodeUnsupportedGoodType, ErrCodeUnsupportedNetwork:
		return true
	}
	return false
}

// refundPreconditionError maps ledger precondition sentinels to coded errors
func refundPreconditionError(err error) *SettlementError {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return NewSettlementError(ErrCodeTransactionNotFound, "Transaction not found", err, nil)
	case errors.Is(err, ErrAlreadyRefunded):
		return NewSettlementError(ErrCodeAlreadyRefunded, "Transaction already refunded", err, nil)
	case errors.Is(err, ErrNotEligible):
		return NewSettlementError(ErrCodeNotEligible, "Only failed transactions can be refunded", err, nil)
	case errors.Is(err, ErrRefundInProgress):
		return NewSettlementError(ErrCodeRefundInProgress, "Refund already in progress", err, nil)
	}
	return nil
}
