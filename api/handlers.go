package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	settlement "github.com/utilpay/settlement"
)

const (
	msgSessionExpired = "Session expired. Please restart the purchase"
	msgInternal       = "Something went wrong. Please try again"
	msgSwapsDisabled  = "Swaps are not enabled"
)

type purchaseBody struct {
	ReferenceCode   string          `json:"referenceCode" validate:"omitempty,max=31"`
	Network         string          `json:"network" validate:"required"`
	GoodType        string          `json:"goodType" validate:"required"`
	WalletAddress   string          `json:"walletAddress" validate:"required,wallet"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	PhoneNumber     string          `json:"phoneNumber" validate:"omitempty,digits"`
	MeterNumber     string          `json:"meterNumber" validate:"omitempty,digits"`
	SmartcardNumber string          `json:"smartcardNumber" validate:"omitempty,digits"`
	MobileNetwork   string          `json:"mobileNetwork"`
	Provider        string          `json:"provider"`
	PlanID          string          `json:"planId"`
}

func (b purchaseBody) request() settlement.PurchaseRequest {
	return settlement.PurchaseRequest{
		ReferenceCode: b.ReferenceCode,
		Network:       settlement.Network(b.Network),
		GoodType:      settlement.GoodType(b.GoodType),
		WalletAddress: b.WalletAddress,
		FiatAmount:    b.FiatAmount,
		FulfillmentMetadata: settlement.FulfillmentMetadata{
			PhoneNumber:     b.PhoneNumber,
			MeterNumber:     b.MeterNumber,
			SmartcardNumber: b.SmartcardNumber,
			MobileNetwork:   b.MobileNetwork,
			Provider:        b.Provider,
			PlanID:          b.PlanID,
		},
	}
}

type refundBody struct {
	ReferenceCode string `json:"referenceCode" validate:"required"`
	ChainAmount   string `json:"chainAmount" validate:"omitempty,number"`
	IsMainnet     bool   `json:"isMainnet"`
}

type transactionQuery struct {
	WalletAddress string `form:"wallet_address" validate:"omitempty,wallet"`
	Status        string `form:"status" validate:"omitempty,oneof=success failed"`
}

type pendingQuery struct {
	WalletAddress string `form:"wallet_address" validate:"omitempty,wallet"`
	Status        string `form:"status" validate:"omitempty,oneof=pending completed failed"`
}

func (s *Server) handlePurchase(c *gin.Context) {
	var body purchaseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "Invalid request body")
		return
	}
	if err := s.validate.Validate(body); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.sessionTimeout)
	defer cancel()

	result, err := s.purchases.Purchase(ctx, body.request())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.log.WithField("reference_code", body.ReferenceCode).Warn("purchase session expired")
			c.JSON(http.StatusRequestTimeout, gin.H{"status": false, "message": msgSessionExpired})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRefund(c *gin.Context) {
	var body refundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, "Invalid request body")
		return
	}
	if err := s.validate.Validate(body); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	req := settlement.RefundRequest{ReferenceCode: body.ReferenceCode, IsMainnet: body.IsMainnet}
	if body.ChainAmount != "" {
		amount, ok := new(big.Int).SetString(body.ChainAmount, 10)
		if !ok || amount.Sign() <= 0 {
			s.badRequest(c, "chainAmount must be a positive integer")
			return
		}
		req.ChainAmount = amount
	}

	result, err := s.refunds.Refund(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	txn, err := s.records.GetTransaction(c.Request.Context(), c.Param("referenceCode"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if txn == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": false, "message": "Transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": txn})
}

func (s *Server) handleListTransactions(c *gin.Context) {
	var q transactionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, "Invalid query")
		return
	}
	if err := s.validate.Validate(q); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	txns, err := s.records.ListTransactions(c.Request.Context(), settlement.TransactionFilter{
		WalletAddress: q.WalletAddress,
		Status:        settlement.TransactionStatus(q.Status),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if txns == nil {
		txns = []settlement.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": txns})
}

func (s *Server) handleListPending(c *gin.Context) {
	var q pendingQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, "Invalid query")
		return
	}
	if err := s.validate.Validate(q); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	pending, err := s.records.ListPending(c.Request.Context(), settlement.PendingFilter{
		WalletAddress: q.WalletAddress,
		Status:        settlement.PendingStatus(q.Status),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if pending == nil {
		pending = []settlement.PendingTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": pending})
}

func (s *Server) handleGetSwapJob(c *gin.Context) {
	if s.swaps == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": false, "message": msgSwapsDisabled})
		return
	}
	job, err := s.swaps.Job(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": false, "message": "Swap job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": job})
}

func (s *Server) handleListSwapJobs(c *gin.Context) {
	if s.swaps == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": false, "message": msgSwapsDisabled})
		return
	}
	jobs, err := s.swaps.JobsByWallet(c.Request.Context(), c.Param("walletAddress"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []settlement.SwapJob{}
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": jobs})
}

func (s *Server) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": false, "message": message})
}

// writeError maps err to a status code. Only SettlementError messages
// reach the caller; anything else is logged and replaced.
func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var se *settlement.SettlementError
	if !errors.As(err, &se) {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": false, "message": msgInternal})
		return
	}

	body := gin.H{"status": false, "message": se.Message, "code": se.Code}
	c.JSON(statusFor(se), body)
}

func statusFor(se *settlement.SettlementError) int {
	switch se.Code {
	case settlement.ErrCodeTransactionNotFound:
		return http.StatusNotFound
	case settlement.ErrCodeAlreadyRefunded, settlement.ErrCodeRefundInProgress, settlement.ErrCodeDuplicateReference:
		return http.StatusConflict
	case settlement.ErrCodeQuoteUnavailable:
		return http.StatusServiceUnavailable
	case settlement.ErrCodeChainFailed, settlement.ErrCodeFeeEstimationFailed, settlement.ErrCodeRefundFailed:
		return http.StatusBadGateway
	}
	if settlement.IsClientError(se) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
