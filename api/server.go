// Package api is the gin HTTP boundary: purchases, refunds and status
// queries over the ledger and the swap queue.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/metrics"
)

// DefaultSessionTimeout bounds one purchase flow
const DefaultSessionTimeout = 15 * time.Minute

// Purchaser runs purchases
type Purchaser interface {
	Purchase(ctx context.Context, req settlement.PurchaseRequest) (*settlement.PurchaseResult, error)
}

// Refunder runs refunds
type Refunder interface {
	Refund(ctx context.Context, req settlement.RefundRequest) (*settlement.RefundResult, error)
}

// Records reads purchase records
type Records interface {
	GetTransaction(ctx context.Context, referenceCode string) (*settlement.Transaction, error)
	ListTransactions(ctx context.Context, filter settlement.TransactionFilter) ([]settlement.Transaction, error)
	ListPending(ctx context.Context, filter settlement.PendingFilter) ([]settlement.PendingTransaction, error)
}

// SwapJobs reads swap jobs
type SwapJobs interface {
	Job(ctx context.Context, id string) (*settlement.SwapJob, error)
	JobsByWallet(ctx context.Context, walletAddress string) ([]settlement.SwapJob, error)
}

// Config holds the handler collaborators. Swaps, Metrics and MCP may be nil.
type Config struct {
	Purchases      Purchaser
	Refunds        Refunder
	Records        Records
	Swaps          SwapJobs
	Metrics        *metrics.Metrics
	MCP            http.Handler
	SessionTimeout time.Duration
	Log            logrus.FieldLogger
}

// Server serves the HTTP API
type Server struct {
	purchases      Purchaser
	refunds        Refunder
	records        Records
	swaps          SwapJobs
	metrics        *metrics.Metrics
	mcp            http.Handler
	sessionTimeout time.Duration
	validate       *RequestValidator
	log            logrus.FieldLogger
}

// NewServer creates a Server. A zero SessionTimeout uses DefaultSessionTimeout.
func NewServer(cfg Config) *Server {
	s := &Server{
		purchases:      cfg.Purchases,
		refunds:        cfg.Refunds,
		records:        cfg.Records,
		swaps:          cfg.Swaps,
		metrics:        cfg.Metrics,
		mcp:            cfg.MCP,
		sessionTimeout: cfg.SessionTimeout,
		validate:       NewRequestValidator(),
		log:            cfg.Log,
	}
	if s.sessionTimeout <= 0 {
		s.sessionTimeout = DefaultSessionTimeout
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s
}

// Handler builds the gin engine with every route registered
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/purchases", s.handlePurchase)
	r.POST("/refunds/process", s.handleRefund)

	r.GET("/transactions", s.handleListTransactions)
	r.GET("/transactions/:referenceCode", s.handleGetTransaction)
	r.GET("/pending-transactions", s.handleListPending)

	r.GET("/swaps/:jobId", s.handleGetSwapJob)
	r.GET("/swaps/user/:walletAddress", s.handleListSwapJobs)

	if s.mcp != nil {
		r.Any("/mcp", gin.WrapH(s.mcp))
	}

	return r
}
