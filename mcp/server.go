// Package mcp exposes read-only status tools over the Model Context
// Protocol: transaction lookups, pending transactions and swap jobs.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/api"
)

const (
	ToolGetTransaction   = "get_transaction"
	ToolListTransactions = "list_transactions"
	ToolListPending      = "list_pending_transactions"
	ToolGetSwapJob       = "get_swap_job"
	ToolListSwapJobs     = "list_swap_jobs"
)

// Server registers the status tools on an MCP server
type Server struct {
	records api.Records
	swaps   api.SwapJobs
	server  *mcpsdk.Server
	log     logrus.FieldLogger
}

// NewServer creates the MCP server. swaps may be nil when swaps are disabled.
func NewServer(records api.Records, swaps api.SwapJobs, version string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		records: records,
		swaps:   swaps,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "utilpay-settlement",
			Version: version,
		}, nil),
		log: log,
	}
	s.registerTools()
	return s
}

// Handler returns the SSE transport handler
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return s.server
	}, nil)
}

// ============================================================================
// Tool registration
// ============================================================================

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetTransaction,
		Description: "Get the final record of a purchase by reference code",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"referenceCode": stringProp("Purchase reference code")},
			"required":   []string{"referenceCode"},
		},
	}, s.getTransaction)

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolListTransactions,
		Description: "List purchases filtered by wallet address and status (success or failed)",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"walletAddress": stringProp("Payer wallet address"),
				"status":        stringProp("success or failed"),
			},
		},
	}, s.listTransactions)

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolListPending,
		Description: "List pending transactions filtered by wallet address and status",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"walletAddress": stringProp("Payer wallet address"),
				"status":        stringProp("pending, completed or failed"),
			},
		},
	}, s.listPending)

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetSwapJob,
		Description: "Get a swap job by id",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"jobId": stringProp("Swap job id")},
			"required":   []string{"jobId"},
		},
	}, s.getSwapJob)

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolListSwapJobs,
		Description: "List swap jobs for a wallet address",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"walletAddress": stringProp("Payer wallet address")},
			"required":   []string{"walletAddress"},
		},
	}, s.listSwapJobs)
}

// ============================================================================
// Tool handlers
// ============================================================================

type toolArgs struct {
	ReferenceCode string `json:"referenceCode"`
	WalletAddress string `json:"walletAddress"`
	Status        string `json:"status"`
	JobID         string `json:"jobId"`
}

func parseArgs(req *mcpsdk.CallToolRequest) (toolArgs, error) {
	var args toolArgs
	if req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return args, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return args, nil
}

func (s *Server) getTransaction(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if args.ReferenceCode == "" {
		return errorResult("referenceCode is required"), nil
	}
	txn, err := s.records.GetTransaction(ctx, args.ReferenceCode)
	if err != nil {
		return s.failed(ToolGetTransaction, err), nil
	}
	if txn == nil {
		return errorResult(fmt.Sprintf("transaction %s not found", args.ReferenceCode)), nil
	}
	return jsonResult(txn)
}

func (s *Server) listTransactions(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	txns, err := s.records.ListTransactions(ctx, settlement.TransactionFilter{
		WalletAddress: args.WalletAddress,
		Status:        settlement.TransactionStatus(args.Status),
	})
	if err != nil {
		return s.failed(ToolListTransactions, err), nil
	}
	if txns == nil {
		txns = []settlement.Transaction{}
	}
	return jsonResult(txns)
}

func (s *Server) listPending(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	pending, err := s.records.ListPending(ctx, settlement.PendingFilter{
		WalletAddress: args.WalletAddress,
		Status:        settlement.PendingStatus(args.Status),
	})
	if err != nil {
		return s.failed(ToolListPending, err), nil
	}
	if pending == nil {
		pending = []settlement.PendingTransaction{}
	}
	return jsonResult(pending)
}

func (s *Server) getSwapJob(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.swaps == nil {
		return errorResult("swaps are not enabled"), nil
	}
	args, err := parseArgs(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if args.JobID == "" {
		return errorResult("jobId is required"), nil
	}
	job, err := s.swaps.Job(ctx, args.JobID)
	if err != nil {
		return s.failed(ToolGetSwapJob, err), nil
	}
	if job == nil {
		return errorResult(fmt.Sprintf("swap job %s not found", args.JobID)), nil
	}
	return jsonResult(job)
}

func (s *Server) listSwapJobs(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	if s.swaps == nil {
		return errorResult("swaps are not enabled"), nil
	}
	args, err := parseArgs(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if args.WalletAddress == "" {
		return errorResult("walletAddress is required"), nil
	}
	jobs, err := s.swaps.JobsByWallet(ctx, args.WalletAddress)
	if err != nil {
		return s.failed(ToolListSwapJobs, err), nil
	}
	if jobs == nil {
		jobs = []settlement.SwapJob{}
	}
	return jsonResult(jobs)
}

func (s *Server) failed(tool string, err error) *mcpsdk.CallToolResult {
	s.log.WithError(err).WithField("tool", tool).Error("mcp tool failed")
	return errorResult("lookup failed")
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}

func errorResult(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: message}},
	}
}
